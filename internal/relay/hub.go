// Package relay is the real-time channel server: it groups websocket
// connections into one room per project and fans project messages out to the
// other members of the room.
package relay

import (
	"sync"

	"github.com/codefionn/pairspace/internal/logger"
)

type outbound struct {
	room   string
	data   []byte
	except *Client
}

// Hub maintains the rooms of active clients and broadcasts messages
type Hub struct {
	rooms      map[string]map[*Client]bool
	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	metrics    *Metrics
	log        *logger.Logger
	quit       chan struct{}
	done       chan struct{}
	stopOnce   sync.Once
}

// NewHub creates a new hub
func NewHub(metrics *Metrics, log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Global().WithPrefix("relay")
	}
	return &Hub{
		rooms:      make(map[string]map[*Client]bool),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		metrics:    metrics,
		log:        log,
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Run starts the hub
func (h *Hub) Run() {
	h.log.Info("relay hub started")
	defer close(h.done)
	defer h.log.Info("relay hub stopped")

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			room := h.rooms[client.ProjectID]
			if room == nil {
				room = make(map[*Client]bool)
				h.rooms[client.ProjectID] = room
			}
			room[client] = true
			h.observe()
			h.mu.Unlock()
			h.log.Debug("client %s (%s) joined %s", client.ID, client.User.ID, client.ProjectID)

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client)
			h.mu.Unlock()
			h.log.Debug("client %s left %s", client.ID, client.ProjectID)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.rooms[msg.room] {
				if client == msg.except {
					continue
				}
				select {
				case client.send <- msg.data:
				default:
					// slow reader, drop it
					h.log.Warn("client %s is not keeping up, disconnecting", client.ID)
					h.removeLocked(client)
				}
			}
			h.mu.Unlock()

		case <-h.quit:
			h.mu.Lock()
			for _, room := range h.rooms {
				for client := range room {
					h.removeLocked(client)
				}
			}
			h.mu.Unlock()
			return
		}
	}
}

// Stop stops the hub and disconnects every client.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.quit) })
	<-h.done
}

// Register registers a new client
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.quit:
		close(client.send)
	}
}

// Unregister unregisters a client
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.quit:
	}
}

// Broadcast sends data to every client in room except the given one, which
// may be nil.
func (h *Hub) Broadcast(room string, data []byte, except *Client) {
	select {
	case h.broadcast <- outbound{room: room, data: data, except: except}:
	default:
		h.log.Warn("broadcast queue full, dropping message for %s", room)
	}
}

// ClientCount returns the number of connected clients in room.
func (h *Hub) ClientCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *Hub) removeLocked(client *Client) {
	room, ok := h.rooms[client.ProjectID]
	if !ok || !room[client] {
		return
	}
	delete(room, client)
	close(client.send)
	if len(room) == 0 {
		delete(h.rooms, client.ProjectID)
	}
	h.observe()
}

func (h *Hub) observe() {
	if h.metrics == nil {
		return
	}
	n := 0
	for _, room := range h.rooms {
		n += len(room)
	}
	h.metrics.connections.Set(float64(n))
	h.metrics.rooms.Set(float64(len(h.rooms)))
}
