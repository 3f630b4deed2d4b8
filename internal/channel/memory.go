package channel

import (
	"context"
	"sync"

	"github.com/codefionn/pairspace/internal/consts"
)

// MemoryHub is an in-process relay. Frames sent on one connection reach
// every other connection of the same project, never the sender.
type MemoryHub struct {
	mu    sync.Mutex
	rooms map[string]map[*memoryConn]struct{}
}

// NewMemoryHub returns an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{rooms: make(map[string]map[*memoryConn]struct{})}
}

// Dial implements Dialer.
func (h *MemoryHub) Dial(ctx context.Context, projectID string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := &memoryConn{
		hub:     h,
		project: projectID,
		inbound: make(chan Envelope, consts.ChannelQueueSize),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[projectID]
	if room == nil {
		room = make(map[*memoryConn]struct{})
		h.rooms[projectID] = room
	}
	room[c] = struct{}{}
	return c, nil
}

// Broadcast delivers env to every connection of projectID, as a server-side
// sender would.
func (h *MemoryHub) Broadcast(projectID string, env Envelope) {
	h.deliver(projectID, env, nil)
}

// Members returns the number of open connections for projectID.
func (h *MemoryHub) Members(projectID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[projectID])
}

func (h *MemoryHub) deliver(projectID string, env Envelope, from *memoryConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.rooms[projectID] {
		if c == from {
			continue
		}
		select {
		case c.inbound <- env:
		default:
			// slow reader; the frame is lost like on a congested socket
		}
	}
}

func (h *MemoryHub) leave(c *memoryConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[c.project]
	if _, ok := room[c]; !ok {
		return
	}
	delete(room, c)
	close(c.inbound)
	if len(room) == 0 {
		delete(h.rooms, c.project)
	}
}

type memoryConn struct {
	hub     *MemoryHub
	project string
	inbound chan Envelope

	mu     sync.Mutex
	closed bool
}

func (c *memoryConn) Send(env Envelope) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	c.hub.deliver(c.project, env, c)
	return nil
}

func (c *memoryConn) Inbound() <-chan Envelope { return c.inbound }

func (c *memoryConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.hub.leave(c)
	return nil
}
