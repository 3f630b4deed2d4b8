package relay

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/codefionn/pairspace/internal/assistant"
	"github.com/codefionn/pairspace/internal/channel"
	"github.com/codefionn/pairspace/internal/consts"
	"github.com/codefionn/pairspace/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. File trees travel in full.
	maxMessageSize = consts.BufferSize1MB
)

// Client is one authenticated websocket connection inside a project room.
type Client struct {
	ID        string
	User      protocol.Participant
	ProjectID string

	server  *Server
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
}

func newClient(s *Server, conn *websocket.Conn, user protocol.Participant, projectID string) *Client {
	return &Client{
		ID:        uuid.NewString(),
		User:      user,
		ProjectID: projectID,
		server:    s,
		conn:      conn,
		send:      make(chan []byte, consts.ChannelQueueSize),
		limiter:   rate.NewLimiter(rate.Limit(s.opts.MessagesPerSec), s.opts.MessageBurst),
	}
}

// ReadPump pumps frames from the websocket into the room.
func (c *Client) ReadPump() {
	defer func() {
		c.server.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(int64(maxMessageSize))
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.server.log.Warn("websocket read error from %s: %v", c.ID, err)
			}
			return
		}
		c.handleFrame(message)
	}
}

func (c *Client) handleFrame(message []byte) {
	var env channel.Envelope
	if err := json.Unmarshal(message, &env); err != nil || env.Event != consts.ProjectMessageTopic {
		c.server.count(resultInvalid)
		c.server.log.Debug("dropping frame from %s: not a project message", c.ID)
		return
	}

	var msg protocol.ProjectMessage
	if err := json.Unmarshal(env.Data, &msg); err != nil || len(msg.Message) == 0 {
		c.server.count(resultInvalid)
		c.server.log.Debug("dropping malformed project message from %s", c.ID)
		return
	}

	if !c.limiter.Allow() {
		c.server.count(resultRateLimited)
		c.server.log.Warn("rate limit exceeded for %s in %s", c.User.ID, c.ProjectID)
		return
	}

	// The relay is the authority on who sent a frame.
	msg.Sender = c.User
	data, err := encodeProjectMessage(msg)
	if err != nil {
		c.server.log.Error("failed to encode project message: %v", err)
		return
	}
	c.server.hub.Broadcast(c.ProjectID, data, c)
	c.server.count(resultRelayed)

	if text, ok := msg.Text(); ok {
		if prompt, mentioned := assistant.Mentioned(text); mentioned {
			c.server.dispatchAssistant(c.ProjectID, prompt)
		}
	}
}

// WritePump pumps frames from the room to the websocket.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.server.log.Warn("failed to write to %s: %v", c.ID, err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func encodeProjectMessage(msg protocol.ProjectMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(channel.Envelope{Event: consts.ProjectMessageTopic, Data: data})
}
