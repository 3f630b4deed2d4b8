package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codefionn/pairspace/internal/consts"
	"github.com/codefionn/pairspace/internal/logger"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size; file trees travel in full.
	maxMessageSize = consts.BufferSize1MB
)

// WebSocketDialer connects to the relay at URL. The project id travels as
// the projectId query parameter and Token as a bearer header.
type WebSocketDialer struct {
	URL    string
	Token  string
	Dialer *websocket.Dialer
	Log    *logger.Logger
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context, projectID string) (Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid channel url: %w", err)
	}
	q := u.Query()
	q.Set("projectId", projectID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if d.Token != "" {
		header.Set("Authorization", "Bearer "+d.Token)
	}

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}

	log := d.Log
	if log == nil {
		log = logger.Global().WithPrefix("channel")
	}
	return NewWebSocketConn(ws, log), nil
}

// WebSocketConn runs a read pump and a write pump over one websocket.
type WebSocketConn struct {
	ws      *websocket.Conn
	log     *logger.Logger
	send    chan Envelope
	inbound chan Envelope

	closing   chan struct{}
	closeOnce sync.Once
	writeDone chan struct{}
}

// NewWebSocketConn starts the pumps for an established websocket.
func NewWebSocketConn(ws *websocket.Conn, log *logger.Logger) *WebSocketConn {
	c := &WebSocketConn{
		ws:        ws,
		log:       log,
		send:      make(chan Envelope, consts.ChannelQueueSize),
		inbound:   make(chan Envelope, consts.ChannelQueueSize),
		closing:   make(chan struct{}),
		writeDone: make(chan struct{}),
	}
	go c.writePump()
	go c.readPump()
	return c
}

// Send implements Conn.
func (c *WebSocketConn) Send(env Envelope) error {
	select {
	case <-c.closing:
		return ErrClosed
	default:
	}
	select {
	case c.send <- env:
		return nil
	case <-c.closing:
		return ErrClosed
	default:
		return ErrSendQueueFull
	}
}

// Inbound implements Conn.
func (c *WebSocketConn) Inbound() <-chan Envelope { return c.inbound }

// Close stops both pumps. The write pump sends a close frame first.
func (c *WebSocketConn) Close() error {
	c.shutdown()
	select {
	case <-c.writeDone:
	case <-time.After(writeWait):
	}
	return c.ws.Close()
}

func (c *WebSocketConn) shutdown() {
	c.closeOnce.Do(func() { close(c.closing) })
}

func (c *WebSocketConn) readPump() {
	defer func() {
		close(c.inbound)
		c.shutdown()
	}()

	c.ws.SetReadLimit(int64(maxMessageSize))
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Warn("websocket read error: %v", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.log.Warn("dropping malformed frame: %v", err)
			continue
		}

		select {
		case c.inbound <- env:
		case <-c.closing:
			return
		}
	}
}

func (c *WebSocketConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		close(c.writeDone)
	}()

	for {
		select {
		case env := <-c.send:
			data, err := json.Marshal(env)
			if err != nil {
				c.log.Error("failed to marshal frame: %v", err)
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Warn("failed to write frame: %v", err)
				c.shutdown()
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}

		case <-c.closing:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
