// Package channel provides the per-project real-time message channel:
// one connection scoped to a project, with topic-based subscribe, publish and
// unsubscribe on top of a pluggable transport.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/codefionn/pairspace/internal/logger"
)

var (
	// ErrNotConnected is returned by Publish before Connect.
	ErrNotConnected = errors.New("channel is not connected")
	// ErrClosed is returned by a connection after Close.
	ErrClosed = errors.New("channel connection closed")
	// ErrSendQueueFull is returned when the writer is not keeping up.
	ErrSendQueueFull = errors.New("channel send queue full")
)

// Envelope is the frame exchanged on the wire.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Conn is one live bidirectional connection.
type Conn interface {
	// Send queues env for the writer without waiting for delivery.
	Send(env Envelope) error
	// Inbound yields received frames and is closed when the connection ends.
	Inbound() <-chan Envelope
	Close() error
}

// Dialer opens a connection scoped to a project.
type Dialer interface {
	Dial(ctx context.Context, projectID string) (Conn, error)
}

// Handler receives the data of one inbound event.
type Handler func(data json.RawMessage)

// Subscription identifies one registered handler.
type Subscription struct {
	id    uint64
	topic string
	fn    Handler
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// Adapter owns the project connection and fans inbound events out to
// subscribers. Handlers survive reconnects to another project.
type Adapter struct {
	dialer Dialer
	log    *logger.Logger

	connectMu sync.Mutex

	mu        sync.Mutex
	projectID string
	conn      Conn
	loopDone  chan struct{}
	handlers  map[string][]*Subscription
	nextID    uint64
}

// NewAdapter creates an adapter that dials through d.
func NewAdapter(d Dialer, log *logger.Logger) *Adapter {
	if log == nil {
		log = logger.Global().WithPrefix("channel")
	}
	return &Adapter{
		dialer:   d,
		log:      log,
		handlers: make(map[string][]*Subscription),
	}
}

// Connect opens the connection for projectID. Connecting again to the same
// project is a no-op; connecting to another project closes the old
// connection first.
func (a *Adapter) Connect(ctx context.Context, projectID string) error {
	a.connectMu.Lock()
	defer a.connectMu.Unlock()

	a.mu.Lock()
	if a.conn != nil && a.projectID == projectID {
		a.mu.Unlock()
		return nil
	}
	old, oldDone := a.conn, a.loopDone
	a.conn, a.loopDone, a.projectID = nil, nil, ""
	a.mu.Unlock()

	if old != nil {
		a.log.Info("switching project, closing previous connection")
		_ = old.Close()
		<-oldDone
	}

	conn, err := a.dialer.Dial(ctx, projectID)
	if err != nil {
		return fmt.Errorf("connect to project %s: %w", projectID, err)
	}

	done := make(chan struct{})
	a.mu.Lock()
	a.conn, a.loopDone, a.projectID = conn, done, projectID
	a.mu.Unlock()

	go a.dispatch(conn, done)
	a.log.Info("connected to project %s", projectID)
	return nil
}

// ProjectID returns the connected project, empty when disconnected.
func (a *Adapter) ProjectID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.projectID
}

// Publish sends payload under topic. There is no acknowledgement.
func (a *Adapter) Publish(topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", topic, err)
	}

	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Send(Envelope{Event: topic, Data: data})
}

// Subscribe registers fn for topic. Handlers accumulate.
func (a *Adapter) Subscribe(topic string, fn Handler) *Subscription {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.nextID++
	sub := &Subscription{id: a.nextID, topic: topic, fn: fn}
	a.handlers[topic] = append(a.handlers[topic], sub)
	return sub
}

// Unsubscribe removes exactly sub. Unknown subscriptions are ignored.
func (a *Adapter) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	subs := a.handlers[sub.topic]
	for i, s := range subs {
		if s.id == sub.id {
			a.handlers[sub.topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(a.handlers[sub.topic]) == 0 {
		delete(a.handlers, sub.topic)
	}
}

// Close ends the connection. Subscriptions are kept.
func (a *Adapter) Close() error {
	a.connectMu.Lock()
	defer a.connectMu.Unlock()

	a.mu.Lock()
	conn, done := a.conn, a.loopDone
	a.conn, a.loopDone, a.projectID = nil, nil, ""
	a.mu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.Close()
	<-done
	return err
}

func (a *Adapter) dispatch(conn Conn, done chan struct{}) {
	defer close(done)
	for env := range conn.Inbound() {
		a.mu.Lock()
		subs := append([]*Subscription(nil), a.handlers[env.Event]...)
		a.mu.Unlock()

		if len(subs) == 0 {
			a.log.Debug("no subscriber for event %q", env.Event)
			continue
		}
		for _, s := range subs {
			s.fn(env.Data)
		}
	}
	a.log.Debug("inbound stream ended")
}
