// Package actor runs a component on a single goroutine behind a mailbox so
// that everything it handles happens on one logical timeline.
package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/codefionn/pairspace/internal/logger"
)

// ErrStopped is returned when sending to a stopped actor.
var ErrStopped = errors.New("actor is stopped")

// Message represents a message sent to an actor
type Message interface {
	Type() string
}

// Actor represents an actor in the actor model
type Actor interface {
	// Receive processes incoming messages
	Receive(ctx context.Context, msg Message) error
	// Start starts the actor
	Start(ctx context.Context) error
	// Stop stops the actor gracefully
	Stop(ctx context.Context) error
	// ID returns the actor's unique identifier
	ID() string
}

// ActorRef is a reference to an actor for sending messages
type ActorRef struct {
	id         string
	mailbox    chan Message
	actor      Actor
	log        *logger.Logger
	wg         sync.WaitGroup
	cancel     context.CancelFunc
	mu         sync.RWMutex
	stopped    bool
	sequential bool
	sequenceMu sync.Mutex
	ctx        context.Context
}

// ActorRefOption configures an ActorRef.
type ActorRefOption func(*ActorRef)

// WithSequentialProcessing makes Send call Receive directly and block until
// it returns, without a run loop. Tests use it for determinism.
func WithSequentialProcessing() ActorRefOption {
	return func(ref *ActorRef) {
		ref.sequential = true
	}
}

// WithLogger sets the logger used for receive errors.
func WithLogger(l *logger.Logger) ActorRefOption {
	return func(ref *ActorRef) {
		ref.log = l
	}
}

// NewActorRef creates a new actor reference with the given ID, actor implementation,
// mailbox size, and optional configuration options.
func NewActorRef(id string, actor Actor, mailboxSize int, opts ...ActorRefOption) *ActorRef {
	ref := &ActorRef{
		id:      id,
		actor:   actor,
		mailbox: make(chan Message, mailboxSize),
		ctx:     context.Background(),
	}
	for _, opt := range opts {
		opt(ref)
	}
	if ref.log == nil {
		ref.log = logger.Global().WithPrefix("actor")
	}
	return ref
}

// ID returns the actor's ID
func (ref *ActorRef) ID() string {
	return ref.id
}

// Send enqueues msg without blocking. It fails when the mailbox is full.
func (ref *ActorRef) Send(msg Message) error {
	ref.mu.RLock()
	if ref.stopped {
		ref.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrStopped, ref.id)
	}
	sequential := ref.sequential
	ctx := ref.ctx
	ref.mu.RUnlock()

	if sequential {
		ref.receive(ctx, msg)
		return nil
	}

	select {
	case ref.mailbox <- msg:
		return nil
	default:
		return fmt.Errorf("actor %s mailbox is full", ref.id)
	}
}

// SendContext enqueues msg, waiting for mailbox space until ctx is done or
// the actor stops.
func (ref *ActorRef) SendContext(ctx context.Context, msg Message) error {
	ref.mu.RLock()
	if ref.stopped {
		ref.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrStopped, ref.id)
	}
	sequential := ref.sequential
	actorCtx := ref.ctx
	ref.mu.RUnlock()

	if sequential {
		ref.receive(actorCtx, msg)
		return nil
	}

	select {
	case ref.mailbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-actorCtx.Done():
		return fmt.Errorf("%w: %s", ErrStopped, ref.id)
	}
}

// Start starts the actor's message processing loop
func (ref *ActorRef) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	if err := ref.actor.Start(ctx); err != nil {
		cancel()
		return err
	}

	ref.mu.Lock()
	ref.cancel = cancel
	ref.ctx = ctx
	ref.mu.Unlock()

	if ref.sequential {
		return nil
	}

	ref.wg.Add(1)
	go ref.run(ctx)
	return nil
}

// Stop stops the run loop, dropping queued messages, then stops the actor.
func (ref *ActorRef) Stop(ctx context.Context) error {
	ref.mu.Lock()
	if ref.stopped {
		ref.mu.Unlock()
		return nil
	}
	ref.stopped = true
	cancel := ref.cancel
	ref.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		ref.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return ref.actor.Stop(ctx)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ref *ActorRef) run(ctx context.Context) {
	defer ref.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ref.mailbox:
			ref.receive(ctx, msg)
		}
	}
}

func (ref *ActorRef) receive(ctx context.Context, msg Message) {
	ref.sequenceMu.Lock()
	defer ref.sequenceMu.Unlock()
	if err := ref.actor.Receive(ctx, msg); err != nil {
		ref.log.Error("actor %s error processing %s: %v", ref.id, msg.Type(), err)
	}
}

// Ask sends the message built by build and waits for the actor to answer on
// the reply channel it was given.
func Ask[R any](ctx context.Context, ref *ActorRef, build func(reply chan<- R) Message) (R, error) {
	var zero R
	reply := make(chan R, 1)
	if err := ref.SendContext(ctx, build(reply)); err != nil {
		return zero, err
	}

	ref.mu.RLock()
	actorCtx := ref.ctx
	ref.mu.RUnlock()

	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-actorCtx.Done():
		// a reply may have raced the shutdown
		select {
		case r := <-reply:
			return r, nil
		default:
		}
		return zero, fmt.Errorf("%w: %s", ErrStopped, ref.id)
	}
}
