package actor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// TestMessage is a simple test message type
type TestMessage struct {
	ID      string
	Content string
}

func (m *TestMessage) Type() string {
	return "test"
}

// EchoMessage asks the actor to reply with its content.
type EchoMessage struct {
	Content string
	Reply   chan<- string
}

func (m *EchoMessage) Type() string {
	return "echo"
}

// TestActor records what it receives.
type TestActor struct {
	id           string
	receivedMsgs []Message
	receiveCount atomic.Int32
	startCalled  atomic.Bool
	stopCalled   atomic.Bool
	shouldError  atomic.Bool
	mu           sync.Mutex
}

func NewTestActor(id string) *TestActor {
	return &TestActor{id: id}
}

func (a *TestActor) ID() string {
	return a.id
}

func (a *TestActor) Start(ctx context.Context) error {
	a.startCalled.Store(true)
	return nil
}

func (a *TestActor) Stop(ctx context.Context) error {
	a.stopCalled.Store(true)
	return nil
}

func (a *TestActor) Receive(ctx context.Context, msg Message) error {
	a.receiveCount.Add(1)

	a.mu.Lock()
	a.receivedMsgs = append(a.receivedMsgs, msg)
	a.mu.Unlock()

	if echo, ok := msg.(*EchoMessage); ok {
		echo.Reply <- echo.Content
	}
	if a.shouldError.Load() {
		return errors.New("test error")
	}
	return nil
}

func (a *TestActor) GetReceivedMessages() []Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Message(nil), a.receivedMsgs...)
}

func (a *TestActor) GetReceiveCount() int {
	return int(a.receiveCount.Load())
}

func (a *TestActor) WasStartCalled() bool {
	return a.startCalled.Load()
}

func (a *TestActor) WasStopCalled() bool {
	return a.stopCalled.Load()
}

func (a *TestActor) SetShouldError(v bool) {
	a.shouldError.Store(v)
}
