// Package sandboxtest provides scriptable in-memory sandboxes for tests.
package sandboxtest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/codefionn/pairspace/internal/filetree"
	"github.com/codefionn/pairspace/internal/sandbox"
)

// Process is a controllable fake process.
type Process struct {
	Command string
	Args    []string
	// OnKill runs on every Kill before the process exits.
	OnKill func()

	output    chan []byte
	done      chan struct{}
	closeOut  sync.Once
	exitOnce  sync.Once
	mu        sync.Mutex
	status    sandbox.ExitStatus
	killCount int
}

// NewProcess returns a running fake process.
func NewProcess(command string, args ...string) *Process {
	return &Process{
		Command: command,
		Args:    args,
		output:  make(chan []byte, 64),
		done:    make(chan struct{}),
	}
}

// Write emits output. It must not be called after Exit.
func (p *Process) Write(s string) {
	p.output <- []byte(s)
}

// Exit finishes the process with status. Later calls are ignored.
func (p *Process) Exit(status sandbox.ExitStatus) {
	p.exitOnce.Do(func() {
		p.mu.Lock()
		p.status = status
		p.mu.Unlock()
		p.closeOut.Do(func() { close(p.output) })
		close(p.done)
	})
}

// Output implements sandbox.Process.
func (p *Process) Output() <-chan []byte { return p.output }

// Done implements sandbox.Process.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitStatus implements sandbox.Process.
func (p *Process) ExitStatus() sandbox.ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Kill records the call and exits the process without a code.
func (p *Process) Kill() error {
	p.mu.Lock()
	p.killCount++
	hook := p.OnKill
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
	p.Exit(sandbox.ExitStatus{})
	return nil
}

// Kills returns how often Kill was called.
func (p *Process) Kills() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killCount
}

// SpawnFunc decides what a spawn returns.
type SpawnFunc func(command string, args []string) (*Process, error)

// Sandbox records mounts and spawns. Spawn delegates to OnSpawn, or returns
// a fresh running process when it is nil.
type Sandbox struct {
	OnSpawn  SpawnFunc
	MountErr error

	mu       sync.Mutex
	events   []string
	mounts   []filetree.Tree
	procs    []*Process
	handlers map[int]sandbox.ReadyHandler
	nextID   int
}

// New returns an empty fake sandbox.
func New() *Sandbox {
	return &Sandbox{handlers: make(map[int]sandbox.ReadyHandler)}
}

// Mount implements sandbox.Sandbox.
func (s *Sandbox) Mount(_ context.Context, tree filetree.Tree) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, "mount")
	s.mounts = append(s.mounts, tree)
	return s.MountErr
}

// Spawn implements sandbox.Sandbox.
func (s *Sandbox) Spawn(_ context.Context, command string, args ...string) (sandbox.Process, error) {
	s.mu.Lock()
	s.events = append(s.events, "spawn "+strings.TrimSpace(command+" "+strings.Join(args, " ")))
	fn := s.OnSpawn
	s.mu.Unlock()

	var (
		p   *Process
		err error
	)
	if fn != nil {
		p, err = fn(command, args)
	} else {
		p = NewProcess(command, args...)
	}
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("no process for %s", command)
	}

	s.mu.Lock()
	s.procs = append(s.procs, p)
	s.mu.Unlock()
	return p, nil
}

// OnServerReady implements sandbox.Sandbox.
func (s *Sandbox) OnServerReady(h sandbox.ReadyHandler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.handlers[id] = h
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers, id)
	}
}

// Ready fires every registered ready handler.
func (s *Sandbox) Ready(port int, url string) {
	s.mu.Lock()
	hs := make([]sandbox.ReadyHandler, 0, len(s.handlers))
	for _, h := range s.handlers {
		hs = append(hs, h)
	}
	s.mu.Unlock()
	for _, h := range hs {
		h(port, url)
	}
}

// Handlers returns the number of registered ready handlers.
func (s *Sandbox) Handlers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers)
}

// Note appends a custom marker to the event log.
func (s *Sandbox) Note(event string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

// Events returns the ordered mount and spawn log.
func (s *Sandbox) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

// Mounts returns every mounted tree.
func (s *Sandbox) Mounts() []filetree.Tree {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]filetree.Tree(nil), s.mounts...)
}

// Processes returns every spawned process in order.
func (s *Sandbox) Processes() []*Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Process(nil), s.procs...)
}
