// Package sandbox is the execution capability projects run in: mount a file
// tree, spawn commands inside it, observe their output and exit, and get
// notified when a dev server starts listening.
package sandbox

import (
	"context"
	"errors"

	"github.com/codefionn/pairspace/internal/filetree"
)

// ErrClosed is returned by a sandbox that has been shut down.
var ErrClosed = errors.New("sandbox closed")

// ReadyHandler is called when a process reports a listening server.
type ReadyHandler func(port int, url string)

// Sandbox is the opaque execution environment.
type Sandbox interface {
	Mount(ctx context.Context, tree filetree.Tree) error
	Spawn(ctx context.Context, command string, args ...string) (Process, error)
	// OnServerReady registers h and returns a function that removes it.
	OnServerReady(h ReadyHandler) (remove func())
}

// ExitStatus is the eventual result of a process. Defined is false when the
// platform could not report a code, for example after death by signal.
type ExitStatus struct {
	Code    int
	Defined bool
	Err     error
}

// Success reports whether the status counts as a successful exit: a zero
// code or no code at all.
func (s ExitStatus) Success() bool {
	return !s.Defined || s.Code == 0
}

// Process is a spawned command.
type Process interface {
	// Output yields raw output chunks and is closed once output ends. It must
	// be drained.
	Output() <-chan []byte
	// Done is closed when the process has exited.
	Done() <-chan struct{}
	// ExitStatus is valid once Done is closed.
	ExitStatus() ExitStatus
	Kill() error
}
