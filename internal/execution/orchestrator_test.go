package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/pairspace/internal/filetree"
	"github.com/codefionn/pairspace/internal/logger"
	"github.com/codefionn/pairspace/internal/sandbox"
	"github.com/codefionn/pairspace/internal/sandbox/sandboxtest"
)

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) observe(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) states() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]State, len(l.events))
	for i, e := range l.events {
		out[i] = e.State
	}
	return out
}

func (l *eventLog) last(s State) (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].State == s {
			return l.events[i], true
		}
	}
	return Event{}, false
}

func newTestOrchestrator(timeout time.Duration) (*Orchestrator, *eventLog) {
	log := &eventLog{}
	o := New(Options{InstallTimeout: timeout}, log.observe, logger.NewWithWriter(logger.LevelNone, nil, "test"))
	return o, log
}

var runnable = filetree.Tree{
	"package.json": filetree.NewEntry(`{"scripts":{"start":"node index.js"}}`),
	"index.js":     filetree.NewEntry("require('http').createServer().listen(3000)"),
}

// installExits makes the install step finish with status and leaves the
// start process running.
func installExits(status sandbox.ExitStatus, output string) sandboxtest.SpawnFunc {
	return func(command string, args []string) (*sandboxtest.Process, error) {
		p := sandboxtest.NewProcess(command, args...)
		if len(args) > 0 && args[0] == "install" {
			if output != "" {
				p.Write(output)
			}
			p.Exit(status)
		}
		return p, nil
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunPreconditions(t *testing.T) {
	tests := []struct {
		name    string
		tree    filetree.Tree
		sb      sandbox.Sandbox
		wantErr error
	}{
		{"no sandbox", runnable, nil, ErrSandboxUnavailable},
		{"empty project", filetree.Tree{}, sandboxtest.New(), ErrEmptyProject},
		{"no manifest", filetree.Tree{"index.js": filetree.NewEntry("1")}, sandboxtest.New(), ErrManifestMissing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, log := newTestOrchestrator(time.Second)
			err := o.Run(context.Background(), tt.tree, tt.sb)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, StateIdle, o.State())
			assert.Empty(t, log.states(), "no side effects before preconditions pass")
			if fake, ok := tt.sb.(*sandboxtest.Sandbox); ok {
				assert.Empty(t, fake.Events())
			}
		})
	}
}

func TestRunHappyPath(t *testing.T) {
	o, log := newTestOrchestrator(time.Second)
	sb := sandboxtest.New()
	sb.OnSpawn = installExits(sandbox.ExitStatus{Code: 0, Defined: true}, "added 1 package\n")

	require.NoError(t, o.Run(context.Background(), runnable, sb))
	assert.Equal(t, []string{"mount", "spawn npm install", "spawn npm start"}, sb.Events())
	assert.Equal(t, StateStarting, o.State(), "spawning alone is not running")
	assert.Empty(t, o.PreviewURL())

	sb.Ready(3000, "http://localhost:3000")
	assert.Equal(t, StateRunning, o.State())
	assert.Equal(t, "http://localhost:3000", o.PreviewURL())

	ev, ok := log.last(StateRunning)
	require.True(t, ok)
	assert.Equal(t, 3000, ev.Port)
	assert.Equal(t, []State{StateMounting, StateInstalling, StateStarting, StateRunning}, log.states())

	// the start process exiting after readiness is a normal exit
	start := sb.Processes()[1]
	start.Exit(sandbox.ExitStatus{Code: 0, Defined: true})
	waitFor(t, func() bool { return o.State() == StateIdle })
	_, exited := log.last(StateExited)
	assert.True(t, exited)
	assert.Equal(t, 0, sb.Handlers(), "ready listener removed")
}

func TestRunUndefinedInstallCodeIsSuccess(t *testing.T) {
	o, _ := newTestOrchestrator(time.Second)
	sb := sandboxtest.New()
	sb.OnSpawn = installExits(sandbox.ExitStatus{Defined: false}, "")

	require.NoError(t, o.Run(context.Background(), runnable, sb))
	assert.Len(t, sb.Processes(), 2)
}

func TestRunInstallFailure(t *testing.T) {
	o, log := newTestOrchestrator(time.Second)
	sb := sandboxtest.New()
	sb.OnSpawn = installExits(sandbox.ExitStatus{Code: 1, Defined: true}, "npm ERR! boom\n")

	err := o.Run(context.Background(), runnable, sb)
	var ie *InstallError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, 1, ie.Code)
	assert.Contains(t, ie.Output, "npm ERR! boom")
	assert.Contains(t, Describe(err), "npm ERR! boom")

	assert.Equal(t, StateIdle, o.State())
	assert.Equal(t, []State{StateMounting, StateInstalling, StateFailed, StateIdle}, log.states())
	assert.Len(t, sb.Processes(), 1, "start never spawned")
}

func TestRunInstallTimeout(t *testing.T) {
	o, log := newTestOrchestrator(50 * time.Millisecond)
	sb := sandboxtest.New()
	sb.OnSpawn = func(command string, args []string) (*sandboxtest.Process, error) {
		p := sandboxtest.NewProcess(command, args...)
		p.Write("npm WARN fetching lodash from registry\n")
		return p, nil
	}

	err := o.Run(context.Background(), runnable, sb)
	assert.ErrorIs(t, err, ErrTimeout)
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 50*time.Millisecond, te.After)
	assert.Contains(t, te.Output, "fetching lodash")
	assert.Contains(t, Describe(err), "install timed out after 50ms")
	assert.Contains(t, Describe(err), "npm WARN fetching lodash from registry")
	assert.Equal(t, StateIdle, o.State())

	procs := sb.Processes()
	require.Len(t, procs, 1)
	assert.Equal(t, 1, procs[0].Kills(), "install process abandoned")

	ev, ok := log.last(StateFailed)
	require.True(t, ok)
	assert.ErrorIs(t, ev.Err, ErrTimeout)
}

func TestRunCancelledDuringInstall(t *testing.T) {
	o, _ := newTestOrchestrator(time.Minute)
	sb := sandboxtest.New()
	ctx, cancel := context.WithCancel(context.Background())
	sb.OnSpawn = func(command string, args []string) (*sandboxtest.Process, error) {
		cancel()
		return sandboxtest.NewProcess(command, args...), nil
	}

	err := o.Run(ctx, runnable, sb)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.Equal(t, StateIdle, o.State())
}

func TestRunMountFailure(t *testing.T) {
	o, _ := newTestOrchestrator(time.Second)
	sb := sandboxtest.New()
	sb.MountErr = errors.New("disk full")

	err := o.Run(context.Background(), runnable, sb)
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, StateIdle, o.State())
	assert.Equal(t, []string{"mount"}, sb.Events())
}

func TestRunStartSpawnFailure(t *testing.T) {
	o, _ := newTestOrchestrator(time.Second)
	sb := sandboxtest.New()
	sb.OnSpawn = func(command string, args []string) (*sandboxtest.Process, error) {
		if args[0] == "start" {
			return nil, errors.New("no such script")
		}
		return installExits(sandbox.ExitStatus{Defined: true}, "")(command, args)
	}

	err := o.Run(context.Background(), runnable, sb)
	var se *StartError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StateIdle, o.State())
	assert.Equal(t, 0, sb.Handlers())
}

func TestStartExitBeforeReadyIsFailure(t *testing.T) {
	o, log := newTestOrchestrator(time.Second)
	sb := sandboxtest.New()
	sb.OnSpawn = installExits(sandbox.ExitStatus{Defined: true}, "")

	require.NoError(t, o.Run(context.Background(), runnable, sb))
	start := sb.Processes()[1]
	start.Write("Error: Cannot find module 'express'\n")
	start.Exit(sandbox.ExitStatus{Code: 1, Defined: true})

	waitFor(t, func() bool { return o.State() == StateIdle })
	ev, ok := log.last(StateFailed)
	require.True(t, ok)
	var se *StartError
	require.ErrorAs(t, ev.Err, &se)
	assert.Equal(t, 1, se.Code)
	assert.Contains(t, se.Output, "Cannot find module")
}

func TestNewRunKillsPreviousProcessOnceBeforeMount(t *testing.T) {
	o, _ := newTestOrchestrator(time.Second)
	sb := sandboxtest.New()
	sb.OnSpawn = installExits(sandbox.ExitStatus{Defined: true}, "")

	require.NoError(t, o.Run(context.Background(), runnable, sb))
	sb.Ready(3000, "http://localhost:3000")
	require.Equal(t, StateRunning, o.State())

	first := sb.Processes()[1]
	first.OnKill = func() { sb.Note("kill") }

	require.NoError(t, o.Run(context.Background(), runnable, sb))
	assert.Equal(t, 1, first.Kills())
	assert.Equal(t, []string{
		"mount", "spawn npm install", "spawn npm start",
		"kill",
		"mount", "spawn npm install", "spawn npm start",
	}, sb.Events())

	// the superseded process's exit must not disturb the new attempt
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateStarting, o.State())
	assert.Equal(t, 1, sb.Handlers(), "only the new attempt listens for readiness")
}

func TestRunInProgressIsRejected(t *testing.T) {
	o, _ := newTestOrchestrator(time.Second)
	sb := sandboxtest.New()

	spawned := make(chan *sandboxtest.Process, 1)
	sb.OnSpawn = func(command string, args []string) (*sandboxtest.Process, error) {
		p := sandboxtest.NewProcess(command, args...)
		if args[0] == "install" {
			spawned <- p
		}
		return p, nil
	}

	errc := make(chan error, 1)
	go func() { errc <- o.Run(context.Background(), runnable, sb) }()

	install := <-spawned
	assert.ErrorIs(t, o.Run(context.Background(), runnable, sb), ErrRunInProgress)

	install.Exit(sandbox.ExitStatus{Defined: true})
	require.NoError(t, <-errc)
}

func TestStop(t *testing.T) {
	o, log := newTestOrchestrator(time.Second)
	sb := sandboxtest.New()
	sb.OnSpawn = installExits(sandbox.ExitStatus{Defined: true}, "")

	require.NoError(t, o.Run(context.Background(), runnable, sb))
	o.Stop()

	assert.Equal(t, StateIdle, o.State())
	assert.Equal(t, 1, sb.Processes()[1].Kills())
	_, exited := log.last(StateExited)
	assert.True(t, exited)

	// stopping an idle slot does nothing
	before := len(log.states())
	o.Stop()
	assert.Len(t, log.states(), before)
}

func TestStopDuringInstallKillsInstall(t *testing.T) {
	o, log := newTestOrchestrator(time.Minute)
	sb := sandboxtest.New()
	spawned := make(chan *sandboxtest.Process, 1)
	sb.OnSpawn = func(command string, args []string) (*sandboxtest.Process, error) {
		p := sandboxtest.NewProcess(command, args...)
		spawned <- p
		return p, nil
	}

	errc := make(chan error, 1)
	go func() { errc <- o.Run(context.Background(), runnable, sb) }()

	install := <-spawned
	require.Equal(t, StateInstalling, o.State())
	o.Stop()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(2 * time.Second):
		t.Fatal("run kept installing after stop")
	}
	assert.Equal(t, 1, install.Kills())
	assert.Equal(t, StateIdle, o.State())
	assert.Len(t, sb.Processes(), 1, "start never spawned")
	assert.Equal(t, []State{StateMounting, StateInstalling, StateIdle}, log.states())
	_, failed := log.last(StateFailed)
	assert.False(t, failed, "a stop is not a failure")

	// the slot takes a new run afterwards
	sb.OnSpawn = installExits(sandbox.ExitStatus{Defined: true}, "")
	require.NoError(t, o.Run(context.Background(), runnable, sb))
	assert.Equal(t, StateStarting, o.State())
}

func TestTailBuffer(t *testing.T) {
	b := newTailBuffer(5)
	_, _ = b.Write([]byte("abc"))
	_, _ = b.Write([]byte("defg"))
	assert.Equal(t, "cdefg", b.String())
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "", Describe(nil))
	assert.Equal(t, "Error running application: "+ErrEmptyProject.Error(), Describe(ErrEmptyProject))

	msg := Describe(&TimeoutError{After: time.Second, Output: "one\ntwo\n"})
	assert.Equal(t, "Error running application: install timed out after 1s\none\ntwo", msg)
}
