// Package execution runs a project inside a sandbox: mount, install
// dependencies, start, wait for the server to come up, and clean up on exit.
// It owns at most one live process at a time.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/codefionn/pairspace/internal/config"
	"github.com/codefionn/pairspace/internal/consts"
	"github.com/codefionn/pairspace/internal/filetree"
	"github.com/codefionn/pairspace/internal/logger"
	"github.com/codefionn/pairspace/internal/sandbox"
)

// State is the run slot state.
type State int

const (
	StateIdle State = iota
	StateMounting
	StateInstalling
	StateStarting
	StateRunning
	StateExited
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateMounting:
		return "mounting"
	case StateInstalling:
		return "installing"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event reports a state transition of one run attempt.
type Event struct {
	Attempt string
	State   State
	// Port and URL are set when entering StateRunning.
	Port int
	URL  string
	// Code is the exit code on StateExited, when one was reported.
	Code int
	// Err is set on StateFailed.
	Err error
}

// Observer receives events. It is called from the orchestrator's goroutines
// and must not block.
type Observer func(Event)

// Options configures the commands and bounds of a run.
type Options struct {
	ManifestFile   string
	InstallCommand string
	InstallArgs    []string
	StartCommand   string
	StartArgs      []string
	InstallTimeout time.Duration
}

// OptionsFromConfig maps run settings onto Options.
func OptionsFromConfig(c config.RunConfig) Options {
	return Options{
		ManifestFile:   c.ManifestFile,
		InstallCommand: c.InstallCommand,
		InstallArgs:    c.InstallArgs,
		StartCommand:   c.StartCommand,
		StartArgs:      c.StartArgs,
		InstallTimeout: c.InstallTimeout(),
	}
}

func (o *Options) applyDefaults() {
	if o.ManifestFile == "" {
		o.ManifestFile = consts.DefaultManifestFile
	}
	if o.InstallCommand == "" {
		o.InstallCommand, o.InstallArgs = "npm", []string{"install"}
	}
	if o.StartCommand == "" {
		o.StartCommand, o.StartArgs = "npm", []string{"start"}
	}
	if o.InstallTimeout <= 0 {
		o.InstallTimeout = consts.DefaultInstallTimeout
	}
}

// Orchestrator sequences runs over a single slot.
type Orchestrator struct {
	opts     Options
	observer Observer
	log      *logger.Logger

	inFlight atomic.Bool

	mu          sync.Mutex
	state       State
	attempt     string
	owned       sandbox.Process
	removeReady func()
	previewURL  string
	// set while Run is setting an attempt up
	cancelRun context.CancelCauseFunc
	unwound   chan struct{}
}

// New creates an idle orchestrator. observer may be nil.
func New(opts Options, observer Observer, log *logger.Logger) *Orchestrator {
	opts.applyDefaults()
	if observer == nil {
		observer = func(Event) {}
	}
	if log == nil {
		log = logger.Global().WithPrefix("execution")
	}
	return &Orchestrator{opts: opts, observer: observer, log: log}
}

// State returns the externally visible slot state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// PreviewURL returns the URL of the running server, if any.
func (o *Orchestrator) PreviewURL() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.previewURL
}

// Run mounts tree into sb, installs dependencies and spawns the start
// command. It returns once the start process is spawned; readiness and exit
// are reported through the observer. A run already being set up makes Run
// return ErrRunInProgress. A Stop while the run is being set up kills the
// install and makes Run return ErrStopped without a failed event.
func (o *Orchestrator) Run(ctx context.Context, tree filetree.Tree, sb sandbox.Sandbox) error {
	if !o.inFlight.CompareAndSwap(false, true) {
		return ErrRunInProgress
	}
	defer o.inFlight.Store(false)

	if err := o.checkPreconditions(tree, sb); err != nil {
		return err
	}

	attempt := uuid.NewString()
	o.killOwned("superseded by a new run")

	runCtx, cancel := context.WithCancelCause(ctx)
	unwound := make(chan struct{})
	o.mu.Lock()
	o.attempt = attempt
	o.cancelRun, o.unwound = cancel, unwound
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.cancelRun, o.unwound = nil, nil
		o.mu.Unlock()
		cancel(nil)
		close(unwound)
	}()

	o.transition(attempt, StateMounting)
	if err := sb.Mount(runCtx, tree); err != nil {
		if stopped(runCtx) {
			return o.abandon(attempt)
		}
		return o.fail(attempt, fmt.Errorf("mount project: %w", err))
	}
	if stopped(runCtx) {
		return o.abandon(attempt)
	}

	o.transition(attempt, StateInstalling)
	if err := o.install(runCtx, attempt, sb); err != nil {
		if errors.Is(err, ErrStopped) {
			return o.abandon(attempt)
		}
		return o.fail(attempt, err)
	}

	o.transition(attempt, StateStarting)
	if err := o.start(runCtx, attempt, sb); err != nil {
		if errors.Is(err, ErrStopped) {
			return o.abandon(attempt)
		}
		return o.fail(attempt, err)
	}
	return nil
}

// Stop aborts a run that is being set up, kills the owned process, if any,
// and returns the slot to idle.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	cancelRun, unwound := o.cancelRun, o.unwound
	o.mu.Unlock()

	if cancelRun != nil {
		cancelRun(ErrStopped)
		select {
		case <-unwound:
		case <-time.After(consts.Timeout5Seconds):
			o.log.Warn("run did not stop within %s", consts.Timeout5Seconds)
		}
	}

	o.mu.Lock()
	attempt := o.attempt
	had := o.owned != nil
	o.mu.Unlock()

	o.killOwned("stopped")
	if had {
		o.emit(Event{Attempt: attempt, State: StateExited})
		o.transition(attempt, StateIdle)
	}
}

func (o *Orchestrator) checkPreconditions(tree filetree.Tree, sb sandbox.Sandbox) error {
	if sb == nil {
		return ErrSandboxUnavailable
	}
	if len(tree) == 0 {
		return ErrEmptyProject
	}
	if !tree.Has(o.opts.ManifestFile) {
		return fmt.Errorf("%w: no %s found, create one first", ErrManifestMissing, o.opts.ManifestFile)
	}
	return nil
}

func (o *Orchestrator) install(ctx context.Context, attempt string, sb sandbox.Sandbox) error {
	// the bound belongs to this attempt; returning cancels it
	attemptCtx, cancel := context.WithTimeout(ctx, o.opts.InstallTimeout)
	defer cancel()

	o.log.Info("running %s %v", o.opts.InstallCommand, o.opts.InstallArgs)
	proc, err := sb.Spawn(attemptCtx, o.opts.InstallCommand, o.opts.InstallArgs...)
	if err != nil {
		return &InstallError{Err: err}
	}

	out := newTailBuffer(consts.MaxDiagnosticOutputBytes)
	pumped := o.pump(proc, out, "install")

	select {
	case <-proc.Done():
	case <-attemptCtx.Done():
		if err := proc.Kill(); err != nil {
			o.log.Warn("failed to kill install process: %v", err)
		}
		waitPumped(pumped)
		switch {
		case stopped(ctx):
			return ErrStopped
		case ctx.Err() != nil:
			return fmt.Errorf("install cancelled: %w", ctx.Err())
		}
		return &TimeoutError{After: o.opts.InstallTimeout, Output: out.String()}
	}

	waitPumped(pumped)
	st := proc.ExitStatus()
	if st.Err != nil {
		return &InstallError{Err: st.Err, Output: out.String()}
	}
	o.log.Info("install exited (code %d, defined %v)", st.Code, st.Defined)
	if !st.Success() {
		return &InstallError{Code: st.Code, Output: out.String()}
	}
	return nil
}

func (o *Orchestrator) start(ctx context.Context, attempt string, sb sandbox.Sandbox) error {
	remove := sb.OnServerReady(func(port int, url string) {
		o.ready(attempt, port, url)
	})

	o.log.Info("running %s %v", o.opts.StartCommand, o.opts.StartArgs)
	// the start process outlives Run
	proc, err := sb.Spawn(context.WithoutCancel(ctx), o.opts.StartCommand, o.opts.StartArgs...)
	if err != nil {
		remove()
		return &StartError{Err: err}
	}

	o.mu.Lock()
	if o.attempt != attempt || stopped(ctx) {
		o.mu.Unlock()
		remove()
		_ = proc.Kill()
		return ErrStopped
	}
	o.owned = proc
	o.removeReady = remove
	o.mu.Unlock()

	out := newTailBuffer(consts.MaxDiagnosticOutputBytes)
	pumped := o.pump(proc, out, "start")
	go o.watch(attempt, proc, out, pumped)
	return nil
}

func (o *Orchestrator) ready(attempt string, port int, url string) {
	o.mu.Lock()
	if o.attempt != attempt || o.state == StateRunning {
		o.mu.Unlock()
		return
	}
	o.state = StateRunning
	o.previewURL = url
	o.mu.Unlock()

	o.log.Info("server ready on port %d: %s", port, url)
	o.emit(Event{Attempt: attempt, State: StateRunning, Port: port, URL: url})
}

// watch waits for the start process to exit and settles the slot unless a
// newer run already took it over.
func (o *Orchestrator) watch(attempt string, proc sandbox.Process, out *tailBuffer, pumped <-chan struct{}) {
	<-proc.Done()
	waitPumped(pumped)
	st := proc.ExitStatus()

	o.mu.Lock()
	if o.attempt != attempt || o.owned != proc {
		o.mu.Unlock()
		return
	}
	wasRunning := o.state == StateRunning
	o.clearOwnedLocked()
	o.mu.Unlock()

	o.log.Info("start process exited (code %d, defined %v)", st.Code, st.Defined)
	if !wasRunning && st.Defined && st.Code != 0 {
		_ = o.fail(attempt, &StartError{Code: st.Code, Output: out.String()})
		return
	}
	o.emit(Event{Attempt: attempt, State: StateExited, Code: st.Code})
	o.transition(attempt, StateIdle)
}

// killOwned terminates the owned process once and forgets it.
func (o *Orchestrator) killOwned(reason string) {
	o.mu.Lock()
	proc := o.owned
	o.clearOwnedLocked()
	o.attempt = ""
	o.mu.Unlock()

	if proc == nil {
		return
	}
	o.log.Info("killing previous process: %s", reason)
	if err := proc.Kill(); err != nil {
		o.log.Warn("failed to kill previous process: %v", err)
	}
}

func (o *Orchestrator) clearOwnedLocked() {
	if o.removeReady != nil {
		o.removeReady()
		o.removeReady = nil
	}
	o.owned = nil
	o.previewURL = ""
}

func (o *Orchestrator) transition(attempt string, s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	o.log.Debug("run %s: %s", attempt, s)
	o.emit(Event{Attempt: attempt, State: s})
}

func (o *Orchestrator) fail(attempt string, err error) error {
	o.log.Error("run %s failed: %v", attempt, err)
	o.mu.Lock()
	o.state = StateFailed
	if o.attempt == attempt {
		o.attempt = ""
	}
	o.mu.Unlock()
	o.emit(Event{Attempt: attempt, State: StateFailed, Err: err})
	o.transition(attempt, StateIdle)
	return err
}

// abandon settles an attempt that Stop interrupted.
func (o *Orchestrator) abandon(attempt string) error {
	o.log.Info("run %s stopped during setup", attempt)
	o.mu.Lock()
	if o.attempt == attempt {
		o.attempt = ""
	}
	o.mu.Unlock()
	o.transition(attempt, StateIdle)
	return ErrStopped
}

func stopped(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrStopped)
}

func (o *Orchestrator) emit(e Event) {
	o.observer(e)
}

// pump drains proc's output into out and the debug log. The returned channel
// closes when output ends.
func (o *Orchestrator) pump(proc sandbox.Process, out *tailBuffer, label string) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for chunk := range proc.Output() {
			_, _ = out.Write(chunk)
			o.log.Debug("%s: %s", label, chunk)
		}
	}()
	return done
}

func waitPumped(pumped <-chan struct{}) {
	select {
	case <-pumped:
	case <-time.After(consts.Timeout5Seconds):
	}
}

// tailBuffer keeps the last max bytes written.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
