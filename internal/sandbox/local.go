package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/codefionn/pairspace/internal/consts"
	"github.com/codefionn/pairspace/internal/filetree"
	"github.com/codefionn/pairspace/internal/logger"
)

// LocalOptions configures a Local sandbox.
type LocalOptions struct {
	// Root is the directory the project is mounted into.
	Root string
	// Wrapper is prepended to every spawned command line, for example the
	// sandbox-exec re-exec that applies landlock before running the command.
	Wrapper []string
	// Env is appended to the inherited environment.
	Env []string
	Log *logger.Logger
}

// Local runs projects as host processes inside a workspace directory.
type Local struct {
	root    string
	wrapper []string
	env     []string
	log     *logger.Logger

	mu       sync.Mutex
	mounted  map[string]uint64
	handlers map[uint64]ReadyHandler
	nextID   uint64
}

// NewLocal creates the root directory and returns a sandbox over it.
func NewLocal(opts LocalOptions) (*Local, error) {
	if opts.Root == "" {
		return nil, errors.New("sandbox root is required")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox root: %w", err)
	}
	log := opts.Log
	if log == nil {
		log = logger.Global().WithPrefix("sandbox")
	}
	return &Local{
		root:     root,
		wrapper:  opts.Wrapper,
		env:      opts.Env,
		log:      log,
		mounted:  make(map[string]uint64),
		handlers: make(map[uint64]ReadyHandler),
	}, nil
}

// Root returns the absolute mount directory.
func (l *Local) Root() string { return l.root }

// Mount writes tree under the root. Files whose contents did not change since
// the last mount are skipped, and files from an earlier mount that are no
// longer in tree are removed. Files the sandbox never wrote are left alone.
func (l *Local) Mount(ctx context.Context, tree filetree.Tree) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	wanted := make(map[string]struct{}, len(tree))
	for _, p := range tree.Paths() {
		if err := ctx.Err(); err != nil {
			return err
		}
		clean, err := filetree.ValidatePath(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		wanted[clean] = struct{}{}

		contents := tree[p].Contents()
		sum := xxhash.Sum64String(contents)
		target := filepath.Join(l.root, filepath.FromSlash(clean))
		if prev, ok := l.mounted[clean]; ok && prev == sum && exists(target) {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := os.WriteFile(target, []byte(contents), 0o644); err != nil {
			errs = append(errs, err)
			continue
		}
		l.mounted[clean] = sum
	}

	for p := range l.mounted {
		if _, ok := wanted[p]; ok {
			continue
		}
		target := filepath.Join(l.root, filepath.FromSlash(p))
		if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		delete(l.mounted, p)
	}

	if len(errs) > 0 {
		return fmt.Errorf("mount: %w", errors.Join(errs...))
	}
	l.log.Debug("mounted %d files into %s", len(tree), l.root)
	return nil
}

// Spawn starts command in the root directory. The process runs in its own
// process group and outlives ctx; ctx only guards the start.
func (l *Local) Spawn(ctx context.Context, command string, args ...string) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	argv := append(append(append([]string(nil), l.wrapper...), command), args...)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = l.root
	cmd.Env = append(os.Environ(), l.env...)
	configureProcessGroup(cmd)

	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdout = w
	cmd.Stderr = w

	if err := cmd.Start(); err != nil {
		_ = r.Close()
		_ = w.Close()
		return nil, fmt.Errorf("spawn %s: %w", command, err)
	}
	_ = w.Close()

	p := &localProcess{
		cmd:    cmd,
		output: make(chan []byte, consts.ProcessOutputQueueSize),
		done:   make(chan struct{}),
	}
	go p.read(r, l.detectReady)
	go p.wait()

	l.log.Debug("spawned %s %v (pid %d)", command, args, cmd.Process.Pid)
	return p, nil
}

// OnServerReady implements Sandbox.
func (l *Local) OnServerReady(h ReadyHandler) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	id := l.nextID
	l.handlers[id] = h
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.handlers, id)
	}
}

var readyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`https?://(?:localhost|127\.0\.0\.1|0\.0\.0\.0|\[::1?\]):(\d{2,5})\S*`),
	regexp.MustCompile(`(?i)listening on (?:port )?:?(\d{2,5})\b`),
}

// detectReady returns a line scanner that fires the ready handlers once for
// the first line announcing a listening server.
func (l *Local) detectReady() func(line string) bool {
	return func(line string) bool {
		for i, re := range readyPatterns {
			m := re.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			port, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			url := m[0]
			if i > 0 {
				url = fmt.Sprintf("http://localhost:%d", port)
			}
			l.emitReady(port, url)
			return true
		}
		return false
	}
}

func (l *Local) emitReady(port int, url string) {
	l.mu.Lock()
	hs := make([]ReadyHandler, 0, len(l.handlers))
	for _, h := range l.handlers {
		hs = append(hs, h)
	}
	l.mu.Unlock()

	l.log.Info("server ready on port %d: %s", port, url)
	for _, h := range hs {
		h(port, url)
	}
}

type localProcess struct {
	cmd    *exec.Cmd
	output chan []byte
	done   chan struct{}
	status ExitStatus
}

func (p *localProcess) Output() <-chan []byte  { return p.output }
func (p *localProcess) Done() <-chan struct{}  { return p.done }
func (p *localProcess) ExitStatus() ExitStatus { return p.status }

func (p *localProcess) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	return killProcessGroup(p.cmd)
}

func (p *localProcess) read(r *os.File, newScanner func() func(string) bool) {
	defer close(p.output)
	defer r.Close()

	scan := newScanner()
	announced := false
	var line []byte
	buf := make([]byte, consts.BufferSize64KB)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if !announced {
				for _, b := range chunk {
					if b != '\n' {
						if len(line) < consts.BufferSize1KB {
							line = append(line, b)
						}
						continue
					}
					if scan(string(line)) {
						announced = true
						break
					}
					line = line[:0]
				}
			}
			p.output <- chunk
		}
		if err != nil {
			if !announced && len(line) > 0 {
				scan(string(line))
			}
			return
		}
	}
}

func (p *localProcess) wait() {
	defer close(p.done)
	err := p.cmd.Wait()
	if err == nil {
		p.status = ExitStatus{Code: 0, Defined: true}
		return
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		p.status = ExitStatus{Code: code, Defined: code >= 0}
		return
	}
	p.status = ExitStatus{Err: err}
}
