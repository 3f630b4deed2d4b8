package filetree

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/codefionn/pairspace/internal/consts"
	"github.com/codefionn/pairspace/internal/logger"
)

// ErrDuplicatePath is returned by CreateFile when the name already exists.
var ErrDuplicatePath = errors.New("a file with that name already exists")

// Mounter writes a tree into an execution sandbox.
type Mounter interface {
	Mount(ctx context.Context, tree Tree) error
}

// Persister pushes the full aggregate to the persistence service.
type Persister interface {
	UpdateFileTree(ctx context.Context, projectID string, tree Tree) error
}

// Store is the single owner of a project's file tree. Reads are lock-free
// snapshots; writers are serialized and every changing write is followed by
// MountIfReady and then Persist with the post-mutation snapshot.
type Store struct {
	projectID string
	current   atomic.Pointer[Tree]

	writeMu sync.Mutex
	mounter Mounter
	worker  *persistWorker
	closed  bool

	log *logger.Logger
}

// StoreOption configures a Store.
type StoreOption func(*storeOptions)

type storeOptions struct {
	onPersistError func(error)
}

// WithPersistErrorHandler sets a callback for failed pushes. It runs on the
// persistence goroutine and must not block.
func WithPersistErrorHandler(fn func(error)) StoreOption {
	return func(o *storeOptions) {
		o.onPersistError = fn
	}
}

// NewStore creates an empty store for projectID. persister may be nil, in
// which case nothing is pushed.
func NewStore(projectID string, persister Persister, log *logger.Logger, opts ...StoreOption) *Store {
	if log == nil {
		log = logger.Global().WithPrefix("filetree")
	}
	var o storeOptions
	for _, opt := range opts {
		opt(&o)
	}
	s := &Store{projectID: projectID, log: log}
	empty := Tree{}
	s.current.Store(&empty)
	if persister != nil {
		s.worker = newPersistWorker(projectID, persister, log, o.onPersistError)
	}
	return s
}

// Snapshot returns the current aggregate. Callers must not modify it.
func (s *Store) Snapshot() Tree {
	return *s.current.Load()
}

// Merge overwrites the aggregate key-wise with delta and returns the new
// snapshot. Invalid paths in delta are dropped.
func (s *Store) Merge(delta Tree) Tree {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.mergeLocked(delta)
}

// CreateFile adds name with initial contents. It fails with ErrDuplicatePath
// when name exists and leaves the aggregate unchanged.
func (s *Store) CreateFile(name, contents string) (Tree, error) {
	clean, err := ValidatePath(name)
	if err != nil {
		return s.Snapshot(), err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.Snapshot().Has(clean) {
		return s.Snapshot(), fmt.Errorf("%w: %s", ErrDuplicatePath, clean)
	}
	return s.mergeLocked(Tree{clean: NewEntry(contents)}), nil
}

// UpdateFile replaces the contents of name, creating it if needed.
func (s *Store) UpdateFile(name, contents string) (Tree, error) {
	clean, err := ValidatePath(name)
	if err != nil {
		return s.Snapshot(), err
	}
	return s.Merge(Tree{clean: NewEntry(contents)}), nil
}

// DeleteFile removes name. Deleting a missing name is a no-op that returns
// the unchanged aggregate and false.
func (s *Store) DeleteFile(name string) (Tree, bool) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := s.Snapshot()
	if !cur.Has(name) {
		return cur, false
	}
	next := cur.Without(name)
	s.publishLocked(next, true)
	return next, true
}

// Replace installs tree as the aggregate, as on initial load. The sandbox is
// refreshed but nothing is persisted since the service already holds tree.
func (s *Store) Replace(tree Tree) Tree {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next := s.sanitize(tree)
	s.publishLocked(next, false)
	return next
}

// AttachSandbox records the sandbox once it is ready and mounts the current
// aggregate into it.
func (s *Store) AttachSandbox(m Mounter) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mounter = m
	s.MountIfReady(context.Background(), s.Snapshot())
}

// MountIfReady mounts tree when a sandbox is attached. Mount errors are
// logged; the in-memory aggregate stays authoritative.
func (s *Store) MountIfReady(ctx context.Context, tree Tree) {
	if s.mounter == nil {
		return
	}
	if err := s.mounter.Mount(ctx, tree); err != nil {
		s.log.Warn("mount of %d files failed: %v", len(tree), err)
	}
}

// Persist queues tree for the persistence service without waiting.
func (s *Store) Persist(tree Tree) {
	if s.worker == nil || s.closed {
		return
	}
	s.worker.enqueue(tree)
}

// Close stops accepting persist requests and waits for queued ones to be
// delivered or for ctx to expire.
func (s *Store) Close(ctx context.Context) error {
	s.writeMu.Lock()
	if s.closed {
		s.writeMu.Unlock()
		return nil
	}
	s.closed = true
	s.writeMu.Unlock()

	if s.worker == nil {
		return nil
	}
	return s.worker.close(ctx)
}

func (s *Store) mergeLocked(delta Tree) Tree {
	cur := s.Snapshot()
	clean := s.sanitize(delta)
	next := cur.Merge(clean)
	if next.Equal(cur) {
		return cur
	}
	s.publishLocked(next, true)
	return next
}

func (s *Store) publishLocked(next Tree, persist bool) {
	s.current.Store(&next)
	s.MountIfReady(context.Background(), next)
	if persist {
		s.Persist(next)
	}
}

func (s *Store) sanitize(tree Tree) Tree {
	out := make(Tree, len(tree))
	for name, entry := range tree {
		clean, err := ValidatePath(name)
		if err != nil {
			s.log.Warn("dropping file tree entry: %v", err)
			continue
		}
		out[clean] = entry
	}
	return out
}

// persistWorker delivers snapshots in order on one goroutine. A snapshot that
// is superseded before delivery is skipped.
type persistWorker struct {
	projectID string
	persister Persister
	log       *logger.Logger
	onError   func(error)

	pending chan Tree
	done    chan struct{}
}

func newPersistWorker(projectID string, p Persister, log *logger.Logger, onError func(error)) *persistWorker {
	w := &persistWorker{
		projectID: projectID,
		persister: p,
		log:       log,
		onError:   onError,
		pending:   make(chan Tree, 1),
		done:      make(chan struct{}),
	}
	go w.run()
	return w
}

// enqueue is only called with the store's writeMu held, so there is a
// single producer.
func (w *persistWorker) enqueue(t Tree) {
	for {
		select {
		case w.pending <- t:
			return
		default:
			select {
			case <-w.pending:
				w.log.Debug("superseded persist request dropped")
			default:
			}
		}
	}
}

func (w *persistWorker) run() {
	defer close(w.done)
	for tree := range w.pending {
		ctx, cancel := context.WithTimeout(context.Background(), consts.PersistTimeout)
		err := w.persister.UpdateFileTree(ctx, w.projectID, tree)
		cancel()
		if err != nil {
			w.log.Error("failed to persist file tree for project %s: %v", w.projectID, err)
			if w.onError != nil {
				w.onError(err)
			}
			continue
		}
		w.log.Debug("persisted %d files for project %s", len(tree), w.projectID)
	}
}

func (w *persistWorker) close(ctx context.Context) error {
	close(w.pending)
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
