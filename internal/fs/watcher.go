// Package fs watches a mounted workspace directory and turns edits made on
// disk into file tree deltas.
package fs

import (
	"context"
	"fmt"
	iofs "io/fs"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/fsnotify/fsnotify"

	"github.com/codefionn/pairspace/internal/consts"
	"github.com/codefionn/pairspace/internal/filetree"
	"github.com/codefionn/pairspace/internal/logger"
)

// DefaultDebounce coalesces the burst of events editors emit per save.
const DefaultDebounce = 150 * time.Millisecond

// Sink receives a non-empty delta of edited files.
type Sink func(delta filetree.Tree)

// Watcher reports created and modified files below root. Deletions on disk
// are not synced; files are removed through the session instead.
type Watcher struct {
	root     string
	watcher  *fsnotify.Watcher
	ignore   *ignoreMatcher
	debounce time.Duration
	maxSize  int64
	log      *logger.Logger
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets the quiet period before pending edits are flushed.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(w *Watcher) { w.log = l }
}

// NewWatcher starts watching every directory below root. Edits made after it
// returns are reported by Run.
func NewWatcher(root string, opts ...Option) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	ignore, err := loadIgnore(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read ignore rules: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	w := &Watcher{
		root:     abs,
		watcher:  fw,
		ignore:   ignore,
		debounce: DefaultDebounce,
		maxSize:  consts.BufferSize1MB,
		log:      logger.Global().WithPrefix("fs"),
	}
	for _, opt := range opts {
		opt(w)
	}

	if _, err := w.addTree(abs); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return w, nil
}

// Root returns the watched directory.
func (w *Watcher) Root() string {
	return w.root
}

// Close stops watching. Run closes the watcher itself on return.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

// Run delivers deltas to sink until ctx is done. It closes the watcher on
// return.
func (w *Watcher) Run(ctx context.Context, sink Sink) error {
	defer w.watcher.Close()

	pending := make(map[string]struct{})
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			for _, p := range w.handle(event) {
				pending[p] = struct{}{}
			}
			if len(pending) > 0 {
				timer.Reset(w.debounce)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Error("filesystem watcher error: %v", err)

		case <-timer.C:
			delta := w.collect(pending)
			clear(pending)
			if len(delta) > 0 {
				sink(delta)
			}
		}
	}
}

// handle returns the absolute file paths touched by event.
func (w *Watcher) handle(event fsnotify.Event) []string {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return nil
	}

	info, err := os.Stat(event.Name)
	if err != nil {
		// gone again before we looked
		return nil
	}
	if !info.IsDir() {
		if rel, ok := w.rel(event.Name); ok && !w.ignore.ignored(rel, false) {
			return []string{event.Name}
		}
		return nil
	}

	// Files written into a fresh directory before its watch existed are
	// only visible by walking it.
	files, err := w.addTree(event.Name)
	if err != nil {
		w.log.Warn("failed to watch %s: %v", event.Name, err)
	}
	return files
}

// addTree watches dir and its non-ignored subdirectories and returns the
// files found on the way.
func (w *Watcher) addTree(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, ok := w.rel(p)
		if !ok {
			return nil
		}
		if d.IsDir() {
			if rel != "." && w.ignore.ignored(rel, true) {
				return filepath.SkipDir
			}
			return w.watcher.Add(p)
		}
		if !w.ignore.ignored(rel, false) {
			files = append(files, p)
		}
		return nil
	})
	return files, err
}

// collect reads the pending files into a delta, skipping anything that is
// not a reasonably sized text file.
func (w *Watcher) collect(pending map[string]struct{}) filetree.Tree {
	delta := make(filetree.Tree, len(pending))
	for p := range pending {
		info, err := os.Stat(p)
		if err != nil || info.IsDir() {
			continue
		}
		if info.Size() > w.maxSize {
			w.log.Warn("skipping %s: %d bytes is too large to sync", p, info.Size())
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			w.log.Warn("failed to read %s: %v", p, err)
			continue
		}
		if !utf8.Valid(data) {
			w.log.Debug("skipping binary file %s", p)
			continue
		}
		rel, _ := w.rel(p)
		name, err := filetree.ValidatePath(rel)
		if err != nil {
			continue
		}
		delta[name] = filetree.NewEntry(string(data))
	}
	return delta
}

func (w *Watcher) rel(p string) (string, bool) {
	rel, err := filepath.Rel(w.root, p)
	if err != nil {
		return "", false
	}
	return filepath.ToSlash(rel), true
}
