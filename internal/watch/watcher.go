// Package watch reports file changes inside a workspace so the bundle can be
// refreshed without a full rescan.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/codebundle/internal/ignore"
)

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

// Event is one change below the workspace root.
type Event struct {
	Path string
	Op   fsnotify.Op

	// BundleChanging is set when the changed file is an ignore file, so the
	// set of bundled files itself may have changed and a rescan is due.
	BundleChanging bool

	Timestamp time.Time
}

// Watcher watches every non-excluded directory below a root.
type Watcher struct {
	root    string
	filter  *ignore.Filter
	watcher *fsnotify.Watcher
	events  chan Event
	stop    chan struct{}
	once    sync.Once
	logger  *zap.Logger
}

// New creates a watcher for root. Paths excluded by filter are neither
// watched nor reported, except ignore files themselves.
func New(root string, filter *ignore.Filter, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	return &Watcher{
		root:    filepath.Clean(root),
		filter:  filter,
		watcher: fw,
		events:  make(chan Event, 64),
		stop:    make(chan struct{}),
		logger:  logger,
	}, nil
}

// Start registers the directory tree and begins delivering events on Events.
// Call Stop to release resources.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addTree(w.root); err != nil {
		return err
	}
	go w.processEvents(ctx)
	return nil
}

// Stop stops the watcher. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		close(w.stop)
		_ = w.watcher.Close()
	})
}

// Events returns the channel events are delivered on. Events are dropped
// when the channel is full.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			w.logger.Debug("skipping unreadable path", zap.String("path", p), zap.Error(err))
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != w.root && (d.Name() == ".git" || w.filter.Excludes(p, true)) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(p); err != nil {
			return fmt.Errorf("watching %s: %w", p, err)
		}
		return nil
	})
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Op == fsnotify.Chmod {
		return
	}
	changing := ignore.IsIgnoreFile(ev.Name)

	isDir := false
	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			isDir = true
		}
	}
	if !changing && w.filter.Excludes(ev.Name, isDir) {
		return
	}
	if isDir {
		if err := w.addTree(ev.Name); err != nil {
			w.logger.Warn("watching new directory failed", zap.String("path", ev.Name), zap.Error(err))
		}
	}

	select {
	case w.events <- Event{
		Path:           ev.Name,
		Op:             ev.Op,
		BundleChanging: changing,
		Timestamp:      time.Now(),
	}:
	default:
		w.logger.Debug("event channel full, dropping event", zap.String("path", ev.Name))
	}
}
