package server

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is how long the reloader waits after the last write.
const DefaultDebounce = 500 * time.Millisecond

// ReloadFunc loads one watched file.
type ReloadFunc func(path string) error

// Reloader watches tenant and role files and re-applies them on change.
type Reloader struct {
	watcher  *fsnotify.Watcher
	targets  map[string]ReloadFunc
	debounce time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// ReloaderOption configures a Reloader.
type ReloaderOption func(*Reloader)

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) ReloaderOption {
	return func(r *Reloader) { r.debounce = d }
}

// WithReloadLogger sets the reloader logger.
func WithReloadLogger(l *zap.Logger) ReloaderOption {
	return func(r *Reloader) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewReloader creates a watcher for targets, keyed by file path. Empty and
// missing paths are skipped. Parent directories are watched so editors that
// replace files by rename are seen.
func NewReloader(targets map[string]ReloadFunc, opts ...ReloaderOption) (*Reloader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	r := &Reloader{
		watcher:  watcher,
		targets:  map[string]ReloadFunc{},
		debounce: DefaultDebounce,
		logger:   zap.NewNop(),
		timers:   map[string]*time.Timer{},
	}
	for _, o := range opts {
		o(r)
	}

	dirs := map[string]bool{}
	for p, fn := range targets {
		if p == "" || fn == nil {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			watcher.Close()
			return nil, err
		}
		r.targets[abs] = fn
		dir := filepath.Dir(abs)
		if dirs[dir] {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch %q: %w", dir, err)
		}
		dirs[dir] = true
	}
	return r, nil
}

// Paths returns the files being watched.
func (r *Reloader) Paths() []string {
	out := make([]string, 0, len(r.targets))
	for p := range r.targets {
		out = append(out, p)
	}
	return out
}

// Run watches for file changes and reloads. Blocks until ctx is cancelled.
func (r *Reloader) Run(ctx context.Context) error {
	defer r.watcher.Close()
	defer r.stopTimers()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			path, err := filepath.Abs(event.Name)
			if err != nil {
				continue
			}
			if fn, ok := r.targets[path]; ok {
				r.schedule(path, fn)
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}

func (r *Reloader) schedule(path string, fn ReloadFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[path]; ok {
		t.Stop()
	}
	r.timers[path] = time.AfterFunc(r.debounce, func() {
		if err := fn(path); err != nil {
			r.logger.Error("hot-reload failed", zap.String("path", path), zap.Error(err))
			return
		}
		r.logger.Info("hot-reload applied", zap.String("path", path))
	})
}

func (r *Reloader) stopTimers() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.timers {
		t.Stop()
	}
}
