package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads the config file on change and notifies subscribers.
// Editors often replace files via rename, so the parent directory is
// watched rather than the file itself.
type Watcher struct {
	path   string
	logger *zap.Logger

	mu   sync.Mutex
	subs []func(*Config)

	debounce time.Duration
}

// NewWatcher creates a watcher for the given config file path.
func NewWatcher(path string, logger *zap.Logger) *Watcher {
	return &Watcher{
		path:     path,
		logger:   logger,
		debounce: 500 * time.Millisecond,
	}
}

// Subscribe registers a callback invoked with every successfully reloaded
// config. Callbacks run on the watcher goroutine and should return quickly.
func (w *Watcher) Subscribe(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subs = append(w.subs, fn)
}

// Run watches until ctx is cancelled. Reload failures are logged and the
// previous configuration stays in effect.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.logger.Info("Watching config file", zap.String("path", w.path))

	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Coalesce bursts of events from a single save.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case <-fire:
			w.reload()

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("Config reload failed, keeping previous config",
			zap.String("path", w.path),
			zap.Error(err),
		)
		return
	}

	w.mu.Lock()
	subs := make([]func(*Config), len(w.subs))
	copy(subs, w.subs)
	w.mu.Unlock()

	w.logger.Info("Config reloaded", zap.String("path", w.path))
	for _, fn := range subs {
		fn(cfg)
	}
}
