package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kimhsiao/possync/internal/logging"
)

// Watcher reloads a config file when it changes on disk. Invalid files are
// logged and ignored; the previous configuration stays in effect.
type Watcher struct {
	path     string
	onReload func(*Config)
	debounce time.Duration

	fsw    *fsnotify.Watcher
	mu     sync.Mutex
	timer  *time.Timer
	doneCh chan struct{}
}

// NewWatcher creates a Watcher for path.
func NewWatcher(path string, onReload func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Editors replace files via rename, so watch the directory.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{
		path:     filepath.Clean(path),
		onReload: onReload,
		debounce: 200 * time.Millisecond,
		fsw:      fsw,
		doneCh:   make(chan struct{}),
	}, nil
}

// Run processes events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.doneCh)
	defer w.fsw.Close()

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.Error("Config watcher error", err, map[string]interface{}{"path": w.path})
		}
	}
}

// Done is closed after Run returns.
func (w *Watcher) Done() <-chan struct{} {
	return w.doneCh
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		logging.Warn("Ignoring invalid config reload", map[string]interface{}{
			"path":  w.path,
			"error": err.Error(),
		})
		return
	}
	logging.Info("Config reloaded", map[string]interface{}{"path": w.path})
	if w.onReload != nil {
		w.onReload(cfg)
	}
}
