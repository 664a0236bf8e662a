package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"git.home.luguber.info/inful/concertcal/internal/config"
	"git.home.luguber.info/inful/concertcal/internal/logfields"
)

// ConfigWatcher reloads the daemon configuration when the file changes.
// Editors replace files rather than write them in place, so the watch is
// on the directory and events are debounced.
type ConfigWatcher struct {
	path     string
	daemon   *Daemon
	watcher  *fsnotify.Watcher
	debounce time.Duration
	done     chan struct{}
}

// NewConfigWatcher watches configPath's directory for changes.
func NewConfigWatcher(configPath string, d *Daemon) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	dir := filepath.Dir(configPath)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	return &ConfigWatcher{
		path:     configPath,
		daemon:   d,
		watcher:  watcher,
		debounce: 2 * time.Second,
		done:     make(chan struct{}),
	}, nil
}

// Start begins processing filesystem events until the context is canceled.
func (w *ConfigWatcher) Start(ctx context.Context) {
	go w.loop(ctx)
}

func (w *ConfigWatcher) loop(ctx context.Context) {
	defer close(w.done)

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Config watcher error", logfields.Error(err))
		}
	}
}

func (w *ConfigWatcher) reload() {
	cfg, err := config.Load(w.path)
	if err != nil {
		// Keep running on the last good config.
		slog.Error("Config reload failed, keeping previous configuration",
			logfields.Path(w.path), logfields.Error(err))
		return
	}
	if err := w.daemon.Reload(cfg); err != nil {
		slog.Error("Failed to apply reloaded configuration", logfields.Error(err))
	}
}

// Stop closes the watcher.
func (w *ConfigWatcher) Stop() {
	w.watcher.Close()
	<-w.done
}
