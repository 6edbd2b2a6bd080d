package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 500 * time.Millisecond

// Watcher reloads a Config from disk whenever config.json changes, debounced
// so a burst of writes from an editor's save only triggers one reload.
type Watcher struct {
	fsw    *fsnotify.Watcher
	logger *slog.Logger

	mu    sync.Mutex
	timer *time.Timer

	onReload func(*Config)

	stop    chan struct{}
	stopped chan struct{}
}

// WatchConfig starts watching the config file's directory for changes and
// calls onReload with the freshly-loaded Config each time it settles. The
// returned Watcher must be stopped with Close when no longer needed.
func WatchConfig(onReload func(*Config), logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	configPath, err := ConfigPath()
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(configPath)); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		fsw:      fsw,
		logger:   logger,
		onReload: onReload,
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go w.loop(configPath)
	return w, nil
}

func (w *Watcher) loop(configPath string) {
	defer close(w.stopped)

	for {
		select {
		case <-w.stop:
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
			if filepath.Clean(event.Name) != configPath {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.scheduleReload()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(reloadDebounce, func() {
		cfg, err := Load()
		if err != nil {
			w.logger.Warn("config reload failed", "error", err)
			return
		}
		w.onReload(cfg)
	})
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	select {
	case <-w.stop:
		return nil
	default:
	}
	close(w.stop)
	err := w.fsw.Close()
	<-w.stopped
	return err
}
