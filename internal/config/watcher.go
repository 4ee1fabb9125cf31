package config

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file on change and notifies subscribers.
// Only tunable sections (streaming, ingest, logging) should be consumed from
// reloads; structural settings (ports, database) require a restart.
type Watcher struct {
	path   string
	logger *slog.Logger

	mu        sync.RWMutex
	current   *Config
	listeners []func(*Config)
}

// NewWatcher creates a watcher seeded with the given config.
func NewWatcher(path string, initial *Config, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:    path,
		logger:  logger.With("component", "config_watcher"),
		current: initial,
	}
}

// Current returns the most recently loaded config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnReload registers a callback invoked after each successful reload.
func (w *Watcher) OnReload(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Run watches the config file until the context is cancelled. Editors often
// replace files via rename, so both Write and Create events trigger a reload,
// debounced by a short timer.
func (w *Watcher) Run(ctx context.Context) error {
	if w.path == "" {
		<-ctx.Done()
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(w.path); err != nil {
		return err
	}

	var timer *time.Timer
	reload := func() {
		cfg, err := Load(w.path)
		if err != nil {
			w.logger.Warn("config reload failed", "error", err)
			return
		}
		w.mu.Lock()
		w.current = cfg
		listeners := make([]func(*Config), len(w.listeners))
		copy(listeners, w.listeners)
		w.mu.Unlock()

		w.logger.Info("config reloaded", "path", w.path)
		for _, fn := range listeners {
			fn(cfg)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(250*time.Millisecond, reload)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watch error", "error", err)
		}
	}
}
