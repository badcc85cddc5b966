package config

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher hot-reloads the configuration file and notifies subscribers of the
// new snapshot. Only used in development; production config is immutable for
// the process lifetime.
type Watcher struct {
	mu        sync.RWMutex
	current   *Config
	callbacks []func(*Config)
	logger    *zap.Logger
	fsw       *fsnotify.Watcher
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewWatcher creates a watcher over CONFIG_FILE. When the initial config is
// not Development or no file is configured, the watcher is inert.
func NewWatcher(initial *Config, path string, logger *zap.Logger) (*Watcher, error) {
	w := &Watcher{
		current: initial,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}

	if initial.Environment != Development || path == "" {
		logger.Info("configuration hot reloading disabled",
			zap.String("environment", string(initial.Environment)))
		return w, nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	w.fsw = fsw

	go w.loop(path)
	logger.Info("configuration hot reloading enabled", zap.String("path", path))
	return w, nil
}

// Current returns the latest configuration snapshot.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnReload registers a callback invoked with each successfully reloaded config.
func (w *Watcher) OnReload(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Stop terminates the watch loop.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.fsw != nil {
			w.fsw.Close()
		}
	})
}

func (w *Watcher) loop(path string) {
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg := Default()
			if err := loadFile(path, cfg); err != nil {
				w.logger.Warn("config reload failed, keeping previous",
					zap.String("path", path), zap.Error(err))
				continue
			}
			applyEnv(cfg)
			if err := cfg.Validate(); err != nil {
				w.logger.Warn("reloaded config invalid, keeping previous", zap.Error(err))
				continue
			}

			w.mu.Lock()
			w.current = cfg
			callbacks := append([]func(*Config){}, w.callbacks...)
			w.mu.Unlock()

			for _, fn := range callbacks {
				fn(cfg)
			}
			w.logger.Info("configuration reloaded", zap.String("path", path))
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}
