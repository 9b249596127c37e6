package config

import (
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ReloadHandler is invoked with the freshly loaded configuration whenever
// the settings file changes on disk.
type ReloadHandler func(cfg *Config)

// Watcher hot-reloads the settings file. Only operational knobs (worker
// budgets, follow-up limits, webhook target) are expected to change at
// runtime; connection endpoints require a restart.
type Watcher struct {
	path     string
	logger   *zap.Logger
	watcher  *fsnotify.Watcher
	handlers []ReloadHandler
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher watches the file named by SETTINGS_FILE. Returns nil when no
// settings file is configured.
func NewWatcher(logger *zap.Logger) (*Watcher, error) {
	path := os.Getenv("SETTINGS_FILE")
	if path == "" {
		return nil, nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{
		path:    path,
		logger:  logger,
		watcher: fw,
		stopCh:  make(chan struct{}),
	}, nil
}

// OnReload registers a handler for settings changes.
func (w *Watcher) OnReload(h ReloadHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, h)
}

// Start begins watching. Events are debounced: editors commonly emit a
// burst of writes for a single save.
func (w *Watcher) Start() {
	go func() {
		var pending *time.Timer
		for {
			select {
			case <-w.stopCh:
				return
			case ev, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(250*time.Millisecond, w.reload)
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("Settings watcher error", zap.Error(err))
			}
		}
	}()
}

func (w *Watcher) reload() {
	cfg, err := Load()
	if err != nil {
		w.logger.Error("Settings reload failed, keeping previous config",
			zap.String("path", w.path),
			zap.Error(err),
		)
		return
	}
	w.logger.Info("Settings reloaded", zap.String("path", w.path))

	w.mu.Lock()
	handlers := make([]ReloadHandler, len(w.handlers))
	copy(handlers, w.handlers)
	w.mu.Unlock()

	for _, h := range handlers {
		h(cfg)
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	close(w.stopCh)
	return w.watcher.Close()
}
