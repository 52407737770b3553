package config

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/borgitory/borgitory/errors"
	"github.com/borgitory/borgitory/logger"
)

// Watcher watches a config file for changes and triggers reload callbacks.
// The scheduler registers a callback to pick up schedule enable/disable
// flips without a restart.
type Watcher struct {
	configPath     string
	watcher        *fsnotify.Watcher
	callbacks      []ReloadCallback
	mu             sync.RWMutex
	debounceTimer  *time.Timer
	debouncePeriod time.Duration
}

// ReloadCallback is called with the freshly loaded config after a change.
type ReloadCallback func(*Config) error

// NewWatcher creates a new config file watcher
func NewWatcher(configPath string) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}

	if err := watcher.Add(configPath); err != nil {
		watcher.Close()
		return nil, errors.Wrapf(err, "failed to watch config file %s", configPath)
	}

	w := &Watcher{
		configPath:     configPath,
		watcher:        watcher,
		callbacks:      make([]ReloadCallback, 0),
		debouncePeriod: 500 * time.Millisecond, // Debounce rapid file changes
	}

	return w, nil
}

// OnReload registers a callback to be called when config is reloaded
func (w *Watcher) OnReload(callback ReloadCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start begins watching for config file changes
func (w *Watcher) Start() {
	go w.watchLoop()
}

// watchLoop monitors file system events
func (w *Watcher) watchLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			// Only reload on Write or Create events
			if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
				logger.Infow("Config watcher detected change",
					"file", event.Name,
					"op", event.Op.String())
				w.scheduleReload()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warnw("Config watcher error",
				"error", err)
		}
	}
}

// scheduleReload debounces rapid file changes and triggers reload
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}

	w.debounceTimer = time.AfterFunc(w.debouncePeriod, func() {
		if err := w.reload(); err != nil {
			logger.Errorw("Config reload failed",
				"error", err)
		}
	})
}

// reload reloads the configuration and calls all callbacks
func (w *Watcher) reload() error {
	// Reset global config to force reload
	Reset()

	newConfig, err := Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	logger.Infow("Config reloaded successfully",
		"path", w.configPath)

	w.mu.RLock()
	callbacks := make([]ReloadCallback, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.RUnlock()

	for _, callback := range callbacks {
		if err := callback(newConfig); err != nil {
			logger.Warnw("Config reload callback error",
				"error", err)
			// Continue calling other callbacks even if one fails
		}
	}

	return nil
}

// Stop stops watching for config changes
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}
