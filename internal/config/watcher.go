package config

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/englishfox90/nina-gateway/internal/errors"
	"github.com/englishfox90/nina-gateway/internal/logger"
)

// ReloadCallback is invoked with the freshly reloaded config after a
// debounced file change. Errors are logged, not propagated — one bad
// callback must not block the others.
type ReloadCallback func(*Config) error

// Watcher debounces rapid file-system events on gateway.toml before
// reloading and notifying registered callbacks, following the teacher's
// fsnotify-based config watcher.
type Watcher struct {
	path      string
	watcher   *fsnotify.Watcher
	debounce  time.Duration
	mu        sync.Mutex
	timer     *time.Timer
	callbacks []ReloadCallback
	log       *zap.SugaredLogger
}

// NewWatcher constructs a Watcher on path with a 500ms debounce period,
// matching the teacher's ConfigWatcher default.
func NewWatcher(path string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create fsnotify watcher")
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, errors.Wrapf(err, "watch config file %s", path)
	}
	return &Watcher{
		path:     path,
		watcher:  fw,
		debounce: 500 * time.Millisecond,
		log:      logger.Named("config"),
	}, nil
}

// OnReload registers a callback fired after every debounced reload.
func (w *Watcher) OnReload(cb ReloadCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Start begins watching in its own goroutine.
func (w *Watcher) Start() {
	go w.loop()
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.scheduleReload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warnw("config watcher error", "error", err.Error())
		}
	}
}

func (w *Watcher) scheduleReload() {
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
		w.log.Warnw("config reload failed", "error", err.Error())
		return
	}
	w.log.Infow("config reloaded", "path", w.path)

	w.mu.Lock()
	callbacks := make([]ReloadCallback, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	for _, cb := range callbacks {
		if err := cb(cfg); err != nil {
			w.log.Warnw("config reload callback failed", "error", err.Error())
		}
	}
}

// Stop closes the underlying fsnotify watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}
