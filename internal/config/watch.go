package config

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeFunc receives the freshly loaded config after the file on disk
// changes and passes validation.
type ChangeFunc func(cfg Config)

// Watcher reloads the config file when it changes on disk. Reloads are
// debounced so editors that write in several bursts trigger one reload.
type Watcher struct {
	path     string
	log      *slog.Logger
	fs       *fsnotify.Watcher
	debounce time.Duration

	mu       sync.Mutex
	handlers []ChangeFunc
	stopCh   chan struct{}
}

func NewWatcher(path string, log *slog.Logger) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &Watcher{
		path:     path,
		log:      log.With(slog.String("component", "config-watcher")),
		fs:       fs,
		debounce: 300 * time.Millisecond,
	}, nil
}

// OnChange registers a handler invoked after each successful reload.
func (w *Watcher) OnChange(fn ChangeFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, fn)
}

func (w *Watcher) Start() error {
	if err := w.fs.Add(w.path); err != nil {
		return fmt.Errorf("failed to watch config file: %w", err)
	}
	w.stopCh = make(chan struct{})
	go w.loop()
	w.log.Info("config watcher started", slog.String("path", w.path))
	return nil
}

func (w *Watcher) Stop() {
	if w.stopCh != nil {
		close(w.stopCh)
	}
	w.fs.Close()
}

func (w *Watcher) loop() {
	var timer *time.Timer
	for {
		select {
		case <-w.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Error("config watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.Error("config reload failed", slog.String("error", err.Error()))
		return
	}

	w.mu.Lock()
	handlers := make([]ChangeFunc, len(w.handlers))
	copy(handlers, w.handlers)
	w.mu.Unlock()

	for _, fn := range handlers {
		fn(cfg)
	}
	w.log.Info("config reloaded", slog.String("path", w.path))
}
