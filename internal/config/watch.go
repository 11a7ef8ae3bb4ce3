package config

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file when it changes and hands each valid
// result to the apply func. It watches the file's directory rather than
// the file itself so atomic rename-replace writes (the common editor and
// configmap update pattern) are seen as well. Only settings read through
// apply take effect at runtime; backends and the listen address need a
// restart. A reload that fails to parse or validate is logged and
// dropped, never applied.
type Watcher struct {
	path     string
	fsw      *fsnotify.Watcher
	apply    func(*Config)
	debounce time.Duration
	done     chan struct{}
}

// NewWatcher creates a watcher for the config at path. apply is called
// from the watch goroutine with every successfully reloaded config.
func NewWatcher(path string, apply func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:     path,
		fsw:      fsw,
		apply:    apply,
		debounce: 300 * time.Millisecond,
	}, nil
}

// Start begins watching. Returns an error if the config's directory
// cannot be watched.
func (w *Watcher) Start() error {
	if err := w.fsw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.done = make(chan struct{})
	go w.loop()
	slog.Info("config watcher started", "path", w.path)
	return nil
}

// Stop halts the watcher.
func (w *Watcher) Stop() {
	if w.done != nil {
		close(w.done)
	}
	w.fsw.Close()
	slog.Info("config watcher stopped")
}

func (w *Watcher) loop() {
	// The timer coalesces event bursts: editors and atomic writers emit
	// several events per save, and only the settled file matters.
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-w.done:
			timer.Stop()
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != filepath.Base(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(w.debounce)

		case <-timer.C:
			w.reload()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		slog.Error("config reload rejected", "path", w.path, "error", err)
		return
	}
	w.apply(cfg)
	slog.Info("config reloaded", "path", w.path)
}
