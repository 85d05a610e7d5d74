package config

import (
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher polls a set of files for modification-time changes. The daemon
// uses it to pick up live edits to the role and team catalog files, which
// may not exist until an operator writes them.
type Watcher struct {
	paths    []string
	interval time.Duration
	logger   *slog.Logger
	onChange func(path string)
	stop     chan struct{}
	once     sync.Once
	lastMod  map[string]time.Time
}

// NewWatcher creates a file watcher that polls for changes. Paths that do
// not exist yet are fine; the first appearance counts as a change.
func NewWatcher(paths []string, interval time.Duration, logger *slog.Logger, onChange func(path string)) *Watcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		paths:    paths,
		interval: interval,
		logger:   logger.With("component", "watcher"),
		onChange: onChange,
		stop:     make(chan struct{}),
		lastMod:  make(map[string]time.Time),
	}
}

// Start begins polling for file changes in a goroutine.
func (w *Watcher) Start() {
	for _, path := range w.paths {
		if info, err := os.Stat(path); err == nil {
			w.lastMod[path] = info.ModTime()
		}
	}

	go w.poll()
	w.logger.Info("catalog watcher started", "paths", len(w.paths), "interval", w.interval)
}

// Stop stops the watcher. Safe to call more than once.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		close(w.stop)
		w.logger.Info("catalog watcher stopped")
	})
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *Watcher) check() {
	for _, path := range w.paths {
		info, err := os.Stat(path)
		if err != nil {
			// Catalog overrides are optional files.
			continue
		}

		modTime := info.ModTime()
		if modTime.After(w.lastMod[path]) {
			w.logger.Info("watched file changed", "path", path, "modTime", modTime)
			w.lastMod[path] = modTime
			if w.onChange != nil {
				w.onChange(path)
			}
		}
	}
}
