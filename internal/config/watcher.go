package config

import (
	"log/slog"
	"os"
	"sync"
	"time"
)

// ReloadFunc receives the freshly parsed settings after the watcher
// observes a file change.
type ReloadFunc func(*Settings)

// Watcher polls the configuration file's modification timestamp and
// fans a reload out to its subscribers when it increases. Reload
// errors are logged and never terminate the loop.
type Watcher struct {
	path     string
	interval time.Duration
	logger   *slog.Logger

	mu          sync.Mutex
	subscribers []ReloadFunc

	lastMtime time.Time
	stopChan  chan struct{}
	running   bool
	wg        sync.WaitGroup
}

// NewWatcher creates a watcher for the given file. interval is how
// often the mtime is polled.
func NewWatcher(path string, interval time.Duration, logger *slog.Logger) *Watcher {
	return &Watcher{
		path:     path,
		interval: interval,
		logger:   logger.With("component", "configwatcher"),
		stopChan: make(chan struct{}),
	}
}

// Subscribe registers a callback invoked with the new settings after
// every successful reload. Callbacks run in registration order.
func (w *Watcher) Subscribe(fn ReloadFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subscribers = append(w.subscribers, fn)
}

// Start launches the polling loop. Calling Start twice is a no-op.
func (w *Watcher) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		w.logger.Warn("Config watcher is already running")
		return
	}
	w.running = true
	w.lastMtime = w.fileMtime()

	w.wg.Add(1)
	go w.watchLoop()
	w.logger.Info("Config watcher started", "path", w.path, "interval", w.interval.String())
}

// Stop terminates the polling loop and waits for it to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopChan)
	w.wg.Wait()
	w.logger.Info("Config watcher stopped")
}

func (w *Watcher) fileMtime() time.Time {
	info, err := os.Stat(w.path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

func (w *Watcher) watchLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.checkOnce()
		case <-w.stopChan:
			return
		}
	}
}

// checkOnce compares the current mtime with the last observed one and
// triggers a reload when it moved forward.
func (w *Watcher) checkOnce() {
	current := w.fileMtime()
	if current.IsZero() {
		return
	}
	if w.lastMtime.IsZero() {
		w.lastMtime = current
		return
	}
	if !current.After(w.lastMtime) {
		return
	}

	w.logger.Info("Config file changed, triggering reload", "path", w.path)
	w.lastMtime = current
	w.triggerReload()
}

func (w *Watcher) triggerReload() {
	settings, warning, err := LoadConfig(w.path)
	if err != nil {
		w.logger.Error("Failed to reload configuration, keeping previous state", "error", err)
		return
	}
	if warning != "" {
		w.logger.Warn(warning)
	}

	w.mu.Lock()
	subs := make([]ReloadFunc, len(w.subscribers))
	copy(subs, w.subscribers)
	w.mu.Unlock()

	for _, fn := range subs {
		fn(settings)
	}
	w.logger.Info("Configuration hot reload completed")
}
