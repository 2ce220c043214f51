package config

import (
	"crypto/sha256"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher polls the config file and invokes a callback when its content
// changes and still validates. Only hot-reloadable settings should be applied
// from the callback; credentials and listener changes need a restart.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, cur *Config)

	mu       sync.Mutex
	current  *Config
	done     chan struct{}
	stopOnce sync.Once

	lastMtime time.Time
	lastHash  [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher creates a watcher for the config file at path. initial is the
// already-loaded config; onChange receives the previous and the freshly
// loaded config whenever the file content changes.
func NewWatcher(path string, initial *Config, onChange func(old, cur *Config), opts ...WatcherOption) *Watcher {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		current:  initial,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if st, err := os.Stat(path); err == nil {
		w.lastMtime = st.ModTime()
	}
	if h, err := hashFile(path); err == nil {
		w.lastHash = h
	}
	return w
}

// Start begins polling in a background goroutine. Call [Watcher.Stop] to end it.
func (w *Watcher) Start() {
	go w.loop()
}

// Stop ends the polling loop. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func (w *Watcher) loop() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// check reloads the file when mtime or content hash moved. A config that no
// longer validates is logged and skipped; the previous config stays active.
func (w *Watcher) check() {
	st, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: stat failed", "path", w.path, "err", err)
		return
	}
	if st.ModTime().Equal(w.lastMtime) {
		return
	}
	w.lastMtime = st.ModTime()

	h, err := hashFile(w.path)
	if err != nil {
		slog.Warn("config watcher: read failed", "path", w.path, "err", err)
		return
	}
	if h == w.lastHash {
		return
	}
	w.lastHash = h

	cfg, err := Load(w.path)
	if err != nil {
		slog.Error("config watcher: reload rejected, keeping previous config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	old := w.current
	w.current = cfg
	w.mu.Unlock()

	slog.Info("config reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

func hashFile(path string) ([sha256.Size]byte, error) {
	var zero [sha256.Size]byte
	f, err := os.Open(path)
	if err != nil {
		return zero, err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return zero, err
	}
	var out [sha256.Size]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}
