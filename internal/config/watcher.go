package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

const defaultWatchInterval = 5 * time.Second

// fileState identifies one observed revision of the watched file.
type fileState struct {
	modTime time.Time
	sum     [sha256.Size]byte
}

// Watcher polls a config file and reports each edit that yields a different,
// valid config. A broken edit is logged and skipped; [Watcher.Current] keeps
// returning the last good config until the file is fixed.
type Watcher struct {
	path     string
	interval time.Duration
	getenv   func(string) string
	onChange func(old, next *Config)

	mu      sync.Mutex
	current *Config
	seen    fileState

	stop     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets how often the file is polled. Non-positive values keep
// the 5 second default.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithEnv re-applies environment overrides through getenv on every reload.
func WithEnv(getenv func(string) string) WatcherOption {
	return func(w *Watcher) { w.getenv = getenv }
}

// NewWatcher reads path once and fails if it does not hold a valid config.
// onChange may be nil. Call [Watcher.Run] to start polling.
func NewWatcher(path string, onChange func(old, next *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: defaultWatchInterval,
		onChange: onChange,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	cfg, st, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.seen = cfg, st
	return w, nil
}

// Current returns the last valid config read from the file.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx is done or [Watcher.Stop] is called. The error is
// always nil; the signature fits an errgroup.
func (w *Watcher) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.stop:
			return nil
		case <-t.C:
			w.poll()
		}
	}
}

// Stop ends Run. Repeated calls are no-ops.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *Watcher) poll() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config file unreadable", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.seen.modTime)
	w.mu.Unlock()
	if unchanged {
		return
	}

	cfg, st, err := w.read()
	if err != nil {
		slog.Warn("config edit rejected, keeping previous config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	prev, same := w.current, st.sum == w.seen.sum
	w.seen = st
	if !same {
		w.current = cfg
	}
	w.mu.Unlock()
	if same {
		return
	}

	slog.Info("config reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(prev, cfg)
	}
}

// read parses the file, applies environment overrides and validates the
// result.
func (w *Watcher) read() (*Config, fileState, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fileState{}, err
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		return nil, fileState{}, err
	}
	st := fileState{modTime: info.ModTime(), sum: sha256.Sum256(buf.Bytes())}

	cfg, err := LoadFromReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, fileState{}, err
	}
	if w.getenv != nil {
		if err := ApplyEnv(cfg, w.getenv); err != nil {
			return nil, fileState{}, err
		}
		if err := Validate(cfg); err != nil {
			return nil, fileState{}, err
		}
	}
	return cfg, st, nil
}
