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

// DefaultWatchInterval is how often a [Watcher] stats its file.
const DefaultWatchInterval = 5 * time.Second

// fileState identifies one observed version of the config file.
type fileState struct {
	modTime time.Time
	sum     [sha256.Size]byte
}

// Watcher polls a config file and hands each new valid version to a
// callback. A file whose mtime moved but whose bytes did not is ignored, and
// so is content that fails [Validate]: the last good config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	mu    sync.Mutex
	cfg   *Config
	state fileState
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval overrides [DefaultWatchInterval]. Non-positive values are
// ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher reads and validates path once. onChange may be nil. Nothing is
// polled until [Watcher.Run].
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{path: path, interval: DefaultWatchInterval, onChange: onChange}
	for _, opt := range opts {
		opt(w)
	}

	cfg, st, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.cfg, w.state = cfg, st
	return w, nil
}

// Current returns the last valid config read from the file.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg
}

// Run polls until ctx ends and then returns nil. A broken file is logged,
// never returned, so a typo cannot stop the server.
func (w *Watcher) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		if old, cur, ok := w.poll(); ok && w.onChange != nil {
			w.onChange(old, cur)
		}
	}
}

// poll reports the previous and the new config when the file holds a new
// valid version.
func (w *Watcher) poll() (old, cur *Config, changed bool) {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config: stat watched file", "path", w.path, "err", err)
		return nil, nil, false
	}

	w.mu.Lock()
	seen := w.state.modTime
	w.mu.Unlock()
	if info.ModTime().Equal(seen) {
		return nil, nil, false
	}

	cfg, st, err := w.read()
	if err != nil {
		slog.Warn("config: ignoring invalid edit", "path", w.path, "err", err)
		return nil, nil, false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	sameBytes := st.sum == w.state.sum
	w.state.modTime = st.modTime
	if sameBytes {
		return nil, nil, false
	}
	old, w.cfg, w.state.sum = w.cfg, cfg, st.sum

	slog.Info("config: reloaded", "path", w.path, "sections", Diff(old, cfg).Sections())
	return old, cfg, true
}

// read loads the file and fingerprints it.
func (w *Watcher) read() (*Config, fileState, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileState{}, err
	}
	return cfg, fileState{modTime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
