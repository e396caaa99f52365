package config

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] stats its file.
const DefaultWatchInterval = 2 * time.Second

// Watcher keeps the last valid contents of a config file and reports edits
// as a [ConfigDiff]. An edit that does not decode or validate is rejected:
// the previous config stays current and the rejection is logged once per
// distinct file content.
type Watcher struct {
	path     string
	decode   func(io.Reader) (*Config, error)
	interval time.Duration
	onReload func(ConfigDiff)

	// reloadMu serializes Reload calls; mu guards the fields below it.
	reloadMu sync.Mutex
	mu       sync.Mutex
	current  *Config
	sum      [sha256.Size]byte
	rejected [sha256.Size]byte
	mtime    time.Time
	size     int64

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Zero or negative disables polling;
// call [Watcher.Reload] to pick up edits.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.interval = d }
}

// NewWatcher loads path and starts polling it. onReload receives every
// accepted edit that changes a setting; it may be nil. Files ending in .toml
// are decoded as TOML, everything else as YAML.
func NewWatcher(path string, onReload func(ConfigDiff), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		decode:   decoderFor(path),
		interval: DefaultWatchInterval,
		onReload: onReload,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	data, info, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	cfg, err := w.decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.current = cfg
	w.sum = sha256.Sum256(data)
	w.mtime, w.size = info.ModTime(), info.Size()

	if w.interval > 0 {
		w.wg.Add(1)
		go w.loop()
	}
	return w, nil
}

// Current returns the last accepted config. Callers must not modify it.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reload reads the file now, whether or not its mtime moved. It returns the
// difference to the previous config; an unchanged file yields an empty diff.
// A file that fails to decode or validate leaves the current config in place
// and returns the error.
func (w *Watcher) Reload() (ConfigDiff, error) {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	data, info, err := w.read()
	if err != nil {
		return ConfigDiff{}, err
	}
	sum := sha256.Sum256(data)

	w.mu.Lock()
	w.mtime, w.size = info.ModTime(), info.Size()
	same := sum == w.sum
	w.mu.Unlock()
	if same {
		return ConfigDiff{}, nil
	}

	next, err := w.decode(bytes.NewReader(data))
	if err != nil {
		w.mu.Lock()
		w.rejected = sum
		w.mu.Unlock()
		return ConfigDiff{}, err
	}

	w.mu.Lock()
	prev := w.current
	w.current = next
	w.sum = sum
	w.mu.Unlock()

	d := Diff(prev, next)
	if d.Changed() && w.onReload != nil {
		w.onReload(d)
	}
	return d, nil
}

// Stop ends polling and waits for an in-flight reload to finish. Safe to call
// more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
	w.wg.Wait()
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	t := time.NewTicker(w.interval)
	defer t.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-t.C:
			w.poll()
		}
	}
}

// poll reloads when the file's mtime or size moved.
func (w *Watcher) poll() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config file unreadable, keeping current config", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	moved := !info.ModTime().Equal(w.mtime) || info.Size() != w.size
	w.mu.Unlock()
	if !moved {
		return
	}

	before := w.rejectedSum()
	d, err := w.Reload()
	switch {
	case err != nil:
		if w.rejectedSum() != before {
			slog.Warn("config edit rejected, keeping current config", "path", w.path, "err", err)
		}
	case d.Changed():
		slog.Info("config reloaded", "path", w.path, "restart_required", d.RestartRequired)
	}
}

func (w *Watcher) rejectedSum() [sha256.Size]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rejected
}

// read returns the file content and the stat taken before reading it.
func (w *Watcher) read() ([]byte, os.FileInfo, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, nil, errors.New("not a regular file")
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, nil, err
	}
	return data, info, nil
}
