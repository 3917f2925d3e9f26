package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultPollInterval is how often a [Watcher] looks at the config file.
const DefaultPollInterval = 5 * time.Second

// Watcher follows a config file on disk. An edit reaches onChange only when
// the file still validates and [Diff] reports a change, so reformatting or
// commenting the file is a no-op. A broken edit is logged and the last good
// config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	mu      sync.Mutex
	current *Config
	seen    time.Time // mtime of the last file state read

	cancel context.CancelFunc
	exited chan struct{}
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Defaults to [DefaultPollInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and follows it until ctx is done or Stop is called.
// The initial load must succeed.
func NewWatcher(ctx context.Context, path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultPollInterval,
		onChange: onChange,
		exited:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, mtime, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch: %w", err)
	}
	w.current, w.seen = cfg, mtime

	ctx, w.cancel = context.WithCancel(ctx)
	go w.loop(ctx)
	return w, nil
}

// Current returns the config most recently accepted.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling and waits until a running onChange call returned. Safe
// to call more than once.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.exited
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.exited)
	t := time.NewTicker(w.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.poll()
		}
	}
}

func (w *Watcher) poll() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config: watched file unavailable", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	same := info.ModTime().Equal(w.seen)
	w.mu.Unlock()
	if same {
		return
	}

	cfg, mtime, err := w.read()
	if err != nil {
		// Remember the broken state so it is reported once per edit.
		w.mu.Lock()
		w.seen = info.ModTime()
		w.mu.Unlock()
		slog.Warn("config: edit rejected, keeping current config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	old := w.current
	w.seen = mtime
	d := Diff(old, cfg)
	if d.Empty() {
		w.mu.Unlock()
		slog.Debug("config: file changed without effect", "path", w.path)
		return
	}
	w.current = cfg
	w.mu.Unlock()

	slog.Info("config: reloaded",
		"path", w.path,
		"log_level_changed", d.LogLevelChanged,
		"conversation_changed", d.ConversationChanged,
		"restart_required", d.RestartRequired,
	)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

// read loads the file together with the mtime it was read at.
func (w *Watcher) read() (*Config, time.Time, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, time.Time{}, err
	}
	cfg, err := Load(w.path)
	if err != nil {
		return nil, time.Time{}, err
	}
	return cfg, info.ModTime(), nil
}
