package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Reload targets.
const (
	KindConfig = "config"
	KindPolicy = "policy"
)

// DefaultDebounce is how long the watcher waits after the first change to a
// file before reporting it. Editors often write a file in several steps.
const DefaultDebounce = 150 * time.Millisecond

type ReloadEvent struct {
	Path string
	Kind string
	Op   fsnotify.Op
}

// Watcher reports writes to config.yaml and the policy file, at most one
// event per file per debounce window.
type Watcher struct {
	files    map[string]string // cleaned path -> kind
	logger   *slog.Logger
	events   chan ReloadEvent
	debounce time.Duration
}

func NewWatcher(cfg Config, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		files: map[string]string{
			filepath.Clean(ConfigPath(cfg.HomeDir)): KindConfig,
			filepath.Clean(cfg.PolicyPath()):        KindPolicy,
		},
		logger:   logger,
		events:   make(chan ReloadEvent, 16),
		debounce: DefaultDebounce,
	}
}

// SetDebounce changes the coalescing window. Call before Start.
func (w *Watcher) SetDebounce(d time.Duration) {
	if d > 0 {
		w.debounce = d
	}
}

// Events is closed when the context passed to Start is done.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start watches the parent directories so files created or replaced by
// editors after startup are still seen.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dirs := map[string]struct{}{}
	for file := range w.files {
		dirs[filepath.Dir(file)] = struct{}{}
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			w.logger.Warn("config watcher: cannot watch directory", "dir", dir, "error", err)
		}
	}
	go w.loop(ctx, fsw)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()
	defer close(w.events)

	pending := map[string]ReloadEvent{}
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			kind, watched := w.files[filepath.Clean(ev.Name)]
			if !watched {
				continue
			}
			prev, seen := pending[kind]
			if seen {
				ev.Op |= prev.Op
			}
			pending[kind] = ReloadEvent{Path: ev.Name, Kind: kind, Op: ev.Op}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				fire = timer.C
			}
		case <-fire:
			timer, fire = nil, nil
			// Config first: a policy reload may depend on the policy path.
			for _, kind := range []string{KindConfig, KindPolicy} {
				ev, ok := pending[kind]
				if !ok {
					continue
				}
				delete(pending, kind)
				select {
				case w.events <- ev:
					w.logger.Info("config file changed", "path", ev.Path, "kind", kind, "op", ev.Op.String())
				default:
					w.logger.Warn("config watcher: reload queue full; change dropped", "path", ev.Path, "kind", kind)
				}
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}
