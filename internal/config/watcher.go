package config

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultSettle = 200 * time.Millisecond

// Reload is one re-read of config.yaml after it changed on disk. Err is set
// when the new file does not load; Config then holds the defaults Load
// returned and should not be applied.
type Reload struct {
	Path   string
	Config Config
	Err    error
}

// Watcher re-reads config.yaml when it changes. The home directory is
// watched rather than the file so editors that replace the file on save are
// still seen. Bursts of writes are coalesced and a reload whose fingerprint
// matches the last applied one is not delivered.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	settle  time.Duration
	load    func() (Config, error)
	last    string
	reloads chan Reload
}

func NewWatcher(homeDir string, current Config, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		logger:  logger.With("component", "config"),
		settle:  defaultSettle,
		load:    Load,
		last:    current.Fingerprint(),
		reloads: make(chan Reload, 4),
	}
}

// Reloads is closed when the watcher stops.
func (w *Watcher) Reloads() <-chan Reload {
	return w.reloads
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	target := ConfigPath(w.homeDir)

	go func() {
		defer fsw.Close()
		defer close(w.reloads)

		settle := time.NewTimer(w.settle)
		settle.Stop()
		pending := false
		for {
			select {
			case <-ctx.Done():
				settle.Stop()
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Name != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				pending = true
				settle.Reset(w.settle)
			case <-settle.C:
				if pending {
					pending = false
					w.reload(ctx, target)
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (w *Watcher) reload(ctx context.Context, path string) {
	cfg, err := w.load()
	if err != nil {
		w.logger.Warn("config reload failed", "path", path, "error", err)
	} else {
		fp := cfg.Fingerprint()
		if fp == w.last {
			w.logger.Debug("config unchanged", "path", path)
			return
		}
		w.last = fp
	}
	select {
	case w.reloads <- Reload{Path: path, Config: cfg, Err: err}:
	case <-ctx.Done():
	}
}
