package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultReloadDelay is how long the watcher waits for a burst of writes to
// settle before reloading.
const DefaultReloadDelay = 150 * time.Millisecond

// Reload is one settled change to config.yaml. Err is set when the new file
// failed to load; Config is then the zero value.
type Reload struct {
	Config Config
	Err    error
}

// Watcher reloads config.yaml when it changes on disk. It watches the home
// directory so editors that replace the file by rename are still seen.
type Watcher struct {
	homeDir string
	delay   time.Duration
	logger  *slog.Logger
	reloads chan Reload
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		delay:   DefaultReloadDelay,
		logger:  logger,
		reloads: make(chan Reload, 4),
	}
}

// Reloads is closed once the watcher's context is cancelled.
func (w *Watcher) Reloads() <-chan Reload {
	return w.reloads
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		fsw.Close()
		return err
	}
	go w.loop(ctx, fsw, filepath.Clean(ConfigPath(w.homeDir)))
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher, target string) {
	defer close(w.reloads)
	defer fsw.Close()

	settle := time.NewTimer(w.delay)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debug("config file event", "op", ev.Op.String())
			settle.Reset(w.delay)
		case <-settle.C:
			cfg, err := LoadFrom(w.homeDir)
			if err != nil {
				w.logger.Error("config reload failed", "path", target, "error", err)
				cfg = Config{}
			} else {
				w.logger.Info("config reloaded", "path", target, "fingerprint", cfg.Fingerprint())
			}
			select {
			case w.reloads <- Reload{Config: cfg, Err: err}:
			case <-ctx.Done():
				return
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}
