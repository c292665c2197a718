package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/basket/modbridge/internal/module"
)

// Reload reports one hot reload attempt.
type Reload struct {
	ContextID string
	Alias     string
	Path      string
	Err       error
}

type watchTarget struct {
	contextID string
	alias     string
}

// ModuleWatcher reloads path-loaded modules when their file changes. The
// new module replaces the old one in place under the same alias.
type ModuleWatcher struct {
	registry *Registry
	logger   *slog.Logger
	fsw      *fsnotify.Watcher

	mu      sync.Mutex
	targets map[string][]watchTarget
	dirs    map[string]bool

	reloads chan Reload
	done    chan struct{}
	started bool
}

func NewModuleWatcher(registry *Registry, logger *slog.Logger) (*ModuleWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("new fsnotify watcher: %w", err)
	}
	return &ModuleWatcher{
		registry: registry,
		logger:   logger,
		fsw:      fsw,
		targets:  map[string][]watchTarget{},
		dirs:     map[string]bool{},
		reloads:  make(chan Reload, 16),
		done:     make(chan struct{}),
	}, nil
}

// Reloads delivers reload outcomes. Outcomes are dropped when nobody reads.
func (w *ModuleWatcher) Reloads() <-chan Reload {
	return w.reloads
}

// Watch registers path for reloads into contextID under alias. The parent
// directory is watched so rename-based saves are seen.
func (w *ModuleWatcher) Watch(contextID, alias, path string) error {
	path = filepath.Clean(path)
	dir := filepath.Dir(path)

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.dirs[dir] {
		if err := w.fsw.Add(dir); err != nil {
			return fmt.Errorf("watch module dir: %w", err)
		}
		w.dirs[dir] = true
	}
	for _, t := range w.targets[path] {
		if strings.EqualFold(t.contextID, contextID) && strings.EqualFold(t.alias, alias) {
			return nil
		}
	}
	w.targets[path] = append(w.targets[path], watchTarget{contextID: contextID, alias: alias})
	return nil
}

// Start runs the event loop until ctx is cancelled or Close is called.
func (w *ModuleWatcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	go func() {
		defer close(w.done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				w.reload(ctx, filepath.Clean(ev.Name))
			case err, ok := <-w.fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("module watcher error", "error", err)
			}
		}
	}()
}

// Close stops watching and waits for the event loop to exit.
func (w *ModuleWatcher) Close() error {
	err := w.fsw.Close()
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if started {
		<-w.done
	}
	return err
}

func (w *ModuleWatcher) reload(ctx context.Context, path string) {
	w.mu.Lock()
	targets := append([]watchTarget(nil), w.targets[path]...)
	w.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		// Removed or mid-write; a later event carries the new content.
		return
	}
	digest := module.Digest(data)

	var drop []watchTarget
	for _, t := range targets {
		stale := false
		err := w.registry.With(t.contextID, func(ec *ExecutionContext) error {
			lm, ok := ec.Module(t.alias)
			if !ok || lm.Source != path {
				stale = true
				return nil
			}
			if lm.Digest == digest {
				return nil
			}
			_, err := ec.LoadFromPath(ctx, path, t.alias)
			if err == nil {
				w.logger.Info("module hot-reloaded", "context_id", t.contextID, "alias", t.alias, "path", path)
				w.publish(Reload{ContextID: t.contextID, Alias: t.alias, Path: path})
			}
			return err
		})
		if IsCode(err, CodeContextNotFound) || stale {
			drop = append(drop, t)
			continue
		}
		if err != nil {
			w.logger.Warn("module hot reload failed", "context_id", t.contextID, "alias", t.alias, "path", path, "error", err)
			w.publish(Reload{ContextID: t.contextID, Alias: t.alias, Path: path, Err: err})
		}
	}

	if len(drop) == 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	remaining := slices.DeleteFunc(w.targets[path], func(t watchTarget) bool {
		return slices.Contains(drop, t)
	})
	if len(remaining) == 0 {
		delete(w.targets, path)
	} else {
		w.targets[path] = remaining
	}
}

// Watching reports how many context/alias pairs follow path.
func (w *ModuleWatcher) Watching(path string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.targets[filepath.Clean(path)])
}

func (w *ModuleWatcher) publish(r Reload) {
	select {
	case w.reloads <- r:
	default:
	}
}
