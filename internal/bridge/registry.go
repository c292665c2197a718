package bridge

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/basket/modbridge/internal/module"
	"github.com/basket/modbridge/internal/protocol"
	"github.com/basket/modbridge/internal/shared"
)

type RegistryConfig struct {
	Logger *slog.Logger
	// MemoryLimitPages caps each wasm module in a context. 0 keeps the runtime default.
	MemoryLimitPages uint32
	// KV backs the host.kv.set import of wasm guests. Optional.
	KV module.KVStore
}

// Registry maps case-insensitive context ids to execution contexts. One
// mutex serializes every operation, including all work a request does
// inside a context.
type Registry struct {
	cfg RegistryConfig

	mu       sync.Mutex
	contexts map[string]*ExecutionContext
}

// Stats is a point-in-time count of registry contents.
type Stats struct {
	Contexts  int
	Modules   int
	Instances int
}

func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{cfg: cfg, contexts: map[string]*ExecutionContext{}}
}

func contextKey(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Create registers a new context. An empty requestedID generates a fresh id.
func (r *Registry) Create(requestedID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := strings.TrimSpace(requestedID)
	if id == "" {
		for {
			id = shared.CompactID()
			if _, taken := r.contexts[contextKey(id)]; !taken {
				break
			}
		}
	} else if _, exists := r.contexts[contextKey(id)]; exists {
		return "", faultf(CodeDuplicateContext, "context already exists: %s", id)
	}

	loader := module.NewLoader(module.LoaderConfig{
		Logger:           r.cfg.Logger.With("context_id", id),
		MemoryLimitPages: r.cfg.MemoryLimitPages,
		KV:               r.cfg.KV,
	})
	r.contexts[contextKey(id)] = newExecutionContext(id, loader, r.cfg.Logger)
	return id, nil
}

// Destroy tears a context down. A failed teardown keeps the entry and
// returns TEARDOWN_FAILED.
func (r *Registry) Destroy(ctx context.Context, id string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ec, ok := r.contexts[contextKey(id)]
	if !ok {
		return 0, faultf(CodeContextNotFound, "context not found: %s", id)
	}
	released := ec.InstanceCount()
	if err := ec.close(ctx); err != nil {
		return 0, wrapFault(CodeTeardownFailed, err, "teardown "+ec.id)
	}
	delete(r.contexts, contextKey(id))
	return released, nil
}

// Lookup returns the context registered under id.
func (r *Registry) Lookup(id string) (*ExecutionContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookupLocked(id)
}

func (r *Registry) lookupLocked(id string) (*ExecutionContext, error) {
	ec, ok := r.contexts[contextKey(id)]
	if !ok {
		return nil, faultf(CodeContextNotFound, "context not found: %s", id)
	}
	return ec, nil
}

// With runs fn on the context registered under id while holding the
// registry lock, so the context cannot be destroyed underneath it. A context
// still running a call abandoned after a timeout answers CONTEXT_BUSY.
func (r *Registry) With(id string, fn func(*ExecutionContext) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ec, err := r.lookupLocked(id)
	if err != nil {
		return err
	}
	if ec.Busy() {
		return faultf(CodeContextBusy, "context %s is still running a call that timed out", ec.id)
	}
	return fn(ec)
}

// StopAll tears down every context, ignoring teardown failures, and empties
// the registry.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, ec := range r.contexts {
		if err := ec.close(ctx); err != nil {
			r.cfg.Logger.Warn("context teardown failed during stop", "context_id", ec.id, "error", err)
		}
		delete(r.contexts, key)
	}
}

// List describes every context, ordered by id.
func (r *Registry) List() []protocol.ContextInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.ContextInfo, 0, len(r.contexts))
	for _, ec := range r.contexts {
		out = append(out, ec.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.contexts)
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{Contexts: len(r.contexts)}
	for _, ec := range r.contexts {
		s.Modules += len(ec.modules)
		s.Instances += ec.instances.count()
	}
	return s
}
