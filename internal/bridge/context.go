package bridge

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/modbridge/internal/module"
	"github.com/basket/modbridge/internal/protocol"
)

// LoadedModule is a module registered under an alias in one context.
type LoadedModule struct {
	Alias    string
	Module   module.Module
	Source   string
	Digest   string
	LoadedAt time.Time
}

// ExecutionContext owns loaded modules and live instances. Contexts never
// share either. All access happens inside Registry.With.
type ExecutionContext struct {
	id      string
	created time.Time
	logger  *slog.Logger

	loader    *module.Loader
	modules   []*LoadedModule
	instances *instanceTable

	// abandoned is closed once a timed-out call's goroutine returns.
	abandoned <-chan struct{}
}

func newExecutionContext(id string, loader *module.Loader, logger *slog.Logger) *ExecutionContext {
	return &ExecutionContext{
		id:        id,
		created:   time.Now(),
		logger:    logger,
		loader:    loader,
		instances: newInstanceTable(),
	}
}

func (c *ExecutionContext) ID() string { return c.id }

// LoadFromPath loads the file at path and registers it under alias, or the
// module's intrinsic name when alias is empty.
func (c *ExecutionContext) LoadFromPath(ctx context.Context, path, alias string) (*LoadedModule, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, faultf(CodeInvalidArgument, "invalid path %q: %v", path, err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, faultf(CodeFileNotFound, "file not found: %s", path)
		}
		return nil, wrapFault(CodeModuleLoadFailed, err, "read module")
	}
	return c.load(ctx, data, abs, alias)
}

// LoadFromBytes loads in-memory module bytes under name, or the module's
// intrinsic name when name is empty.
func (c *ExecutionContext) LoadFromBytes(ctx context.Context, data []byte, name string) (*LoadedModule, error) {
	return c.load(ctx, data, "", name)
}

func (c *ExecutionContext) load(ctx context.Context, data []byte, source, alias string) (*LoadedModule, error) {
	m, err := c.loader.Load(ctx, data, source)
	if err != nil {
		return nil, wrapFault(CodeModuleLoadFailed, err, "load module")
	}
	alias = strings.TrimSpace(alias)
	if alias == "" {
		alias = m.Name()
	}
	m.Bind(alias)
	lm := &LoadedModule{Alias: alias, Module: m, Source: source, Digest: module.Digest(data), LoadedAt: time.Now()}
	c.register(ctx, lm)
	return lm, nil
}

// register adds lm, replacing a module with the same alias in place.
func (c *ExecutionContext) register(ctx context.Context, lm *LoadedModule) {
	for i, existing := range c.modules {
		if strings.EqualFold(existing.Alias, lm.Alias) {
			if err := existing.Module.Close(ctx); err != nil {
				c.logger.Warn("close replaced module", "context_id", c.id, "alias", existing.Alias, "error", err)
			}
			c.modules[i] = lm
			return
		}
	}
	c.modules = append(c.modules, lm)
}

// Module returns the module registered under alias.
func (c *ExecutionContext) Module(alias string) (*LoadedModule, bool) {
	for _, lm := range c.modules {
		if strings.EqualFold(lm.Alias, alias) {
			return lm, true
		}
	}
	return nil, false
}

// ResolveType searches modules in registration order, then the builtin
// universe. It returns nil when no module knows name.
func (c *ExecutionContext) ResolveType(name string) *module.Type {
	for _, lm := range c.modules {
		if t := safeLookup(lm.Module, name); t != nil {
			return t
		}
	}
	if t, ok := module.Builtins().Lookup(name); ok {
		return t
	}
	return nil
}

func safeLookup(m module.Module, name string) (t *module.Type) {
	defer func() {
		if recover() != nil {
			t = nil
		}
	}()
	if found, ok := m.Lookup(name); ok {
		return found
	}
	return nil
}

// Release drops an instance and reports whether it existed.
func (c *ExecutionContext) Release(id string) bool {
	return c.instances.release(id)
}

// InstanceCount returns the number of live instances.
func (c *ExecutionContext) InstanceCount() int { return c.instances.count() }

// Modules describes the loaded modules in registration order.
func (c *ExecutionContext) Modules() []protocol.ModuleInfo {
	out := make([]protocol.ModuleInfo, 0, len(c.modules))
	for _, lm := range c.modules {
		out = append(out, protocol.ModuleInfo{
			Alias:  lm.Alias,
			Name:   lm.Module.Name(),
			Kind:   string(lm.Module.Kind()),
			Source: lm.Source,
			Types:  lm.Module.TypeNames(),
		})
	}
	return out
}

// Info summarizes the context for list-contexts.
func (c *ExecutionContext) Info() protocol.ContextInfo {
	return protocol.ContextInfo{ID: c.id, Modules: len(c.modules), Instances: c.instances.count()}
}

// close drops every instance and releases module resources. The first
// failure is returned after every module has been attempted.
func (c *ExecutionContext) close(ctx context.Context) error {
	c.instances.reset()
	var errs []error
	for _, lm := range c.modules {
		if err := lm.Module.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close module %s: %w", lm.Alias, err))
		}
	}
	if err := c.loader.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close wasm runtime: %w", err))
	}
	return errors.Join(errs...)
}
