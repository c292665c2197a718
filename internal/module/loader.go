package module

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

type LoaderConfig struct {
	Logger           *slog.Logger
	MemoryLimitPages uint32
	KV               KVStore
}

// Loader turns module bytes into a Module. It owns the wasm runtime of one
// execution context, created on the first wasm load.
type Loader struct {
	cfg LoaderConfig

	mu   sync.Mutex
	wasm *WasmHost
}

func NewLoader(cfg LoaderConfig) *Loader {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Loader{cfg: cfg}
}

// Load detects the format of data and loads it. source names the file the
// bytes came from and is empty for in-memory loads.
func (l *Loader) Load(ctx context.Context, data []byte, source string) (Module, error) {
	if len(data) == 0 {
		return nil, ErrEmptyModule
	}
	if IsWasm(data) {
		host, err := l.wasmHost(ctx)
		if err != nil {
			return nil, err
		}
		return host.Load(ctx, data, source)
	}
	m, err := loadGoSource(ctx, data, source, l.cfg.Logger)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (l *Loader) wasmHost(ctx context.Context) (*WasmHost, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.wasm != nil {
		return l.wasm, nil
	}
	// The runtime outlives the request that created it.
	host, err := NewWasmHost(context.WithoutCancel(ctx), WasmHostConfig{
		Logger:           l.cfg.Logger,
		MemoryLimitPages: l.cfg.MemoryLimitPages,
		KV:               l.cfg.KV,
	})
	if err != nil {
		return nil, fmt.Errorf("start wasm runtime: %w", err)
	}
	l.wasm = host
	return host, nil
}

// WasmStarted reports whether the wasm runtime has been created.
func (l *Loader) WasmStarted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.wasm != nil
}

// Close releases the wasm runtime, if any.
func (l *Loader) Close(ctx context.Context) error {
	l.mu.Lock()
	host := l.wasm
	l.wasm = nil
	l.mu.Unlock()
	if host == nil {
		return nil
	}
	return host.Close(ctx)
}
