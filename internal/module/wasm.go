package module

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// Deterministic fault reasons for wasm calls.
const (
	FaultTimeout        = "WASM_TIMEOUT"
	FaultMemoryExceeded = "WASM_MEMORY_EXCEEDED"
	FaultExecError      = "WASM_FAULT"
)

// WasmFault is a structured error raised by a wasm call.
type WasmFault struct {
	Reason string
	Module string
	Detail string
}

func (e *WasmFault) Error() string {
	return fmt.Sprintf("%s: module=%s: %s", e.Reason, e.Module, e.Detail)
}

// Timeout reports whether the call was terminated by its context.
func (e *WasmFault) Timeout() bool { return e.Reason == FaultTimeout }

// KVStore receives host.kv.set writes from guests.
type KVStore interface {
	KVSet(ctx context.Context, key, value string) error
}

type WasmHostConfig struct {
	Logger *slog.Logger
	// MemoryLimitPages caps memory per module (1 page = 64KB). 0 keeps wazero's default.
	MemoryLimitPages uint32
	KV               KVStore
}

// WasmHost owns one wazero runtime with WASI and the "host" import module.
type WasmHost struct {
	runtime wazero.Runtime
	logger  *slog.Logger
	kv      KVStore

	hostFunctions map[string]struct{}

	mu  sync.Mutex
	seq int
}

func NewWasmHost(ctx context.Context, cfg WasmHostConfig) (*WasmHost, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	runtimeCfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MemoryLimitPages > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}
	h := &WasmHost{
		runtime:       wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		logger:        cfg.Logger,
		kv:            cfg.KV,
		hostFunctions: map[string]struct{}{},
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, h.runtime); err != nil {
		_ = h.runtime.Close(ctx)
		return nil, fmt.Errorf("instantiate wasi: %w", err)
	}

	builder := h.runtime.NewHostModuleBuilder("host")
	builder.NewFunctionBuilder().WithFunc(h.hostLog).Export("host.log")
	builder.NewFunctionBuilder().WithFunc(h.hostKVSet).Export("host.kv.set")
	h.hostFunctions["host.log"] = struct{}{}
	h.hostFunctions["host.kv.set"] = struct{}{}

	if _, err := builder.Instantiate(ctx); err != nil {
		_ = h.runtime.Close(ctx)
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	return h, nil
}

func (h *WasmHost) HasHostFunction(name string) bool {
	_, ok := h.hostFunctions[name]
	return ok
}

func (h *WasmHost) Close(ctx context.Context) error {
	return h.runtime.Close(ctx)
}

// Load compiles and instantiates wasm bytes. source is the file path for
// path loads and empty for byte loads.
func (h *WasmHost) Load(ctx context.Context, data []byte, source string) (Module, error) {
	compiled, err := h.runtime.CompileModule(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("compile wasm module: %w", err)
	}

	name := compiled.Name()
	if name == "" && source != "" {
		name = nameFromPath(source)
	}
	if name == "" {
		name = fallbackName("wasm", data)
	}

	inst, err := h.instantiate(ctx, compiled, name)
	if err != nil {
		_ = compiled.Close(ctx)
		return nil, err
	}

	m := &wasmModule{host: h, name: name, alias: name, compiled: compiled, instance: inst}
	defs := compiled.ExportedFunctions()
	exports := make([]string, 0, len(defs))
	for export := range defs {
		exports = append(exports, export)
	}
	sort.Slice(exports, func(i, j int) bool {
		return defs[exports[i]].Index() < defs[exports[j]].Index()
	})
	for _, export := range exports {
		if inst.ExportedFunction(export) == nil {
			continue
		}
		c, ok := wasmCallable(m, export, defs[export])
		if !ok {
			h.logger.Debug("wasm export skipped", "module", name, "export", export)
			continue
		}
		m.static = append(m.static, c)
	}
	h.logger.Info("wasm module loaded", "module", name, "instance", inst.Name(), "path", source, "exports", len(m.static))
	return m, nil
}

// instantiate starts a fresh instance of compiled. wazero rejects duplicate
// instance names, and the same bytes may be loaded under several aliases.
func (h *WasmHost) instantiate(ctx context.Context, compiled wazero.CompiledModule, name string) (api.Module, error) {
	h.mu.Lock()
	h.seq++
	instanceName := fmt.Sprintf("%s#%d", name, h.seq)
	h.mu.Unlock()

	inst, err := h.runtime.InstantiateModule(ctx, compiled,
		wazero.NewModuleConfig().WithName(instanceName).WithStartFunctions("_initialize"))
	if err != nil {
		return nil, fmt.Errorf("instantiate wasm module %s: %w", name, err)
	}
	return inst, nil
}

type wasmModule struct {
	host     *WasmHost
	name     string
	compiled wazero.CompiledModule
	static   []*Callable

	mu    sync.RWMutex
	alias string

	// instMu guards instance, which a deadline closes mid-call.
	instMu   sync.Mutex
	instance api.Module
}

func (m *wasmModule) Name() string { return m.name }
func (m *wasmModule) Kind() Kind   { return KindWasm }

func (m *wasmModule) Bind(alias string) {
	m.mu.Lock()
	m.alias = alias
	m.mu.Unlock()
}

func (m *wasmModule) Lookup(typeName string) (*Type, bool) {
	m.mu.RLock()
	alias := m.alias
	m.mu.RUnlock()
	if !strings.EqualFold(typeName, alias) {
		return nil, false
	}
	return &Type{Name: alias, Static: m.static}, true
}

func (m *wasmModule) TypeNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return []string{m.alias}
}

// function resolves export on the live instance. An instance closed by a
// call deadline is replaced from the compiled module first, so guest state
// starts over.
func (m *wasmModule) function(ctx context.Context, export string) (api.Function, error) {
	m.instMu.Lock()
	defer m.instMu.Unlock()
	if m.instance.IsClosed() {
		inst, err := m.host.instantiate(ctx, m.compiled, m.name)
		if err != nil {
			return nil, err
		}
		m.instance = inst
		m.host.logger.Info("wasm module re-instantiated", "module", m.name, "instance", inst.Name())
	}
	fn := m.instance.ExportedFunction(export)
	if fn == nil {
		return nil, fmt.Errorf("wasm module %s has no export %s", m.name, export)
	}
	return fn, nil
}

func (m *wasmModule) Close(ctx context.Context) error {
	m.instMu.Lock()
	err := m.instance.Close(ctx)
	m.instMu.Unlock()
	if cerr := m.compiled.Close(ctx); err == nil {
		err = cerr
	}
	return err
}

var (
	int32Type   = reflect.TypeOf(int32(0))
	int64Type   = reflect.TypeOf(int64(0))
	float32Type = reflect.TypeOf(float32(0))
	float64Type = reflect.TypeOf(float64(0))
)

func wasmValueType(vt api.ValueType) (reflect.Type, bool) {
	switch vt {
	case api.ValueTypeI32:
		return int32Type, true
	case api.ValueTypeI64:
		return int64Type, true
	case api.ValueTypeF32:
		return float32Type, true
	case api.ValueTypeF64:
		return float64Type, true
	}
	return nil, false
}

func encodeWasm(v reflect.Value) uint64 {
	switch v.Kind() {
	case reflect.Int32:
		return api.EncodeI32(int32(v.Int()))
	case reflect.Int64:
		return api.EncodeI64(v.Int())
	case reflect.Float32:
		return api.EncodeF32(float32(v.Float()))
	case reflect.Float64:
		return api.EncodeF64(v.Float())
	}
	return 0
}

func decodeWasm(vt api.ValueType, raw uint64) reflect.Value {
	switch vt {
	case api.ValueTypeI32:
		return reflect.ValueOf(api.DecodeI32(raw))
	case api.ValueTypeI64:
		return reflect.ValueOf(int64(raw))
	case api.ValueTypeF32:
		return reflect.ValueOf(api.DecodeF32(raw))
	case api.ValueTypeF64:
		return reflect.ValueOf(api.DecodeF64(raw))
	}
	return reflect.ValueOf(raw)
}

// wasmCallable adapts an export whose parameters and results are all numeric.
func wasmCallable(m *wasmModule, export string, def api.FunctionDefinition) (*Callable, bool) {
	paramTypes := def.ParamTypes()
	resultTypes := def.ResultTypes()
	params := make([]reflect.Type, 0, len(paramTypes))
	for _, vt := range paramTypes {
		t, ok := wasmValueType(vt)
		if !ok {
			return nil, false
		}
		params = append(params, t)
	}
	results := make([]reflect.Type, 0, len(resultTypes))
	for _, vt := range resultTypes {
		t, ok := wasmValueType(vt)
		if !ok {
			return nil, false
		}
		results = append(results, t)
	}
	return NewCallable(export, params, results, false,
		func(ctx context.Context, _ reflect.Value, args []reflect.Value) ([]reflect.Value, error) {
			fn, err := m.function(ctx, export)
			if err != nil {
				return nil, err
			}
			stack := make([]uint64, len(args))
			for i, a := range args {
				stack[i] = encodeWasm(a)
			}
			raw, err := fn.Call(ctx, stack...)
			if err != nil {
				return nil, classifyFault(m.name, err)
			}
			out := make([]reflect.Value, len(raw))
			for i, r := range raw {
				out[i] = decodeWasm(resultTypes[i], r)
			}
			return out, nil
		}), true
}

// classifyFault maps a wasm execution error to a deterministic WasmFault.
func classifyFault(moduleName string, err error) *WasmFault {
	if errors.Is(err, context.DeadlineExceeded) {
		return &WasmFault{Reason: FaultTimeout, Module: moduleName, Detail: err.Error()}
	}
	if errors.Is(err, context.Canceled) {
		return &WasmFault{Reason: FaultTimeout, Module: moduleName, Detail: "canceled"}
	}
	// wazero raises sys.ExitError on context-driven termination.
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		return &WasmFault{Reason: FaultTimeout, Module: moduleName, Detail: err.Error()}
	}
	msg := err.Error()
	if strings.Contains(msg, "memory") {
		return &WasmFault{Reason: FaultMemoryExceeded, Module: moduleName, Detail: msg}
	}
	return &WasmFault{Reason: FaultExecError, Module: moduleName, Detail: msg}
}

// readWASMString reads a string from guest linear memory.
func readWASMString(module api.Module, ptr, length uint32) (string, bool) {
	mem := module.Memory()
	if mem == nil {
		return "", false
	}
	data, ok := mem.Read(ptr, length)
	if !ok {
		return "", false
	}
	return string(data), true
}

func (h *WasmHost) hostLog(ctx context.Context, module api.Module, levelPtr, levelLen, msgPtr, msgLen uint32) {
	level, ok := readWASMString(module, levelPtr, levelLen)
	if !ok {
		level = "info"
	}
	msg, ok := readWASMString(module, msgPtr, msgLen)
	if !ok {
		h.logger.Warn("host.log: failed to read message from wasm memory")
		return
	}
	switch strings.ToLower(level) {
	case "error":
		h.logger.Error("wasm guest log", "module", module.Name(), "msg", msg)
	case "warn":
		h.logger.Warn("wasm guest log", "module", module.Name(), "msg", msg)
	case "debug":
		h.logger.Debug("wasm guest log", "module", module.Name(), "msg", msg)
	default:
		h.logger.Info("wasm guest log", "module", module.Name(), "msg", msg)
	}
}

// hostKVSet stores a guest key/value pair under "wasm:<module>:<key>".
// It returns 1 on success and 0 otherwise.
func (h *WasmHost) hostKVSet(ctx context.Context, module api.Module, keyPtr, keyLen, valPtr, valLen uint32) uint32 {
	if h.kv == nil {
		h.logger.Warn("host.kv.set: no store attached")
		return 0
	}
	key, ok := readWASMString(module, keyPtr, keyLen)
	if !ok {
		h.logger.Error("host.kv.set: failed to read key from wasm memory")
		return 0
	}
	val, ok := readWASMString(module, valPtr, valLen)
	if !ok {
		h.logger.Error("host.kv.set: failed to read value from wasm memory")
		return 0
	}
	guest := module.Name()
	if i := strings.LastIndexByte(guest, '#'); i > 0 {
		guest = guest[:i]
	}
	if err := h.kv.KVSet(ctx, "wasm:"+guest+":"+key, val); err != nil {
		h.logger.Error("host.kv.set failed", "key", key, "error", err)
		return 0
	}
	return 1
}
