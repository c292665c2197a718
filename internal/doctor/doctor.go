package doctor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"runtime"
	"time"

	"github.com/basket/modbridge/internal/config"
	"github.com/basket/modbridge/internal/ipc"
	"github.com/basket/modbridge/internal/module"
	"github.com/basket/modbridge/internal/persistence"
	"github.com/basket/modbridge/internal/protocol"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkAuthToken,
		checkDatabase,
		checkRuntimeDir,
		checkWasmRuntime,
		checkInterpreter,
		checkDaemon,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsBootstrap {
		return CheckResult{Name: "Config", Status: "WARN", Message: "config.yaml missing (defaults in use)",
			Detail: fmt.Sprintf("Run the daemon once to write %s", config.ConfigPath(cfg.HomeDir))}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkAuthToken(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Auth Token", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.AuthToken == "" {
		return CheckResult{
			Name:    "Auth Token",
			Status:  "WARN",
			Message: "auth_token is empty; every local client is accepted",
			Detail:  "Set auth_token in config.yaml or MODBRIDGE_AUTH_TOKEN",
		}
	}
	return CheckResult{Name: "Auth Token", Status: "PASS", Message: "auth_token is set"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsBootstrap {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	if !cfg.Audit.Database {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "audit.database disabled"}
	}
	store, err := persistence.Open(persistence.DefaultDBPath(cfg.HomeDir))
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	if _, err := store.ListModuleLoads(ctx, "", 1); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: "Connection and schema valid"}
}

func checkRuntimeDir(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Runtime Dir", Status: "SKIP", Message: "Config missing"}
	}
	info, err := os.Stat(cfg.RuntimeDir)
	if errors.Is(err, os.ErrNotExist) {
		return CheckResult{Name: "Runtime Dir", Status: "PASS", Message: fmt.Sprintf("%s will be created on start", cfg.RuntimeDir)}
	}
	if err != nil {
		return CheckResult{Name: "Runtime Dir", Status: "FAIL", Message: fmt.Sprintf("Stat failed: %v", err)}
	}
	if !info.IsDir() {
		return CheckResult{Name: "Runtime Dir", Status: "FAIL", Message: fmt.Sprintf("%s is not a directory", cfg.RuntimeDir)}
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return CheckResult{
			Name:    "Runtime Dir",
			Status:  "WARN",
			Message: fmt.Sprintf("%s is accessible to other users (%#o)", cfg.RuntimeDir, perm),
			Detail:  "chmod 700 the runtime dir",
		}
	}
	return CheckResult{Name: "Runtime Dir", Status: "PASS", Message: fmt.Sprintf("%s is private", cfg.RuntimeDir)}
}

// probeWasm exports add(i32, i32) i32.
var probeWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x07, 0x01, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x07, 0x01, 0x03, 'a', 'd', 'd', 0x00, 0x00,
	0x0a, 0x09, 0x01, 0x07, 0x00, 0x20, 0x00, 0x20, 0x01, 0x6a, 0x0b,
}

const probeSource = `package probe

func Ping() string { return "pong" }
`

func checkWasmRuntime(ctx context.Context, cfg *config.Config) CheckResult {
	var pages uint32
	if cfg != nil {
		pages = cfg.Wasm.MemoryLimitPages
	}
	host, err := module.NewWasmHost(ctx, module.WasmHostConfig{Logger: quietLogger(), MemoryLimitPages: pages})
	if err != nil {
		return CheckResult{Name: "Wasm Runtime", Status: "FAIL", Message: fmt.Sprintf("Runtime creation failed: %v", err)}
	}
	defer host.Close(ctx)

	m, err := host.Load(ctx, probeWasm, "")
	if err != nil {
		return CheckResult{Name: "Wasm Runtime", Status: "FAIL", Message: fmt.Sprintf("Probe module failed to load: %v", err)}
	}
	m.Bind("probe")
	got, err := callStatic(ctx, m, "probe", "add", reflect.ValueOf(int32(2)), reflect.ValueOf(int32(3)))
	if err != nil {
		return CheckResult{Name: "Wasm Runtime", Status: "FAIL", Message: fmt.Sprintf("Probe call failed: %v", err)}
	}
	if got != int64(5) {
		return CheckResult{Name: "Wasm Runtime", Status: "FAIL", Message: fmt.Sprintf("Probe returned %v, want 5", got)}
	}
	return CheckResult{
		Name:    "Wasm Runtime",
		Status:  "PASS",
		Message: "wazero runtime executes modules",
		Detail:  fmt.Sprintf("memory_limit_pages=%d, host.log=%t", pages, host.HasHostFunction("host.log")),
	}
}

func checkInterpreter(ctx context.Context, _ *config.Config) CheckResult {
	loader := module.NewLoader(module.LoaderConfig{Logger: quietLogger()})
	defer loader.Close(ctx)

	m, err := loader.Load(ctx, []byte(probeSource), "")
	if err != nil {
		return CheckResult{Name: "Go Interpreter", Status: "FAIL", Message: fmt.Sprintf("Probe source failed to load: %v", err)}
	}
	got, err := callStatic(ctx, m, "probe", "Ping")
	if err != nil {
		return CheckResult{Name: "Go Interpreter", Status: "FAIL", Message: fmt.Sprintf("Probe call failed: %v", err)}
	}
	if got != "pong" {
		return CheckResult{Name: "Go Interpreter", Status: "FAIL", Message: fmt.Sprintf("Probe returned %v, want pong", got)}
	}
	return CheckResult{Name: "Go Interpreter", Status: "PASS", Message: "yaegi interprets module source"}
}

func checkDaemon(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Daemon", Status: "SKIP", Message: "Config missing"}
	}
	path := cfg.SocketPath()
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return CheckResult{Name: "Daemon", Status: "WARN", Message: "Not running", Detail: fmt.Sprintf("no socket at %s", path)}
	}

	client := ipc.NewClient(path, cfg.AuthToken)
	client.DialWait = 500 * time.Millisecond
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	start := time.Now()
	resp, err := client.Call(pingCtx, protocol.Request{Cmd: protocol.CmdPing})
	latency := time.Since(start)
	if err != nil {
		return CheckResult{Name: "Daemon", Status: "FAIL", Message: fmt.Sprintf("Ping failed: %v", err), Detail: path}
	}
	if !resp.Success {
		return CheckResult{Name: "Daemon", Status: "FAIL", Message: fmt.Sprintf("Ping rejected: %s (%s)", resp.Error, resp.Code), Detail: path}
	}
	return CheckResult{
		Name:    "Daemon",
		Status:  "PASS",
		Message: fmt.Sprintf("Answered ping in %dms", latency.Milliseconds()),
		Detail:  path,
	}
}

// callStatic invokes the first static callable called name on typeName and
// returns its first result.
func callStatic(ctx context.Context, m module.Module, typeName, name string, args ...reflect.Value) (any, error) {
	t, ok := m.Lookup(typeName)
	if !ok {
		return nil, fmt.Errorf("type %s not found", typeName)
	}
	candidates := t.StaticNamed(name)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%s.%s not found", typeName, name)
	}
	out, err := candidates[0].Call(ctx, reflect.Value{}, args)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	v := out[0]
	if v.Kind() == reflect.Int32 {
		return v.Int(), nil
	}
	return v.Interface(), nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
