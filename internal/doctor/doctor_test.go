package doctor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/modbridge/internal/config"
	"github.com/basket/modbridge/internal/ipc"
)

func TestCheckConfig_NilAndBootstrap(t *testing.T) {
	if got := checkConfig(context.Background(), nil); got.Status != "FAIL" {
		t.Fatalf("expected FAIL for nil config, got %s", got.Status)
	}
	cfg := config.Default(t.TempDir())
	cfg.NeedsBootstrap = true
	if got := checkConfig(context.Background(), &cfg); got.Status != "WARN" {
		t.Fatalf("expected WARN when config.yaml is missing, got %s", got.Status)
	}
}

func TestCheckAuthToken(t *testing.T) {
	cfg := config.Default(t.TempDir())
	if got := checkAuthToken(context.Background(), &cfg); got.Status != "WARN" {
		t.Fatalf("expected WARN for empty token, got %s", got.Status)
	}
	cfg.AuthToken = "secret"
	if got := checkAuthToken(context.Background(), &cfg); got.Status != "PASS" {
		t.Fatalf("expected PASS with token, got %s", got.Status)
	}
}

func TestCheckDatabase_OpensStore(t *testing.T) {
	cfg := config.Default(t.TempDir())
	got := checkDatabase(context.Background(), &cfg)
	if got.Status != "PASS" {
		t.Fatalf("expected PASS, got %+v", got)
	}
}

func TestCheckRuntimeDir_Permissions(t *testing.T) {
	cfg := config.Default(t.TempDir())
	if got := checkRuntimeDir(context.Background(), &cfg); got.Status != "PASS" {
		t.Fatalf("expected PASS for missing runtime dir, got %+v", got)
	}
	if err := os.MkdirAll(cfg.RuntimeDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.Chmod(cfg.RuntimeDir, 0o755); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	if got := checkRuntimeDir(context.Background(), &cfg); got.Status != "WARN" {
		t.Fatalf("expected WARN for group-readable runtime dir, got %+v", got)
	}
	if err := os.Chmod(cfg.RuntimeDir, 0o700); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	if got := checkRuntimeDir(context.Background(), &cfg); got.Status != "PASS" {
		t.Fatalf("expected PASS for private runtime dir, got %+v", got)
	}
}

func TestCheckWasmRuntime(t *testing.T) {
	cfg := config.Default(t.TempDir())
	if got := checkWasmRuntime(context.Background(), &cfg); got.Status != "PASS" {
		t.Fatalf("expected PASS, got %+v", got)
	}
}

func TestCheckInterpreter(t *testing.T) {
	if got := checkInterpreter(context.Background(), nil); got.Status != "PASS" {
		t.Fatalf("expected PASS, got %+v", got)
	}
}

func TestCheckDaemon_NotRunning(t *testing.T) {
	cfg := config.Default(t.TempDir())
	got := checkDaemon(context.Background(), &cfg)
	if got.Status != "WARN" {
		t.Fatalf("expected WARN when no daemon is running, got %+v", got)
	}
}

func TestCheckDaemon_Running(t *testing.T) {
	runtimeDir, err := os.MkdirTemp("", "mbdoc")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(runtimeDir) })

	cfg := config.Default(t.TempDir())
	cfg.RuntimeDir = runtimeDir
	cfg.AuthToken = "secret"

	srv := ipc.NewServer(ipc.Config{RuntimeDir: runtimeDir, Logger: quietLogger()})
	ctx := context.Background()
	if err := srv.Start(ctx, cfg.Channel, "secret"); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = srv.Stop(ctx) }()

	if got := checkDaemon(ctx, &cfg); got.Status != "PASS" {
		t.Fatalf("expected PASS, got %+v", got)
	}
	if got := filepath.Join(runtimeDir, cfg.Channel+".sock"); got != srv.SocketPath() {
		t.Fatalf("unexpected socket path %s", srv.SocketPath())
	}

	cfg.AuthToken = "wrong"
	if got := checkDaemon(ctx, &cfg); got.Status != "FAIL" {
		t.Fatalf("expected FAIL for rejected token, got %+v", got)
	}
}

func TestRun_ReportsEveryCheck(t *testing.T) {
	cfg := config.Default(t.TempDir())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	d := Run(ctx, &cfg, "test")
	if len(d.Results) != 7 {
		t.Fatalf("expected 7 results, got %d", len(d.Results))
	}
	if d.System.Version != "test" {
		t.Fatalf("expected version to be recorded, got %q", d.System.Version)
	}
	if d.Failed() {
		t.Fatalf("expected no failures, got %+v", d.Results)
	}
}
