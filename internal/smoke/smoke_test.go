package smoke

import (
	"bytes"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// moduleRoot walks up from the test's working directory to the go.mod.
func moduleRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatalf("no go.mod above the test directory")
		}
		dir = parent
	}
}

func buildModbridgeBinary(t *testing.T) string {
	t.Helper()
	root := moduleRoot(t)
	outPath := filepath.Join(t.TempDir(), "modbridge")
	cmd := exec.Command("go", "build", "-o", outPath, "./cmd/modbridge")
	cmd.Dir = root
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		t.Fatalf("go build ./cmd/modbridge failed: %v\n%s", err, buf.String())
	}
	return outPath
}

func TestSmoke_BinaryPrintsUsage(t *testing.T) {
	bin := buildModbridgeBinary(t)
	out, err := exec.Command(bin, "help").CombinedOutput()
	if err != nil {
		t.Fatalf("modbridge help: %v\n%s", err, out)
	}
	for _, want := range []string{"CLIENT:", "ping", "MODBRIDGE_HOME"} {
		if !strings.Contains(string(out), want) {
			t.Fatalf("usage missing %q:\n%s", want, out)
		}
	}

	out, err = exec.Command(bin, "frobnicate").CombinedOutput()
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitCode() != 2 {
		t.Fatalf("expected exit code 2 for an unknown subcommand, got %v\n%s", err, out)
	}
}
