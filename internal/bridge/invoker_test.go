package bridge

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const calcSource = `package Sample

import (
	"fmt"
	"time"
)

type Calc struct {
	A, B  int
	label string
}

func NewCalc(a, b int) *Calc { return &Calc{A: a, B: b} }

func NewCalcNamed(label string) *Calc { return &Calc{label: label} }

func (c *Calc) Sum() int { return c.A + c.B }

func (c *Calc) GetInfo() string { return fmt.Sprintf("Calc(%d,%d,%s)", c.A, c.B, c.label) }

func (c *Calc) Scale(f float64) float64 { return float64(c.A+c.B) * f }

func (c *Calc) Divide(d int) (int, error) {
	if d == 0 {
		return 0, fmt.Errorf("divide by zero")
	}
	return c.A / d, nil
}

func (c *Calc) Crash() int { panic("crash") }

func Version() string { return "1.0" }

func Slow(ms int) int {
	time.Sleep(time.Duration(ms) * time.Millisecond)
	return ms
}
`

func writeModule(t *testing.T, name, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

// withCalc creates a context with calcSource loaded from a file and runs fn in it.
func withCalc(t *testing.T, fn func(ec *ExecutionContext)) {
	t.Helper()
	r := newTestRegistry()
	t.Cleanup(func() { r.StopAll(context.Background()) })
	id, err := r.Create("")
	require.NoError(t, err)
	path := writeModule(t, "calc.go", calcSource)
	require.NoError(t, r.With(id, func(ec *ExecutionContext) error {
		lm, err := ec.LoadFromPath(context.Background(), path, "")
		require.NoError(t, err)
		require.Equal(t, "Sample", lm.Alias)
		fn(ec)
		return nil
	}))
}

func TestCreateInstance_ConstructorSelection(t *testing.T) {
	withCalc(t, func(ec *ExecutionContext) {
		ctx := context.Background()

		_, err := ec.CreateInstance(ctx, "Sample.Calc", `[1, 2, 3]`, 0)
		require.True(t, IsCode(err, CodeConstructorNotFound), "got %v", err)
		require.Contains(t, err.Error(), "Sample.Calc")
		require.Contains(t, err.Error(), "3 argument(s)")

		a, err := ec.CreateInstance(ctx, "Sample.Calc", `[2, 3]`, 0)
		require.NoError(t, err)
		b, err := ec.CreateInstance(ctx, "Sample.Calc", `[2, 3]`, 0)
		require.NoError(t, err)
		require.NotEqual(t, a.ID, b.ID)
		require.Regexp(t, `^inst_[0-9a-f]{32}$`, a.ID)

		res, err := ec.Invoke(ctx, InvokeRequest{MethodName: "Sum", InstanceID: a.ID})
		require.NoError(t, err)
		require.JSONEq(t, `5`, string(res))

		named, err := ec.CreateInstance(ctx, "Sample.Calc", `["x"]`, 0)
		require.NoError(t, err)
		res, err = ec.Invoke(ctx, InvokeRequest{MethodName: "GetInfo", InstanceID: named.ID})
		require.NoError(t, err)
		require.JSONEq(t, `"Calc(0,0,x)"`, string(res))
	})
}

func TestCreateInstance_TypeNotFound(t *testing.T) {
	withCalc(t, func(ec *ExecutionContext) {
		_, err := ec.CreateInstance(context.Background(), "Sample.Missing", "", 0)
		require.True(t, IsCode(err, CodeTypeNotFound), "got %v", err)
	})
}

func TestInvoke_NotFoundCases(t *testing.T) {
	withCalc(t, func(ec *ExecutionContext) {
		ctx := context.Background()
		_, err := ec.Invoke(ctx, InvokeRequest{MethodName: "Sum", InstanceID: "inst_missing"})
		require.True(t, IsCode(err, CodeInstanceNotFound), "got %v", err)

		inst, err := ec.CreateInstance(ctx, "Sample.Calc", `[1, 1]`, 0)
		require.NoError(t, err)
		_, err = ec.Invoke(ctx, InvokeRequest{MethodName: "Nope", InstanceID: inst.ID})
		require.True(t, IsCode(err, CodeMethodNotFound), "got %v", err)
		_, err = ec.Invoke(ctx, InvokeRequest{MethodName: "Sum", InstanceID: inst.ID, ArgsJSON: `[1]`})
		require.True(t, IsCode(err, CodeMethodNotFound), "got %v", err)

		_, err = ec.Invoke(ctx, InvokeRequest{TypeName: "Sample.Calc", MethodName: "Sum", IsStatic: boolPtr(false)})
		require.True(t, IsCode(err, CodeInvalidArgument), "got %v", err)
	})
}

func TestInvoke_StaticDefaults(t *testing.T) {
	withCalc(t, func(ec *ExecutionContext) {
		ctx := context.Background()
		res, err := ec.Invoke(ctx, InvokeRequest{TypeName: "Sample", MethodName: "Version"})
		require.NoError(t, err)
		require.JSONEq(t, `"1.0"`, string(res))

		res, err = ec.Invoke(ctx, InvokeRequest{TypeName: "Sample.Calc", MethodName: "Version", IsStatic: boolPtr(true)})
		require.NoError(t, err)
		require.JSONEq(t, `"1.0"`, string(res))

		res, err = ec.Invoke(ctx, InvokeRequest{TypeName: "strings", MethodName: "Repeat", ArgsJSON: `["ab", 2]`})
		require.NoError(t, err)
		require.JSONEq(t, `"abab"`, string(res))
	})
}

func TestInvoke_ErrorsAndPanicsAreContained(t *testing.T) {
	withCalc(t, func(ec *ExecutionContext) {
		ctx := context.Background()
		inst, err := ec.CreateInstance(ctx, "Sample.Calc", `[6, 0]`, 0)
		require.NoError(t, err)

		res, err := ec.Invoke(ctx, InvokeRequest{MethodName: "Divide", InstanceID: inst.ID, ArgsJSON: `[3]`})
		require.NoError(t, err)
		require.JSONEq(t, `2`, string(res))

		_, err = ec.Invoke(ctx, InvokeRequest{MethodName: "Divide", InstanceID: inst.ID, ArgsJSON: `[0]`})
		require.True(t, IsCode(err, CodeInvocationFailed), "got %v", err)
		require.Contains(t, err.Error(), "divide by zero")

		_, err = ec.Invoke(ctx, InvokeRequest{MethodName: "Crash", InstanceID: inst.ID})
		require.True(t, IsCode(err, CodeInvocationFailed), "got %v", err)
		require.Contains(t, err.Error(), "panicked")

		res, err = ec.Invoke(ctx, InvokeRequest{MethodName: "Sum", InstanceID: inst.ID})
		require.NoError(t, err)
		require.JSONEq(t, `6`, string(res))
	})
}

func TestInvoke_Timeout(t *testing.T) {
	withCalc(t, func(ec *ExecutionContext) {
		ctx := context.Background()
		_, err := ec.Invoke(ctx, InvokeRequest{TypeName: "Sample", MethodName: "Slow", ArgsJSON: `[400]`, Timeout: 50 * time.Millisecond})
		require.True(t, IsCode(err, CodeInvokeTimeout), "got %v", err)

		res, err := ec.Invoke(ctx, InvokeRequest{TypeName: "Sample", MethodName: "Slow", ArgsJSON: `[1]`, Timeout: 5 * time.Second})
		require.NoError(t, err)
		require.JSONEq(t, `1`, string(res))
	})
}

const counterSource = `package tally

import "time"

type Counter struct{ n int }

func (c *Counter) Spin(ms int) int {
	deadline := time.Now().Add(time.Duration(ms) * time.Millisecond)
	for time.Now().Before(deadline) {
		c.n++
	}
	return c.n
}

func (c *Counter) Set(n int) { c.n = n }

func (c *Counter) Get() int { return c.n }
`

func TestInvoke_TimedOutCallKeepsContextBusy(t *testing.T) {
	r := newTestRegistry()
	t.Cleanup(func() { r.StopAll(context.Background()) })
	id, err := r.Create("")
	require.NoError(t, err)
	ctx := context.Background()

	var inst string
	require.NoError(t, r.With(id, func(ec *ExecutionContext) error {
		_, err := ec.LoadFromPath(ctx, writeModule(t, "tally.go", counterSource), "")
		require.NoError(t, err)
		created, err := ec.CreateInstance(ctx, "tally.Counter", "", 0)
		require.NoError(t, err)
		inst = created.ID

		_, err = ec.Invoke(ctx, InvokeRequest{MethodName: "Spin", InstanceID: inst, ArgsJSON: `[300]`, Timeout: 20 * time.Millisecond})
		require.True(t, IsCode(err, CodeInvokeTimeout), "got %v", err)
		return nil
	}))

	err = r.With(id, func(ec *ExecutionContext) error {
		_, err := ec.Invoke(ctx, InvokeRequest{MethodName: "Set", InstanceID: inst, ArgsJSON: `[0]`})
		return err
	})
	require.True(t, IsCode(err, CodeContextBusy), "got %v", err)

	require.Eventually(t, func() bool {
		return r.With(id, func(*ExecutionContext) error { return nil }) == nil
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, r.With(id, func(ec *ExecutionContext) error {
		_, err := ec.Invoke(ctx, InvokeRequest{MethodName: "Set", InstanceID: inst, ArgsJSON: `[0]`})
		require.NoError(t, err)
		res, err := ec.Invoke(ctx, InvokeRequest{MethodName: "Get", InstanceID: inst})
		require.NoError(t, err)
		require.JSONEq(t, `0`, string(res))
		return nil
	}))
}

func TestRelease_ExactlyOnce(t *testing.T) {
	withCalc(t, func(ec *ExecutionContext) {
		inst, err := ec.CreateInstance(context.Background(), "Sample.Calc", `[1, 2]`, 0)
		require.NoError(t, err)
		require.True(t, ec.Release(inst.ID))
		require.False(t, ec.Release(inst.ID))
		require.False(t, ec.Release(inst.ID))

		_, err = ec.Invoke(context.Background(), InvokeRequest{MethodName: "Sum", InstanceID: inst.ID})
		require.True(t, IsCode(err, CodeInstanceNotFound), "got %v", err)
	})
}

func TestLoad_ReplacementKeepsSlot(t *testing.T) {
	withCalc(t, func(ec *ExecutionContext) {
		ctx := context.Background()
		_, err := ec.LoadFromBytes(ctx, []byte("package extra\n\ntype First struct{}\n"), "lib")
		require.NoError(t, err)
		require.NotNil(t, ec.ResolveType("extra.First"))

		_, err = ec.LoadFromBytes(ctx, []byte("package extra\n\ntype Second struct{}\n"), "LIB")
		require.NoError(t, err)
		require.NotNil(t, ec.ResolveType("extra.Second"))
		require.Nil(t, ec.ResolveType("extra.First"))

		mods := ec.Modules()
		require.Len(t, mods, 2)
		require.Equal(t, "Sample", mods[0].Alias)
		require.Equal(t, "LIB", mods[1].Alias)
		require.Equal(t, []string{"extra", "extra.Second"}, mods[1].Types)
	})
}

func TestLoad_FileNotFoundAndBadSource(t *testing.T) {
	withCalc(t, func(ec *ExecutionContext) {
		_, err := ec.LoadFromPath(context.Background(), filepath.Join(t.TempDir(), "absent.go"), "")
		require.True(t, IsCode(err, CodeFileNotFound), "got %v", err)

		_, err = ec.LoadFromBytes(context.Background(), []byte("not go at all"), "")
		require.True(t, IsCode(err, CodeModuleLoadFailed), "got %v", err)
	})
}

func TestBuiltins_BytesBufferOverload(t *testing.T) {
	r := newTestRegistry()
	id, err := r.Create("")
	require.NoError(t, err)
	require.NoError(t, r.With(id, func(ec *ExecutionContext) error {
		inst, err := ec.CreateInstance(context.Background(), "bytes.Buffer", `["aGVsbG8="]`, 0)
		require.NoError(t, err)
		res, err := ec.Invoke(context.Background(), InvokeRequest{MethodName: "String", InstanceID: inst.ID})
		require.NoError(t, err)
		require.JSONEq(t, `"aGVsbG8="`, string(res))
		return nil
	}))
}

// spinWasm exports spin(), which loops forever.
var spinWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x08, 0x01, 0x04, 's', 'p', 'i', 'n', 0x00, 0x00,
	0x0a, 0x09, 0x01, 0x07, 0x00, 0x03, 0x40, 0x0c, 0x00, 0x0b, 0x0b,
}

// addWasm exports add(i32, i32) i32.
var addWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x07, 0x01, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x07, 0x01, 0x03, 'a', 'd', 'd', 0x00, 0x00,
	0x0a, 0x09, 0x01, 0x07, 0x00, 0x20, 0x00, 0x20, 0x01, 0x6a, 0x0b,
}

// spinAddWasm exports spin() and add(i32, i32) i32 from one module.
var spinAddWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x0a, 0x02, 0x60, 0x00, 0x00, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f,
	0x03, 0x03, 0x02, 0x00, 0x01,
	0x07, 0x0e, 0x02, 0x04, 's', 'p', 'i', 'n', 0x00, 0x00, 0x03, 'a', 'd', 'd', 0x00, 0x01,
	0x0a, 0x11, 0x02,
	0x07, 0x00, 0x03, 0x40, 0x0c, 0x00, 0x0b, 0x0b,
	0x07, 0x00, 0x20, 0x00, 0x20, 0x01, 0x6a, 0x0b,
}

func TestWasm_InvokeAndTimeout(t *testing.T) {
	r := newTestRegistry()
	t.Cleanup(func() { r.StopAll(context.Background()) })
	id, err := r.Create("")
	require.NoError(t, err)
	require.NoError(t, r.With(id, func(ec *ExecutionContext) error {
		ctx := context.Background()
		lm, err := ec.LoadFromBytes(ctx, addWasm, "calc")
		require.NoError(t, err)
		require.Equal(t, "calc", lm.Alias)

		res, err := ec.Invoke(ctx, InvokeRequest{TypeName: "calc", MethodName: "add", ArgsJSON: `[40, 2]`})
		require.NoError(t, err)
		require.JSONEq(t, `42`, string(res))

		_, err = ec.CreateInstance(ctx, "calc", "", 0)
		require.True(t, IsCode(err, CodeConstructorNotFound), "got %v", err)

		_, err = ec.LoadFromBytes(ctx, spinWasm, "spinner")
		require.NoError(t, err)
		_, err = ec.Invoke(ctx, InvokeRequest{TypeName: "spinner", MethodName: "spin", Timeout: 50 * time.Millisecond})
		require.True(t, IsCode(err, CodeInvokeTimeout), "got %v", err)

		res, err = ec.Invoke(ctx, InvokeRequest{TypeName: "calc", MethodName: "add", ArgsJSON: `[40.0, 2]`})
		require.NoError(t, err)
		require.JSONEq(t, `42`, string(res))
		return nil
	}))
}

func TestWasm_TimeoutReinstantiatesModule(t *testing.T) {
	r := newTestRegistry()
	t.Cleanup(func() { r.StopAll(context.Background()) })
	id, err := r.Create("")
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, r.With(id, func(ec *ExecutionContext) error {
		_, err := ec.LoadFromBytes(ctx, spinAddWasm, "mixed")
		require.NoError(t, err)
		_, err = ec.Invoke(ctx, InvokeRequest{TypeName: "mixed", MethodName: "spin", Timeout: 50 * time.Millisecond})
		require.True(t, IsCode(err, CodeInvokeTimeout), "got %v", err)
		return nil
	}))

	require.Eventually(t, func() bool {
		return r.With(id, func(*ExecutionContext) error { return nil }) == nil
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, r.With(id, func(ec *ExecutionContext) error {
		for range 2 {
			res, err := ec.Invoke(ctx, InvokeRequest{TypeName: "mixed", MethodName: "add", ArgsJSON: `[40, 2]`})
			require.NoError(t, err)
			require.JSONEq(t, `42`, string(res))
		}
		_, err := ec.Invoke(ctx, InvokeRequest{TypeName: "mixed", MethodName: "spin", Timeout: 50 * time.Millisecond})
		require.True(t, IsCode(err, CodeInvokeTimeout), "got %v", err)
		return nil
	}))
}

func boolPtr(b bool) *bool { return &b }
