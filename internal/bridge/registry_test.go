package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/basket/modbridge/internal/module"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry() *Registry {
	return NewRegistry(RegistryConfig{Logger: quietLogger()})
}

// stubModule is a module whose lookups panic and whose teardown can fail.
type stubModule struct {
	closeErr error
	closed   int
}

func (m *stubModule) Name() string                       { return "stub" }
func (m *stubModule) Kind() module.Kind                  { return module.KindGo }
func (m *stubModule) Bind(string)                        {}
func (m *stubModule) Lookup(string) (*module.Type, bool) { panic("lookup exploded") }
func (m *stubModule) TypeNames() []string                { return nil }
func (m *stubModule) Close(context.Context) error {
	m.closed++
	return m.closeErr
}

func TestRegistry_CreateDuplicateIsCaseInsensitive(t *testing.T) {
	defer goleak.VerifyNone(t)
	r := newTestRegistry()

	id, err := r.Create("Alpha")
	require.NoError(t, err)
	require.Equal(t, "Alpha", id)

	_, err = r.Create("alpha")
	require.True(t, IsCode(err, CodeDuplicateContext), "got %v", err)

	ec, err := r.Lookup("ALPHA")
	require.NoError(t, err)
	require.Equal(t, "Alpha", ec.ID())
}

func TestRegistry_GeneratedIDsAreFresh(t *testing.T) {
	r := newTestRegistry()
	hex32 := regexp.MustCompile(`^[0-9a-f]{32}$`)
	seen := map[string]bool{}
	for range 50 {
		id, err := r.Create("")
		require.NoError(t, err)
		require.Regexp(t, hex32, id)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	require.Equal(t, 50, r.Len())
}

func TestRegistry_DestroyThenLookup(t *testing.T) {
	r := newTestRegistry()
	id, err := r.Create("")
	require.NoError(t, err)
	require.NoError(t, r.With(id, func(ec *ExecutionContext) error {
		for range 2 {
			_, err := ec.CreateInstance(context.Background(), "strings.Builder", "", 0)
			require.NoError(t, err)
		}
		return nil
	}))

	released, err := r.Destroy(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, 2, released)
	_, err = r.Lookup(id)
	require.True(t, IsCode(err, CodeContextNotFound), "got %v", err)

	_, err = r.Destroy(context.Background(), id)
	require.True(t, IsCode(err, CodeContextNotFound), "got %v", err)
}

func TestRegistry_FailedTeardownKeepsEntry(t *testing.T) {
	r := newTestRegistry()
	id, err := r.Create("keep")
	require.NoError(t, err)

	stub := &stubModule{closeErr: errors.New("handle busy")}
	require.NoError(t, r.With(id, func(ec *ExecutionContext) error {
		ec.register(context.Background(), &LoadedModule{Alias: "stub", Module: stub})
		return nil
	}))

	_, err = r.Destroy(context.Background(), id)
	require.True(t, IsCode(err, CodeTeardownFailed), "got %v", err)
	require.Contains(t, err.Error(), "handle busy")
	_, err = r.Lookup(id)
	require.NoError(t, err)

	stub.closeErr = nil
	_, err = r.Destroy(context.Background(), id)
	require.NoError(t, err)
}

func TestRegistry_StopAllSwallowsFailures(t *testing.T) {
	r := newTestRegistry()
	for _, id := range []string{"a", "b", "c"} {
		_, err := r.Create(id)
		require.NoError(t, err)
	}
	stub := &stubModule{closeErr: errors.New("stuck")}
	require.NoError(t, r.With("b", func(ec *ExecutionContext) error {
		ec.register(context.Background(), &LoadedModule{Alias: "stub", Module: stub})
		return nil
	}))

	r.StopAll(context.Background())
	require.Equal(t, 0, r.Len())
	require.Equal(t, 1, stub.closed)

	r.StopAll(context.Background())
	require.Equal(t, 0, r.Len())
}

func TestResolveType_PanickingModuleCountsAsNotFound(t *testing.T) {
	r := newTestRegistry()
	id, err := r.Create("")
	require.NoError(t, err)
	require.NoError(t, r.With(id, func(ec *ExecutionContext) error {
		ec.register(context.Background(), &LoadedModule{Alias: "stub", Module: &stubModule{}})
		require.NotNil(t, ec.ResolveType("strings.Builder"))
		require.Nil(t, ec.ResolveType("nope.Nothing"))
		return nil
	}))
}

func TestRegistry_WithUnknownContext(t *testing.T) {
	r := newTestRegistry()
	called := false
	err := r.With("missing", func(*ExecutionContext) error {
		called = true
		return nil
	})
	require.True(t, IsCode(err, CodeContextNotFound))
	require.False(t, called)
}

func TestRegistry_ListAndStats(t *testing.T) {
	r := newTestRegistry()
	require.NotNil(t, r.List())
	require.Empty(t, r.List())

	_, err := r.Create("b")
	require.NoError(t, err)
	_, err = r.Create("a")
	require.NoError(t, err)
	require.NoError(t, r.With("a", func(ec *ExecutionContext) error {
		_, err := ec.CreateInstance(context.Background(), "strings.Builder", "", 0)
		return err
	}))

	list := r.List()
	require.Len(t, list, 2)
	require.Equal(t, "a", list[0].ID)
	require.Equal(t, 1, list[0].Instances)
	require.Equal(t, Stats{Contexts: 2, Modules: 0, Instances: 1}, r.Stats())
}
