package module_test

import (
	"context"
	"io"
	"log/slog"
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/basket/modbridge/internal/module"
)

const sampleSource = `package sample

import (
	"errors"
	"strings"
)

type Greeter struct {
	Prefix string
}

func NewGreeter(prefix string) *Greeter {
	return &Greeter{Prefix: prefix}
}

func (g *Greeter) Greet(name string) string {
	return g.Prefix + ", " + name
}

func (g *Greeter) Shout(name string) string {
	return strings.ToUpper(g.Greet(name))
}

type Counter struct {
	n int
}

func (c *Counter) Inc(by int) int {
	c.n += by
	return c.n
}

func Add(a, b int) int { return a + b }

func Fail(msg string) (int, error) { return 0, errors.New(msg) }

func Boom() int { panic("boom") }

func hidden() int { return 1 }
`

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func loadSample(t *testing.T) module.Module {
	t.Helper()
	l := module.NewLoader(module.LoaderConfig{Logger: quietLogger()})
	t.Cleanup(func() { _ = l.Close(context.Background()) })
	m, err := l.Load(context.Background(), []byte(sampleSource), "")
	require.NoError(t, err)
	require.Equal(t, module.KindGo, m.Kind())
	require.Equal(t, "sample", m.Name())
	return m
}

func TestGoSource_TypeNames(t *testing.T) {
	m := loadSample(t)
	require.Equal(t, []string{"sample", "sample.Greeter", "sample.Counter"}, m.TypeNames())
}

func TestGoSource_ConstructorAndMethods(t *testing.T) {
	m := loadSample(t)
	typ, ok := m.Lookup("sample.Greeter")
	require.True(t, ok)
	require.Len(t, typ.Constructors, 1)

	ctor, args, ok := module.Select(typ.Constructors, raws(t, `["Hello"]`))
	require.True(t, ok)
	out, err := ctor.Call(context.Background(), reflect.Value{}, args)
	require.NoError(t, err)
	inst := out[0]

	greet, margs, ok := module.Select(typ.MethodsNamed("Greet"), raws(t, `["Ada"]`))
	require.True(t, ok)
	res, err := greet.Call(context.Background(), inst, margs)
	require.NoError(t, err)
	require.Equal(t, "Hello, Ada", res[0].Interface())

	shout, margs, ok := module.Select(typ.MethodsNamed("Shout"), raws(t, `["Ada"]`))
	require.True(t, ok)
	res, err = shout.Call(context.Background(), inst, margs)
	require.NoError(t, err)
	require.Equal(t, "HELLO, ADA", res[0].Interface())
}

func TestGoSource_ImplicitZeroConstructor(t *testing.T) {
	m := loadSample(t)
	typ, ok := m.Lookup("sample.Counter")
	require.True(t, ok)
	require.Len(t, typ.Constructors, 1)

	out, err := typ.Constructors[0].Call(context.Background(), reflect.Value{}, nil)
	require.NoError(t, err)
	inst := out[0]

	inc, args, ok := module.Select(typ.MethodsNamed("Inc"), raws(t, `[2]`))
	require.True(t, ok)
	_, err = inc.Call(context.Background(), inst, args)
	require.NoError(t, err)
	res, err := inc.Call(context.Background(), inst, args)
	require.NoError(t, err)
	require.EqualValues(t, 4, res[0].Int())
}

func TestGoSource_Statics(t *testing.T) {
	m := loadSample(t)
	pkg, ok := m.Lookup("sample")
	require.True(t, ok)
	require.Empty(t, pkg.StaticNamed("hidden"))

	add, args, ok := module.Select(pkg.StaticNamed("Add"), raws(t, `[2, 3]`))
	require.True(t, ok)
	res, err := add.Call(context.Background(), reflect.Value{}, args)
	require.NoError(t, err)
	require.EqualValues(t, 5, res[0].Int())

	typ, _ := m.Lookup("sample.Greeter")
	require.Len(t, typ.StaticNamed("Add"), 1)
}

func TestGoSource_ErrorResultAndPanic(t *testing.T) {
	m := loadSample(t)
	pkg, _ := m.Lookup("sample")

	fail, args, ok := module.Select(pkg.StaticNamed("Fail"), raws(t, `["no luck"]`))
	require.True(t, ok)
	out, err := fail.Call(context.Background(), reflect.Value{}, args)
	require.NoError(t, err)
	_, err = module.SplitError(out, fail.Results)
	require.EqualError(t, err, "no luck")

	boom, _, ok := module.Select(pkg.StaticNamed("Boom"), nil)
	require.True(t, ok)
	_, err = boom.Call(context.Background(), reflect.Value{}, nil)
	var pe *module.PanicError
	require.ErrorAs(t, err, &pe)
}

func TestGoSource_RejectsInvalidSource(t *testing.T) {
	l := module.NewLoader(module.LoaderConfig{Logger: quietLogger()})
	_, err := l.Load(context.Background(), []byte("this is not go"), "")
	require.Error(t, err)

	_, err = l.Load(context.Background(), nil, "")
	require.ErrorIs(t, err, module.ErrEmptyModule)
}
