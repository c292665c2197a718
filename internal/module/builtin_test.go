package module_test

import (
	"context"
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/basket/modbridge/internal/module"
)

func TestBuiltins_StaticCall(t *testing.T) {
	typ, ok := module.Builtins().Lookup("strings")
	require.True(t, ok)

	fn, args, ok := module.Select(typ.StaticNamed("ToUpper"), raws(t, `["abc"]`))
	require.True(t, ok)
	out, err := fn.Call(context.Background(), reflect.Value{}, args)
	require.NoError(t, err)
	require.Equal(t, "ABC", out[0].Interface())
}

func TestBuiltins_AtoiReturnsError(t *testing.T) {
	typ, ok := module.Builtins().Lookup("strconv")
	require.True(t, ok)

	fn, args, ok := module.Select(typ.StaticNamed("Atoi"), raws(t, `["x1"]`))
	require.True(t, ok)
	out, err := fn.Call(context.Background(), reflect.Value{}, args)
	require.NoError(t, err)
	_, err = module.SplitError(out, fn.Results)
	require.Error(t, err)
}

func TestBuiltins_ItoaArguments(t *testing.T) {
	typ, ok := module.Builtins().Lookup("strconv")
	require.True(t, ok)

	_, _, ok = module.Select(typ.StaticNamed("Itoa"), raws(t, `[null]`))
	require.False(t, ok)

	fn, args, ok := module.Select(typ.StaticNamed("Itoa"), raws(t, `[3.0]`))
	require.True(t, ok)
	out, err := fn.Call(context.Background(), reflect.Value{}, args)
	require.NoError(t, err)
	require.Equal(t, "3", out[0].Interface())
}

func TestBuiltins_BytesBufferPrefersStringConstructor(t *testing.T) {
	typ, ok := module.Builtins().Lookup("bytes.Buffer")
	require.True(t, ok)
	require.Len(t, typ.Constructors, 3)

	ctor, args, ok := module.Select(typ.Constructors, raws(t, `["aGVsbG8="]`))
	require.True(t, ok)
	require.Equal(t, "NewBufferString", ctor.Name)

	out, err := ctor.Call(context.Background(), reflect.Value{}, args)
	require.NoError(t, err)
	inst := out[0]

	str, margs, ok := module.Select(typ.MethodsNamed("String"), nil)
	require.True(t, ok)
	res, err := str.Call(context.Background(), inst, margs)
	require.NoError(t, err)
	require.Equal(t, "aGVsbG8=", res[0].Interface())
}

func TestBuiltins_BuilderZeroConstructor(t *testing.T) {
	typ, ok := module.Builtins().Lookup("strings.Builder")
	require.True(t, ok)

	ctor, _, ok := module.Select(typ.Constructors, nil)
	require.True(t, ok)
	out, err := ctor.Call(context.Background(), reflect.Value{}, nil)
	require.NoError(t, err)
	inst := out[0]

	write, args, ok := module.Select(typ.MethodsNamed("WriteString"), raws(t, `["ab"]`))
	require.True(t, ok)
	_, err = write.Call(context.Background(), inst, args)
	require.NoError(t, err)

	str, _, _ := module.Select(typ.MethodsNamed("String"), nil)
	res, err := str.Call(context.Background(), inst, nil)
	require.NoError(t, err)
	require.Equal(t, "ab", res[0].Interface())
}

func TestBuiltins_UnknownType(t *testing.T) {
	_, ok := module.Builtins().Lookup("os.File")
	require.False(t, ok)
	require.Contains(t, module.Builtins().TypeNames(), "math")
}
