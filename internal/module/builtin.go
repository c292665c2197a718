package module

import (
	"bytes"
	"context"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Universe is the fixed set of native types every context can resolve
// without loading a module.
type Universe struct {
	types map[string]*Type
	names []string
}

var (
	builtinOnce sync.Once
	builtins    *Universe
)

// Builtins returns the shared native type universe. Its types are immutable.
func Builtins() *Universe {
	builtinOnce.Do(func() {
		builtins = newUniverse()
	})
	return builtins
}

func (u *Universe) Lookup(name string) (*Type, bool) {
	t, ok := u.types[name]
	return t, ok
}

func (u *Universe) TypeNames() []string {
	return append([]string(nil), u.names...)
}

type fn struct {
	name string
	impl any
}

func newUniverse() *Universe {
	u := &Universe{types: map[string]*Type{}}

	u.addPackage("strings", []fn{
		{"ToUpper", strings.ToUpper},
		{"ToLower", strings.ToLower},
		{"TrimSpace", strings.TrimSpace},
		{"Repeat", strings.Repeat},
		{"Contains", strings.Contains},
		{"HasPrefix", strings.HasPrefix},
		{"HasSuffix", strings.HasSuffix},
		{"Index", strings.Index},
		{"Join", strings.Join},
		{"Split", strings.Split},
		{"Fields", strings.Fields},
		{"ReplaceAll", strings.ReplaceAll},
	})
	u.addPackage("strconv", []fn{
		{"Itoa", strconv.Itoa},
		{"Atoi", strconv.Atoi},
		{"ParseBool", strconv.ParseBool},
		{"ParseFloat", strconv.ParseFloat},
		{"FormatInt", strconv.FormatInt},
		{"Quote", strconv.Quote},
	})
	u.addPackage("math", []fn{
		{"Abs", math.Abs},
		{"Ceil", math.Ceil},
		{"Floor", math.Floor},
		{"Max", math.Max},
		{"Min", math.Min},
		{"Pow", math.Pow},
		{"Sqrt", math.Sqrt},
	})

	u.addType("strings.Builder", reflect.TypeOf(strings.Builder{}), nil)
	u.addType("bytes.Buffer", reflect.TypeOf(bytes.Buffer{}), []fn{
		{"NewBuffer", bytes.NewBuffer},
		{"NewBufferString", bytes.NewBufferString},
	})

	sort.Strings(u.names)
	return u
}

func (u *Universe) addPackage(name string, fns []fn) {
	t := &Type{Name: name}
	for _, f := range fns {
		t.Static = append(t.Static, funcCallable(f.name, reflect.ValueOf(f.impl)))
	}
	u.types[name] = t
	u.names = append(u.names, name)
}

// addType registers a native struct type. The zero-value constructor comes
// first, then ctors in the given order. Methods are the exported methods of *T.
func (u *Universe) addType(name string, rt reflect.Type, ctors []fn) {
	t := &Type{Name: name}
	t.Constructors = append(t.Constructors, zeroConstructor(rt))
	for _, c := range ctors {
		t.Constructors = append(t.Constructors, funcCallable(c.name, reflect.ValueOf(c.impl)))
	}
	pt := reflect.PointerTo(rt)
	for i := 0; i < pt.NumMethod(); i++ {
		m := pt.Method(i)
		t.Methods = append(t.Methods, methodCallable(m))
	}
	u.types[name] = t
	u.names = append(u.names, name)
}

func funcCallable(name string, fv reflect.Value) *Callable {
	ft := fv.Type()
	return NewCallable(name, paramsOf(ft, 0), resultsOf(ft), ft.IsVariadic(),
		func(_ context.Context, _ reflect.Value, args []reflect.Value) ([]reflect.Value, error) {
			return reflectCall(fv, ft.IsVariadic(), args), nil
		})
}

func zeroConstructor(rt reflect.Type) *Callable {
	return NewCallable("new", nil, []reflect.Type{reflect.PointerTo(rt)}, false,
		func(context.Context, reflect.Value, []reflect.Value) ([]reflect.Value, error) {
			return []reflect.Value{reflect.New(rt)}, nil
		})
}

// methodCallable adapts a method of a pointer type; recv must be that pointer.
func methodCallable(m reflect.Method) *Callable {
	ft := m.Func.Type()
	return NewCallable(m.Name, paramsOf(ft, 1), resultsOf(ft), ft.IsVariadic(),
		func(_ context.Context, recv reflect.Value, args []reflect.Value) ([]reflect.Value, error) {
			in := append([]reflect.Value{recv}, args...)
			return reflectCall(m.Func, ft.IsVariadic(), in), nil
		})
}
