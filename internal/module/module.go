// Package module loads executable code into an execution context and exposes
// it as named types with constructors, static callables and instance
// callables. Go source is interpreted with yaegi, WebAssembly runs on wazero,
// and a fixed universe of native types is reachable through reflect.
package module

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
)

type Kind string

const (
	KindGo      Kind = "go"
	KindWasm    Kind = "wasm"
	KindBuiltin Kind = "builtin"
)

var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

// ErrEmptyModule is returned when Load is handed no bytes.
var ErrEmptyModule = errors.New("module is empty")

// Module is one unit of loaded code.
type Module interface {
	// Name is the intrinsic name: package name, wasm name section, file stem
	// or a digest-derived fallback.
	Name() string
	Kind() Kind
	// Bind tells the module the alias it is registered under.
	Bind(alias string)
	Lookup(typeName string) (*Type, bool)
	TypeNames() []string
	Close(ctx context.Context) error
}

// Type is a resolvable type: an ordered set of constructors, static callables
// and instance callables.
type Type struct {
	Name         string
	Constructors []*Callable
	Static       []*Callable
	Methods      []*Callable
}

// StaticNamed returns the static callables called name, in declaration order.
func (t *Type) StaticNamed(name string) []*Callable {
	return named(t.Static, name)
}

// MethodsNamed returns the instance callables called name, in declaration order.
func (t *Type) MethodsNamed(name string) []*Callable {
	return named(t.Methods, name)
}

func named(list []*Callable, name string) []*Callable {
	var out []*Callable
	for _, c := range list {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// CallFunc performs the underlying call. recv is the zero Value for
// constructors and static callables.
type CallFunc func(ctx context.Context, recv reflect.Value, args []reflect.Value) ([]reflect.Value, error)

// Callable is one invocable constructor, function or method.
type Callable struct {
	Name     string
	Params   []reflect.Type
	Results  []reflect.Type
	Variadic bool
	call     CallFunc
}

func NewCallable(name string, params, results []reflect.Type, variadic bool, fn CallFunc) *Callable {
	return &Callable{Name: name, Params: params, Results: results, Variadic: variadic, call: fn}
}

func (c *Callable) Arity() int { return len(c.Params) }

// PanicError wraps a panic raised inside invoked code.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Call runs the callable, converting a panic in the callee into *PanicError.
func (c *Callable) Call(ctx context.Context, recv reflect.Value, args []reflect.Value) (out []reflect.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = &PanicError{Value: r}
		}
	}()
	return c.call(ctx, recv, args)
}

// reflectCall calls fn with args, spreading a trailing slice for variadic functions.
func reflectCall(fn reflect.Value, variadic bool, args []reflect.Value) []reflect.Value {
	if variadic {
		return fn.CallSlice(args)
	}
	return fn.Call(args)
}

func paramsOf(ft reflect.Type, skip int) []reflect.Type {
	params := make([]reflect.Type, 0, ft.NumIn()-skip)
	for i := skip; i < ft.NumIn(); i++ {
		params = append(params, ft.In(i))
	}
	return params
}

func resultsOf(ft reflect.Type) []reflect.Type {
	results := make([]reflect.Type, 0, ft.NumOut())
	for i := 0; i < ft.NumOut(); i++ {
		results = append(results, ft.Out(i))
	}
	return results
}

// IsWasm reports whether data starts with the WebAssembly magic number.
func IsWasm(data []byte) bool {
	return bytes.HasPrefix(data, wasmMagic)
}

// Digest returns the hex sha256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// nameFromPath returns the file stem of path.
func nameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// fallbackName derives an intrinsic name for anonymous byte loads.
func fallbackName(prefix string, data []byte) string {
	return prefix + "_" + Digest(data)[:8]
}
