package module

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// goModule is a Go source file evaluated by its own yaegi interpreter.
type goModule struct {
	name  string
	types map[string]*Type
	order []string
	// interpreter is kept alive for the module's lifetime; every callable
	// closes over values it owns.
	interpreter *interp.Interpreter
}

func loadGoSource(ctx context.Context, src []byte, source string, logger *slog.Logger) (*goModule, error) {
	filename := source
	if filename == "" {
		filename = "module.go"
	}
	idx, err := indexGoSource(filename, src)
	if err != nil {
		return nil, fmt.Errorf("parse go source: %w", err)
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("load stdlib symbols: %w", err)
	}
	if _, err := i.EvalWithContext(ctx, string(src)); err != nil {
		return nil, fmt.Errorf("evaluate package %s: %w", idx.pkg, err)
	}
	// Wrapper literals are evaluated in the interpreter's main package and
	// may name the module's imported types.
	for _, imp := range idx.imports {
		if _, err := i.Eval("import " + imp); err != nil {
			logger.Warn("go module import unavailable to wrappers", "module", idx.pkg, "import", imp, "error", err)
		}
	}

	m := &goModule{name: idx.pkg, types: map[string]*Type{}, interpreter: i}

	var statics []*Callable
	byName := map[string]*Callable{}
	for _, f := range idx.funcs {
		v, err := i.Eval(idx.pkg + "." + f.name)
		if err != nil || v.Kind() != reflect.Func {
			logger.Warn("go module function skipped", "module", idx.pkg, "func", f.name, "error", err)
			continue
		}
		c := funcCallable(f.name, v)
		statics = append(statics, c)
		byName[f.name] = c
	}
	m.add(&Type{Name: idx.pkg, Static: statics})

	for _, td := range idx.types {
		t := &Type{Name: idx.pkg + "." + td.name, Static: statics}
		for _, f := range idx.funcs {
			if c, ok := byName[f.name]; ok && f.ctorFor == td.name {
				t.Constructors = append(t.Constructors, c)
			}
		}
		if len(t.Constructors) == 0 && td.isStruct {
			v, err := i.Eval("(" + idx.zeroConstructorSource(td.name) + ")")
			if err == nil && v.Kind() == reflect.Func {
				t.Constructors = append(t.Constructors, funcCallable("new", v))
			} else {
				logger.Warn("go module zero constructor skipped", "type", t.Name, "error", err)
			}
		}
		for _, md := range idx.methods[td.name] {
			v, err := i.Eval("(" + idx.methodWrapper(md) + ")")
			if err != nil || v.Kind() != reflect.Func {
				logger.Warn("go module method skipped", "type", t.Name, "method", md.name, "error", err)
				continue
			}
			t.Methods = append(t.Methods, wrapperCallable(md.name, v))
		}
		m.add(t)
	}
	return m, nil
}

func (m *goModule) add(t *Type) {
	m.types[t.Name] = t
	m.order = append(m.order, t.Name)
}

func (m *goModule) Name() string { return m.name }
func (m *goModule) Kind() Kind   { return KindGo }
func (m *goModule) Bind(string)  {}

func (m *goModule) Lookup(typeName string) (*Type, bool) {
	t, ok := m.types[typeName]
	return t, ok
}

func (m *goModule) TypeNames() []string {
	return append([]string(nil), m.order...)
}

func (m *goModule) Close(context.Context) error {
	m.interpreter = nil
	return nil
}

// wrapperCallable adapts a func whose first parameter is the receiver.
func wrapperCallable(name string, fv reflect.Value) *Callable {
	ft := fv.Type()
	recvType := ft.In(0)
	return NewCallable(name, paramsOf(ft, 1), resultsOf(ft), ft.IsVariadic(),
		func(_ context.Context, recv reflect.Value, args []reflect.Value) ([]reflect.Value, error) {
			if !recv.IsValid() || !recv.Type().AssignableTo(recvType) {
				return nil, fmt.Errorf("receiver is not a %s", recvType)
			}
			in := append([]reflect.Value{recv}, args...)
			return reflectCall(fv, ft.IsVariadic(), in), nil
		})
}
