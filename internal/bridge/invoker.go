package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"time"

	"github.com/basket/modbridge/internal/module"
)

// InvokeRequest names a static or instance callable and its JSON arguments.
type InvokeRequest struct {
	TypeName   string
	MethodName string
	InstanceID string
	// IsStatic nil means static exactly when InstanceID is empty.
	IsStatic *bool
	ArgsJSON string
	Timeout  time.Duration
}

// CreateInstance resolves typeName, picks the best constructor for the
// arguments and stores the result as a new instance.
func (c *ExecutionContext) CreateInstance(ctx context.Context, typeName, ctorArgsJSON string, timeout time.Duration) (*Instance, error) {
	typ := c.ResolveType(typeName)
	if typ == nil {
		return nil, faultf(CodeTypeNotFound, "type not found: %s", typeName)
	}
	args, err := module.ParseArgs(ctorArgsJSON)
	if err != nil {
		return nil, wrapFault(CodeInvalidArgument, err, "ctorArgsJson")
	}
	ctor, values, ok := module.Select(typ.Constructors, args)
	if !ok {
		return nil, faultf(CodeConstructorNotFound, "no constructor for %s accepts %d argument(s)", typ.Name, len(args))
	}
	out, err := c.callWithTimeout(ctx, timeout, ctor, reflect.Value{}, values)
	if err != nil {
		return nil, callFault(typ.Name, ctor.Name, err)
	}
	out, err = module.SplitError(out, ctor.Results)
	if err != nil {
		return nil, wrapFault(CodeInvocationFailed, err, typ.Name+"."+ctor.Name)
	}
	if len(out) == 0 {
		return nil, faultf(CodeInvocationFailed, "constructor %s.%s returned no value", typ.Name, ctor.Name)
	}
	v := out[0]
	if v.Kind() == reflect.Interface {
		v = v.Elem()
	}
	switch {
	case !v.IsValid(), v.Kind() == reflect.Pointer && v.IsNil():
		return nil, faultf(CodeInvocationFailed, "constructor %s.%s returned nil", typ.Name, ctor.Name)
	case v.Kind() != reflect.Pointer:
		// Instances are always addressable so pointer methods apply.
		p := reflect.New(v.Type())
		p.Elem().Set(v)
		v = p
	}
	return c.instances.add(typ, v), nil
}

// Invoke calls a static callable of a type or a method of an instance and
// returns its JSON-encoded result.
func (c *ExecutionContext) Invoke(ctx context.Context, req InvokeRequest) (json.RawMessage, error) {
	static := req.InstanceID == ""
	if req.IsStatic != nil {
		static = *req.IsStatic
	}

	var (
		typ  *module.Type
		recv reflect.Value
	)
	if req.InstanceID != "" {
		inst, ok := c.instances.get(req.InstanceID)
		if !ok {
			return nil, faultf(CodeInstanceNotFound, "instance not found: %s", req.InstanceID)
		}
		typ = inst.Type
		if !static {
			recv = inst.Value
		}
	} else {
		if !static {
			return nil, faultf(CodeInvalidArgument, "instanceId is required to invoke instance method %s", req.MethodName)
		}
		typ = c.ResolveType(req.TypeName)
		if typ == nil {
			return nil, faultf(CodeTypeNotFound, "type not found: %s", req.TypeName)
		}
	}

	args, err := module.ParseArgs(req.ArgsJSON)
	if err != nil {
		return nil, wrapFault(CodeInvalidArgument, err, "argsJson")
	}
	candidates := typ.MethodsNamed(req.MethodName)
	binding := "instance"
	if static {
		candidates = typ.StaticNamed(req.MethodName)
		binding = "static"
	}
	fn, values, ok := module.Select(candidates, args)
	if !ok {
		return nil, faultf(CodeMethodNotFound, "no %s method %s.%s accepts %d argument(s)", binding, typ.Name, req.MethodName, len(args))
	}

	out, err := c.callWithTimeout(ctx, req.Timeout, fn, recv, values)
	if err != nil {
		return nil, callFault(typ.Name, fn.Name, err)
	}
	out, err = module.SplitError(out, fn.Results)
	if err != nil {
		return nil, wrapFault(CodeInvocationFailed, err, typ.Name+"."+fn.Name)
	}
	result, err := module.EncodeResults(out)
	if err != nil {
		return nil, wrapFault(CodeInvocationFailed, err, "encode result")
	}
	return result, nil
}

type callOutcome struct {
	out []reflect.Value
	err error
}

// callWithTimeout runs fn, abandoning it once timeout elapses. Wasm calls
// observe the context and stop; interpreted and native calls keep running
// on their own goroutine until they return, and the context stays busy
// until then.
func (c *ExecutionContext) callWithTimeout(ctx context.Context, timeout time.Duration, fn *module.Callable, recv reflect.Value, args []reflect.Value) ([]reflect.Value, error) {
	if timeout <= 0 {
		return fn.Call(ctx, recv, args)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan callOutcome, 1)
	returned := make(chan struct{})
	go func() {
		defer close(returned)
		out, err := fn.Call(ctx, recv, args)
		done <- callOutcome{out: out, err: err}
	}()
	select {
	case res := <-done:
		return res.out, res.err
	case <-ctx.Done():
		c.abandoned = returned
		c.logger.Warn("call abandoned after timeout", "context_id", c.id, "callable", fn.Name, "timeout", timeout)
		return nil, faultf(CodeInvokeTimeout, "%s did not return within %s", fn.Name, timeout)
	}
}

// Busy reports whether a call abandoned after a timeout is still running.
func (c *ExecutionContext) Busy() bool {
	if c.abandoned == nil {
		return false
	}
	select {
	case <-c.abandoned:
		c.abandoned = nil
		return false
	default:
		return true
	}
}

// callFault maps a failed call onto a Fault.
func callFault(typeName, name string, err error) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	var pe *module.PanicError
	if errors.As(err, &pe) {
		return faultf(CodeInvocationFailed, "%s.%s panicked: %v", typeName, name, pe.Value)
	}
	var wf *module.WasmFault
	if errors.As(err, &wf) && wf.Timeout() {
		return wrapFault(CodeInvokeTimeout, err, typeName+"."+name)
	}
	return wrapFault(CodeInvocationFailed, err, typeName+"."+name)
}
