package bridge

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/modbridge/internal/audit"
	otelPkg "github.com/basket/modbridge/internal/otel"
	"github.com/basket/modbridge/internal/persistence"
	"github.com/basket/modbridge/internal/protocol"
	"github.com/basket/modbridge/internal/shared"
)

type RouterConfig struct {
	Registry  *Registry
	Validator *protocol.Validator
	Logger    *slog.Logger
	// AuthToken, when non-empty, must match every request's authToken.
	AuthToken string
	// InvokeTimeout applies to create-instance and invoke when the request
	// carries no timeoutMs. 0 disables it.
	InvokeTimeout time.Duration

	Audit   *audit.Logger
	Store   *persistence.Store
	Tracer  trace.Tracer
	Metrics *otelPkg.Metrics
	Watcher *ModuleWatcher
}

// Router turns one raw request into one response.
type Router struct {
	cfg   RouterConfig
	token atomic.Pointer[string]
}

func NewRouter(cfg RouterConfig) *Router {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Validator == nil {
		cfg.Validator = protocol.MustValidator()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry(RegistryConfig{Logger: cfg.Logger})
	}
	r := &Router{cfg: cfg}
	r.SetAuthToken(cfg.AuthToken)
	return r
}

// SetAuthToken replaces the token requests are checked against.
func (r *Router) SetAuthToken(token string) {
	r.token.Store(&token)
}

func (r *Router) Registry() *Registry { return r.cfg.Registry }

func (r *Router) authorized(token string) bool {
	want := *r.token.Load()
	if want == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(token)) == 1
}

// Handle processes one request. stop is true when the caller asked the
// server to shut down; the response must be written first.
func (r *Router) Handle(ctx context.Context, raw []byte) (resp protocol.Response, stop bool) {
	start := time.Now()
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())

	doc, err := protocol.ParseEnvelope(raw)
	if err != nil {
		resp = fail(faultf(CodeMalformedRequest, "malformed request: %v", err))
		r.finish(ctx, "", resp, start)
		return resp, false
	}
	cmd, _ := doc["cmd"].(string)
	token, _ := doc["authToken"].(string)
	contextID, _ := doc["contextId"].(string)
	ctx = shared.WithCommand(ctx, cmd)
	ctx = shared.WithContextID(ctx, contextID)

	if !r.authorized(token) {
		if r.cfg.Metrics != nil {
			r.cfg.Metrics.AuthRejects.Add(ctx, 1)
		}
		r.cfg.Audit.Record(ctx, "deny", "bridge."+cmd, "bad_auth_token", contextID)
		resp = fail(faultf(CodeUnauthorized, "Unauthorized"))
		r.finish(ctx, cmd, resp, start)
		return resp, false
	}
	if !protocol.Known(cmd) {
		resp = fail(faultf(CodeUnknownCommand, "unknown command: %s", cmd))
		r.finish(ctx, cmd, resp, start)
		return resp, false
	}
	if err := r.cfg.Validator.Validate(doc); err != nil {
		resp = fail(faultf(CodeInvalidArgument, "%s", err.Error()))
		r.finish(ctx, cmd, resp, start)
		return resp, false
	}
	var req protocol.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		resp = fail(faultf(CodeMalformedRequest, "malformed request: %v", err))
		r.finish(ctx, cmd, resp, start)
		return resp, false
	}

	ctx, span := otelPkg.StartServerSpan(ctx, r.cfg.Tracer, "bridge."+cmd,
		otelPkg.AttrCommand.String(cmd),
		otelPkg.AttrContextID.String(req.ContextID),
	)
	resp, stop = r.dispatch(ctx, req)
	if !resp.Success {
		span.SetAttributes(otelPkg.AttrErrorCode.String(resp.Code))
		span.SetStatus(codes.Error, resp.Error)
	}
	span.End()

	r.finish(ctx, cmd, resp, start)
	return resp, stop
}

// dispatch runs the handler for req.Cmd, converting errors and panics into
// failure responses.
func (r *Router) dispatch(ctx context.Context, req protocol.Request) (resp protocol.Response, stop bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.cfg.Logger.Error("handler panic", "trace_id", shared.TraceID(ctx), "cmd", req.Cmd, "panic", fmt.Sprint(rec))
			resp, stop = fail(faultf(CodeInternal, "internal error: %v", rec)), false
		}
	}()

	var err error
	switch req.Cmd {
	case protocol.CmdCreateContext:
		resp, err = r.createContext(ctx, req)
	case protocol.CmdDestroyContext:
		resp, err = r.destroyContext(ctx, req)
	case protocol.CmdLoadModuleFromPath:
		resp, err = r.loadModuleFromPath(ctx, req)
	case protocol.CmdLoadModuleBytes:
		resp, err = r.loadModuleFromBytes(ctx, req)
	case protocol.CmdCreateInstance:
		resp, err = r.createInstance(ctx, req)
	case protocol.CmdInvoke:
		resp, err = r.invoke(ctx, req)
	case protocol.CmdReleaseInstance:
		resp, err = r.releaseInstance(ctx, req)
	case protocol.CmdStopServer:
		return protocol.OK(), true
	case protocol.CmdListContexts:
		resp = protocol.OK()
		resp.Contexts = r.cfg.Registry.List()
	case protocol.CmdListModules:
		resp, err = r.listModules(ctx, req)
	case protocol.CmdPing:
		resp = protocol.OK()
	default:
		err = faultf(CodeUnknownCommand, "unknown command: %s", req.Cmd)
	}
	if err != nil {
		return fail(FaultOf(err)), false
	}
	return resp, false
}

func fail(f *Fault) protocol.Response {
	return protocol.Fail(string(f.Code), f.Error())
}

func (r *Router) createContext(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	id, err := r.cfg.Registry.Create(req.ContextID)
	if err != nil {
		return protocol.Response{}, err
	}
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.ActiveContexts.Add(ctx, 1)
	}
	resp := protocol.OK()
	resp.ContextID = id
	return resp, nil
}

func (r *Router) destroyContext(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	instances, err := r.cfg.Registry.Destroy(ctx, req.ContextID)
	if err != nil {
		return protocol.Response{}, err
	}
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.ActiveContexts.Add(ctx, -1)
		r.cfg.Metrics.LiveInstances.Add(ctx, int64(-instances))
	}
	return protocol.OK(), nil
}

func (r *Router) loadModuleFromPath(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	var lm *LoadedModule
	var id string
	err := r.cfg.Registry.With(req.ContextID, func(ec *ExecutionContext) error {
		var err error
		id = ec.ID()
		lm, err = ec.LoadFromPath(ctx, req.Path, req.Alias)
		return err
	})
	if err != nil {
		return protocol.Response{}, err
	}
	r.recordLoad(ctx, id, lm)
	if r.cfg.Watcher != nil {
		if err := r.cfg.Watcher.Watch(id, lm.Alias, lm.Source); err != nil {
			r.cfg.Logger.Warn("module watch failed", "trace_id", shared.TraceID(ctx), "path", lm.Source, "error", err)
		}
	}
	resp := protocol.OK()
	resp.ModuleName = lm.Alias
	return resp, nil
}

func (r *Router) loadModuleFromBytes(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	data, err := base64.StdEncoding.DecodeString(req.BytesBase64)
	if err != nil {
		return protocol.Response{}, wrapFault(CodeInvalidArgument, err, "bytesBase64")
	}
	var lm *LoadedModule
	var id string
	err = r.cfg.Registry.With(req.ContextID, func(ec *ExecutionContext) error {
		var err error
		id = ec.ID()
		lm, err = ec.LoadFromBytes(ctx, data, req.Name)
		return err
	})
	if err != nil {
		return protocol.Response{}, err
	}
	r.recordLoad(ctx, id, lm)
	resp := protocol.OK()
	resp.ModuleName = lm.Alias
	return resp, nil
}

func (r *Router) recordLoad(ctx context.Context, contextID string, lm *LoadedModule) {
	kind := string(lm.Module.Kind())
	trace.SpanFromContext(ctx).SetAttributes(otelPkg.AttrModule.String(lm.Alias), otelPkg.AttrModuleKind.String(kind))
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.ModulesLoaded.Add(ctx, 1, metric.WithAttributes(otelPkg.AttrModuleKind.String(kind)))
	}
	r.cfg.Logger.Info("module loaded",
		"trace_id", shared.TraceID(ctx), "context_id", contextID,
		"alias", lm.Alias, "name", lm.Module.Name(), "kind", kind, "source", lm.Source)
	if r.cfg.Store == nil {
		return
	}
	err := r.cfg.Store.RecordModuleLoad(ctx, persistence.ModuleLoad{
		ContextID: contextID,
		Alias:     lm.Alias,
		Kind:      kind,
		Source:    lm.Source,
		Digest:    lm.Digest,
		Types:     len(lm.Module.TypeNames()),
	})
	if err != nil {
		r.cfg.Logger.Warn("record module load failed", "trace_id", shared.TraceID(ctx), "error", err)
	}
}

// timeout resolves the per-call limit: the request's timeoutMs, capped at
// protocol.MaxTimeoutMs, else the configured default.
func (r *Router) timeout(req protocol.Request) time.Duration {
	if req.TimeoutMs != nil {
		return time.Duration(min(*req.TimeoutMs, protocol.MaxTimeoutMs)) * time.Millisecond
	}
	return r.cfg.InvokeTimeout
}

func (r *Router) createInstance(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	ctx, span := otelPkg.StartSpan(ctx, r.cfg.Tracer, "bridge.construct", otelPkg.AttrTypeName.String(req.TypeName))
	defer span.End()

	start := time.Now()
	var inst *Instance
	err := r.cfg.Registry.With(req.ContextID, func(ec *ExecutionContext) error {
		var err error
		inst, err = ec.CreateInstance(ctx, req.TypeName, req.CtorArgsJSON, r.timeout(req))
		return err
	})
	r.recordCall(ctx, start, err)
	if err != nil {
		return protocol.Response{}, err
	}
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.LiveInstances.Add(ctx, 1)
	}
	span.SetAttributes(otelPkg.AttrInstanceID.String(inst.ID))
	resp := protocol.OK()
	resp.InstanceID = inst.ID
	return resp, nil
}

func (r *Router) invoke(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	ctx, span := otelPkg.StartSpan(ctx, r.cfg.Tracer, "bridge.call",
		otelPkg.AttrTypeName.String(req.TypeName),
		otelPkg.AttrMethod.String(req.MethodName),
		otelPkg.AttrInstanceID.String(req.InstanceID),
	)
	defer span.End()

	start := time.Now()
	var result json.RawMessage
	err := r.cfg.Registry.With(req.ContextID, func(ec *ExecutionContext) error {
		var err error
		result, err = ec.Invoke(ctx, InvokeRequest{
			TypeName:   req.TypeName,
			MethodName: req.MethodName,
			InstanceID: req.InstanceID,
			IsStatic:   req.IsStatic,
			ArgsJSON:   req.ArgsJSON,
			Timeout:    r.timeout(req),
		})
		return err
	})
	r.recordCall(ctx, start, err)
	if err != nil {
		return protocol.Response{}, err
	}
	resp := protocol.OK()
	resp.Result = result
	return resp, nil
}

func (r *Router) recordCall(ctx context.Context, start time.Time, err error) {
	if r.cfg.Metrics == nil {
		return
	}
	r.cfg.Metrics.InvokeDuration.Record(ctx, time.Since(start).Seconds())
	switch {
	case IsCode(err, CodeInvokeTimeout):
		r.cfg.Metrics.InvokeTimeouts.Add(ctx, 1)
	case IsCode(err, CodeInvocationFailed):
		r.cfg.Metrics.InvokeErrors.Add(ctx, 1)
	}
}

func (r *Router) releaseInstance(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	var released bool
	err := r.cfg.Registry.With(req.ContextID, func(ec *ExecutionContext) error {
		released = ec.Release(req.InstanceID)
		return nil
	})
	if err != nil {
		return protocol.Response{}, err
	}
	if released && r.cfg.Metrics != nil {
		r.cfg.Metrics.LiveInstances.Add(ctx, -1)
	}
	resp := protocol.OK()
	resp.Released = &released
	return resp, nil
}

func (r *Router) listModules(_ context.Context, req protocol.Request) (protocol.Response, error) {
	resp := protocol.OK()
	err := r.cfg.Registry.With(req.ContextID, func(ec *ExecutionContext) error {
		resp.Modules = ec.Modules()
		return nil
	})
	if err != nil {
		return protocol.Response{}, err
	}
	return resp, nil
}

// finish records the audit entry, metrics and log line for a request.
func (r *Router) finish(ctx context.Context, cmd string, resp protocol.Response, start time.Time) {
	elapsed := time.Since(start)
	if r.cfg.Metrics != nil {
		attrs := metric.WithAttributes(otelPkg.AttrCommand.String(cmd))
		r.cfg.Metrics.RequestDuration.Record(ctx, elapsed.Seconds(), attrs)
		if !resp.Success {
			r.cfg.Metrics.RequestErrors.Add(ctx, 1, attrs, metric.WithAttributes(otelPkg.AttrErrorCode.String(resp.Code)))
		}
	}

	contextID := shared.ContextID(ctx)
	if resp.Success {
		r.cfg.Audit.Record(ctx, "allow", "bridge."+cmd, "ok", contextID)
		r.cfg.Logger.Info("request handled",
			"trace_id", shared.TraceID(ctx), "cmd", cmd, "context_id", contextID,
			"duration_ms", elapsed.Milliseconds())
		return
	}
	if resp.Code != string(CodeUnauthorized) {
		r.cfg.Audit.Record(ctx, "error", "bridge."+cmd, resp.Code, contextID)
	}
	r.cfg.Logger.Warn("request failed",
		"trace_id", shared.TraceID(ctx), "cmd", cmd, "context_id", contextID,
		"code", resp.Code, "error", resp.Error, "duration_ms", elapsed.Milliseconds())
}
