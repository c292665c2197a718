package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by bridge spans and metrics.
var (
	AttrCommand    = attribute.Key("modbridge.command")
	AttrContextID  = attribute.Key("modbridge.context.id")
	AttrModule     = attribute.Key("modbridge.module")
	AttrModuleKind = attribute.Key("modbridge.module.kind")
	AttrTypeName   = attribute.Key("modbridge.type")
	AttrMethod     = attribute.Key("modbridge.method")
	AttrInstanceID = attribute.Key("modbridge.instance.id")
	AttrErrorCode  = attribute.Key("modbridge.error.code")
)

func startKind(ctx context.Context, tracer trace.Tracer, kind trace.SpanKind, name string, attrs []attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}

// StartSpan starts an internal span, e.g. a constructor or method call.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return startKind(ctx, tracer, trace.SpanKindInternal, name, attrs)
}

// StartServerSpan starts the span for one request read off the socket.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return startKind(ctx, tracer, trace.SpanKindServer, name, attrs)
}

// StartClientSpan starts the span for a CLI request to the bridge.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return startKind(ctx, tracer, trace.SpanKindClient, name, attrs)
}
