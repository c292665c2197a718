package otel

import (
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestInit_DisabledHandsOutNoops(t *testing.T) {
	p, err := Init(context.Background(), Config{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if p.TracerProvider != nil {
		t.Fatal("disabled provider should not build an sdk tracer provider")
	}
	_, span := p.Tracer.Start(context.Background(), "bridge.ping")
	if span.IsRecording() {
		t.Fatal("noop tracer should not record")
	}
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_Exporters(t *testing.T) {
	cases := []struct {
		exporter string
		wantErr  string
	}{
		{exporter: ExporterNone},
		{exporter: ExporterStdout},
		{exporter: "carrier-pigeon", wantErr: "carrier-pigeon"},
	}
	for _, tc := range cases {
		t.Run(tc.exporter, func(t *testing.T) {
			p, err := Init(context.Background(), Config{Enabled: true, Exporter: tc.exporter})
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("expected error mentioning %q, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Init: %v", err)
			}
			defer p.Shutdown(context.Background())
			if p.TracerProvider == nil || p.Meter == nil {
				t.Fatalf("expected sdk providers, got %+v", p)
			}
		})
	}
}

func TestInit_NoneExporterStillRecords(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:        true,
		Exporter:       ExporterNone,
		ServiceVersion: "v0.0.1",
		Channel:        "test",
		SampleRate:     7, // out of range, clamped to always-sample
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	_, span := p.Tracer.Start(context.Background(), "bridge.invoke")
	if !span.IsRecording() {
		t.Fatal("expected a recording span")
	}
	span.End()

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestSpanHelpers_SetKindAndAttributes(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer tp.Shutdown(context.Background())
	tracer := tp.Tracer(TracerName)

	_, s1 := StartServerSpan(context.Background(), tracer, "bridge.invoke", AttrCommand.String("invoke"))
	s1.End()
	_, s2 := StartClientSpan(context.Background(), tracer, "bridge.client.ping")
	s2.End()
	_, s3 := StartSpan(context.Background(), tracer, "bridge.call", AttrMethod.String("Sum"), AttrInstanceID.String("i1"))
	s3.End()

	ended := rec.Ended()
	if len(ended) != 3 {
		t.Fatalf("expected 3 spans, got %d", len(ended))
	}
	wantKinds := []trace.SpanKind{trace.SpanKindServer, trace.SpanKindClient, trace.SpanKindInternal}
	for i, s := range ended {
		if s.SpanKind() != wantKinds[i] {
			t.Fatalf("span %q: kind %v, want %v", s.Name(), s.SpanKind(), wantKinds[i])
		}
	}
	if !hasAttr(ended[0].Attributes(), AttrCommand.String("invoke")) {
		t.Fatalf("server span missing command attribute: %v", ended[0].Attributes())
	}
	if !hasAttr(ended[2].Attributes(), AttrMethod.String("Sum")) {
		t.Fatalf("call span missing method attribute: %v", ended[2].Attributes())
	}
}

func hasAttr(attrs []attribute.KeyValue, want attribute.KeyValue) bool {
	for _, a := range attrs {
		if a == want {
			return true
		}
	}
	return false
}
