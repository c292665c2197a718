// Package otel wires OpenTelemetry tracing and metrics for the bridge daemon.
// A disabled provider hands out no-op tracers and meters.
package otel

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	TracerName = "modbridge"
	MeterName  = "modbridge"

	defaultServiceName  = "modbridge"
	defaultOTLPEndpoint = "localhost:4318"
)

// Exporters accepted in Config.Exporter. The empty string means ExporterOTLP.
const (
	ExporterOTLP   = "otlp-http"
	ExporterStdout = "stdout"
	ExporterNone   = "none"
)

// Config selects where bridge spans go and how they are sampled.
type Config struct {
	Enabled     bool
	Exporter    string
	Endpoint    string
	ServiceName string
	// ServiceVersion and Channel become resource attributes so spans from
	// several daemons on one host can be told apart.
	ServiceVersion string
	Channel        string
	SampleRate     float64
	// MetricsEnabled nil means enabled. When false, extra reader options
	// passed to Init are ignored.
	MetricsEnabled *bool
}

// Provider bundles the tracer and meter handed to the router.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter

	closers []func(context.Context) error
}

// Init builds the providers for cfg. Callers must Shutdown the result.
func Init(ctx context.Context, cfg Config, opts ...sdkmetric.Option) (*Provider, error) {
	if !cfg.Enabled {
		return disabled(), nil
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	tp, err := newTracerProvider(ctx, cfg, res)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)

	metricOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if cfg.MetricsEnabled == nil || *cfg.MetricsEnabled {
		metricOpts = append(metricOpts, opts...)
	}
	mp := sdkmetric.NewMeterProvider(metricOpts...)

	return &Provider{
		TracerProvider: tp,
		MeterProvider:  mp,
		Tracer:         tp.Tracer(TracerName),
		Meter:          mp.Meter(MeterName),
		closers:        []func(context.Context) error{tp.Shutdown, mp.Shutdown},
	}, nil
}

func disabled() *Provider {
	mp := noop.NewMeterProvider()
	return &Provider{
		MeterProvider: mp,
		Tracer:        nooptrace.NewTracerProvider().Tracer(TracerName),
		Meter:         mp.Meter(MeterName),
	}
}

func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = defaultServiceName
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(name)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	if cfg.Channel != "" {
		attrs = append(attrs, attribute.String("modbridge.channel", cfg.Channel))
	}
	return resource.New(ctx, resource.WithAttributes(attrs...))
}

func newTracerProvider(ctx context.Context, cfg Config, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	rate := cfg.SampleRate
	if rate <= 0 || rate > 1 {
		rate = 1
	}
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	}

	switch cfg.Exporter {
	case ExporterOTLP, "":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultOTLPEndpoint
		}
		exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("create otlp exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	case ExporterStdout:
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
		// Synchronous so CLI runs flush before exit.
		opts = append(opts, sdktrace.WithSyncer(exp))
	case ExporterNone:
		// Spans are still recorded and sampled, just never exported.
	default:
		return nil, fmt.Errorf("unknown exporter %q (supported: %s, %s, %s)",
			cfg.Exporter, ExporterOTLP, ExporterStdout, ExporterNone)
	}
	return sdktrace.NewTracerProvider(opts...), nil
}

// Shutdown flushes pending spans and metrics. It is safe on a disabled provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, c := range p.closers {
		errs = append(errs, c(ctx))
	}
	p.closers = nil
	return errors.Join(errs...)
}
