package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the bridge's metric instruments.
type Metrics struct {
	RequestDuration metric.Float64Histogram
	RequestErrors   metric.Int64Counter
	AuthRejects     metric.Int64Counter
	InvokeDuration  metric.Float64Histogram
	InvokeErrors    metric.Int64Counter
	InvokeTimeouts  metric.Int64Counter
	ActiveContexts  metric.Int64UpDownCounter
	LiveInstances   metric.Int64UpDownCounter
	ModulesLoaded   metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("modbridge.request.duration",
		metric.WithDescription("Wire request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestErrors, err = meter.Int64Counter("modbridge.request.errors",
		metric.WithDescription("Requests answered with success=false"),
	)
	if err != nil {
		return nil, err
	}

	m.AuthRejects, err = meter.Int64Counter("modbridge.auth.rejects",
		metric.WithDescription("Requests rejected for a bad auth token"),
	)
	if err != nil {
		return nil, err
	}

	m.InvokeDuration, err = meter.Float64Histogram("modbridge.invoke.duration",
		metric.WithDescription("Method and constructor invocation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.InvokeErrors, err = meter.Int64Counter("modbridge.invoke.errors",
		metric.WithDescription("Invocations that failed inside the callee"),
	)
	if err != nil {
		return nil, err
	}

	m.InvokeTimeouts, err = meter.Int64Counter("modbridge.invoke.timeouts",
		metric.WithDescription("Invocations abandoned after their deadline"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveContexts, err = meter.Int64UpDownCounter("modbridge.contexts.active",
		metric.WithDescription("Number of live execution contexts"),
	)
	if err != nil {
		return nil, err
	}

	m.LiveInstances, err = meter.Int64UpDownCounter("modbridge.instances.live",
		metric.WithDescription("Number of instances held across all contexts"),
	)
	if err != nil {
		return nil, err
	}

	m.ModulesLoaded, err = meter.Int64Counter("modbridge.modules.loaded",
		metric.WithDescription("Modules loaded into contexts"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
