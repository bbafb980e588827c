package otel

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Metrics holds all skillgate metric instruments.
type Metrics struct {
	ScriptDuration  metric.Float64Histogram
	ScriptFallbacks metric.Int64Counter
	ToolDuration    metric.Float64Histogram
	ToolErrors      metric.Int64Counter
	AgentDuration   metric.Float64Histogram
	AgentTokens     metric.Int64Counter
	SessionsActive  metric.Int64UpDownCounter
	AuditFailures   metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ScriptDuration, err = meter.Float64Histogram("skillgate.script.duration",
		metric.WithDescription("Skill script run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ScriptFallbacks, err = meter.Int64Counter("skillgate.script.fallbacks",
		metric.WithDescription("Script runs routed to a remote fallback tool"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolDuration, err = meter.Float64Histogram("skillgate.tool.duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolErrors, err = meter.Int64Counter("skillgate.tool.errors",
		metric.WithDescription("Tool call error count"),
	)
	if err != nil {
		return nil, err
	}

	m.AgentDuration, err = meter.Float64Histogram("skillgate.agent.duration",
		metric.WithDescription("Agent invocation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.AgentTokens, err = meter.Int64Counter("skillgate.agent.tokens",
		metric.WithDescription("Tokens consumed by agent invocations"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionsActive, err = meter.Int64UpDownCounter("skillgate.session.active",
		metric.WithDescription("Agent sessions currently running"),
	)
	if err != nil {
		return nil, err
	}

	m.AuditFailures, err = meter.Int64Counter("skillgate.audit.failures",
		metric.WithDescription("Audit writes that failed and were dropped"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Instruments bundles the tracer and metrics handed to components.
type Instruments struct {
	Tracer  trace.Tracer
	Metrics *Metrics
}

// NewInstruments builds Instruments from an initialized Provider.
func NewInstruments(p *Provider) (*Instruments, error) {
	m, err := NewMetrics(p.Meter)
	if err != nil {
		return nil, err
	}
	return &Instruments{Tracer: p.Tracer, Metrics: m}, nil
}

// NoopInstruments returns instruments that record nothing. Components fall
// back to it when constructed without telemetry.
func NoopInstruments() *Instruments {
	m, err := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	if err != nil {
		// The noop meter never fails.
		panic(err)
	}
	return &Instruments{
		Tracer:  nooptrace.NewTracerProvider().Tracer(TracerName),
		Metrics: m,
	}
}
