package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "injectline/internal/engine"

type instruments struct {
	cycles         metric.Int64Counter
	cycleFailures  metric.Int64Counter
	cycleDuration  metric.Float64Histogram
	dispatched     metric.Int64Counter
	withheld       metric.Int64Counter
	maybePrevented metric.Int64Counter
	expired        metric.Int64Counter
	callbacks      metric.Int64Counter
}

func newInstruments() *instruments {
	m := otel.Meter(instrumentationName)
	in := &instruments{}
	in.cycles, _ = m.Int64Counter("injectline_cycles_total", metric.WithDescription("Orchestrator cycles run"))
	in.cycleFailures, _ = m.Int64Counter("injectline_cycle_failures_total", metric.WithDescription("Orchestrator cycles aborted by an error"))
	in.cycleDuration, _ = m.Float64Histogram("injectline_cycle_duration_seconds", metric.WithUnit("s"))
	in.dispatched, _ = m.Int64Counter("injectline_injects_dispatched_total", metric.WithDescription("Injects dispatched by outcome"))
	in.withheld, _ = m.Int64Counter("injectline_injects_withheld_total", metric.WithDescription("Injects withheld by the dependency gate"))
	in.maybePrevented, _ = m.Int64Counter("injectline_injects_maybe_prevented_total")
	in.expired, _ = m.Int64Counter("injectline_expectations_expired_total", metric.WithDescription("Expectations scored by the expiration resolver"))
	in.callbacks, _ = m.Int64Counter("injectline_execution_callbacks_total")
	return in
}

func (e *Engine) instruments() *instruments {
	e.metricsOnce.Do(func() { e.metrics = newInstruments() })
	return e.metrics
}

func (e *Engine) tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

func (in *instruments) countDispatch(ctx context.Context, outcome string) {
	if in.dispatched != nil {
		in.dispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func add(ctx context.Context, c metric.Int64Counter, n int) {
	if c != nil && n > 0 {
		c.Add(ctx, int64(n))
	}
}
