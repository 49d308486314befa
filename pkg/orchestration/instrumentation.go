package orchestration

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/itsneelabh/labelagent/pkg/logger"
	"github.com/itsneelabh/labelagent/pkg/telemetry"
)

// Span and metric names
const (
	spanPlanRun  = "labelagent.plan.run"
	spanStep     = "labelagent.step"
	spanEscalate = "labelagent.escalate"

	metricInvocations = "labelagent.step.invocations"
	metricFailures    = "labelagent.step.failures"
	metricSkipped     = "labelagent.step.skipped"
	metricEscalations = "labelagent.escalations"
)

type instruments struct {
	tracer      trace.Tracer
	invocations metric.Int64Counter
	failures    metric.Int64Counter
	skipped     metric.Int64Counter
	escalations metric.Int64Counter
}

func newInstruments(tp trace.TracerProvider, mp metric.MeterProvider, log logger.Logger) *instruments {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(telemetry.InstrumentationName)

	counter := func(name, description string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(description))
		if err != nil {
			log.Warn("counter unavailable, recording nothing", "metric", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &instruments{
		tracer:      tp.Tracer(telemetry.InstrumentationName),
		invocations: counter(metricInvocations, "Endpoint invocations issued, fan-out elements included"),
		failures:    counter(metricFailures, "Steps that ran and failed"),
		skipped:     counter(metricSkipped, "Steps skipped by skip policy"),
		escalations: counter(metricEscalations, "Escalation decisions by outcome"),
	}
}

func (in *instruments) countInvocation(ctx context.Context, method string) {
	in.invocations.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
}

func (in *instruments) countStep(ctx context.Context, r StepResult) {
	switch {
	case r.Skipped:
		in.skipped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", r.SkipReason)))
	case !r.Succeeded:
		in.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(r.ErrorKind))))
	}
}

func (in *instruments) countEscalation(ctx context.Context, outcome string) {
	in.escalations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func stepAttributes(r StepResult) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.Int("labelagent.step.number", r.StepNumber),
		attribute.String("labelagent.step.method", r.Method),
		attribute.Bool("labelagent.step.succeeded", r.Succeeded),
		attribute.Bool("labelagent.step.skipped", r.Skipped),
	}
	if r.Path != "" {
		attrs = append(attrs, attribute.String("labelagent.step.path", r.Path))
	}
	if r.StatusCode != 0 {
		attrs = append(attrs, attribute.Int("labelagent.step.status_code", r.StatusCode))
	}
	if r.SkipReason != "" {
		attrs = append(attrs, attribute.String("labelagent.step.skip_reason", r.SkipReason))
	}
	if len(r.FanOut) > 0 {
		attrs = append(attrs, attribute.Int("labelagent.step.fan_out", len(r.FanOut)))
	}
	return attrs
}
