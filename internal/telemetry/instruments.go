package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const coreScopeName = "lawline/core"

// Instruments holds the core counters. A nil *Instruments records nothing.
type Instruments struct {
	tracer    trace.Tracer
	decisions metric.Int64Counter
	evalDur   metric.Float64Histogram
	advances  metric.Int64Counter
	errs      metric.Int64Counter
}

// NewInstruments binds instruments to the current global providers, so call
// it after Init.
func NewInstruments() *Instruments {
	m := Meter(coreScopeName)
	decisions, _ := m.Int64Counter("lawline.policy.decisions",
		metric.WithDescription("Policy decisions by effect and reason"),
	)
	evalDur, _ := m.Float64Histogram("lawline.policy.evaluation.duration",
		metric.WithDescription("Policy evaluation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	advances, _ := m.Int64Counter("lawline.lifecycle.advances",
		metric.WithDescription("Advance attempts by step, action and outcome"),
	)
	errs, _ := m.Int64Counter("lawline.errors",
		metric.WithDescription("Core operation errors"),
	)
	return &Instruments{
		tracer:    Tracer(coreScopeName),
		decisions: decisions,
		evalDur:   evalDur,
		advances:  advances,
		errs:      errs,
	}
}

// Start opens a span. End it with Finish.
func (i *Instruments) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if i == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return i.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (i *Instruments) Finish(ctx context.Context, span trace.Span, err error) {
	if i == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		i.errs.Add(ctx, 1, metric.WithAttributes(attribute.String("span", spanName(span))))
	}
	span.End()
}

func (i *Instruments) RecordDecision(ctx context.Context, actionType, effect, reasonCode string, started time.Time) {
	if i == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("action_type", actionType),
		attribute.String("effect", effect),
		attribute.String("reason_code", reasonCode),
	)
	i.decisions.Add(ctx, 1, attrs)
	i.evalDur.Record(ctx, float64(time.Since(started).Microseconds())/1000, attrs)
}

func (i *Instruments) RecordAdvance(ctx context.Context, step, action string, blocked bool) {
	if i == nil {
		return
	}
	i.advances.Add(ctx, 1, metric.WithAttributes(
		attribute.String("step", step),
		attribute.String("action", action),
		attribute.Bool("blocked", blocked),
	))
}

func spanName(span trace.Span) string {
	if ro, ok := span.(interface{ Name() string }); ok {
		return ro.Name()
	}
	return "unknown"
}
