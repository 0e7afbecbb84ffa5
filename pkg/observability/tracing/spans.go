package tracing

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationScope = "github.com/nimburion/jobcoord"

	SpanJobTick     = "job.tick"
	SpanLockAcquire = "lock.acquire"

	AttrJobName       = "job.name"
	AttrJobTickID     = "job.tick_id"
	AttrJobFrequency  = "job.frequency_ms"
	AttrJobOutcome    = "job.outcome"
	AttrJobUnits      = "job.units_of_work"
	AttrLockResources = "lock.resources"
	AttrLockTTL       = "lock.ttl_ms"
)

// StartJobSpan opens the span covering one tick of a job.
func StartJobSpan(ctx context.Context, jobName, tickID string, frequencyMillis int64) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationScope).Start(ctx, SpanJobTick,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(AttrJobName, jobName),
			attribute.String(AttrJobTickID, tickID),
			attribute.Int64(AttrJobFrequency, frequencyMillis),
		),
	)
}

// StartLockSpan opens the span covering a quorum acquisition.
func StartLockSpan(ctx context.Context, resources []string, ttlMillis int64) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationScope).Start(ctx, SpanLockAcquire,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String(AttrLockResources, strings.Join(resources, ",")),
			attribute.Int64(AttrLockTTL, ttlMillis),
		),
	)
}

// SetOutcome records the tick outcome, and the units of work when reported.
func SetOutcome(span trace.Span, outcome string, units *int64) {
	span.SetAttributes(attribute.String(AttrJobOutcome, outcome))
	if units != nil {
		span.SetAttributes(attribute.Int64(AttrJobUnits, *units))
	}
}

// RecordError records an error in the current span and sets the span status to error.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// RecordSuccess sets the span status to OK.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}
