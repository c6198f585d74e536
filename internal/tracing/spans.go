package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// StartOperationSpan creates a child span for a dispatched operation.
func StartOperationSpan(ctx context.Context, op, requestID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "dispatch."+op,
		trace.WithAttributes(
			attribute.String("operation.name", op),
			attribute.String("request.id", requestID),
		),
	)
}

// StartBackendSpan creates a child span for a backend HTTP call.
func StartBackendSpan(ctx context.Context, url, model string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "backend.generate",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("backend.url", url),
			attribute.String("backend.model", model),
		),
	)
}

// StartRaceSpan creates a child span for a speculative race.
func StartRaceSpan(ctx context.Context, policy string, models []string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "speculative.race",
		trace.WithAttributes(
			attribute.String("race.policy", policy),
			attribute.StringSlice("race.models", models),
		),
	)
}

// StartQueueItemSpan creates a child span for a scheduler attempt.
func StartQueueItemSpan(ctx context.Context, id int64, attempt int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "queue.attempt",
		trace.WithAttributes(
			attribute.Int64("queue.item_id", id),
			attribute.Int("queue.attempt", attempt),
		),
	)
}

// SetCacheAttributes marks the current span with the cache outcome.
func SetCacheAttributes(ctx context.Context, hit bool, source string) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.Bool("cache.hit", hit),
		attribute.String("cache.source", source),
	)
}

// RecordError records an error on the current span.
func RecordError(ctx context.Context, err error) {
	if err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
	}
}
