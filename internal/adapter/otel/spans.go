package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "warden"

// StartRequestSpan starts a span for an authority request.
func StartRequestSpan(ctx context.Context, agentID, action string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "authority.request",
		trace.WithAttributes(
			attribute.String("agent.id", agentID),
			attribute.String("action.name", action),
		),
	)
}

// StartExecuteSpan starts a span for an execution under a lease.
func StartExecuteSpan(ctx context.Context, leaseID, action string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "authority.execute",
		trace.WithAttributes(
			attribute.String("lease.id", leaseID),
			attribute.String("action.name", action),
		),
	)
}

// StartResolveSpan starts a span for a reviewer resolution.
func StartResolveSpan(ctx context.Context, decisionID, verdict string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "authority.resolve",
		trace.WithAttributes(
			attribute.String("decision.id", decisionID),
			attribute.String("verdict", verdict),
		),
	)
}

// StartCoordinatorSpan starts a span for one coordinator pass.
func StartCoordinatorSpan(ctx context.Context, pending int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "coordinator.check",
		trace.WithAttributes(attribute.Int("pending", pending)),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
