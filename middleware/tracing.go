package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for durable tracing.
const tracerName = "github.com/xraph/durable"

// Tracing returns middleware that wraps each step attempt in an
// OpenTelemetry span using the global TracerProvider.
//
// Span attributes: durable.run.id, durable.workflow, durable.step.key,
// durable.step.attempt.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer returns tracing middleware using the provided tracer.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, s *Step, next Handler) error {
		ctx, span := tracer.Start(ctx, "durable.step.attempt",
			trace.WithAttributes(
				attribute.String("durable.run.id", s.RunID),
				attribute.String("durable.workflow", s.Workflow),
				attribute.String("durable.step.key", s.Key),
				attribute.Int("durable.step.attempt", s.Attempt),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
