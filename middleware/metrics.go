package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for durable metrics.
const meterName = "github.com/xraph/durable"

// Metrics returns middleware that records per-attempt step metrics using
// the global MeterProvider.
//
// Instruments:
//   - durable.step.duration (Float64Histogram): attempt time in seconds
//   - durable.step.attempts (Int64Counter): attempts executed
//
// Both carry the attributes workflow and status ("ok" or "error").
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(meterName))
}

// MetricsWithMeter returns metrics middleware using the provided meter.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// On error the API hands back noop instruments.
	duration, _ := meter.Float64Histogram(
		"durable.step.duration",
		metric.WithDescription("Duration of step attempts in seconds"),
		metric.WithUnit("s"),
	)
	attempts, _ := meter.Int64Counter(
		"durable.step.attempts",
		metric.WithDescription("Total number of step attempts"),
		metric.WithUnit("{attempt}"),
	)

	return func(ctx context.Context, s *Step, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start).Seconds()

		status := "ok"
		if err != nil {
			status = "error"
		}

		attrs := metric.WithAttributes(
			attribute.String("workflow", s.Workflow),
			attribute.String("status", status),
		)
		duration.Record(ctx, elapsed, attrs)
		attempts.Add(ctx, 1, attrs)

		return err
	}
}
