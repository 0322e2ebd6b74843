package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/durable/ext"
	"github.com/xraph/durable/hook"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/workflow"
)

// Compile-time interface checks.
var (
	_ ext.Extension     = (*MetricsExtension)(nil)
	_ ext.RunStarted    = (*MetricsExtension)(nil)
	_ ext.RunSuspended  = (*MetricsExtension)(nil)
	_ ext.RunResumed    = (*MetricsExtension)(nil)
	_ ext.RunCompleted  = (*MetricsExtension)(nil)
	_ ext.RunFailed     = (*MetricsExtension)(nil)
	_ ext.RunCancelled  = (*MetricsExtension)(nil)
	_ ext.StepRetrying  = (*MetricsExtension)(nil)
	_ ext.StepFailed    = (*MetricsExtension)(nil)
	_ ext.HookResumed   = (*MetricsExtension)(nil)
	_ ext.SweepFinished = (*MetricsExtension)(nil)
)

const meterName = "github.com/xraph/durable/observability"

// MetricsExtension records system-wide lifecycle metrics through an
// OpenTelemetry meter. Register it as a durable extension to track run
// outcomes, step retries, hook deliveries, and sweep activity.
//
// Instruments:
//   - durable.run.events (Int64Counter): run transitions, by workflow and event
//   - durable.run.duration (Float64Histogram): time of completing activations
//   - durable.step.retries (Int64Counter)
//   - durable.step.failures (Int64Counter)
//   - durable.hook.resumes (Int64Counter)
//   - durable.sweep.items (Int64Counter): runs or streams touched, by sweep
type MetricsExtension struct {
	runEvents    metric.Int64Counter
	runDuration  metric.Float64Histogram
	stepRetries  metric.Int64Counter
	stepFailures metric.Int64Counter
	hookResumes  metric.Int64Counter
	sweepItems   metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension on the global MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the provided meter.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	// On error the API hands back noop instruments.
	m := &MetricsExtension{}
	m.runEvents, _ = meter.Int64Counter("durable.run.events",
		metric.WithDescription("Run lifecycle transitions"),
		metric.WithUnit("{event}"))
	m.runDuration, _ = meter.Float64Histogram("durable.run.duration",
		metric.WithDescription("Duration of the completing activation in seconds"),
		metric.WithUnit("s"))
	m.stepRetries, _ = meter.Int64Counter("durable.step.retries",
		metric.WithDescription("Step attempts that failed and were retried"),
		metric.WithUnit("{retry}"))
	m.stepFailures, _ = meter.Int64Counter("durable.step.failures",
		metric.WithDescription("Steps that failed for good"),
		metric.WithUnit("{step}"))
	m.hookResumes, _ = meter.Int64Counter("durable.hook.resumes",
		metric.WithDescription("Accepted hook deliveries"),
		metric.WithUnit("{delivery}"))
	m.sweepItems, _ = meter.Int64Counter("durable.sweep.items",
		metric.WithDescription("Items handled by periodic sweeps"),
		metric.WithUnit("{item}"))
	return m
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func (m *MetricsExtension) runEvent(ctx context.Context, r *workflow.Run, event string) {
	m.runEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow", r.Workflow),
		attribute.String("event", event),
	))
}

// ── Run lifecycle hooks ─────────────────────────────

// OnRunStarted implements ext.RunStarted.
func (m *MetricsExtension) OnRunStarted(ctx context.Context, r *workflow.Run) error {
	m.runEvent(ctx, r, "started")
	return nil
}

// OnRunSuspended implements ext.RunSuspended.
func (m *MetricsExtension) OnRunSuspended(ctx context.Context, r *workflow.Run) error {
	m.runEvent(ctx, r, "suspended")
	return nil
}

// OnRunResumed implements ext.RunResumed.
func (m *MetricsExtension) OnRunResumed(ctx context.Context, r *workflow.Run) error {
	m.runEvent(ctx, r, "resumed")
	return nil
}

// OnRunCompleted implements ext.RunCompleted.
func (m *MetricsExtension) OnRunCompleted(ctx context.Context, r *workflow.Run, elapsed time.Duration) error {
	m.runEvent(ctx, r, "completed")
	m.runDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("workflow", r.Workflow)))
	return nil
}

// OnRunFailed implements ext.RunFailed.
func (m *MetricsExtension) OnRunFailed(ctx context.Context, r *workflow.Run, _ error) error {
	m.runEvent(ctx, r, "failed")
	return nil
}

// OnRunCancelled implements ext.RunCancelled.
func (m *MetricsExtension) OnRunCancelled(ctx context.Context, r *workflow.Run, _ error) error {
	m.runEvent(ctx, r, "cancelled")
	return nil
}

// ── Step lifecycle hooks ────────────────────────────

// OnStepRetrying implements ext.StepRetrying.
func (m *MetricsExtension) OnStepRetrying(ctx context.Context, _ id.RunID, _ string, _ int, _ time.Duration, _ error) error {
	m.stepRetries.Add(ctx, 1)
	return nil
}

// OnStepFailed implements ext.StepFailed.
func (m *MetricsExtension) OnStepFailed(ctx context.Context, _ id.RunID, _ string, _ error) error {
	m.stepFailures.Add(ctx, 1)
	return nil
}

// ── Other hooks ─────────────────────────────────────

// OnHookResumed implements ext.HookResumed.
func (m *MetricsExtension) OnHookResumed(ctx context.Context, h *hook.Hook, _ int) error {
	m.hookResumes.Add(ctx, 1, metric.WithAttributes(attribute.Bool("iterable", h.Iterable)))
	return nil
}

// OnSweepFinished implements ext.SweepFinished.
func (m *MetricsExtension) OnSweepFinished(ctx context.Context, name string, n int, _ time.Duration, _ error) error {
	m.sweepItems.Add(ctx, int64(n), metric.WithAttributes(attribute.String("sweep", name)))
	return nil
}
