package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xraph/durable/ext"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/workflow"
)

var (
	_ ext.RunStarted    = (*Prometheus)(nil)
	_ ext.RunCompleted  = (*Prometheus)(nil)
	_ ext.RunFailed     = (*Prometheus)(nil)
	_ ext.RunCancelled  = (*Prometheus)(nil)
	_ ext.RunSuspended  = (*Prometheus)(nil)
	_ ext.RunResumed    = (*Prometheus)(nil)
	_ ext.StepCompleted = (*Prometheus)(nil)
	_ ext.StepRetrying  = (*Prometheus)(nil)
	_ ext.StepFailed    = (*Prometheus)(nil)
	_ ext.SweepFinished = (*Prometheus)(nil)
)

// Prometheus exports lifecycle metrics as Prometheus collectors. The
// server mounts them on /metrics through promhttp.
type Prometheus struct {
	runsTotal     *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	stepsTotal    *prometheus.CounterVec
	stepDuration  prometheus.Histogram
	sweepDuration *prometheus.HistogramVec
	sweepErrors   *prometheus.CounterVec
}

// NewPrometheus creates the collectors under namespace and registers them
// with reg.
func NewPrometheus(namespace string, reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Run lifecycle transitions",
		}, []string{"workflow", "event"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_activation_duration_seconds",
			Help:      "Duration of the completing activation in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"workflow"}),
		stepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Step attempt outcomes",
		}, []string{"outcome"}),
		stepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of successful step attempts in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		sweepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of periodic sweeps in seconds",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5},
		}, []string{"sweep"}),
		sweepErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_errors_total",
			Help:      "Sweeps that returned an error",
		}, []string{"sweep"}),
	}
	for _, c := range []prometheus.Collector{
		p.runsTotal, p.runDuration,
		p.stepsTotal, p.stepDuration, p.sweepDuration, p.sweepErrors,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Name implements ext.Extension.
func (p *Prometheus) Name() string { return "observability-prometheus" }

// OnRunStarted implements ext.RunStarted.
func (p *Prometheus) OnRunStarted(_ context.Context, r *workflow.Run) error {
	p.runsTotal.WithLabelValues(r.Workflow, "started").Inc()
	return nil
}

// OnRunSuspended implements ext.RunSuspended.
func (p *Prometheus) OnRunSuspended(_ context.Context, r *workflow.Run) error {
	p.runsTotal.WithLabelValues(r.Workflow, "suspended").Inc()
	return nil
}

// OnRunResumed implements ext.RunResumed.
func (p *Prometheus) OnRunResumed(_ context.Context, r *workflow.Run) error {
	p.runsTotal.WithLabelValues(r.Workflow, "resumed").Inc()
	return nil
}

// OnRunCompleted implements ext.RunCompleted.
func (p *Prometheus) OnRunCompleted(_ context.Context, r *workflow.Run, elapsed time.Duration) error {
	p.runsTotal.WithLabelValues(r.Workflow, "completed").Inc()
	p.runDuration.WithLabelValues(r.Workflow).Observe(elapsed.Seconds())
	return nil
}

// OnRunFailed implements ext.RunFailed.
func (p *Prometheus) OnRunFailed(_ context.Context, r *workflow.Run, _ error) error {
	p.runsTotal.WithLabelValues(r.Workflow, "failed").Inc()
	return nil
}

// OnRunCancelled implements ext.RunCancelled.
func (p *Prometheus) OnRunCancelled(_ context.Context, r *workflow.Run, _ error) error {
	p.runsTotal.WithLabelValues(r.Workflow, "cancelled").Inc()
	return nil
}

// OnStepCompleted implements ext.StepCompleted.
func (p *Prometheus) OnStepCompleted(_ context.Context, _ id.RunID, _ string, _ int, elapsed time.Duration) error {
	p.stepsTotal.WithLabelValues("completed").Inc()
	p.stepDuration.Observe(elapsed.Seconds())
	return nil
}

// OnStepRetrying implements ext.StepRetrying.
func (p *Prometheus) OnStepRetrying(context.Context, id.RunID, string, int, time.Duration, error) error {
	p.stepsTotal.WithLabelValues("retrying").Inc()
	return nil
}

// OnStepFailed implements ext.StepFailed.
func (p *Prometheus) OnStepFailed(context.Context, id.RunID, string, error) error {
	p.stepsTotal.WithLabelValues("failed").Inc()
	return nil
}

// OnSweepFinished implements ext.SweepFinished.
func (p *Prometheus) OnSweepFinished(_ context.Context, name string, _ int, elapsed time.Duration, err error) error {
	p.sweepDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	if err != nil {
		p.sweepErrors.WithLabelValues(name).Inc()
	}
	return nil
}
