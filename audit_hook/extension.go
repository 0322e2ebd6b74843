package audithook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/durable/ext"
	"github.com/xraph/durable/hook"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/workflow"
)

// Compile-time interface checks.
var (
	_ ext.Extension     = (*Extension)(nil)
	_ ext.RunStarted    = (*Extension)(nil)
	_ ext.RunSuspended  = (*Extension)(nil)
	_ ext.RunResumed    = (*Extension)(nil)
	_ ext.RunCompleted  = (*Extension)(nil)
	_ ext.RunFailed     = (*Extension)(nil)
	_ ext.RunCancelled  = (*Extension)(nil)
	_ ext.StepRetrying  = (*Extension)(nil)
	_ ext.StepFailed    = (*Extension)(nil)
	_ ext.HookResumed   = (*Extension)(nil)
	_ ext.SweepFinished = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	// Record persists a fully-formed audit event.
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is one entry of the audit trail.
type AuditEvent struct {
	// What happened
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Category string `json:"category"`

	// Details
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// SlogRecorder writes audit events to a logger, one record per event.
type SlogRecorder struct {
	Logger *slog.Logger
}

// Record implements Recorder.
func (r SlogRecorder) Record(ctx context.Context, evt *AuditEvent) error {
	level := slog.LevelInfo
	switch evt.Severity {
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityCritical:
		level = slog.LevelError
	}
	attrs := []slog.Attr{
		slog.String("action", evt.Action),
		slog.String("resource", evt.Resource),
		slog.String("resource_id", evt.ResourceID),
		slog.String("outcome", evt.Outcome),
	}
	if evt.Reason != "" {
		attrs = append(attrs, slog.String("reason", evt.Reason))
	}
	for k, v := range evt.Metadata {
		if k == "error" {
			continue
		}
		attrs = append(attrs, slog.Any(k, v))
	}
	r.Logger.LogAttrs(ctx, level, "audit", attrs...)
	return nil
}

// Severity constants.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcome constants.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Extension bridges run lifecycle events to an audit trail backend.
// Each lifecycle hook emits a structured audit event through the [Recorder].
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements ext.Extension.
func (e *Extension) Name() string { return "audit-hook" }

// ── Run lifecycle hooks ─────────────────────────────

// OnRunStarted implements ext.RunStarted.
func (e *Extension) OnRunStarted(ctx context.Context, r *workflow.Run) error {
	return e.record(ctx, ActionRunStarted, SeverityInfo, OutcomeSuccess,
		ResourceRun, r.ID.String(), CategoryRun, nil,
		"workflow", r.Workflow,
	)
}

// OnRunSuspended implements ext.RunSuspended.
func (e *Extension) OnRunSuspended(ctx context.Context, r *workflow.Run) error {
	kv := []any{"workflow", r.Workflow, "waiting_on", len(r.WaitingOn)}
	if r.WakeAt != nil {
		kv = append(kv, "wake_at", r.WakeAt.Format(time.RFC3339))
	}
	return e.record(ctx, ActionRunSuspended, SeverityInfo, OutcomeSuccess,
		ResourceRun, r.ID.String(), CategoryRun, nil, kv...)
}

// OnRunResumed implements ext.RunResumed.
func (e *Extension) OnRunResumed(ctx context.Context, r *workflow.Run) error {
	return e.record(ctx, ActionRunResumed, SeverityInfo, OutcomeSuccess,
		ResourceRun, r.ID.String(), CategoryRun, nil,
		"workflow", r.Workflow,
	)
}

// OnRunCompleted implements ext.RunCompleted.
func (e *Extension) OnRunCompleted(ctx context.Context, r *workflow.Run, elapsed time.Duration) error {
	return e.record(ctx, ActionRunCompleted, SeverityInfo, OutcomeSuccess,
		ResourceRun, r.ID.String(), CategoryRun, nil,
		"workflow", r.Workflow,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnRunFailed implements ext.RunFailed.
func (e *Extension) OnRunFailed(ctx context.Context, r *workflow.Run, runErr error) error {
	return e.record(ctx, ActionRunFailed, SeverityCritical, OutcomeFailure,
		ResourceRun, r.ID.String(), CategoryRun, runErr,
		"workflow", r.Workflow,
	)
}

// OnRunCancelled implements ext.RunCancelled.
func (e *Extension) OnRunCancelled(ctx context.Context, r *workflow.Run, reason error) error {
	return e.record(ctx, ActionRunCancelled, SeverityWarning, OutcomeFailure,
		ResourceRun, r.ID.String(), CategoryRun, reason,
		"workflow", r.Workflow,
	)
}

// ── Step lifecycle hooks ────────────────────────────

// OnStepRetrying implements ext.StepRetrying.
func (e *Extension) OnStepRetrying(ctx context.Context, runID id.RunID, key string, attempt int, delay time.Duration, stepErr error) error {
	return e.record(ctx, ActionStepRetrying, SeverityWarning, OutcomeFailure,
		ResourceStep, runID.String()+"/"+key, CategoryStep, stepErr,
		"run_id", runID.String(),
		"step", key,
		"attempt", attempt,
		"delay_ms", delay.Milliseconds(),
	)
}

// OnStepFailed implements ext.StepFailed.
func (e *Extension) OnStepFailed(ctx context.Context, runID id.RunID, key string, stepErr error) error {
	return e.record(ctx, ActionStepFailed, SeverityWarning, OutcomeFailure,
		ResourceStep, runID.String()+"/"+key, CategoryStep, stepErr,
		"run_id", runID.String(),
		"step", key,
	)
}

// ── Other lifecycle hooks ───────────────────────────

// OnHookResumed implements ext.HookResumed.
func (e *Extension) OnHookResumed(ctx context.Context, h *hook.Hook, delivery int) error {
	return e.record(ctx, ActionHookResumed, SeverityInfo, OutcomeSuccess,
		ResourceHook, h.Token, CategoryHook, nil,
		"run_id", h.RunID.String(),
		"key", h.Key,
		"delivery", delivery,
	)
}

// OnSweepFinished implements ext.SweepFinished. Sweeps that touched
// nothing and did not fail are not recorded.
func (e *Extension) OnSweepFinished(ctx context.Context, name string, n int, elapsed time.Duration, sweepErr error) error {
	if n == 0 && sweepErr == nil {
		return nil
	}
	severity, outcome := SeverityInfo, OutcomeSuccess
	if sweepErr != nil {
		severity, outcome = SeverityWarning, OutcomeFailure
	}
	return e.record(ctx, ActionSweepFinished, severity, outcome,
		ResourceSweep, name, CategorySweep, sweepErr,
		"runs", n,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// ── Internal helpers ────────────────────────────────

// record builds and sends an audit event if the action is enabled.
// The kvPairs argument is a list of key-value pairs added to Metadata.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			slog.String("action", action),
			slog.String("resource_id", resourceID),
			slog.String("error", recErr.Error()),
		)
	}
	return nil
}
