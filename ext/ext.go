// Package ext defines the extension system for durable.
// Extensions are notified of lifecycle events (run started, step retried,
// hook resumed, etc.) and can react to them: logging, metrics, tracing.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"
	"time"

	"github.com/xraph/durable/hook"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/workflow"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Run lifecycle hooks
// ──────────────────────────────────────────────────

// RunStarted is called after a run is created.
type RunStarted interface {
	OnRunStarted(ctx context.Context, r *workflow.Run) error
}

// RunSuspended is called when an activation parks a run on hooks or a sleep.
type RunSuspended interface {
	OnRunSuspended(ctx context.Context, r *workflow.Run) error
}

// RunResumed is called when a suspended run is activated again.
type RunResumed interface {
	OnRunResumed(ctx context.Context, r *workflow.Run) error
}

// RunCompleted is called after a run's body returns a value.
type RunCompleted interface {
	OnRunCompleted(ctx context.Context, r *workflow.Run, elapsed time.Duration) error
}

// RunFailed is called when a run's body returns an error.
type RunFailed interface {
	OnRunFailed(ctx context.Context, r *workflow.Run, err error) error
}

// RunCancelled is called when a run is cancelled or times out.
type RunCancelled interface {
	OnRunCancelled(ctx context.Context, r *workflow.Run, reason error) error
}

// ──────────────────────────────────────────────────
// Step lifecycle hooks
// ──────────────────────────────────────────────────

// StepCompleted is called after a step attempt succeeds.
type StepCompleted interface {
	OnStepCompleted(ctx context.Context, runID id.RunID, key string, attempt int, elapsed time.Duration) error
}

// StepRetrying is called when a step attempt fails and another is scheduled.
type StepRetrying interface {
	OnStepRetrying(ctx context.Context, runID id.RunID, key string, attempt int, delay time.Duration, err error) error
}

// StepFailed is called when a step fails for good.
type StepFailed interface {
	OnStepFailed(ctx context.Context, runID id.RunID, key string, err error) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// HookResumed is called after a hook delivery is durably recorded.
type HookResumed interface {
	OnHookResumed(ctx context.Context, h *hook.Hook, delivery int) error
}

// SweepFinished is called after a periodic sweep (wake, recover, purge) runs.
type SweepFinished interface {
	OnSweepFinished(ctx context.Context, name string, n int, elapsed time.Duration, err error) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
