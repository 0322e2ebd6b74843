package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/durable/hook"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/step"
	"github.com/xraph/durable/waker"
	"github.com/xraph/durable/workflow"
)

// The registry is the single emitter handed to every subsystem.
var (
	_ workflow.RunEmitter = (*Registry)(nil)
	_ step.Emitter        = (*Registry)(nil)
	_ waker.Emitter       = (*Registry)(nil)
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time.
type entry[H any] struct {
	name string
	hook H
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	runStarted    []entry[RunStarted]
	runSuspended  []entry[RunSuspended]
	runResumed    []entry[RunResumed]
	runCompleted  []entry[RunCompleted]
	runFailed     []entry[RunFailed]
	runCancelled  []entry[RunCancelled]
	stepCompleted []entry[StepCompleted]
	stepRetrying  []entry[StepRetrying]
	stepFailed    []entry[StepFailed]
	hookResumed   []entry[HookResumed]
	sweepFinished []entry[SweepFinished]
	shutdown      []entry[Shutdown]
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// SetLogger replaces the logger hook errors are reported on.
func (r *Registry) SetLogger(logger *slog.Logger) { r.logger = logger }

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order. Register
// must not be called concurrently with the emit methods.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(RunStarted); ok {
		r.runStarted = append(r.runStarted, entry[RunStarted]{name, h})
	}
	if h, ok := e.(RunSuspended); ok {
		r.runSuspended = append(r.runSuspended, entry[RunSuspended]{name, h})
	}
	if h, ok := e.(RunResumed); ok {
		r.runResumed = append(r.runResumed, entry[RunResumed]{name, h})
	}
	if h, ok := e.(RunCompleted); ok {
		r.runCompleted = append(r.runCompleted, entry[RunCompleted]{name, h})
	}
	if h, ok := e.(RunFailed); ok {
		r.runFailed = append(r.runFailed, entry[RunFailed]{name, h})
	}
	if h, ok := e.(RunCancelled); ok {
		r.runCancelled = append(r.runCancelled, entry[RunCancelled]{name, h})
	}
	if h, ok := e.(StepCompleted); ok {
		r.stepCompleted = append(r.stepCompleted, entry[StepCompleted]{name, h})
	}
	if h, ok := e.(StepRetrying); ok {
		r.stepRetrying = append(r.stepRetrying, entry[StepRetrying]{name, h})
	}
	if h, ok := e.(StepFailed); ok {
		r.stepFailed = append(r.stepFailed, entry[StepFailed]{name, h})
	}
	if h, ok := e.(HookResumed); ok {
		r.hookResumed = append(r.hookResumed, entry[HookResumed]{name, h})
	}
	if h, ok := e.(SweepFinished); ok {
		r.sweepFinished = append(r.sweepFinished, entry[SweepFinished]{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, entry[Shutdown]{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Run event emitters
// ──────────────────────────────────────────────────

// EmitRunStarted notifies all extensions that implement RunStarted.
func (r *Registry) EmitRunStarted(ctx context.Context, run *workflow.Run) {
	for _, e := range r.runStarted {
		if err := e.hook.OnRunStarted(ctx, run); err != nil {
			r.logHookError("OnRunStarted", e.name, err)
		}
	}
}

// EmitRunSuspended notifies all extensions that implement RunSuspended.
func (r *Registry) EmitRunSuspended(ctx context.Context, run *workflow.Run) {
	for _, e := range r.runSuspended {
		if err := e.hook.OnRunSuspended(ctx, run); err != nil {
			r.logHookError("OnRunSuspended", e.name, err)
		}
	}
}

// EmitRunResumed notifies all extensions that implement RunResumed.
func (r *Registry) EmitRunResumed(ctx context.Context, run *workflow.Run) {
	for _, e := range r.runResumed {
		if err := e.hook.OnRunResumed(ctx, run); err != nil {
			r.logHookError("OnRunResumed", e.name, err)
		}
	}
}

// EmitRunCompleted notifies all extensions that implement RunCompleted.
func (r *Registry) EmitRunCompleted(ctx context.Context, run *workflow.Run, elapsed time.Duration) {
	for _, e := range r.runCompleted {
		if err := e.hook.OnRunCompleted(ctx, run, elapsed); err != nil {
			r.logHookError("OnRunCompleted", e.name, err)
		}
	}
}

// EmitRunFailed notifies all extensions that implement RunFailed.
func (r *Registry) EmitRunFailed(ctx context.Context, run *workflow.Run, runErr error) {
	for _, e := range r.runFailed {
		if err := e.hook.OnRunFailed(ctx, run, runErr); err != nil {
			r.logHookError("OnRunFailed", e.name, err)
		}
	}
}

// EmitRunCancelled notifies all extensions that implement RunCancelled.
func (r *Registry) EmitRunCancelled(ctx context.Context, run *workflow.Run, reason error) {
	for _, e := range r.runCancelled {
		if err := e.hook.OnRunCancelled(ctx, run, reason); err != nil {
			r.logHookError("OnRunCancelled", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Step event emitters
// ──────────────────────────────────────────────────

// EmitStepCompleted notifies all extensions that implement StepCompleted.
func (r *Registry) EmitStepCompleted(ctx context.Context, runID id.RunID, key string, attempt int, elapsed time.Duration) {
	for _, e := range r.stepCompleted {
		if err := e.hook.OnStepCompleted(ctx, runID, key, attempt, elapsed); err != nil {
			r.logHookError("OnStepCompleted", e.name, err)
		}
	}
}

// EmitStepRetrying notifies all extensions that implement StepRetrying.
func (r *Registry) EmitStepRetrying(ctx context.Context, runID id.RunID, key string, attempt int, delay time.Duration, stepErr error) {
	for _, e := range r.stepRetrying {
		if err := e.hook.OnStepRetrying(ctx, runID, key, attempt, delay, stepErr); err != nil {
			r.logHookError("OnStepRetrying", e.name, err)
		}
	}
}

// EmitStepFailed notifies all extensions that implement StepFailed.
func (r *Registry) EmitStepFailed(ctx context.Context, runID id.RunID, key string, stepErr error) {
	for _, e := range r.stepFailed {
		if err := e.hook.OnStepFailed(ctx, runID, key, stepErr); err != nil {
			r.logHookError("OnStepFailed", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Other event emitters
// ──────────────────────────────────────────────────

// EmitHookResumed notifies all extensions that implement HookResumed.
func (r *Registry) EmitHookResumed(ctx context.Context, h *hook.Hook, delivery int) {
	for _, e := range r.hookResumed {
		if err := e.hook.OnHookResumed(ctx, h, delivery); err != nil {
			r.logHookError("OnHookResumed", e.name, err)
		}
	}
}

// EmitSweep notifies all extensions that implement SweepFinished.
func (r *Registry) EmitSweep(ctx context.Context, name string, n int, elapsed time.Duration, sweepErr error) {
	for _, e := range r.sweepFinished {
		if err := e.hook.OnSweepFinished(ctx, name, n, elapsed, sweepErr); err != nil {
			r.logHookError("OnSweepFinished", e.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated to the engine.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
