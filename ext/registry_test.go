package ext_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/xraph/durable/ext"
	"github.com/xraph/durable/hook"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/workflow"
)

// ──────────────────────────────────────────────────
// Test extensions
// ──────────────────────────────────────────────────

// allHooksExt implements every lifecycle hook for testing.
type allHooksExt struct {
	calls []string
}

func (e *allHooksExt) Name() string { return "all-hooks" }

func (e *allHooksExt) record(name string) error {
	e.calls = append(e.calls, name)
	return nil
}

func (e *allHooksExt) OnRunStarted(context.Context, *workflow.Run) error {
	return e.record("OnRunStarted")
}

func (e *allHooksExt) OnRunSuspended(context.Context, *workflow.Run) error {
	return e.record("OnRunSuspended")
}

func (e *allHooksExt) OnRunResumed(context.Context, *workflow.Run) error {
	return e.record("OnRunResumed")
}

func (e *allHooksExt) OnRunCompleted(context.Context, *workflow.Run, time.Duration) error {
	return e.record("OnRunCompleted")
}

func (e *allHooksExt) OnRunFailed(context.Context, *workflow.Run, error) error {
	return e.record("OnRunFailed")
}

func (e *allHooksExt) OnRunCancelled(context.Context, *workflow.Run, error) error {
	return e.record("OnRunCancelled")
}

func (e *allHooksExt) OnStepCompleted(context.Context, id.RunID, string, int, time.Duration) error {
	return e.record("OnStepCompleted")
}

func (e *allHooksExt) OnStepRetrying(context.Context, id.RunID, string, int, time.Duration, error) error {
	return e.record("OnStepRetrying")
}

func (e *allHooksExt) OnStepFailed(context.Context, id.RunID, string, error) error {
	return e.record("OnStepFailed")
}

func (e *allHooksExt) OnHookResumed(context.Context, *hook.Hook, int) error {
	return e.record("OnHookResumed")
}

func (e *allHooksExt) OnSweepFinished(context.Context, string, int, time.Duration, error) error {
	return e.record("OnSweepFinished")
}

func (e *allHooksExt) OnShutdown(context.Context) error {
	return e.record("OnShutdown")
}

// runOnlyExt only implements run-related hooks.
type runOnlyExt struct {
	calls []string
}

func (e *runOnlyExt) Name() string { return "run-only" }

func (e *runOnlyExt) OnRunStarted(context.Context, *workflow.Run) error {
	e.calls = append(e.calls, "OnRunStarted")
	return nil
}

func (e *runOnlyExt) OnRunCompleted(context.Context, *workflow.Run, time.Duration) error {
	e.calls = append(e.calls, "OnRunCompleted")
	return nil
}

// failingExt returns errors from hooks.
type failingExt struct{}

func (e *failingExt) Name() string { return "failing" }

func (e *failingExt) OnRunStarted(context.Context, *workflow.Run) error {
	return errors.New("boom")
}

func (e *failingExt) OnShutdown(context.Context) error {
	return errors.New("shutdown boom")
}

func newRegistry() *ext.Registry {
	return ext.NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func assertCalls(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d calls, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("call[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

// ──────────────────────────────────────────────────
// Tests
// ──────────────────────────────────────────────────

func TestRegistry_RegisterDiscoversInterfaces(t *testing.T) {
	r := newRegistry()
	r.Register(&allHooksExt{})

	if got := len(r.Extensions()); got != 1 {
		t.Fatalf("expected 1 extension, got %d", got)
	}
	if got := r.Extensions()[0].Name(); got != "all-hooks" {
		t.Fatalf("expected name 'all-hooks', got %q", got)
	}
}

func TestRegistry_EmitFiresOnlyImplementors(t *testing.T) {
	r := newRegistry()
	all := &allHooksExt{}
	ro := &runOnlyExt{}
	r.Register(all)
	r.Register(ro)

	ctx := context.Background()
	run := &workflow.Run{ID: id.NewRunID(), Workflow: "test-wf"}

	r.EmitRunStarted(ctx, run)
	assertCalls(t, all.calls, []string{"OnRunStarted"})
	assertCalls(t, ro.calls, []string{"OnRunStarted"})

	// Only all implements OnRunSuspended.
	r.EmitRunSuspended(ctx, run)
	assertCalls(t, all.calls, []string{"OnRunStarted", "OnRunSuspended"})
	assertCalls(t, ro.calls, []string{"OnRunStarted"})
}

func TestRegistry_AllRunHooksFire(t *testing.T) {
	r := newRegistry()
	all := &allHooksExt{}
	r.Register(all)

	ctx := context.Background()
	run := &workflow.Run{ID: id.NewRunID(), Workflow: "test-wf"}

	r.EmitRunStarted(ctx, run)
	r.EmitRunSuspended(ctx, run)
	r.EmitRunResumed(ctx, run)
	r.EmitRunCompleted(ctx, run, time.Second)
	r.EmitRunFailed(ctx, run, errors.New("fail"))
	r.EmitRunCancelled(ctx, run, errors.New("cancel"))

	assertCalls(t, all.calls, []string{
		"OnRunStarted", "OnRunSuspended", "OnRunResumed",
		"OnRunCompleted", "OnRunFailed", "OnRunCancelled",
	})
}

func TestRegistry_StepAndHookEventsFire(t *testing.T) {
	r := newRegistry()
	all := &allHooksExt{}
	r.Register(all)

	ctx := context.Background()
	runID := id.NewRunID()

	r.EmitStepCompleted(ctx, runID, "charge#0", 1, time.Millisecond)
	r.EmitStepRetrying(ctx, runID, "charge#1", 1, time.Second, errors.New("flaky"))
	r.EmitStepFailed(ctx, runID, "charge#1", errors.New("gave up"))
	r.EmitHookResumed(ctx, &hook.Hook{Token: "approve", RunID: runID}, 1)

	assertCalls(t, all.calls, []string{
		"OnStepCompleted", "OnStepRetrying", "OnStepFailed", "OnHookResumed",
	})
}

func TestRegistry_SweepAndShutdownHooksFire(t *testing.T) {
	r := newRegistry()
	all := &allHooksExt{}
	r.Register(all)

	ctx := context.Background()
	r.EmitSweep(ctx, "wake", 3, time.Millisecond, nil)
	r.EmitShutdown(ctx)

	assertCalls(t, all.calls, []string{"OnSweepFinished", "OnShutdown"})
}

func TestRegistry_HookErrorsLoggedNotPropagated(t *testing.T) {
	r := newRegistry()
	all := &allHooksExt{}

	// Register failing first, then all-hooks. Both should be called.
	r.Register(&failingExt{})
	r.Register(all)

	r.EmitRunStarted(context.Background(), &workflow.Run{})
	assertCalls(t, all.calls, []string{"OnRunStarted"})
}

func TestRegistry_EmptyRegistryNoOp(_ *testing.T) {
	r := newRegistry()
	ctx := context.Background()
	runID := id.NewRunID()

	r.EmitRunStarted(ctx, &workflow.Run{})
	r.EmitRunSuspended(ctx, &workflow.Run{})
	r.EmitRunResumed(ctx, &workflow.Run{})
	r.EmitRunCompleted(ctx, &workflow.Run{}, time.Second)
	r.EmitRunFailed(ctx, &workflow.Run{}, errors.New("x"))
	r.EmitRunCancelled(ctx, &workflow.Run{}, errors.New("x"))
	r.EmitStepCompleted(ctx, runID, "s#0", 1, time.Second)
	r.EmitStepRetrying(ctx, runID, "s#0", 1, time.Second, errors.New("x"))
	r.EmitStepFailed(ctx, runID, "s#0", errors.New("x"))
	r.EmitHookResumed(ctx, &hook.Hook{}, 1)
	r.EmitSweep(ctx, "purge", 0, 0, nil)
	r.EmitShutdown(ctx)
}

func TestRegistry_MultipleExtensionsOrderPreserved(t *testing.T) {
	r := newRegistry()
	var order []string
	for _, name := range []string{"first", "second", "third"} {
		r.Register(orderedExt{name: name, order: &order})
	}

	r.EmitShutdown(context.Background())
	assertCalls(t, order, []string{"first", "second", "third"})
}

type orderedExt struct {
	name  string
	order *[]string
}

func (e orderedExt) Name() string { return e.name }

func (e orderedExt) OnShutdown(context.Context) error {
	*e.order = append(*e.order, e.name)
	return nil
}
