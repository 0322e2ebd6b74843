package audithook_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xraph/durable"
	ah "github.com/xraph/durable/audit_hook"
	"github.com/xraph/durable/backoff"
	"github.com/xraph/durable/engine"
	"github.com/xraph/durable/hook"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/store/memory"
	"github.com/xraph/durable/workflow"
)

// ── Mock recorder ────────────────────────────────────

// mockRecorder captures audit events for verification.
type mockRecorder struct {
	mu     sync.Mutex
	events []*ah.AuditEvent
}

func (m *mockRecorder) Record(_ context.Context, evt *ah.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return nil
}

func (m *mockRecorder) last() *ah.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return nil
	}
	return m.events[len(m.events)-1]
}

func (m *mockRecorder) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func (m *mockRecorder) findByAction(action string) *ah.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, evt := range m.events {
		if evt.Action == action {
			return evt
		}
	}
	return nil
}

// ── Test helpers ─────────────────────────────────────

func newTestRun() *workflow.Run {
	return &workflow.Run{
		ID:       id.NewRunID(),
		Workflow: "order-flow",
		Status:   workflow.StatusRunning,
	}
}

// ── Tests ────────────────────────────────────────────

func TestExtension_Name(t *testing.T) {
	e := ah.New(&mockRecorder{})
	if e.Name() != "audit-hook" {
		t.Errorf("expected name %q, got %q", "audit-hook", e.Name())
	}
}

func TestExtension_RunStarted(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)
	r := newTestRun()

	if err := e.OnRunStarted(context.Background(), r); err != nil {
		t.Fatalf("OnRunStarted: %v", err)
	}

	evt := rec.last()
	if evt == nil {
		t.Fatal("no event recorded")
	}
	if evt.Action != ah.ActionRunStarted {
		t.Errorf("Action: want %q, got %q", ah.ActionRunStarted, evt.Action)
	}
	if evt.Resource != ah.ResourceRun {
		t.Errorf("Resource: want %q, got %q", ah.ResourceRun, evt.Resource)
	}
	if evt.Category != ah.CategoryRun {
		t.Errorf("Category: want %q, got %q", ah.CategoryRun, evt.Category)
	}
	if evt.ResourceID != r.ID.String() {
		t.Errorf("ResourceID: want %q, got %q", r.ID.String(), evt.ResourceID)
	}
	if evt.Severity != ah.SeverityInfo || evt.Outcome != ah.OutcomeSuccess {
		t.Errorf("Severity/Outcome: got %q/%q", evt.Severity, evt.Outcome)
	}
	if evt.Metadata["workflow"] != "order-flow" {
		t.Errorf("Metadata[workflow]: want %q, got %v", "order-flow", evt.Metadata["workflow"])
	}
}

func TestExtension_RunSuspendedWithWake(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)
	r := newTestRun()
	wake := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.WakeAt = &wake
	r.WaitingOn = []string{"a", "b"}

	if err := e.OnRunSuspended(context.Background(), r); err != nil {
		t.Fatalf("OnRunSuspended: %v", err)
	}
	evt := rec.last()
	if evt.Metadata["waiting_on"] != 2 {
		t.Errorf("Metadata[waiting_on]: want 2, got %v", evt.Metadata["waiting_on"])
	}
	if evt.Metadata["wake_at"] != "2026-03-01T12:00:00Z" {
		t.Errorf("Metadata[wake_at]: got %v", evt.Metadata["wake_at"])
	}
}

func TestExtension_RunCompleted(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)
	elapsed := 150 * time.Millisecond

	if err := e.OnRunCompleted(context.Background(), newTestRun(), elapsed); err != nil {
		t.Fatalf("OnRunCompleted: %v", err)
	}
	evt := rec.last()
	if evt.Action != ah.ActionRunCompleted {
		t.Errorf("Action: want %q, got %q", ah.ActionRunCompleted, evt.Action)
	}
	if evt.Metadata["elapsed_ms"] != elapsed.Milliseconds() {
		t.Errorf("Metadata[elapsed_ms]: want %d, got %v", elapsed.Milliseconds(), evt.Metadata["elapsed_ms"])
	}
}

func TestExtension_RunFailed(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)
	runErr := errors.New("payment declined")

	if err := e.OnRunFailed(context.Background(), newTestRun(), runErr); err != nil {
		t.Fatalf("OnRunFailed: %v", err)
	}
	evt := rec.last()
	if evt.Severity != ah.SeverityCritical {
		t.Errorf("Severity: want %q, got %q", ah.SeverityCritical, evt.Severity)
	}
	if evt.Outcome != ah.OutcomeFailure {
		t.Errorf("Outcome: want %q, got %q", ah.OutcomeFailure, evt.Outcome)
	}
	if evt.Reason != "payment declined" {
		t.Errorf("Reason: want %q, got %q", "payment declined", evt.Reason)
	}
	if evt.Metadata["error"] != "payment declined" {
		t.Errorf("Metadata[error]: got %v", evt.Metadata["error"])
	}
}

func TestExtension_RunCancelled(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)

	if err := e.OnRunCancelled(context.Background(), newTestRun(), durable.ErrRunCancelled); err != nil {
		t.Fatalf("OnRunCancelled: %v", err)
	}
	evt := rec.last()
	if evt.Action != ah.ActionRunCancelled || evt.Severity != ah.SeverityWarning {
		t.Errorf("got %q/%q", evt.Action, evt.Severity)
	}
}

func TestExtension_StepEvents(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)
	runID := id.NewRunID()
	stepErr := errors.New("timeout")

	if err := e.OnStepRetrying(context.Background(), runID, "charge#1", 2, time.Second, stepErr); err != nil {
		t.Fatalf("OnStepRetrying: %v", err)
	}
	evt := rec.last()
	if evt.Action != ah.ActionStepRetrying {
		t.Errorf("Action: want %q, got %q", ah.ActionStepRetrying, evt.Action)
	}
	if evt.ResourceID != runID.String()+"/charge#1" {
		t.Errorf("ResourceID: got %q", evt.ResourceID)
	}
	if evt.Metadata["attempt"] != 2 || evt.Metadata["delay_ms"] != int64(1000) {
		t.Errorf("Metadata: got %v", evt.Metadata)
	}

	if err := e.OnStepFailed(context.Background(), runID, "charge#1", stepErr); err != nil {
		t.Fatalf("OnStepFailed: %v", err)
	}
	if rec.last().Action != ah.ActionStepFailed {
		t.Errorf("Action: want %q, got %q", ah.ActionStepFailed, rec.last().Action)
	}
}

func TestExtension_HookResumed(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)
	h := &hook.Hook{Token: "tok-1", RunID: id.NewRunID(), Key: "approval#1"}

	if err := e.OnHookResumed(context.Background(), h, 3); err != nil {
		t.Fatalf("OnHookResumed: %v", err)
	}
	evt := rec.last()
	if evt.ResourceID != "tok-1" || evt.Metadata["delivery"] != 3 {
		t.Errorf("got %+v", evt)
	}
}

func TestExtension_IdleSweepNotRecorded(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)

	_ = e.OnSweepFinished(context.Background(), "wake", 0, time.Millisecond, nil)
	if rec.count() != 0 {
		t.Fatalf("idle sweep recorded %d events", rec.count())
	}
	_ = e.OnSweepFinished(context.Background(), "recover", 2, time.Millisecond, nil)
	_ = e.OnSweepFinished(context.Background(), "purge", 0, time.Millisecond, errors.New("store down"))
	if rec.count() != 2 {
		t.Fatalf("recorded %d events, want 2", rec.count())
	}
	if rec.last().Severity != ah.SeverityWarning {
		t.Errorf("failed sweep severity: got %q", rec.last().Severity)
	}
}

func TestExtension_WithActions(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec, ah.WithActions(ah.ActionRunFailed))

	_ = e.OnRunStarted(context.Background(), newTestRun())
	_ = e.OnRunCompleted(context.Background(), newTestRun(), time.Second)
	if rec.count() != 0 {
		t.Fatalf("filtered actions recorded %d events", rec.count())
	}
	_ = e.OnRunFailed(context.Background(), newTestRun(), errors.New("boom"))
	if rec.count() != 1 {
		t.Fatalf("recorded %d events, want 1", rec.count())
	}
}

func TestExtension_RecorderErrorIsSwallowed(t *testing.T) {
	failing := ah.RecorderFunc(func(context.Context, *ah.AuditEvent) error {
		return errors.New("backend unavailable")
	})
	var buf bytes.Buffer
	e := ah.New(failing, ah.WithLogger(slog.New(slog.NewTextHandler(&buf, nil))))

	if err := e.OnRunStarted(context.Background(), newTestRun()); err != nil {
		t.Fatalf("OnRunStarted returned %v, want nil", err)
	}
	if !strings.Contains(buf.String(), "backend unavailable") {
		t.Errorf("expected the recorder error to be logged, got %q", buf.String())
	}
}

func TestSlogRecorder_Levels(t *testing.T) {
	var buf bytes.Buffer
	rec := ah.SlogRecorder{Logger: slog.New(slog.NewTextHandler(&buf, nil))}
	e := ah.New(rec)

	_ = e.OnRunFailed(context.Background(), newTestRun(), errors.New("boom"))
	out := buf.String()
	if !strings.Contains(out, "level=ERROR") || !strings.Contains(out, "action=run.failed") {
		t.Fatalf("unexpected log line: %q", out)
	}
	if !strings.Contains(out, "reason=boom") {
		t.Fatalf("missing reason: %q", out)
	}
}

func TestAllActions(t *testing.T) {
	seen := make(map[string]bool)
	for _, a := range ah.AllActions() {
		if seen[a] {
			t.Errorf("duplicate action %q", a)
		}
		seen[a] = true
	}
	if len(seen) != 10 {
		t.Errorf("expected 10 actions, got %d", len(seen))
	}
}

func TestExtension_WiredIntoEngine(t *testing.T) {
	rec := &mockRecorder{}
	cfg := durable.DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.ShutdownTimeout = time.Second
	eng, err := engine.New(
		engine.WithStore(memory.New()),
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		engine.WithConfig(cfg),
		engine.WithBackoff(backoff.NewConstant(0)),
		engine.WithExtension(ah.New(rec)),
	)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	engine.Register(eng, workflow.New("wait", func(wf *workflow.Workflow, token string) (string, error) {
		h, err := wf.CreateHook("go", workflow.WithToken(token))
		if err != nil {
			return "", err
		}
		return workflow.AwaitHook[string](h)
	}))
	if err := eng.Launch(context.Background()); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	t.Cleanup(func() { _ = eng.Shutdown(context.Background()) })

	h, err := eng.Start(context.Background(), "wait", "audit-token")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for rec.findByAction(ah.ActionRunSuspended) == nil {
		if time.Now().After(deadline) {
			t.Fatal("run never suspended")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := eng.Resume(context.Background(), "audit-token", []byte(`"ok"`)); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := h.Result(ctx); err != nil {
		t.Fatalf("Result: %v", err)
	}

	for _, action := range []string{ah.ActionRunStarted, ah.ActionHookResumed, ah.ActionRunCompleted} {
		deadline := time.Now().Add(time.Second)
		for rec.findByAction(action) == nil {
			if time.Now().After(deadline) {
				t.Fatalf("no %s event", action)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
}
