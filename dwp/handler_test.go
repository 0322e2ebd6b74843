package dwp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/xraph/durable"
	"github.com/xraph/durable/backoff"
	"github.com/xraph/durable/engine"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/store/memory"
	"github.com/xraph/durable/workflow"
)

// ── Test Helpers ──────────────────────────────────────

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mustJSON marshals to JSON or panics.
func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

type decision struct {
	Approved bool `json:"approved"`
}

// setupTestEngine creates a launched engine on a memory store with a
// streaming "count" workflow and a hook-driven "approval" workflow.
func setupTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	cfg := durable.DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.ShutdownTimeout = time.Second

	eng, err := engine.New(
		engine.WithStore(memory.New()),
		engine.WithLogger(testLogger()),
		engine.WithConfig(cfg),
		engine.WithBackoff(backoff.NewConstant(0)),
	)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}

	engine.Register(eng, workflow.New("count", func(wf *workflow.Workflow, n int) (int, error) {
		for i := range n {
			if err := wf.Writable().WriteJSON(i); err != nil {
				return 0, err
			}
		}
		return n, nil
	}))
	engine.Register(eng, workflow.New("approval", func(wf *workflow.Workflow, token string) (bool, error) {
		h, err := wf.CreateHook("decision", workflow.WithToken(token), workflow.WithSchema(engine.ApprovalSchema))
		if err != nil {
			return false, err
		}
		d, err := workflow.AwaitHook[decision](h)
		return d.Approved, err
	}))

	if err := eng.Launch(context.Background()); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	t.Cleanup(func() { _ = eng.Shutdown(context.Background()) })
	return eng
}

func requestFrame(frameID, method string, data any) *Frame {
	f := &Frame{ID: frameID, Type: FrameRequest, Method: method}
	if data != nil {
		f.Data = mustJSON(data)
	}
	return f
}

func rpcConn() *Connection {
	return NewConnection("conn-1", &Identity{Subject: "test", Scopes: []string{ScopeAll}}, &JSONCodec{})
}

func expectError(t *testing.T, resp *Frame, code int) {
	t.Helper()
	if resp == nil {
		t.Fatal("expected error frame, got nil")
	}
	if resp.Type != FrameErr || resp.Error == nil {
		t.Fatalf("Type = %q, want error frame (data %s)", resp.Type, resp.Data)
	}
	if resp.Error.Code != code {
		t.Fatalf("Error.Code = %d, want %d (%s)", resp.Error.Code, code, resp.Error.Message)
	}
}

func decodeResponse[T any](t *testing.T, resp *Frame) T {
	t.Helper()
	if resp == nil {
		t.Fatal("expected response frame, got nil")
	}
	if resp.Type != FrameResponse {
		msg := ""
		if resp.Error != nil {
			msg = resp.Error.Message
		}
		t.Fatalf("Type = %q, want response: %s", resp.Type, msg)
	}
	var v T
	if err := json.Unmarshal(resp.Data, &v); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return v
}

func waitStatus(t *testing.T, eng *engine.Engine, runID id.RunID, want workflow.Status) *workflow.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		run, err := eng.GetRun(context.Background(), runID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if run.Status == want {
			return run
		}
		if time.Now().After(deadline) {
			t.Fatalf("run %s: status %s, want %s", runID, run.Status, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// ── Frame-only methods ────────────────────────────────

func TestHandler_HandleSubscribe(t *testing.T) {
	t.Parallel()

	h := &Handler{logger: testLogger()}
	resp := h.Handle(context.Background(), requestFrame("req-1", MethodSubscribe, SubscribeRequest{Channel: "runs"}), rpcConn())

	if resp.CorrelID != "req-1" {
		t.Errorf("CorrelID = %q, want %q", resp.CorrelID, "req-1")
	}
	result := decodeResponse[map[string]string](t, resp)
	if result["channel"] != "runs" {
		t.Errorf("channel = %q, want %q", result["channel"], "runs")
	}
	if result["status"] != "subscribed" {
		t.Errorf("status = %q, want %q", result["status"], "subscribed")
	}
}

func TestHandler_HandleUnsubscribe(t *testing.T) {
	t.Parallel()

	h := &Handler{logger: testLogger()}
	resp := h.Handle(context.Background(), requestFrame("req-2", MethodUnsubscribe, UnsubscribeRequest{Channel: "runs"}), rpcConn())

	result := decodeResponse[map[string]string](t, resp)
	if result["status"] != "unsubscribed" {
		t.Errorf("status = %q, want %q", result["status"], "unsubscribed")
	}
}

func TestHandler_HandleSubscribeInvalidTopic(t *testing.T) {
	t.Parallel()

	h := &Handler{logger: testLogger()}
	for _, channel := range []string{"", "jobs", "run:", "queue:default"} {
		t.Run(channel, func(t *testing.T) {
			resp := h.Handle(context.Background(), requestFrame("req-3", MethodSubscribe, SubscribeRequest{Channel: channel}), rpcConn())
			expectError(t, resp, ErrCodeBadRequest)
		})
	}
}

func TestHandler_UnknownMethod(t *testing.T) {
	t.Parallel()

	h := &Handler{logger: testLogger()}
	resp := h.Handle(context.Background(), requestFrame("req-4", "job.enqueue", nil), rpcConn())
	expectError(t, resp, ErrCodeMethodNotFound)
}

func TestHandler_InvalidPayload(t *testing.T) {
	t.Parallel()

	h := &Handler{logger: testLogger()}
	frame := &Frame{ID: "req-5", Type: FrameRequest, Method: MethodSubscribe, Data: json.RawMessage(`{broken`)}
	expectError(t, h.Handle(context.Background(), frame, rpcConn()), ErrCodeBadRequest)
}

func TestHandler_StreamSubscribeRequiresTransport(t *testing.T) {
	t.Parallel()

	h := &Handler{logger: testLogger()}
	frame := requestFrame("req-6", MethodStreamSubscribe, StreamSubscribeRequest{RunID: id.NewRunID().String()})
	expectError(t, h.Handle(context.Background(), frame, rpcConn()), ErrCodeBadRequest)
}

func TestHandler_StreamUnsubscribeUnknown(t *testing.T) {
	t.Parallel()

	h := &Handler{logger: testLogger()}
	frame := requestFrame("req-7", MethodStreamUnsubscribe, UnsubscribeRequest{Channel: StreamChannel("run_x")})
	expectError(t, h.Handle(context.Background(), frame, rpcConn()), ErrCodeNotFound)
}

// ── Engine-backed methods ─────────────────────────────

func TestHandler_RunLifecycle(t *testing.T) {
	t.Parallel()

	eng := setupTestEngine(t)
	h := NewHandler(eng, testLogger())
	ctx := context.Background()

	start := decodeResponse[RunStartResponse](t, h.Handle(ctx,
		requestFrame("s-1", MethodRunStart, RunStartRequest{Workflow: "count", Input: json.RawMessage(`3`)}), rpcConn()))
	if start.Workflow != "count" {
		t.Errorf("Workflow = %q, want %q", start.Workflow, "count")
	}
	if start.Channel != StreamChannel(start.RunID) {
		t.Errorf("Channel = %q, want %q", start.Channel, StreamChannel(start.RunID))
	}

	runID, err := id.ParseRunID(start.RunID)
	if err != nil {
		t.Fatalf("ParseRunID: %v", err)
	}
	waitStatus(t, eng, runID, workflow.StatusCompleted)

	run := decodeResponse[workflow.Run](t, h.Handle(ctx,
		requestFrame("g-1", MethodRunGet, RunRequest{RunID: start.RunID}), rpcConn()))
	if run.Status != workflow.StatusCompleted || string(run.Output) != "3" {
		t.Errorf("run = %s/%s, want completed/3", run.Status, run.Output)
	}

	// Cancelling a finished run conflicts.
	resp := h.Handle(ctx, requestFrame("c-1", MethodRunCancel, RunRequest{RunID: start.RunID}), rpcConn())
	expectError(t, resp, ErrCodeConflict)
}

func TestHandler_RunStartErrors(t *testing.T) {
	t.Parallel()

	eng := setupTestEngine(t)
	h := NewHandler(eng, testLogger())
	ctx := context.Background()

	tests := []struct {
		name string
		req  RunStartRequest
		code int
	}{
		{"unknown workflow", RunStartRequest{Workflow: "nope"}, ErrCodeNotFound},
		{"bad run id", RunStartRequest{Workflow: "count", RunID: "garbage"}, ErrCodeBadRequest},
		{"input type mismatch", RunStartRequest{Workflow: "count", Input: json.RawMessage(`"three"`)}, ErrCodeBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectError(t, h.Handle(ctx, requestFrame("s-1", MethodRunStart, tt.req), rpcConn()), tt.code)
		})
	}

	expectError(t, h.Handle(ctx, requestFrame("g-1", MethodRunGet, RunRequest{RunID: id.NewRunID().String()}), rpcConn()), ErrCodeNotFound)
}

func TestHandler_HookResume(t *testing.T) {
	t.Parallel()

	eng := setupTestEngine(t)
	h := NewHandler(eng, testLogger())
	ctx := context.Background()

	handle, err := eng.Start(ctx, "approval", "tok-h")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitStatus(t, eng, handle.RunID, workflow.StatusSuspended)

	expectError(t, h.Handle(ctx, requestFrame("r-0", MethodHookResume, HookResumeRequest{}), rpcConn()), ErrCodeBadRequest)
	expectError(t, h.Handle(ctx, requestFrame("r-1", MethodHookResume,
		HookResumeRequest{Token: "missing", Payload: json.RawMessage(`{"approved":true}`)}), rpcConn()), ErrCodeNotFound)
	expectError(t, h.Handle(ctx, requestFrame("r-2", MethodHookResume,
		HookResumeRequest{Token: "tok-h", Payload: json.RawMessage(`{"approved":1}`)}), rpcConn()), ErrCodeBadRequest)

	ok := decodeResponse[HookResumeResponse](t, h.Handle(ctx, requestFrame("r-3", MethodHookResume,
		HookResumeRequest{Token: "tok-h", Payload: json.RawMessage(`{"approved":true}`)}), rpcConn()))
	if ok.Status != "accepted" {
		t.Errorf("Status = %q, want accepted", ok.Status)
	}

	run := waitStatus(t, eng, handle.RunID, workflow.StatusCompleted)
	if string(run.Output) != "true" {
		t.Errorf("Output = %s, want true", run.Output)
	}
}

func TestHandler_Stats(t *testing.T) {
	t.Parallel()

	eng := setupTestEngine(t)
	h := NewHandler(eng, testLogger())
	h.conns = func() int { return 3 }

	stats := decodeResponse[map[string]any](t, h.Handle(context.Background(), requestFrame("st-1", MethodStats, nil), rpcConn()))
	if stats["connections"] != float64(3) {
		t.Errorf("connections = %v, want 3", stats["connections"])
	}
	if names, _ := stats["workflows"].([]any); len(names) != 2 {
		t.Errorf("workflows = %v, want 2 names", stats["workflows"])
	}
}
