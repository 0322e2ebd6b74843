package workflow_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/xraph/durable/hook"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/journal"
	"github.com/xraph/durable/lease"
	"github.com/xraph/durable/step"
	"github.com/xraph/durable/store/memory"
	"github.com/xraph/durable/stream"
	"github.com/xraph/durable/workflow"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, name)
}

func (r *recorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == name {
			n++
		}
	}
	return n
}

func (r *recorder) EmitRunStarted(context.Context, *workflow.Run)   { r.add("started") }
func (r *recorder) EmitRunSuspended(context.Context, *workflow.Run) { r.add("suspended") }
func (r *recorder) EmitRunResumed(context.Context, *workflow.Run)   { r.add("resumed") }
func (r *recorder) EmitRunCompleted(context.Context, *workflow.Run, time.Duration) {
	r.add("completed")
}
func (r *recorder) EmitRunFailed(context.Context, *workflow.Run, error)    { r.add("failed") }
func (r *recorder) EmitRunCancelled(context.Context, *workflow.Run, error) { r.add("cancelled") }

// harness wires a Runner over the memory store with a synchronous
// scheduler: activations queue up and drain runs them on the test
// goroutine.
type harness struct {
	t       *testing.T
	store   *memory.Store
	reg     *workflow.Registry
	hooks   *hook.Registry
	streams *stream.Multiplexer
	runner  *workflow.Runner
	events  *recorder
	clock   *clock
	queue   chan id.RunID
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := memory.New()

	h := &harness{
		t:      t,
		store:  s,
		reg:    workflow.NewRegistry(),
		events: &recorder{},
		clock:  &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		queue:  make(chan id.RunID, 256),
	}
	h.hooks = hook.NewRegistry(s,
		hook.WithLogger(logger),
		hook.WithClock(h.clock.Now),
		hook.WithRehydrator(func(_ context.Context, runID id.RunID) { h.queue <- runID }),
	)
	h.streams = stream.NewMultiplexer(s,
		stream.WithLogger(logger),
		stream.WithPollInterval(10*time.Millisecond),
	)
	steps := step.NewExecutor(s,
		step.WithLogger(logger),
		step.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }),
	)
	leases := lease.NewManager(s, lease.WithLogger(logger), lease.WithHeartbeat(0))

	h.runner = workflow.NewRunner(h.reg, workflow.Services{
		Runs:    s,
		Journal: s,
		Hooks:   h.hooks,
		Streams: h.streams,
		Steps:   steps,
		Leases:  leases,
	},
		workflow.WithLogger(logger),
		workflow.WithEmitter(h.events),
		workflow.WithClock(h.clock.Now),
		workflow.WithScheduler(func(runID id.RunID) { h.queue <- runID }),
	)
	t.Cleanup(h.runner.Close)
	return h
}

func (h *harness) start(name string, input any, opts ...workflow.StartOptions) *workflow.Run {
	h.t.Helper()
	raw, err := json.Marshal(input)
	if err != nil {
		h.t.Fatalf("marshal input: %v", err)
	}
	var o workflow.StartOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	run, err := h.runner.Start(context.Background(), name, raw, o)
	if err != nil {
		h.t.Fatalf("Start(%s): %v", name, err)
	}
	return run
}

// drain activates queued runs until nothing is scheduled.
func (h *harness) drain() {
	h.t.Helper()
	for {
		select {
		case runID := <-h.queue:
			if err := h.runner.Activate(context.Background(), runID); err != nil {
				h.t.Fatalf("Activate(%s): %v", runID, err)
			}
		default:
			return
		}
	}
}

func (h *harness) resume(token string, payload string) {
	h.t.Helper()
	if _, err := h.hooks.Resume(context.Background(), token, []byte(payload)); err != nil {
		h.t.Fatalf("Resume(%s): %v", token, err)
	}
}

func (h *harness) get(runID id.RunID) *workflow.Run {
	h.t.Helper()
	run, err := h.store.GetRun(context.Background(), runID)
	if err != nil {
		h.t.Fatalf("GetRun: %v", err)
	}
	return run
}

func (h *harness) wantStatus(runID id.RunID, want workflow.Status) *workflow.Run {
	h.t.Helper()
	run := h.get(runID)
	if run.Status != want {
		h.t.Fatalf("run status = %s (error %q), want %s", run.Status, run.Error, want)
	}
	return run
}

func (h *harness) entries(runID id.RunID) []*journal.Entry {
	h.t.Helper()
	es, err := h.store.ListEntries(context.Background(), runID, 0)
	if err != nil {
		h.t.Fatalf("ListEntries: %v", err)
	}
	return es
}

func countKind(es []*journal.Entry, kind journal.Kind, key string) int {
	n := 0
	for _, e := range es {
		if e.Kind == kind && (key == "" || e.Key == key) {
			n++
		}
	}
	return n
}

// readStream collects the data chunks from start to the finish chunk.
func (h *harness) readStream(runID id.RunID, start int64) ([]string, stream.Final) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r, err := h.streams.Readable(ctx, runID, start)
	if err != nil {
		h.t.Fatalf("Readable: %v", err)
	}
	defer r.Close()

	var out []string
	for {
		c, err := r.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			h.t.Fatalf("Next: %v", err)
		}
		out = append(out, string(c.Data))
	}
	final, ok := r.Final()
	if !ok {
		h.t.Fatal("reader reached EOF without a final state")
	}
	return out, final
}
