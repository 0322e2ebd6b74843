package step_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/xraph/durable"
	"github.com/xraph/durable/backoff"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/journal"
	"github.com/xraph/durable/middleware"
	"github.com/xraph/durable/step"
	"github.com/xraph/durable/store/memory"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleeps) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newExecutor(s *memory.Store, rec *sleeps, opts ...step.ExecutorOption) *step.Executor {
	base := []step.ExecutorOption{
		step.WithLogger(discardLogger()),
		step.WithSleep(rec.sleep),
		step.WithMiddleware(middleware.Recover(discardLogger()), middleware.Timeout()),
	}
	return step.NewExecutor(s, append(base, opts...)...)
}

func call(runID id.RunID, key string, opts ...step.Option) step.Call {
	return step.Call{RunID: runID, Workflow: "test", Key: key, Options: step.NewOptions(opts...)}
}

func TestExecute_MemoizesSuccess(t *testing.T) {
	s := memory.New()
	x := newExecutor(s, &sleeps{})
	ctx := context.Background()
	runID := id.NewRunID()

	calls := 0
	fn := func(context.Context) ([]byte, error) {
		calls++
		return []byte(`{"id":"ch_1"}`), nil
	}

	for range 3 {
		out, err := x.Execute(ctx, call(runID, "charge#1"), fn)
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if string(out) != `{"id":"ch_1"}` {
			t.Fatalf("result = %s", out)
		}
	}
	if calls != 1 {
		t.Fatalf("fn called %d times, want 1", calls)
	}
	es, _ := s.ListEntries(ctx, runID, 0)
	if len(es) != 2 || es[0].Kind != journal.KindStepCall || es[1].Kind != journal.KindStepResult {
		t.Fatalf("journal = %+v", es)
	}
}

func TestExecute_RetriesWithBackoff(t *testing.T) {
	s := memory.New()
	rec := &sleeps{}
	x := newExecutor(s, rec, step.WithDefaultBackoff(backoff.NewExponential(time.Second, time.Minute)))
	ctx := context.Background()

	attempts := 0
	out, err := x.Execute(ctx, call(id.NewRunID(), "fetch#1", step.WithMaxRetries(3)), func(ctx context.Context) ([]byte, error) {
		attempts++
		info, ok := step.InfoFrom(ctx)
		if !ok || info.Attempt != attempts {
			t.Errorf("attempt info = %+v, %v", info, ok)
		}
		if attempts < 3 {
			return nil, errors.New("connection reset")
		}
		return []byte(`"ok"`), nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(out) != `"ok"` || attempts != 3 {
		t.Fatalf("out = %s after %d attempts", out, attempts)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(rec.delays) != 2 || rec.delays[0] != want[0] || rec.delays[1] != want[1] {
		t.Fatalf("delays = %v, want %v", rec.delays, want)
	}
}

func TestExecute_RetryAfterOverridesBackoff(t *testing.T) {
	s := memory.New()
	rec := &sleeps{}
	x := newExecutor(s, rec, step.WithDefaultBackoff(backoff.NewConstant(time.Second)))

	attempts := 0
	_, err := x.Execute(context.Background(), call(id.NewRunID(), "rate-limited#1", step.WithMaxRetries(1)), func(context.Context) ([]byte, error) {
		attempts++
		if attempts == 1 {
			return nil, durable.RetryAfter(errors.New("429"), 42*time.Second)
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(rec.delays) != 1 || rec.delays[0] != 42*time.Second {
		t.Fatalf("delays = %v, want [42s]", rec.delays)
	}
}

func TestExecute_ExhaustionIsFatal(t *testing.T) {
	s := memory.New()
	x := newExecutor(s, &sleeps{})
	ctx := context.Background()
	runID := id.NewRunID()

	attempts := 0
	fn := func(context.Context) ([]byte, error) {
		attempts++
		return nil, errors.New("still down")
	}
	_, err := x.Execute(ctx, call(runID, "flaky#1", step.WithMaxRetries(2)), fn)
	var fe *durable.FatalError
	if !errors.As(err, &fe) || !errors.Is(err, durable.ErrMaxRetriesExceeded) {
		t.Fatalf("err = %v, want fatal max-retries error", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}

	// Replay returns the same failure without running fn.
	_, again := x.Execute(ctx, call(runID, "flaky#1", step.WithMaxRetries(2)), fn)
	if again == nil || again.Error() != err.Error() || !errors.Is(again, durable.ErrMaxRetriesExceeded) {
		t.Fatalf("replayed err = %v, want %v", again, err)
	}
	if attempts != 3 {
		t.Fatalf("replay ran fn again")
	}
}

func TestExecute_FatalAndValidationAreNotRetried(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"fatal", durable.Fatalf("card declined")},
		{"validation", durable.NewValidationError("amount", "must be positive")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := memory.New()
			x := newExecutor(s, &sleeps{})
			attempts := 0
			_, err := x.Execute(context.Background(), call(id.NewRunID(), "k#1", step.WithMaxRetries(5)), func(context.Context) ([]byte, error) {
				attempts++
				return nil, tt.err
			})
			if attempts != 1 {
				t.Fatalf("attempts = %d, want 1", attempts)
			}
			if errors.Is(err, durable.ErrMaxRetriesExceeded) || !durable.IsFatal(err) {
				t.Fatalf("err = %v", err)
			}
		})
	}
}

func TestExecute_PanicIsRetried(t *testing.T) {
	s := memory.New()
	x := newExecutor(s, &sleeps{})

	attempts := 0
	out, err := x.Execute(context.Background(), call(id.NewRunID(), "boom#1", step.WithMaxRetries(1)), func(context.Context) ([]byte, error) {
		attempts++
		if attempts == 1 {
			panic("nil map")
		}
		return []byte(`1`), nil
	})
	if err != nil || string(out) != "1" || attempts != 2 {
		t.Fatalf("out = %s, err = %v, attempts = %d", out, err, attempts)
	}
}

func TestExecute_TimeoutIsRetryable(t *testing.T) {
	s := memory.New()
	x := newExecutor(s, &sleeps{})

	attempts := 0
	_, err := x.Execute(context.Background(),
		call(id.NewRunID(), "slow#1", step.WithMaxRetries(1), step.WithTimeout(10*time.Millisecond)),
		func(ctx context.Context) ([]byte, error) {
			attempts++
			<-ctx.Done()
			return nil, ctx.Err()
		})
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
	if !errors.Is(err, durable.ErrMaxRetriesExceeded) {
		t.Fatalf("err = %v", err)
	}
}

func TestExecute_GuardDiscardsResult(t *testing.T) {
	s := memory.New()
	x := newExecutor(s, &sleeps{})
	ctx := context.Background()
	runID := id.NewRunID()

	c := call(runID, "charge#1")
	c.Guard = func(context.Context) error { return durable.ErrRunCancelled }
	_, err := x.Execute(ctx, c, func(context.Context) ([]byte, error) { return []byte(`1`), nil })
	if !errors.Is(err, durable.ErrRunCancelled) {
		t.Fatalf("err = %v, want ErrRunCancelled", err)
	}
	es, _ := s.ListEntries(ctx, runID, 0)
	for _, e := range es {
		if e.Kind == journal.KindStepResult {
			t.Fatal("result recorded for a cancelled run")
		}
	}
}

type emitted struct {
	mu        sync.Mutex
	completed int
	retrying  int
	failed    int
}

func (e *emitted) EmitStepCompleted(context.Context, id.RunID, string, int, time.Duration) {
	e.mu.Lock()
	e.completed++
	e.mu.Unlock()
}

func (e *emitted) EmitStepRetrying(context.Context, id.RunID, string, int, time.Duration, error) {
	e.mu.Lock()
	e.retrying++
	e.mu.Unlock()
}

func (e *emitted) EmitStepFailed(context.Context, id.RunID, string, error) {
	e.mu.Lock()
	e.failed++
	e.mu.Unlock()
}

func TestExecute_EmitsLifecycle(t *testing.T) {
	s := memory.New()
	em := &emitted{}
	x := newExecutor(s, &sleeps{}, step.WithEmitter(em), step.WithDefaultMaxRetries(1))
	ctx := context.Background()
	runID := id.NewRunID()

	_, _ = x.Execute(ctx, call(runID, "ok#1"), func(context.Context) ([]byte, error) { return nil, nil })
	_, _ = x.Execute(ctx, call(runID, "bad#1"), func(context.Context) ([]byte, error) { return nil, errors.New("no") })

	if em.completed != 1 || em.retrying != 1 || em.failed != 1 {
		t.Fatalf("completed=%d retrying=%d failed=%d, want 1/1/1", em.completed, em.retrying, em.failed)
	}
}

func TestInfo_IdempotencyKeyIsStable(t *testing.T) {
	runID := id.NewRunID()
	a := step.Info{RunID: runID, Key: "charge#1", Attempt: 1}
	b := step.Info{RunID: runID, Key: "charge#1", Attempt: 3}
	if a.IdempotencyKey() != b.IdempotencyKey() {
		t.Fatalf("keys differ across attempts: %s vs %s", a.IdempotencyKey(), b.IdempotencyKey())
	}
}
