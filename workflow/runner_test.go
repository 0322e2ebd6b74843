package workflow_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/durable"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/journal"
	"github.com/xraph/durable/step"
	"github.com/xraph/durable/stream"
	"github.com/xraph/durable/workflow"
)

type orderIn struct {
	Amount int `json:"amount"`
}

func TestReplayIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var charges, receipts atomic.Int32
	workflow.Register(h.reg, workflow.New("order", func(wf *workflow.Workflow, in orderIn) (string, error) {
		chargeID, err := workflow.StepWithResult(wf, "charge", func(context.Context) (string, error) {
			charges.Add(1)
			return fmt.Sprintf("ch_%d", in.Amount), nil
		})
		if err != nil {
			return "", err
		}
		approval, err := wf.CreateHook("approval", workflow.WithToken("approve-order"))
		if err != nil {
			return "", err
		}
		ok, err := workflow.AwaitHook[bool](approval)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", durable.Fatalf("order rejected")
		}
		if err := wf.Step("receipt", func(context.Context) error {
			receipts.Add(1)
			return nil
		}); err != nil {
			return "", err
		}
		return chargeID, nil
	}))

	run := h.start("order", orderIn{Amount: 42})
	h.drain()
	suspended := h.wantStatus(run.ID, workflow.StatusSuspended)
	if len(suspended.WaitingOn) != 1 || suspended.WaitingOn[0] != "approve-order" {
		t.Fatalf("WaitingOn = %v", suspended.WaitingOn)
	}
	before := h.entries(run.ID)

	for range 3 {
		if err := h.runner.Activate(ctx, run.ID); err != nil {
			t.Fatalf("Activate: %v", err)
		}
	}
	if after := h.entries(run.ID); len(after) != len(before) {
		t.Fatalf("replay appended entries: %d before, %d after", len(before), len(after))
	}
	if charges.Load() != 1 {
		t.Fatalf("charge executed %d times during replay, want 1", charges.Load())
	}

	h.resume("approve-order", "true")
	h.drain()

	done := h.wantStatus(run.ID, workflow.StatusCompleted)
	if string(done.Output) != `"ch_42"` {
		t.Fatalf("output = %s", done.Output)
	}
	if charges.Load() != 1 || receipts.Load() != 1 {
		t.Fatalf("charges = %d, receipts = %d; want 1 each", charges.Load(), receipts.Load())
	}

	es := h.entries(run.ID)
	want := []journal.Kind{
		journal.KindStepCall, journal.KindStepResult,
		journal.KindHookWait, journal.KindHookResume,
		journal.KindStepCall, journal.KindStepResult,
	}
	if len(es) != len(want) {
		t.Fatalf("journal has %d entries, want %d", len(es), len(want))
	}
	for i, e := range es {
		if e.Kind != want[i] {
			t.Fatalf("entry %d kind = %s, want %s", i, e.Kind, want[i])
		}
	}
	if h.events.count("completed") != 1 {
		t.Fatalf("completed emitted %d times", h.events.count("completed"))
	}
}

func TestDanglingStepCallCountsAsAttempt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var calls atomic.Int32
	workflow.Register(h.reg, workflow.New("charge", func(wf *workflow.Workflow, _ struct{}) (string, error) {
		err := wf.Step("charge", func(context.Context) error {
			calls.Add(1)
			return nil
		}, step.WithMaxRetries(1))
		return "ok", err
	}))

	run := h.start("charge", struct{}{})
	// A previous process started attempt 1 and died before recording a result.
	if err := h.store.AppendEntry(ctx, &journal.Entry{RunID: run.ID, Kind: journal.KindStepCall, Key: "charge#1", Attempt: 1}); err != nil {
		t.Fatalf("AppendEntry: %v", err)
	}
	h.drain()

	h.wantStatus(run.ID, workflow.StatusCompleted)
	if calls.Load() != 1 {
		t.Fatalf("step executed %d times, want 1", calls.Load())
	}
	es := h.entries(run.ID)
	if n := countKind(es, journal.KindStepCall, "charge#1"); n != 2 {
		t.Fatalf("step_call entries = %d, want 2", n)
	}
	last := es[len(es)-1]
	if last.Kind != journal.KindStepResult || last.Attempt != 2 || last.Error != "" {
		t.Fatalf("last entry = %+v, want successful result of attempt 2", last)
	}
}

func TestCrashesExhaustRetries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var calls atomic.Int32
	workflow.Register(h.reg, workflow.New("charge", func(wf *workflow.Workflow, _ struct{}) (string, error) {
		err := wf.Step("charge", func(context.Context) error {
			calls.Add(1)
			return nil
		}, step.WithMaxRetries(0))
		return "ok", err
	}))

	run := h.start("charge", struct{}{})
	if err := h.store.AppendEntry(ctx, &journal.Entry{RunID: run.ID, Kind: journal.KindStepCall, Key: "charge#1", Attempt: 1}); err != nil {
		t.Fatalf("AppendEntry: %v", err)
	}
	h.drain()

	failed := h.wantStatus(run.ID, workflow.StatusFailed)
	if calls.Load() != 0 {
		t.Fatalf("step executed %d times, want 0", calls.Load())
	}
	if !strings.Contains(failed.Error, "max retries exceeded") {
		t.Fatalf("error = %q", failed.Error)
	}
}

func TestMaxRetriesTwoMeansThreeAttempts(t *testing.T) {
	h := newHarness(t)

	var attempts atomic.Int32
	workflow.Register(h.reg, workflow.New("flaky", func(wf *workflow.Workflow, _ struct{}) (string, error) {
		err := wf.Step("call-upstream", func(context.Context) error {
			attempts.Add(1)
			return errors.New("upstream unavailable")
		}, step.WithMaxRetries(2))
		return "", err
	}))

	run := h.start("flaky", struct{}{})
	h.drain()

	failed := h.wantStatus(run.ID, workflow.StatusFailed)
	if attempts.Load() != 3 {
		t.Fatalf("attempts = %d, want 3", attempts.Load())
	}
	if !strings.Contains(failed.Error, "upstream unavailable") {
		t.Fatalf("error = %q", failed.Error)
	}
	es := h.entries(run.ID)
	if n := countKind(es, journal.KindStepCall, ""); n != 3 {
		t.Fatalf("step_call entries = %d, want 3", n)
	}
	if n := countKind(es, journal.KindStepResult, ""); n != 1 {
		t.Fatalf("step_result entries = %d, want 1", n)
	}

	chunks, final := h.readStream(run.ID, 0)
	if len(chunks) != 0 || final.Status != stream.StatusFailed || final.Error == "" {
		t.Fatalf("stream = %v, final %+v", chunks, final)
	}
	if h.events.count("failed") != 1 {
		t.Fatalf("failed emitted %d times", h.events.count("failed"))
	}
}

func TestFatalStepErrorIsNotRetried(t *testing.T) {
	h := newHarness(t)

	var attempts atomic.Int32
	workflow.Register(h.reg, workflow.New("strict", func(wf *workflow.Workflow, _ struct{}) (string, error) {
		err := wf.Step("validate", func(context.Context) error {
			attempts.Add(1)
			return durable.Fatalf("card declined")
		}, step.WithMaxRetries(5))
		var fe *durable.FatalError
		if !errors.As(err, &fe) {
			return "", fmt.Errorf("step error %T is not fatal", err)
		}
		return "handled", nil
	}))

	run := h.start("strict", struct{}{})
	h.drain()

	done := h.wantStatus(run.ID, workflow.StatusCompleted)
	if string(done.Output) != `"handled"` {
		t.Fatalf("output = %s", done.Output)
	}
	if attempts.Load() != 1 {
		t.Fatalf("attempts = %d, want 1", attempts.Load())
	}
}

type rsvp struct {
	Name string `json:"name"`
}

func TestJoinResolvedOutOfOrder(t *testing.T) {
	h := newHarness(t)

	var tallies atomic.Int32
	workflow.Register(h.reg, workflow.New("party", func(wf *workflow.Workflow, _ struct{}) ([]string, error) {
		var handles []workflow.Handle
		for _, token := range []string{"rsvp1", "rsvp2", "rsvp3"} {
			hk, err := wf.CreateHook("rsvp", workflow.WithToken(token))
			if err != nil {
				return nil, err
			}
			handles = append(handles, hk)
		}
		results, err := workflow.All(wf, handles...)
		if err != nil {
			return nil, err
		}
		return workflow.StepWithResult(wf, "tally", func(context.Context) ([]string, error) {
			tallies.Add(1)
			names := make([]string, 0, len(results))
			for _, r := range results {
				var v rsvp
				if err := r.Decode(&v); err != nil {
					return nil, durable.Fatal(err)
				}
				names = append(names, v.Name)
			}
			return names, nil
		})
	}))

	run := h.start("party", struct{}{})
	h.drain()
	if got := h.wantStatus(run.ID, workflow.StatusSuspended); len(got.WaitingOn) != 3 {
		t.Fatalf("WaitingOn = %v, want 3 tokens", got.WaitingOn)
	}

	h.resume("rsvp3", `{"name":"carol"}`)
	h.drain()
	if got := h.wantStatus(run.ID, workflow.StatusSuspended); len(got.WaitingOn) != 2 {
		t.Fatalf("WaitingOn = %v, want 2 tokens", got.WaitingOn)
	}
	h.resume("rsvp1", `{"name":"alice"}`)
	h.drain()
	h.wantStatus(run.ID, workflow.StatusSuspended)
	h.resume("rsvp2", `{"name":"bob"}`)
	h.drain()

	done := h.wantStatus(run.ID, workflow.StatusCompleted)
	if string(done.Output) != `["alice","bob","carol"]` {
		t.Fatalf("output = %s", done.Output)
	}
	if tallies.Load() != 1 || h.events.count("completed") != 1 {
		t.Fatalf("tally ran %d times, completed emitted %d times; want 1 and 1",
			tallies.Load(), h.events.count("completed"))
	}
}

func TestConcurrentResumeDeliversOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var applied atomic.Int32
	workflow.Register(h.reg, workflow.New("approve", func(wf *workflow.Workflow, _ struct{}) (int, error) {
		hk, err := wf.CreateHook("approval", workflow.WithToken("approve-1"))
		if err != nil {
			return 0, err
		}
		v, err := workflow.AwaitHook[map[string]int](hk)
		if err != nil {
			return 0, err
		}
		if err := wf.Step("apply", func(context.Context) error {
			applied.Add(1)
			return nil
		}); err != nil {
			return 0, err
		}
		return v["i"], nil
	}))

	run := h.start("approve", struct{}{})
	h.drain()

	const n = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  []int
		rejected int
	)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.hooks.Resume(ctx, "approve-1", []byte(fmt.Sprintf(`{"i":%d}`, i)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, i)
			case errors.Is(err, durable.ErrHookAlreadyResolved):
				rejected++
			default:
				t.Errorf("Resume: %v", err)
			}
		}()
	}
	wg.Wait()
	if len(winners) != 1 || rejected != n-1 {
		t.Fatalf("winners = %v, rejected = %d", winners, rejected)
	}

	h.drain()
	done := h.wantStatus(run.ID, workflow.StatusCompleted)
	if string(done.Output) != fmt.Sprint(winners[0]) {
		t.Fatalf("output = %s, want %d", done.Output, winners[0])
	}
	if applied.Load() != 1 {
		t.Fatalf("apply ran %d times", applied.Load())
	}
	if got := countKind(h.entries(run.ID), journal.KindHookResume, ""); got != 1 {
		t.Fatalf("hook_resume entries = %d, want 1", got)
	}
}

func TestAnyPicksFirstDelivery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	workflow.Register(h.reg, workflow.New("race", func(wf *workflow.Workflow, _ struct{}) (string, error) {
		a, err := wf.CreateHook("a", workflow.WithToken("any-a"))
		if err != nil {
			return "", err
		}
		b, err := wf.CreateHook("b", workflow.WithToken("any-b"))
		if err != nil {
			return "", err
		}
		res, err := workflow.Any(wf, a, b)
		if err != nil {
			return "", err
		}
		return res.Key, nil
	}))

	run := h.start("race", struct{}{})
	h.drain()
	h.wantStatus(run.ID, workflow.StatusSuspended)

	h.resume("any-b", `"late"`)
	h.drain()
	done := h.wantStatus(run.ID, workflow.StatusCompleted)
	if string(done.Output) != `"b#1"` {
		t.Fatalf("output = %s, want \"b#1\"", done.Output)
	}
	if _, err := h.hooks.Resume(ctx, "any-a", []byte(`"too late"`)); !errors.Is(err, durable.ErrHookNotFound) {
		t.Fatalf("Resume after completion = %v, want ErrHookNotFound", err)
	}
}

func TestAnyOverStepsAndHooks(t *testing.T) {
	h := newHarness(t)

	workflow.Register(h.reg, workflow.New("lookup", func(wf *workflow.Workflow, _ struct{}) (string, error) {
		manual, err := wf.CreateHook("manual", workflow.WithToken("manual-answer"))
		if err != nil {
			return "", err
		}
		auto := workflow.Go(wf, "auto", func(context.Context) (string, error) {
			return "computed", nil
		})
		res, err := workflow.Any(wf, manual, auto)
		if err != nil {
			return "", err
		}
		var answer string
		if err := res.Decode(&answer); err != nil {
			return "", err
		}
		return res.Key + "=" + answer, nil
	}))

	run := h.start("lookup", struct{}{})
	h.drain()
	done := h.wantStatus(run.ID, workflow.StatusCompleted)
	if string(done.Output) != `"auto#1=computed"` {
		t.Fatalf("output = %s", done.Output)
	}
}

func TestIterableHookDeliversInOrder(t *testing.T) {
	h := newHarness(t)

	workflow.Register(h.reg, workflow.New("sum", func(wf *workflow.Workflow, _ struct{}) (int, error) {
		hk, err := wf.CreateHook("numbers", workflow.WithToken("sum:numbers"), workflow.Iterable())
		if err != nil {
			return 0, err
		}
		total := 0
		for {
			n, err := workflow.NextHook[int](hk)
			if err != nil {
				return 0, err
			}
			if n == 0 {
				return total, nil
			}
			total = total*10 + n
		}
	}))

	run := h.start("sum", struct{}{})
	h.drain()

	h.resume("sum:numbers", "1")
	h.drain()
	h.wantStatus(run.ID, workflow.StatusSuspended)

	// Several deliveries land before the next activation.
	h.resume("sum:numbers", "2")
	h.resume("sum:numbers", "3")
	h.resume("sum:numbers", "0")
	h.drain()

	done := h.wantStatus(run.ID, workflow.StatusCompleted)
	if string(done.Output) != "123" {
		t.Fatalf("output = %s, want 123", done.Output)
	}
}

func TestSleepWakesAfterDeadline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var after atomic.Int32
	workflow.Register(h.reg, workflow.New("nap", func(wf *workflow.Workflow, _ struct{}) (string, error) {
		wf.Sleep("cool-off", time.Hour)
		if err := wf.Step("after", func(context.Context) error {
			after.Add(1)
			return nil
		}); err != nil {
			return "", err
		}
		return "woke", nil
	}))

	start := h.clock.Now()
	run := h.start("nap", struct{}{})
	h.drain()

	suspended := h.wantStatus(run.ID, workflow.StatusSuspended)
	if suspended.WakeAt == nil || !suspended.WakeAt.Equal(start.Add(time.Hour)) {
		t.Fatalf("WakeAt = %v, want %v", suspended.WakeAt, start.Add(time.Hour))
	}
	if n, err := h.runner.WakeDue(ctx, 0); err != nil || n != 0 {
		t.Fatalf("WakeDue before the deadline = %d, %v", n, err)
	}

	h.clock.Advance(2 * time.Hour)
	if n, err := h.runner.WakeDue(ctx, 0); err != nil || n != 1 {
		t.Fatalf("WakeDue = %d, %v; want 1", n, err)
	}
	h.drain()

	h.wantStatus(run.ID, workflow.StatusCompleted)
	if after.Load() != 1 {
		t.Fatalf("step after sleep ran %d times", after.Load())
	}
	es := h.entries(run.ID)
	if countKind(es, journal.KindSleep, "cool-off#1") != 1 || countKind(es, journal.KindCheckpoint, "cool-off#1") != 1 {
		t.Fatalf("journal lacks sleep/checkpoint pair: %d entries", len(es))
	}
}

func TestCancelSuspendedRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	workflow.Register(h.reg, workflow.New("wait", func(wf *workflow.Workflow, _ struct{}) (string, error) {
		hk, err := wf.CreateHook("go", workflow.WithToken("cancel-me"))
		if err != nil {
			return "", err
		}
		return workflow.AwaitHook[string](hk)
	}))

	run := h.start("wait", struct{}{})
	h.drain()
	h.wantStatus(run.ID, workflow.StatusSuspended)

	if err := h.runner.Cancel(ctx, run.ID, nil); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	cancelled := h.wantStatus(run.ID, workflow.StatusCancelled)
	if cancelled.Error != durable.ErrRunCancelled.Error() || cancelled.CompletedAt == nil {
		t.Fatalf("cancelled run = %+v", cancelled)
	}
	if _, err := h.hooks.Resume(ctx, "cancel-me", []byte(`"x"`)); !errors.Is(err, durable.ErrHookNotFound) {
		t.Fatalf("Resume after cancel = %v, want ErrHookNotFound", err)
	}
	if err := h.runner.Cancel(ctx, run.ID, nil); !errors.Is(err, durable.ErrRunTerminal) {
		t.Fatalf("second Cancel = %v, want ErrRunTerminal", err)
	}
	if _, final := h.readStream(run.ID, 0); final.Status != stream.StatusCancelled {
		t.Fatalf("final = %+v", final)
	}
	if h.events.count("cancelled") != 1 {
		t.Fatalf("cancelled emitted %d times", h.events.count("cancelled"))
	}
}

func TestCancelDiscardsInFlightStep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	var later atomic.Int32
	workflow.Register(h.reg, workflow.New("slow", func(wf *workflow.Workflow, _ struct{}) (string, error) {
		if err := wf.Step("slow", func(context.Context) error {
			close(started)
			<-release
			return nil
		}); err != nil {
			return "", err
		}
		if err := wf.Step("later", func(context.Context) error {
			later.Add(1)
			return nil
		}); err != nil {
			return "", err
		}
		return "done", nil
	}))

	run := h.start("slow", struct{}{})
	runID := <-h.queue
	errc := make(chan error, 1)
	go func() { errc <- h.runner.Activate(ctx, runID) }()

	<-started
	if err := h.runner.Cancel(ctx, run.ID, nil); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	close(release)
	if err := <-errc; err != nil {
		t.Fatalf("Activate: %v", err)
	}

	h.wantStatus(run.ID, workflow.StatusCancelled)
	if n := countKind(h.entries(run.ID), journal.KindStepResult, "slow#1"); n != 0 {
		t.Fatalf("result of the cancelled step was recorded")
	}
	if later.Load() != 0 {
		t.Fatal("body continued after cancellation")
	}
}

func TestRunTimeoutCancels(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	workflow.Register(h.reg, workflow.New("forever", func(wf *workflow.Workflow, _ struct{}) (string, error) {
		hk, err := wf.CreateHook("never")
		if err != nil {
			return "", err
		}
		return workflow.AwaitHook[string](hk)
	}))

	run := h.start("forever", struct{}{}, workflow.StartOptions{Timeout: time.Hour})
	if run.Deadline == nil {
		t.Fatal("Deadline not set")
	}
	h.drain()
	h.wantStatus(run.ID, workflow.StatusSuspended)

	h.clock.Advance(2 * time.Hour)
	if n, err := h.runner.WakeDue(ctx, 0); err != nil || n != 1 {
		t.Fatalf("WakeDue = %d, %v", n, err)
	}
	h.drain()

	cancelled := h.wantStatus(run.ID, workflow.StatusCancelled)
	if !strings.Contains(cancelled.Error, "deadline exceeded") {
		t.Fatalf("error = %q", cancelled.Error)
	}
}

func TestParallelReportsLowestFailedBranch(t *testing.T) {
	h := newHarness(t)

	var ran atomic.Int32
	workflow.Register(h.reg, workflow.New("fanout", func(wf *workflow.Workflow, _ struct{}) (string, error) {
		err := wf.Parallel("notify",
			func(context.Context) error { ran.Add(1); return nil },
			func(context.Context) error { ran.Add(1); return durable.Fatalf("branch 1 broke") },
			func(context.Context) error { ran.Add(1); return durable.Fatalf("branch 2 broke") },
		)
		return "", err
	}))

	run := h.start("fanout", struct{}{})
	h.drain()

	failed := h.wantStatus(run.ID, workflow.StatusFailed)
	if !strings.Contains(failed.Error, "branch 1 broke") {
		t.Fatalf("error = %q, want the lowest failed branch", failed.Error)
	}
	if ran.Load() != 3 {
		t.Fatalf("branches ran %d times, want 3", ran.Load())
	}
	es := h.entries(run.ID)
	for i := range 3 {
		key := fmt.Sprintf("notify#1/%d", i)
		if countKind(es, journal.KindStepResult, key) != 1 {
			t.Fatalf("no result recorded for %s", key)
		}
	}
}

func TestStreamWritesAreNotRepeatedOnReplay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	workflow.Register(h.reg, workflow.New("chatty", func(wf *workflow.Workflow, _ struct{}) (string, error) {
		out := wf.Writable()
		if err := out.WriteJSON("one"); err != nil {
			return "", err
		}
		if err := out.WriteJSON("two"); err != nil {
			return "", err
		}
		if err := wf.Step("emit", func(ctx context.Context) error {
			w, ok := stream.WriterFrom(ctx)
			if !ok {
				return durable.Fatalf("no stream writer in step context")
			}
			_, err := w.WriteJSON(ctx, "three")
			return err
		}); err != nil {
			return "", err
		}
		hk, err := wf.CreateHook("continue", workflow.WithToken("chatty-continue"))
		if err != nil {
			return "", err
		}
		if _, err := workflow.AwaitHook[bool](hk); err != nil {
			return "", err
		}
		if err := out.WriteJSON("four"); err != nil {
			return "", err
		}
		return "done", nil
	}))

	run := h.start("chatty", struct{}{})
	h.drain()
	if err := h.runner.Activate(ctx, run.ID); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	h.resume("chatty-continue", "true")
	h.drain()
	h.wantStatus(run.ID, workflow.StatusCompleted)

	chunks, final := h.readStream(run.ID, 0)
	want := []string{`"one"`, `"two"`, `"three"`, `"four"`}
	if strings.Join(chunks, ",") != strings.Join(want, ",") {
		t.Fatalf("chunks = %v, want %v", chunks, want)
	}
	if final.Status != stream.StatusCompleted || string(final.Output) != `"done"` {
		t.Fatalf("final = %+v", final)
	}

	tail, _ := h.readStream(run.ID, 2)
	if strings.Join(tail, ",") != `"three","four"` {
		t.Fatalf("reconnect from 2 = %v", tail)
	}
	if rest, final := h.readStream(run.ID, 4); len(rest) != 0 || final.Status != stream.StatusCompleted {
		t.Fatalf("reader past the last chunk = %v, %+v", rest, final)
	}
}

func TestNowIsStableAcrossReplays(t *testing.T) {
	h := newHarness(t)

	var (
		mu   sync.Mutex
		seen []time.Time
	)
	workflow.Register(h.reg, workflow.New("stamp", func(wf *workflow.Workflow, _ struct{}) (string, error) {
		now := workflow.Now(wf)
		mu.Lock()
		seen = append(seen, now)
		mu.Unlock()
		hk, err := wf.CreateHook("go", workflow.WithToken("stamp-go"))
		if err != nil {
			return "", err
		}
		if _, err := workflow.AwaitHook[bool](hk); err != nil {
			return "", err
		}
		return now.Format(time.RFC3339), nil
	}))

	run := h.start("stamp", struct{}{})
	h.drain()
	h.clock.Advance(time.Hour)
	h.resume("stamp-go", "true")
	h.drain()

	done := h.wantStatus(run.ID, workflow.StatusCompleted)
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || !seen[0].Equal(seen[1]) {
		t.Fatalf("Now observed %v across activations", seen)
	}
	if string(done.Output) != `"2026-03-01T12:00:00Z"` {
		t.Fatalf("output = %s", done.Output)
	}
}

type signup struct {
	Email string `json:"email"`
}

func (s signup) Validate() error {
	if s.Email == "" {
		return errors.New("email is required")
	}
	return nil
}

func TestStartRejectsBadRequests(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	workflow.Register(h.reg, workflow.New("signup", func(_ *workflow.Workflow, in signup) (string, error) {
		return in.Email, nil
	}))

	_, err := h.runner.Start(ctx, "signup", []byte(`{"email":""}`), workflow.StartOptions{})
	var ve *durable.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("Start(invalid) = %v, want ValidationError", err)
	}
	if _, err := h.runner.Start(ctx, "signup", []byte(`{not json`), workflow.StartOptions{}); !errors.As(err, &ve) {
		t.Fatalf("Start(malformed) = %v, want ValidationError", err)
	}
	if _, err := h.runner.Start(ctx, "missing", nil, workflow.StartOptions{}); !errors.Is(err, durable.ErrWorkflowNotFound) {
		t.Fatalf("Start(unknown) = %v, want ErrWorkflowNotFound", err)
	}

	runID := id.NewRunID()
	opts := workflow.StartOptions{RunID: runID}
	if _, err := h.runner.Start(ctx, "signup", []byte(`{"email":"a@b.c"}`), opts); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := h.runner.Start(ctx, "signup", []byte(`{"email":"a@b.c"}`), opts); !errors.Is(err, durable.ErrRunAlreadyExists) {
		t.Fatalf("Start(duplicate id) = %v, want ErrRunAlreadyExists", err)
	}
}

func TestPanicFailsRun(t *testing.T) {
	h := newHarness(t)

	workflow.Register(h.reg, workflow.New("boom", func(_ *workflow.Workflow, _ struct{}) (string, error) {
		panic("kaboom")
	}))

	run := h.start("boom", struct{}{})
	h.drain()
	failed := h.wantStatus(run.ID, workflow.StatusFailed)
	if !strings.Contains(failed.Error, "kaboom") {
		t.Fatalf("error = %q", failed.Error)
	}
}

func TestRecoverSchedulesOrphanedRuns(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	workflow.Register(h.reg, workflow.New("simple", func(_ *workflow.Workflow, _ struct{}) (string, error) {
		return "ok", nil
	}))

	now := time.Now().UTC()
	orphan := &workflow.Run{ID: id.NewRunID(), Workflow: "simple", Version: 1, Status: workflow.StatusRunning, CreatedAt: now}
	owned := &workflow.Run{ID: id.NewRunID(), Workflow: "simple", Version: 1, Status: workflow.StatusRunning, CreatedAt: now}
	for _, r := range []*workflow.Run{orphan, owned} {
		if err := h.store.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}
	if ok, err := h.store.AcquireLease(ctx, "run:"+owned.ID.String(), "another-process", time.Minute); err != nil || !ok {
		t.Fatalf("AcquireLease: %v, %v", ok, err)
	}

	n, err := h.runner.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("Recover scheduled %d runs, want 1", n)
	}
	h.drain()
	h.wantStatus(orphan.ID, workflow.StatusCompleted)
	h.wantStatus(owned.ID, workflow.StatusRunning)

	if err := h.runner.Activate(ctx, owned.ID); !errors.Is(err, durable.ErrLeaseConflict) {
		t.Fatalf("Activate(leased elsewhere) = %v, want ErrLeaseConflict", err)
	}
}

func TestRunsKeepTheirVersion(t *testing.T) {
	h := newHarness(t)

	v1 := workflow.New("greet", func(_ *workflow.Workflow, _ struct{}) (string, error) { return "v1", nil })
	workflow.Register(h.reg, v1)
	first := h.start("greet", struct{}{})

	v2 := workflow.New("greet", func(_ *workflow.Workflow, _ struct{}) (string, error) { return "v2", nil })
	v2.Version = 2
	workflow.Register(h.reg, v2)
	second := h.start("greet", struct{}{})
	h.drain()

	if got := h.wantStatus(first.ID, workflow.StatusCompleted); string(got.Output) != `"v1"` {
		t.Fatalf("first run output = %s, want v1", got.Output)
	}
	if got := h.wantStatus(second.ID, workflow.StatusCompleted); string(got.Output) != `"v2"` || got.Version != 2 {
		t.Fatalf("second run = %+v", got)
	}
}

func TestExpiredHookWakesRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	workflow.Register(h.reg, workflow.New("expiring", func(wf *workflow.Workflow, _ struct{}) (string, error) {
		hk, err := wf.CreateHook("approval", workflow.WithToken("approve-soon"), workflow.WithTTL(time.Minute))
		if err != nil {
			return "", err
		}
		ok, err := workflow.AwaitHook[bool](hk)
		switch {
		case errors.Is(err, durable.ErrHookExpired):
			return "expired", nil
		case err != nil:
			return "", err
		case ok:
			return "approved", nil
		}
		return "rejected", nil
	}))

	run := h.start("expiring", struct{}{})
	h.drain()
	suspended := h.wantStatus(run.ID, workflow.StatusSuspended)
	want := h.clock.Now().Add(time.Minute)
	if suspended.WakeAt == nil || !suspended.WakeAt.Equal(want) {
		t.Fatalf("WakeAt = %v, want the hook expiry %v", suspended.WakeAt, want)
	}

	if n, err := h.runner.WakeDue(ctx, 10); err != nil || n != 0 {
		t.Fatalf("WakeDue before expiry = %d, %v", n, err)
	}

	h.clock.Advance(2 * time.Minute)
	if _, err := h.hooks.Resume(ctx, "approve-soon", []byte("true")); !errors.Is(err, durable.ErrHookNotFound) {
		t.Fatalf("Resume after TTL: err = %v, want ErrHookNotFound", err)
	}
	if n, err := h.runner.WakeDue(ctx, 10); err != nil || n != 1 {
		t.Fatalf("WakeDue after expiry = %d, %v; want 1", n, err)
	}
	h.drain()

	done := h.wantStatus(run.ID, workflow.StatusCompleted)
	if string(done.Output) != `"expired"` {
		t.Fatalf("output = %s", done.Output)
	}
	if got := countKind(h.entries(run.ID), journal.KindHookExpire, ""); got != 1 {
		t.Fatalf("hook_expire entries = %d, want 1", got)
	}
}

func TestHookDeliveredBeforeTTL(t *testing.T) {
	h := newHarness(t)

	workflow.Register(h.reg, workflow.New("prompt", func(wf *workflow.Workflow, _ struct{}) (bool, error) {
		hk, err := wf.CreateHook("approval", workflow.WithToken("approve-now"), workflow.WithTTL(time.Hour))
		if err != nil {
			return false, err
		}
		return workflow.AwaitHook[bool](hk)
	}))

	run := h.start("prompt", struct{}{})
	h.drain()
	h.clock.Advance(30 * time.Minute)
	h.resume("approve-now", "true")
	h.drain()

	done := h.wantStatus(run.ID, workflow.StatusCompleted)
	if string(done.Output) != "true" {
		t.Fatalf("output = %s", done.Output)
	}
	if got := countKind(h.entries(run.ID), journal.KindHookExpire, ""); got != 0 {
		t.Fatalf("hook_expire entries = %d, want 0", got)
	}
}

func TestJoinReportsExpiredHook(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	workflow.Register(h.reg, workflow.New("quorum", func(wf *workflow.Workflow, _ struct{}) ([]string, error) {
		slow, err := wf.CreateHook("vote", workflow.WithToken("vote-slow"), workflow.WithTTL(10*time.Minute))
		if err != nil {
			return nil, err
		}
		fast, err := wf.CreateHook("vote", workflow.WithToken("vote-fast"))
		if err != nil {
			return nil, err
		}
		results, err := workflow.All(wf, slow, fast)
		if !errors.Is(err, durable.ErrHookExpired) {
			return nil, fmt.Errorf("join error = %v, want ErrHookExpired", err)
		}
		var got []string
		for _, r := range results {
			if r.Err != nil {
				got = append(got, "expired")
				continue
			}
			var v string
			if err := r.Decode(&v); err != nil {
				return nil, err
			}
			got = append(got, v)
		}
		return got, nil
	}))

	run := h.start("quorum", struct{}{})
	h.drain()
	h.resume("vote-fast", `"yes"`)
	h.drain()
	suspended := h.wantStatus(run.ID, workflow.StatusSuspended)
	if len(suspended.WaitingOn) != 1 || suspended.WaitingOn[0] != "vote-slow" || suspended.WakeAt == nil {
		t.Fatalf("suspension = %v wake %v, want vote-slow with a wake time", suspended.WaitingOn, suspended.WakeAt)
	}

	h.clock.Advance(11 * time.Minute)
	if _, err := h.runner.WakeDue(ctx, 10); err != nil {
		t.Fatalf("WakeDue: %v", err)
	}
	h.drain()

	done := h.wantStatus(run.ID, workflow.StatusCompleted)
	if string(done.Output) != `["expired","yes"]` {
		t.Fatalf("output = %s", done.Output)
	}
}

func TestConcurrentActivationsAreExclusive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	workflow.Register(h.reg, workflow.New("exclusive", func(wf *workflow.Workflow, _ struct{}) (string, error) {
		if err := wf.Step("slow", func(context.Context) error {
			if calls.Add(1) == 1 {
				close(entered)
			}
			<-release
			return nil
		}); err != nil {
			return "", err
		}
		return "done", nil
	}))

	run := h.start("exclusive", struct{}{})
	<-h.queue

	first := make(chan error, 1)
	go func() { first <- h.runner.Activate(ctx, run.ID) }()
	<-entered

	if err := h.runner.Activate(ctx, run.ID); !errors.Is(err, durable.ErrLeaseConflict) {
		t.Fatalf("second Activate: err = %v, want ErrLeaseConflict", err)
	}

	close(release)
	if err := <-first; err != nil {
		t.Fatalf("first Activate: %v", err)
	}
	h.wantStatus(run.ID, workflow.StatusCompleted)
	if calls.Load() != 1 {
		t.Fatalf("step ran %d times, want 1", calls.Load())
	}
	if got := countKind(h.entries(run.ID), journal.KindStepCall, ""); got != 1 {
		t.Fatalf("step_call entries = %d, want 1", got)
	}

	// The lease is free again once the activation returns.
	if err := h.runner.Activate(ctx, run.ID); err != nil {
		t.Fatalf("Activate after release: %v", err)
	}
}

func TestReplayRejectsChangedOperationKind(t *testing.T) {
	h := newHarness(t)

	var sleepFirst atomic.Bool
	workflow.Register(h.reg, workflow.New("drift", func(wf *workflow.Workflow, _ struct{}) (string, error) {
		if sleepFirst.Load() {
			wf.Sleep("prepare", time.Second)
		} else if err := wf.Step("prepare", func(context.Context) error { return nil }); err != nil {
			return "", err
		}
		hk, err := wf.CreateHook("go", workflow.WithToken("drift-go"))
		if err != nil {
			return "", err
		}
		if _, err := workflow.AwaitHook[bool](hk); err != nil {
			return "", err
		}
		return "done", nil
	}))

	run := h.start("drift", struct{}{})
	h.drain()
	h.wantStatus(run.ID, workflow.StatusSuspended)

	sleepFirst.Store(true)
	h.resume("drift-go", "true")
	h.drain()

	failed := h.wantStatus(run.ID, workflow.StatusFailed)
	if !strings.Contains(failed.Error, durable.ErrNonDeterministic.Error()) || !strings.Contains(failed.Error, "prepare#1") {
		t.Fatalf("error = %q, want a replay divergence on prepare#1", failed.Error)
	}
	if got := countKind(h.entries(run.ID), journal.KindSleep, ""); got != 0 {
		t.Fatalf("diverged replay journaled %d sleeps", got)
	}
}

func TestStreamWriteRepeatsAfterCrashBeforeJournal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	workflow.Register(h.reg, workflow.New("echo", func(wf *workflow.Workflow, _ struct{}) (string, error) {
		hk, err := wf.CreateHook("go", workflow.WithToken("echo-go"))
		if err != nil {
			return "", err
		}
		if _, err := workflow.AwaitHook[bool](hk); err != nil {
			return "", err
		}
		if err := wf.Writable().WriteJSON("one"); err != nil {
			return "", err
		}
		return "done", nil
	}))

	run := h.start("echo", struct{}{})
	h.drain()
	h.wantStatus(run.ID, workflow.StatusSuspended)

	// A previous activation appended the chunk and died before journaling it.
	if _, err := h.streams.Writable(run.ID).Write(ctx, []byte(`"one"`)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	h.resume("echo-go", "true")
	h.drain()
	h.wantStatus(run.ID, workflow.StatusCompleted)

	chunks, _ := h.readStream(run.ID, 0)
	if strings.Join(chunks, ",") != `"one","one"` {
		t.Fatalf("chunks = %v, want the unjournaled write repeated", chunks)
	}
	if n := countKind(h.entries(run.ID), journal.KindStreamWrite, ""); n != 1 {
		t.Fatalf("stream_write entries = %d, want 1", n)
	}
}
