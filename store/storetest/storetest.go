// Package storetest is a conformance suite every store.Store backend runs
// from its own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/xraph/durable"
	"github.com/xraph/durable/hook"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/journal"
	"github.com/xraph/durable/store"
	"github.com/xraph/durable/stream"
	"github.com/xraph/durable/workflow"
)

// Factory returns an empty, migrated store. Cleanup is the caller's job
// (t.Cleanup).
type Factory func(t *testing.T) store.Store

// Run runs the full suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"RunLifecycle", testRunLifecycle},
		{"RunTerminalIsFinal", testRunTerminalIsFinal},
		{"ListRuns", testListRuns},
		{"ListDueRuns", testListDueRuns},
		{"JournalSequence", testJournalSequence},
		{"JournalConcurrentAppends", testJournalConcurrentAppends},
		{"HookCreateConflict", testHookCreateConflict},
		{"HookDeliverOnce", testHookDeliverOnce},
		{"HookDeliverConcurrent", testHookDeliverConcurrent},
		{"HookIterable", testHookIterable},
		{"HookDispose", testHookDispose},
		{"StreamAppendAndList", testStreamAppendAndList},
		{"StreamClosedAfterFinish", testStreamClosedAfterFinish},
		{"StreamPurge", testStreamPurge},
		{"Lease", testLease},
		{"KV", testKV},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func newRun(name string, status workflow.Status) *workflow.Run {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &workflow.Run{
		ID:        id.NewRunID(),
		Workflow:  name,
		Version:   1,
		Status:    status,
		Input:     []byte(`{"n":1}`),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func testRunLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	run := newRun("order", workflow.StatusPending)

	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := s.CreateRun(ctx, run); !errors.Is(err, durable.ErrRunAlreadyExists) {
		t.Fatalf("duplicate CreateRun = %v, want ErrRunAlreadyExists", err)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Workflow != "order" || got.Status != workflow.StatusPending || string(got.Input) != `{"n":1}` {
		t.Fatalf("GetRun = %+v", got)
	}

	wake := time.Now().UTC().Add(time.Hour).Truncate(time.Millisecond)
	got.Status = workflow.StatusSuspended
	got.WaitingOn = []string{"tok-a", "tok-b"}
	got.WakeAt = &wake
	if err := s.UpdateRun(ctx, got); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}
	got, err = s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != workflow.StatusSuspended || len(got.WaitingOn) != 2 || got.WakeAt == nil || !got.WakeAt.Equal(wake) {
		t.Fatalf("after update = %+v", got)
	}

	if _, err := s.GetRun(ctx, id.NewRunID()); !errors.Is(err, durable.ErrRunNotFound) {
		t.Fatalf("GetRun(missing) = %v, want ErrRunNotFound", err)
	}
	missing := newRun("order", workflow.StatusRunning)
	if err := s.UpdateRun(ctx, missing); !errors.Is(err, durable.ErrRunNotFound) {
		t.Fatalf("UpdateRun(missing) = %v, want ErrRunNotFound", err)
	}
}

func testRunTerminalIsFinal(t *testing.T, s store.Store) {
	ctx := context.Background()
	run := newRun("order", workflow.StatusRunning)
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	run.Status = workflow.StatusCompleted
	run.Output = []byte(`"done"`)
	if err := s.UpdateRun(ctx, run); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}
	run.Status = workflow.StatusFailed
	if err := s.UpdateRun(ctx, run); !errors.Is(err, durable.ErrRunTerminal) {
		t.Fatalf("update terminal run = %v, want ErrRunTerminal", err)
	}
	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != workflow.StatusCompleted || string(got.Output) != `"done"` {
		t.Fatalf("terminal run changed: %+v", got)
	}
}

func testListRuns(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)
	for i := range 5 {
		r := newRun("a", workflow.StatusPending)
		if i%2 == 1 {
			r.Workflow = "b"
			r.Status = workflow.StatusRunning
		}
		r.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := s.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}

	all, err := s.ListRuns(ctx, workflow.ListOpts{})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("ListRuns = %d runs, want 5", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].CreatedAt.After(all[i-1].CreatedAt) {
			t.Fatalf("ListRuns not newest first at %d", i)
		}
	}

	running, err := s.ListRuns(ctx, workflow.ListOpts{Status: workflow.StatusRunning})
	if err != nil {
		t.Fatalf("ListRuns(running): %v", err)
	}
	if len(running) != 2 {
		t.Fatalf("ListRuns(running) = %d, want 2", len(running))
	}

	named, err := s.ListRuns(ctx, workflow.ListOpts{Workflow: "a", Limit: 2})
	if err != nil {
		t.Fatalf("ListRuns(a): %v", err)
	}
	if len(named) != 2 || named[0].Workflow != "a" {
		t.Fatalf("ListRuns(a, limit 2) = %d runs", len(named))
	}

	page, err := s.ListRuns(ctx, workflow.ListOpts{Offset: 4, Limit: 10})
	if err != nil {
		t.Fatalf("ListRuns(offset): %v", err)
	}
	if len(page) != 1 {
		t.Fatalf("ListRuns(offset 4) = %d, want 1", len(page))
	}
}

func testListDueRuns(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	due := newRun("sleepy", workflow.StatusSuspended)
	due.WakeAt = &past
	later := newRun("sleepy", workflow.StatusSuspended)
	later.WakeAt = &future
	expired := newRun("slow", workflow.StatusRunning)
	expired.Deadline = &past
	done := newRun("sleepy", workflow.StatusCompleted)
	done.WakeAt = &past

	for _, r := range []*workflow.Run{due, later, expired, done} {
		if err := s.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}

	runs, err := s.ListDueRuns(ctx, now, 0)
	if err != nil {
		t.Fatalf("ListDueRuns: %v", err)
	}
	got := map[string]bool{}
	for _, r := range runs {
		got[r.ID.String()] = true
	}
	if len(runs) != 2 || !got[due.ID.String()] || !got[expired.ID.String()] {
		t.Fatalf("ListDueRuns = %v, want the due and expired runs", got)
	}

	limited, err := s.ListDueRuns(ctx, now, 1)
	if err != nil {
		t.Fatalf("ListDueRuns(limit): %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("ListDueRuns(limit 1) = %d", len(limited))
	}
}

func testJournalSequence(t *testing.T, s store.Store) {
	ctx := context.Background()
	runID := id.NewRunID()

	if n, err := s.LastSeq(ctx, runID); err != nil || n != 0 {
		t.Fatalf("LastSeq(empty) = %d, %v", n, err)
	}

	kinds := []journal.Kind{journal.KindStepCall, journal.KindStepResult, journal.KindHookWait}
	for i, k := range kinds {
		e := &journal.Entry{RunID: runID, Kind: k, Key: "charge#1", Attempt: 1, Payload: []byte(`{"ok":true}`)}
		if err := s.AppendEntry(ctx, e); err != nil {
			t.Fatalf("AppendEntry: %v", err)
		}
		if e.Seq != int64(i+1) {
			t.Fatalf("entry %d got seq %d", i, e.Seq)
		}
		if e.CreatedAt.IsZero() {
			t.Fatal("CreatedAt not set")
		}
	}

	entries, err := s.ListEntries(ctx, runID, 0)
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("ListEntries = %d, want 3", len(entries))
	}
	for i, e := range entries {
		if e.Seq != int64(i+1) || e.Kind != kinds[i] || e.Key != "charge#1" || string(e.Payload) != `{"ok":true}` {
			t.Fatalf("entry %d = %+v", i, e)
		}
	}

	tail, err := s.ListEntries(ctx, runID, 2)
	if err != nil {
		t.Fatalf("ListEntries(after 2): %v", err)
	}
	if len(tail) != 1 || tail[0].Seq != 3 {
		t.Fatalf("ListEntries(after 2) = %+v", tail)
	}
	if n, err := s.LastSeq(ctx, runID); err != nil || n != 3 {
		t.Fatalf("LastSeq = %d, %v", n, err)
	}

	other, err := s.ListEntries(ctx, id.NewRunID(), 0)
	if err != nil || len(other) != 0 {
		t.Fatalf("ListEntries(other run) = %d, %v", len(other), err)
	}
}

func testJournalConcurrentAppends(t *testing.T, s store.Store) {
	ctx := context.Background()
	runID := id.NewRunID()

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.AppendEntry(ctx, &journal.Entry{RunID: runID, Kind: journal.KindStepCall, Key: fmt.Sprintf("s#%d", i), Attempt: 1})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("AppendEntry: %v", err)
		}
	}

	entries, err := s.ListEntries(ctx, runID, 0)
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if len(entries) != n {
		t.Fatalf("ListEntries = %d, want %d", len(entries), n)
	}
	for i, e := range entries {
		if e.Seq != int64(i+1) {
			t.Fatalf("gap at %d: seq %d", i, e.Seq)
		}
	}
}

func newHook(runID id.RunID, token string, iterable bool) *hook.Hook {
	return &hook.Hook{
		Token:     token,
		RunID:     runID,
		Key:       "approval#1",
		Iterable:  iterable,
		Status:    hook.StatusPending,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func testHookCreateConflict(t *testing.T, s store.Store) {
	ctx := context.Background()
	runA, runB := id.NewRunID(), id.NewRunID()

	if err := s.CreateHook(ctx, newHook(runA, "shared", false)); err != nil {
		t.Fatalf("CreateHook: %v", err)
	}
	if err := s.CreateHook(ctx, newHook(runB, "shared", false)); !errors.Is(err, durable.ErrHookConflict) {
		t.Fatalf("CreateHook(conflict) = %v, want ErrHookConflict", err)
	}

	if err := s.DisposeHooks(ctx, runA); err != nil {
		t.Fatalf("DisposeHooks: %v", err)
	}
	if err := s.CreateHook(ctx, newHook(runB, "shared", false)); err != nil {
		t.Fatalf("CreateHook over disposed: %v", err)
	}
	h, err := s.GetHook(ctx, "shared")
	if err != nil {
		t.Fatalf("GetHook: %v", err)
	}
	if h.RunID.String() != runB.String() || h.Status != hook.StatusPending {
		t.Fatalf("GetHook = %+v, want pending hook of run B", h)
	}

	if _, err := s.GetHook(ctx, "missing"); !errors.Is(err, durable.ErrHookNotFound) {
		t.Fatalf("GetHook(missing) = %v", err)
	}
}

func testHookDeliverOnce(t *testing.T, s store.Store) {
	ctx := context.Background()
	runID := id.NewRunID()
	if err := s.CreateHook(ctx, newHook(runID, "tok", false)); err != nil {
		t.Fatalf("CreateHook: %v", err)
	}

	now := time.Now().UTC()
	e, err := s.DeliverHook(ctx, "tok", []byte(`{"approved":true}`), now)
	if err != nil {
		t.Fatalf("DeliverHook: %v", err)
	}
	if e.Kind != journal.KindHookResume || e.Key != "approval#1" || e.Attempt != 1 || e.Seq != 1 || e.RunID.String() != runID.String() {
		t.Fatalf("delivery entry = %+v", e)
	}
	if _, err := s.DeliverHook(ctx, "tok", []byte(`{}`), now); !errors.Is(err, durable.ErrHookAlreadyResolved) {
		t.Fatalf("second DeliverHook = %v, want ErrHookAlreadyResolved", err)
	}
	if _, err := s.DeliverHook(ctx, "nope", nil, now); !errors.Is(err, durable.ErrHookNotFound) {
		t.Fatalf("DeliverHook(missing) = %v, want ErrHookNotFound", err)
	}

	h, err := s.GetHook(ctx, "tok")
	if err != nil {
		t.Fatalf("GetHook: %v", err)
	}
	if h.Status != hook.StatusResolved || h.Deliveries != 1 {
		t.Fatalf("hook after delivery = %+v", h)
	}

	entries, err := s.ListEntries(ctx, runID, 0)
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if len(entries) != 1 || string(entries[0].Payload) != `{"approved":true}` {
		t.Fatalf("journal = %+v", entries)
	}

	expiring := newHook(runID, "expiring", false)
	past := now.Add(-time.Second)
	expiring.ExpiresAt = &past
	if err := s.CreateHook(ctx, expiring); err != nil {
		t.Fatalf("CreateHook: %v", err)
	}
	if _, err := s.DeliverHook(ctx, "expiring", nil, now); !errors.Is(err, durable.ErrHookNotFound) {
		t.Fatalf("DeliverHook(expired) = %v, want ErrHookNotFound", err)
	}
}

func testHookDeliverConcurrent(t *testing.T, s store.Store) {
	ctx := context.Background()
	runID := id.NewRunID()
	if err := s.CreateHook(ctx, newHook(runID, "race", false)); err != nil {
		t.Fatalf("CreateHook: %v", err)
	}

	const n = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		resolved int
	)
	now := time.Now().UTC()
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.DeliverHook(ctx, "race", []byte(fmt.Sprintf(`{"i":%d}`, i)), now)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, durable.ErrHookAlreadyResolved):
				resolved++
			default:
				t.Errorf("DeliverHook: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 || resolved != n-1 {
		t.Fatalf("wins = %d, already-resolved = %d; want 1 and %d", wins, resolved, n-1)
	}
	entries, err := s.ListEntries(ctx, runID, 0)
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("journal has %d hook_resume entries, want 1", len(entries))
	}
}

func testHookIterable(t *testing.T, s store.Store) {
	ctx := context.Background()
	runID := id.NewRunID()
	if err := s.CreateHook(ctx, newHook(runID, "counter_actor:x", true)); err != nil {
		t.Fatalf("CreateHook: %v", err)
	}
	now := time.Now().UTC()
	for i := 1; i <= 3; i++ {
		e, err := s.DeliverHook(ctx, "counter_actor:x", []byte(fmt.Sprintf(`{"n":%d}`, i)), now)
		if err != nil {
			t.Fatalf("DeliverHook %d: %v", i, err)
		}
		if e.Attempt != i {
			t.Fatalf("delivery %d has ordinal %d", i, e.Attempt)
		}
	}
	h, err := s.GetHook(ctx, "counter_actor:x")
	if err != nil {
		t.Fatalf("GetHook: %v", err)
	}
	if h.Status != hook.StatusPending || h.Deliveries != 3 {
		t.Fatalf("iterable hook = %+v", h)
	}
}

func testHookDispose(t *testing.T, s store.Store) {
	ctx := context.Background()
	runID := id.NewRunID()
	for _, tok := range []string{"rsvp1", "rsvp2"} {
		h := newHook(runID, tok, false)
		h.Key = tok + "#1"
		if err := s.CreateHook(ctx, h); err != nil {
			t.Fatalf("CreateHook: %v", err)
		}
	}
	hooks, err := s.ListHooks(ctx, runID)
	if err != nil {
		t.Fatalf("ListHooks: %v", err)
	}
	if len(hooks) != 2 {
		t.Fatalf("ListHooks = %d, want 2", len(hooks))
	}

	if err := s.DisposeHooks(ctx, runID); err != nil {
		t.Fatalf("DisposeHooks: %v", err)
	}
	if _, err := s.DeliverHook(ctx, "rsvp1", nil, time.Now().UTC()); !errors.Is(err, durable.ErrHookNotFound) {
		t.Fatalf("DeliverHook(disposed) = %v, want ErrHookNotFound", err)
	}
	h, err := s.GetHook(ctx, "rsvp2")
	if err != nil {
		t.Fatalf("GetHook: %v", err)
	}
	if h.Status != hook.StatusDisposed {
		t.Fatalf("status = %s, want disposed", h.Status)
	}
}

func testStreamAppendAndList(t *testing.T, s store.Store) {
	ctx := context.Background()
	runID := id.NewRunID()

	if c, err := s.LastChunk(ctx, runID); err != nil || c != nil {
		t.Fatalf("LastChunk(empty) = %v, %v", c, err)
	}
	empty, err := s.ListChunks(ctx, runID, 0, 0)
	if err != nil || len(empty) != 0 {
		t.Fatalf("ListChunks(empty) = %d, %v", len(empty), err)
	}

	for i := range 5 {
		c := &stream.Chunk{RunID: runID, Data: []byte(fmt.Sprintf(`{"i":%d}`, i))}
		if err := s.AppendChunk(ctx, c); err != nil {
			t.Fatalf("AppendChunk: %v", err)
		}
		if c.Index != int64(i) {
			t.Fatalf("chunk %d got index %d", i, c.Index)
		}
	}

	chunks, err := s.ListChunks(ctx, runID, 2, 0)
	if err != nil {
		t.Fatalf("ListChunks: %v", err)
	}
	if len(chunks) != 3 || chunks[0].Index != 2 || string(chunks[0].Data) != `{"i":2}` {
		t.Fatalf("ListChunks(from 2) = %+v", chunks)
	}
	limited, err := s.ListChunks(ctx, runID, 0, 2)
	if err != nil || len(limited) != 2 {
		t.Fatalf("ListChunks(limit 2) = %d, %v", len(limited), err)
	}
	past, err := s.ListChunks(ctx, runID, 99, 0)
	if err != nil || len(past) != 0 {
		t.Fatalf("ListChunks(from 99) = %d, %v", len(past), err)
	}

	last, err := s.LastChunk(ctx, runID)
	if err != nil || last == nil || last.Index != 4 {
		t.Fatalf("LastChunk = %+v, %v", last, err)
	}
}

func testStreamClosedAfterFinish(t *testing.T, s store.Store) {
	ctx := context.Background()
	runID := id.NewRunID()

	if err := s.AppendChunk(ctx, &stream.Chunk{RunID: runID, Data: []byte(`"a"`)}); err != nil {
		t.Fatalf("AppendChunk: %v", err)
	}
	fin := &stream.Chunk{RunID: runID, Final: &stream.Final{Status: stream.StatusCompleted, Output: []byte(`5`)}}
	if err := s.AppendChunk(ctx, fin); err != nil {
		t.Fatalf("AppendChunk(finish): %v", err)
	}
	if fin.Index != 1 {
		t.Fatalf("finish index = %d, want 1", fin.Index)
	}
	if err := s.AppendChunk(ctx, &stream.Chunk{RunID: runID, Data: []byte(`"late"`)}); !errors.Is(err, durable.ErrStreamClosed) {
		t.Fatalf("append after finish = %v, want ErrStreamClosed", err)
	}

	last, err := s.LastChunk(ctx, runID)
	if err != nil {
		t.Fatalf("LastChunk: %v", err)
	}
	if !last.IsFinish() || last.Final.Status != stream.StatusCompleted || string(last.Final.Output) != `5` {
		t.Fatalf("LastChunk = %+v", last)
	}
}

func testStreamPurge(t *testing.T, s store.Store) {
	ctx := context.Background()
	kept, gone := id.NewRunID(), id.NewRunID()
	now := time.Now().UTC()

	for _, runID := range []id.RunID{kept, gone} {
		if err := s.AppendChunk(ctx, &stream.Chunk{RunID: runID, Final: &stream.Final{Status: stream.StatusCompleted}}); err != nil {
			t.Fatalf("AppendChunk: %v", err)
		}
	}
	if err := s.ExpireStream(ctx, kept, now.Add(time.Hour)); err != nil {
		t.Fatalf("ExpireStream: %v", err)
	}
	if err := s.ExpireStream(ctx, gone, now.Add(50*time.Millisecond)); err != nil {
		t.Fatalf("ExpireStream: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if _, err := s.PurgeStreams(ctx, time.Now().UTC()); err != nil {
		t.Fatalf("PurgeStreams: %v", err)
	}
	if _, err := s.ListChunks(ctx, gone, 0, 0); !errors.Is(err, durable.ErrStreamNotFound) {
		t.Fatalf("ListChunks(purged) = %v, want ErrStreamNotFound", err)
	}
	chunks, err := s.ListChunks(ctx, kept, 0, 0)
	if err != nil || len(chunks) != 1 {
		t.Fatalf("ListChunks(kept) = %d, %v", len(chunks), err)
	}
}

func testLease(t *testing.T, s store.Store) {
	ctx := context.Background()
	key := "run:" + id.NewRunID().String()

	ok, err := s.AcquireLease(ctx, key, "a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("AcquireLease(a) = %v, %v", ok, err)
	}
	ok, err = s.AcquireLease(ctx, key, "b", time.Minute)
	if err != nil || ok {
		t.Fatalf("AcquireLease(b) while held = %v, %v", ok, err)
	}
	ok, err = s.AcquireLease(ctx, key, "a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("re-acquire by holder = %v, %v", ok, err)
	}

	owner, held, err := s.LeaseHolder(ctx, key)
	if err != nil || !held || owner != "a" {
		t.Fatalf("LeaseHolder = %q, %v, %v", owner, held, err)
	}

	if ok, err := s.RenewLease(ctx, key, "b", time.Minute); err != nil || ok {
		t.Fatalf("RenewLease by non-holder = %v, %v", ok, err)
	}
	if ok, err := s.RenewLease(ctx, key, "a", time.Minute); err != nil || !ok {
		t.Fatalf("RenewLease by holder = %v, %v", ok, err)
	}

	if err := s.ReleaseLease(ctx, key, "b"); err != nil {
		t.Fatalf("ReleaseLease(b): %v", err)
	}
	if _, held, _ := s.LeaseHolder(ctx, key); !held {
		t.Fatal("release by non-holder freed the lease")
	}
	if err := s.ReleaseLease(ctx, key, "a"); err != nil {
		t.Fatalf("ReleaseLease(a): %v", err)
	}
	if _, held, _ := s.LeaseHolder(ctx, key); held {
		t.Fatal("lease still held after release")
	}

	short := key + ":short"
	if ok, err := s.AcquireLease(ctx, short, "a", 50*time.Millisecond); err != nil || !ok {
		t.Fatalf("AcquireLease(short) = %v, %v", ok, err)
	}
	time.Sleep(100 * time.Millisecond)
	if ok, err := s.AcquireLease(ctx, short, "b", time.Minute); err != nil || !ok {
		t.Fatalf("AcquireLease after expiry = %v, %v", ok, err)
	}
}

func testKV(t *testing.T, s store.Store) {
	ctx := context.Background()
	key := "counter:" + id.NewRunID().String()

	if _, err := s.GetValue(ctx, key); !errors.Is(err, durable.ErrKeyNotFound) {
		t.Fatalf("GetValue(missing) = %v, want ErrKeyNotFound", err)
	}
	if err := s.SetValue(ctx, key, []byte(`{"count":1}`)); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	if err := s.SetValue(ctx, key, []byte(`{"count":2}`)); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	v, err := s.GetValue(ctx, key)
	if err != nil || string(v) != `{"count":2}` {
		t.Fatalf("GetValue = %s, %v", v, err)
	}
	if err := s.DeleteValue(ctx, key); err != nil {
		t.Fatalf("DeleteValue: %v", err)
	}
	if err := s.DeleteValue(ctx, key); err != nil {
		t.Fatalf("DeleteValue(missing): %v", err)
	}
	if _, err := s.GetValue(ctx, key); !errors.Is(err, durable.ErrKeyNotFound) {
		t.Fatalf("GetValue after delete = %v", err)
	}
}
