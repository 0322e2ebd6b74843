package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/xraph/durable"
	"github.com/xraph/durable/hook"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/journal"
	"github.com/xraph/durable/lease"
	"github.com/xraph/durable/step"
	"github.com/xraph/durable/stream"
)

// RunEmitter receives run lifecycle notifications. The engine adapts its
// extension registry to it, which keeps this package free of ext.
type RunEmitter interface {
	EmitRunStarted(ctx context.Context, run *Run)
	EmitRunSuspended(ctx context.Context, run *Run)
	EmitRunResumed(ctx context.Context, run *Run)
	EmitRunCompleted(ctx context.Context, run *Run, elapsed time.Duration)
	EmitRunFailed(ctx context.Context, run *Run, err error)
	EmitRunCancelled(ctx context.Context, run *Run, reason error)
}

type noopEmitter struct{}

func (noopEmitter) EmitRunStarted(context.Context, *Run)                  {}
func (noopEmitter) EmitRunSuspended(context.Context, *Run)                {}
func (noopEmitter) EmitRunResumed(context.Context, *Run)                  {}
func (noopEmitter) EmitRunCompleted(context.Context, *Run, time.Duration) {}
func (noopEmitter) EmitRunFailed(context.Context, *Run, error)            {}
func (noopEmitter) EmitRunCancelled(context.Context, *Run, error)         {}

// Services are the subsystems a Runner drives.
type Services struct {
	Runs    Store
	Journal journal.Store
	Hooks   *hook.Registry
	Streams *stream.Multiplexer
	Steps   *step.Executor
	Leases  *lease.Manager
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithEmitter sets the lifecycle event receiver.
func WithEmitter(e RunEmitter) RunnerOption {
	return func(r *Runner) { r.emitter = e }
}

// WithLogger sets the runner logger.
func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// WithScheduler sets how the runner queues activations. The default runs
// each activation on its own goroutine.
func WithScheduler(fn func(runID id.RunID)) RunnerOption {
	return func(r *Runner) { r.schedule = fn }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// StartOptions tune a single run.
type StartOptions struct {
	// RunID makes the start idempotent: starting an existing ID fails with
	// durable.ErrRunAlreadyExists. Nil generates an ID.
	RunID id.RunID

	// Timeout overrides the definition's run timeout.
	Timeout time.Duration
}

// Runner activates runs: it replays the journal through the workflow body
// and persists how the activation ended.
type Runner struct {
	registry *Registry
	runs     Store
	journal  journal.Store
	hooks    *hook.Registry
	streams  *stream.Multiplexer
	steps    *step.Executor
	leases   *lease.Manager

	emitter  RunEmitter
	logger   *slog.Logger
	schedule func(runID id.RunID)
	now      func() time.Time

	mu     sync.Mutex
	active map[string]*Workflow
	timers map[string]*time.Timer
}

// NewRunner creates a Runner.
func NewRunner(registry *Registry, svc Services, opts ...RunnerOption) *Runner {
	r := &Runner{
		registry: registry,
		runs:     svc.Runs,
		journal:  svc.Journal,
		hooks:    svc.Hooks,
		streams:  svc.Streams,
		steps:    svc.Steps,
		leases:   svc.Leases,
		emitter:  noopEmitter{},
		logger:   slog.Default(),
		now:      time.Now,
		active:   make(map[string]*Workflow),
		timers:   make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.schedule == nil {
		r.schedule = func(runID id.RunID) {
			go func() {
				if err := r.Activate(context.Background(), runID); err != nil && !errors.Is(err, durable.ErrLeaseConflict) {
					r.logger.Error("activation failed",
						slog.String("run_id", runID.String()),
						slog.String("error", err.Error()),
					)
				}
			}()
		}
	}
	return r
}

// Registry returns the workflow registry.
func (r *Runner) Registry() *Registry { return r.registry }

// Schedule queues an activation of runID.
func (r *Runner) Schedule(runID id.RunID) { r.schedule(runID) }

// Start creates a pending run of the named workflow and schedules its
// first activation.
func (r *Runner) Start(ctx context.Context, name string, input []byte, opts StartOptions) (*Run, error) {
	def, ok := r.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", durable.ErrWorkflowNotFound, name)
	}
	if err := def.Validate(input); err != nil {
		return nil, err
	}

	runID := opts.RunID
	if runID.IsNil() {
		runID = id.NewRunID()
	}
	now := r.now().UTC()
	run := &Run{
		ID:        runID,
		Workflow:  name,
		Version:   def.Version,
		Status:    StatusPending,
		Input:     input,
		CreatedAt: now,
		UpdatedAt: now,
	}
	timeout := def.Timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	if timeout > 0 {
		deadline := now.Add(timeout)
		run.Deadline = &deadline
	}

	if err := r.runs.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run for workflow %q: %w", name, err)
	}
	r.logger.Info("run started",
		slog.String("run_id", run.ID.String()),
		slog.String("workflow", name),
		slog.Int("version", run.Version),
	)
	r.emitter.EmitRunStarted(ctx, run)
	r.schedule(run.ID)
	return run, nil
}

func leaseKey(runID id.RunID) string { return "run:" + runID.String() }

// Activate replays the run's body once. It fails with
// durable.ErrLeaseConflict when another process is executing the run.
func (r *Runner) Activate(ctx context.Context, runID id.RunID) error {
	held, err := r.leases.Acquire(ctx, leaseKey(runID))
	if err != nil {
		return err
	}

	var recheck *Workflow
	defer func() {
		bg := context.WithoutCancel(ctx)
		if rerr := held.Release(bg); rerr != nil {
			r.logger.Warn("lease release failed",
				slog.String("run_id", runID.String()),
				slog.String("error", rerr.Error()),
			)
		}
		if recheck != nil {
			r.recheck(bg, recheck)
		}
	}()

	run, err := r.runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}
	if run.Deadline != nil && !r.now().Before(*run.Deadline) {
		if err := r.Cancel(ctx, runID, durable.ErrRunTimeout); err != nil && !errors.Is(err, durable.ErrRunTerminal) {
			return err
		}
		return nil
	}

	def, ok := r.registry.GetVersion(run.Workflow, run.Version)
	if !ok {
		return fmt.Errorf("%w: %q version %d (run %s)", durable.ErrWorkflowNotFound, run.Workflow, run.Version, runID)
	}

	entries, err := r.journal.ListEntries(ctx, runID, 0)
	if err != nil {
		return fmt.Errorf("load journal of run %s: %w", runID, err)
	}

	prev := run.Status
	run.Status = StatusRunning
	run.WaitingOn = nil
	run.WakeAt = nil
	if err := r.runs.UpdateRun(ctx, run); err != nil {
		if errors.Is(err, durable.ErrRunTerminal) {
			return nil
		}
		return fmt.Errorf("mark run %s running: %w", runID, err)
	}
	if prev == StatusSuspended {
		r.emitter.EmitRunResumed(ctx, run)
	}

	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-held.Lost():
			cancel()
		case <-actx.Done():
		}
	}()

	wf := newWorkflow(actx, cancel, r, run, journal.NewHistory(entries))
	r.track(wf)
	defer r.untrack(wf)

	if run.Deadline != nil {
		t := time.AfterFunc(run.Deadline.Sub(r.now()), func() {
			if err := r.Cancel(context.Background(), runID, durable.ErrRunTimeout); err != nil && !errors.Is(err, durable.ErrRunTerminal) {
				r.logger.Error("run timeout failed",
					slog.String("run_id", runID.String()),
					slog.String("error", err.Error()),
				)
			}
		})
		defer t.Stop()
	}

	r.logger.Debug("activating run",
		slog.String("run_id", runID.String()),
		slog.Int("journal_entries", len(entries)),
	)

	start := time.Now()
	o := wf.execute(def.Run, run.Input)
	wf.futures.Wait()

	if o.suspended != nil {
		recheck = wf
	}
	return r.settle(ctx, wf, o, time.Since(start))
}

type outcome struct {
	output    []byte
	err       error
	suspended *suspension
	aborted   error
}

// execute runs the body on its own goroutine so suspension points can
// unwind it with runtime.Goexit.
func (w *Workflow) execute(fn RunnerFunc, input []byte) outcome {
	done := make(chan outcome, 1)
	go func() {
		finished := false
		defer func() {
			if finished {
				return
			}
			if p := recover(); p != nil {
				w.logger.Error("workflow panicked",
					slog.Any("panic", p),
					slog.String("stack", string(debug.Stack())),
				)
				done <- outcome{err: fmt.Errorf("workflow panicked: %v", p)}
				return
			}
			w.mu.Lock()
			o := outcome{suspended: w.suspension, aborted: w.abortErr, err: w.failErr}
			w.mu.Unlock()
			if o.suspended == nil && o.aborted == nil && o.err == nil {
				o.aborted = errors.New("workflow goroutine exited")
			}
			done <- o
		}()
		out, err := fn(w, input)
		finished = true
		done <- outcome{output: out, err: err}
	}()
	return <-done
}

func (r *Runner) settle(ctx context.Context, wf *Workflow, o outcome, elapsed time.Duration) error {
	run := wf.run
	bg := context.WithoutCancel(ctx)

	switch {
	case wf.cancelled.Load():
		return nil

	case o.aborted != nil:
		if errors.Is(o.aborted, durable.ErrRunCancelled) {
			return nil
		}
		if ctx.Err() != nil || errors.Is(o.aborted, context.Canceled) {
			r.logger.Info("activation interrupted",
				slog.String("run_id", run.ID.String()),
				slog.String("reason", o.aborted.Error()),
			)
			return nil
		}
		return fmt.Errorf("activation of run %s aborted: %w", run.ID, o.aborted)

	case o.suspended != nil:
		run.Status = StatusSuspended
		run.WaitingOn = o.suspended.tokens
		run.WakeAt = o.suspended.wakeAt
		if err := r.runs.UpdateRun(bg, run); err != nil {
			if errors.Is(err, durable.ErrRunTerminal) {
				return nil
			}
			return fmt.Errorf("suspend run %s: %w", run.ID, err)
		}
		for _, token := range run.WaitingOn {
			r.hooks.Arm(token, func(context.Context, *hook.Hook, *journal.Entry) {
				r.schedule(run.ID)
			})
		}
		if run.WakeAt != nil {
			r.wakeAt(run.ID, *run.WakeAt)
		}
		r.logger.Debug("run suspended",
			slog.String("run_id", run.ID.String()),
			slog.Any("waiting_on", run.WaitingOn),
		)
		r.emitter.EmitRunSuspended(bg, run)
		return nil

	case o.err != nil:
		now := r.now().UTC()
		run.Status = StatusFailed
		run.Error = o.err.Error()
		run.CompletedAt = &now
		if err := r.runs.UpdateRun(bg, run); err != nil {
			if errors.Is(err, durable.ErrRunTerminal) {
				return nil
			}
			return fmt.Errorf("fail run %s: %w", run.ID, err)
		}
		r.logger.Warn("run failed",
			slog.String("run_id", run.ID.String()),
			slog.String("error", run.Error),
		)
		r.finish(bg, run, stream.Final{Status: stream.StatusFailed, Error: run.Error})
		r.emitter.EmitRunFailed(bg, run, o.err)
		return nil

	default:
		now := r.now().UTC()
		run.Status = StatusCompleted
		run.Output = o.output
		run.CompletedAt = &now
		if err := r.runs.UpdateRun(bg, run); err != nil {
			if errors.Is(err, durable.ErrRunTerminal) {
				return nil
			}
			return fmt.Errorf("complete run %s: %w", run.ID, err)
		}
		r.logger.Info("run completed",
			slog.String("run_id", run.ID.String()),
			slog.Duration("elapsed", elapsed),
		)
		r.finish(bg, run, stream.Final{Status: stream.StatusCompleted, Output: run.Output})
		r.emitter.EmitRunCompleted(bg, run, elapsed)
		return nil
	}
}

// finish releases everything a terminal run holds.
func (r *Runner) finish(ctx context.Context, run *Run, final stream.Final) {
	r.stopTimer(run.ID)
	if err := r.hooks.Dispose(ctx, run.ID); err != nil {
		r.logger.Error("dispose hooks failed",
			slog.String("run_id", run.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	if err := r.streams.Finish(ctx, run.ID, final); err != nil {
		r.logger.Error("finish stream failed",
			slog.String("run_id", run.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// recheck looks for deliveries that landed while the run was suspending
// and activates it again if there are any.
func (r *Runner) recheck(ctx context.Context, wf *Workflow) {
	entries, err := r.journal.ListEntries(ctx, wf.run.ID, wf.loaded)
	if err != nil {
		r.logger.Warn("recheck journal failed",
			slog.String("run_id", wf.run.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	for _, e := range wf.history.Merge(entries) {
		if e.Kind == journal.KindHookResume {
			r.schedule(wf.run.ID)
			return
		}
	}
	if at := wf.run.WakeAt; at != nil && !r.now().Before(*at) {
		r.schedule(wf.run.ID)
	}
}

// Cancel cancels a run: it is marked cancelled, its hooks stop accepting
// deliveries, its stream is finished and a local activation is stopped.
// A step in flight may complete, but its result is discarded.
func (r *Runner) Cancel(ctx context.Context, runID id.RunID, reason error) error {
	if reason == nil {
		reason = durable.ErrRunCancelled
	}
	run, err := r.runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return fmt.Errorf("%w: run %s is %s", durable.ErrRunTerminal, runID, run.Status)
	}

	now := r.now().UTC()
	run.Status = StatusCancelled
	run.Error = reason.Error()
	run.CompletedAt = &now
	run.WaitingOn = nil
	run.WakeAt = nil
	if err := r.runs.UpdateRun(ctx, run); err != nil {
		return err
	}

	r.mu.Lock()
	if wf, ok := r.active[runID.String()]; ok {
		wf.cancelled.Store(true)
		wf.cancel()
	}
	r.mu.Unlock()

	r.logger.Info("run cancelled",
		slog.String("run_id", runID.String()),
		slog.String("reason", run.Error),
	)
	r.finish(ctx, run, stream.Final{Status: stream.StatusCancelled, Error: run.Error})
	r.emitter.EmitRunCancelled(ctx, run, reason)
	return nil
}

// WakeDue schedules suspended runs whose sleep is due and runs past their
// deadline. It returns how many were scheduled.
func (r *Runner) WakeDue(ctx context.Context, limit int) (int, error) {
	runs, err := r.runs.ListDueRuns(ctx, r.now().UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("list due runs: %w", err)
	}
	for _, run := range runs {
		r.schedule(run.ID)
	}
	return len(runs), nil
}

// Recover schedules unfinished runs that no process holds a lease on:
// runs whose activation died with its process, and pending runs whose
// first activation was lost.
func (r *Runner) Recover(ctx context.Context) (int, error) {
	n := 0
	for _, status := range []Status{StatusPending, StatusRunning} {
		runs, err := r.runs.ListRuns(ctx, ListOpts{Status: status})
		if err != nil {
			return n, fmt.Errorf("list %s runs: %w", status, err)
		}
		for _, run := range runs {
			if r.isActive(run.ID) {
				continue
			}
			_, held, err := r.leases.Holder(ctx, leaseKey(run.ID))
			if err != nil {
				return n, err
			}
			if held {
				continue
			}
			r.logger.Info("recovering run",
				slog.String("run_id", run.ID.String()),
				slog.String("workflow", run.Workflow),
				slog.String("status", string(status)),
			)
			r.schedule(run.ID)
			n++
		}
	}
	return n, nil
}

func (r *Runner) wakeAt(runID id.RunID, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := runID.String()
	if t, ok := r.timers[key]; ok {
		t.Stop()
	}
	r.timers[key] = time.AfterFunc(at.Sub(r.now()), func() {
		r.mu.Lock()
		delete(r.timers, key)
		r.mu.Unlock()
		r.schedule(runID)
	})
}

func (r *Runner) stopTimer(runID id.RunID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[runID.String()]; ok {
		t.Stop()
		delete(r.timers, runID.String())
	}
}

// Close stops pending wake-up timers.
func (r *Runner) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, t := range r.timers {
		t.Stop()
		delete(r.timers, key)
	}
}

func (r *Runner) track(wf *Workflow) {
	r.mu.Lock()
	r.active[wf.run.ID.String()] = wf
	r.mu.Unlock()
}

func (r *Runner) untrack(wf *Workflow) {
	r.mu.Lock()
	if r.active[wf.run.ID.String()] == wf {
		delete(r.active, wf.run.ID.String())
	}
	r.mu.Unlock()
}

func (r *Runner) isActive(runID id.RunID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[runID.String()]
	return ok
}
