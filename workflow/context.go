package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xraph/durable"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/journal"
	"github.com/xraph/durable/step"
	"github.com/xraph/durable/stream"
)

// suspension records why an activation unwound without finishing.
type suspension struct {
	tokens []string
	wakeAt *time.Time
}

// Workflow is the execution context passed to workflow bodies. It
// answers steps, hooks and sleeps from the run's journal during replay
// and performs or suspends on them past the end of the journal.
//
// Suspension points unwind the body goroutine with runtime.Goexit; they
// must be called from the goroutine running the body, never from inside
// a step or a Parallel branch.
type Workflow struct {
	ctx     context.Context
	cancel  context.CancelFunc
	r       *Runner
	run     *Run
	history *journal.History
	logger  *slog.Logger

	cancelled atomic.Bool
	futures   sync.WaitGroup

	mu         sync.Mutex
	ordinals   map[string]int
	loaded     int64
	suspension *suspension
	abortErr   error
	failErr    error
}

func newWorkflow(ctx context.Context, cancel context.CancelFunc, r *Runner, run *Run, h *journal.History) *Workflow {
	return &Workflow{
		ctx:      ctx,
		cancel:   cancel,
		r:        r,
		run:      run,
		history:  h,
		logger:   r.logger.With(slog.String("run_id", run.ID.String()), slog.String("workflow", run.Workflow)),
		ordinals: make(map[string]int),
		loaded:   h.LastSeq(),
	}
}

// Context returns the activation context. It is cancelled when the run is
// cancelled or the process loses the run's lease.
func (w *Workflow) Context() context.Context { return w.ctx }

// RunID returns the run ID.
func (w *Workflow) RunID() id.RunID { return w.run.ID }

// Name returns the workflow name.
func (w *Workflow) Name() string { return w.run.Workflow }

// Logger returns a logger annotated with the run.
func (w *Workflow) Logger() *slog.Logger { return w.logger }

// key assigns the next logical key for name. Keys are "<name>#<ordinal>",
// the ordinal counting earlier calls with the same name in this execution.
// An empty name falls back to the caller's file:line.
func (w *Workflow) key(name string) string {
	if name == "" {
		name = callSite()
	}
	w.mu.Lock()
	w.ordinals[name]++
	n := w.ordinals[name]
	w.mu.Unlock()
	return fmt.Sprintf("%s#%d", name, n)
}

const pkgPrefix = "github.com/xraph/durable/workflow."

// callSite returns file:line of the first frame outside this package.
func callSite() string {
	pcs := make([]uintptr, 16)
	n := runtime.Callers(2, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		f, more := frames.Next()
		if !strings.HasPrefix(f.Function, pkgPrefix) {
			return fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
		}
		if !more {
			return "anonymous"
		}
	}
}

// suspend unwinds the body; the runner persists the suspension.
func (w *Workflow) suspend(s suspension) {
	w.mu.Lock()
	w.suspension = &s
	w.mu.Unlock()
	runtime.Goexit()
}

// abort unwinds the body without settling the run. The run is picked up
// again by a later activation unless it was cancelled.
func (w *Workflow) abort(err error) {
	w.mu.Lock()
	w.abortErr = err
	w.mu.Unlock()
	runtime.Goexit()
}

// fail unwinds the body and fails the run with err.
func (w *Workflow) fail(err error) {
	w.mu.Lock()
	w.failErr = err
	w.mu.Unlock()
	runtime.Goexit()
}

// claim fails the run with durable.ErrNonDeterministic when the journal
// recorded key for a different kind of operation than the body asks for.
func (w *Workflow) claim(key string, allowed ...journal.Kind) {
	for _, k := range w.history.Kinds(key) {
		if !slices.Contains(allowed, k) {
			w.fail(fmt.Errorf("%w: %s was journaled as %s", durable.ErrNonDeterministic, key, k))
		}
	}
}

// append writes a runtime entry and records it in the history.
func (w *Workflow) append(e *journal.Entry) {
	e.RunID = w.run.ID
	if err := w.r.journal.AppendEntry(w.ctx, e); err != nil {
		w.abort(fmt.Errorf("append %s %s: %w", e.Kind, e.Key, err))
	}
	w.history.Record(e)
}

// refresh merges entries appended by others (hook deliveries) since the
// last read and returns the highest sequence read so far.
func (w *Workflow) refresh() int64 {
	w.mu.Lock()
	after := w.loaded
	w.mu.Unlock()

	entries, err := w.r.journal.ListEntries(w.ctx, w.run.ID, after)
	if err != nil {
		w.abort(fmt.Errorf("refresh journal: %w", err))
	}
	w.history.Merge(entries)

	w.mu.Lock()
	defer w.mu.Unlock()
	if n := len(entries); n > 0 && entries[n-1].Seq > w.loaded {
		w.loaded = entries[n-1].Seq
	}
	return w.loaded
}

// guard rejects step results once the run is cancelled, here or on
// another process.
func (w *Workflow) guard(ctx context.Context) error {
	if w.cancelled.Load() {
		return durable.ErrRunCancelled
	}
	run, err := w.r.runs.GetRun(context.WithoutCancel(ctx), w.run.ID)
	if err == nil && run.Status == StatusCancelled {
		w.cancelled.Store(true)
		return durable.ErrRunCancelled
	}
	return nil
}

func (w *Workflow) call(key string, opts []step.Option) step.Call {
	return step.Call{
		RunID:    w.run.ID,
		Workflow: w.run.Workflow,
		Key:      key,
		Options:  step.NewOptions(opts...),
		History:  w.history,
		Guard:    w.guard,
	}
}

// exec runs a step without unwinding; callers decide how to surface
// infrastructure errors.
func (w *Workflow) exec(key string, fn step.Func, opts []step.Option) ([]byte, error) {
	writer := w.r.streams.Writable(w.run.ID)
	return w.r.steps.Execute(w.ctx, w.call(key, opts), func(ctx context.Context) ([]byte, error) {
		return fn(stream.WithWriter(ctx, writer))
	})
}

// settleStepErr surfaces step failures to the body and unwinds on
// anything else (cancellation, lost lease, store failures).
func (w *Workflow) settleStepErr(err error) error {
	if err == nil || isStepFailure(err) {
		return err
	}
	w.abort(err)
	return err
}

func isStepFailure(err error) bool {
	var fe *durable.FatalError
	return errors.As(err, &fe)
}
