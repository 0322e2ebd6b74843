package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xraph/durable"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/journal"
	"github.com/xraph/durable/step"
)

// Step executes fn as a memoized step. A step that already succeeded in
// an earlier activation is not executed again. Failures are retried per
// the step options; the error returned to the body is a
// *durable.FatalError once retries are exhausted or the failure is fatal.
func (w *Workflow) Step(name string, fn func(ctx context.Context) error, opts ...step.Option) error {
	_, err := w.exec(w.stepKey(name), func(ctx context.Context) ([]byte, error) {
		return nil, fn(ctx)
	}, opts)
	return w.settleStepErr(err)
}

// StepWithResult executes a memoized step returning a value. The value is
// stored as JSON; on replay it is decoded from the journal.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func StepWithResult[T any](w *Workflow, name string, fn func(ctx context.Context) (T, error), opts ...step.Option) (T, error) {
	raw, err := w.exec(w.stepKey(name), encoded(fn), opts)
	if err = w.settleStepErr(err); err != nil {
		var zero T
		return zero, err
	}
	return decode[T](raw)
}

// stepKey assigns the key of a step called name.
func (w *Workflow) stepKey(name string) string {
	key := w.key(name)
	w.claim(key, journal.KindStepCall, journal.KindStepResult)
	return key
}

func encoded[T any](fn func(ctx context.Context) (T, error)) step.Func {
	return func(ctx context.Context) ([]byte, error) {
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, durable.Fatal(fmt.Errorf("marshal step result: %w", err))
		}
		return data, nil
	}
}

func decode[T any](raw []byte) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode step result: %w", err)
	}
	return v, nil
}

// Parallel runs fns as concurrent steps keyed "<name>#<n>/<i>" and waits
// for all of them. It returns the error of the lowest-indexed failed
// branch, so replays observe the same outcome whichever branch failed
// first in wall-clock time.
func (w *Workflow) Parallel(name string, fns ...func(ctx context.Context) error) error {
	base := w.key(name)
	errs := make([]error, len(fns))

	var g errgroup.Group
	for i, fn := range fns {
		key := fmt.Sprintf("%s/%d", base, i)
		w.claim(key, journal.KindStepCall, journal.KindStepResult)
		g.Go(func() error {
			_, errs[i] = w.exec(key, func(ctx context.Context) ([]byte, error) {
				return nil, fn(ctx)
			}, nil)
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // branches report through errs

	for _, err := range errs {
		if err != nil && !isStepFailure(err) {
			w.abort(err)
		}
	}
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Future is a step started with Go. Its key is assigned when Go is
// called, so concurrent steps keep the logical order of their creation.
type Future[T any] struct {
	w    *Workflow
	key  string
	done chan struct{}
	raw  []byte
	err  error
}

// Go starts fn as a step running concurrently with the body.
func Go[T any](w *Workflow, name string, fn func(ctx context.Context) (T, error), opts ...step.Option) *Future[T] {
	f := &Future[T]{w: w, key: w.stepKey(name), done: make(chan struct{})}
	w.futures.Add(1)
	go func() {
		defer w.futures.Done()
		defer close(f.done)
		f.raw, f.err = w.exec(f.key, encoded(fn), opts)
	}()
	return f
}

// Key returns the step key.
func (f *Future[T]) Key() string { return f.key }

// Get waits for the step and returns its value.
func (f *Future[T]) Get() (T, error) {
	<-f.done
	if err := f.w.settleStepErr(f.err); err != nil {
		var zero T
		return zero, err
	}
	return decode[T](f.raw)
}

func (f *Future[T]) settle(block bool) (Result, int64, bool) {
	if block {
		<-f.done
	} else {
		select {
		case <-f.done:
		default:
			return Result{}, 0, false
		}
	}
	if err := f.w.settleStepErr(f.err); err != nil {
		return Result{Key: f.key, Err: err}, step.Fold(f.w.run.ID, f.key, f.w.history).Seq, true
	}
	return Result{Key: f.key, Payload: f.raw}, step.Fold(f.w.run.ID, f.key, f.w.history).Seq, true
}

func (f *Future[T]) waitToken() string       { return "" }
func (f *Future[T]) doneCh() <-chan struct{} { return f.done }
func (f *Future[T]) consume()                {}
func (f *Future[T]) expiry() *time.Time      { return nil }
func (f *Future[T]) expire() bool            { return false }

// Now returns the current time, memoized so replays observe the same
// value.
func Now(w *Workflow) time.Time {
	t, _ := StepWithResult(w, "durable.now", func(context.Context) (time.Time, error) { //nolint:errcheck // cannot fail
		return w.r.now().UTC(), nil
	})
	return t
}

// Random returns a memoized pseudo-random number in [0, 1).
func Random(w *Workflow) float64 {
	f, _ := StepWithResult(w, "durable.random", func(context.Context) (float64, error) { //nolint:errcheck // cannot fail
		return rand.Float64(), nil //nolint:gosec // not security sensitive
	})
	return f
}

// NewID returns a memoized identifier with the given prefix.
func NewID(w *Workflow, prefix id.Prefix) string {
	s, _ := StepWithResult(w, "durable.id", func(context.Context) (string, error) { //nolint:errcheck // cannot fail
		return id.New(prefix).String(), nil
	})
	return s
}
