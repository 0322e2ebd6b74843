package step

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/durable"
	"github.com/xraph/durable/backoff"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/journal"
	"github.com/xraph/durable/middleware"
)

// Func is a step body. Its result is stored verbatim in the journal.
type Func func(ctx context.Context) ([]byte, error)

// Guard reports whether a run still accepts step results. It returns
// durable.ErrRunCancelled (or another error) when it does not.
type Guard func(ctx context.Context) error

// Call identifies the step being executed.
type Call struct {
	RunID    id.RunID
	Workflow string
	Key      string
	Options  Options

	// History is the replay index of the run. Entries appended by the
	// executor are recorded into it.
	History *journal.History

	// Guard is consulted before a result is settled. Nil accepts always.
	Guard Guard
}

// Emitter receives step lifecycle notifications.
type Emitter interface {
	EmitStepCompleted(ctx context.Context, runID id.RunID, key string, attempt int, elapsed time.Duration)
	EmitStepRetrying(ctx context.Context, runID id.RunID, key string, attempt int, delay time.Duration, err error)
	EmitStepFailed(ctx context.Context, runID id.RunID, key string, err error)
}

type noopEmitter struct{}

func (noopEmitter) EmitStepCompleted(context.Context, id.RunID, string, int, time.Duration)       {}
func (noopEmitter) EmitStepRetrying(context.Context, id.RunID, string, int, time.Duration, error) {}
func (noopEmitter) EmitStepFailed(context.Context, id.RunID, string, error)                       {}

// Executor runs steps with memoization and bounded retry.
type Executor struct {
	journal    journal.Store
	backoff    backoff.Strategy
	maxRetries int
	mw         middleware.Middleware
	emitter    Emitter
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithDefaultBackoff sets the retry delay strategy for steps without one.
func WithDefaultBackoff(s backoff.Strategy) ExecutorOption {
	return func(x *Executor) { x.backoff = s }
}

// WithDefaultMaxRetries sets MaxRetries for steps that do not choose one.
func WithDefaultMaxRetries(n int) ExecutorOption {
	return func(x *Executor) { x.maxRetries = n }
}

// WithMiddleware sets the middleware every attempt runs through.
func WithMiddleware(mws ...middleware.Middleware) ExecutorOption {
	return func(x *Executor) { x.mw = middleware.Chain(mws...) }
}

// WithEmitter sets the lifecycle event receiver.
func WithEmitter(e Emitter) ExecutorOption {
	return func(x *Executor) { x.emitter = e }
}

// WithLogger sets the executor logger.
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(x *Executor) { x.logger = l }
}

// WithSleep replaces the function used to wait between attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) ExecutorOption {
	return func(x *Executor) { x.sleep = fn }
}

// NewExecutor creates an Executor that memoizes into js.
func NewExecutor(js journal.Store, opts ...ExecutorOption) *Executor {
	x := &Executor{
		journal:    js,
		backoff:    backoff.DefaultStrategy(),
		maxRetries: durable.DefaultConfig().DefaultMaxRetries,
		mw:         middleware.Chain(),
		emitter:    noopEmitter{},
		logger:     slog.Default(),
		sleep:      sleepCtx,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Execute runs fn as the step identified by call, or returns the outcome
// already recorded for it.
func (x *Executor) Execute(ctx context.Context, call Call, fn Func) ([]byte, error) {
	if call.History == nil {
		entries, err := x.journal.ListEntries(ctx, call.RunID, 0)
		if err != nil {
			return nil, fmt.Errorf("load journal: %w", err)
		}
		call.History = journal.NewHistory(entries)
	}

	inv := Fold(call.RunID, call.Key, call.History)
	switch inv.Status {
	case StatusSucceeded:
		return inv.Result, nil
	case StatusFailed:
		return nil, inv.Err()
	}

	maxRetries := call.Options.MaxRetries
	if maxRetries < 0 {
		maxRetries = x.maxRetries
	}
	strategy := call.Options.Backoff
	if strategy == nil {
		strategy = x.backoff
	}
	maxAttempts := 1 + maxRetries

	attempt := inv.Attempts
	var lastErr error
	for {
		attempt++
		if attempt > maxAttempts {
			// Attempts were used up by activations that crashed mid-step.
			if lastErr == nil {
				lastErr = fmt.Errorf("%d attempts started without a result", inv.Attempts)
			}
			return nil, x.settleFailure(ctx, call, attempt-1, lastErr, true)
		}

		if err := x.append(ctx, call, &journal.Entry{Kind: journal.KindStepCall, Attempt: attempt}); err != nil {
			return nil, err
		}

		start := time.Now()
		result, err := x.attempt(ctx, call, attempt, maxAttempts, fn)
		elapsed := time.Since(start)

		if call.Guard != nil {
			if gerr := call.Guard(ctx); gerr != nil {
				x.logger.Info("discarding step result for cancelled run",
					slog.String("run_id", call.RunID.String()),
					slog.String("step", call.Key),
					slog.Int("attempt", attempt),
					slog.Bool("succeeded", err == nil),
				)
				return nil, gerr
			}
		}

		if err == nil {
			if aerr := x.append(ctx, call, &journal.Entry{
				Kind:    journal.KindStepResult,
				Attempt: attempt,
				Payload: result,
			}); aerr != nil {
				return nil, aerr
			}
			x.emitter.EmitStepCompleted(ctx, call.RunID, call.Key, attempt, elapsed)
			return result, nil
		}

		// Shutdown or lease loss: leave the attempt unsettled for the next activation.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		if durable.IsFatal(err) {
			return nil, x.settleFailure(ctx, call, attempt, err, false)
		}
		if attempt >= maxAttempts {
			return nil, x.settleFailure(ctx, call, attempt, err, true)
		}

		delay := strategy.Delay(attempt)
		if re, ok := asRetryable(err); ok && re.RetryAfter > 0 {
			delay = re.RetryAfter
		}
		x.emitter.EmitStepRetrying(ctx, call.RunID, call.Key, attempt, delay, err)
		x.logger.Info("step scheduled for retry",
			slog.String("run_id", call.RunID.String()),
			slog.String("step", call.Key),
			slog.Int("attempt", attempt),
			slog.Int("max_retries", maxRetries),
			slog.Duration("delay", delay),
		)
		if serr := x.sleep(ctx, delay); serr != nil {
			return nil, serr
		}
	}
}

func (x *Executor) attempt(ctx context.Context, call Call, attempt, maxAttempts int, fn Func) ([]byte, error) {
	var (
		mu     sync.Mutex
		result []byte
	)
	desc := &middleware.Step{
		RunID:       call.RunID.String(),
		Workflow:    call.Workflow,
		Key:         call.Key,
		Attempt:     attempt,
		MaxAttempts: maxAttempts,
		Timeout:     call.Options.Timeout,
	}
	ctx = WithInfo(ctx, Info{RunID: call.RunID, Workflow: call.Workflow, Key: call.Key, Attempt: attempt})
	err := x.mw(ctx, desc, func(ctx context.Context) error {
		out, err := fn(ctx)
		mu.Lock()
		result = out
		mu.Unlock()
		return err
	})
	if err != nil {
		return nil, err
	}
	mu.Lock()
	defer mu.Unlock()
	return result, nil
}

func (x *Executor) settleFailure(ctx context.Context, call Call, attempt int, cause error, exhausted bool) error {
	payload, _ := json.Marshal(failure{Exhausted: exhausted})
	if err := x.append(ctx, call, &journal.Entry{
		Kind:    journal.KindStepResult,
		Attempt: attempt,
		Payload: payload,
		Error:   cause.Error(),
	}); err != nil {
		return err
	}

	var surfaced error = cause
	if exhausted {
		surfaced = fmt.Errorf("%w: %w", durable.ErrMaxRetriesExceeded, cause)
	}
	x.emitter.EmitStepFailed(ctx, call.RunID, call.Key, surfaced)
	x.logger.Warn("step failed",
		slog.String("run_id", call.RunID.String()),
		slog.String("step", call.Key),
		slog.Int("attempts", attempt),
		slog.Bool("exhausted", exhausted),
		slog.String("error", cause.Error()),
	)
	return &durable.FatalError{Step: call.Key, Err: surfaced}
}

func (x *Executor) append(ctx context.Context, call Call, e *journal.Entry) error {
	e.RunID = call.RunID
	e.Key = call.Key
	if err := x.journal.AppendEntry(ctx, e); err != nil {
		return fmt.Errorf("append %s for step %s: %w", e.Kind, call.Key, err)
	}
	call.History.Record(e)
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
