package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/xraph/durable"
	"github.com/xraph/durable/backoff"
	"github.com/xraph/durable/ext"
	"github.com/xraph/durable/hook"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/kv"
	"github.com/xraph/durable/lease"
	mw "github.com/xraph/durable/middleware"
	"github.com/xraph/durable/observability"
	"github.com/xraph/durable/step"
	"github.com/xraph/durable/store"
	"github.com/xraph/durable/stream"
	"github.com/xraph/durable/waker"
	"github.com/xraph/durable/worker"
	"github.com/xraph/durable/workflow"
)

// ApprovalSchema is the name the approval decision schema is registered
// under unless overridden with WithSchema.
const ApprovalSchema = "approval"

// wakeBatch bounds how many due runs a single wake sweep schedules.
const wakeBatch = 256

// Sweep names, as reported to extensions.
const (
	SweepWake    = "wake"
	SweepRecover = "recover"
	SweepPurge   = "purge"
)

// runEmitter adapts the extension registry and the stream broker to
// workflow.RunEmitter: every transition is announced to extensions and
// published on the run's topic so in-process watchers wake up.
type runEmitter struct {
	ext    *ext.Registry
	broker *stream.Broker
}

func (a *runEmitter) publish(t stream.EventType, run *workflow.Run) {
	a.broker.PublishRun(t, stream.RunEventData{
		RunID:    run.ID.String(),
		Workflow: run.Workflow,
		Status:   string(run.Status),
		Error:    run.Error,
	})
}

func (a *runEmitter) EmitRunStarted(ctx context.Context, run *workflow.Run) {
	a.publish(stream.EventRunStarted, run)
	a.ext.EmitRunStarted(ctx, run)
}

func (a *runEmitter) EmitRunSuspended(ctx context.Context, run *workflow.Run) {
	a.publish(stream.EventRunSuspended, run)
	a.ext.EmitRunSuspended(ctx, run)
}

func (a *runEmitter) EmitRunResumed(ctx context.Context, run *workflow.Run) {
	a.publish(stream.EventRunResumed, run)
	a.ext.EmitRunResumed(ctx, run)
}

func (a *runEmitter) EmitRunCompleted(ctx context.Context, run *workflow.Run, elapsed time.Duration) {
	a.publish(stream.EventRunCompleted, run)
	a.ext.EmitRunCompleted(ctx, run, elapsed)
}

func (a *runEmitter) EmitRunFailed(ctx context.Context, run *workflow.Run, err error) {
	a.publish(stream.EventRunFailed, run)
	a.ext.EmitRunFailed(ctx, run, err)
}

func (a *runEmitter) EmitRunCancelled(ctx context.Context, run *workflow.Run, reason error) {
	a.publish(stream.EventRunCancelled, run)
	a.ext.EmitRunCancelled(ctx, run, reason)
}

// Engine is the durable workflow engine.
type Engine struct {
	store      store.Store
	config     durable.Config
	logger     *slog.Logger
	extensions *ext.Registry
	mws        []mw.Middleware
	bo         backoff.Strategy
	workerID   id.WorkerID

	schemas     map[string]hook.Schema
	resumeLimit rate.Limit
	resumeBurst int

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	broker   *stream.Broker
	streams  *stream.Multiplexer
	hooks    *hook.Registry
	steps    *step.Executor
	leases   *lease.Manager
	registry *workflow.Registry
	runner   *workflow.Runner
	pool     *worker.Pool
	waker    *waker.Scheduler
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore sets the persistence backend. It is required.
func WithStore(s store.Store) Option {
	return func(eng *Engine) { eng.store = s }
}

// WithLogger sets the engine logger. Subsystems log through it.
func WithLogger(l *slog.Logger) Option {
	return func(eng *Engine) { eng.logger = l }
}

// WithConfig replaces the engine configuration.
func WithConfig(cfg durable.Config) Option {
	return func(eng *Engine) { eng.config = cfg }
}

// WithExtension registers an extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) { eng.extensions.Register(e) }
}

// WithMiddleware adds middleware to the step execution chain, after the
// default stack.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) { eng.mws = append(eng.mws, m) }
}

// WithBackoff sets the retry backoff strategy for steps without one.
// If not set, backoff.DefaultStrategy() (exponential with jitter) is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) { eng.bo = b }
}

// WithSchema registers a named hook payload schema.
func WithSchema(name string, s hook.Schema) Option {
	return func(eng *Engine) { eng.schemas[name] = s }
}

// WithResumeLimit bounds resumes per hook token. Excess resumes fail with
// durable.ErrRateLimited.
func WithResumeLimit(limit rate.Limit, burst int) Option {
	return func(eng *Engine) {
		eng.resumeLimit = limit
		eng.resumeBurst = burst
	}
}

// WithWorkerID overrides the generated identity this process takes leases as.
func WithWorkerID(wid id.WorkerID) Option {
	return func(eng *Engine) { eng.workerID = wid }
}

// WithTracerProvider sets a custom OTel TracerProvider for the tracing
// middleware. If not set, the global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) { eng.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider. Both the metrics
// middleware and the observability extension use it.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) { eng.meterProvider = mp }
}

// New builds an Engine. Call Launch to start executing runs.
func New(opts ...Option) (*Engine, error) {
	eng := &Engine{
		config:      durable.DefaultConfig(),
		logger:      slog.Default(),
		extensions:  ext.NewRegistry(slog.Default()),
		schemas:     map[string]hook.Schema{ApprovalSchema: hook.Approval()},
		resumeLimit: rate.Inf,
		workerID:    id.NewWorkerID(),
	}
	for _, opt := range opts {
		opt(eng)
	}
	if eng.store == nil {
		return nil, durable.ErrNoStore
	}
	if eng.bo == nil {
		eng.bo = backoff.DefaultStrategy()
	}
	cfg := eng.config
	logger := eng.logger
	owner := eng.workerID.String()
	eng.extensions.SetLogger(logger)

	// Register the observability metrics extension.
	var obsExt *observability.MetricsExtension
	if eng.meterProvider != nil {
		obsExt = observability.NewMetricsExtensionWithMeter(eng.meterProvider.Meter("github.com/xraph/durable/observability"))
	} else {
		obsExt = observability.NewMetricsExtension()
	}
	eng.extensions.Register(obsExt)

	eng.broker = stream.NewBroker(logger)
	eng.streams = stream.NewMultiplexer(eng.store,
		stream.WithBroker(eng.broker),
		stream.WithLogger(logger),
		stream.WithRetention(cfg.StreamRetention),
		stream.WithHighWater(int64(cfg.StreamHighWater)),
		stream.WithPollInterval(cfg.PollInterval),
	)

	hookOpts := []hook.Option{
		hook.WithLogger(logger),
		hook.WithRateLimit(eng.resumeLimit, eng.resumeBurst),
		hook.WithRehydrator(func(_ context.Context, runID id.RunID) { eng.pool.Submit(runID) }),
	}
	for name, s := range eng.schemas {
		hookOpts = append(hookOpts, hook.WithSchema(name, s))
	}
	eng.hooks = hook.NewRegistry(eng.store, hookOpts...)

	eng.steps = step.NewExecutor(eng.store,
		step.WithDefaultBackoff(eng.bo),
		step.WithDefaultMaxRetries(cfg.DefaultMaxRetries),
		step.WithMiddleware(eng.middlewares()...),
		step.WithEmitter(eng.extensions),
		step.WithLogger(logger),
	)

	eng.leases = lease.NewManager(eng.store,
		lease.WithTTL(cfg.LeaseTTL),
		lease.WithHeartbeat(cfg.HeartbeatInterval),
		lease.WithOwner(owner),
		lease.WithLogger(logger),
	)

	eng.registry = workflow.NewRegistry()
	eng.runner = workflow.NewRunner(eng.registry, workflow.Services{
		Runs:    eng.store,
		Journal: eng.store,
		Hooks:   eng.hooks,
		Streams: eng.streams,
		Steps:   eng.steps,
		Leases:  eng.leases,
	},
		workflow.WithEmitter(&runEmitter{ext: eng.extensions, broker: eng.broker}),
		workflow.WithLogger(logger),
		workflow.WithScheduler(func(runID id.RunID) { eng.pool.Submit(runID) }),
	)

	eng.pool = worker.NewPool(eng.runner, logger,
		worker.WithPoolConcurrency(cfg.Concurrency),
		worker.WithWorkerID(eng.workerID),
	)

	eng.waker = waker.NewScheduler(eng.store, owner,
		waker.WithLeaderTTL(cfg.LeaseTTL),
		waker.WithEmitter(eng.extensions),
		waker.WithLogger(logger),
	)
	sweeps := []struct {
		name, expr string
		task       waker.Task
	}{
		{SweepWake, cfg.WakeSchedule, func(ctx context.Context) (int, error) { return eng.runner.WakeDue(ctx, wakeBatch) }},
		{SweepRecover, cfg.RecoverySchedule, eng.runner.Recover},
		{SweepPurge, cfg.RetentionSchedule, eng.streams.Purge},
	}
	for _, sw := range sweeps {
		if sw.expr == "" {
			continue
		}
		if err := eng.waker.Register(sw.name, sw.expr, sw.task); err != nil {
			return nil, fmt.Errorf("durable: register %s sweep: %w", sw.name, err)
		}
	}

	return eng, nil
}

// middlewares builds the step chain: recover → tracing → metrics →
// logging → timeout, then user middleware.
func (eng *Engine) middlewares() []mw.Middleware {
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(eng.tracerProvider.Tracer("github.com/xraph/durable"))
	} else {
		tracingMw = mw.Tracing()
	}

	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(eng.meterProvider.Meter("github.com/xraph/durable"))
	} else {
		metricsMw = mw.Metrics()
	}

	all := []mw.Middleware{
		mw.Recover(eng.logger),
		tracingMw,
		metricsMw,
		mw.Logging(eng.logger),
		mw.Timeout(),
	}
	return append(all, eng.mws...)
}

// Register registers a typed workflow definition with the engine.
func Register[I, O any](eng *Engine, def *workflow.Definition[I, O]) {
	workflow.Register(eng.registry, def)
}

// Launch starts executing runs: the worker pool, the waker and a
// recovery pass over runs left unfinished by a previous process.
func (eng *Engine) Launch(ctx context.Context) error {
	if err := eng.pool.Start(ctx); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}
	if err := eng.waker.Start(ctx); err != nil {
		return fmt.Errorf("start waker: %w", err)
	}

	// Best-effort; the recover sweep retries.
	if n, err := eng.runner.Recover(ctx); err != nil {
		eng.logger.Warn("initial recovery failed", slog.String("error", err.Error()))
	} else if n > 0 {
		eng.logger.Info("recovered runs", slog.Int("count", n))
	}

	eng.logger.Info("durable engine launched",
		slog.String("worker_id", eng.workerID.String()),
		slog.Any("workflows", eng.registry.Names()),
	)
	return nil
}

// Shutdown stops the waker and drains the worker pool, waiting at most
// Config.ShutdownTimeout for in-flight activations. Runs cut short are
// picked up again by the recovery sweep of a live process.
func (eng *Engine) Shutdown(ctx context.Context) error {
	eng.extensions.EmitShutdown(ctx)

	if err := eng.waker.Stop(ctx); err != nil {
		eng.logger.Error("waker stop error", slog.String("error", err.Error()))
	}

	stopCtx := ctx
	if eng.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		stopCtx, cancel = context.WithTimeout(ctx, eng.config.ShutdownTimeout)
		defer cancel()
	}
	err := eng.pool.Stop(stopCtx)

	eng.runner.Close()
	eng.broker.Close()
	return err
}

// StartOption tunes a single run.
type StartOption func(*workflow.StartOptions)

// WithRunID makes the start idempotent on id: starting an existing run
// fails with durable.ErrRunAlreadyExists.
func WithRunID(runID id.RunID) StartOption {
	return func(o *workflow.StartOptions) { o.RunID = runID }
}

// WithTimeout overrides the workflow's run timeout.
func WithTimeout(d time.Duration) StartOption {
	return func(o *workflow.StartOptions) { o.Timeout = d }
}

// Start creates a run of the named workflow and schedules it. input is
// encoded as JSON unless it already is raw JSON.
func (eng *Engine) Start(ctx context.Context, name string, input any, opts ...StartOption) (*Handle, error) {
	raw, err := encodeInput(input)
	if err != nil {
		return nil, err
	}
	var so workflow.StartOptions
	for _, opt := range opts {
		opt(&so)
	}
	run, err := eng.runner.Start(ctx, name, raw, so)
	if err != nil {
		return nil, durable.Engine("start", err)
	}
	return &Handle{RunID: run.ID, eng: eng}, nil
}

// Handle returns the handle of an existing run without checking it exists.
func (eng *Engine) Handle(runID id.RunID) *Handle {
	return &Handle{RunID: runID, eng: eng}
}

// Resume delivers payload to the hook addressed by token. The delivery is
// durable when Resume returns nil; the owning run is activated on this or
// another process.
func (eng *Engine) Resume(ctx context.Context, token string, payload []byte) error {
	entry, err := eng.hooks.Resume(ctx, token, payload)
	if err != nil {
		return durable.Engine("resume", err)
	}
	if h, gerr := eng.hooks.Get(ctx, token); gerr == nil {
		eng.extensions.EmitHookResumed(ctx, h, entry.Attempt)
	}
	return nil
}

// GetHook returns the hook addressed by token.
func (eng *Engine) GetHook(ctx context.Context, token string) (*hook.Hook, error) {
	h, err := eng.hooks.Get(ctx, token)
	if err != nil {
		return nil, durable.Engine("get hook", err)
	}
	return h, nil
}

// Cancel cancels a run. Cancelling a finished run fails with
// durable.ErrRunTerminal.
func (eng *Engine) Cancel(ctx context.Context, runID id.RunID) error {
	if err := eng.runner.Cancel(ctx, runID, durable.ErrRunCancelled); err != nil {
		return durable.Engine("cancel", err)
	}
	return nil
}

// GetRun returns a run.
func (eng *Engine) GetRun(ctx context.Context, runID id.RunID) (*workflow.Run, error) {
	run, err := eng.store.GetRun(ctx, runID)
	if err != nil {
		return nil, durable.Engine("get run", err)
	}
	return run, nil
}

// ListRuns returns runs matching opts, newest first.
func (eng *Engine) ListRuns(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Run, error) {
	runs, err := eng.store.ListRuns(ctx, opts)
	if err != nil {
		return nil, durable.Engine("list runs", err)
	}
	return runs, nil
}

// Readable attaches a reader to a run's stream at startIndex.
func (eng *Engine) Readable(ctx context.Context, runID id.RunID, startIndex int64) (*stream.Reader, error) {
	if _, err := eng.store.GetRun(ctx, runID); err != nil {
		return nil, durable.Engine("readable", err)
	}
	r, err := eng.streams.Readable(ctx, runID, startIndex)
	if err != nil {
		return nil, durable.Engine("readable", err)
	}
	return r, nil
}

// Result waits for a run to finish and returns its output. A failed run
// yields an error wrapping durable.ErrRunFailed; a cancelled one wraps
// durable.ErrRunCancelled or durable.ErrRunTimeout.
func (eng *Engine) Result(ctx context.Context, runID id.RunID) ([]byte, error) {
	subID := "result-" + id.NewWorkerID().String()
	sub := eng.broker.Subscribe(subID, stream.RunTopic(runID.String()))
	defer eng.broker.RemoveSubscriber(subID)

	poll := eng.config.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	events := sub.C()
	for {
		run, err := eng.store.GetRun(ctx, runID)
		if err != nil {
			return nil, durable.Engine("result", err)
		}
		if run.Status.Terminal() {
			return outcome(run)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case _, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			sub.AddCredits(1)
		case <-ticker.C:
		}
	}
}

func outcome(run *workflow.Run) ([]byte, error) {
	switch run.Status {
	case workflow.StatusCompleted:
		return run.Output, nil
	case workflow.StatusCancelled:
		if run.Error == durable.ErrRunTimeout.Error() {
			return nil, durable.ErrRunTimeout
		}
		return nil, fmt.Errorf("%w: run %s", durable.ErrRunCancelled, run.ID)
	default:
		return nil, fmt.Errorf("%w: run %s: %s", durable.ErrRunFailed, run.ID, run.Error)
	}
}

// Ping checks the store.
func (eng *Engine) Ping(ctx context.Context) error {
	if err := eng.store.Ping(ctx); err != nil {
		return durable.Engine("ping", err)
	}
	return nil
}

// Store returns the persistence backend.
func (eng *Engine) Store() store.Store { return eng.store }

// KV returns the key-value store actor workflows keep state in.
func (eng *Engine) KV() kv.Store { return eng.store }

// Config returns the engine configuration.
func (eng *Engine) Config() durable.Config { return eng.config }

// Logger returns the engine logger.
func (eng *Engine) Logger() *slog.Logger { return eng.logger }

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Registry returns the workflow registry.
func (eng *Engine) Registry() *workflow.Registry { return eng.registry }

// Runner returns the workflow runner.
func (eng *Engine) Runner() *workflow.Runner { return eng.runner }

// Hooks returns the hook registry.
func (eng *Engine) Hooks() *hook.Registry { return eng.hooks }

// Streams returns the stream multiplexer.
func (eng *Engine) Streams() *stream.Multiplexer { return eng.streams }

// Broker returns the in-process event broker.
func (eng *Engine) Broker() *stream.Broker { return eng.broker }

// Pool returns the worker pool.
func (eng *Engine) Pool() *worker.Pool { return eng.pool }

// Waker returns the sweep scheduler.
func (eng *Engine) Waker() *waker.Scheduler { return eng.waker }

// WorkerID returns the identity this process takes leases as.
func (eng *Engine) WorkerID() id.WorkerID { return eng.workerID }
