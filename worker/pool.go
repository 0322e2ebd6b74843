// Package worker runs run activations on a bounded set of goroutines.
//
// The pool holds an in-memory queue of run IDs. Submitting a run that is
// already queued is a no-op; submitting a run that is currently executing
// schedules exactly one more activation after the current one returns, so
// a hook delivery or wake-up that races with an activation is never lost.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/durable"
	"github.com/xraph/durable/id"
)

// Activator executes one activation of a run.
type Activator interface {
	Activate(ctx context.Context, runID id.RunID) error
}

// ActivatorFunc adapts a function into an Activator.
type ActivatorFunc func(ctx context.Context, runID id.RunID) error

// Activate calls f.
func (f ActivatorFunc) Activate(ctx context.Context, runID id.RunID) error { return f(ctx, runID) }

type slotState int

const (
	slotQueued slotState = iota + 1
	slotRunning
	slotRerun
)

// Pool manages a set of concurrent worker goroutines that drain the
// activation queue.
type Pool struct {
	activator   Activator
	concurrency int
	workerID    id.WorkerID
	logger      *slog.Logger

	stopCh  chan struct{}
	notify  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	queue []id.RunID
	slots map[string]slotState

	activeMu sync.Mutex
	active   map[string]context.CancelFunc
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of concurrent worker goroutines.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithWorkerID overrides the generated worker identifier.
func WithWorkerID(wid id.WorkerID) PoolOption {
	return func(p *Pool) { p.workerID = wid }
}

// NewPool creates a worker pool.
func NewPool(activator Activator, logger *slog.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		activator:   activator,
		concurrency: durable.DefaultConfig().Concurrency,
		workerID:    id.NewWorkerID(),
		logger:      logger,
		stopCh:      make(chan struct{}),
		notify:      make(chan struct{}, 1),
		slots:       make(map[string]slotState),
		active:      make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.concurrency < 1 {
		p.concurrency = 1
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.loop()
	}
	return nil
}

// Stop signals all workers to stop and waits for them to finish. If ctx
// ends first, active activations are cancelled.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active runs")
		p.cancelActive()
		p.wg.Wait()
	}
	return nil
}

// Submit queues an activation of runID and reports whether a new
// activation was scheduled.
func (p *Pool) Submit(runID id.RunID) bool {
	key := runID.String()

	p.mu.Lock()
	switch p.slots[key] {
	case slotQueued, slotRerun:
		p.mu.Unlock()
		return false
	case slotRunning:
		p.slots[key] = slotRerun
		p.mu.Unlock()
		return true
	}
	p.slots[key] = slotQueued
	p.queue = append(p.queue, runID)
	p.mu.Unlock()

	p.signal()
	return true
}

// Pending returns the number of queued activations.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Cancel cancels the context of runID's in-flight activation on this pool.
func (p *Pool) Cancel(runID id.RunID) bool {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	cancel, ok := p.active[runID.String()]
	if ok {
		cancel()
	}
	return ok
}

func (p *Pool) signal() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *Pool) next() (id.RunID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return id.RunID{}, false
	}
	runID := p.queue[0]
	p.queue = p.queue[1:]
	p.slots[runID.String()] = slotRunning
	if len(p.queue) > 0 {
		p.signal()
	}
	return runID, true
}

// finish clears runID's slot and reports whether it must run again.
func (p *Pool) finish(runID id.RunID) bool {
	key := runID.String()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.slots[key] == slotRerun {
		p.slots[key] = slotQueued
		p.queue = append(p.queue, runID)
		return true
	}
	delete(p.slots, key)
	return false
}

func (p *Pool) loop() {
	defer p.wg.Done()

	for {
		runID, ok := p.next()
		if !ok {
			select {
			case <-p.stopCh:
				return
			case <-p.notify:
				continue
			}
		}

		select {
		case <-p.stopCh:
			return
		default:
		}

		p.execute(runID)
		if p.finish(runID) {
			p.signal()
		}
	}
}

func (p *Pool) execute(runID id.RunID) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.track(runID.String(), cancel)
	defer p.untrack(runID.String())

	start := time.Now()
	err := p.activator.Activate(ctx, runID)
	switch {
	case err == nil:
		p.logger.Debug("activation finished",
			slog.String("run_id", runID.String()),
			slog.Duration("elapsed", time.Since(start)),
		)
	case errors.Is(err, durable.ErrLeaseConflict):
		p.logger.Debug("run leased elsewhere", slog.String("run_id", runID.String()))
	default:
		p.logger.Error("activation failed",
			slog.String("run_id", runID.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Pool) track(runID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.active[runID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrack(runID string) {
	p.activeMu.Lock()
	delete(p.active, runID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActive() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for runID, cancel := range p.active {
		p.logger.Warn("cancelling active run", slog.String("run_id", runID))
		cancel()
	}
}
