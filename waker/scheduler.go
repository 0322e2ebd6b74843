package waker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/xraph/durable/lease"
)

// LeaderKey is the lease key of the sweep leader.
const LeaderKey = "waker:leader"

// Task performs one sweep and returns how many items it acted on.
type Task func(ctx context.Context) (int, error)

// Emitter receives sweep notifications.
type Emitter interface {
	EmitSweep(ctx context.Context, name string, n int, elapsed time.Duration, err error)
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithTickInterval sets how often the scheduler checks for due sweeps.
func WithTickInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.tickInterval = d }
}

// WithLeaderTTL sets the TTL of the leader lease.
func WithLeaderTTL(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.leaderTTL = d }
}

// WithEmitter sets the sweep notification receiver.
func WithEmitter(e Emitter) SchedulerOption {
	return func(s *Scheduler) { s.emitter = e }
}

// WithLogger sets the scheduler logger.
func WithLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

type sweep struct {
	name     string
	schedule cronlib.Schedule
	task     Task
	next     time.Time
}

// Scheduler fires registered sweeps on their schedules while it holds
// the leader lease.
type Scheduler struct {
	leases  lease.Store
	owner   string
	emitter Emitter
	logger  *slog.Logger
	now     func() time.Time

	tickInterval time.Duration
	leaderTTL    time.Duration

	mu     sync.Mutex
	sweeps []*sweep
	leader bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler that competes for leadership as owner.
func NewScheduler(leases lease.Store, owner string, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		leases:       leases,
		owner:        owner,
		logger:       slog.Default(),
		now:          time.Now,
		tickInterval: 1 * time.Second,
		leaderTTL:    15 * time.Second,
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a sweep. The first fire happens at the schedule's next
// activation after registration.
func (s *Scheduler) Register(name, expr string, task Task) error {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return fmt.Errorf("parse schedule %q for sweep %s: %w", expr, name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweeps = append(s.sweeps, &sweep{
		name:     name,
		schedule: sched,
		task:     task,
		next:     sched.Next(s.now().UTC()),
	})
	return nil
}

// Start launches the leader election and tick goroutines.
func (s *Scheduler) Start(_ context.Context) error {
	s.wg.Add(2)
	go s.leaderLoop()
	go s.tickLoop()
	s.logger.Info("waker started",
		slog.String("owner", s.owner),
		slog.Duration("tick_interval", s.tickInterval),
	)
	return nil
}

// Stop signals the scheduler to stop, waits for its goroutines, and
// gives up leadership.
func (s *Scheduler) Stop(ctx context.Context) error {
	close(s.stopCh)
	s.wg.Wait()
	s.mu.Lock()
	wasLeader := s.leader
	s.leader = false
	s.mu.Unlock()
	if wasLeader {
		if err := s.leases.ReleaseLease(ctx, LeaderKey, s.owner); err != nil {
			return fmt.Errorf("release waker leadership: %w", err)
		}
	}
	s.logger.Info("waker stopped")
	return nil
}

// IsLeader reports whether this scheduler currently fires sweeps.
func (s *Scheduler) IsLeader() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leader
}

func (s *Scheduler) leaderLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.leaderTTL / 2)
	defer ticker.Stop()

	s.tryLeadership(context.Background())

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tryLeadership(context.Background())
		}
	}
}

func (s *Scheduler) tryLeadership(ctx context.Context) {
	ok, err := s.leases.AcquireLease(ctx, LeaderKey, s.owner, s.leaderTTL)
	if err != nil {
		s.logger.Warn("waker leadership error", slog.String("error", err.Error()))
		return
	}
	s.mu.Lock()
	was := s.leader
	s.leader = ok
	s.mu.Unlock()

	switch {
	case ok && !was:
		s.logger.Info("acquired waker leadership", slog.String("owner", s.owner))
	case !ok && was:
		s.logger.Warn("lost waker leadership", slog.String("owner", s.owner))
	}
}

func (s *Scheduler) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.IsLeader() {
				s.RunDue(context.Background())
			}
		}
	}
}

// RunDue fires every sweep whose next activation is not after now and
// returns how many fired. It does not check leadership.
func (s *Scheduler) RunDue(ctx context.Context) int {
	now := s.now().UTC()

	s.mu.Lock()
	var due []*sweep
	for _, sw := range s.sweeps {
		if !sw.next.After(now) {
			sw.next = sw.schedule.Next(now)
			due = append(due, sw)
		}
	}
	s.mu.Unlock()

	for _, sw := range due {
		s.fire(ctx, sw)
	}
	return len(due)
}

func (s *Scheduler) fire(ctx context.Context, sw *sweep) {
	start := time.Now()
	n, err := sw.task(ctx)
	elapsed := time.Since(start)

	if s.emitter != nil {
		s.emitter.EmitSweep(ctx, sw.name, n, elapsed, err)
	}
	if err != nil {
		s.logger.Error("sweep failed",
			slog.String("sweep", sw.name),
			slog.String("error", err.Error()),
		)
		return
	}
	if n > 0 {
		s.logger.Debug("sweep fired",
			slog.String("sweep", sw.name),
			slog.Int("count", n),
			slog.Duration("elapsed", elapsed),
		)
	}
}
