package lease

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/durable"
	"github.com/xraph/durable/id"
)

// Option configures a Manager.
type Option func(*Manager)

// WithTTL sets the lease time-to-live.
func WithTTL(d time.Duration) Option {
	return func(m *Manager) { m.ttl = d }
}

// WithHeartbeat sets how often held leases are renewed.
func WithHeartbeat(d time.Duration) Option {
	return func(m *Manager) { m.heartbeat = d }
}

// WithOwner overrides the generated owner identity.
func WithOwner(owner string) Option {
	return func(m *Manager) { m.owner = owner }
}

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Manager acquires leases on behalf of one process and keeps them alive.
// A key is held at most once per Manager: the store accepts a re-acquire
// by the same owner, so the Manager tracks its own holds.
type Manager struct {
	store     Store
	owner     string
	ttl       time.Duration
	heartbeat time.Duration
	logger    *slog.Logger

	mu   sync.Mutex
	held map[string]*Held
}

// NewManager creates a Manager whose owner identity is a fresh worker ID.
func NewManager(store Store, opts ...Option) *Manager {
	cfg := durable.DefaultConfig()
	m := &Manager{
		store:     store,
		owner:     id.NewWorkerID().String(),
		ttl:       cfg.LeaseTTL,
		heartbeat: cfg.HeartbeatInterval,
		logger:    slog.Default(),
		held:      make(map[string]*Held),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Owner returns the identity this manager acquires leases as.
func (m *Manager) Owner() string { return m.owner }

// Acquire takes the lease on key and starts renewing it. It fails with
// durable.ErrLeaseConflict when another owner holds the lease or this
// Manager already holds it.
func (m *Manager) Acquire(ctx context.Context, key string) (*Held, error) {
	h := &Held{
		m:    m,
		key:  key,
		lost: make(chan struct{}),
		stop: make(chan struct{}),
	}

	m.mu.Lock()
	if _, busy := m.held[key]; busy {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is held by this process", durable.ErrLeaseConflict, key)
	}
	m.held[key] = h
	m.mu.Unlock()

	ok, err := m.store.AcquireLease(ctx, key, m.owner, m.ttl)
	if err != nil || !ok {
		m.forget(h)
		if err != nil {
			return nil, fmt.Errorf("acquire lease %s: %w", key, err)
		}
		return nil, fmt.Errorf("%w: %s", durable.ErrLeaseConflict, key)
	}

	if m.heartbeat > 0 {
		h.wg.Add(1)
		go h.renewLoop()
	}
	return h, nil
}

func (m *Manager) forget(h *Held) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[h.key] == h {
		delete(m.held, h.key)
	}
}

// Holder reports who holds the lease on key, if anyone.
func (m *Manager) Holder(ctx context.Context, key string) (owner string, held bool, err error) {
	return m.store.LeaseHolder(ctx, key)
}

// Held is a lease owned by this process.
type Held struct {
	m   *Manager
	key string

	lost     chan struct{}
	lostOnce sync.Once
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Key returns the leased key.
func (h *Held) Key() string { return h.key }

// Lost is closed when a renewal finds the lease taken by another owner.
func (h *Held) Lost() <-chan struct{} { return h.lost }

func (h *Held) renewLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.m.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			ok, err := h.m.store.RenewLease(context.Background(), h.key, h.m.owner, h.m.ttl)
			if err != nil {
				h.m.logger.Warn("lease renewal failed",
					slog.String("key", h.key),
					slog.String("error", err.Error()),
				)
				continue
			}
			if !ok {
				h.m.logger.Warn("lease lost", slog.String("key", h.key))
				h.lostOnce.Do(func() { close(h.lost) })
				return
			}
		}
	}
}

// Release stops renewing and frees the lease.
func (h *Held) Release(ctx context.Context) error {
	h.stopOnce.Do(func() { close(h.stop) })
	h.wg.Wait()
	defer h.m.forget(h)
	if err := h.m.store.ReleaseLease(ctx, h.key, h.m.owner); err != nil {
		return fmt.Errorf("release lease %s: %w", h.key, err)
	}
	return nil
}
