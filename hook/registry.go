package hook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/xraph/durable"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/journal"
)

// Waiter is notified in-process when a delivery for its token is accepted.
type Waiter func(ctx context.Context, h *Hook, e *journal.Entry)

// Rehydrator is called when a delivery is accepted for a token with no
// live waiter on this process, so the owning run can be reloaded.
type Rehydrator func(ctx context.Context, runID id.RunID)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithSchema registers a named payload schema.
func WithSchema(name string, s Schema) Option {
	return func(r *Registry) { r.schemas[name] = s }
}

// WithRateLimit bounds resumes per token. Resumes beyond the limit fail
// with durable.ErrRateLimited.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(r *Registry) {
		r.limit = limit
		r.burst = burst
	}
}

// WithRehydrator sets the fallback used when no live waiter exists.
func WithRehydrator(fn Rehydrator) Option {
	return func(r *Registry) { r.rehydrate = fn }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry creates hooks, validates and delivers resumes, and tracks the
// live waiters of this process.
type Registry struct {
	store     Store
	logger    *slog.Logger
	rehydrate Rehydrator
	now       func() time.Time

	mu       sync.RWMutex
	schemas  map[string]Schema
	waiters  map[string]Waiter
	limiters map[string]*rate.Limiter

	limit rate.Limit
	burst int
}

// NewRegistry creates a Registry backed by store.
func NewRegistry(store Store, opts ...Option) *Registry {
	r := &Registry{
		store:    store,
		logger:   slog.Default(),
		now:      time.Now,
		schemas:  make(map[string]Schema),
		waiters:  make(map[string]Waiter),
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Inf,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterSchema adds or replaces a named schema.
func (r *Registry) RegisterSchema(name string, s Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[name] = s
}

func (r *Registry) schema(name string) (Schema, error) {
	if name == "" {
		return AnyJSON(), nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[name]
	if !ok {
		return nil, fmt.Errorf("durable: hook schema %q not registered", name)
	}
	return s, nil
}

// Create returns the hook for spec, creating it if needed. Creating the
// same (run, key) twice returns the existing hook, which is what replay
// relies on. created reports whether a new record was written.
func (r *Registry) Create(ctx context.Context, spec Spec) (h *Hook, created bool, err error) {
	if _, err := r.schema(spec.Schema); err != nil {
		return nil, false, err
	}

	token := spec.Token
	if token == "" {
		token = id.NewHookID().String()
	}

	existing, err := r.store.GetHook(ctx, token)
	switch {
	case err == nil:
		if existing.RunID.String() == spec.RunID.String() && existing.Key == spec.Key {
			return existing, false, nil
		}
		if existing.Status != StatusDisposed {
			return nil, false, fmt.Errorf("%w: %s", durable.ErrHookConflict, token)
		}
	case !errors.Is(err, durable.ErrHookNotFound):
		return nil, false, fmt.Errorf("get hook %s: %w", token, err)
	}

	now := r.now().UTC()
	h = &Hook{
		Token:     token,
		RunID:     spec.RunID,
		Key:       spec.Key,
		Schema:    spec.Schema,
		Iterable:  spec.Iterable,
		Status:    StatusPending,
		CreatedAt: now,
	}
	if spec.TTL > 0 {
		exp := now.Add(spec.TTL)
		h.ExpiresAt = &exp
	}
	if err := r.store.CreateHook(ctx, h); err != nil {
		return nil, false, err
	}

	r.logger.Debug("hook created",
		slog.String("run_id", spec.RunID.String()),
		slog.String("token", token),
		slog.String("key", spec.Key),
		slog.Bool("iterable", spec.Iterable),
	)
	return h, true, nil
}

// Get returns the hook addressed by token.
func (r *Registry) Get(ctx context.Context, token string) (*Hook, error) {
	return r.store.GetHook(ctx, token)
}

// Resume validates payload and delivers it to the hook addressed by token.
// On success the delivery is durable and the owning run has been notified,
// either through its live waiter or through the rehydrator.
func (r *Registry) Resume(ctx context.Context, token string, payload []byte) (*journal.Entry, error) {
	if len(payload) == 0 {
		payload = []byte("null")
	}

	h, err := r.store.GetHook(ctx, token)
	if err != nil {
		return nil, err
	}
	now := r.now().UTC()
	if h.Status == StatusResolved {
		return nil, durable.ErrHookAlreadyResolved
	}
	if !h.Accepting(now) {
		return nil, durable.ErrHookNotFound
	}

	s, err := r.schema(h.Schema)
	if err != nil {
		return nil, err
	}
	if err := s.Validate(payload); err != nil {
		var ve *durable.ValidationError
		if !errors.As(err, &ve) {
			err = &durable.ValidationError{Field: "payload", Err: err}
		}
		return nil, err
	}

	if !r.allow(token) {
		return nil, durable.ErrRateLimited
	}

	entry, err := r.store.DeliverHook(ctx, token, payload, now)
	if err != nil {
		return nil, err
	}
	h.Deliveries = entry.Attempt
	if !h.Iterable {
		h.Status = StatusResolved
		r.forgetLimiter(token)
	}

	r.logger.Info("hook resumed",
		slog.String("run_id", h.RunID.String()),
		slog.String("token", token),
		slog.Int("delivery", entry.Attempt),
	)

	r.mu.RLock()
	w, live := r.waiters[token]
	rehydrate := r.rehydrate
	r.mu.RUnlock()
	if live && !h.Iterable {
		r.Disarm(token)
	}

	switch {
	case live:
		w(ctx, h, entry)
	case rehydrate != nil:
		rehydrate(ctx, h.RunID)
	}
	return entry, nil
}

// Arm registers a live waiter for token on this process.
func (r *Registry) Arm(token string, w Waiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waiters[token] = w
}

// Disarm removes the live waiter for token. Resume disarms one-shot hooks
// itself once they resolve.
func (r *Registry) Disarm(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.waiters, token)
}

// Waiting reports whether a live waiter is registered for token.
func (r *Registry) Waiting(token string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.waiters[token]
	return ok
}

// Dispose releases every hook of a run: the records stop accepting
// deliveries and local waiters are dropped.
func (r *Registry) Dispose(ctx context.Context, runID id.RunID) error {
	hooks, err := r.store.ListHooks(ctx, runID)
	if err != nil {
		return err
	}
	if err := r.store.DisposeHooks(ctx, runID); err != nil {
		return err
	}
	r.mu.Lock()
	for _, h := range hooks {
		delete(r.waiters, h.Token)
		delete(r.limiters, h.Token)
	}
	r.mu.Unlock()
	return nil
}

func (r *Registry) allow(token string) bool {
	if r.limit == rate.Inf {
		return true
	}
	r.mu.Lock()
	l, ok := r.limiters[token]
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters[token] = l
	}
	r.mu.Unlock()
	return l.Allow()
}

func (r *Registry) forgetLimiter(token string) {
	r.mu.Lock()
	delete(r.limiters, token)
	r.mu.Unlock()
}
