// Package memory provides a fully in-memory implementation of store.Store.
// It is safe for concurrent use and intended for tests and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xraph/durable"
	"github.com/xraph/durable/hook"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/journal"
	"github.com/xraph/durable/kv"
	"github.com/xraph/durable/lease"
	"github.com/xraph/durable/stream"
	"github.com/xraph/durable/workflow"
)

// Ensure Store implements every subsystem store at compile time.
// We can't import store here (import cycle in tests), so we verify each.
var (
	_ workflow.Store = (*Store)(nil)
	_ journal.Store  = (*Store)(nil)
	_ hook.Store     = (*Store)(nil)
	_ stream.Store   = (*Store)(nil)
	_ lease.Store    = (*Store)(nil)
	_ kv.Store       = (*Store)(nil)
)

type streamState struct {
	chunks    []*stream.Chunk
	closed    bool
	expiresAt *time.Time
}

type leaseState struct {
	owner string
	until time.Time
}

// Store is an in-memory store.Store.
type Store struct {
	mu sync.RWMutex

	runs    map[string]*workflow.Run
	entries map[string][]*journal.Entry
	hooks   map[string]*hook.Hook
	streams map[string]*streamState
	purged  map[string]struct{}
	leases  map[string]*leaseState
	values  map[string][]byte

	now func() time.Time
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		runs:    make(map[string]*workflow.Run),
		entries: make(map[string][]*journal.Entry),
		hooks:   make(map[string]*hook.Hook),
		streams: make(map[string]*streamState),
		purged:  make(map[string]struct{}),
		leases:  make(map[string]*leaseState),
		values:  make(map[string][]byte),
		now:     time.Now,
	}
}

// SetClock replaces time.Now for lease expiry, for tests.
func (m *Store) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Run Store
// ──────────────────────────────────────────────────

func copyRun(r *workflow.Run) *workflow.Run {
	cp := *r
	if r.WaitingOn != nil {
		cp.WaitingOn = append([]string(nil), r.WaitingOn...)
	}
	return &cp
}

// CreateRun persists a new run.
func (m *Store) CreateRun(_ context.Context, run *workflow.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := run.ID.String()
	if _, exists := m.runs[key]; exists {
		return durable.ErrRunAlreadyExists
	}
	m.runs[key] = copyRun(run)
	return nil
}

// GetRun retrieves a run by ID.
func (m *Store) GetRun(_ context.Context, runID id.RunID) (*workflow.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.runs[runID.String()]
	if !ok {
		return nil, durable.ErrRunNotFound
	}
	return copyRun(r), nil
}

// UpdateRun persists changes to an unfinished run.
func (m *Store) UpdateRun(_ context.Context, run *workflow.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := run.ID.String()
	cur, ok := m.runs[key]
	if !ok {
		return durable.ErrRunNotFound
	}
	if cur.Status.Terminal() {
		return durable.ErrRunTerminal
	}
	run.UpdatedAt = m.now().UTC()
	m.runs[key] = copyRun(run)
	return nil
}

// ListRuns returns runs matching opts, newest first.
func (m *Store) ListRuns(_ context.Context, opts workflow.ListOpts) ([]*workflow.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*workflow.Run, 0, len(m.runs))
	for _, r := range m.runs {
		if opts.Status != "" && r.Status != opts.Status {
			continue
		}
		if opts.Workflow != "" && r.Workflow != opts.Workflow {
			continue
		}
		result = append(result, copyRun(r))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID.String() > result[j].ID.String()
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return paginate(result, opts.Offset, opts.Limit), nil
}

// ListDueRuns returns runs whose wake-up or deadline has passed.
func (m *Store) ListDueRuns(_ context.Context, now time.Time, limit int) ([]*workflow.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*workflow.Run
	for _, r := range m.runs {
		if r.Status.Terminal() {
			continue
		}
		wake := r.Status == workflow.StatusSuspended && r.WakeAt != nil && !r.WakeAt.After(now)
		expired := r.Deadline != nil && !r.Deadline.After(now)
		if wake || expired {
			result = append(result, copyRun(r))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID.String() < result[j].ID.String()
	})
	return paginate(result, 0, limit), nil
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return []T{}
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// ──────────────────────────────────────────────────
// Journal Store
// ──────────────────────────────────────────────────

// AppendEntry appends e to its run's journal and assigns e.Seq.
func (m *Store) AppendEntry(_ context.Context, e *journal.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendEntry(e)
	return nil
}

func (m *Store) appendEntry(e *journal.Entry) {
	key := e.RunID.String()
	e.Seq = int64(len(m.entries[key])) + 1
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.now().UTC()
	}
	cp := *e
	m.entries[key] = append(m.entries[key], &cp)
}

// ListEntries returns the entries of a run after afterSeq.
func (m *Store) ListEntries(_ context.Context, runID id.RunID, afterSeq int64) ([]*journal.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	es := m.entries[runID.String()]
	if afterSeq < 0 {
		afterSeq = 0
	}
	if afterSeq >= int64(len(es)) {
		return []*journal.Entry{}, nil
	}
	out := make([]*journal.Entry, 0, int64(len(es))-afterSeq)
	for _, e := range es[afterSeq:] {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// LastSeq returns the highest sequence of a run's journal.
func (m *Store) LastSeq(_ context.Context, runID id.RunID) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.entries[runID.String()])), nil
}

// ──────────────────────────────────────────────────
// Hook Store
// ──────────────────────────────────────────────────

// CreateHook persists a new hook.
func (m *Store) CreateHook(_ context.Context, h *hook.Hook) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.hooks[h.Token]; ok && cur.Status != hook.StatusDisposed {
		return durable.ErrHookConflict
	}
	cp := *h
	m.hooks[h.Token] = &cp
	return nil
}

// GetHook returns the hook addressed by token.
func (m *Store) GetHook(_ context.Context, token string) (*hook.Hook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.hooks[token]
	if !ok {
		return nil, durable.ErrHookNotFound
	}
	cp := *h
	return &cp, nil
}

// ListHooks returns the hooks of a run, oldest first.
func (m *Store) ListHooks(_ context.Context, runID id.RunID) ([]*hook.Hook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*hook.Hook
	for _, h := range m.hooks {
		if h.RunID.String() == runID.String() {
			cp := *h
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// DeliverHook accepts payload for token and appends the hook_resume entry
// under one lock.
func (m *Store) DeliverHook(_ context.Context, token string, payload []byte, now time.Time) (*journal.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.hooks[token]
	if !ok {
		return nil, durable.ErrHookNotFound
	}
	if h.Status == hook.StatusResolved {
		return nil, durable.ErrHookAlreadyResolved
	}
	if !h.Accepting(now) {
		return nil, durable.ErrHookNotFound
	}

	h.Deliveries++
	if !h.Iterable {
		h.Status = hook.StatusResolved
	}
	e := &journal.Entry{
		RunID:     h.RunID,
		Kind:      journal.KindHookResume,
		Key:       h.Key,
		Attempt:   h.Deliveries,
		Payload:   payload,
		CreatedAt: now,
	}
	m.appendEntry(e)
	return e, nil
}

// DisposeHooks marks every hook of a run disposed.
func (m *Store) DisposeHooks(_ context.Context, runID id.RunID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, h := range m.hooks {
		if h.RunID.String() == runID.String() {
			h.Status = hook.StatusDisposed
		}
	}
	return nil
}

// ──────────────────────────────────────────────────
// Stream Store
// ──────────────────────────────────────────────────

// AppendChunk stores c at the next index of its run.
func (m *Store) AppendChunk(_ context.Context, c *stream.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := c.RunID.String()
	if _, gone := m.purged[key]; gone {
		return durable.ErrStreamClosed
	}
	s, ok := m.streams[key]
	if !ok {
		s = &streamState{}
		m.streams[key] = s
	}
	if s.closed {
		return durable.ErrStreamClosed
	}
	c.Index = int64(len(s.chunks))
	if c.CreatedAt.IsZero() {
		c.CreatedAt = m.now().UTC()
	}
	cp := *c
	s.chunks = append(s.chunks, &cp)
	if c.IsFinish() {
		s.closed = true
	}
	return nil
}

// ListChunks returns up to limit chunks from index from.
func (m *Store) ListChunks(_ context.Context, runID id.RunID, from int64, limit int) ([]*stream.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key := runID.String()
	if _, gone := m.purged[key]; gone {
		return nil, durable.ErrStreamNotFound
	}
	s, ok := m.streams[key]
	if !ok {
		return []*stream.Chunk{}, nil
	}
	if s.expiresAt != nil && !s.expiresAt.After(m.now()) {
		return nil, durable.ErrStreamNotFound
	}
	if from < 0 {
		from = 0
	}
	if from >= int64(len(s.chunks)) {
		return []*stream.Chunk{}, nil
	}
	var out []*stream.Chunk
	for _, c := range s.chunks[from:] {
		cp := *c
		out = append(out, &cp)
	}
	return paginate(out, 0, limit), nil
}

// LastChunk returns the highest-indexed chunk of a run.
func (m *Store) LastChunk(_ context.Context, runID id.RunID) (*stream.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key := runID.String()
	if _, gone := m.purged[key]; gone {
		return nil, durable.ErrStreamNotFound
	}
	s, ok := m.streams[key]
	if !ok || len(s.chunks) == 0 {
		return nil, nil
	}
	cp := *s.chunks[len(s.chunks)-1]
	return &cp, nil
}

// ExpireStream schedules a run's chunks for removal.
func (m *Store) ExpireStream(_ context.Context, runID id.RunID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[runID.String()]
	if !ok {
		return nil
	}
	at = at.UTC()
	s.expiresAt = &at
	return nil
}

// PurgeStreams removes expired streams. A purged stream reports
// durable.ErrStreamNotFound from then on.
func (m *Store) PurgeStreams(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for key, s := range m.streams {
		if s.expiresAt != nil && !s.expiresAt.After(now) {
			delete(m.streams, key)
			m.purged[key] = struct{}{}
			n++
		}
	}
	return n, nil
}

// ──────────────────────────────────────────────────
// Lease Store
// ──────────────────────────────────────────────────

// AcquireLease grants key to owner when it is free, expired or already
// owned by owner.
func (m *Store) AcquireLease(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if cur, ok := m.leases[key]; ok && cur.owner != owner && now.Before(cur.until) {
		return false, nil
	}
	m.leases[key] = &leaseState{owner: owner, until: now.Add(ttl)}
	return true, nil
}

// RenewLease extends owner's hold on key.
func (m *Store) RenewLease(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cur, ok := m.leases[key]
	if !ok || cur.owner != owner || !now.Before(cur.until) {
		return false, nil
	}
	cur.until = now.Add(ttl)
	return true, nil
}

// ReleaseLease frees key if owner holds it.
func (m *Store) ReleaseLease(_ context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.leases[key]; ok && cur.owner == owner {
		delete(m.leases, key)
	}
	return nil
}

// LeaseHolder returns the unexpired holder of key.
func (m *Store) LeaseHolder(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cur, ok := m.leases[key]
	if !ok || !m.now().Before(cur.until) {
		return "", false, nil
	}
	return cur.owner, true, nil
}

// ──────────────────────────────────────────────────
// KV Store
// ──────────────────────────────────────────────────

// GetValue returns the value at key.
func (m *Store) GetValue(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.values[key]
	if !ok {
		return nil, durable.ErrKeyNotFound
	}
	return append([]byte(nil), v...), nil
}

// SetValue stores value at key.
func (m *Store) SetValue(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = append([]byte(nil), value...)
	return nil
}

// DeleteValue removes key.
func (m *Store) DeleteValue(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}
