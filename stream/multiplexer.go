package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xraph/durable"
	"github.com/xraph/durable/id"
)

// Final statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

const readBatch = 128

// Option configures a Multiplexer.
type Option func(*Multiplexer)

// WithBroker sets the broker used for in-process live delivery.
func WithBroker(b *Broker) Option {
	return func(m *Multiplexer) { m.broker = b }
}

// WithLogger sets the multiplexer logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Multiplexer) { m.logger = l }
}

// WithRetention sets how long a stream is kept after its finish chunk.
func WithRetention(d time.Duration) Option {
	return func(m *Multiplexer) { m.retention = d }
}

// WithHighWater makes writers wait while an attached local reader lags by
// more than n chunks. Zero disables backpressure.
func WithHighWater(n int64) Option {
	return func(m *Multiplexer) { m.highWater = n }
}

// WithPollInterval sets how often a waiting reader re-reads the store when
// no broker notification arrives.
func WithPollInterval(d time.Duration) Option {
	return func(m *Multiplexer) { m.pollInterval = d }
}

// Multiplexer owns the write and read sides of every run stream.
type Multiplexer struct {
	store        Store
	broker       *Broker
	logger       *slog.Logger
	retention    time.Duration
	highWater    int64
	pollInterval time.Duration

	mu   sync.Mutex
	runs map[string]*runState

	readerSeq atomic.Int64
}

// runState tracks the local readers of one run for backpressure.
type runState struct {
	mu      sync.Mutex
	readers map[*Reader]int64 // reader → next index it will read
	changed chan struct{}
	writer  *Writer
}

func (s *runState) notify() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// NewMultiplexer creates a Multiplexer over store.
func NewMultiplexer(store Store, opts ...Option) *Multiplexer {
	cfg := durable.DefaultConfig()
	m := &Multiplexer{
		store:        store,
		logger:       slog.Default(),
		retention:    cfg.StreamRetention,
		highWater:    int64(cfg.StreamHighWater),
		pollInterval: cfg.PollInterval,
		runs:         make(map[string]*runState),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.broker == nil {
		m.broker = NewBroker(m.logger)
	}
	return m
}

// Broker returns the broker used for live delivery.
func (m *Multiplexer) Broker() *Broker { return m.broker }

// attach runs fn on the run's state while holding the multiplexer lock, so
// the state cannot be released concurrently.
func (m *Multiplexer) attach(runID id.RunID, fn func(s *runState)) *runState {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := runID.String()
	s, ok := m.runs[key]
	if !ok {
		s = &runState{readers: make(map[*Reader]int64), changed: make(chan struct{})}
		m.runs[key] = s
	}
	s.mu.Lock()
	fn(s)
	s.mu.Unlock()
	return s
}

func (m *Multiplexer) release(runID id.RunID, s *runState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.mu.Lock()
	idle := len(s.readers) == 0 && s.writer == nil
	s.mu.Unlock()
	if idle && m.runs[runID.String()] == s {
		delete(m.runs, runID.String())
	}
}

// Writable returns the logical writer of a run. Every caller in this
// process gets the same Writer.
func (m *Multiplexer) Writable(runID id.RunID) *Writer {
	var w *Writer
	m.attach(runID, func(s *runState) {
		if s.writer == nil {
			s.writer = &Writer{m: m, runID: runID, state: s, last: -1}
		}
		w = s.writer
	})
	return w
}

// Finish appends the finish chunk of a run and starts its retention clock.
// Finishing an already finished stream is a no-op.
func (m *Multiplexer) Finish(ctx context.Context, runID id.RunID, final Final) error {
	return m.Writable(runID).Close(ctx, final)
}

// Purge deletes streams whose retention has elapsed and returns how many
// were removed.
func (m *Multiplexer) Purge(ctx context.Context) (int, error) {
	n, err := m.store.PurgeStreams(ctx, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("purge streams: %w", err)
	}
	if n > 0 {
		m.logger.Info("purged expired streams", slog.Int("count", n))
	}
	return n, nil
}

// Readable attaches a reader to a run's stream at startIndex.
func (m *Multiplexer) Readable(ctx context.Context, runID id.RunID, startIndex int64) (*Reader, error) {
	if startIndex < 0 {
		return nil, durable.NewValidationError("startIndex", "must not be negative")
	}
	// Surface an expired stream now rather than on the first Next.
	if _, err := m.store.ListChunks(ctx, runID, startIndex, 1); err != nil {
		return nil, err
	}

	r := &Reader{m: m, runID: runID, next: startIndex}
	r.sub = m.broker.Subscribe(fmt.Sprintf("reader-%d", m.readerSeq.Add(1)), RunTopic(runID.String()))
	r.sub.SetFilter(func(e *Event) bool { return e.Type == EventChunk })

	r.state = m.attach(runID, func(s *runState) { s.readers[r] = startIndex })
	return r, nil
}

// Writer appends chunks to one run's stream.
type Writer struct {
	m     *Multiplexer
	runID id.RunID
	state *runState

	mu     sync.Mutex
	closed bool
	last   int64
}

// RunID returns the run the writer belongs to.
func (w *Writer) RunID() id.RunID { return w.runID }

// Write appends data as the next chunk and returns its index. data must
// be a JSON value. It blocks while backpressure applies.
func (w *Writer) Write(ctx context.Context, data []byte) (int64, error) {
	if !json.Valid(data) {
		return 0, durable.NewValidationError("chunk", "data must be a JSON value")
	}
	if err := w.waitCapacity(ctx); err != nil {
		return 0, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, durable.ErrStreamClosed
	}
	c := &Chunk{RunID: w.runID, Data: append([]byte(nil), data...)}
	if err := w.m.store.AppendChunk(ctx, c); err != nil {
		if errors.Is(err, durable.ErrStreamClosed) {
			w.closed = true
		}
		return 0, err
	}
	w.last = c.Index
	w.m.broker.PublishChunk(c)
	return c.Index, nil
}

// WriteJSON marshals v and writes it as one chunk.
func (w *Writer) WriteJSON(ctx context.Context, v any) (int64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("marshal chunk: %w", err)
	}
	return w.Write(ctx, data)
}

// Close appends the finish chunk. Writes after Close fail with
// durable.ErrStreamClosed; closing twice is a no-op.
func (w *Writer) Close(ctx context.Context, final Final) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	c := &Chunk{RunID: w.runID, Final: &final}
	err := w.m.store.AppendChunk(ctx, c)
	switch {
	case errors.Is(err, durable.ErrStreamClosed):
		w.closed = true
		return nil
	case err != nil:
		return fmt.Errorf("append finish chunk: %w", err)
	}
	w.closed = true
	w.m.broker.PublishChunk(c)

	if err := w.m.store.ExpireStream(ctx, w.runID, c.CreatedAt.Add(w.m.retention)); err != nil {
		return fmt.Errorf("set stream retention: %w", err)
	}
	w.m.logger.Debug("stream finished",
		slog.String("run_id", w.runID.String()),
		slog.Int64("index", c.Index),
		slog.String("status", final.Status),
	)

	w.state.mu.Lock()
	w.state.writer = nil
	w.state.mu.Unlock()
	w.m.release(w.runID, w.state)
	return nil
}

func (w *Writer) waitCapacity(ctx context.Context) error {
	hw := w.m.highWater
	if hw <= 0 {
		return nil
	}
	for {
		w.mu.Lock()
		next := w.last + 1
		w.mu.Unlock()

		s := w.state
		s.mu.Lock()
		lagging := false
		for _, pos := range s.readers {
			if next-pos >= hw {
				lagging = true
				break
			}
		}
		changed := s.changed
		s.mu.Unlock()
		if !lagging {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// Reader follows one run's stream from a start index.
type Reader struct {
	m     *Multiplexer
	runID id.RunID
	state *runState
	sub   *Subscriber

	buf  []*Chunk
	next int64
	last *Chunk
	done bool

	closeOnce sync.Once
}

// Next returns the next data chunk, waiting for live writes when the
// stored ones are drained. It returns io.EOF once the finish chunk is
// reached.
func (r *Reader) Next(ctx context.Context) (*Chunk, error) {
	for {
		if len(r.buf) > 0 {
			c := r.buf[0]
			r.buf = r.buf[1:]
			if c.IsFinish() {
				r.finish(c)
				return nil, io.EOF
			}
			r.advance(c.Index + 1)
			return c, nil
		}
		if r.done {
			return nil, io.EOF
		}

		chunks, err := r.m.store.ListChunks(ctx, r.runID, r.next, readBatch)
		if err != nil {
			return nil, err
		}
		if len(chunks) > 0 {
			r.buf = chunks
			continue
		}

		// Positioned past the finish chunk.
		last, err := r.m.store.LastChunk(ctx, r.runID)
		if err != nil {
			return nil, err
		}
		if last != nil && last.IsFinish() && last.Index < r.next {
			r.finish(last)
			return nil, io.EOF
		}

		if err := r.wait(ctx); err != nil {
			return nil, err
		}
	}
}

func (r *Reader) wait(ctx context.Context) error {
	t := time.NewTimer(r.m.pollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case _, ok := <-r.sub.C():
		if !ok {
			return durable.ErrStreamClosed
		}
		r.sub.AddCredits(1)
	case <-t.C:
	}
	return nil
}

func (r *Reader) advance(next int64) {
	r.next = next
	s := r.state
	s.mu.Lock()
	if _, ok := s.readers[r]; ok {
		s.readers[r] = next
		s.notify()
	}
	s.mu.Unlock()
}

func (r *Reader) finish(c *Chunk) {
	r.last = c
	r.done = true
	r.Close()
}

// Final returns the terminal state once Next has returned io.EOF.
func (r *Reader) Final() (Final, bool) {
	if r.last == nil {
		return Final{}, false
	}
	return *r.last.Final, true
}

// FinishChunk returns the finish chunk, with its stored index, once Next
// has returned io.EOF.
func (r *Reader) FinishChunk() (*Chunk, bool) {
	return r.last, r.last != nil
}

// RunID returns the run the reader follows.
func (r *Reader) RunID() id.RunID { return r.runID }

// Position returns the index the next data chunk will have.
func (r *Reader) Position() int64 { return r.next }

// Close detaches the reader. It is safe to call more than once.
func (r *Reader) Close() {
	r.closeOnce.Do(func() {
		r.m.broker.RemoveSubscriber(r.sub.ID())
		s := r.state
		s.mu.Lock()
		delete(s.readers, r)
		s.notify()
		s.mu.Unlock()
		r.m.release(r.runID, s)
	})
}
