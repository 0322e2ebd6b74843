package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/durable/dwp"
	"github.com/xraph/durable/stream"
)

// defaultStreamCredits is the read-ahead window of a stream reader.
const defaultStreamCredits = 64

// StreamReader follows one run's output stream over the client
// connection. Chunks arrive in index order without gaps; after a
// reconnect the reader resubscribes from the index after the last chunk
// it received and drops any duplicates.
type StreamReader struct {
	c       *Client
	runID   string
	channel string
	window  int

	mu       sync.Mutex
	queue    []*stream.Chunk
	notify   chan struct{}
	next     int64 // index the caller reads next
	received int64 // index after the last chunk received
	consumed int   // chunks read since the last credit grant
	final    *stream.Final
	err      error
	done     bool
}

// Stream attaches a reader to the run's stream at startIndex. Chunks
// already written are replayed first, then live chunks follow until the
// finish chunk.
func (c *Client) Stream(ctx context.Context, runID string, startIndex int64) (*StreamReader, error) {
	if startIndex < 0 {
		return nil, fmt.Errorf("durable/client: negative start index %d", startIndex)
	}
	r := &StreamReader{
		c:        c,
		runID:    runID,
		channel:  dwp.StreamChannel(runID),
		window:   c.credits,
		notify:   make(chan struct{}, 1),
		next:     startIndex,
		received: startIndex,
	}
	if prev, loaded := c.streams.Swap(r.channel, r); loaded {
		prev.(*StreamReader).fail(io.ErrClosedPipe) //nolint:errcheck // streams map always stores *StreamReader
	}
	if err := r.subscribe(ctx); err != nil {
		c.streams.CompareAndDelete(r.channel, r)
		return nil, err
	}
	return r, nil
}

// subscribe asks the server for chunks from the first index not yet
// received, with a fresh credit window.
func (r *StreamReader) subscribe(ctx context.Context) error {
	r.mu.Lock()
	start := r.received
	r.consumed = 0
	r.mu.Unlock()

	_, err := r.c.request(ctx, dwp.MethodStreamSubscribe, dwp.StreamSubscribeRequest{
		RunID:      r.runID,
		StartIndex: start,
		Credits:    r.window,
	})
	if err != nil {
		return fmt.Errorf("subscribe to stream of %s: %w", r.runID, err)
	}
	return nil
}

// push queues a chunk received from the server. Chunks already received
// are dropped.
func (r *StreamReader) push(c *stream.Chunk) {
	r.mu.Lock()
	if r.done || c.Index < r.received {
		r.mu.Unlock()
		return
	}
	r.queue = append(r.queue, c)
	r.received = c.Index + 1
	if c.IsFinish() {
		r.received = c.Index
	}
	r.mu.Unlock()
	r.wake()
}

func (r *StreamReader) fail(err error) {
	r.mu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.mu.Unlock()
	r.wake()
}

func (r *StreamReader) wake() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Next returns the next data chunk. After the finish chunk it returns
// io.EOF and Final reports the run's terminal state.
func (r *StreamReader) Next(ctx context.Context) (*stream.Chunk, error) {
	for {
		r.mu.Lock()
		if r.done {
			r.mu.Unlock()
			return nil, io.EOF
		}
		if len(r.queue) > 0 {
			c := r.queue[0]
			r.queue = r.queue[1:]
			if c.IsFinish() {
				r.done = true
				r.final = c.Final
				r.mu.Unlock()
				r.release()
				return nil, io.EOF
			}
			r.next = c.Index + 1
			r.consumed++
			grant := 0
			if r.consumed >= max(r.window/2, 1) {
				grant = r.consumed
				r.consumed = 0
			}
			r.mu.Unlock()
			if grant > 0 {
				r.grant(grant)
			}
			return c, nil
		}
		if r.err != nil {
			err := r.err
			r.mu.Unlock()
			return nil, err
		}
		r.mu.Unlock()

		select {
		case <-r.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// grant replenishes the server-side credits by n.
func (r *StreamReader) grant(n int) {
	frame := &dwp.Frame{
		ID:        dwp.GenerateFrameID(),
		Type:      dwp.FrameRequest,
		Channel:   r.channel,
		Credits:   n,
		Timestamp: time.Now().UTC(),
	}
	if err := r.c.writeFrame(frame); err != nil {
		// A reconnect resubscribes with a full window.
		r.c.logger.Debug("DWP client: credit grant failed", slog.String("error", err.Error()))
	}
}

// NextJSON reads the next chunk and decodes its data into v.
func (r *StreamReader) NextJSON(ctx context.Context, v any) (int64, error) {
	c, err := r.Next(ctx)
	if err != nil {
		return 0, err
	}
	return c.Index, json.Unmarshal(c.Data, v)
}

// Final returns the run's terminal state once Next has reported io.EOF.
func (r *StreamReader) Final() (stream.Final, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.final == nil {
		return stream.Final{}, false
	}
	return *r.final, true
}

// Position returns the index Next reads next.
func (r *StreamReader) Position() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next
}

// RunID returns the followed run.
func (r *StreamReader) RunID() string { return r.runID }

func (r *StreamReader) release() {
	r.c.streams.CompareAndDelete(r.channel, r)
}

// Close stops following the stream.
func (r *StreamReader) Close(ctx context.Context) error {
	r.mu.Lock()
	finished := r.done
	r.done = true
	r.mu.Unlock()
	r.wake()
	r.release()
	if finished || r.c.closed.Load() {
		return nil
	}
	_, err := r.c.request(ctx, dwp.MethodStreamUnsubscribe, dwp.UnsubscribeRequest{Channel: r.channel})
	if IsNotFound(err) {
		// The server already ended the subscription.
		return nil
	}
	return err
}
