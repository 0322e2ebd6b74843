package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xraph/durable"
	"github.com/xraph/durable/journal"
)

// StreamWriter writes to the run's output stream from the workflow body.
// Each write is journaled after the chunk is appended, so a replay does
// not write it again. A crash between the append and the journal entry
// leaves the chunk written twice: body writes are at-least-once.
type StreamWriter struct {
	w *Workflow
}

// Writable returns the body's handle on the run's output stream. Steps
// write through stream.WriterFrom(ctx) instead; those writes repeat when a
// step is retried.
func (w *Workflow) Writable() *StreamWriter { return &StreamWriter{w: w} }

// Write appends data as one chunk.
func (s *StreamWriter) Write(data []byte) error {
	w := s.w
	key := w.key("stream")
	w.claim(key, journal.KindStreamWrite)
	if w.history.Find(journal.KindStreamWrite, key) != nil {
		return nil
	}

	idx, err := w.r.streams.Writable(w.run.ID).Write(w.ctx, data)
	if err != nil {
		if errors.Is(err, durable.ErrStreamClosed) {
			return err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			w.abort(err)
		}
		return fmt.Errorf("write stream chunk: %w", err)
	}
	w.append(&journal.Entry{Kind: journal.KindStreamWrite, Key: key, Attempt: int(idx)})
	return nil
}

// WriteJSON marshals v and writes it as one chunk.
func (s *StreamWriter) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal chunk: %w", err)
	}
	return s.Write(data)
}
