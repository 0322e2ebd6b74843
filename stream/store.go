package stream

import (
	"context"
	"time"

	"github.com/xraph/durable/id"
)

// Store defines the persistence contract for run streams.
type Store interface {
	// AppendChunk stores c at the next index of its run and sets c.Index
	// (and c.CreatedAt when zero). Appends to the same run are serialized
	// in arrival order. After a finish chunk every append fails with
	// durable.ErrStreamClosed.
	AppendChunk(ctx context.Context, c *Chunk) error

	// ListChunks returns up to limit chunks with Index >= from in index
	// order. A limit <= 0 means no limit. A stream past its expiry fails
	// with durable.ErrStreamNotFound.
	ListChunks(ctx context.Context, runID id.RunID, from int64, limit int) ([]*Chunk, error)

	// LastChunk returns the highest-indexed chunk of the run, or nil when
	// nothing was written.
	LastChunk(ctx context.Context, runID id.RunID) (*Chunk, error)

	// ExpireStream schedules the run's chunks for removal at at.
	ExpireStream(ctx context.Context, runID id.RunID, at time.Time) error

	// PurgeStreams removes streams whose expiry is at or before now and
	// returns how many were removed.
	PurgeStreams(ctx context.Context, now time.Time) (int, error)
}
