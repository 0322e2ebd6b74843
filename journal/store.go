package journal

import (
	"context"

	"github.com/xraph/durable/id"
)

// Store defines the persistence contract for run journals.
type Store interface {
	// AppendEntry appends e to the journal of e.RunID. The store assigns
	// e.Seq (last seq + 1) and, if zero, e.CreatedAt. Concurrent appends to
	// the same run are serialized.
	AppendEntry(ctx context.Context, e *Entry) error

	// ListEntries returns the entries of a run with Seq > afterSeq in
	// ascending Seq order.
	ListEntries(ctx context.Context, runID id.RunID, afterSeq int64) ([]*Entry, error)

	// LastSeq returns the highest Seq of a run, or 0 for an empty journal.
	LastSeq(ctx context.Context, runID id.RunID) (int64, error)
}
