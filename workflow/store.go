package workflow

import (
	"context"
	"time"

	"github.com/xraph/durable/id"
)

// ListOpts controls pagination for run list queries.
type ListOpts struct {
	// Limit is the maximum number of runs to return. Zero means no limit.
	Limit int
	// Offset is the number of runs to skip.
	Offset int
	// Status filters by run status. Empty means all.
	Status Status
	// Workflow filters by workflow name. Empty means all.
	Workflow string
}

// Store defines the persistence contract for runs.
type Store interface {
	// CreateRun persists a new run. A run with the same ID fails with
	// durable.ErrRunAlreadyExists.
	CreateRun(ctx context.Context, run *Run) error

	// GetRun retrieves a run or durable.ErrRunNotFound.
	GetRun(ctx context.Context, runID id.RunID) (*Run, error)

	// UpdateRun persists changes to a run and sets UpdatedAt. It fails with
	// durable.ErrRunTerminal when the stored run is already terminal, so a
	// finished run never transitions again.
	UpdateRun(ctx context.Context, run *Run) error

	// ListRuns returns runs matching opts, newest first.
	ListRuns(ctx context.Context, opts ListOpts) ([]*Run, error)

	// ListDueRuns returns suspended runs whose WakeAt is at or before now
	// and unfinished runs whose Deadline is at or before now.
	ListDueRuns(ctx context.Context, now time.Time, limit int) ([]*Run, error)
}
