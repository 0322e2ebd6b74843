package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/xraph/durable"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/workflow"
)

var terminalStatuses = []string{
	string(workflow.StatusCompleted),
	string(workflow.StatusFailed),
	string(workflow.StatusCancelled),
}

// CreateRun persists a new run.
func (s *Store) CreateRun(ctx context.Context, run *workflow.Run) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = s.clock()
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = run.CreatedAt
	}
	_, err := s.db.NewInsert().Model(toRunModel(run)).Exec(ctx)
	if err != nil {
		if isDuplicateKey(err) {
			return durable.ErrRunAlreadyExists
		}
		return fmt.Errorf("durable/bun: create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, runID id.RunID) (*workflow.Run, error) {
	m := new(runModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", runID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, durable.ErrRunNotFound
		}
		return nil, fmt.Errorf("durable/bun: get run: %w", err)
	}
	return fromRunModel(m)
}

// UpdateRun persists changes to a run. A stored terminal run is never
// overwritten.
func (s *Store) UpdateRun(ctx context.Context, run *workflow.Run) error {
	run.UpdatedAt = s.clock()
	res, err := s.db.NewUpdate().Model(toRunModel(run)).
		Column("version", "status", "input", "output", "error",
			"waiting_on", "wake_at", "deadline", "updated_at", "completed_at").
		WherePK().
		Where("status NOT IN (?)", bun.In(terminalStatuses)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("durable/bun: update run: %w", err)
	}
	if affected(res) > 0 {
		return nil
	}
	if _, err := s.GetRun(ctx, run.ID); err != nil {
		return err
	}
	return durable.ErrRunTerminal
}

// ListRuns returns runs matching opts, newest first.
func (s *Store) ListRuns(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Run, error) {
	var models []runModel
	q := s.db.NewSelect().Model(&models).
		Order("created_at DESC", "id DESC")
	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	if opts.Workflow != "" {
		q = q.Where("workflow = ?", opts.Workflow)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("durable/bun: list runs: %w", err)
	}
	return fromRunModels(models)
}

// ListDueRuns returns suspended runs whose WakeAt has passed and
// unfinished runs past their Deadline.
func (s *Store) ListDueRuns(ctx context.Context, now time.Time, limit int) ([]*workflow.Run, error) {
	var models []runModel
	q := s.db.NewSelect().Model(&models).
		Where("status NOT IN (?)", bun.In(terminalStatuses)).
		Where("((status = ? AND wake_at <= ?) OR deadline <= ?)", string(workflow.StatusSuspended), now, now).
		Order("id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("durable/bun: list due runs: %w", err)
	}
	return fromRunModels(models)
}
