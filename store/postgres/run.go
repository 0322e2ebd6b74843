package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/durable"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/workflow"
)

const runColumns = `id, workflow, version, status, input, output, error, waiting_on,
	wake_at, deadline, created_at, updated_at, completed_at`

// CreateRun persists a new run.
func (s *Store) CreateRun(ctx context.Context, run *workflow.Run) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = s.clock()
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = run.CreatedAt
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO durable_runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		run.ID.String(), run.Workflow, run.Version, string(run.Status),
		run.Input, run.Output, run.Error, waitingOn(run),
		run.WakeAt, run.Deadline, run.CreatedAt, run.UpdatedAt, run.CompletedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return durable.ErrRunAlreadyExists
		}
		return fmt.Errorf("durable/postgres: create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, runID id.RunID) (*workflow.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM durable_runs WHERE id = $1`, runID.String())
	r, err := scanRun(row)
	if err != nil {
		if isNoRows(err) {
			return nil, durable.ErrRunNotFound
		}
		return nil, fmt.Errorf("durable/postgres: get run: %w", err)
	}
	return r, nil
}

// UpdateRun persists changes to a run. A stored terminal run is never
// overwritten.
func (s *Store) UpdateRun(ctx context.Context, run *workflow.Run) error {
	run.UpdatedAt = s.clock()
	tag, err := s.pool.Exec(ctx, `UPDATE durable_runs SET
			version = $2, status = $3, input = $4, output = $5, error = $6,
			waiting_on = $7, wake_at = $8, deadline = $9, updated_at = $10, completed_at = $11
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`,
		run.ID.String(), run.Version, string(run.Status), run.Input, run.Output, run.Error,
		waitingOn(run), run.WakeAt, run.Deadline, run.UpdatedAt, run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("durable/postgres: update run: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.GetRun(ctx, run.ID); err != nil {
		return err
	}
	return durable.ErrRunTerminal
}

// ListRuns returns runs matching opts, newest first.
func (s *Store) ListRuns(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Run, error) {
	var (
		where []string
		args  []any
	)
	if opts.Status != "" {
		args = append(args, string(opts.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if opts.Workflow != "" {
		args = append(args, opts.Workflow)
		where = append(where, fmt.Sprintf("workflow = $%d", len(args)))
	}

	q := `SELECT ` + runColumns + ` FROM durable_runs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("durable/postgres: list runs: %w", err)
	}
	return collectRuns(rows)
}

// ListDueRuns returns suspended runs whose WakeAt has passed and
// unfinished runs past their Deadline.
func (s *Store) ListDueRuns(ctx context.Context, now time.Time, limit int) ([]*workflow.Run, error) {
	q := `SELECT ` + runColumns + ` FROM durable_runs
		WHERE status NOT IN ('completed', 'failed', 'cancelled')
		  AND ((status = 'suspended' AND wake_at <= $1) OR deadline <= $1)
		ORDER BY id`
	args := []any{now}
	if limit > 0 {
		q += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("durable/postgres: list due runs: %w", err)
	}
	return collectRuns(rows)
}

func waitingOn(r *workflow.Run) []string {
	if r.WaitingOn == nil {
		return []string{}
	}
	return r.WaitingOn
}

func scanRun(row pgx.Row) (*workflow.Run, error) {
	var (
		r      workflow.Run
		rID    string
		status string
	)
	err := row.Scan(&rID, &r.Workflow, &r.Version, &status, &r.Input, &r.Output, &r.Error,
		&r.WaitingOn, &r.WakeAt, &r.Deadline, &r.CreatedAt, &r.UpdatedAt, &r.CompletedAt)
	if err != nil {
		return nil, err
	}
	r.ID, err = id.ParseRunID(rID)
	if err != nil {
		return nil, fmt.Errorf("durable/postgres: parse run id: %w", err)
	}
	r.Status = workflow.Status(status)
	if len(r.WaitingOn) == 0 {
		r.WaitingOn = nil
	}
	return &r, nil
}

func collectRuns(rows pgx.Rows) ([]*workflow.Run, error) {
	defer rows.Close()
	var out []*workflow.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("durable/postgres: scan run: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("durable/postgres: iterate runs: %w", err)
	}
	return out, nil
}
