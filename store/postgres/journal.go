package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/durable/id"
	"github.com/xraph/durable/journal"
)

// AppendEntry appends e to its run's journal and assigns e.Seq.
func (s *Store) AppendEntry(ctx context.Context, e *journal.Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock()
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return appendEntry(ctx, tx, e)
	})
	if err != nil {
		return fmt.Errorf("durable/postgres: append entry: %w", err)
	}
	return nil
}

// appendEntry inserts e at the next seq of its run inside tx.
func appendEntry(ctx context.Context, tx pgx.Tx, e *journal.Entry) error {
	rID := e.RunID.String()
	if err := lockRun(ctx, tx, rID); err != nil {
		return err
	}
	return tx.QueryRow(ctx, `INSERT INTO durable_journal (run_id, seq, kind, key, attempt, payload, error, created_at)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5, $6, $7
		FROM durable_journal WHERE run_id = $1
		RETURNING seq`,
		rID, string(e.Kind), e.Key, e.Attempt, e.Payload, e.Error, e.CreatedAt,
	).Scan(&e.Seq)
}

// ListEntries returns entries with Seq > afterSeq in order.
func (s *Store) ListEntries(ctx context.Context, runID id.RunID, afterSeq int64) ([]*journal.Entry, error) {
	rows, err := s.pool.Query(ctx, `SELECT seq, kind, key, attempt, payload, error, created_at
		FROM durable_journal WHERE run_id = $1 AND seq > $2 ORDER BY seq`,
		runID.String(), afterSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("durable/postgres: list entries: %w", err)
	}
	defer rows.Close()

	out := []*journal.Entry{}
	for rows.Next() {
		e := &journal.Entry{RunID: runID}
		var kind string
		if err := rows.Scan(&e.Seq, &kind, &e.Key, &e.Attempt, &e.Payload, &e.Error, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("durable/postgres: scan entry: %w", err)
		}
		e.Kind = journal.Kind(kind)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("durable/postgres: iterate entries: %w", err)
	}
	return out, nil
}

// LastSeq returns the highest Seq of a run.
func (s *Store) LastSeq(ctx context.Context, runID id.RunID) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM durable_journal WHERE run_id = $1`,
		runID.String()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("durable/postgres: last seq: %w", err)
	}
	return n, nil
}
