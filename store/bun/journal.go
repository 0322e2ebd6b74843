package bunstore

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/xraph/durable/id"
	"github.com/xraph/durable/journal"
)

// AppendEntry appends e to its run's journal and assigns e.Seq.
func (s *Store) AppendEntry(ctx context.Context, e *journal.Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock()
	}
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return appendEntry(ctx, tx, e)
	})
	if err != nil {
		return fmt.Errorf("durable/bun: append entry: %w", err)
	}
	return nil
}

// appendEntry inserts e at the next seq of its run inside tx.
func appendEntry(ctx context.Context, tx bun.Tx, e *journal.Entry) error {
	rID := e.RunID.String()
	if err := lockRun(ctx, tx, rID); err != nil {
		return err
	}
	return tx.NewRaw(`INSERT INTO durable_journal (run_id, seq, kind, key, attempt, payload, error, created_at)
		SELECT ?0, COALESCE(MAX(seq), 0) + 1, ?1, ?2, ?3, ?4, ?5, ?6
		FROM durable_journal WHERE run_id = ?0
		RETURNING seq`,
		rID, string(e.Kind), e.Key, e.Attempt, e.Payload, e.Error, e.CreatedAt,
	).Scan(ctx, &e.Seq)
}

// ListEntries returns entries with Seq > afterSeq in order.
func (s *Store) ListEntries(ctx context.Context, runID id.RunID, afterSeq int64) ([]*journal.Entry, error) {
	var models []entryModel
	err := s.db.NewSelect().Model(&models).
		Where("run_id = ?", runID.String()).
		Where("seq > ?", afterSeq).
		Order("seq").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("durable/bun: list entries: %w", err)
	}
	out := make([]*journal.Entry, 0, len(models))
	for i := range models {
		out = append(out, fromEntryModel(runID, &models[i]))
	}
	return out, nil
}

// LastSeq returns the highest Seq of a run.
func (s *Store) LastSeq(ctx context.Context, runID id.RunID) (int64, error) {
	var n int64
	err := s.db.NewSelect().TableExpr("durable_journal").
		ColumnExpr("COALESCE(MAX(seq), 0)").
		Where("run_id = ?", runID.String()).
		Scan(ctx, &n)
	if err != nil {
		return 0, fmt.Errorf("durable/bun: last seq: %w", err)
	}
	return n, nil
}
