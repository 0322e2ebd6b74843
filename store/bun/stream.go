package bunstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/xraph/durable"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/stream"
)

// AppendChunk stores c at the next index of its run.
func (s *Store) AppendChunk(ctx context.Context, c *stream.Chunk) error {
	rID := c.RunID.String()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.clock()
	}

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewInsert().Model(&streamModel{RunID: rID}).
			On("CONFLICT DO NOTHING").
			Exec(ctx)
		if err != nil {
			return err
		}
		head := new(streamModel)
		err = tx.NewSelect().Model(head).Where("run_id = ?", rID).For("UPDATE").Scan(ctx)
		if err != nil {
			return err
		}
		if head.Closed || head.Purged {
			return durable.ErrStreamClosed
		}

		c.Index = head.NextIndex
		if _, err := tx.NewInsert().Model(toChunkModel(c)).Exec(ctx); err != nil {
			return err
		}
		head.NextIndex++
		head.Closed = c.IsFinish()
		_, err = tx.NewUpdate().Model(head).
			Column("next_index", "closed").
			WherePK().
			Exec(ctx)
		return err
	})
	if err != nil {
		if errors.Is(err, durable.ErrStreamClosed) {
			return err
		}
		return fmt.Errorf("durable/bun: append chunk: %w", err)
	}
	return nil
}

// readable fails with durable.ErrStreamNotFound once the stream is purged
// or past its expiry.
func (s *Store) readable(ctx context.Context, rID string) error {
	head := new(streamModel)
	err := s.db.NewSelect().Model(head).Where("run_id = ?", rID).Scan(ctx)
	switch {
	case isNoRows(err):
		return nil
	case err != nil:
		return fmt.Errorf("durable/bun: stream state: %w", err)
	}
	if head.Purged || (head.ExpiresAt != nil && !head.ExpiresAt.After(s.clock())) {
		return durable.ErrStreamNotFound
	}
	return nil
}

// ListChunks returns up to limit chunks from index from.
func (s *Store) ListChunks(ctx context.Context, runID id.RunID, from int64, limit int) ([]*stream.Chunk, error) {
	rID := runID.String()
	if err := s.readable(ctx, rID); err != nil {
		return nil, err
	}
	var models []chunkModel
	q := s.db.NewSelect().Model(&models).
		Where("run_id = ?", rID).
		Where("idx >= ?", from).
		Order("idx")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("durable/bun: list chunks: %w", err)
	}
	out := make([]*stream.Chunk, 0, len(models))
	for i := range models {
		out = append(out, fromChunkModel(runID, &models[i]))
	}
	return out, nil
}

// LastChunk returns the highest-indexed chunk of a run.
func (s *Store) LastChunk(ctx context.Context, runID id.RunID) (*stream.Chunk, error) {
	rID := runID.String()
	head := new(streamModel)
	err := s.db.NewSelect().Model(head).Where("run_id = ?", rID).Scan(ctx)
	switch {
	case isNoRows(err):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("durable/bun: last chunk: %w", err)
	case head.Purged:
		return nil, durable.ErrStreamNotFound
	}

	m := new(chunkModel)
	err = s.db.NewSelect().Model(m).
		Where("run_id = ?", rID).
		Order("idx DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("durable/bun: last chunk: %w", err)
	}
	return fromChunkModel(runID, m), nil
}

// ExpireStream schedules a run's chunks for removal at at.
func (s *Store) ExpireStream(ctx context.Context, runID id.RunID, at time.Time) error {
	_, err := s.db.NewUpdate().TableExpr("durable_streams").
		Set("expires_at = ?", at.UTC()).
		Where("run_id = ?", runID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("durable/bun: expire stream: %w", err)
	}
	return nil
}

// PurgeStreams removes the chunks of streams whose expiry is at or before
// now. The head row stays behind as a tombstone.
func (s *Store) PurgeStreams(ctx context.Context, now time.Time) (int, error) {
	var ids []string
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		err := tx.NewRaw(`UPDATE durable_streams SET purged = TRUE
			WHERE NOT purged AND expires_at <= ? RETURNING run_id`, now).
			Scan(ctx, &ids)
		if err != nil && !isNoRows(err) {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		_, err = tx.NewDelete().TableExpr("durable_stream_chunks").
			Where("run_id IN (?)", bun.In(ids)).
			Exec(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("durable/bun: purge streams: %w", err)
	}
	return len(ids), nil
}
