package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/durable"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/stream"
)

const chunkColumns = `idx, data, final_status, final_output, final_error, created_at`

// AppendChunk stores c at the next index of its run.
func (s *Store) AppendChunk(ctx context.Context, c *stream.Chunk) error {
	rID := c.RunID.String()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.clock()
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO durable_streams (run_id) VALUES ($1) ON CONFLICT DO NOTHING`, rID); err != nil {
			return err
		}
		var (
			next           int64
			closed, purged bool
		)
		if err := tx.QueryRow(ctx, `SELECT next_index, closed, purged FROM durable_streams
			WHERE run_id = $1 FOR UPDATE`, rID).Scan(&next, &closed, &purged); err != nil {
			return err
		}
		if closed || purged {
			return durable.ErrStreamClosed
		}

		c.Index = next
		var status, errMsg *string
		var output []byte
		if c.Final != nil {
			status, errMsg, output = &c.Final.Status, &c.Final.Error, c.Final.Output
		}
		if _, err := tx.Exec(ctx, `INSERT INTO durable_stream_chunks (run_id, `+chunkColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			rID, c.Index, []byte(c.Data), status, output, errMsg, c.CreatedAt); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `UPDATE durable_streams SET next_index = $2, closed = $3 WHERE run_id = $1`,
			rID, next+1, c.IsFinish())
		return err
	})
	if err != nil {
		if errors.Is(err, durable.ErrStreamClosed) {
			return err
		}
		return fmt.Errorf("durable/postgres: append chunk: %w", err)
	}
	return nil
}

// readable fails with durable.ErrStreamNotFound once the stream is purged
// or past its expiry.
func (s *Store) readable(ctx context.Context, rID string) error {
	var (
		purged    bool
		expiresAt *time.Time
	)
	err := s.pool.QueryRow(ctx, `SELECT purged, expires_at FROM durable_streams WHERE run_id = $1`, rID).
		Scan(&purged, &expiresAt)
	switch {
	case isNoRows(err):
		return nil
	case err != nil:
		return fmt.Errorf("durable/postgres: stream state: %w", err)
	}
	if purged || (expiresAt != nil && !expiresAt.After(s.clock())) {
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
	q := `SELECT ` + chunkColumns + ` FROM durable_stream_chunks WHERE run_id = $1 AND idx >= $2 ORDER BY idx`
	args := []any{rID, from}
	if limit > 0 {
		q += " LIMIT $3"
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("durable/postgres: list chunks: %w", err)
	}
	defer rows.Close()

	out := []*stream.Chunk{}
	for rows.Next() {
		c, err := scanChunk(runID, rows)
		if err != nil {
			return nil, fmt.Errorf("durable/postgres: scan chunk: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("durable/postgres: iterate chunks: %w", err)
	}
	return out, nil
}

// LastChunk returns the highest-indexed chunk of a run.
func (s *Store) LastChunk(ctx context.Context, runID id.RunID) (*stream.Chunk, error) {
	rID := runID.String()
	var purged bool
	err := s.pool.QueryRow(ctx, `SELECT purged FROM durable_streams WHERE run_id = $1`, rID).Scan(&purged)
	switch {
	case isNoRows(err):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("durable/postgres: last chunk: %w", err)
	case purged:
		return nil, durable.ErrStreamNotFound
	}

	c, err := scanChunk(runID, s.pool.QueryRow(ctx, `SELECT `+chunkColumns+` FROM durable_stream_chunks
		WHERE run_id = $1 ORDER BY idx DESC LIMIT 1`, rID))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("durable/postgres: last chunk: %w", err)
	}
	return c, nil
}

// ExpireStream schedules a run's chunks for removal at at.
func (s *Store) ExpireStream(ctx context.Context, runID id.RunID, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE durable_streams SET expires_at = $2 WHERE run_id = $1`, runID.String(), at.UTC())
	if err != nil {
		return fmt.Errorf("durable/postgres: expire stream: %w", err)
	}
	return nil
}

// PurgeStreams removes the chunks of streams whose expiry is at or before
// now. The head row stays behind as a tombstone.
func (s *Store) PurgeStreams(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `UPDATE durable_streams SET purged = TRUE
			WHERE NOT purged AND expires_at <= $1 RETURNING run_id`, now)
		if err != nil {
			return err
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return err
		}
		n = len(ids)
		if n == 0 {
			return nil
		}
		_, err = tx.Exec(ctx, `DELETE FROM durable_stream_chunks WHERE run_id = ANY($1)`, ids)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("durable/postgres: purge streams: %w", err)
	}
	return n, nil
}

func scanChunk(runID id.RunID, row pgx.Row) (*stream.Chunk, error) {
	var (
		c              = &stream.Chunk{RunID: runID}
		data, output   []byte
		status, errMsg *string
	)
	if err := row.Scan(&c.Index, &data, &status, &output, &errMsg, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.Data = data
	if status != nil {
		c.Final = &stream.Final{Status: *status, Output: output}
		if errMsg != nil {
			c.Final.Error = *errMsg
		}
	}
	return c, nil
}
