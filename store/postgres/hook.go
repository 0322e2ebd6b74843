package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/durable"
	"github.com/xraph/durable/hook"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/journal"
)

const hookColumns = `token, run_id, key, schema, iterable, status, deliveries, created_at, expires_at`

// CreateHook persists a new hook, replacing a disposed one with the same
// token.
func (s *Store) CreateHook(ctx context.Context, h *hook.Hook) error {
	tag, err := s.pool.Exec(ctx, `INSERT INTO durable_hooks (`+hookColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (token) DO UPDATE SET
			run_id = EXCLUDED.run_id, key = EXCLUDED.key, schema = EXCLUDED.schema,
			iterable = EXCLUDED.iterable, status = EXCLUDED.status,
			deliveries = EXCLUDED.deliveries, created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at
		WHERE durable_hooks.status = 'disposed'`,
		h.Token, h.RunID.String(), h.Key, h.Schema, h.Iterable, string(h.Status),
		h.Deliveries, h.CreatedAt, h.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("durable/postgres: create hook: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return durable.ErrHookConflict
	}
	return nil
}

// GetHook returns the hook addressed by token.
func (s *Store) GetHook(ctx context.Context, token string) (*hook.Hook, error) {
	h, err := scanHook(s.pool.QueryRow(ctx, `SELECT `+hookColumns+` FROM durable_hooks WHERE token = $1`, token))
	if err != nil {
		if isNoRows(err) {
			return nil, durable.ErrHookNotFound
		}
		return nil, fmt.Errorf("durable/postgres: get hook: %w", err)
	}
	return h, nil
}

// ListHooks returns the hooks of a run in creation order.
func (s *Store) ListHooks(ctx context.Context, runID id.RunID) ([]*hook.Hook, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+hookColumns+` FROM durable_hooks
		WHERE run_id = $1 ORDER BY created_at, token`, runID.String())
	if err != nil {
		return nil, fmt.Errorf("durable/postgres: list hooks: %w", err)
	}
	defer rows.Close()

	var out []*hook.Hook
	for rows.Next() {
		h, err := scanHook(rows)
		if err != nil {
			return nil, fmt.Errorf("durable/postgres: scan hook: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("durable/postgres: iterate hooks: %w", err)
	}
	return out, nil
}

// DeliverHook accepts payload for token and appends the hook_resume entry
// in the same transaction.
func (s *Store) DeliverHook(ctx context.Context, token string, payload []byte, now time.Time) (*journal.Entry, error) {
	var entry *journal.Entry
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		h, err := scanHook(tx.QueryRow(ctx, `SELECT `+hookColumns+` FROM durable_hooks
			WHERE token = $1 FOR UPDATE`, token))
		if err != nil {
			if isNoRows(err) {
				return durable.ErrHookNotFound
			}
			return err
		}
		if h.Status == hook.StatusResolved {
			return durable.ErrHookAlreadyResolved
		}
		if !h.Accepting(now) {
			return durable.ErrHookNotFound
		}

		h.Deliveries++
		if !h.Iterable {
			h.Status = hook.StatusResolved
		}
		if _, err := tx.Exec(ctx, `UPDATE durable_hooks SET status = $2, deliveries = $3 WHERE token = $1`,
			token, string(h.Status), h.Deliveries); err != nil {
			return err
		}

		e := &journal.Entry{
			RunID:     h.RunID,
			Kind:      journal.KindHookResume,
			Key:       h.Key,
			Attempt:   h.Deliveries,
			Payload:   append([]byte(nil), payload...),
			CreatedAt: now.UTC(),
		}
		if err := appendEntry(ctx, tx, e); err != nil {
			return err
		}
		entry = e
		return nil
	})
	if err != nil {
		if errors.Is(err, durable.ErrHookNotFound) || errors.Is(err, durable.ErrHookAlreadyResolved) {
			return nil, err
		}
		return nil, fmt.Errorf("durable/postgres: deliver hook: %w", err)
	}
	return entry, nil
}

// DisposeHooks marks every hook of a run disposed.
func (s *Store) DisposeHooks(ctx context.Context, runID id.RunID) error {
	_, err := s.pool.Exec(ctx, `UPDATE durable_hooks SET status = 'disposed' WHERE run_id = $1`, runID.String())
	if err != nil {
		return fmt.Errorf("durable/postgres: dispose hooks: %w", err)
	}
	return nil
}

func scanHook(row pgx.Row) (*hook.Hook, error) {
	var (
		h      hook.Hook
		rID    string
		status string
	)
	if err := row.Scan(&h.Token, &rID, &h.Key, &h.Schema, &h.Iterable, &status,
		&h.Deliveries, &h.CreatedAt, &h.ExpiresAt); err != nil {
		return nil, err
	}
	runID, err := id.ParseRunID(rID)
	if err != nil {
		return nil, fmt.Errorf("durable/postgres: parse hook run id: %w", err)
	}
	h.RunID = runID
	h.Status = hook.Status(status)
	return &h, nil
}
