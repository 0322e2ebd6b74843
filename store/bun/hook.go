package bunstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/xraph/durable"
	"github.com/xraph/durable/hook"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/journal"
)

// CreateHook persists a new hook, replacing a disposed one with the same
// token.
func (s *Store) CreateHook(ctx context.Context, h *hook.Hook) error {
	res, err := s.db.NewInsert().Model(toHookModel(h)).
		On("CONFLICT (token) DO UPDATE").
		Set("run_id = EXCLUDED.run_id").
		Set("key = EXCLUDED.key").
		Set("schema = EXCLUDED.schema").
		Set("iterable = EXCLUDED.iterable").
		Set("status = EXCLUDED.status").
		Set("deliveries = EXCLUDED.deliveries").
		Set("created_at = EXCLUDED.created_at").
		Set("expires_at = EXCLUDED.expires_at").
		Where("h.status = ?", string(hook.StatusDisposed)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("durable/bun: create hook: %w", err)
	}
	if affected(res) == 0 {
		return durable.ErrHookConflict
	}
	return nil
}

// GetHook returns the hook addressed by token.
func (s *Store) GetHook(ctx context.Context, token string) (*hook.Hook, error) {
	m := new(hookModel)
	err := s.db.NewSelect().Model(m).Where("token = ?", token).Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, durable.ErrHookNotFound
		}
		return nil, fmt.Errorf("durable/bun: get hook: %w", err)
	}
	return fromHookModel(m)
}

// ListHooks returns the hooks of a run in creation order.
func (s *Store) ListHooks(ctx context.Context, runID id.RunID) ([]*hook.Hook, error) {
	var models []hookModel
	err := s.db.NewSelect().Model(&models).
		Where("run_id = ?", runID.String()).
		Order("created_at", "token").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("durable/bun: list hooks: %w", err)
	}
	var out []*hook.Hook
	for i := range models {
		h, err := fromHookModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

// DeliverHook accepts payload for token and appends the hook_resume entry
// in the same transaction.
func (s *Store) DeliverHook(ctx context.Context, token string, payload []byte, now time.Time) (*journal.Entry, error) {
	var entry *journal.Entry
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		m := new(hookModel)
		err := tx.NewSelect().Model(m).Where("token = ?", token).For("UPDATE").Scan(ctx)
		if err != nil {
			if isNoRows(err) {
				return durable.ErrHookNotFound
			}
			return err
		}
		h, err := fromHookModel(m)
		if err != nil {
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
		_, err = tx.NewUpdate().Model(toHookModel(h)).
			Column("status", "deliveries").
			WherePK().
			Exec(ctx)
		if err != nil {
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
		return nil, fmt.Errorf("durable/bun: deliver hook: %w", err)
	}
	return entry, nil
}

// DisposeHooks marks every hook of a run disposed.
func (s *Store) DisposeHooks(ctx context.Context, runID id.RunID) error {
	_, err := s.db.NewUpdate().TableExpr("durable_hooks").
		Set("status = ?", string(hook.StatusDisposed)).
		Where("run_id = ?", runID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("durable/bun: dispose hooks: %w", err)
	}
	return nil
}
