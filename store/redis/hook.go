package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/durable"
	"github.com/xraph/durable/hook"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/journal"
)

// CreateHook persists a new hook, replacing a disposed one with the same
// token.
func (s *Store) CreateHook(ctx context.Context, h *hook.Hook) error {
	key := s.keys.hook(h.Token)
	data, err := encode(toHookModel(h))
	if err != nil {
		return err
	}

	return s.txn(ctx, "create hook", func(tx *goredis.Tx) error {
		cur, err := s.getHook(ctx, tx, h.Token)
		switch {
		case err == nil && cur.Status != hook.StatusDisposed:
			return durable.ErrHookConflict
		case err != nil && !errors.Is(err, durable.ErrHookNotFound):
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, s.keys.runHooks(h.RunID.String()), h.Token)
			return nil
		})
		if err != nil {
			return fmt.Errorf("durable/redis: create hook: %w", err)
		}
		return nil
	}, key)
}

// GetHook returns the hook addressed by token.
func (s *Store) GetHook(ctx context.Context, token string) (*hook.Hook, error) {
	return s.getHook(ctx, s.client, token)
}

func (s *Store) getHook(ctx context.Context, c reader, token string) (*hook.Hook, error) {
	b, err := c.Get(ctx, s.keys.hook(token)).Bytes()
	if err != nil {
		if isNil(err) {
			return nil, durable.ErrHookNotFound
		}
		return nil, fmt.Errorf("durable/redis: get hook: %w", err)
	}
	m, err := decode[hookModel](b)
	if err != nil {
		return nil, err
	}
	return fromHookModel(m)
}

// ListHooks returns the hooks of a run in creation order.
func (s *Store) ListHooks(ctx context.Context, runID id.RunID) ([]*hook.Hook, error) {
	tokens, err := s.client.SMembers(ctx, s.keys.runHooks(runID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("durable/redis: list hooks: %w", err)
	}

	var out []*hook.Hook
	for _, token := range tokens {
		h, err := s.getHook(ctx, s.client, token)
		if err != nil {
			continue
		}
		// The token may have been reused by another run after disposal.
		if h.RunID.String() != runID.String() {
			continue
		}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// DeliverHook accepts payload for token and appends the hook_resume entry
// in the same transaction.
func (s *Store) DeliverHook(ctx context.Context, token string, payload []byte, now time.Time) (*journal.Entry, error) {
	h, err := s.GetHook(ctx, token)
	if err != nil {
		return nil, err
	}
	rID := h.RunID.String()
	hookKey := s.keys.hook(token)
	seqKey := s.keys.journalSeq(rID)

	var entry *journal.Entry
	err = s.txn(ctx, "deliver hook", func(tx *goredis.Tx) error {
		h, err := s.getHook(ctx, tx, token)
		if err != nil {
			return err
		}
		if h.RunID.String() != rID {
			return durable.ErrHookNotFound
		}
		if h.Status == hook.StatusResolved {
			return durable.ErrHookAlreadyResolved
		}
		if !h.Accepting(now) {
			return durable.ErrHookNotFound
		}

		last, err := s.lastSeq(ctx, tx, seqKey)
		if err != nil {
			return err
		}
		h.Deliveries++
		if !h.Iterable {
			h.Status = hook.StatusResolved
		}
		e := &journal.Entry{
			RunID:     h.RunID,
			Seq:       last + 1,
			Kind:      journal.KindHookResume,
			Key:       h.Key,
			Attempt:   h.Deliveries,
			Payload:   append([]byte(nil), payload...),
			CreatedAt: now.UTC(),
		}
		data, err := encode(toHookModel(h))
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, hookKey, data, 0)
			return s.queueEntry(ctx, pipe, rID, e)
		})
		if err != nil {
			return fmt.Errorf("durable/redis: deliver hook: %w", err)
		}
		entry = e
		return nil
	}, hookKey, seqKey)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// DisposeHooks marks every hook of a run disposed.
func (s *Store) DisposeHooks(ctx context.Context, runID id.RunID) error {
	tokens, err := s.client.SMembers(ctx, s.keys.runHooks(runID.String())).Result()
	if err != nil {
		return fmt.Errorf("durable/redis: dispose hooks: %w", err)
	}
	for _, token := range tokens {
		key := s.keys.hook(token)
		err := s.txn(ctx, "dispose hook", func(tx *goredis.Tx) error {
			h, err := s.getHook(ctx, tx, token)
			if errors.Is(err, durable.ErrHookNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if h.RunID.String() != runID.String() || h.Status == hook.StatusDisposed {
				return nil
			}
			h.Status = hook.StatusDisposed
			data, err := encode(toHookModel(h))
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				return nil
			})
			return err
		}, key)
		if err != nil {
			return fmt.Errorf("durable/redis: dispose hook %s: %w", token, err)
		}
	}
	return nil
}
