package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/durable"
	"github.com/xraph/durable/hook"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/journal"
)

// CreateHook persists a new hook, replacing a disposed one with the same
// token.
func (s *Store) CreateHook(ctx context.Context, h *hook.Hook) error {
	m := toHookModel(h)
	res, err := s.col(colHooks).ReplaceOne(ctx,
		bson.M{"_id": h.Token, "status": string(hook.StatusDisposed)}, m,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		// The upsert collides with a live hook that owns the token.
		if isDuplicateKey(err, "") {
			return durable.ErrHookConflict
		}
		return fmt.Errorf("durable/mongo: create hook: %w", err)
	}
	if res.MatchedCount == 0 && res.UpsertedCount == 0 {
		return durable.ErrHookConflict
	}
	return nil
}

// GetHook returns the hook addressed by token.
func (s *Store) GetHook(ctx context.Context, token string) (*hook.Hook, error) {
	var m hookModel
	if err := s.col(colHooks).FindOne(ctx, bson.M{"_id": token}).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return nil, durable.ErrHookNotFound
		}
		return nil, fmt.Errorf("durable/mongo: get hook: %w", err)
	}
	return fromHookModel(&m)
}

// ListHooks returns the hooks of a run in creation order.
func (s *Store) ListHooks(ctx context.Context, runID id.RunID) ([]*hook.Hook, error) {
	cursor, err := s.col(colHooks).Find(ctx, bson.M{"run_id": runID.String()},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("durable/mongo: list hooks: %w", err)
	}
	var models []hookModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("durable/mongo: decode hooks: %w", err)
	}
	out := make([]*hook.Hook, 0, len(models))
	for i := range models {
		h, err := fromHookModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

// DeliverHook records the delivery in the journal first, then advances
// the hook document.
func (s *Store) DeliverHook(ctx context.Context, token string, payload []byte, now time.Time) (*journal.Entry, error) {
	for range maxInsertRetries {
		h, err := s.GetHook(ctx, token)
		if err != nil {
			return nil, err
		}
		if h.Status == hook.StatusResolved {
			return nil, durable.ErrHookAlreadyResolved
		}
		if !h.Accepting(now) {
			return nil, durable.ErrHookNotFound
		}

		e := &journal.Entry{
			RunID:     h.RunID,
			Kind:      journal.KindHookResume,
			Key:       h.Key,
			Attempt:   h.Deliveries + 1,
			Payload:   append([]byte(nil), payload...),
			CreatedAt: now.UTC(),
		}
		err = s.appendEntry(ctx, e)
		switch {
		case err == nil:
			if err := s.advanceHook(ctx, h); err != nil {
				return nil, err
			}
			return e, nil
		case isDuplicateKey(err, idxHookDelivery):
			// Another delivery claimed this ordinal; catch the hook up and
			// look again.
			if err := s.advanceHook(ctx, h); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("durable/mongo: deliver hook: %w", err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("durable/mongo: deliver hook %s: too much contention", token)
}

// advanceHook moves h from its observed delivery count to the next one.
// It is a no-op when someone else already did.
func (s *Store) advanceHook(ctx context.Context, h *hook.Hook) error {
	status := hook.StatusPending
	if !h.Iterable {
		status = hook.StatusResolved
	}
	_, err := s.col(colHooks).UpdateOne(ctx,
		bson.M{"_id": h.Token, "deliveries": h.Deliveries, "status": string(hook.StatusPending)},
		bson.M{"$set": bson.M{"deliveries": h.Deliveries + 1, "status": string(status)}},
	)
	if err != nil {
		return fmt.Errorf("durable/mongo: advance hook: %w", err)
	}
	return nil
}

// DisposeHooks marks every hook of a run disposed.
func (s *Store) DisposeHooks(ctx context.Context, runID id.RunID) error {
	_, err := s.col(colHooks).UpdateMany(ctx,
		bson.M{"run_id": runID.String()},
		bson.M{"$set": bson.M{"status": string(hook.StatusDisposed)}},
	)
	if err != nil {
		return fmt.Errorf("durable/mongo: dispose hooks: %w", err)
	}
	return nil
}
