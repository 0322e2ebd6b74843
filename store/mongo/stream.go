package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/durable"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/stream"
)

// AppendChunk claims the next index by inserting against the unique
// (run_id, idx) index. The stream is closed once its last chunk is a
// finish chunk.
func (s *Store) AppendChunk(ctx context.Context, c *stream.Chunk) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.clock()
	}
	head, err := s.streamHead(ctx, c.RunID)
	if err != nil {
		return err
	}
	if head != nil && head.Purged {
		return durable.ErrStreamClosed
	}

	for range maxInsertRetries {
		last, err := s.lastChunk(ctx, c.RunID)
		if err != nil {
			return err
		}
		c.Index = 0
		if last != nil {
			if last.IsFinish() {
				return durable.ErrStreamClosed
			}
			c.Index = last.Index + 1
		}
		_, err = s.col(colChunks).InsertOne(ctx, toChunkModel(c))
		if err == nil {
			return nil
		}
		if !isDuplicateKey(err, idxChunkIndex) {
			return fmt.Errorf("durable/mongo: append chunk: %w", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("durable/mongo: append chunk to %s: too much contention", c.RunID)
}

func (s *Store) streamHead(ctx context.Context, runID id.RunID) (*streamModel, error) {
	var m streamModel
	if err := s.col(colStreams).FindOne(ctx, bson.M{"_id": runID.String()}).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("durable/mongo: stream head: %w", err)
	}
	return &m, nil
}

// ListChunks returns up to limit chunks from index from.
func (s *Store) ListChunks(ctx context.Context, runID id.RunID, from int64, limit int) ([]*stream.Chunk, error) {
	head, err := s.streamHead(ctx, runID)
	if err != nil {
		return nil, err
	}
	if head != nil && (head.Purged || (head.ExpiresAt != nil && !head.ExpiresAt.After(s.clock()))) {
		return nil, durable.ErrStreamNotFound
	}

	findOpts := options.Find().SetSort(bson.D{{Key: "idx", Value: 1}})
	if limit > 0 {
		findOpts.SetLimit(int64(limit))
	}
	cursor, err := s.col(colChunks).Find(ctx,
		bson.M{"run_id": runID.String(), "idx": bson.M{"$gte": from}}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("durable/mongo: list chunks: %w", err)
	}
	var models []chunkModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("durable/mongo: decode chunks: %w", err)
	}
	out := make([]*stream.Chunk, 0, len(models))
	for i := range models {
		out = append(out, fromChunkModel(runID, &models[i]))
	}
	return out, nil
}

// LastChunk returns the highest-indexed chunk of a run.
func (s *Store) LastChunk(ctx context.Context, runID id.RunID) (*stream.Chunk, error) {
	head, err := s.streamHead(ctx, runID)
	if err != nil {
		return nil, err
	}
	if head != nil && head.Purged {
		return nil, durable.ErrStreamNotFound
	}
	return s.lastChunk(ctx, runID)
}

func (s *Store) lastChunk(ctx context.Context, runID id.RunID) (*stream.Chunk, error) {
	var m chunkModel
	err := s.col(colChunks).FindOne(ctx, bson.M{"run_id": runID.String()},
		options.FindOne().SetSort(bson.D{{Key: "idx", Value: -1}})).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("durable/mongo: last chunk: %w", err)
	}
	return fromChunkModel(runID, &m), nil
}

// ExpireStream schedules a run's chunks for removal at at.
func (s *Store) ExpireStream(ctx context.Context, runID id.RunID, at time.Time) error {
	last, err := s.lastChunk(ctx, runID)
	if err != nil {
		return err
	}
	if last == nil {
		return nil
	}
	_, err = s.col(colStreams).UpdateOne(ctx,
		bson.M{"_id": runID.String()},
		bson.M{"$set": bson.M{"expires_at": at.UTC()}, "$setOnInsert": bson.M{"purged": false}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("durable/mongo: expire stream: %w", err)
	}
	return nil
}

// PurgeStreams removes the chunks of streams whose expiry is at or before
// now. The head document stays behind as a tombstone.
func (s *Store) PurgeStreams(ctx context.Context, now time.Time) (int, error) {
	cursor, err := s.col(colStreams).Find(ctx, bson.M{"purged": false, "expires_at": bson.M{"$lte": now}})
	if err != nil {
		return 0, fmt.Errorf("durable/mongo: purge streams: %w", err)
	}
	var heads []streamModel
	if err := cursor.All(ctx, &heads); err != nil {
		return 0, fmt.Errorf("durable/mongo: decode streams: %w", err)
	}

	for _, h := range heads {
		if _, err := s.col(colStreams).UpdateOne(ctx,
			bson.M{"_id": h.RunID},
			bson.M{"$set": bson.M{"purged": true}},
		); err != nil {
			return 0, fmt.Errorf("durable/mongo: purge stream %s: %w", h.RunID, err)
		}
		if _, err := s.col(colChunks).DeleteMany(ctx, bson.M{"run_id": h.RunID}); err != nil {
			return 0, fmt.Errorf("durable/mongo: purge stream %s: %w", h.RunID, err)
		}
	}
	return len(heads), nil
}
