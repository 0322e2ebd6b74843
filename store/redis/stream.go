package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/durable"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/stream"
)

// Stream metadata fields.
const (
	metaNext      = "next"
	metaClosed    = "closed"
	metaExpiresAt = "expires_at"
)

// AppendChunk stores c at the next index of its run.
func (s *Store) AppendChunk(ctx context.Context, c *stream.Chunk) error {
	rID := c.RunID.String()
	metaKey := s.keys.streamMeta(rID)
	purgedKey := s.keys.streamPurged(rID)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.clock()
	}

	return s.txn(ctx, "append chunk", func(tx *goredis.Tx) error {
		gone, err := tx.Exists(ctx, purgedKey).Result()
		if err != nil {
			return fmt.Errorf("durable/redis: append chunk: %w", err)
		}
		if gone > 0 {
			return durable.ErrStreamClosed
		}
		meta, err := tx.HGetAll(ctx, metaKey).Result()
		if err != nil {
			return fmt.Errorf("durable/redis: append chunk: %w", err)
		}
		if meta[metaClosed] == "1" {
			return durable.ErrStreamClosed
		}
		next, _ := strconv.ParseInt(meta[metaNext], 10, 64)

		c.Index = next
		data, err := encode(toChunkModel(c))
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.ZAdd(ctx, s.keys.stream(rID), goredis.Z{Score: float64(next), Member: data})
			fields := []any{metaNext, next + 1}
			if c.IsFinish() {
				fields = append(fields, metaClosed, "1")
			}
			pipe.HSet(ctx, metaKey, fields...)
			return nil
		})
		if err != nil {
			return fmt.Errorf("durable/redis: append chunk: %w", err)
		}
		return nil
	}, metaKey, purgedKey)
}

// readable fails with durable.ErrStreamNotFound once the stream is purged
// or past its expiry.
func (s *Store) readable(ctx context.Context, rID string) error {
	gone, err := s.client.Exists(ctx, s.keys.streamPurged(rID)).Result()
	if err != nil {
		return fmt.Errorf("durable/redis: stream state: %w", err)
	}
	if gone > 0 {
		return durable.ErrStreamNotFound
	}
	v, err := s.client.HGet(ctx, s.keys.streamMeta(rID), metaExpiresAt).Int64()
	switch {
	case isNil(err):
		return nil
	case err != nil:
		return fmt.Errorf("durable/redis: stream state: %w", err)
	}
	if !time.UnixMicro(v).After(s.clock()) {
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
	if from < 0 {
		from = 0
	}
	by := &goredis.ZRangeBy{Min: strconv.FormatInt(from, 10), Max: "+inf"}
	if limit > 0 {
		by.Count = int64(limit)
	}
	members, err := s.client.ZRangeByScore(ctx, s.keys.stream(rID), by).Result()
	if err != nil {
		return nil, fmt.Errorf("durable/redis: list chunks: %w", err)
	}
	return decodeChunks(runID, members)
}

// LastChunk returns the highest-indexed chunk of a run.
func (s *Store) LastChunk(ctx context.Context, runID id.RunID) (*stream.Chunk, error) {
	rID := runID.String()
	gone, err := s.client.Exists(ctx, s.keys.streamPurged(rID)).Result()
	if err != nil {
		return nil, fmt.Errorf("durable/redis: last chunk: %w", err)
	}
	if gone > 0 {
		return nil, durable.ErrStreamNotFound
	}
	members, err := s.client.ZRevRange(ctx, s.keys.stream(rID), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("durable/redis: last chunk: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	chunks, err := decodeChunks(runID, members)
	if err != nil {
		return nil, err
	}
	return chunks[0], nil
}

// ExpireStream schedules a run's chunks for removal at at.
func (s *Store) ExpireStream(ctx context.Context, runID id.RunID, at time.Time) error {
	rID := runID.String()
	metaKey := s.keys.streamMeta(rID)
	n, err := s.client.Exists(ctx, metaKey).Result()
	if err != nil {
		return fmt.Errorf("durable/redis: expire stream: %w", err)
	}
	if n == 0 {
		return nil
	}
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, metaKey, metaExpiresAt, at.UTC().UnixMicro())
		pipe.ZAdd(ctx, s.keys.streamsExpiring(), goredis.Z{Score: score(at), Member: rID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("durable/redis: expire stream: %w", err)
	}
	return nil
}

// PurgeStreams removes streams whose expiry is at or before now. A
// purged stream leaves a tombstone so readers get durable.ErrStreamNotFound.
func (s *Store) PurgeStreams(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.keys.streamsExpiring(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatFloat(score(now), 'f', -1, 64),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("durable/redis: purge streams: %w", err)
	}

	for _, rID := range ids {
		_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Del(ctx, s.keys.stream(rID), s.keys.streamMeta(rID))
			pipe.Set(ctx, s.keys.streamPurged(rID), "1", 0)
			pipe.ZRem(ctx, s.keys.streamsExpiring(), rID)
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("durable/redis: purge stream %s: %w", rID, err)
		}
	}
	return len(ids), nil
}

func decodeChunks(runID id.RunID, members []string) ([]*stream.Chunk, error) {
	out := make([]*stream.Chunk, 0, len(members))
	for _, raw := range members {
		m, err := decode[chunkModel]([]byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, fromChunkModel(runID, m))
	}
	return out, nil
}
