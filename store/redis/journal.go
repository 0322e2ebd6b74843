package redis

import (
	"context"
	"fmt"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/durable/id"
	"github.com/xraph/durable/journal"
)

// AppendEntry appends e to its run's journal and assigns e.Seq.
func (s *Store) AppendEntry(ctx context.Context, e *journal.Entry) error {
	rID := e.RunID.String()
	seqKey := s.keys.journalSeq(rID)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock()
	}

	return s.txn(ctx, "append entry", func(tx *goredis.Tx) error {
		last, err := s.lastSeq(ctx, tx, seqKey)
		if err != nil {
			return err
		}
		e.Seq = last + 1
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			return s.queueEntry(ctx, pipe, rID, e)
		})
		if err != nil {
			return fmt.Errorf("durable/redis: append entry: %w", err)
		}
		return nil
	}, seqKey)
}

// queueEntry writes e (whose Seq is already assigned) into pipe.
func (s *Store) queueEntry(ctx context.Context, pipe goredis.Pipeliner, rID string, e *journal.Entry) error {
	data, err := encode(toEntryModel(e))
	if err != nil {
		return err
	}
	pipe.Set(ctx, s.keys.journalSeq(rID), e.Seq, 0)
	pipe.ZAdd(ctx, s.keys.journal(rID), goredis.Z{Score: float64(e.Seq), Member: data})
	return nil
}

// ListEntries returns entries with Seq > afterSeq in order.
func (s *Store) ListEntries(ctx context.Context, runID id.RunID, afterSeq int64) ([]*journal.Entry, error) {
	members, err := s.client.ZRangeByScore(ctx, s.keys.journal(runID.String()), &goredis.ZRangeBy{
		Min: "(" + strconv.FormatInt(afterSeq, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("durable/redis: list entries: %w", err)
	}

	out := make([]*journal.Entry, 0, len(members))
	for _, raw := range members {
		m, err := decode[entryModel]([]byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, fromEntryModel(runID, m))
	}
	return out, nil
}

// LastSeq returns the highest Seq of a run.
func (s *Store) LastSeq(ctx context.Context, runID id.RunID) (int64, error) {
	return s.lastSeq(ctx, s.client, s.keys.journalSeq(runID.String()))
}

func (s *Store) lastSeq(ctx context.Context, c reader, seqKey string) (int64, error) {
	n, err := c.Get(ctx, seqKey).Int64()
	if err != nil {
		if isNil(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("durable/redis: last seq: %w", err)
	}
	return n, nil
}
