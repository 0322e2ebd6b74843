package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/durable/id"
	"github.com/xraph/durable/journal"
)

// AppendEntry appends e to its run's journal and assigns e.Seq.
func (s *Store) AppendEntry(ctx context.Context, e *journal.Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock()
	}
	if err := s.appendEntry(ctx, e); err != nil {
		return fmt.Errorf("durable/mongo: append entry: %w", err)
	}
	return nil
}

// appendEntry claims the next seq by inserting against the unique
// (run_id, seq) index. A conflict on any other unique index is returned.
func (s *Store) appendEntry(ctx context.Context, e *journal.Entry) error {
	for range maxInsertRetries {
		last, err := s.LastSeq(ctx, e.RunID)
		if err != nil {
			return err
		}
		e.Seq = last + 1
		_, err = s.col(colJournal).InsertOne(ctx, toEntryModel(e))
		if err == nil {
			return nil
		}
		if !isDuplicateKey(err, idxJournalSeq) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("too much contention on run %s", e.RunID)
}

// ListEntries returns entries with Seq > afterSeq in order.
func (s *Store) ListEntries(ctx context.Context, runID id.RunID, afterSeq int64) ([]*journal.Entry, error) {
	cursor, err := s.col(colJournal).Find(ctx,
		bson.M{"run_id": runID.String(), "seq": bson.M{"$gt": afterSeq}},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("durable/mongo: list entries: %w", err)
	}
	var models []entryModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("durable/mongo: decode entries: %w", err)
	}
	out := make([]*journal.Entry, 0, len(models))
	for i := range models {
		out = append(out, fromEntryModel(runID, &models[i]))
	}
	return out, nil
}

// LastSeq returns the highest Seq of a run.
func (s *Store) LastSeq(ctx context.Context, runID id.RunID) (int64, error) {
	var m entryModel
	err := s.col(colJournal).FindOne(ctx,
		bson.M{"run_id": runID.String()},
		options.FindOne().SetSort(bson.D{{Key: "seq", Value: -1}}).SetProjection(bson.M{"seq": 1}),
	).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("durable/mongo: last seq: %w", err)
	}
	return m.Seq, nil
}
