package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// AcquireLease grants key to owner when it is free, expired or already
// owned by owner. A live lease of another owner makes the upsert collide
// on _id, which reports false.
func (s *Store) AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := s.clock()
	_, err := s.col(colLeases).UpdateOne(ctx,
		bson.M{"_id": key, "$or": bson.A{
			bson.M{"owner": owner},
			bson.M{"until": bson.M{"$lte": now}},
		}},
		bson.M{"$set": bson.M{"owner": owner, "until": now.Add(ttl)}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		if isDuplicateKey(err, "") {
			return false, nil
		}
		return false, fmt.Errorf("durable/mongo: acquire lease: %w", err)
	}
	return true, nil
}

// RenewLease extends owner's hold on key.
func (s *Store) RenewLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := s.clock()
	res, err := s.col(colLeases).UpdateOne(ctx,
		bson.M{"_id": key, "owner": owner, "until": bson.M{"$gt": now}},
		bson.M{"$set": bson.M{"until": now.Add(ttl)}},
	)
	if err != nil {
		return false, fmt.Errorf("durable/mongo: renew lease: %w", err)
	}
	return res.MatchedCount > 0, nil
}

// ReleaseLease frees key if owner holds it.
func (s *Store) ReleaseLease(ctx context.Context, key, owner string) error {
	if _, err := s.col(colLeases).DeleteOne(ctx, bson.M{"_id": key, "owner": owner}); err != nil {
		return fmt.Errorf("durable/mongo: release lease: %w", err)
	}
	return nil
}

// LeaseHolder returns the unexpired holder of key.
func (s *Store) LeaseHolder(ctx context.Context, key string) (string, bool, error) {
	var m leaseModel
	err := s.col(colLeases).FindOne(ctx, bson.M{"_id": key, "until": bson.M{"$gt": s.clock()}}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("durable/mongo: lease holder: %w", err)
	}
	return m.Owner, true, nil
}
