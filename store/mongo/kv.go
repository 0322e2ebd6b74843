package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/durable"
)

// GetValue returns the value at key.
func (s *Store) GetValue(ctx context.Context, key string) ([]byte, error) {
	var m valueModel
	if err := s.col(colValues).FindOne(ctx, bson.M{"_id": key}).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return nil, durable.ErrKeyNotFound
		}
		return nil, fmt.Errorf("durable/mongo: get value: %w", err)
	}
	return m.Value, nil
}

// SetValue stores value at key.
func (s *Store) SetValue(ctx context.Context, key string, value []byte) error {
	_, err := s.col(colValues).ReplaceOne(ctx, bson.M{"_id": key},
		valueModel{Key: key, Value: value, UpdatedAt: s.clock()},
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("durable/mongo: set value: %w", err)
	}
	return nil
}

// DeleteValue removes key.
func (s *Store) DeleteValue(ctx context.Context, key string) error {
	if _, err := s.col(colValues).DeleteOne(ctx, bson.M{"_id": key}); err != nil {
		return fmt.Errorf("durable/mongo: delete value: %w", err)
	}
	return nil
}
