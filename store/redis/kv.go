package redis

import (
	"context"
	"fmt"

	"github.com/xraph/durable"
)

// GetValue returns the value at key.
func (s *Store) GetValue(ctx context.Context, key string) ([]byte, error) {
	b, err := s.client.Get(ctx, s.keys.value(key)).Bytes()
	if err != nil {
		if isNil(err) {
			return nil, durable.ErrKeyNotFound
		}
		return nil, fmt.Errorf("durable/redis: get value: %w", err)
	}
	return b, nil
}

// SetValue stores value at key.
func (s *Store) SetValue(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.keys.value(key), value, 0).Err(); err != nil {
		return fmt.Errorf("durable/redis: set value: %w", err)
	}
	return nil
}

// DeleteValue removes key.
func (s *Store) DeleteValue(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.keys.value(key)).Err(); err != nil {
		return fmt.Errorf("durable/redis: delete value: %w", err)
	}
	return nil
}
