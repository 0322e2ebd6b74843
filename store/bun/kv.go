package bunstore

import (
	"context"
	"fmt"

	"github.com/xraph/durable"
)

// GetValue returns the value at key.
func (s *Store) GetValue(ctx context.Context, key string) ([]byte, error) {
	m := new(kvModel)
	if err := s.db.NewSelect().Model(m).Where("key = ?", key).Scan(ctx); err != nil {
		if isNoRows(err) {
			return nil, durable.ErrKeyNotFound
		}
		return nil, fmt.Errorf("durable/bun: get value: %w", err)
	}
	return m.Value, nil
}

// SetValue stores value at key.
func (s *Store) SetValue(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.NewInsert().Model(&kvModel{Key: key, Value: value, UpdatedAt: s.clock()}).
		On("CONFLICT (key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("durable/bun: set value: %w", err)
	}
	return nil
}

// DeleteValue removes key.
func (s *Store) DeleteValue(ctx context.Context, key string) error {
	_, err := s.db.NewDelete().TableExpr("durable_kv").Where("key = ?", key).Exec(ctx)
	if err != nil {
		return fmt.Errorf("durable/bun: delete value: %w", err)
	}
	return nil
}
