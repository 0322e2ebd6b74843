package postgres

import (
	"context"
	"fmt"

	"github.com/xraph/durable"
)

// GetValue returns the value at key.
func (s *Store) GetValue(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	if err := s.pool.QueryRow(ctx, `SELECT value FROM durable_kv WHERE key = $1`, key).Scan(&v); err != nil {
		if isNoRows(err) {
			return nil, durable.ErrKeyNotFound
		}
		return nil, fmt.Errorf("durable/postgres: get value: %w", err)
	}
	return v, nil
}

// SetValue stores value at key.
func (s *Store) SetValue(ctx context.Context, key string, value []byte) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO durable_kv (key, value, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		key, value, s.clock())
	if err != nil {
		return fmt.Errorf("durable/postgres: set value: %w", err)
	}
	return nil
}

// DeleteValue removes key.
func (s *Store) DeleteValue(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM durable_kv WHERE key = $1`, key); err != nil {
		return fmt.Errorf("durable/postgres: delete value: %w", err)
	}
	return nil
}
