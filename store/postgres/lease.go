package postgres

import (
	"context"
	"fmt"
	"time"
)

// AcquireLease grants key to owner when it is free, expired or already
// owned by owner.
func (s *Store) AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := s.clock()
	tag, err := s.pool.Exec(ctx, `INSERT INTO durable_leases (key, owner, until) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET owner = EXCLUDED.owner, until = EXCLUDED.until
		WHERE durable_leases.owner = EXCLUDED.owner OR durable_leases.until <= $4`,
		key, owner, now.Add(ttl), now)
	if err != nil {
		return false, fmt.Errorf("durable/postgres: acquire lease: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RenewLease extends owner's hold on key.
func (s *Store) RenewLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := s.clock()
	tag, err := s.pool.Exec(ctx, `UPDATE durable_leases SET until = $3
		WHERE key = $1 AND owner = $2 AND until > $4`,
		key, owner, now.Add(ttl), now)
	if err != nil {
		return false, fmt.Errorf("durable/postgres: renew lease: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseLease frees key if owner holds it.
func (s *Store) ReleaseLease(ctx context.Context, key, owner string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM durable_leases WHERE key = $1 AND owner = $2`, key, owner); err != nil {
		return fmt.Errorf("durable/postgres: release lease: %w", err)
	}
	return nil
}

// LeaseHolder returns the unexpired holder of key.
func (s *Store) LeaseHolder(ctx context.Context, key string) (string, bool, error) {
	var owner string
	err := s.pool.QueryRow(ctx, `SELECT owner FROM durable_leases WHERE key = $1 AND until > $2`,
		key, s.clock()).Scan(&owner)
	if err != nil {
		if isNoRows(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("durable/postgres: lease holder: %w", err)
	}
	return owner, true, nil
}
