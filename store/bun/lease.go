package bunstore

import (
	"context"
	"fmt"
	"time"
)

// AcquireLease grants key to owner when it is free, expired or already
// owned by owner.
func (s *Store) AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := s.clock()
	res, err := s.db.NewInsert().Model(&leaseModel{Key: key, Owner: owner, Until: now.Add(ttl)}).
		On("CONFLICT (key) DO UPDATE").
		Set("owner = EXCLUDED.owner").
		Set("until = EXCLUDED.until").
		Where("l.owner = EXCLUDED.owner OR l.until <= ?", now).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("durable/bun: acquire lease: %w", err)
	}
	return affected(res) > 0, nil
}

// RenewLease extends owner's hold on key.
func (s *Store) RenewLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := s.clock()
	res, err := s.db.NewUpdate().TableExpr("durable_leases").
		Set("until = ?", now.Add(ttl)).
		Where("key = ?", key).
		Where("owner = ?", owner).
		Where("until > ?", now).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("durable/bun: renew lease: %w", err)
	}
	return affected(res) > 0, nil
}

// ReleaseLease frees key if owner holds it.
func (s *Store) ReleaseLease(ctx context.Context, key, owner string) error {
	_, err := s.db.NewDelete().TableExpr("durable_leases").
		Where("key = ?", key).
		Where("owner = ?", owner).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("durable/bun: release lease: %w", err)
	}
	return nil
}

// LeaseHolder returns the unexpired holder of key.
func (s *Store) LeaseHolder(ctx context.Context, key string) (string, bool, error) {
	m := new(leaseModel)
	err := s.db.NewSelect().Model(m).
		Where("key = ?", key).
		Where("until > ?", s.clock()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("durable/bun: lease holder: %w", err)
	}
	return m.Owner, true, nil
}
