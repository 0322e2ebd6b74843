package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Lease hash fields.
const (
	leaseOwner = "owner"
	leaseUntil = "until"
)

type leaseState struct {
	owner string
	until time.Time
}

func (s *Store) getLease(ctx context.Context, c reader, key string) (*leaseState, error) {
	vals, err := c.HGetAll(ctx, s.keys.lease(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("durable/redis: get lease: %w", err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	micros, _ := strconv.ParseInt(vals[leaseUntil], 10, 64)
	return &leaseState{owner: vals[leaseOwner], until: time.UnixMicro(micros)}, nil
}

func (s *Store) putLease(ctx context.Context, tx *goredis.Tx, key, owner string, until time.Time) error {
	lk := s.keys.lease(key)
	_, err := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, lk, leaseOwner, owner, leaseUntil, until.UnixMicro())
		// Reclaims space only; expiry is judged against the store clock.
		pipe.ExpireAt(ctx, lk, until.Add(time.Minute))
		return nil
	})
	return err
}

// AcquireLease grants key to owner when it is free, expired or already
// owned by owner.
func (s *Store) AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	var ok bool
	err := s.txn(ctx, "acquire lease", func(tx *goredis.Tx) error {
		now := s.clock()
		cur, err := s.getLease(ctx, tx, key)
		if err != nil {
			return err
		}
		if cur != nil && cur.owner != owner && now.Before(cur.until) {
			ok = false
			return nil
		}
		if err := s.putLease(ctx, tx, key, owner, now.Add(ttl)); err != nil {
			return err
		}
		ok = true
		return nil
	}, s.keys.lease(key))
	return ok, err
}

// RenewLease extends owner's hold on key.
func (s *Store) RenewLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	var ok bool
	err := s.txn(ctx, "renew lease", func(tx *goredis.Tx) error {
		now := s.clock()
		cur, err := s.getLease(ctx, tx, key)
		if err != nil {
			return err
		}
		if cur == nil || cur.owner != owner || !now.Before(cur.until) {
			ok = false
			return nil
		}
		if err := s.putLease(ctx, tx, key, owner, now.Add(ttl)); err != nil {
			return err
		}
		ok = true
		return nil
	}, s.keys.lease(key))
	return ok, err
}

// ReleaseLease frees key if owner holds it.
func (s *Store) ReleaseLease(ctx context.Context, key, owner string) error {
	lk := s.keys.lease(key)
	return s.txn(ctx, "release lease", func(tx *goredis.Tx) error {
		cur, err := s.getLease(ctx, tx, key)
		if err != nil {
			return err
		}
		if cur == nil || cur.owner != owner {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Del(ctx, lk)
			return nil
		})
		return err
	}, lk)
}

// LeaseHolder returns the unexpired holder of key.
func (s *Store) LeaseHolder(ctx context.Context, key string) (string, bool, error) {
	cur, err := s.getLease(ctx, s.client, key)
	if err != nil {
		return "", false, err
	}
	if cur == nil || !s.clock().Before(cur.until) {
		return "", false, nil
	}
	return cur.owner, true, nil
}
