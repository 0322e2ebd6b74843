package lease

import (
	"context"
	"time"
)

// Store defines the persistence contract for leases.
type Store interface {
	// AcquireLease grants key to owner for ttl when it is free, expired, or
	// already held by owner. It returns false when another owner holds it.
	AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)

	// RenewLease extends owner's hold on key. It returns false when owner no
	// longer holds the lease.
	RenewLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)

	// ReleaseLease frees key if owner holds it.
	ReleaseLease(ctx context.Context, key, owner string) error

	// LeaseHolder returns the current unexpired holder of key.
	LeaseHolder(ctx context.Context, key string) (owner string, held bool, err error)
}
