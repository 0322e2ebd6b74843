// Package kv defines the key-value store that actor-style workflows keep
// their state in. Workflow bodies never touch it directly; they read and
// write through steps so every access is memoized in the journal.
package kv

import "context"

// Store defines the persistence contract for actor state.
type Store interface {
	// GetValue returns the value at key or durable.ErrKeyNotFound.
	GetValue(ctx context.Context, key string) ([]byte, error)

	// SetValue stores value at key, replacing any previous value.
	SetValue(ctx context.Context, key string, value []byte) error

	// DeleteValue removes key. Deleting a missing key is not an error.
	DeleteValue(ctx context.Context, key string) error
}
