package store

import (
	"context"

	"github.com/xraph/durable/hook"
	"github.com/xraph/durable/journal"
	"github.com/xraph/durable/kv"
	"github.com/xraph/durable/lease"
	"github.com/xraph/durable/stream"
	"github.com/xraph/durable/workflow"
)

// Store is the aggregate persistence interface.
// A single backend (memory, redis, postgres, mongo) implements all of the
// subsystem stores.
type Store interface {
	workflow.Store
	journal.Store
	hook.Store
	stream.Store
	lease.Store
	kv.Store

	// Migrate creates or updates the backend schema.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the backend connection.
	Close() error
}
