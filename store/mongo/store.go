package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/durable/store"
)

// Collection name constants.
const (
	colRuns    = "durable_runs"
	colJournal = "durable_journal"
	colHooks   = "durable_hooks"
	colStreams = "durable_streams"
	colChunks  = "durable_stream_chunks"
	colLeases  = "durable_leases"
	colValues  = "durable_kv"
)

// Index names checked when a unique insert conflicts.
const (
	idxJournalSeq   = "run_seq"
	idxHookDelivery = "hook_delivery"
	idxChunkIndex   = "run_idx"
)

// maxInsertRetries bounds optimistic insert retries under contention.
const maxInsertRetries = 128

var _ store.Store = (*Store)(nil)

// Store implements store.Store on a MongoDB database. The caller owns the
// client; Store never disconnects it.
type Store struct {
	db     *mongod.Database
	logger *slog.Logger
	now    func() time.Time
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithClock replaces time.Now for lease and retention checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a new MongoDB store on db.
func New(db *mongod.Database, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying database for advanced usage.
func (s *Store) DB() *mongod.Database {
	return s.db
}

// Migrate creates indexes for all durable collections.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("durable/mongo: migrate %s indexes: %w", col, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, nil)
}

// Close is a no-op because the caller owns the client lifecycle.
func (s *Store) Close() error {
	return nil
}

func (s *Store) col(name string) *mongod.Collection { return s.db.Collection(name) }

func (s *Store) clock() time.Time { return s.now().UTC() }

// isNoDocuments returns true when err indicates no MongoDB documents found.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongod.ErrNoDocuments)
}

// isDuplicateKey checks if a MongoDB error is a duplicate key violation,
// optionally on the named index.
func isDuplicateKey(err error, index string) bool {
	if err == nil || !mongod.IsDuplicateKeyError(err) {
		return false
	}
	return index == "" || strings.Contains(err.Error(), index)
}

var terminalStatuses = bson.A{"completed", "failed", "cancelled"}

// migrationIndexes returns the index definitions for all durable collections.
func migrationIndexes() map[string][]mongod.IndexModel {
	return map[string][]mongod.IndexModel{
		colRuns: {
			{Keys: bson.D{{Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "wake_at", Value: 1}}},
			{Keys: bson.D{{Key: "deadline", Value: 1}}},
			{Keys: bson.D{{Key: "workflow", Value: 1}}},
		},
		colJournal: {
			{
				Keys:    bson.D{{Key: "run_id", Value: 1}, {Key: "seq", Value: 1}},
				Options: options.Index().SetUnique(true).SetName(idxJournalSeq),
			},
			// One hook_resume entry per delivery ordinal.
			{
				Keys: bson.D{{Key: "run_id", Value: 1}, {Key: "key", Value: 1}, {Key: "attempt", Value: 1}},
				Options: options.Index().SetUnique(true).SetName(idxHookDelivery).
					SetPartialFilterExpression(bson.M{"kind": "hook_resume"}),
			},
		},
		colHooks: {
			{Keys: bson.D{{Key: "run_id", Value: 1}, {Key: "created_at", Value: 1}}},
		},
		colStreams: {
			{Keys: bson.D{{Key: "purged", Value: 1}, {Key: "expires_at", Value: 1}}},
		},
		colChunks: {
			{
				Keys:    bson.D{{Key: "run_id", Value: 1}, {Key: "idx", Value: 1}},
				Options: options.Index().SetUnique(true).SetName(idxChunkIndex),
			},
		},
	}
}
