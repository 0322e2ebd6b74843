package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/durable/store"
)

var _ store.Store = (*Store)(nil)

// maxTxnRetries bounds optimistic transaction retries under contention.
const maxTxnRetries = 128

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithKeyPrefix namespaces every key. The default is "durable:".
func WithKeyPrefix(p string) Option {
	return func(s *Store) { s.keys = keyspace(p) }
}

// WithClock replaces time.Now for lease and retention checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store implements the composite store.Store interface backed by Redis.
type Store struct {
	client goredis.UniversalClient
	keys   keyspace
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Redis-backed store. The caller owns the client lifecycle.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client: client,
		keys:   keyspace(defaultPrefix),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() goredis.UniversalClient { return s.client }

// Migrate is a no-op for Redis (schemaless).
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the caller owns the Redis client lifecycle.
func (s *Store) Close() error { return nil }

// txn runs fn under WATCH on keys, retrying when a watched key changes
// before EXEC.
func (s *Store) txn(ctx context.Context, op string, fn func(tx *goredis.Tx) error, keys ...string) error {
	for range maxTxnRetries {
		err := s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, goredis.TxFailedErr) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("durable/redis: %s: too much contention", op)
}

func (s *Store) clock() time.Time { return s.now().UTC() }

func isNil(err error) bool { return errors.Is(err, goredis.Nil) }

// reader is the read surface shared by the client and a WATCH transaction.
type reader interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	HGetAll(ctx context.Context, key string) *goredis.MapStringStringCmd
	Exists(ctx context.Context, keys ...string) *goredis.IntCmd
}
