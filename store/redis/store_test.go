package redis_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/durable"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/journal"
	"github.com/xraph/durable/store"
	"github.com/xraph/durable/store/redis"
	"github.com/xraph/durable/store/storetest"
	"github.com/xraph/durable/stream"
	"github.com/xraph/durable/workflow"
)

func newStore(t *testing.T, opts ...redis.Option) (*redis.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	base := []redis.Option{redis.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}
	return redis.New(client, append(base, opts...)...), mr
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, _ := newStore(t)
		return s
	})
}

func TestPing(t *testing.T) {
	s, mr := newStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	mr.Close()
	if err := s.Ping(context.Background()); err == nil {
		t.Fatal("Ping against a stopped server succeeded")
	}
}

func TestKeyPrefixIsolatesStores(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	a := redis.New(client, redis.WithKeyPrefix("a:"))
	b := redis.New(client, redis.WithKeyPrefix("b:"))
	ctx := context.Background()

	run := &workflow.Run{ID: id.NewRunID(), Workflow: "w", Status: workflow.StatusPending}
	if err := a.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if _, err := b.GetRun(ctx, run.ID); !errors.Is(err, durable.ErrRunNotFound) {
		t.Fatalf("GetRun through other prefix = %v, want ErrRunNotFound", err)
	}
	if !mr.Exists("a:run:" + run.ID.String()) {
		t.Fatal("run key not written under its prefix")
	}
}

func TestStreamExpiryFollowsClock(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s, _ := newStore(t, redis.WithClock(func() time.Time { return now }))
	ctx := context.Background()
	runID := id.NewRunID()

	if err := s.AppendChunk(ctx, &stream.Chunk{RunID: runID, Final: &stream.Final{Status: stream.StatusCompleted}}); err != nil {
		t.Fatalf("AppendChunk: %v", err)
	}
	if err := s.ExpireStream(ctx, runID, now.Add(time.Minute)); err != nil {
		t.Fatalf("ExpireStream: %v", err)
	}
	if _, err := s.ListChunks(ctx, runID, 0, 0); err != nil {
		t.Fatalf("ListChunks before expiry: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := s.ListChunks(ctx, runID, 0, 0); !errors.Is(err, durable.ErrStreamNotFound) {
		t.Fatalf("ListChunks after expiry = %v, want ErrStreamNotFound", err)
	}
	n, err := s.PurgeStreams(ctx, now)
	if err != nil || n != 1 {
		t.Fatalf("PurgeStreams = %d, %v; want 1", n, err)
	}
	if err := s.AppendChunk(ctx, &stream.Chunk{RunID: runID, Data: []byte(`1`)}); !errors.Is(err, durable.ErrStreamClosed) {
		t.Fatalf("AppendChunk after purge = %v, want ErrStreamClosed", err)
	}
}

func TestKeyLayout(t *testing.T) {
	// Ahead of wall time, so the lease key's reclaim TTL stays in the future.
	now := time.Now().UTC().Add(time.Hour)
	s, mr := newStore(t, redis.WithClock(func() time.Time { return now }))
	ctx := context.Background()
	runID := id.NewRunID()
	rID := runID.String()

	if err := s.AppendEntry(ctx, &journal.Entry{RunID: runID, Kind: journal.KindStepCall, Key: "charge#1", Attempt: 1}); err != nil {
		t.Fatalf("AppendEntry: %v", err)
	}
	if err := s.AppendChunk(ctx, &stream.Chunk{RunID: runID, Data: []byte(`1`)}); err != nil {
		t.Fatalf("AppendChunk: %v", err)
	}
	if err := s.ExpireStream(ctx, runID, now.Add(time.Minute)); err != nil {
		t.Fatalf("ExpireStream: %v", err)
	}
	if ok, err := s.AcquireLease(ctx, "run:"+rID, "w1", time.Minute); err != nil || !ok {
		t.Fatalf("AcquireLease = %v, %v", ok, err)
	}

	want := map[string]string{
		"durable:journal:" + rID:     "zset",
		"durable:journal_seq:" + rID: "string",
		"durable:stream:" + rID:      "zset",
		"durable:stream_meta:" + rID: "hash",
		"durable:streams:expiring":   "zset",
		"durable:lease:run:" + rID:   "hash",
	}
	for key, typ := range want {
		if got := mr.Type(key); got != typ {
			t.Errorf("type of %s = %q, want %q", key, got, typ)
		}
	}

	now = now.Add(2 * time.Minute)
	if n, err := s.PurgeStreams(ctx, now); err != nil || n != 1 {
		t.Fatalf("PurgeStreams = %d, %v; want 1", n, err)
	}
	if mr.Exists("durable:stream:" + rID) {
		t.Fatal("chunks survived the purge")
	}
	if !mr.Exists("durable:stream_purged:" + rID) {
		t.Fatal("purge left no tombstone")
	}
}
