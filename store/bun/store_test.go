//go:build integration

package bunstore_test

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/xraph/durable/id"
	"github.com/xraph/durable/store"
	bunstore "github.com/xraph/durable/store/bun"
	"github.com/xraph/durable/store/storetest"
)

// startPostgres creates a Postgres container and returns its DSN.
func startPostgres(t *testing.T) string {
	t.Helper()

	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("durable_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}
	return connStr
}

// storeFactory returns a factory that opens a migrated Store in a fresh
// schema on every call.
func storeFactory(dsn string) storetest.Factory {
	return func(t *testing.T) store.Store {
		t.Helper()
		ctx := context.Background()

		schema := "durable_test_" + strings.TrimPrefix(id.NewRunID().String(), "run_")
		admin := bun.NewDB(sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn))), pgdialect.New())
		if _, err := admin.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA %s", schema)); err != nil {
			_ = admin.Close()
			t.Fatalf("create schema: %v", err)
		}
		t.Cleanup(func() {
			_, _ = admin.ExecContext(context.Background(), fmt.Sprintf("DROP SCHEMA %s CASCADE", schema))
			_ = admin.Close()
		})

		sqldb := sql.OpenDB(pgdriver.NewConnector(
			pgdriver.WithDSN(dsn),
			pgdriver.WithConnParams(map[string]interface{}{"search_path": schema}),
		))
		db := bun.NewDB(sqldb, pgdialect.New())
		t.Cleanup(func() { _ = db.Close() })

		s := bunstore.New(db, bunstore.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
		if err := s.Ping(ctx); err != nil {
			t.Fatalf("ping: %v", err)
		}
		if err := s.Migrate(ctx); err != nil {
			t.Fatalf("migrate: %v", err)
		}
		return s
	}
}

func TestConformance(t *testing.T) {
	storetest.Run(t, storeFactory(startPostgres(t)))
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := storeFactory(startPostgres(t))(t)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

func TestCloseLeavesDBOpen(t *testing.T) {
	s := storeFactory(startPostgres(t))(t).(*bunstore.Store)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.DB().PingContext(context.Background()); err != nil {
		t.Fatalf("db closed by Store.Close: %v", err)
	}
}
