// Command durabled serves a durable engine over HTTP and websockets.
//
// It picks a store backend from DURABLE_STORE, runs its migrations,
// registers the example workflows and serves:
//
//	/runs, /hooks, /stats, /healthz   HTTP API
//	/dwp, /dwp/sse, /dwp/rpc          websocket protocol, SSE and one-shot RPC
//	/actor                            counter actor routes
//	/metrics                          Prometheus collectors
//
// Usage:
//
//	DURABLE_STORE=redis DURABLE_REDIS_URL=redis://localhost:6379/0 durabled
//	DURABLE_STORE=bun DURABLE_POSTGRES_URL=postgres://localhost:5432/durable durabled
//
//	curl -X POST localhost:8080/actor
//	curl -X POST localhost:8080/actor/<id>/event -d '{"event":{"type":"increment","amount":5}}'
//	curl localhost:8080/actor/<id>/state
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/durable/api"
	audithook "github.com/xraph/durable/audit_hook"
	"github.com/xraph/durable/dwp"
	"github.com/xraph/durable/engine"
	"github.com/xraph/durable/examples/counter"
	"github.com/xraph/durable/examples/rsvp"
	"github.com/xraph/durable/observability"
	"github.com/xraph/durable/store"
	bunstore "github.com/xraph/durable/store/bun"
	"github.com/xraph/durable/store/memory"
	"github.com/xraph/durable/store/mongo"
	"github.com/xraph/durable/store/postgres"
	"github.com/xraph/durable/store/redis"
)

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "durabled:", err)
		os.Exit(2)
	}
	logger := cfg.Log.newLogger(os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("durabled exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	s, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := s.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate %s store: %w", cfg.Store, err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prom, err := observability.NewPrometheus("durable", reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	eng, err := engine.New(
		engine.WithStore(s),
		engine.WithLogger(logger),
		engine.WithConfig(cfg.durableConfig()),
		engine.WithExtension(prom),
		engine.WithExtension(audithook.New(
			audithook.SlogRecorder{Logger: logger.With(slog.String("component", "audit"))},
			audithook.WithLogger(logger),
		)),
	)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	actor := counter.Register(eng)
	rsvp.Register(eng, rsvp.LogNotifier{Logger: logger})

	dwpServer := dwp.NewServer(dwp.NewHandler(eng, logger),
		dwp.WithAuth(authenticator(cfg.Tokens)),
		dwp.WithLogger(logger),
	)

	mux := http.NewServeMux()
	api.New(eng).RegisterRoutes(mux)
	dwpServer.RegisterRoutes(mux)
	counter.NewHandler(eng, actor).RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	if err := eng.Launch(ctx); err != nil {
		return fmt.Errorf("launch engine: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("durabled listening",
			slog.String("addr", cfg.Addr),
			slog.String("store", cfg.Store),
		)
		errCh <- srv.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-errCh:
		if errors.Is(serveErr, http.ErrServerClosed) {
			serveErr = nil
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.durableConfig().ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if err := dwpServer.Close(); err != nil {
		logger.Error("dwp close error", slog.String("error", err.Error()))
	}
	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.Error("engine shutdown error", slog.String("error", err.Error()))
	}
	return serveErr
}

// openStore connects the configured backend. The returned func releases
// the store and any client it owns.
func openStore(ctx context.Context, cfg *Config, logger *slog.Logger) (store.Store, func(), error) {
	switch cfg.Store {
	case "redis":
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := goredis.NewClient(opts)
		ropts := []redis.Option{redis.WithLogger(logger)}
		if cfg.RedisPrefix != "" {
			ropts = append(ropts, redis.WithKeyPrefix(cfg.RedisPrefix))
		}
		s := redis.New(client, ropts...)
		return s, func() { _ = client.Close() }, nil

	case "postgres":
		s, err := postgres.New(ctx, cfg.PostgresURL, postgres.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil

	case "bun":
		db := bun.NewDB(sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.PostgresURL))), pgdialect.New())
		s := bunstore.New(db, bunstore.WithLogger(logger))
		return s, func() { _ = db.Close() }, nil

	case "mongo":
		client, err := mongod.Connect(options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		s := mongo.New(client.Database(cfg.MongoDatabase), mongo.WithLogger(logger))
		return s, func() {
			disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = client.Disconnect(disconnectCtx)
		}, nil

	default:
		s := memory.New()
		return s, func() { _ = s.Close() }, nil
	}
}

func authenticator(tokens []string) dwp.Authenticator {
	if len(tokens) == 0 {
		return &dwp.NoopAuthenticator{}
	}
	entries := make([]dwp.APIKeyEntry, 0, len(tokens))
	for i, t := range tokens {
		entries = append(entries, dwp.APIKeyEntry{
			Token:    t,
			Identity: dwp.Identity{Subject: fmt.Sprintf("key-%d", i+1), Scopes: []string{dwp.ScopeAll}},
		})
	}
	return dwp.NewAPIKeyAuthenticator(entries...)
}
