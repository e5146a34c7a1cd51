// Package app assembles the process: config, logging, storage, cache, metrics and engine.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"escrowline/internal/cache"
	"escrowline/internal/config"
	"escrowline/internal/db"
	"escrowline/internal/engine"
	"escrowline/internal/logging"
	"escrowline/internal/metrics"
	"escrowline/internal/migrate"
)

type App struct {
	Config   *config.Config
	DB       *sql.DB
	Dialect  db.Dialect
	Engine   engine.Engine
	Logger   *slog.Logger
	Registry *prometheus.Registry
	closers  []io.Closer
}

// Open connects to the database, applies migrations, seeds the first fee
// policy version from config when none exists and builds the engine.
func Open(ctx context.Context, workspace string, cfg *config.Config) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	logger, logCloser, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Logger: logger, closers: []io.Closer{logCloser}}

	conn, dialect, err := db.Open(db.Config{Workspace: workspace, Driver: cfg.Database.Driver, DSN: cfg.Database.DSN})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.DB, a.Dialect = conn, dialect
	a.closers = append(a.closers, conn)
	if err := migrate.Migrate(conn, dialect); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	eng := engine.New(conn, dialect, cfg)
	eng.Logger = logger
	eng.Metrics = metrics.New(a.Registry)
	eng.Cache = a.openCache(ctx)
	a.Engine = eng

	if _, err := eng.SeedFeePolicy(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("seed fee policy: %w", err)
	}
	logger.Debug("escrowline ready", "driver", dialect, "cache", cfg.Cache.RedisAddr != "")
	return a, nil
}

// openCache falls back to no caching when Redis is unreachable; the
// database stays the source of truth either way.
func (a *App) openCache(ctx context.Context) cache.Cache {
	if a.Config.Cache.RedisAddr == "" {
		return cache.Noop{}
	}
	client := redis.NewClient(&redis.Options{Addr: a.Config.Cache.RedisAddr, DB: a.Config.Cache.RedisDB})
	if err := client.Ping(ctx).Err(); err != nil {
		a.Logger.Warn("redis unavailable, caching disabled", "addr", a.Config.Cache.RedisAddr, "err", err)
		client.Close()
		return cache.Noop{}
	}
	a.closers = append(a.closers, client)
	return cache.NewRedis(client, a.Config.Cache.Prefix, a.Config.Cache.TTL)
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
