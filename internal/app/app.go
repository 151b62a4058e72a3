// Package app wires a workspace into a ready engine: config, store, schema,
// idempotency guard, rate limiter and logger.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"

	"civicforge/internal/config"
	"civicforge/internal/db"
	"civicforge/internal/engine"
	"civicforge/internal/idempotency"
	"civicforge/internal/migrate"
	"civicforge/internal/ratelimit"
	"civicforge/internal/reprocess"
	"civicforge/internal/telemetry"
)

type App struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    engine.Engine
	Limiter   *ratelimit.Limiter
	Logger    *slog.Logger
}

type Options struct {
	Workspace string
	// LogOutput receives log lines; defaults to stderr.
	LogOutput io.Writer
	// Logger overrides the logger built from the telemetry config.
	Logger *slog.Logger
}

// Open loads the workspace config, opens and migrates the store and builds
// the engine.
func Open(ctx context.Context, opts Options) (*App, error) {
	workspace := opts.Workspace
	if workspace == "" {
		workspace = "."
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		out := opts.LogOutput
		if out == nil {
			out = os.Stderr
		}
		logger, err = telemetry.NewLogger(out, cfg.Telemetry.LogLevel, cfg.Telemetry.LogFormat)
		if err != nil {
			return nil, err
		}
	}

	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	e := engine.New(conn, cfg)
	guard, err := idempotency.New(e.Repo, cfg.Idempotency.TTL, cfg.Idempotency.CacheSize)
	if err != nil {
		conn.Close()
		return nil, err
	}
	e.Idempotency = guard
	e = e.WithLogger(logger)

	return &App{
		Workspace: workspace,
		DB:        conn,
		Config:    cfg,
		Engine:    e,
		Limiter:   ratelimit.New(e.Repo, cfg.RateLimit.Requests, cfg.RateLimit.Window),
		Logger:    logger,
	}, nil
}

// Worker builds a reprocessor from the rewards config. A non-empty workerID
// overrides the configured one.
func (a *App) Worker(workerID string) *reprocess.Worker {
	rc := a.Config.Rewards
	if workerID == "" {
		workerID = rc.WorkerID
	}
	w := reprocess.New(a.Engine.Repo, a.Engine.Ledger, reprocess.Config{
		WorkerID:         workerID,
		BatchSize:        rc.BatchSize,
		Concurrency:      rc.Concurrency,
		LeaseDuration:    rc.LeaseDuration,
		MaxRetryAttempts: rc.MaxRetryAttempts,
		Interval:         rc.Interval,
	})
	w.Logger = a.Logger
	return w
}

func (a *App) Close() error {
	return a.DB.Close()
}
