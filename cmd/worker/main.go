package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/tavola-pos/tavola/internal/app"
	"github.com/tavola-pos/tavola/internal/kitchen"
	"github.com/tavola-pos/tavola/internal/platform/cache"
	"github.com/tavola-pos/tavola/internal/platform/db"
	"github.com/tavola-pos/tavola/internal/shared"
	"github.com/tavola-pos/tavola/jobs"
)

const usage = `usage: worker [run | trigger <job> | stats | scheduled]

jobs:
  kitchen:overdue_scan
  kitchen:board_resync
  orders:batch_key_cleanup`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg.LogFormat)

	args := os.Args[1:]
	command := "run"
	if len(args) > 0 {
		command = args[0]
	}

	defaults := jobs.Defaults{OverdueAfter: cfg.KitchenOverdueAfter, BatchKeyRetention: cfg.BatchKeyRetention}
	redisOpts := cfg.Queue()

	switch command {
	case "run":
		if err := run(ctx, cfg, logger, defaults, redisOpts); err != nil && err != context.Canceled {
			logger.Error("worker run", slog.Any("error", err))
			os.Exit(1)
		}
	case "trigger", "stats", "scheduled":
		os.Exit(admin(ctx, command, args[1:], defaults, redisOpts))
	default:
		_, _ = fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger, defaults jobs.Defaults, redisOpts asynq.RedisClientOpt) error {
	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns, ApplicationName: "tavola-worker"})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.Redis())
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	bus, err := app.OpenBus(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("connect event bus: %w", err)
	}
	defer func() {
		if err := bus.Close(); err != nil {
			logger.Warn("event bus close", slog.Any("error", err))
		}
	}()

	kitchenService := kitchen.NewService(kitchen.NewRepository(pool), kitchen.ServiceConfig{
		Cache:     kitchen.NewBoardCache(redisClient, cfg.KitchenBoardTTL),
		Publisher: bus,
		Logger:    logger,
	})
	overdueJob := jobs.NewOverdueScanJob(kitchenService, shared.NewBatchCache(redisClient, cfg.BatchKeyRetention),
		bus, cfg.KitchenOverdueAfter, logger, nil)
	resyncJob := jobs.NewBoardResyncJob(kitchenService, logger, nil)
	cleanupJob := jobs.NewBatchKeyCleanupJob(shared.NewIdempotencyStore(pool), cfg.BatchKeyRetention, logger, nil)

	schedule, err := jobs.Schedule(defaults)
	if err != nil {
		return fmt.Errorf("build schedule: %w", err)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: redisOpts,
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskKitchenOverdueScan, Handler: overdueJob.Handle},
			{Type: jobs.TaskKitchenBoardResync, Handler: resyncJob.Handle},
			{Type: jobs.TaskBatchKeyCleanup, Handler: cleanupJob.Handle},
		},
		Cron: schedule,
	})
	if err != nil {
		return fmt.Errorf("init worker: %w", err)
	}
	return worker.Run(ctx)
}

func admin(ctx context.Context, command string, args []string, defaults jobs.Defaults, redisOpts asynq.RedisClientOpt) int {
	a := jobs.NewAdmin(redisOpts, defaults)
	defer func() { _ = a.Close() }()

	var out any
	var err error
	switch command {
	case "trigger":
		if len(args) != 1 {
			_, _ = fmt.Fprintln(os.Stderr, usage)
			return 2
		}
		out, err = a.Trigger(ctx, args[0])
	case "stats":
		out, err = a.Stats()
	case "scheduled":
		out, err = a.Scheduled(20)
	}
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%s: %v\n", command, err)
		return 1
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%s: %v\n", command, err)
		return 1
	}
	return 0
}
