package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"

	"github.com/tavola-pos/tavola/internal/app"
	"github.com/tavola-pos/tavola/internal/billing"
	"github.com/tavola-pos/tavola/internal/kitchen"
	"github.com/tavola-pos/tavola/internal/observability"
	"github.com/tavola-pos/tavola/internal/orders"
	"github.com/tavola-pos/tavola/internal/platform/cache"
	"github.com/tavola-pos/tavola/internal/platform/db"
	"github.com/tavola-pos/tavola/internal/realtime"
	"github.com/tavola-pos/tavola/internal/shared"
	"github.com/tavola-pos/tavola/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	taxRate, err := decimal.NewFromString(cfg.TaxRate)
	if err != nil {
		logger.Error("parse tax rate", slog.String("tax_rate", cfg.TaxRate), slog.Any("error", err))
		os.Exit(1)
	}

	dbpool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns, ApplicationName: "tavola"})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.Redis())
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	bus, err := app.OpenBus(ctx, cfg, logger)
	if err != nil {
		logger.Error("connect event bus", slog.String("broker", cfg.EventBroker), slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := bus.Close(); err != nil {
			logger.Warn("event bus close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	hub := realtime.NewHub(realtime.HubConfig{Logger: logger, Metrics: metrics})
	defer hub.Close()
	if err := hub.Run(ctx, bus); err != nil {
		logger.Error("subscribe hub", slog.Any("error", err))
		os.Exit(1)
	}

	boardCache := kitchen.NewBoardCache(redisClient, cfg.KitchenBoardTTL)
	kitchenService := kitchen.NewService(kitchen.NewRepository(dbpool), kitchen.ServiceConfig{
		Cache:     boardCache,
		Publisher: bus,
		Metrics:   metrics,
		Logger:    logger,
	})
	ordersService := orders.NewService(orders.NewRepository(dbpool), orders.ServiceConfig{
		Batches:   shared.NewBatchCache(redisClient, cfg.BatchKeyRetention),
		Publisher: bus,
		Board:     boardCache,
		Logger:    logger,
	})
	billingService := billing.NewService(billing.NewRepository(dbpool), taxRate, cfg.Currency, logger)

	inspector := asynq.NewInspector(cfg.Queue())
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	jobClient := jobs.NewClient(cfg.Queue())
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		OrdersHandler:  orders.NewHandler(logger, ordersService),
		KitchenHandler: kitchen.NewHandler(logger, kitchenService),
		BillingHandler: billing.NewHandler(logger, billingService, billing.NewReceipt(language.English, cfg.Currency)),
		Hub:            hub,
		JobHandler:     jobs.NewHandler(inspector, jobClient, logger),
		Metrics:        metrics,
	})

	server := &http.Server{
		Addr:        cfg.AppAddr,
		Handler:     router,
		ReadTimeout: cfg.AppReadTimeout,
		// No WriteTimeout: kitchen sockets are long lived and the hub sets
		// per-frame deadlines. REST routes are bounded by the timeout middleware.
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.String("broker", cfg.EventBroker))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
