package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tavola-pos/tavola/internal/apiclient"
	"github.com/tavola-pos/tavola/internal/app"
	"github.com/tavola-pos/tavola/internal/kds"
	"github.com/tavola-pos/tavola/internal/kitchen"
	"github.com/tavola-pos/tavola/internal/shared"
	"github.com/tavola-pos/tavola/internal/status"
)

// Commands read from stdin, one per line:
//
//	confirm <item-id>...  PENDING -> CONFIRMED
//	start <item-id>...    CONFIRMED -> PREPARING
//	ready <item-id>...    PREPARING -> READY
//	serve <item-id>...    READY -> SERVED
//	cancel <item-id>...   -> CANCELLED
//	refresh               refetch every bucket
var commandTargets = map[string]status.Status{
	"confirm": status.Confirmed,
	"start":   status.Preparing,
	"ready":   status.Ready,
	"serve":   status.Served,
	"cancel":  status.Cancelled,
}

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping display startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadKDSConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg.LogFormat)

	api, err := apiclient.New(cfg.APIURL, apiclient.WithActor(cfg.Actor), apiclient.WithUserAgent("tavola-kds"))
	if err != nil {
		logger.Error("init api client", slog.Any("error", err))
		os.Exit(1)
	}

	board, err := kds.NewBoard(ctx, kds.Config{
		Source:          api,
		Station:         cfg.Station,
		StaleTime:       cfg.StaleTime,
		RefetchInterval: cfg.RefetchInterval,
		Logger:          logger,
	})
	if err != nil {
		logger.Error("init board", slog.Any("error", err))
		os.Exit(1)
	}
	defer board.Close()

	unsubscribe := board.OnChange(func(bucket status.Bucket, list []kitchen.Ticket) {
		logger.Info("bucket updated", slog.String("bucket", string(bucket)), slog.Int("tickets", len(list)))
	})
	defer unsubscribe()

	header := http.Header{}
	header.Set(shared.ActorHeader, cfg.Actor)
	socket, err := kds.NewSocketClient(kds.SocketConfig{
		URL:     cfg.WSURL,
		Station: cfg.Station,
		Header:  header,
		Logger:  logger,
	}, board)
	if err != nil {
		logger.Error("init socket", slog.Any("error", err))
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return socket.Run(gctx)
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case n := <-board.Notices():
				logger.Log(gctx, noticeLevel(n.Level), n.Message,
					slog.String("batch_id", n.BatchID), slog.Any("item_ids", n.ItemIDs))
			}
		}
	})
	go readCommands(gctx, os.Stdin, board, logger)

	logger.Info("kitchen display started", slog.String("station", cfg.Station), slog.String("api", cfg.APIURL))
	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("kitchen display", slog.Any("error", err))
		os.Exit(1)
	}
}

func readCommands(ctx context.Context, r io.Reader, board *kds.Board, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "refresh" {
			if err := board.Load(ctx); err != nil {
				logger.Warn("refresh", slog.String("message", kds.MessageFor(err)))
			}
			continue
		}
		target, ok := commandTargets[fields[0]]
		if !ok {
			_, _ = fmt.Fprintf(os.Stderr, "unknown command %q\n", fields[0])
			continue
		}
		ids := make([]uuid.UUID, 0, len(fields)-1)
		for _, raw := range fields[1:] {
			id, err := uuid.Parse(raw)
			if err != nil {
				_, _ = fmt.Fprintf(os.Stderr, "invalid item id %q\n", raw)
				continue
			}
			ids = append(ids, id)
		}
		result, err := board.Advance(ctx, ids, target)
		switch {
		case errors.Is(err, kds.ErrNothingSelected):
			_, _ = fmt.Fprintln(os.Stderr, "no item ids given")
		case err == nil:
			logger.Info("tickets advanced", slog.String("status", string(target)), slog.Int("changed", result.Changed))
		}
		// Transport and API failures surface through board.Notices.
	}
}

func noticeLevel(level kds.Level) slog.Level {
	switch level {
	case kds.LevelError:
		return slog.LevelError
	case kds.LevelWarning:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
