package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/tavola-pos/tavola/internal/jobs"
)

// Resyncer bumps the board cache and tells displays to refetch.
type Resyncer interface {
	Resync(ctx context.Context, reason string) error
}

// BoardResyncJob periodically corrects display drift.
type BoardResyncJob struct {
	Kitchen Resyncer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewBoardResyncJob wires the resync job.
func NewBoardResyncJob(kitchen Resyncer, logger *slog.Logger, metrics *jobmetrics.Metrics) *BoardResyncJob {
	return &BoardResyncJob{Kitchen: kitchen, Logger: logger, Metrics: metrics}
}

// Handle runs one resync.
func (j *BoardResyncJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Kitchen == nil {
		return errors.New("board resync: kitchen not configured")
	}
	var payload BoardResyncPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.Reason == "" {
		payload.Reason = "scheduled"
	}

	tracker := j.metrics().Track(TaskKitchenBoardResync)
	err := j.Kitchen.Resync(ctx, payload.Reason)
	if err != nil {
		j.log().Error("resync boards", slog.Any("error", err))
	}
	return tracker.End(err)
}

func (j *BoardResyncJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *BoardResyncJob) log() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskKitchenBoardResync))
	}
	return slog.Default().With(slog.String("job", TaskKitchenBoardResync))
}
