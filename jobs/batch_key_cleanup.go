package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/tavola-pos/tavola/internal/jobs"
)

// KeyCleaner deletes idempotency keys older than a retention window.
type KeyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// BatchKeyCleanupJob keeps the batch idempotency table small.
type BatchKeyCleanupJob struct {
	Keys      KeyCleaner
	Retention time.Duration
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewBatchKeyCleanupJob wires the cleanup job.
func NewBatchKeyCleanupJob(keys KeyCleaner, retention time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) *BatchKeyCleanupJob {
	return &BatchKeyCleanupJob{Keys: keys, Retention: retention, Logger: logger, Metrics: metrics}
}

// Handle runs one cleanup.
func (j *BatchKeyCleanupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Keys == nil {
		return errors.New("batch key cleanup: store not configured")
	}
	var payload BatchKeyCleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	retention := j.Retention
	if payload.RetentionHours > 0 {
		retention = time.Duration(payload.RetentionHours) * time.Hour
	}
	if retention <= 0 {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskBatchKeyCleanup)
	deleted, err := j.Keys.Cleanup(ctx, retention)
	if err != nil {
		j.log().Error("cleanup batch keys", slog.Any("error", err))
		return tracker.End(err)
	}
	j.log().Info("batch keys cleaned", slog.Int64("deleted", deleted), slog.Duration("retention", retention))
	return tracker.End(nil)
}

func (j *BatchKeyCleanupJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *BatchKeyCleanupJob) log() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskBatchKeyCleanup))
	}
	return slog.Default().With(slog.String("job", TaskBatchKeyCleanup))
}
