package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/tavola-pos/tavola/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"

	// TaskKitchenOverdueScan flags tickets cooking for too long.
	TaskKitchenOverdueScan = "kitchen:overdue_scan"
	// TaskKitchenBoardResync forces every display to refetch its board.
	TaskKitchenBoardResync = "kitchen:board_resync"
	// TaskBatchKeyCleanup drops expired batch idempotency keys.
	TaskBatchKeyCleanup = "orders:batch_key_cleanup"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// OverdueScanPayload configures an overdue scan. Zero uses the job default.
type OverdueScanPayload struct {
	AfterSeconds int `json:"after_seconds,omitempty"`
}

// BoardResyncPayload explains why displays are asked to refetch.
type BoardResyncPayload struct {
	Reason string `json:"reason"`
}

// BatchKeyCleanupPayload configures key retention. Zero uses the job default.
type BatchKeyCleanupPayload struct {
	RetentionHours int `json:"retention_hours,omitempty"`
}

// NewOverdueScanTask builds a kitchen:overdue_scan task.
func NewOverdueScanTask(after time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(OverdueScanPayload{AfterSeconds: int(after / time.Second)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskKitchenOverdueScan, body, asynq.Queue(QueueDefault)), nil
}

// NewBoardResyncTask builds a kitchen:board_resync task.
func NewBoardResyncTask(reason string) (*asynq.Task, error) {
	if reason == "" {
		reason = "scheduled"
	}
	body, err := json.Marshal(BoardResyncPayload{Reason: reason})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskKitchenBoardResync, body, asynq.Queue(QueueDefault)), nil
}

// NewBatchKeyCleanupTask builds an orders:batch_key_cleanup task.
func NewBatchKeyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(BatchKeyCleanupPayload{RetentionHours: int(retention / time.Hour)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBatchKeyCleanup, body, asynq.Queue(QueueDefault)), nil
}
