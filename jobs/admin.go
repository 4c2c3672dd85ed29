package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// Admin enqueues jobs by name and inspects the queue. It backs the worker's
// trigger and stats subcommands.
type Admin struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	defaults  Defaults
}

// Defaults are the payload values used when a job is triggered by hand.
type Defaults struct {
	OverdueAfter      time.Duration
	BatchKeyRetention time.Duration
}

// NewAdmin connects to the queue at redisOpts.
func NewAdmin(redisOpts asynq.RedisClientOpt, defaults Defaults) *Admin {
	return &Admin{
		client:    asynq.NewClient(redisOpts),
		inspector: asynq.NewInspector(redisOpts),
		defaults:  defaults,
	}
}

// Close releases underlying resources.
func (a *Admin) Close() error {
	var err error
	if a.inspector != nil {
		if closeErr := a.inspector.Close(); closeErr != nil {
			err = closeErr
		}
	}
	if a.client != nil {
		if closeErr := a.client.Close(); closeErr != nil {
			err = closeErr
		}
	}
	return err
}

// TaskFor builds the task for a job name with default payload.
func TaskFor(name string, defaults Defaults) (*asynq.Task, error) {
	switch name {
	case TaskKitchenOverdueScan:
		return NewOverdueScanTask(defaults.OverdueAfter)
	case TaskKitchenBoardResync:
		return NewBoardResyncTask("manual")
	case TaskBatchKeyCleanup:
		return NewBatchKeyCleanupTask(defaults.BatchKeyRetention)
	default:
		return nil, fmt.Errorf("jobs: unsupported job %s", name)
	}
}

// Trigger enqueues a supported job by name.
func (a *Admin) Trigger(ctx context.Context, name string) (*asynq.TaskInfo, error) {
	if a == nil || a.client == nil {
		return nil, errors.New("jobs: client not configured")
	}
	task, err := TaskFor(name, a.defaults)
	if err != nil {
		return nil, err
	}
	return a.client.EnqueueContext(ctx, task, asynq.MaxRetry(3))
}

// Stats reports the default queue counters.
func (a *Admin) Stats() (QueueHealth, error) {
	if a == nil || a.inspector == nil {
		return QueueHealth{}, errors.New("jobs: inspector not configured")
	}
	info, err := a.inspector.GetQueueInfo(QueueDefault)
	if err != nil {
		return QueueHealth{}, err
	}
	return queueHealth(info), nil
}

// Scheduled lists upcoming scheduled tasks.
func (a *Admin) Scheduled(size int) ([]*asynq.TaskInfo, error) {
	if a == nil || a.inspector == nil {
		return nil, errors.New("jobs: inspector not configured")
	}
	if size <= 0 {
		size = 10
	}
	return a.inspector.ListScheduledTasks(QueueDefault, asynq.PageSize(size), asynq.Page(1))
}

// Schedule returns the cron registrations of the worker.
func Schedule(defaults Defaults) ([]CronRegistration, error) {
	overdue, err := NewOverdueScanTask(defaults.OverdueAfter)
	if err != nil {
		return nil, err
	}
	resync, err := NewBoardResyncTask("scheduled")
	if err != nil {
		return nil, err
	}
	cleanup, err := NewBatchKeyCleanupTask(defaults.BatchKeyRetention)
	if err != nil {
		return nil, err
	}
	return []CronRegistration{
		{Spec: "* * * * *", Task: overdue, Options: []asynq.Option{asynq.MaxRetry(1), asynq.Timeout(30 * time.Second)}},
		{Spec: "*/5 * * * *", Task: resync, Options: []asynq.Option{asynq.MaxRetry(1)}},
		{Spec: "0 * * * *", Task: cleanup, Options: []asynq.Option{asynq.MaxRetry(3)}},
	}, nil
}
