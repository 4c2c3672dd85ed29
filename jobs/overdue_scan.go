package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/hibiken/asynq"

	"github.com/tavola-pos/tavola/internal/events"
	jobmetrics "github.com/tavola-pos/tavola/internal/jobs"
	"github.com/tavola-pos/tavola/internal/kitchen"
	"github.com/tavola-pos/tavola/internal/shared"
	"github.com/tavola-pos/tavola/internal/status"
)

// OverdueSource lists tickets cooking since before a threshold.
type OverdueSource interface {
	Overdue(ctx context.Context, after time.Duration) ([]kitchen.Ticket, error)
}

// NoticeClaimer suppresses repeated notices for the same ticket.
type NoticeClaimer interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, keys ...string) error
}

// OverdueScanJob publishes kitchen.ticket.overdue for tickets stuck in
// PREPARING. A ticket is announced once per threshold window.
type OverdueScanJob struct {
	Tickets   OverdueSource
	Claims    NoticeClaimer
	Publisher events.Publisher
	After     time.Duration
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewOverdueScanJob wires the overdue scan.
func NewOverdueScanJob(tickets OverdueSource, claims NoticeClaimer, pub events.Publisher, after time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) *OverdueScanJob {
	return &OverdueScanJob{Tickets: tickets, Claims: claims, Publisher: pub, After: after, Logger: logger, Metrics: metrics}
}

// Handle runs one scan.
func (j *OverdueScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Tickets == nil || j.Publisher == nil {
		return errors.New("overdue scan: dependencies not configured")
	}
	var payload OverdueScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	after := j.After
	if payload.AfterSeconds > 0 {
		after = time.Duration(payload.AfterSeconds) * time.Second
	}
	if after <= 0 {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskKitchenOverdueScan)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	tickets, err := j.Tickets.Overdue(ctx, after)
	if err != nil {
		resultErr = err
		j.log().Error("list overdue tickets", slog.Any("error", err))
		return resultErr
	}

	byStation := make(map[string][]kitchen.Ticket)
	for _, ticket := range tickets {
		fresh, err := j.claim(ctx, ticket, after)
		if err != nil {
			j.log().Warn("claim overdue notice", slog.String("item_id", ticket.ItemID.String()), slog.Any("error", err))
		}
		if !fresh {
			continue
		}
		byStation[ticket.Station] = append(byStation[ticket.Station], ticket)
	}

	stations := make([]string, 0, len(byStation))
	for station := range byStation {
		stations = append(stations, station)
	}
	sort.Strings(stations)

	for _, station := range stations {
		group := byStation[station]
		evt := overdueEvent(station, group, after)
		if err := j.Publisher.Publish(ctx, evt); err != nil {
			resultErr = err
			j.log().Error("publish overdue", slog.String("station", station), slog.Any("error", err))
			j.release(ctx, byStation, stations)
			return resultErr
		}
		delete(byStation, station)
		j.metrics().AddOverdue(station, len(group))
	}

	j.log().Info("overdue scan finished", slog.Int("overdue", len(tickets)), slog.Int("stations", len(stations)))
	return resultErr
}

// claim reports whether the ticket has not been announced in this window.
// Claim failures announce anyway.
func (j *OverdueScanJob) claim(ctx context.Context, ticket kitchen.Ticket, window time.Duration) (bool, error) {
	if j.Claims == nil {
		return true, nil
	}
	ok, err := j.Claims.Claim(ctx, shared.OverdueNoticeKey(ticket.ItemID.String()), window)
	if err != nil {
		return true, err
	}
	return ok, nil
}

// release gives back the claims of every group not yet published, so the
// retry announces them.
func (j *OverdueScanJob) release(ctx context.Context, pending map[string][]kitchen.Ticket, stations []string) {
	if j.Claims == nil {
		return
	}
	var keys []string
	for _, station := range stations {
		for _, ticket := range pending[station] {
			keys = append(keys, shared.OverdueNoticeKey(ticket.ItemID.String()))
		}
	}
	if err := j.Claims.Release(context.WithoutCancel(ctx), keys...); err != nil {
		j.log().Warn("release overdue claims", slog.Int("keys", len(keys)), slog.Any("error", err))
	}
}

func overdueEvent(station string, tickets []kitchen.Ticket, after time.Duration) events.Event {
	evt := events.New(events.TypeTicketOverdue, events.SubjectKitchenTickets)
	evt.Status = string(status.Preparing)
	if station != "" {
		evt.Stations = []string{station}
	}
	orders := make(map[string]bool)
	for _, t := range tickets {
		evt.ItemIDs = append(evt.ItemIDs, t.ItemID.String())
		orders[t.OrderID.String()] = true
	}
	if len(orders) == 1 {
		evt.OrderID = tickets[0].OrderID.String()
	}
	if withPayload, err := evt.WithPayload(map[string]int{"after_seconds": int(after / time.Second)}); err == nil {
		evt = withPayload
	}
	return evt
}

func (j *OverdueScanJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *OverdueScanJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskKitchenOverdueScan))
	}
	return slog.Default().With(slog.String("job", TaskKitchenOverdueScan))
}
