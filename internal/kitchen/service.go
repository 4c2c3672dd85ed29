package kitchen

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/tavola-pos/tavola/internal/events"
	"github.com/tavola-pos/tavola/internal/shared"
	"github.com/tavola-pos/tavola/internal/status"
)

// TransitionRecorder counts applied transitions.
type TransitionRecorder interface {
	RecordTransitions(status string, n int)
}

// Service serves the kitchen board and applies batch transitions.
type Service struct {
	repo      Repository
	cache     *BoardCache
	publisher events.Publisher
	metrics   TransitionRecorder
	logger    *slog.Logger
	clock     func() time.Time
}

// ServiceConfig groups optional collaborators.
type ServiceConfig struct {
	Cache     *BoardCache
	Publisher events.Publisher
	Metrics   TransitionRecorder
	Logger    *slog.Logger
}

// NewService builds Service.
func NewService(repo Repository, cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		cache:     cfg.Cache,
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
		logger:    logger.With(slog.String("component", "kitchen")),
		clock:     func() time.Time { return time.Now().UTC() },
	}
}

// ListTickets returns a bucket oldest first, optionally for one station.
func (s *Service) ListTickets(ctx context.Context, bucket status.Bucket, station string) (*Board, error) {
	statuses := bucket.Statuses()
	if statuses == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBucket, bucket)
	}
	key, err := s.cache.BuildKey(ctx, string(bucket), station)
	if err != nil {
		s.logger.Warn("board cache key", slog.Any("error", err))
		return s.loadBoard(ctx, bucket, station)
	}
	var board Board
	err = s.cache.FetchJSON(ctx, key, &board, func(ctx context.Context) (any, error) {
		return s.loadBoard(ctx, bucket, station)
	})
	if err != nil {
		return nil, err
	}
	return &board, nil
}

func (s *Service) loadBoard(ctx context.Context, bucket status.Bucket, station string) (*Board, error) {
	tickets, err := s.repo.ListTickets(ctx, bucket.Statuses(), station)
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	return &Board{Bucket: bucket, Station: station, Tickets: tickets, GeneratedAt: s.clock()}, nil
}

// UpdateStatus moves every listed item to the target status or none of them.
// Items already in the target status are accepted and left untouched.
func (s *Service) UpdateStatus(ctx context.Context, req UpdateStatusRequest) (*UpdateStatusResult, error) {
	target, err := status.Parse(req.Status)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStatus, req.Status)
	}
	ids, err := dedupeIDs(req.ItemIDs)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	var result []Ticket
	var changed []Ticket
	var from []status.Status
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		locked, err := tx.LockTickets(ctx, ids)
		if err != nil {
			return err
		}
		byID := make(map[uuid.UUID]Ticket, len(locked))
		for _, t := range locked {
			byID[t.ItemID] = t
		}

		var rejected []Rejection
		result = make([]Ticket, 0, len(ids))
		for _, id := range ids {
			t, ok := byID[id]
			switch {
			case !ok:
				rejected = append(rejected, Rejection{ItemID: id.String(), Reason: ReasonNotFound})
			case t.Status == target:
				result = append(result, t)
			case !status.CanTransition(t.Status, target):
				rejected = append(rejected, Rejection{ItemID: id.String(), From: string(t.Status), Reason: ReasonIllegalTransition})
			default:
				from = append(from, t.Status)
				t.apply(target, now)
				changed = append(changed, t)
				result = append(result, t)
			}
		}
		if len(rejected) > 0 {
			return &TransitionError{Target: string(target), Rejected: rejected}
		}
		if len(changed) == 0 {
			return nil
		}
		if err := tx.SaveStatuses(ctx, changed); err != nil {
			return err
		}
		if err := tx.TouchOrders(ctx, orderIDs(changed), now); err != nil {
			return err
		}
		return tx.Audit(ctx, shared.AuditLog{
			Action: "kitchen.update_status", Entity: "order_item", EntityID: changed[0].ItemID.String(),
			Meta: map[string]any{"status": string(target), "items": ticketIDs(changed)},
		})
	})
	if err != nil {
		return nil, err
	}

	buckets := status.AffectedBuckets(append(from, target)...)
	out := &UpdateStatusResult{Status: target, Changed: len(changed), Buckets: bucketNames(buckets), Tickets: result}
	if len(changed) == 0 {
		return out, nil
	}
	if s.metrics != nil {
		s.metrics.RecordTransitions(string(target), len(changed))
	}
	s.bump(ctx)
	s.publish(ctx, statusEvents(changed, from, target)...)
	return out, nil
}

// Overdue lists items that have been preparing for longer than after.
func (s *Service) Overdue(ctx context.Context, after time.Duration) ([]Ticket, error) {
	return s.repo.ListOverdue(ctx, s.clock().Add(-after))
}

// Resync invalidates the board and tells every display to refetch.
func (s *Service) Resync(ctx context.Context, reason string) error {
	if err := s.cache.Bump(ctx); err != nil {
		return fmt.Errorf("bump board cache: %w", err)
	}
	evt := events.New(events.TypeKitchenResync, events.SubjectKitchenTickets)
	evt.Buckets = bucketNames(status.Buckets)
	evt, err := evt.WithPayload(map[string]string{"reason": reason})
	if err != nil {
		return err
	}
	return events.PublishAll(ctx, s.publisher, evt)
}

func (s *Service) bump(ctx context.Context) {
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.Warn("bump kitchen board cache", slog.Any("error", err))
	}
}

func (s *Service) publish(ctx context.Context, evts ...events.Event) {
	if s.publisher == nil {
		return
	}
	for _, evt := range evts {
		if err := s.publisher.Publish(ctx, evt); err != nil {
			s.logger.Warn("publish kitchen event",
				slog.String("event_type", evt.Type),
				slog.String("order_id", evt.OrderID),
				slog.Any("error", err),
			)
		}
	}
}

// statusEvents emits one event per order so order caches can invalidate by id.
func statusEvents(changed []Ticket, from []status.Status, target status.Status) []events.Event {
	type group struct {
		tickets []Ticket
		from    []status.Status
	}
	groups := make(map[uuid.UUID]*group)
	var order []uuid.UUID
	for i, t := range changed {
		g, ok := groups[t.OrderID]
		if !ok {
			g = &group{}
			groups[t.OrderID] = g
			order = append(order, t.OrderID)
		}
		g.tickets = append(g.tickets, t)
		g.from = append(g.from, from[i])
	}

	out := make([]events.Event, 0, len(order))
	for _, id := range order {
		g := groups[id]
		evt := events.New(events.TypeTicketStatusChanged, events.SubjectKitchenTickets)
		evt.OrderID = id.String()
		evt.ItemIDs = ticketIDs(g.tickets)
		evt.Status = string(target)
		evt.Buckets = bucketNames(status.AffectedBuckets(append(g.from, target)...))
		evt.Stations = ticketStations(g.tickets)
		if batches := batchIDs(g.tickets); len(batches) == 1 {
			evt.BatchID = batches[0]
		}
		out = append(out, evt)
	}
	return out
}

func dedupeIDs(raw []string) ([]uuid.UUID, error) {
	if len(raw) == 0 {
		return nil, ErrNoItems
	}
	seen := make(map[uuid.UUID]bool, len(raw))
	out := make([]uuid.UUID, 0, len(raw))
	for _, r := range raw {
		id, err := uuid.Parse(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidItemID, r)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out, nil
}

func orderIDs(tickets []Ticket) []uuid.UUID {
	seen := make(map[uuid.UUID]bool)
	var out []uuid.UUID
	for _, t := range tickets {
		if !seen[t.OrderID] {
			seen[t.OrderID] = true
			out = append(out, t.OrderID)
		}
	}
	return out
}

func ticketIDs(tickets []Ticket) []string {
	out := make([]string, 0, len(tickets))
	for _, t := range tickets {
		out = append(out, t.ItemID.String())
	}
	return out
}

func batchIDs(tickets []Ticket) []string {
	seen := make(map[uuid.UUID]bool)
	var out []string
	for _, t := range tickets {
		if !seen[t.BatchID] {
			seen[t.BatchID] = true
			out = append(out, t.BatchID.String())
		}
	}
	return out
}

func ticketStations(tickets []Ticket) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range tickets {
		if t.Station != "" && !seen[t.Station] {
			seen[t.Station] = true
			out = append(out, t.Station)
		}
	}
	sort.Strings(out)
	return out
}

func bucketNames(buckets []status.Bucket) []string {
	out := make([]string, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, string(b))
	}
	return out
}
