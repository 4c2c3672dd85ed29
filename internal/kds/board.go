// Package kds keeps a kitchen display board in sync with the server.
//
// Each bucket is a cached REST query. Socket events are merged into the
// cached buckets for immediate feedback and then the affected buckets are
// refetched, so the REST response always has the last word.
package kds

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tavola-pos/tavola/internal/events"
	"github.com/tavola-pos/tavola/internal/kitchen"
	"github.com/tavola-pos/tavola/internal/querycache"
	"github.com/tavola-pos/tavola/internal/realtime"
	"github.com/tavola-pos/tavola/internal/status"
)

var (
	ErrNothingSelected = errors.New("kds: no tickets selected")
	ErrUnknownStatus   = errors.New("kds: unknown status")
)

// TicketSource is the part of the REST API the board uses.
type TicketSource interface {
	ListTickets(ctx context.Context, bucket status.Bucket, station string) (*kitchen.Board, error)
	UpdateTicketStatus(ctx context.Context, itemIDs []uuid.UUID, target status.Status) (*kitchen.UpdateStatusResult, error)
}

// Config configures a Board.
type Config struct {
	Source          TicketSource
	Station         string
	StaleTime       time.Duration
	RefetchInterval time.Duration
	FetchTimeout    time.Duration
	Logger          *slog.Logger
}

type tickets = []kitchen.Ticket

// Board is the client state of one kitchen display.
type Board struct {
	source  TicketSource
	station string
	cache   *querycache.Cache[tickets]
	logger  *slog.Logger
	notices chan Notice

	mu      sync.Mutex
	ready   bool
	batches *seenSet
}

// NewBoard registers the three bucket queries. PREPARING and READY fetch
// right away; NEW waits for the socket to report ready.
func NewBoard(ctx context.Context, cfg Config) (*Board, error) {
	if cfg.Source == nil {
		return nil, errors.New("kds: ticket source is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &Board{
		source:  cfg.Source,
		station: cfg.Station,
		logger:  logger.With(slog.String("component", "kds"), slog.String("station", cfg.Station)),
		notices: make(chan Notice, 64),
		batches: newSeenSet(1024),
	}
	b.cache = querycache.New[tickets](ctx,
		querycache.WithLogger(b.logger),
		querycache.WithFetchTimeout(cfg.FetchTimeout),
	)
	for _, bucket := range status.Buckets {
		q, err := b.cache.Register(string(bucket), b.fetcher(bucket), querycache.Options{
			StaleTime:       cfg.StaleTime,
			RefetchInterval: cfg.RefetchInterval,
			Enabled:         bucket != status.BucketNew,
		})
		if err != nil {
			b.cache.Close()
			return nil, err
		}
		q.Ensure()
	}
	return b, nil
}

func (b *Board) fetcher(bucket status.Bucket) querycache.Fetcher[tickets] {
	return func(ctx context.Context) (tickets, error) {
		board, err := b.source.ListTickets(ctx, bucket, b.station)
		if err != nil {
			return nil, err
		}
		out := append(tickets(nil), board.Tickets...)
		sortTickets(out)
		return out, nil
	}
}

// Load fetches every enabled bucket in parallel and returns the first error.
func (b *Board) Load(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, bucket := range status.Buckets {
		q := b.query(bucket)
		if !q.Enabled() {
			continue
		}
		g.Go(func() error {
			if _, err := q.Fetch(ctx); err != nil {
				return fmt.Errorf("kds: load %s: %w", bucket, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Tickets returns the cached tickets of bucket.
func (b *Board) Tickets(bucket status.Bucket) []kitchen.Ticket {
	q := b.query(bucket)
	if q == nil {
		return nil
	}
	return append([]kitchen.Ticket(nil), q.State().Data...)
}

// State returns the cache state of bucket.
func (b *Board) State(bucket status.Bucket) querycache.State[tickets] {
	return b.query(bucket).State()
}

// Ready reports whether the socket has reported ready at least once.
func (b *Board) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

// Notices delivers staff messages. Notices are dropped while the channel is full.
func (b *Board) Notices() <-chan Notice {
	return b.notices
}

// OnChange calls fn after every applied change of any bucket.
func (b *Board) OnChange(fn func(bucket status.Bucket, tickets []kitchen.Ticket)) func() {
	return b.cache.Subscribe(func(st querycache.State[tickets]) {
		fn(status.Bucket(st.Key), st.Data)
	})
}

// Wait blocks until background fetches have finished.
func (b *Board) Wait() {
	b.cache.Wait()
}

// Close stops polling.
func (b *Board) Close() {
	b.cache.Close()
}

// HandleFrame applies one socket frame.
func (b *Board) HandleFrame(f realtime.Frame) {
	switch f.Type {
	case realtime.FrameReady:
		b.socketReady()
	case realtime.FrameEvent:
		if f.Event != nil {
			b.HandleEvent(*f.Event)
		}
	}
}

// socketReady opens the NEW gate on the first ready frame. Later ready
// frames come from reconnects, after which nothing cached can be trusted.
func (b *Board) socketReady() {
	b.mu.Lock()
	first := !b.ready
	b.ready = true
	b.mu.Unlock()
	if first {
		b.query(status.BucketNew).SetEnabled(true)
		return
	}
	b.cache.InvalidateAll()
}

// HandleEvent merges evt into the cached buckets and refetches the buckets
// it names.
func (b *Board) HandleEvent(evt events.Event) {
	if !evt.MatchesStation(b.station) {
		return
	}
	switch evt.Type {
	case events.TypeKitchenResync:
		b.cache.InvalidateAll()
		return
	case events.TypeOrderCreated, events.TypeOrderItemsAdded:
		if evt.BatchID != "" && b.firstSight(evt.BatchID) {
			b.notify(Notice{
				Level:   LevelInfo,
				Message: fmt.Sprintf("New tickets: %d item(s)", len(evt.ItemIDs)),
				BatchID: evt.BatchID,
				ItemIDs: evt.ItemIDs,
			})
		}
	case events.TypeTicketOverdue:
		b.notify(Notice{
			Level:   LevelWarning,
			Message: fmt.Sprintf("%d ticket(s) waiting too long", len(evt.ItemIDs)),
			ItemIDs: evt.ItemIDs,
		})
	}

	b.merge(evt)
	for _, name := range evt.Buckets {
		bucket, err := status.ParseBucket(name)
		if err != nil {
			continue
		}
		b.query(bucket).Invalidate()
	}
}

func (b *Board) firstSight(batchID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.batches.add(batchID)
}

// merge moves the event's items to the bucket of its status. Items the
// board does not hold yet arrive with the refetch.
func (b *Board) merge(evt events.Event) {
	ids := parseIDs(evt.ItemIDs)
	if len(ids) == 0 {
		return
	}
	if evt.Type == events.TypeOrderItemRemoved && evt.Status == "" {
		b.move(ids, status.Cancelled)
		return
	}
	target, err := status.Parse(evt.Status)
	if err != nil {
		return
	}
	b.move(ids, target)
}

// Advance moves items to target: the board changes first, the PATCH
// follows, and a failed PATCH puts the board back and raises a notice.
// Both sides of the move are refetched either way.
func (b *Board) Advance(ctx context.Context, itemIDs []uuid.UUID, target status.Status) (*kitchen.UpdateStatusResult, error) {
	if len(itemIDs) == 0 {
		return nil, ErrNothingSelected
	}
	if !target.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStatus, target)
	}
	ids := make(map[uuid.UUID]bool, len(itemIDs))
	for _, id := range itemIDs {
		ids[id] = true
	}

	snaps, affected := b.move(ids, target)
	result, err := b.source.UpdateTicketStatus(ctx, itemIDs, target)
	if err != nil {
		for i := len(snaps) - 1; i >= 0; i-- {
			_ = b.cache.Restore(snaps[i])
		}
		b.logger.Warn("status update failed", slog.String("status", string(target)), slog.Any("error", err))
		b.notify(Notice{Level: LevelError, Message: MessageFor(err), ItemIDs: idStrings(itemIDs)})
	}

	if len(affected) == 0 {
		b.cache.InvalidateAll()
	} else {
		for _, bucket := range affected {
			b.query(bucket).Invalidate()
		}
	}
	return result, err
}

// move takes the items out of every bucket and, when target is displayed,
// puts them into its bucket with the new status. It returns the snapshots
// taken and the buckets touched.
func (b *Board) move(ids map[uuid.UUID]bool, target status.Status) ([]querycache.Snapshot[tickets], []status.Bucket) {
	now := time.Now().UTC()
	var moved []kitchen.Ticket
	taken := make(map[uuid.UUID]bool, len(ids))
	sources := make(map[status.Bucket]bool)
	for _, bucket := range status.Buckets {
		for _, t := range b.Tickets(bucket) {
			if !ids[t.ItemID] {
				continue
			}
			sources[bucket] = true
			if !taken[t.ItemID] {
				taken[t.ItemID] = true
				moved = append(moved, t)
			}
		}
	}
	dest, shown := status.BucketOf(target)

	var snaps []querycache.Snapshot[tickets]
	var affected []status.Bucket
	for _, bucket := range status.Buckets {
		isDest := shown && bucket == dest
		if !sources[bucket] && !isDest {
			continue
		}
		affected = append(affected, bucket)
		if len(moved) == 0 {
			continue
		}
		snap, err := b.cache.SetData(string(bucket), func(cur tickets) tickets {
			out := make(tickets, 0, len(cur)+len(moved))
			for _, t := range cur {
				if !ids[t.ItemID] {
					out = append(out, t)
				}
			}
			if isDest {
				for _, t := range moved {
					t.Status = target
					t.UpdatedAt = now
					out = append(out, t)
				}
				sortTickets(out)
			}
			return out
		})
		if err == nil {
			snaps = append(snaps, snap)
		}
	}
	if len(moved) == 0 {
		return nil, nil
	}
	return snaps, affected
}

func (b *Board) notify(n Notice) {
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}
	select {
	case b.notices <- n:
	default:
		b.logger.Warn("notice dropped", slog.String("message", n.Message))
	}
}

func (b *Board) query(bucket status.Bucket) *querycache.Query[tickets] {
	q, _ := b.cache.Query(string(bucket))
	return q
}

func sortTickets(list []kitchen.Ticket) {
	slices.SortStableFunc(list, func(a, b kitchen.Ticket) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ItemID.String(), b.ItemID.String())
	})
}

func parseIDs(raw []string) map[uuid.UUID]bool {
	out := make(map[uuid.UUID]bool, len(raw))
	for _, s := range raw {
		if id, err := uuid.Parse(s); err == nil {
			out[id] = true
		}
	}
	return out
}

func idStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
