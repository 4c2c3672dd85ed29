package kitchen

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/tavola-pos/tavola/internal/events"
	"github.com/tavola-pos/tavola/internal/platform/httpx"
	"github.com/tavola-pos/tavola/internal/shared"
	"github.com/tavola-pos/tavola/internal/status"
)

type memoryRepo struct {
	tickets map[uuid.UUID]Ticket
	touched map[uuid.UUID]int
	audits  []shared.AuditLog
	lists   int
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo(tickets ...Ticket) *memoryRepo {
	r := &memoryRepo{tickets: make(map[uuid.UUID]Ticket), touched: make(map[uuid.UUID]int)}
	for _, t := range tickets {
		r.tickets[t.ItemID] = t
	}
	return r
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	snapshot := make(map[uuid.UUID]Ticket, len(r.tickets))
	for k, v := range r.tickets {
		snapshot[k] = v
	}
	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		r.tickets = snapshot
		return err
	}
	return nil
}

func (r *memoryRepo) ListTickets(ctx context.Context, statuses []status.Status, station string) ([]Ticket, error) {
	r.lists++
	want := make(map[status.Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	out := []Ticket{}
	for _, t := range r.tickets {
		if want[t.Status] && (station == "" || t.Station == station) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *memoryRepo) ListOverdue(ctx context.Context, startedBefore time.Time) ([]Ticket, error) {
	var out []Ticket
	for _, t := range r.tickets {
		if t.Status == status.Preparing && t.StartedAt != nil && t.StartedAt.Before(startedBefore) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (tx *memoryTx) LockTickets(ctx context.Context, ids []uuid.UUID) ([]Ticket, error) {
	var out []Ticket
	for _, id := range ids {
		if t, ok := tx.repo.tickets[id]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (tx *memoryTx) SaveStatuses(ctx context.Context, tickets []Ticket) error {
	for _, t := range tickets {
		tx.repo.tickets[t.ItemID] = t
	}
	return nil
}

func (tx *memoryTx) TouchOrders(ctx context.Context, orderIDs []uuid.UUID, at time.Time) error {
	for _, id := range orderIDs {
		tx.repo.touched[id]++
	}
	return nil
}

func (tx *memoryTx) Audit(ctx context.Context, log shared.AuditLog) error {
	tx.repo.audits = append(tx.repo.audits, log)
	return nil
}

type recordingPublisher struct {
	events []events.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, evt events.Event) error {
	p.events = append(p.events, evt)
	return nil
}

type countingRecorder map[string]int

func (c countingRecorder) RecordTransitions(status string, n int) { c[status] += n }

var (
	orderA = uuid.MustParse("00000000-0000-0000-0000-0000000000a1")
	orderB = uuid.MustParse("00000000-0000-0000-0000-0000000000b1")
	batch1 = uuid.MustParse("00000000-0000-0000-0000-0000000000c1")
)

func ticket(order uuid.UUID, name, station string, st status.Status, age time.Duration) Ticket {
	created := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC).Add(-age)
	return Ticket{
		ItemID: uuid.New(), OrderID: order, TableLabel: "T1", BatchID: batch1,
		Name: name, Station: station, Quantity: 1, Status: st,
		CreatedAt: created, UpdatedAt: created,
	}
}

func newCachedService(t *testing.T, repo *memoryRepo) (*Service, *recordingPublisher, countingRecorder, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	pub := &recordingPublisher{}
	rec := countingRecorder{}
	svc := NewService(repo, ServiceConfig{
		Cache:     NewBoardCache(client, time.Minute),
		Publisher: pub,
		Metrics:   rec,
	})
	return svc, pub, rec, mr
}

func TestListTicketsByBucketOldestFirst(t *testing.T) {
	older := ticket(orderA, "Soup", "hot", status.Confirmed, 10*time.Minute)
	newer := ticket(orderA, "Salad", "cold", status.Pending, time.Minute)
	cooking := ticket(orderB, "Steak", "grill", status.Preparing, 5*time.Minute)
	repo := newMemoryRepo(older, newer, cooking)
	svc := NewService(repo, ServiceConfig{})

	board, err := svc.ListTickets(context.Background(), status.BucketNew, "")
	require.NoError(t, err)
	require.Len(t, board.Tickets, 2)
	require.Equal(t, older.ItemID, board.Tickets[0].ItemID)
	require.Equal(t, newer.ItemID, board.Tickets[1].ItemID)

	board, err = svc.ListTickets(context.Background(), status.BucketNew, "cold")
	require.NoError(t, err)
	require.Len(t, board.Tickets, 1)

	_, err = svc.ListTickets(context.Background(), status.Bucket("SERVED"), "")
	require.ErrorIs(t, err, ErrUnknownBucket)
}

func TestListTicketsServedFromVersionedCache(t *testing.T) {
	soup := ticket(orderA, "Soup", "hot", status.Pending, time.Minute)
	repo := newMemoryRepo(soup)
	svc, _, _, _ := newCachedService(t, repo)
	ctx := context.Background()

	_, err := svc.ListTickets(ctx, status.BucketNew, "")
	require.NoError(t, err)
	_, err = svc.ListTickets(ctx, status.BucketNew, "")
	require.NoError(t, err)
	require.Equal(t, 1, repo.lists)

	_, err = svc.UpdateStatus(ctx, UpdateStatusRequest{ItemIDs: []string{soup.ItemID.String()}, Status: "CONFIRMED"})
	require.NoError(t, err)

	board, err := svc.ListTickets(ctx, status.BucketNew, "")
	require.NoError(t, err)
	require.Equal(t, 2, repo.lists)
	require.Equal(t, status.Confirmed, board.Tickets[0].Status)
}

func TestUpdateStatusStampsAndPublishesPerOrder(t *testing.T) {
	a1 := ticket(orderA, "Soup", "hot", status.Confirmed, time.Minute)
	a2 := ticket(orderA, "Bread", "cold", status.Confirmed, time.Minute)
	b1 := ticket(orderB, "Steak", "grill", status.Confirmed, time.Minute)
	repo := newMemoryRepo(a1, a2, b1)
	svc, pub, rec, _ := newCachedService(t, repo)

	res, err := svc.UpdateStatus(context.Background(), UpdateStatusRequest{
		ItemIDs: []string{a1.ItemID.String(), a2.ItemID.String(), b1.ItemID.String(), a1.ItemID.String()},
		Status:  "preparing",
	})
	require.NoError(t, err)
	require.Equal(t, 3, res.Changed)
	require.Len(t, res.Tickets, 3)
	require.Equal(t, []string{"NEW", "PREPARING"}, res.Buckets)

	for _, tk := range repo.tickets {
		require.Equal(t, status.Preparing, tk.Status)
		require.NotNil(t, tk.StartedAt)
	}
	require.Equal(t, 1, repo.touched[orderA])
	require.Equal(t, 1, repo.touched[orderB])
	require.Equal(t, 3, rec["PREPARING"])

	require.Len(t, pub.events, 2)
	require.Equal(t, orderA.String(), pub.events[0].OrderID)
	require.Equal(t, events.TypeTicketStatusChanged, pub.events[0].Type)
	require.Equal(t, []string{"cold", "hot"}, pub.events[0].Stations)
	require.Equal(t, batch1.String(), pub.events[0].BatchID)
	require.Len(t, pub.events[0].ItemIDs, 2)
	require.Equal(t, orderB.String(), pub.events[1].OrderID)
}

func TestUpdateStatusIsAllOrNothing(t *testing.T) {
	ok := ticket(orderA, "Soup", "hot", status.Preparing, time.Minute)
	served := ticket(orderA, "Bread", "cold", status.Served, time.Minute)
	missing := uuid.New()
	repo := newMemoryRepo(ok, served)
	svc, pub, _, _ := newCachedService(t, repo)

	_, err := svc.UpdateStatus(context.Background(), UpdateStatusRequest{
		ItemIDs: []string{ok.ItemID.String(), served.ItemID.String(), missing.String()},
		Status:  "READY",
	})
	require.ErrorIs(t, err, httpx.ErrConflict)
	var terr *TransitionError
	require.True(t, errors.As(err, &terr))
	require.Len(t, terr.Rejected, 2)
	require.Equal(t, Rejection{ItemID: served.ItemID.String(), From: "SERVED", Reason: ReasonIllegalTransition}, terr.Rejected[0])
	require.Equal(t, ReasonNotFound, terr.Rejected[1].Reason)
	require.Contains(t, terr.ProblemExtensions(), "rejected")

	require.Equal(t, status.Preparing, repo.tickets[ok.ItemID].Status)
	require.Nil(t, repo.tickets[ok.ItemID].ReadyAt)
	require.Empty(t, pub.events)
}

func TestUpdateStatusSameStatusIsNoop(t *testing.T) {
	ready := ticket(orderA, "Soup", "hot", status.Ready, time.Minute)
	repo := newMemoryRepo(ready)
	svc, pub, _, _ := newCachedService(t, repo)

	res, err := svc.UpdateStatus(context.Background(), UpdateStatusRequest{ItemIDs: []string{ready.ItemID.String()}, Status: "READY"})
	require.NoError(t, err)
	require.Zero(t, res.Changed)
	require.Empty(t, pub.events)
	require.Empty(t, repo.audits)
}

func TestRecallClearsReadyStamp(t *testing.T) {
	ready := ticket(orderA, "Soup", "hot", status.Preparing, time.Minute)
	began := ready.CreatedAt.Add(30 * time.Second)
	ready.StartedAt = &began
	repo := newMemoryRepo(ready)
	svc := NewService(repo, ServiceConfig{})
	ctx := context.Background()
	ids := []string{ready.ItemID.String()}

	_, err := svc.UpdateStatus(ctx, UpdateStatusRequest{ItemIDs: ids, Status: "READY"})
	require.NoError(t, err)
	require.NotNil(t, repo.tickets[ready.ItemID].ReadyAt)
	started := repo.tickets[ready.ItemID].StartedAt

	_, err = svc.UpdateStatus(ctx, UpdateStatusRequest{ItemIDs: ids, Status: "PREPARING"})
	require.NoError(t, err)
	require.Nil(t, repo.tickets[ready.ItemID].ReadyAt)
	require.Equal(t, started, repo.tickets[ready.ItemID].StartedAt)
	require.True(t, began.Equal(*started))
}

func TestUpdateStatusValidation(t *testing.T) {
	svc := NewService(newMemoryRepo(), ServiceConfig{})
	ctx := context.Background()

	_, err := svc.UpdateStatus(ctx, UpdateStatusRequest{ItemIDs: []string{uuid.NewString()}, Status: "COOKING"})
	require.ErrorIs(t, err, ErrUnknownStatus)
	_, err = svc.UpdateStatus(ctx, UpdateStatusRequest{ItemIDs: []string{"nope"}, Status: "READY"})
	require.ErrorIs(t, err, ErrInvalidItemID)
	_, err = svc.UpdateStatus(ctx, UpdateStatusRequest{Status: "READY"})
	require.ErrorIs(t, err, ErrNoItems)
}

func TestOverdueAndResync(t *testing.T) {
	slow := ticket(orderA, "Roast", "oven", status.Preparing, time.Hour)
	started := time.Now().Add(-45 * time.Minute)
	slow.StartedAt = &started
	repo := newMemoryRepo(slow)
	svc, pub, _, mr := newCachedService(t, repo)
	ctx := context.Background()

	overdue, err := svc.Overdue(ctx, 20*time.Minute)
	require.NoError(t, err)
	require.Len(t, overdue, 1)

	_, err = svc.cache.Version(ctx)
	require.NoError(t, err)
	require.NoError(t, svc.Resync(ctx, "scheduled"))
	ver, err := mr.Get(boardVersionKey)
	require.NoError(t, err)
	require.Equal(t, "2", ver)
	require.Len(t, pub.events, 1)
	require.Equal(t, events.TypeKitchenResync, pub.events[0].Type)
	require.Equal(t, []string{"NEW", "PREPARING", "READY"}, pub.events[0].Buckets)
}
