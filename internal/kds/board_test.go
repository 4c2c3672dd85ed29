package kds

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/tavola-pos/tavola/internal/apiclient"
	"github.com/tavola-pos/tavola/internal/events"
	"github.com/tavola-pos/tavola/internal/kitchen"
	"github.com/tavola-pos/tavola/internal/realtime"
	"github.com/tavola-pos/tavola/internal/status"
)

var epoch = time.Date(2024, 5, 1, 18, 0, 0, 0, time.UTC)

type fakeSource struct {
	mu       sync.Mutex
	tickets  map[uuid.UUID]kitchen.Ticket
	lists    map[status.Bucket]int
	failWith error
	onPatch  func()
}

func newFakeSource(list ...kitchen.Ticket) *fakeSource {
	f := &fakeSource{tickets: map[uuid.UUID]kitchen.Ticket{}, lists: map[status.Bucket]int{}}
	for _, t := range list {
		f.tickets[t.ItemID] = t
	}
	return f
}

func (f *fakeSource) ListTickets(_ context.Context, bucket status.Bucket, station string) (*kitchen.Board, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists[bucket]++
	out := []kitchen.Ticket{}
	for _, t := range f.tickets {
		if b, ok := status.BucketOf(t.Status); ok && b == bucket && (station == "" || t.Station == station) {
			out = append(out, t)
		}
	}
	return &kitchen.Board{Bucket: bucket, Station: station, Tickets: out}, nil
}

func (f *fakeSource) UpdateTicketStatus(_ context.Context, ids []uuid.UUID, target status.Status) (*kitchen.UpdateStatusResult, error) {
	f.mu.Lock()
	hook, fail := f.onPatch, f.failWith
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if fail != nil {
		return nil, fail
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		t := f.tickets[id]
		t.Status = target
		f.tickets[id] = t
	}
	return &kitchen.UpdateStatusResult{Status: target, Changed: len(ids)}, nil
}

func (f *fakeSource) set(id uuid.UUID, st status.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tickets[id]
	t.Status = st
	f.tickets[id] = t
}

func (f *fakeSource) listed(bucket status.Bucket) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists[bucket]
}

func ticket(name, station string, st status.Status, minute int) kitchen.Ticket {
	return kitchen.Ticket{
		ItemID:     uuid.New(),
		OrderID:    uuid.New(),
		BatchID:    uuid.New(),
		TableLabel: "T1",
		Name:       name,
		Station:    station,
		Quantity:   1,
		Status:     st,
		CreatedAt:  epoch.Add(time.Duration(minute) * time.Minute),
	}
}

func newBoard(t *testing.T, src *fakeSource, station string) *Board {
	t.Helper()
	b, err := NewBoard(context.Background(), Config{Source: src, Station: station, StaleTime: time.Minute})
	require.NoError(t, err)
	t.Cleanup(b.Close)
	b.Wait()
	return b
}

func names(list []kitchen.Ticket) []string {
	out := make([]string, len(list))
	for i, t := range list {
		out[i] = t.Name
	}
	return out
}

func drain(b *Board) []Notice {
	var out []Notice
	for {
		select {
		case n := <-b.Notices():
			out = append(out, n)
		default:
			return out
		}
	}
}

func TestNewBucketWaitsForSocketReady(t *testing.T) {
	src := newFakeSource(
		ticket("Soup", "hot", status.Pending, 1),
		ticket("Steak", "grill", status.Preparing, 2),
		ticket("Salad", "cold", status.Ready, 3),
	)
	b := newBoard(t, src, "")

	require.Equal(t, 1, src.listed(status.BucketPreparing))
	require.Equal(t, 1, src.listed(status.BucketReady))
	require.Zero(t, src.listed(status.BucketNew))
	require.Empty(t, b.Tickets(status.BucketNew))
	require.False(t, b.Ready())

	b.HandleFrame(realtime.Frame{Type: realtime.FrameReady})
	b.Wait()
	require.True(t, b.Ready())
	require.Equal(t, 1, src.listed(status.BucketNew))
	require.Equal(t, []string{"Soup"}, names(b.Tickets(status.BucketNew)))
	require.Equal(t, []string{"Steak"}, names(b.Tickets(status.BucketPreparing)))
}

func TestReconnectRefetchesEveryBucket(t *testing.T) {
	src := newFakeSource()
	b := newBoard(t, src, "")
	b.HandleFrame(realtime.Frame{Type: realtime.FrameReady})
	b.Wait()

	b.HandleFrame(realtime.Frame{Type: realtime.FrameReady})
	b.Wait()
	for _, bucket := range status.Buckets {
		require.Equal(t, 2, src.listed(bucket), bucket)
	}
}

func TestLoadFetchesEnabledBuckets(t *testing.T) {
	src := newFakeSource(ticket("Steak", "grill", status.Preparing, 1))
	b := newBoard(t, src, "")
	require.NoError(t, b.Load(context.Background()))
	require.Equal(t, 2, src.listed(status.BucketPreparing))
	require.Zero(t, src.listed(status.BucketNew))
}

func TestEventsMergeByItemID(t *testing.T) {
	soup := ticket("Soup", "hot", status.Confirmed, 1)
	fries := ticket("Fries", "fryer", status.Preparing, 2)
	src := newFakeSource(soup, fries)
	b := newBoard(t, src, "")
	b.HandleFrame(realtime.Frame{Type: realtime.FrameReady})
	b.Wait()

	evt := events.New(events.TypeTicketStatusChanged, events.SubjectKitchenTickets)
	evt.ItemIDs = []string{soup.ItemID.String()}
	evt.Status = string(status.Preparing)
	b.HandleEvent(evt)

	require.Empty(t, b.Tickets(status.BucketNew))
	require.Equal(t, []string{"Soup", "Fries"}, names(b.Tickets(status.BucketPreparing)))

	served := events.New(events.TypeTicketStatusChanged, events.SubjectKitchenTickets)
	served.ItemIDs = []string{fries.ItemID.String()}
	served.Status = string(status.Served)
	b.HandleEvent(served)
	require.Equal(t, []string{"Soup"}, names(b.Tickets(status.BucketPreparing)))

	removed := events.New(events.TypeOrderItemRemoved, events.SubjectOrderItems)
	removed.ItemIDs = []string{soup.ItemID.String()}
	b.HandleEvent(removed)
	require.Empty(t, b.Tickets(status.BucketPreparing))
}

func TestEventsInvalidateTheirBuckets(t *testing.T) {
	soup := ticket("Soup", "hot", status.Confirmed, 1)
	src := newFakeSource(soup)
	b := newBoard(t, src, "")
	b.HandleFrame(realtime.Frame{Type: realtime.FrameReady})
	b.Wait()

	src.set(soup.ItemID, status.Preparing)
	evt := events.New(events.TypeTicketStatusChanged, events.SubjectKitchenTickets)
	evt.ItemIDs = []string{soup.ItemID.String()}
	evt.Status = string(status.Preparing)
	evt.Buckets = []string{"NEW", "PREPARING"}
	b.HandleEvent(evt)
	b.Wait()

	require.Equal(t, 2, src.listed(status.BucketNew))
	require.Equal(t, 2, src.listed(status.BucketPreparing))
	require.Equal(t, 1, src.listed(status.BucketReady))
	require.Equal(t, []string{"Soup"}, names(b.Tickets(status.BucketPreparing)))
	require.Equal(t, status.Preparing, b.Tickets(status.BucketPreparing)[0].Status)

	b.HandleEvent(events.New(events.TypeKitchenResync, events.SubjectKitchenTickets))
	b.Wait()
	require.Equal(t, 2, src.listed(status.BucketReady))
}

func TestNewBatchNoticeOncePerBatch(t *testing.T) {
	b := newBoard(t, newFakeSource(), "")
	batch := uuid.NewString()

	created := events.New(events.TypeOrderCreated, events.SubjectOrderItems)
	created.BatchID = batch
	created.ItemIDs = []string{uuid.NewString(), uuid.NewString()}
	b.HandleEvent(created)

	replay := created
	replay.ID = uuid.NewString()
	replay.Type = events.TypeOrderItemsAdded
	b.HandleEvent(replay)

	notices := drain(b)
	require.Len(t, notices, 1)
	require.Equal(t, LevelInfo, notices[0].Level)
	require.Equal(t, batch, notices[0].BatchID)
	require.Equal(t, "New tickets: 2 item(s)", notices[0].Message)
}

func TestStationFilterSkipsOtherStations(t *testing.T) {
	b := newBoard(t, newFakeSource(), "grill")
	evt := events.New(events.TypeOrderCreated, events.SubjectOrderItems)
	evt.BatchID = uuid.NewString()
	evt.Stations = []string{"bar"}
	b.HandleEvent(evt)
	require.Empty(t, drain(b))

	overdue := events.New(events.TypeTicketOverdue, events.SubjectKitchenTickets)
	overdue.Stations = []string{"grill"}
	overdue.ItemIDs = []string{uuid.NewString()}
	b.HandleEvent(overdue)
	notices := drain(b)
	require.Len(t, notices, 1)
	require.Equal(t, LevelWarning, notices[0].Level)
}

func TestAdvanceIsOptimistic(t *testing.T) {
	steak := ticket("Steak", "grill", status.Preparing, 1)
	src := newFakeSource(steak)
	b := newBoard(t, src, "")

	var during []string
	src.onPatch = func() { during = names(b.Tickets(status.BucketReady)) }

	result, err := b.Advance(context.Background(), []uuid.UUID{steak.ItemID}, status.Ready)
	require.NoError(t, err)
	require.Equal(t, 1, result.Changed)
	require.Equal(t, []string{"Steak"}, during)

	b.Wait()
	require.Empty(t, b.Tickets(status.BucketPreparing))
	require.Equal(t, []string{"Steak"}, names(b.Tickets(status.BucketReady)))
	require.Empty(t, drain(b))
}

func TestAdvanceRollsBackAndNotifies(t *testing.T) {
	steak := ticket("Steak", "grill", status.Preparing, 1)
	src := newFakeSource(steak)
	src.failWith = &apiclient.APIError{Status: http.StatusConflict, Title: "Conflict", Detail: "kitchen: cannot move 1 item(s) to SERVED"}
	b := newBoard(t, src, "")

	var during []string
	src.onPatch = func() { during = names(b.Tickets(status.BucketPreparing)) }

	_, err := b.Advance(context.Background(), []uuid.UUID{steak.ItemID}, status.Served)
	require.Error(t, err)
	require.Empty(t, during)
	require.Equal(t, []string{"Steak"}, names(b.Tickets(status.BucketPreparing)))

	notices := drain(b)
	require.Len(t, notices, 1)
	require.Equal(t, LevelError, notices[0].Level)
	require.Equal(t, "kitchen: cannot move 1 item(s) to SERVED", notices[0].Message)

	b.Wait()
	require.Equal(t, []string{"Steak"}, names(b.Tickets(status.BucketPreparing)))
}

func TestAdvanceValidatesInput(t *testing.T) {
	b := newBoard(t, newFakeSource(), "")
	_, err := b.Advance(context.Background(), nil, status.Ready)
	require.ErrorIs(t, err, ErrNothingSelected)
	_, err = b.Advance(context.Background(), []uuid.UUID{uuid.New()}, status.Status("COOKED"))
	require.ErrorIs(t, err, ErrUnknownStatus)
}

func TestMessageForTransportErrors(t *testing.T) {
	require.Equal(t, "Could not reach the kitchen service", MessageFor(context.Canceled))
	require.Equal(t, "The kitchen service took too long to answer", MessageFor(context.DeadlineExceeded))
	require.Equal(t, "Not Found", MessageFor(&apiclient.APIError{Status: http.StatusNotFound}))
}

func TestSocketClientFeedsBoardAndResyncsOnReconnect(t *testing.T) {
	src := newFakeSource(ticket("Soup", "hot", status.Pending, 1))
	b := newBoard(t, src, "")

	hub := realtime.NewHub(realtime.HubConfig{})
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()
	defer hub.Close()

	client, err := NewSocketClient(SocketConfig{
		URL:        "ws" + strings.TrimPrefix(srv.URL, "http"),
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 20 * time.Millisecond,
	}, b)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	require.Eventually(t, func() bool { return b.Ready() && hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(b.Tickets(status.BucketNew)) == 1 }, 2*time.Second, 10*time.Millisecond)

	evt := events.New(events.TypeOrderItemsAdded, events.SubjectOrderItems)
	evt.BatchID = uuid.NewString()
	hub.Broadcast(evt)
	select {
	case n := <-b.Notices():
		require.Equal(t, evt.BatchID, n.BatchID)
	case <-time.After(2 * time.Second):
		t.Fatal("no notice for new batch")
	}

	before := src.listed(status.BucketReady)
	hub.Close()
	require.Eventually(t, func() bool { return src.listed(status.BucketReady) > before }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("socket client did not stop")
	}
}
