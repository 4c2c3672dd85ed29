package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/tavola-pos/tavola/internal/events"
	jobmetrics "github.com/tavola-pos/tavola/internal/jobs"
	"github.com/tavola-pos/tavola/internal/kitchen"
	"github.com/tavola-pos/tavola/internal/shared"
	"github.com/tavola-pos/tavola/internal/status"
)

type staticOverdue struct {
	tickets []kitchen.Ticket
	after   time.Duration
}

func (s *staticOverdue) Overdue(_ context.Context, after time.Duration) ([]kitchen.Ticket, error) {
	s.after = after
	return s.tickets, nil
}

type capture struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *capture) Publish(_ context.Context, evt events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return nil
}

func overdueTicket(station string) kitchen.Ticket {
	started := time.Now().Add(-time.Hour)
	return kitchen.Ticket{ItemID: uuid.New(), OrderID: uuid.New(), Station: station, Status: status.Preparing, StartedAt: &started}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name, label, value string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestOverdueScanAnnouncesOncePerWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	claims := shared.NewBatchCache(client, time.Hour)

	grillA, grillB, bar := overdueTicket("grill"), overdueTicket("grill"), overdueTicket("bar")
	source := &staticOverdue{tickets: []kitchen.Ticket{grillA, bar, grillB}}
	pub := &capture{}
	reg := prometheus.NewRegistry()
	job := NewOverdueScanJob(source, claims, pub, 20*time.Minute, nil, jobmetrics.NewMetrics(reg))

	task, err := NewOverdueScanTask(0)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	require.Equal(t, 20*time.Minute, source.after)
	require.Len(t, pub.events, 2)
	require.Equal(t, []string{"bar"}, pub.events[0].Stations)
	require.Equal(t, []string{"grill"}, pub.events[1].Stations)
	require.Equal(t, events.TypeTicketOverdue, pub.events[1].Type)
	require.ElementsMatch(t, []string{grillA.ItemID.String(), grillB.ItemID.String()}, pub.events[1].ItemIDs)
	require.True(t, mr.Exists(shared.OverdueNoticeKey(bar.ItemID.String())))
	require.InDelta(t, 2, counterValue(t, reg, "tavola_kitchen_overdue_tickets_total", "station", "grill"), 0)

	require.NoError(t, job.Handle(context.Background(), task))
	require.Len(t, pub.events, 2)

	mr.FastForward(21 * time.Minute)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Len(t, pub.events, 4)
	require.InDelta(t, 3, counterValue(t, reg, "tavola_jobs_total", "status", "success"), 0)
}

type flakyPublisher struct {
	capture
	failures int
}

func (f *flakyPublisher) Publish(ctx context.Context, evt events.Event) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("broker down")
	}
	return f.capture.Publish(ctx, evt)
}

func TestOverdueScanRetriesAfterPublishFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	claims := shared.NewBatchCache(client, time.Hour)

	bar, grill := overdueTicket("bar"), overdueTicket("grill")
	pub := &flakyPublisher{failures: 1}
	job := NewOverdueScanJob(&staticOverdue{tickets: []kitchen.Ticket{bar, grill}}, claims, pub, 20*time.Minute, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	task, err := NewOverdueScanTask(0)
	require.NoError(t, err)

	require.EqualError(t, job.Handle(context.Background(), task), "broker down")
	require.Empty(t, pub.events)
	require.False(t, mr.Exists(shared.OverdueNoticeKey(bar.ItemID.String())))
	require.False(t, mr.Exists(shared.OverdueNoticeKey(grill.ItemID.String())))

	require.NoError(t, job.Handle(context.Background(), task))
	require.Len(t, pub.events, 2)
	require.Equal(t, []string{bar.ItemID.String()}, pub.events[0].ItemIDs)
	require.Equal(t, []string{grill.ItemID.String()}, pub.events[1].ItemIDs)
}

func TestOverdueScanPayloadOverridesThreshold(t *testing.T) {
	source := &staticOverdue{}
	job := NewOverdueScanJob(source, nil, &capture{}, 20*time.Minute, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	task, err := NewOverdueScanTask(5 * time.Minute)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, 5*time.Minute, source.after)

	err = job.Handle(context.Background(), asynq.NewTask(TaskKitchenOverdueScan, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

type resyncer struct {
	reasons []string
	err     error
}

func (r *resyncer) Resync(_ context.Context, reason string) error {
	r.reasons = append(r.reasons, reason)
	return r.err
}

func TestBoardResyncJob(t *testing.T) {
	boards := &resyncer{}
	reg := prometheus.NewRegistry()
	job := NewBoardResyncJob(boards, nil, jobmetrics.NewMetrics(reg))

	task, err := NewBoardResyncTask("")
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, []string{"scheduled"}, boards.reasons)

	boards.err = errors.New("redis down")
	require.Error(t, job.Handle(context.Background(), task))
	require.InDelta(t, 1, counterValue(t, reg, "tavola_jobs_failures_total", "job", TaskKitchenBoardResync), 0)
}

type cleaner struct{ olderThan time.Duration }

func (c *cleaner) Cleanup(_ context.Context, olderThan time.Duration) (int64, error) {
	c.olderThan = olderThan
	return 3, nil
}

func TestBatchKeyCleanupJob(t *testing.T) {
	keys := &cleaner{}
	job := NewBatchKeyCleanupJob(keys, 72*time.Hour, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))

	task, err := NewBatchKeyCleanupTask(0)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, 72*time.Hour, keys.olderThan)

	task, err = NewBatchKeyCleanupTask(24 * time.Hour)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, 24*time.Hour, keys.olderThan)
}

func TestTaskForAndSchedule(t *testing.T) {
	defaults := Defaults{OverdueAfter: 20 * time.Minute, BatchKeyRetention: 72 * time.Hour}
	for _, name := range []string{TaskKitchenOverdueScan, TaskKitchenBoardResync, TaskBatchKeyCleanup} {
		task, err := TaskFor(name, defaults)
		require.NoError(t, err)
		require.Equal(t, name, task.Type())
	}
	_, err := TaskFor("mail:send", defaults)
	require.Error(t, err)

	cron, err := Schedule(defaults)
	require.NoError(t, err)
	require.Len(t, cron, 3)
	var payload OverdueScanPayload
	require.NoError(t, json.Unmarshal(cron[0].Task.Payload(), &payload))
	require.Equal(t, 1200, payload.AfterSeconds)
}

type stubInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (s stubInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) { return s.info, s.err }

func TestHealthHandler(t *testing.T) {
	serve := func(inspector QueueInspector) *httptest.ResponseRecorder {
		r := chi.NewRouter()
		r.Route("/jobs", NewHandler(inspector, nil, nil).MountRoutes)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
		return rec
	}

	rec := serve(nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"queue":"default","pending":0,"active":0,"scheduled":0,"retry":0}`, rec.Body.String())

	rec = serve(stubInspector{info: &asynq.QueueInfo{Queue: "default", Pending: 4, Retry: 1}})
	require.Equal(t, http.StatusOK, rec.Code)
	var health QueueHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	require.Equal(t, 4, health.Pending)
	require.Equal(t, 1, health.Retry)

	rec = serve(stubInspector{err: errors.New("dial tcp")})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

type stubEnqueuer struct{ reasons []string }

func (s *stubEnqueuer) EnqueueBoardResync(_ context.Context, reason string) (*asynq.TaskInfo, error) {
	s.reasons = append(s.reasons, reason)
	return &asynq.TaskInfo{ID: "task-1", Queue: QueueDefault}, nil
}

func TestResyncEndpoint(t *testing.T) {
	enq := &stubEnqueuer{}
	r := chi.NewRouter()
	r.Route("/jobs", NewHandler(nil, enq, nil).MountRoutes)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jobs/resync", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.JSONEq(t, `{"task_id":"task-1","queue":"default"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jobs/resync", strings.NewReader(`{"reason":"db restore"}`)))
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, []string{"manual", "db restore"}, enq.reasons)

	r = chi.NewRouter()
	r.Route("/jobs", NewHandler(nil, nil, nil).MountRoutes)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jobs/resync", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
