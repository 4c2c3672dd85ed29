package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/tavola-pos/tavola/internal/events"
	"github.com/tavola-pos/tavola/internal/observability"
	"github.com/tavola-pos/tavola/internal/realtime"
	"github.com/tavola-pos/tavola/internal/shared"
	"github.com/tavola-pos/tavola/jobs"
)

func TestLoadConfigDefaultsAndValidation(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, BrokerNATS, cfg.EventBroker)
	require.Equal(t, 20*time.Minute, cfg.KitchenOverdueAfter)
	require.False(t, cfg.IsProduction())

	t.Setenv("EVENT_BROKER", "kafka")
	_, err = LoadConfig()
	require.ErrorContains(t, err, "kafka")

	t.Setenv("EVENT_BROKER", BrokerMemory)
	t.Setenv("KITCHEN_OVERDUE_AFTER", "0s")
	_, err = LoadConfig()
	require.Error(t, err)
}

func TestConfigConnectionOptions(t *testing.T) {
	cfg := &Config{RedisAddr: "redis:6379", RedisPassword: "secret", RedisDB: 3}
	require.Equal(t, "redis:6379", cfg.Redis().Redis().Addr)
	require.Equal(t, 3, cfg.Redis().DB)
	require.Equal(t, "secret", cfg.Queue().Password)
	require.Equal(t, 3, cfg.Queue().DB)
}

func TestLoadKDSConfig(t *testing.T) {
	t.Setenv("KDS_STATION", "grill")
	t.Setenv("KDS_STALE_TIME", "3s")
	cfg, err := LoadKDSConfig()
	require.NoError(t, err)
	require.Equal(t, "grill", cfg.Station)
	require.Equal(t, 3*time.Second, cfg.StaleTime)
	require.Equal(t, "kds", cfg.Actor)
}

func TestLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, "json").Info("hello")
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "hello", line["msg"])

	buf.Reset()
	newLogger(&buf, "pretty").Info("hello")
	require.Contains(t, buf.String(), "msg=hello")
}

func TestOpenMemoryBus(t *testing.T) {
	bus, err := OpenBus(context.Background(), &Config{EventBroker: BrokerMemory}, newLogger(&bytes.Buffer{}, "json"))
	require.NoError(t, err)
	require.IsType(t, &events.MemoryBus{}, bus)
	require.NoError(t, bus.Close())

	_, err = OpenBus(context.Background(), &Config{EventBroker: "kafka"}, nil)
	require.Error(t, err)
}

func TestRouterServesOperationalEndpoints(t *testing.T) {
	metrics := observability.NewMetrics()
	hub := realtime.NewHub(realtime.HubConfig{Metrics: metrics})
	defer hub.Close()
	router := NewRouter(RouterParams{
		Config:     &Config{RateLimitPerMin: 100},
		Hub:        hub,
		JobHandler: jobs.NewHandler(nil, nil, nil),
		Metrics:    metrics,
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "tavola_http_requests_total")

	// A plain GET is not a websocket handshake.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/kitchen", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestActorMiddlewareInAPIStack(t *testing.T) {
	var seen string
	r := chi.NewRouter()
	r.Use(shared.ActorMiddleware)
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		seen = shared.ActorFromContext(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(shared.ActorHeader, "cashier-2")
	r.ServeHTTP(httptest.NewRecorder(), req)
	require.Equal(t, "cashier-2", seen)
}

func TestRefreshTestMode(t *testing.T) {
	t.Setenv(testModeEnv, "true")
	RefreshTestMode()
	require.True(t, InTestMode())
	t.Setenv(testModeEnv, "1")
	RefreshTestMode()
	require.True(t, InTestMode())
	t.Setenv(testModeEnv, "yes")
	RefreshTestMode()
	require.False(t, InTestMode())
}
