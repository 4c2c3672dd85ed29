package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/tavola-pos/tavola/internal/events"
)

type gaugeMetrics struct {
	mu      sync.Mutex
	clients int
	pushed  map[string]int
}

func (g *gaugeMetrics) ClientConnected()    { g.mu.Lock(); g.clients++; g.mu.Unlock() }
func (g *gaugeMetrics) ClientDisconnected() { g.mu.Lock(); g.clients--; g.mu.Unlock() }
func (g *gaugeMetrics) EventPushed(eventType string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pushed == nil {
		g.pushed = map[string]int{}
	}
	g.pushed[eventType]++
}

func startHub(t *testing.T, metrics Metrics) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(HubConfig{Metrics: metrics})
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/kitchen" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func waitClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.Clients() == n }, 2*time.Second, 10*time.Millisecond)
}

func TestHubSendsReadyThenEvents(t *testing.T) {
	metrics := &gaugeMetrics{}
	hub, srv := startHub(t, metrics)
	conn := dial(t, srv, "")

	ready := readFrame(t, conn)
	require.Equal(t, FrameReady, ready.Type)
	waitClients(t, hub, 1)

	evt := events.New(events.TypeOrderCreated, events.SubjectOrderItems)
	evt.Buckets = []string{"NEW"}
	hub.Broadcast(evt)

	got := readFrame(t, conn)
	require.Equal(t, FrameEvent, got.Type)
	require.NotNil(t, got.Event)
	require.Equal(t, evt.ID, got.Event.ID)
	require.Equal(t, []string{"NEW"}, got.Event.Buckets)

	metrics.mu.Lock()
	require.Equal(t, 1, metrics.clients)
	require.Equal(t, 1, metrics.pushed[events.TypeOrderCreated])
	metrics.mu.Unlock()
}

func TestHubReadyPrecedesBroadcasts(t *testing.T) {
	hub, srv := startHub(t, nil)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				hub.Broadcast(events.New(events.TypeOrderItemsAdded, events.SubjectOrderItems))
			}
		}
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	for i := 0; i < 10; i++ {
		conn := dial(t, srv, "")
		require.Equal(t, FrameReady, readFrame(t, conn).Type)
		require.Equal(t, FrameEvent, readFrame(t, conn).Type)
		_ = conn.Close()
	}
}

func TestHubFiltersByStation(t *testing.T) {
	hub, srv := startHub(t, nil)
	grill := dial(t, srv, "?station=grill")
	bar := dial(t, srv, "?station=bar")
	require.Equal(t, "grill", readFrame(t, grill).Station)
	readFrame(t, bar)
	waitClients(t, hub, 2)

	steak := events.New(events.TypeTicketStatusChanged, events.SubjectKitchenTickets)
	steak.Stations = []string{"grill"}
	hub.Broadcast(steak)
	everyone := events.New(events.TypeKitchenResync, events.SubjectKitchenTickets)
	hub.Broadcast(everyone)

	require.Equal(t, steak.ID, readFrame(t, grill).Event.ID)
	require.Equal(t, everyone.ID, readFrame(t, grill).Event.ID)
	require.Equal(t, everyone.ID, readFrame(t, bar).Event.ID)
}

func TestHubAnswersSyncWithResync(t *testing.T) {
	_, srv := startHub(t, nil)
	conn := dial(t, srv, "")
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "sync"}))
	f := readFrame(t, conn)
	require.Equal(t, FrameEvent, f.Type)
	require.Equal(t, events.TypeKitchenResync, f.Event.Type)
	require.Equal(t, []string{"NEW", "PREPARING", "READY"}, f.Event.Buckets)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	require.Equal(t, FramePong, readFrame(t, conn).Type)
}

func TestHubRunsOffTheBus(t *testing.T) {
	hub, srv := startHub(t, nil)
	bus := events.NewMemoryBus(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, hub.Run(ctx, bus))

	conn := dial(t, srv, "")
	readFrame(t, conn)
	waitClients(t, hub, 1)

	evt := events.New(events.TypeOrderCancelled, events.SubjectOrderItems)
	require.NoError(t, bus.Publish(ctx, evt))
	require.Equal(t, evt.ID, readFrame(t, conn).Event.ID)
}

func TestHubDropsClosedClients(t *testing.T) {
	metrics := &gaugeMetrics{}
	hub, srv := startHub(t, metrics)
	conn := dial(t, srv, "")
	readFrame(t, conn)
	waitClients(t, hub, 1)

	require.NoError(t, conn.Close())
	waitClients(t, hub, 0)
	metrics.mu.Lock()
	require.Equal(t, 0, metrics.clients)
	metrics.mu.Unlock()
}
