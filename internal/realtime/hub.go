// Package realtime pushes domain events to kitchen displays over websockets.
// Delivery is best effort: a display that misses a frame corrects itself on
// its next REST poll.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tavola-pos/tavola/internal/events"
	"github.com/tavola-pos/tavola/internal/status"
)

// Frame types.
const (
	FrameReady = "ready"
	FrameEvent = "event"
	FramePong  = "pong"
)

// Frame is the envelope written to sockets.
type Frame struct {
	Type    string        `json:"type"`
	At      time.Time     `json:"at"`
	Station string        `json:"station,omitempty"`
	Event   *events.Event `json:"event,omitempty"`
}

// Metrics receives hub gauges.
type Metrics interface {
	ClientConnected()
	ClientDisconnected()
	EventPushed(eventType string)
}

// HubConfig tunes socket keepalive.
type HubConfig struct {
	Logger       *slog.Logger
	Metrics      Metrics
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Hub tracks connected displays and fans events out to them.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*client]struct{}
	upgrader websocket.Upgrader
	logger   *slog.Logger
	metrics  Metrics
	ping     time.Duration
	read     time.Duration
	write    time.Duration
}

type client struct {
	conn    *websocket.Conn
	station string
	write   time.Duration
	mu      sync.Mutex
}

// NewHub builds a Hub. Zero durations take the defaults: ping every 25s,
// read deadline 70s, write deadline 7s.
func NewHub(cfg HubConfig) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger:  logger.With(slog.String("component", "realtime")),
		metrics: cfg.Metrics,
		ping:    cfg.PingInterval,
		read:    cfg.ReadTimeout,
		write:   cfg.WriteTimeout,
	}
	if h.ping <= 0 {
		h.ping = 25 * time.Second
	}
	if h.read <= 0 {
		h.read = 70 * time.Second
	}
	if h.write <= 0 {
		h.write = 7 * time.Second
	}
	return h
}

// Run subscribes to the bus and broadcasts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context, sub events.Subscriber) error {
	return sub.Subscribe(ctx, func(ctx context.Context, evt events.Event) error {
		h.Broadcast(evt)
		return nil
	})
}

// Broadcast writes evt to every client whose station it concerns. Clients
// whose write fails are dropped.
func (h *Hub) Broadcast(evt events.Event) {
	raw, err := json.Marshal(Frame{Type: FrameEvent, At: time.Now().UTC(), Event: &evt})
	if err != nil {
		h.logger.Error("marshal frame", slog.Any("error", err))
		return
	}
	for _, c := range h.list() {
		if !evt.MatchesStation(c.station) {
			continue
		}
		if err := c.writeText(raw); err != nil {
			h.logger.Debug("drop socket", slog.Any("error", err))
			h.remove(c)
			_ = c.close()
		}
	}
	if h.metrics != nil {
		h.metrics.EventPushed(evt.Type)
	}
}

// Clients returns the number of connected sockets.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	for _, c := range h.list() {
		h.remove(c)
		_ = c.close()
	}
}

// ServeWS upgrades the request and keeps the socket alive until either side
// goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{conn: conn, station: strings.TrimSpace(r.URL.Query().Get("station")), write: h.write}

	// ready goes out before the client can receive broadcasts
	if err := c.writeJSON(Frame{Type: FrameReady, At: time.Now().UTC(), Station: c.station}); err != nil {
		_ = c.close()
		return
	}
	h.add(c)
	defer func() {
		h.remove(c)
		_ = c.close()
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(h.read))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.read))
	})

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			h.handleMessage(c, raw)
		}
	}()

	ticker := time.NewTicker(h.ping)
	defer ticker.Stop()
	for {
		select {
		case <-readDone:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}

// handleMessage answers client requests. A sync asks for a resync event
// addressed to that socket only.
func (h *Hub) handleMessage(c *client, raw []byte) {
	if len(raw) == 0 {
		return
	}
	var msg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	switch strings.ToLower(strings.TrimSpace(msg.Type)) {
	case "sync", "refresh":
		evt := events.New(events.TypeKitchenResync, events.SubjectKitchenTickets)
		for _, b := range status.Buckets {
			evt.Buckets = append(evt.Buckets, string(b))
		}
		_ = c.writeJSON(Frame{Type: FrameEvent, At: time.Now().UTC(), Event: &evt})
	case "ping":
		_ = c.writeJSON(Frame{Type: FramePong, At: time.Now().UTC()})
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.ClientConnected()
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok && h.metrics != nil {
		h.metrics.ClientDisconnected()
	}
}

func (h *Hub) list() []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

func (c *client) writeText(raw []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.write))
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

func (c *client) writeJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.writeText(raw)
}

func (c *client) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline := time.Now().Add(c.write)
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteControl(websocket.PingMessage, []byte("ping"), deadline)
}

func (c *client) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}
