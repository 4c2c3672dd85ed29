package kds

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tavola-pos/tavola/internal/realtime"
)

// FrameHandler consumes decoded socket frames.
type FrameHandler interface {
	HandleFrame(f realtime.Frame)
}

// SocketConfig configures a SocketClient.
type SocketConfig struct {
	URL        string
	Station    string
	Header     http.Header
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Logger     *slog.Logger
}

// SocketClient keeps a websocket to the push channel open, reconnecting with
// exponential backoff.
type SocketClient struct {
	url     string
	header  http.Header
	dialer  *websocket.Dialer
	handler FrameHandler
	min     time.Duration
	max     time.Duration
	logger  *slog.Logger
}

// NewSocketClient builds a client delivering frames to handler. Backoff
// defaults to 1s doubling up to 30s.
func NewSocketClient(cfg SocketConfig, handler FrameHandler) (*SocketClient, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.Station != "" {
		q := u.Query()
		q.Set("station", cfg.Station)
		u.RawQuery = q.Encode()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &SocketClient{
		url:     u.String(),
		header:  cfg.Header,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		handler: handler,
		min:     cfg.MinBackoff,
		max:     cfg.MaxBackoff,
		logger:  logger.With(slog.String("component", "kds.socket")),
	}
	if c.min <= 0 {
		c.min = time.Second
	}
	if c.max < c.min {
		c.max = 30 * time.Second
	}
	return c, nil
}

// Run connects and reads frames until ctx is cancelled.
func (c *SocketClient) Run(ctx context.Context) error {
	backoff := c.min
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)
		if err != nil {
			c.logger.Warn("connect failed", slog.Any("error", err), slog.Duration("retry_in", backoff))
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff = min(backoff*2, c.max)
			continue
		}
		c.logger.Info("connected", slog.String("url", c.url))
		backoff = c.min
		c.read(ctx, conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("disconnected", slog.Duration("retry_in", backoff))
		if !sleep(ctx, backoff) {
			return ctx.Err()
		}
	}
}

func (c *SocketClient) read(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		_ = conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f realtime.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.logger.Debug("skip malformed frame", slog.Any("error", err))
			continue
		}
		c.handler.HandleFrame(f)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
