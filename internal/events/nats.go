package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSConfig configures the JetStream backed bus.
type NATSConfig struct {
	URL        string
	StreamName string
	MaxAge     time.Duration
	Logger     *slog.Logger
}

// NATSBus publishes into a JetStream stream and fans out through ordered
// consumers, one per Subscribe call, starting at new messages.
type NATSBus struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
	logger *slog.Logger

	mu       sync.Mutex
	consumes []jetstream.ConsumeContext
}

// NewNATSBus connects and ensures the stream exists.
func NewNATSBus(ctx context.Context, cfg NATSConfig) (*NATSBus, error) {
	if cfg.StreamName == "" {
		cfg.StreamName = "TAVOLA_EVENTS"
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 24 * time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name("tavola"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("events: connect nats: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("events: jetstream context: %w", err)
	}
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.StreamName,
		Subjects: []string{"orders.>", "kitchen.>"},
		MaxAge:   cfg.MaxAge,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("events: create stream %s: %w", cfg.StreamName, err)
	}
	return &NATSBus{conn: conn, js: js, stream: stream, logger: logger}, nil
}

// Publish stores evt in the stream.
func (b *NATSBus) Publish(ctx context.Context, evt Event) error {
	data, err := evt.Encode()
	if err != nil {
		return err
	}
	if _, err := b.js.Publish(ctx, evt.Subject, data, jetstream.WithMsgID(evt.ID)); err != nil {
		return fmt.Errorf("events: publish %s: %w", evt.Type, err)
	}
	return nil
}

// Subscribe starts an ordered consumer delivering new events to handler.
func (b *NATSBus) Subscribe(ctx context.Context, handler Handler) error {
	if handler == nil {
		return errors.New("events: handler required")
	}
	consumer, err := b.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("events: ordered consumer: %w", err)
	}
	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		evt, err := Decode(msg.Data())
		if err != nil {
			b.logger.Warn("drop undecodable event", slog.String("subject", msg.Subject()), slog.Any("error", err))
			return
		}
		if err := handler(ctx, evt); err != nil {
			b.logger.Warn("event handler failed", slog.String("event_type", evt.Type), slog.Any("error", err))
		}
	})
	if err != nil {
		return fmt.Errorf("events: consume: %w", err)
	}

	b.mu.Lock()
	b.consumes = append(b.consumes, cc)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		cc.Stop()
	}()
	return nil
}

// Close stops consumers and drains the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	for _, cc := range b.consumes {
		cc.Stop()
	}
	b.consumes = nil
	b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	return b.conn.Drain()
}
