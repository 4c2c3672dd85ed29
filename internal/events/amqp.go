package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPExchange is the topic exchange carrying every event.
const AMQPExchange = "tavola.events"

// AMQPBus publishes to a RabbitMQ topic exchange with publisher confirms.
// Each Subscribe call binds its own exclusive queue so every server instance
// receives every event.
type AMQPBus struct {
	conn    *amqp.Connection
	pubCh   *amqp.Channel
	publish publishFunc
	logger  *slog.Logger
}

// confirmation is the broker answer for one published message.
type confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

type publishFunc func(ctx context.Context, routingKey string, msg amqp.Publishing) (confirmation, error)

// deferredPublisher publishes on ch with a confirmation bound to the
// message's delivery tag.
func deferredPublisher(ch *amqp.Channel) publishFunc {
	return func(ctx context.Context, routingKey string, msg amqp.Publishing) (confirmation, error) {
		dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, AMQPExchange, routingKey, false, false, msg)
		if err != nil {
			return nil, err
		}
		if dc == nil {
			return nil, errors.New("events: channel not in confirm mode")
		}
		return dc, nil
	}
}

// NewAMQPBus dials url and declares the exchange.
func NewAMQPBus(url string, logger *slog.Logger) (*AMQPBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("events: dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("events: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(AMQPExchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("events: declare exchange: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("events: enable confirms: %w", err)
	}
	return &AMQPBus{conn: conn, pubCh: ch, publish: deferredPublisher(ch), logger: logger}, nil
}

// Publish sends evt and waits for the broker confirm of that message. A
// caller giving up early leaves no confirm behind for the next publish.
func (b *AMQPBus) Publish(ctx context.Context, evt Event) error {
	body, err := evt.Encode()
	if err != nil {
		return err
	}
	conf, err := b.publish(ctx, evt.Subject, amqp.Publishing{
		DeliveryMode: amqp.Transient,
		ContentType:  "application/json",
		MessageId:    evt.ID,
		Type:         evt.Type,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("events: publish %s: %w", evt.Type, err)
	}
	acked, err := conf.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		if b.pubCh != nil && b.pubCh.IsClosed() {
			return ErrClosed
		}
		return errors.New("events: publish nacked by broker")
	}
	return nil
}

// Subscribe declares an exclusive queue bound to every subject and consumes
// it until ctx is cancelled.
func (b *AMQPBus) Subscribe(ctx context.Context, handler Handler) error {
	if handler == nil {
		return errors.New("events: handler required")
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("events: open channel: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("events: declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "#", AMQPExchange, false, nil); err != nil {
		_ = ch.Close()
		return fmt.Errorf("events: bind queue: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("events: consume: %w", err)
	}

	go func() {
		defer func() { _ = ch.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				evt, err := Decode(d.Body)
				if err != nil {
					b.logger.Warn("drop undecodable event", slog.String("routing_key", d.RoutingKey), slog.Any("error", err))
					continue
				}
				if err := handler(ctx, evt); err != nil {
					b.logger.Warn("event handler failed", slog.String("event_type", evt.Type), slog.Any("error", err))
				}
			}
		}
	}()
	return nil
}

// Close releases the channel and connection.
func (b *AMQPBus) Close() error {
	if b.pubCh != nil {
		_ = b.pubCh.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
