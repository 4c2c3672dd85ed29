package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrClosed is returned when publishing on a closed bus.
var ErrClosed = errors.New("events: bus closed")

// Handler consumes one event.
type Handler func(ctx context.Context, evt Event) error

// Publisher emits events.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Subscriber delivers every event published by any instance to handler until
// ctx is cancelled.
type Subscriber interface {
	Subscribe(ctx context.Context, handler Handler) error
}

// Bus is a broker connection.
type Bus interface {
	Publisher
	Subscriber
	Close() error
}

// PublishAll publishes events in order, stopping at the first error.
func PublishAll(ctx context.Context, pub Publisher, evts ...Event) error {
	if pub == nil {
		return nil
	}
	for _, evt := range evts {
		if err := pub.Publish(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

// MemoryBus delivers events in-process. It backs single node deployments and tests.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers map[int]Handler
	nextID   int
	closed   bool
	logger   *slog.Logger
}

// NewMemoryBus constructs an empty MemoryBus.
func NewMemoryBus(logger *slog.Logger) *MemoryBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBus{handlers: make(map[int]Handler), logger: logger}
}

// Publish delivers evt synchronously to every subscriber. Handler errors are logged.
func (b *MemoryBus) Publish(ctx context.Context, evt Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := h(ctx, evt); err != nil {
			b.logger.Warn("event handler failed", slog.String("event_type", evt.Type), slog.Any("error", err))
		}
	}
	return nil
}

// Subscribe registers handler until ctx is done.
func (b *MemoryBus) Subscribe(ctx context.Context, handler Handler) error {
	if handler == nil {
		return errors.New("events: handler required")
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	id := b.nextID
	b.nextID++
	b.handlers[id] = handler
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}()
	return nil
}

// Close stops delivery.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[int]Handler)
	return nil
}
