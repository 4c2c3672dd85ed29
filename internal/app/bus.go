package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tavola-pos/tavola/internal/events"
)

// OpenBus connects to the broker selected by EVENT_BROKER.
func OpenBus(ctx context.Context, cfg *Config, logger *slog.Logger) (events.Bus, error) {
	switch cfg.EventBroker {
	case BrokerNATS:
		bus, err := events.NewNATSBus(ctx, events.NATSConfig{URL: cfg.NATSURL, Logger: logger})
		if err != nil {
			return nil, err
		}
		return bus, nil
	case BrokerAMQP:
		bus, err := events.NewAMQPBus(cfg.AMQPURL, logger)
		if err != nil {
			return nil, err
		}
		return bus, nil
	case BrokerMemory:
		logger.Warn("in-process event bus: events do not leave this process")
		return events.NewMemoryBus(logger), nil
	default:
		return nil, fmt.Errorf("unsupported event broker %q", cfg.EventBroker)
	}
}
