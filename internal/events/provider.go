package events

import (
	"fmt"
	"strings"

	"github.com/apcdev/apc/internal/common/config"
	"github.com/apcdev/apc/internal/common/logger"
	"github.com/apcdev/apc/internal/events/bus"
)

// Provide builds the configured event bus implementation. An empty NATS URL
// selects the in-memory bus.
func Provide(cfg *config.Config, log *logger.Logger) (bus.Bus, func() error, error) {
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		natsBus, err := bus.NewNATSBus(bus.NATSConfig{
			URL:           cfg.NATS.URL,
			ClientID:      cfg.NATS.ClientID,
			MaxReconnects: cfg.NATS.MaxReconnects,
		}, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		return natsBus, func() error { natsBus.Close(); return nil }, nil
	}

	memBus := bus.NewMemoryBus(log)
	return memBus, func() error { memBus.Close(); return nil }, nil
}
