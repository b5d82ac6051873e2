package events

import (
	"fmt"
	"strings"

	"github.com/agentq/agentq/internal/common/config"
	"github.com/agentq/agentq/internal/common/logger"
	"github.com/agentq/agentq/internal/events/bus"
)

// Provide builds the event bus the relay publishes to. A configured NATS URL
// selects the external bus; otherwise queue events stay on an in-process bus
// local to this instance. The returned cleanup releases the connection.
func Provide(cfg config.NATSConfig, log *logger.Logger) (bus.EventBus, func() error, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		memBus := bus.NewMemoryEventBus(log)
		return memBus, func() error { memBus.Close(); return nil }, nil
	}

	natsBus, err := bus.NewNATSEventBus(cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
	}
	return natsBus, func() error { natsBus.Close(); return nil }, nil
}
