package store

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/agentq/agentq/internal/common/config"
	"github.com/agentq/agentq/internal/common/logger"
)

// Provide selects the configured store backend. An empty endpoint selects
// the in-memory store. An unreachable endpoint degrades to in-memory with a
// warning, unless the backend is marked required, which makes it a startup
// failure.
func Provide(ctx context.Context, cfg config.StoreConfig, log *logger.Logger) (Store, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		log.Info("no store endpoint configured, using in-memory queue store")
		return NewMemoryStore(log), nil
	}

	rs, err := NewRedisStore(ctx, endpoint, log)
	if err != nil {
		if cfg.Required {
			return nil, fmt.Errorf("queue store is required: %w", err)
		}
		log.Warn("queue store unreachable, degrading to in-memory store",
			zap.String("endpoint", endpoint),
			zap.Error(err))
		return NewMemoryStore(log), nil
	}
	return rs, nil
}
