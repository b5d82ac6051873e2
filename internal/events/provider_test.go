package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentq/agentq/internal/common/config"
	"github.com/agentq/agentq/internal/events/bus"
)

func TestProvideDefaultsToMemoryBus(t *testing.T) {
	b, cleanup, err := Provide(config.NATSConfig{}, testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cleanup() })

	_, ok := b.(*bus.MemoryEventBus)
	assert.True(t, ok, "no NATS URL should select the in-process bus")
	assert.True(t, b.IsConnected())
}

func TestProvideTreatsBlankURLAsDisabled(t *testing.T) {
	b, cleanup, err := Provide(config.NATSConfig{URL: "   "}, testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cleanup() })

	_, ok := b.(*bus.MemoryEventBus)
	assert.True(t, ok)
}
