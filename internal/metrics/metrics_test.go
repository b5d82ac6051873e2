package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMustNewCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := MustNewCollector(reg)
	require.NotNil(t, c)

	c.QueueStarted()
	c.TaskDispatched("agent-1")
	c.TaskDispatched("agent-1")
	c.TaskCompleted(250 * time.Millisecond)
	c.TaskFailed("network", time.Second)
	c.TaskRetried()
	c.QueueFinished()

	assert.Equal(t, float64(2), testutil.ToFloat64(c.dispatches.WithLabelValues("agent-1")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.failures.WithLabelValues("network")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.retries))
	assert.Equal(t, float64(0), testutil.ToFloat64(c.tasksActive))
	assert.Equal(t, float64(0), testutil.ToFloat64(c.queuesActive))
}

func TestMustNewCollectorReusesExisting(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := MustNewCollector(reg)
	second := MustNewCollector(reg)

	// Both values observe through the same underlying collectors.
	first.TaskRetried()
	second.TaskRetried()
	assert.Equal(t, float64(2), testutil.ToFloat64(second.retries))
}

func TestCollectorNilSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.QueueStarted()
		c.QueueFinished()
		c.TaskDispatched("a")
		c.TaskCompleted(time.Second)
		c.TaskFailed("timeout", time.Second)
		c.TaskRetried()
	})
}
