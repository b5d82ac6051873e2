package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/agentq/agentq/pkg/api/v1"
)

func TestRedisStoreLayout(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(ctx, mr.Addr(), testLogger(t))
	require.NoError(t, err)
	defer s.Close()

	q := buildQueue("q1", 2)
	require.NoError(t, s.SaveQueue(ctx, q))
	require.NoError(t, s.MarkAgentBusy(ctx, "agent-1"))

	// The on-disk layout is part of the contract: other tooling reads it.
	assert.Equal(t, "idle", mr.HGet("queue:q1", "status"))
	assert.Equal(t, "queue q1", mr.HGet("queue:q1", "name"))
	assert.Equal(t, "", mr.HGet("queue:q1", "startedAt"), "absent timestamps stored as empty string")

	taskIDs, err := mr.List("queue:tasks:q1")
	require.NoError(t, err)
	assert.Equal(t, []string{"q1-t1", "q1-t2"}, taskIDs)

	pending, err := mr.List("queue:pending:q1")
	require.NoError(t, err)
	assert.Equal(t, []string{"q1-t1", "q1-t2"}, pending)

	assert.Equal(t, "pending", mr.HGet("task:q1-t1", "status"))
	assert.True(t, mr.Exists("busy_agents"))
	assert.True(t, mr.Exists("queues"))
}

func TestRedisStoreDurability(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	first, err := NewRedisStore(ctx, mr.Addr(), testLogger(t))
	require.NoError(t, err)
	q := buildQueue("q1", 2)
	require.NoError(t, first.SaveQueue(ctx, q))
	inProgress := v1.TaskStatusInProgress
	require.NoError(t, first.UpdateTask(ctx, "q1-t1", TaskUpdate{Status: &inProgress}))
	require.NoError(t, first.Close())

	// A second store instance over the same backend sees everything.
	second, err := NewRedisStore(ctx, mr.Addr(), testLogger(t))
	require.NoError(t, err)
	defer second.Close()

	got, err := second.LoadQueue(ctx, "q1")
	require.NoError(t, err)
	require.Len(t, got.Tasks, 2)
	assert.Equal(t, v1.TaskStatusInProgress, got.Tasks[0].Status)
}

func TestRedisStoreReapsStaleIndexEntries(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(ctx, mr.Addr(), testLogger(t))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.SaveQueue(ctx, buildQueue("ghost", 1)))
	require.NoError(t, s.SaveQueue(ctx, buildQueue("real", 1)))

	// Simulate a partially deleted queue: hash gone, index entry left behind.
	mr.Del("queue:ghost")

	summaries, err := s.ListQueues(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "real", summaries[0].ID)
}

func TestNewRedisStoreConnectErrors(t *testing.T) {
	ctx := context.Background()
	log := testLogger(t)

	_, err := NewRedisStore(ctx, "redis://%zz", log)
	assert.Error(t, err)

	// Nothing listens on this port; the ping must fail fast.
	_, err = NewRedisStore(ctx, "127.0.0.1:1", log)
	assert.Error(t, err)
}

func TestRedisStoreAvailable(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(ctx, mr.Addr(), testLogger(t))
	require.NoError(t, err)
	defer s.Close()

	assert.True(t, s.Available())
	mr.Close()
	assert.False(t, s.Available())
}
