package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentq/agentq/internal/recovery"
	"github.com/agentq/agentq/internal/store"
	v1 "github.com/agentq/agentq/pkg/api/v1"
)

func newTestManager(t *testing.T, st store.Store, agents AgentDirectory, inv TaskInvoker) *Manager {
	t.Helper()
	m := NewManager(st, agents, inv, nil, nil, testLogger(t), testConfig())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func waitInactive(t *testing.T, m *Manager, queueID string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if !m.IsActive(queueID) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("queue %s still active", queueID)
}

func TestManagerEnforcesSingleRunPerQueue(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(testLogger(t))
	t.Cleanup(func() { _ = st.Close() })
	agents := newFakeAgents("agent-1")
	inv := newFakeInvoker()
	inv.delay = 100 * time.Millisecond

	q := testQueue("m1", fastSettings(1), testTask("t1", "agent-1", v1.PriorityDefault, 0))
	require.NoError(t, st.SaveQueue(ctx, q))

	m := newTestManager(t, st, agents, inv)
	require.NoError(t, m.StartQueue(ctx, "m1"))
	assert.True(t, m.IsActive("m1"))
	assert.Equal(t, 1, m.ActiveCount())

	err := m.StartQueue(ctx, "m1")
	assert.ErrorIs(t, err, ErrQueueAlreadyRunning)

	waitInactive(t, m, "m1")

	// A finished queue can be started again; the run drains instantly since
	// every task is already terminal.
	require.NoError(t, m.StartQueue(ctx, "m1"))
	waitInactive(t, m, "m1")
}

func TestManagerStartPersistsRunningStatus(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(testLogger(t))
	t.Cleanup(func() { _ = st.Close() })
	agents := newFakeAgents("agent-1")
	inv := newFakeInvoker()
	inv.delay = 200 * time.Millisecond

	q := testQueue("m2", fastSettings(1), testTask("t1", "agent-1", v1.PriorityDefault, 0))
	require.NoError(t, st.SaveQueue(ctx, q))

	m := newTestManager(t, st, agents, inv)
	require.NoError(t, m.StartQueue(ctx, "m2"))

	// Visible before any scheduler tick.
	got, err := st.LoadQueue(ctx, "m2")
	require.NoError(t, err)
	assert.Equal(t, v1.QueueStatusRunning, got.Status)
	assert.Greater(t, got.StartedAt, int64(0))
}

func TestManagerStartQueueMissing(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(testLogger(t))
	t.Cleanup(func() { _ = st.Close() })

	m := newTestManager(t, st, newFakeAgents(), newFakeInvoker())
	err := m.StartQueue(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrQueueNotFound)
	assert.False(t, m.IsActive("nope"))
}

func TestManagerRoutesPauseAndResume(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(testLogger(t))
	t.Cleanup(func() { _ = st.Close() })
	agents := newFakeAgents("agent-1")
	inv := newFakeInvoker()
	inv.delay = 50 * time.Millisecond

	q := testQueue("m3", fastSettings(1),
		testTask("t1", "agent-1", v1.PriorityDefault, 0),
		testTask("t2", "agent-1", v1.PriorityDefault, 0),
	)
	require.NoError(t, st.SaveQueue(ctx, q))
	rec := recordEvents(t, st, "m3")

	m := newTestManager(t, st, agents, inv)

	assert.False(t, m.Pause("m3"), "pause with no live run")
	assert.False(t, m.Resume("m3"), "resume with no live run")

	require.NoError(t, m.StartQueue(ctx, "m3"))
	rec.waitFor(t, v1.EventTaskStarted)
	assert.True(t, m.Pause("m3"))
	rec.waitFor(t, v1.EventQueuePaused)

	assert.True(t, m.Resume("m3"))
	rec.waitFor(t, v1.EventQueueResumed)
	waitInactive(t, m, "m3")

	got, err := st.LoadQueue(ctx, "m3")
	require.NoError(t, err)
	assert.Equal(t, v1.QueueStatusCompleted, got.Status)
}

func TestManagerStopQueue(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(testLogger(t))
	t.Cleanup(func() { _ = st.Close() })
	agents := newFakeAgents("agent-1")
	inv := newFakeInvoker()
	inv.delay = 500 * time.Millisecond

	q := testQueue("m4", fastSettings(1),
		testTask("t1", "agent-1", v1.PriorityDefault, 0),
		testTask("t2", "agent-1", v1.PriorityDefault, 0),
	)
	require.NoError(t, st.SaveQueue(ctx, q))
	rec := recordEvents(t, st, "m4")

	m := newTestManager(t, st, agents, inv)

	assert.ErrorIs(t, m.StopQueue(ctx, "m4"), ErrQueueNotRunning)

	require.NoError(t, m.StartQueue(ctx, "m4"))
	rec.waitFor(t, v1.EventTaskStarted)
	require.NoError(t, m.StopQueue(ctx, "m4"))
	waitInactive(t, m, "m4")

	got, err := st.LoadQueue(ctx, "m4")
	require.NoError(t, err)
	assert.Equal(t, v1.QueueStatusFailed, got.Status)
}

func TestManagerNotifyTaskRetry(t *testing.T) {
	st := store.NewMemoryStore(testLogger(t))
	t.Cleanup(func() { _ = st.Close() })

	m := newTestManager(t, st, newFakeAgents(), newFakeInvoker())
	assert.False(t, m.NotifyTaskRetry("m5", "t1"), "no live run to notify")
}

func TestManagerResumesRecoveredQueue(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(testLogger(t))
	t.Cleanup(func() { _ = st.Close() })
	agents := newFakeAgents("agent-1")
	inv := newFakeInvoker()

	// The shape a crash leaves behind: a running queue with a task caught
	// mid-flight and its agent still marked busy.
	q := testQueue("m7", fastSettings(1),
		testTask("t1", "agent-1", v1.PriorityDefault, 0),
		testTask("t2", "agent-1", v1.PriorityDefault, 0),
	)
	q.Status = v1.QueueStatusRunning
	q.StartedAt = v1.NowMillis()
	q.Tasks[0].Status = v1.TaskStatusInProgress
	q.Tasks[0].StartedAt = v1.NowMillis()
	require.NoError(t, st.SaveQueue(ctx, q))
	require.NoError(t, st.MarkAgentBusy(ctx, "agent-1"))

	recovered, err := recovery.New(st, testLogger(t), 2).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, recovered)

	got, err := st.LoadQueue(ctx, "m7")
	require.NoError(t, err)
	require.Equal(t, v1.QueueStatusPaused, got.Status)
	require.Equal(t, v1.TaskStatusPending, got.Tasks[0].Status)

	// Resuming a recovered queue is a fresh start.
	m := newTestManager(t, st, agents, inv)
	require.NoError(t, m.StartQueue(ctx, "m7"))
	waitInactive(t, m, "m7")

	got, err = st.LoadQueue(ctx, "m7")
	require.NoError(t, err)
	assert.Equal(t, v1.QueueStatusCompleted, got.Status)
	for _, task := range got.Tasks {
		assert.Equal(t, v1.TaskStatusCompleted, task.Status)
	}
	assert.Equal(t, 1, inv.attemptsFor("t1"))
	assert.Equal(t, 1, inv.attemptsFor("t2"))

	busy, err := st.GetBusyAgents(ctx)
	require.NoError(t, err)
	assert.Empty(t, busy)
}

func TestManagerShutdownLeavesStateForRecovery(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(testLogger(t))
	t.Cleanup(func() { _ = st.Close() })
	agents := newFakeAgents("agent-1")
	inv := newFakeInvoker()
	inv.delay = 5 * time.Second // far longer than the shutdown wait

	q := testQueue("m6", fastSettings(1),
		testTask("t1", "agent-1", v1.PriorityDefault, 0),
		testTask("t2", "agent-1", v1.PriorityDefault, 0),
	)
	require.NoError(t, st.SaveQueue(ctx, q))
	rec := recordEvents(t, st, "m6")

	m := NewManager(st, agents, inv, nil, nil, testLogger(t), testConfig())
	require.NoError(t, m.StartQueue(ctx, "m6"))
	rec.waitFor(t, v1.EventTaskStarted)

	shutdownCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(shutdownCtx))
	assert.Zero(t, m.ActiveCount())

	// No terminal status was written: the queue still looks interrupted so
	// the next boot's recovery pass picks it up.
	got, err := st.LoadQueue(ctx, "m6")
	require.NoError(t, err)
	assert.Equal(t, v1.QueueStatusRunning, got.Status)
	assert.Zero(t, rec.count(v1.EventQueueCompleted))
	assert.Zero(t, rec.count(v1.EventQueueFailed))

	interrupted, err := st.LoadInterruptedQueues(ctx)
	require.NoError(t, err)
	require.Len(t, interrupted, 1)
	assert.Equal(t, "m6", interrupted[0].ID)
}
