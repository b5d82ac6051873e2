package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentq/agentq/internal/common/logger"
	"github.com/agentq/agentq/internal/invoker"
	"github.com/agentq/agentq/internal/registry"
	"github.com/agentq/agentq/internal/store"
	v1 "github.com/agentq/agentq/pkg/api/v1"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

func testConfig() Config {
	return Config{
		TickInterval:  5 * time.Millisecond,
		MaxRetryDelay: time.Minute,
		DrainTimeout:  2 * time.Second,
	}
}

// fastSettings returns queue settings tuned for tests: short retry delays
// and a generous per-task timeout.
func fastSettings(concurrency int) v1.QueueSettings {
	return v1.QueueSettings{
		MaxConcurrency: concurrency,
		RetryCount:     3,
		RetryDelay:     20,
		TimeoutPerTask: 5000,
	}
}

type fakeAgents struct {
	agents map[string]registry.Agent
	creds  map[string]string
}

func newFakeAgents(ids ...string) *fakeAgents {
	f := &fakeAgents{agents: make(map[string]registry.Agent), creds: make(map[string]string)}
	for _, id := range ids {
		f.agents[id] = registry.Agent{
			ID:       id,
			Name:     id,
			Endpoint: "http://" + id + ".internal",
		}
	}
	return f
}

func (f *fakeAgents) Get(id string) (registry.Agent, bool) {
	a, ok := f.agents[id]
	return a, ok
}

func (f *fakeAgents) Credentials(id string) (string, error) {
	return f.creds[id], nil
}

// sleepOrAbort blocks for d unless the invocation context is cancelled first,
// mirroring how the real invoker surfaces an abort.
func sleepOrAbort(ctx context.Context, d time.Duration) *v1.TaskError {
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return &v1.TaskError{Type: v1.ErrorTypeAbort, Message: "invocation aborted", Retryable: false, OccurredAt: v1.NowMillis()}
	}
}

// fakeInvoker is a scripted TaskInvoker. The handler decides each attempt's
// outcome; a nil handler always succeeds.
type fakeInvoker struct {
	mu        sync.Mutex
	attempts  map[string]int
	order     []string
	active    int
	maxActive int
	delay     time.Duration
	handler   func(ctx context.Context, req invoker.Request, attempt int) (*v1.TaskResult, *v1.TaskError)
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{attempts: make(map[string]int)}
}

func (f *fakeInvoker) Invoke(ctx context.Context, req invoker.Request) (*v1.TaskResult, *v1.TaskError) {
	f.mu.Lock()
	f.attempts[req.RequestID]++
	attempt := f.attempts[req.RequestID]
	f.order = append(f.order, req.RequestID)
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	h := f.handler
	d := f.delay
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if taskErr := sleepOrAbort(ctx, d); taskErr != nil {
		return nil, taskErr
	}
	if h != nil {
		return h(ctx, req, attempt)
	}
	return &v1.TaskResult{
		Type:        v1.ResultTypeSuccess,
		Content:     "done: " + req.Message,
		SessionID:   "sess-" + req.RequestID,
		CompletedAt: v1.NowMillis(),
	}, nil
}

func (f *fakeInvoker) attemptsFor(taskID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[taskID]
}

func (f *fakeInvoker) dispatchOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

func (f *fakeInvoker) peakConcurrency() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive
}

// eventRecorder captures everything published on a queue's event channel.
type eventRecorder struct {
	mu     sync.Mutex
	events []*v1.QueueEvent
}

func recordEvents(t *testing.T, st store.Store, queueID string) *eventRecorder {
	t.Helper()
	rec := &eventRecorder{}
	unsub, err := st.SubscribeToQueue(context.Background(), queueID, rec.add)
	require.NoError(t, err)
	t.Cleanup(unsub)
	return rec
}

func (r *eventRecorder) add(ev *v1.QueueEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) count(tp v1.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == tp {
			n++
		}
	}
	return n
}

func (r *eventRecorder) first(tp v1.EventType) *v1.QueueEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Type == tp {
			return ev
		}
	}
	return nil
}

func (r *eventRecorder) all() []*v1.QueueEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*v1.QueueEvent(nil), r.events...)
}

// waitFor polls until an event of the given type shows up.
func (r *eventRecorder) waitFor(t *testing.T, tp v1.EventType) *v1.QueueEvent {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if ev := r.first(tp); ev != nil {
			return ev
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s event", tp)
	return nil
}

func testTask(id, agentID string, priority, maxRetries int) *v1.Task {
	return &v1.Task{
		ID:         id,
		AgentID:    agentID,
		Message:    "do " + id,
		Priority:   priority,
		MaxRetries: maxRetries,
		Status:     v1.TaskStatusPending,
	}
}

func testQueue(id string, settings v1.QueueSettings, tasks ...*v1.Task) *v1.Queue {
	now := v1.NowMillis()
	for i, task := range tasks {
		task.QueueID = id
		task.CreatedAt = now + int64(i)
	}
	q := &v1.Queue{
		ID:        id,
		Name:      "queue " + id,
		Status:    v1.QueueStatusIdle,
		Settings:  settings,
		Tasks:     tasks,
		CreatedAt: now,
	}
	q.Metrics = v1.ComputeMetrics(tasks)
	return q
}

func startScheduler(t *testing.T, st store.Store, agents AgentDirectory, inv TaskInvoker, queueID string) *Scheduler {
	t.Helper()
	sched := New(queueID, st, agents, inv, nil, testLogger(t), testConfig())
	go func() { _ = sched.Run(context.Background()) }()
	return sched
}

func waitDone(t *testing.T, sched *Scheduler) {
	t.Helper()
	select {
	case <-sched.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("scheduler did not finish in time")
	}
}

func TestSchedulerRunsAllTasksToCompletion(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(testLogger(t))
	t.Cleanup(func() { _ = st.Close() })
	agents := newFakeAgents("agent-1", "agent-2")
	inv := newFakeInvoker()
	inv.delay = 10 * time.Millisecond

	q := testQueue("q1", fastSettings(2),
		testTask("t1", "agent-1", v1.PriorityDefault, 3),
		testTask("t2", "agent-2", v1.PriorityDefault, 3),
		testTask("t3", "agent-1", v1.PriorityDefault, 3),
	)
	require.NoError(t, st.SaveQueue(ctx, q))
	rec := recordEvents(t, st, "q1")

	sched := startScheduler(t, st, agents, inv, "q1")
	waitDone(t, sched)
	rec.waitFor(t, v1.EventQueueCompleted)

	got, err := st.LoadQueue(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, v1.QueueStatusCompleted, got.Status)
	assert.Greater(t, got.StartedAt, int64(0))
	assert.GreaterOrEqual(t, got.CompletedAt, got.StartedAt)
	assert.Equal(t, 3, got.Metrics.TotalTasks)
	assert.Equal(t, 3, got.Metrics.CompletedTasks)
	assert.Zero(t, got.Metrics.FailedTasks)
	for _, task := range got.Tasks {
		assert.Equal(t, v1.TaskStatusCompleted, task.Status)
		require.NotNil(t, task.Result)
		assert.Equal(t, "done: do "+task.ID, task.Result.Content)
		assert.GreaterOrEqual(t, task.CompletedAt, task.StartedAt)
	}

	// Pending list is drained and no agent is left busy.
	next, err := st.PopNextTask(ctx, "q1")
	require.NoError(t, err)
	assert.Empty(t, next)
	busy, err := st.GetBusyAgents(ctx)
	require.NoError(t, err)
	assert.Empty(t, busy)

	events := rec.all()
	require.NotEmpty(t, events)
	assert.Equal(t, v1.EventQueueStarted, events[0].Type)
	last := events[len(events)-1]
	assert.Equal(t, v1.EventQueueCompleted, last.Type)
	require.NotNil(t, last.Metrics)
	assert.Equal(t, 3, last.Metrics.CompletedTasks)
	assert.Equal(t, 3, rec.count(v1.EventTaskStarted))
	assert.Equal(t, 3, rec.count(v1.EventTaskCompleted))
	assert.Zero(t, rec.count(v1.EventTaskFailed))
	assert.Zero(t, rec.count(v1.EventTaskRetrying))
	assert.Equal(t, 1, rec.count(v1.EventQueueCompleted))
	assert.Zero(t, rec.count(v1.EventQueueFailed))
}

func TestSchedulerRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(testLogger(t))
	t.Cleanup(func() { _ = st.Close() })
	agents := newFakeAgents("agent-1")
	inv := newFakeInvoker()
	inv.handler = func(ctx context.Context, req invoker.Request, attempt int) (*v1.TaskResult, *v1.TaskError) {
		if attempt == 1 {
			return nil, &v1.TaskError{Type: v1.ErrorTypeNetwork, Message: "connection reset", Retryable: true, OccurredAt: v1.NowMillis()}
		}
		return &v1.TaskResult{Type: v1.ResultTypeSuccess, Content: "recovered", CompletedAt: v1.NowMillis()}, nil
	}

	q := testQueue("q2", fastSettings(1), testTask("t1", "agent-1", v1.PriorityDefault, 2))
	require.NoError(t, st.SaveQueue(ctx, q))
	rec := recordEvents(t, st, "q2")

	sched := startScheduler(t, st, agents, inv, "q2")
	waitDone(t, sched)
	rec.waitFor(t, v1.EventQueueCompleted)

	assert.Equal(t, 2, inv.attemptsFor("t1"))

	task, err := st.LoadTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusCompleted, task.Status)
	assert.Equal(t, 1, task.RetryCount)
	require.NotNil(t, task.Result)
	assert.Equal(t, "recovered", task.Result.Content)
	assert.Nil(t, task.Error)

	retrying := rec.waitFor(t, v1.EventTaskRetrying)
	assert.Equal(t, 1, retrying.Attempt)
	assert.Equal(t, 2, retrying.MaxRetries)
	assert.Equal(t, 1, rec.count(v1.EventTaskRetrying))
	assert.Equal(t, 2, rec.count(v1.EventTaskStarted))
	assert.Equal(t, 1, rec.count(v1.EventTaskCompleted))

	got, err := st.LoadQueue(ctx, "q2")
	require.NoError(t, err)
	assert.Equal(t, v1.QueueStatusCompleted, got.Status)
}

func TestSchedulerStopsRetryingAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(testLogger(t))
	t.Cleanup(func() { _ = st.Close() })
	agents := newFakeAgents("agent-1")
	inv := newFakeInvoker()
	inv.handler = func(ctx context.Context, req invoker.Request, attempt int) (*v1.TaskResult, *v1.TaskError) {
		return nil, &v1.TaskError{Type: v1.ErrorTypeNetwork, Message: "still down", Retryable: true, OccurredAt: v1.NowMillis()}
	}

	q := testQueue("q3", fastSettings(1), testTask("t1", "agent-1", v1.PriorityDefault, 1))
	require.NoError(t, st.SaveQueue(ctx, q))
	rec := recordEvents(t, st, "q3")

	sched := startScheduler(t, st, agents, inv, "q3")
	waitDone(t, sched)
	rec.waitFor(t, v1.EventQueueFailed)

	// Initial attempt plus exactly one retry.
	assert.Equal(t, 2, inv.attemptsFor("t1"))

	task, err := st.LoadTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusFailed, task.Status)
	assert.Equal(t, 1, task.RetryCount)
	require.NotNil(t, task.Error)
	assert.Equal(t, v1.ErrorTypeNetwork, task.Error.Type)
	assert.Greater(t, task.CompletedAt, int64(0))

	assert.Equal(t, 1, rec.count(v1.EventTaskRetrying))
	assert.Equal(t, 1, rec.count(v1.EventTaskFailed))

	got, err := st.LoadQueue(ctx, "q3")
	require.NoError(t, err)
	assert.Equal(t, v1.QueueStatusFailed, got.Status)
	failed := rec.first(v1.EventQueueFailed)
	require.NotNil(t, failed)
	require.NotNil(t, failed.Error)
	assert.Contains(t, failed.Error.Message, "1 of 1 tasks failed")
}

func TestSchedulerDoesNotRetryPermanentFailures(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(testLogger(t))
	t.Cleanup(func() { _ = st.Close() })
	agents := newFakeAgents("agent-1")
	inv := newFakeInvoker()
	inv.handler = func(ctx context.Context, req invoker.Request, attempt int) (*v1.TaskResult, *v1.TaskError) {
		return nil, &v1.TaskError{Type: v1.ErrorTypeExecution, Message: "unauthorized", Retryable: false, OccurredAt: v1.NowMillis()}
	}

	q := testQueue("q4", fastSettings(1), testTask("t1", "agent-1", v1.PriorityDefault, 3))
	require.NoError(t, st.SaveQueue(ctx, q))
	rec := recordEvents(t, st, "q4")

	sched := startScheduler(t, st, agents, inv, "q4")
	waitDone(t, sched)
	rec.waitFor(t, v1.EventQueueFailed)

	assert.Equal(t, 1, inv.attemptsFor("t1"))
	task, err := st.LoadTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusFailed, task.Status)
	assert.Zero(t, task.RetryCount)
	assert.Zero(t, rec.count(v1.EventTaskRetrying))
	assert.Equal(t, 1, rec.count(v1.EventTaskFailed))
}

func TestSchedulerHonorsConcurrencyCap(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(testLogger(t))
	t.Cleanup(func() { _ = st.Close() })
	agents := newFakeAgents("agent-1")
	inv := newFakeInvoker()
	inv.delay = 30 * time.Millisecond

	tasks := make([]*v1.Task, 0, 8)
	for i := 1; i <= 8; i++ {
		tasks = append(tasks, testTask(string(rune('a'+i-1))+"-task", "agent-1", v1.PriorityDefault, 0))
	}
	q := testQueue("q5", fastSettings(3), tasks...)
	require.NoError(t, st.SaveQueue(ctx, q))

	sched := startScheduler(t, st, agents, inv, "q5")
	waitDone(t, sched)

	assert.LessOrEqual(t, inv.peakConcurrency(), 3)
	got, err := st.LoadQueue(ctx, "q5")
	require.NoError(t, err)
	assert.Equal(t, v1.QueueStatusCompleted, got.Status)
	assert.Equal(t, 8, got.Metrics.CompletedTasks)
}

func TestSchedulerDispatchesByPriority(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(testLogger(t))
	t.Cleanup(func() { _ = st.Close() })
	agents := newFakeAgents("agent-1")
	inv := newFakeInvoker()
	inv.delay = 5 * time.Millisecond

	q := testQueue("q6", fastSettings(1),
		testTask("t1", "agent-1", 5, 0),
		testTask("t2", "agent-1", 1, 0),
		testTask("t3", "agent-1", 5, 0),
		testTask("t4", "agent-1", 2, 0),
	)
	require.NoError(t, st.SaveQueue(ctx, q))

	sched := startScheduler(t, st, agents, inv, "q6")
	waitDone(t, sched)

	// Lower priority value first; creation order breaks ties.
	assert.Equal(t, []string{"t2", "t4", "t1", "t3"}, inv.dispatchOrder())
}

func TestSchedulerPauseHoldsDispatch(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(testLogger(t))
	t.Cleanup(func() { _ = st.Close() })
	agents := newFakeAgents("agent-1")
	inv := newFakeInvoker()
	inv.delay = 60 * time.Millisecond

	q := testQueue("q7", fastSettings(1),
		testTask("t1", "agent-1", v1.PriorityDefault, 0),
		testTask("t2", "agent-1", v1.PriorityDefault, 0),
		testTask("t3", "agent-1", v1.PriorityDefault, 0),
	)
	require.NoError(t, st.SaveQueue(ctx, q))
	rec := recordEvents(t, st, "q7")

	sched := startScheduler(t, st, agents, inv, "q7")
	rec.waitFor(t, v1.EventTaskStarted)
	sched.Pause()

	// The in-flight task finishes, nothing new dispatches.
	rec.waitFor(t, v1.EventTaskCompleted)
	rec.waitFor(t, v1.EventQueuePaused)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, rec.count(v1.EventTaskStarted))
	assert.Equal(t, 1, rec.count(v1.EventTaskCompleted))

	got, err := st.LoadQueue(ctx, "q7")
	require.NoError(t, err)
	assert.Equal(t, v1.QueueStatusPaused, got.Status)

	sched.Resume()
	waitDone(t, sched)
	rec.waitFor(t, v1.EventQueueCompleted)

	assert.Equal(t, 1, rec.count(v1.EventQueuePaused))
	assert.Equal(t, 1, rec.count(v1.EventQueueResumed))
	assert.Equal(t, 3, rec.count(v1.EventTaskStarted))
	got, err = st.LoadQueue(ctx, "q7")
	require.NoError(t, err)
	assert.Equal(t, v1.QueueStatusCompleted, got.Status)
	assert.Equal(t, 3, got.Metrics.CompletedTasks)
}

func TestSchedulerStopAbortsRun(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(testLogger(t))
	t.Cleanup(func() { _ = st.Close() })
	agents := newFakeAgents("agent-1")
	inv := newFakeInvoker()
	inv.delay = 500 * time.Millisecond

	q := testQueue("q8", fastSettings(1),
		testTask("t1", "agent-1", v1.PriorityDefault, 3),
		testTask("t2", "agent-1", v1.PriorityDefault, 3),
		testTask("t3", "agent-1", v1.PriorityDefault, 3),
	)
	require.NoError(t, st.SaveQueue(ctx, q))
	rec := recordEvents(t, st, "q8")

	sched := startScheduler(t, st, agents, inv, "q8")
	rec.waitFor(t, v1.EventTaskStarted)
	sched.Stop()
	waitDone(t, sched)
	rec.waitFor(t, v1.EventQueueFailed)

	got, err := st.LoadQueue(ctx, "q8")
	require.NoError(t, err)
	assert.Equal(t, v1.QueueStatusFailed, got.Status)

	failed := rec.first(v1.EventQueueFailed)
	require.NotNil(t, failed)
	require.NotNil(t, failed.Error)
	assert.Equal(t, "Queue was stopped", failed.Error.Message)

	// The in-flight task surfaces an abort, the rest are cancelled unstarted.
	t1, err := st.LoadTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusFailed, t1.Status)
	require.NotNil(t, t1.Error)
	assert.Equal(t, v1.ErrorTypeAbort, t1.Error.Type)

	for _, id := range []string{"t2", "t3"} {
		task, err := st.LoadTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, v1.TaskStatusCancelled, task.Status, "task %s", id)
		assert.Greater(t, task.CompletedAt, int64(0))
	}
	assert.Equal(t, 1, rec.count(v1.EventTaskStarted))
	assert.Equal(t, 1, rec.count(v1.EventTaskFailed))

	busy, err := st.GetBusyAgents(ctx)
	require.NoError(t, err)
	assert.Empty(t, busy)

	// Terminal queue event comes after the aborted task's terminal event.
	events := rec.all()
	assert.Equal(t, v1.EventQueueFailed, events[len(events)-1].Type)
}

func TestSchedulerStopDuringRetryWait(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(testLogger(t))
	t.Cleanup(func() { _ = st.Close() })
	agents := newFakeAgents("agent-1")
	inv := newFakeInvoker()
	inv.handler = func(ctx context.Context, req invoker.Request, attempt int) (*v1.TaskResult, *v1.TaskError) {
		return nil, &v1.TaskError{Type: v1.ErrorTypeNetwork, Message: "flaky", Retryable: true, OccurredAt: v1.NowMillis()}
	}

	settings := fastSettings(1)
	settings.RetryDelay = 5000 // park the task on its backoff timer
	q := testQueue("q9", settings, testTask("t1", "agent-1", v1.PriorityDefault, 3))
	require.NoError(t, st.SaveQueue(ctx, q))
	rec := recordEvents(t, st, "q9")

	sched := startScheduler(t, st, agents, inv, "q9")
	rec.waitFor(t, v1.EventTaskRetrying)
	sched.Stop()
	waitDone(t, sched)

	// No second attempt: the retry wait was cancelled, not requeued.
	assert.Equal(t, 1, inv.attemptsFor("t1"))

	task, err := st.LoadTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusFailed, task.Status)
	require.NotNil(t, task.Error)
	assert.Equal(t, v1.ErrorTypeAbort, task.Error.Type)

	got, err := st.LoadQueue(ctx, "q9")
	require.NoError(t, err)
	assert.Equal(t, v1.QueueStatusFailed, got.Status)
}

func TestSchedulerFailsTaskForUnknownAgent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(testLogger(t))
	t.Cleanup(func() { _ = st.Close() })
	agents := newFakeAgents("agent-1")
	inv := newFakeInvoker()

	q := testQueue("q10", fastSettings(2),
		testTask("t1", "agent-1", v1.PriorityDefault, 3),
		testTask("t2", "ghost", v1.PriorityDefault, 3),
	)
	require.NoError(t, st.SaveQueue(ctx, q))
	rec := recordEvents(t, st, "q10")

	sched := startScheduler(t, st, agents, inv, "q10")
	waitDone(t, sched)
	rec.waitFor(t, v1.EventQueueFailed)

	assert.Zero(t, inv.attemptsFor("t2"))
	t2, err := st.LoadTask(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusFailed, t2.Status)
	require.NotNil(t, t2.Error)
	assert.Equal(t, v1.ErrorTypeExecution, t2.Error.Type)
	assert.Contains(t, t2.Error.Message, "not found")

	t1, err := st.LoadTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusCompleted, t1.Status)

	got, err := st.LoadQueue(ctx, "q10")
	require.NoError(t, err)
	assert.Equal(t, v1.QueueStatusFailed, got.Status)
	failed := rec.first(v1.EventQueueFailed)
	require.NotNil(t, failed)
	assert.Contains(t, failed.Error.Message, "1 of 2 tasks failed")
}

func TestSchedulerExternalRetryWhileRunning(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(testLogger(t))
	t.Cleanup(func() { _ = st.Close() })
	agents := newFakeAgents("agent-1")
	inv := newFakeInvoker()
	inv.handler = func(ctx context.Context, req invoker.Request, attempt int) (*v1.TaskResult, *v1.TaskError) {
		if req.RequestID == "slow" {
			if taskErr := sleepOrAbort(ctx, 500*time.Millisecond); taskErr != nil {
				return nil, taskErr
			}
			return &v1.TaskResult{Type: v1.ResultTypeSuccess, Content: "slow done", CompletedAt: v1.NowMillis()}, nil
		}
		if attempt == 1 {
			return nil, &v1.TaskError{Type: v1.ErrorTypeExecution, Message: "bad input", Retryable: false, OccurredAt: v1.NowMillis()}
		}
		return &v1.TaskResult{Type: v1.ResultTypeSuccess, Content: "second time lucky", CompletedAt: v1.NowMillis()}, nil
	}

	q := testQueue("q11", fastSettings(1),
		testTask("flaky", "agent-1", 1, 0),
		testTask("slow", "agent-1", 5, 0),
	)
	require.NoError(t, st.SaveQueue(ctx, q))
	rec := recordEvents(t, st, "q11")

	sched := startScheduler(t, st, agents, inv, "q11")

	// The flaky task fails permanently first; reset it the way the retry
	// endpoint does while the slow task keeps the run alive.
	rec.waitFor(t, v1.EventTaskFailed)
	pending := v1.TaskStatusPending
	zero := int64(0)
	rc := 0
	require.NoError(t, st.UpdateTask(ctx, "flaky", store.TaskUpdate{
		Status: &pending, RetryCount: &rc, StartedAt: &zero, CompletedAt: &zero,
		ClearResult: true, ClearError: true,
	}))
	require.NoError(t, st.RequeueTask(ctx, "q11", "flaky"))
	sched.NotifyTaskRetry("flaky")

	waitDone(t, sched)

	assert.Equal(t, 2, inv.attemptsFor("flaky"))
	flaky, err := st.LoadTask(ctx, "flaky")
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusCompleted, flaky.Status)
	require.NotNil(t, flaky.Result)
	assert.Equal(t, "second time lucky", flaky.Result.Content)

	got, err := st.LoadQueue(ctx, "q11")
	require.NoError(t, err)
	assert.Equal(t, v1.QueueStatusCompleted, got.Status)
	assert.Equal(t, 2, got.Metrics.CompletedTasks)
	assert.Zero(t, got.Metrics.FailedTasks)
}

func TestSchedulerMarksAgentsBusyWhileDispatched(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(testLogger(t))
	t.Cleanup(func() { _ = st.Close() })
	agents := newFakeAgents("agent-1")
	inv := newFakeInvoker()
	inv.delay = 150 * time.Millisecond

	q := testQueue("q12", fastSettings(1), testTask("t1", "agent-1", v1.PriorityDefault, 0))
	require.NoError(t, st.SaveQueue(ctx, q))
	rec := recordEvents(t, st, "q12")

	sched := startScheduler(t, st, agents, inv, "q12")
	rec.waitFor(t, v1.EventTaskStarted)

	busy, err := st.GetBusyAgents(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-1"}, busy)

	waitDone(t, sched)
	busy, err = st.GetBusyAgents(ctx)
	require.NoError(t, err)
	assert.Empty(t, busy)
}

// loadFailStore simulates a store whose read path is down while writes and
// pub/sub still work.
type loadFailStore struct {
	store.Store
	loadErr error
}

func (f *loadFailStore) LoadQueue(ctx context.Context, queueID string) (*v1.Queue, error) {
	return nil, f.loadErr
}

func TestSchedulerFailsQueueWhenLoadFails(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore(testLogger(t))
	t.Cleanup(func() { _ = mem.Close() })

	q := testQueue("q13", fastSettings(1), testTask("t1", "agent-1", v1.PriorityDefault, 0))
	require.NoError(t, mem.SaveQueue(ctx, q))
	rec := recordEvents(t, mem, "q13")

	st := &loadFailStore{Store: mem, loadErr: errors.New("connection refused")}
	sched := New("q13", st, newFakeAgents("agent-1"), newFakeInvoker(), nil, testLogger(t), testConfig())
	require.Error(t, sched.Run(ctx))

	ev := rec.waitFor(t, v1.EventQueueFailed)
	require.NotNil(t, ev.Error)
	assert.Equal(t, v1.ErrorTypeExecution, ev.Error.Type)
	assert.Contains(t, ev.Error.Message, "connection refused")

	got, err := mem.LoadQueue(ctx, "q13")
	require.NoError(t, err)
	assert.Equal(t, v1.QueueStatusFailed, got.Status)
	assert.Zero(t, rec.count(v1.EventQueueStarted))
	assert.Zero(t, rec.count(v1.EventTaskStarted))
}

func TestSchedulerExitsQuietlyWhenQueueVanished(t *testing.T) {
	mem := store.NewMemoryStore(testLogger(t))
	t.Cleanup(func() { _ = mem.Close() })
	rec := recordEvents(t, mem, "gone")

	sched := New("gone", mem, newFakeAgents(), newFakeInvoker(), nil, testLogger(t), testConfig())
	require.ErrorIs(t, sched.Run(context.Background()), store.ErrQueueNotFound)
	assert.Empty(t, rec.all())
}

func TestBackoffDelay(t *testing.T) {
	base := 2 * time.Second
	limit := 5 * time.Minute

	assert.Equal(t, 2*time.Second, backoffDelay(1, base, limit))
	assert.Equal(t, 4*time.Second, backoffDelay(2, base, limit))
	assert.Equal(t, 8*time.Second, backoffDelay(3, base, limit))
	assert.Equal(t, 64*time.Second, backoffDelay(6, base, limit))

	// 2s × 2^9 = 1024s, past the five-minute cap.
	assert.Equal(t, limit, backoffDelay(10, base, limit))
	// Degenerate inputs.
	assert.Equal(t, 2*time.Second, backoffDelay(0, base, limit))
	assert.Equal(t, time.Duration(0), backoffDelay(3, 0, limit))
	// Very large attempt counts must not overflow past the cap.
	assert.Equal(t, limit, backoffDelay(500, base, limit))
}
