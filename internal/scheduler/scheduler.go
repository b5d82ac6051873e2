// Package scheduler drives queue execution: it selects dispatchable tasks by
// priority, invokes worker agents under the queue's concurrency cap, applies
// the retry policy with exponential backoff, and reacts to pause, resume and
// stop signals. One Scheduler owns one queue run; the Manager enforces a
// single live run per queue and routes control signals to it.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentq/agentq/internal/common/logger"
	"github.com/agentq/agentq/internal/invoker"
	"github.com/agentq/agentq/internal/metrics"
	"github.com/agentq/agentq/internal/registry"
	"github.com/agentq/agentq/internal/store"
	v1 "github.com/agentq/agentq/pkg/api/v1"
	"go.uber.org/zap"
)

// Common errors
var (
	ErrQueueAlreadyRunning = errors.New("queue is already running")
	ErrQueueNotRunning     = errors.New("queue is not running")
)

// Config holds the knobs of a queue execution loop.
type Config struct {
	TickInterval  time.Duration // pause/stop poll cadence and idle wakeup
	MaxRetryDelay time.Duration // upper bound for the exponential backoff
	DrainTimeout  time.Duration // wait for in-flight aborts during a stop
}

// DefaultConfig returns the loop defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:  100 * time.Millisecond,
		MaxRetryDelay: 5 * time.Minute,
		DrainTimeout:  30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = d.MaxRetryDelay
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = d.DrainTimeout
	}
	return c
}

// AgentDirectory is the registry view needed to resolve dispatch targets.
type AgentDirectory interface {
	Get(id string) (registry.Agent, bool)
	Credentials(id string) (string, error)
}

// TaskInvoker runs one task invocation against a worker agent. Exactly one
// of the return values is non-nil.
type TaskInvoker interface {
	Invoke(ctx context.Context, req invoker.Request) (*v1.TaskResult, *v1.TaskError)
}

type msgKind int

const (
	msgCompleted  msgKind = iota // a dispatch goroutine finished
	msgRetryReady                // a backoff timer fired
	msgTaskRetry                 // a task was reset through the retry endpoint
)

// loopMsg is the only way background goroutines talk to the loop. All task
// state transitions happen on the loop goroutine.
type loopMsg struct {
	kind   msgKind
	taskID string
	result *v1.TaskResult
	err    *v1.TaskError
}

// dispatch tracks one in-flight invocation.
type dispatch struct {
	agentID string
	cancel  context.CancelFunc
	started time.Time
}

type loopExit int

const (
	loopDrained loopExit = iota // no live work left
	loopStopped                 // Stop was requested
	loopKilled                  // run context cancelled (process shutdown)
)

// Scheduler executes a single queue until it drains, is stopped, or the
// process goes down. The loop goroutine owns the in-memory queue view; Pause,
// Resume, Stop and NotifyTaskRetry are safe from any goroutine.
type Scheduler struct {
	queueID   string
	store     store.Store
	agents    AgentDirectory
	invoker   TaskInvoker
	collector *metrics.Collector
	logger    *logger.Logger
	config    Config

	// Loop-owned state, touched only by Run and its helpers.
	queue       *v1.Queue
	tasks       map[string]*v1.Task
	retryTimers map[string]*time.Timer
	busyRefs    map[string]int

	// running is loop-owned too; the mutex exists for Stop's cancel sweep.
	runMu   sync.Mutex
	running map[string]*dispatch

	msgs chan loopMsg

	stateMu sync.Mutex
	paused  bool
	stopped bool

	stopCh chan struct{}
	done   chan struct{}
}

// New builds a scheduler for one queue. The collector may be nil.
func New(queueID string, st store.Store, agents AgentDirectory, inv TaskInvoker, collector *metrics.Collector, log *logger.Logger, cfg Config) *Scheduler {
	return &Scheduler{
		queueID:     queueID,
		store:       st,
		agents:      agents,
		invoker:     inv,
		collector:   collector,
		logger:      log.WithFields(zap.String("component", "scheduler")).WithQueueID(queueID),
		config:      cfg.withDefaults(),
		tasks:       make(map[string]*v1.Task),
		retryTimers: make(map[string]*time.Timer),
		busyRefs:    make(map[string]int),
		running:     make(map[string]*dispatch),
		msgs:        make(chan loopMsg, 64),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Done closes once the run has fully wound down.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// Pause requests that dispatching stop. In-flight invocations keep running;
// the loop acknowledges at its next iteration.
func (s *Scheduler) Pause() {
	s.stateMu.Lock()
	s.paused = true
	s.stateMu.Unlock()
}

// Resume clears a pause.
func (s *Scheduler) Resume() {
	s.stateMu.Lock()
	s.paused = false
	s.stateMu.Unlock()
}

// Stop aborts the run: in-flight invocations are cancelled, tasks waiting on
// a retry fail with an abort, and never-dispatched tasks are cancelled. Stop
// returns immediately; wait on Done for the run to finish.
func (s *Scheduler) Stop() {
	s.stateMu.Lock()
	if s.stopped {
		s.stateMu.Unlock()
		return
	}
	s.stopped = true
	close(s.stopCh)
	s.stateMu.Unlock()

	s.runMu.Lock()
	for _, d := range s.running {
		d.cancel()
	}
	s.runMu.Unlock()
}

// NotifyTaskRetry tells a live run that the task was reset to pending in the
// store so the loop can refresh its in-memory view and redispatch.
func (s *Scheduler) NotifyTaskRetry(taskID string) {
	select {
	case s.msgs <- loopMsg{kind: msgTaskRetry, taskID: taskID}:
	case <-s.done:
	}
}

func (s *Scheduler) isPaused() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.paused
}

func (s *Scheduler) isStopped() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.stopped
}

// Run executes the queue to a terminal state. A cancelled ctx means the
// process is shutting down: in-flight work is aborted and no terminal status
// is written, leaving the persisted running/paused state for crash recovery
// to normalize on the next boot.
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.done)

	q, err := s.store.LoadQueue(ctx, s.queueID)
	if err != nil {
		// A vanished queue has nothing to terminate; anything else marks the
		// queue failed so observers are not left watching a silent run.
		if !errors.Is(err, store.ErrQueueNotFound) {
			s.failRun(ctx, err)
		}
		return fmt.Errorf("load queue: %w", err)
	}
	s.queue = q
	for _, t := range q.Tasks {
		s.tasks[t.ID] = t
	}
	s.normalizeStale(ctx)

	s.collector.QueueStarted()
	defer s.collector.QueueFinished()

	// Keep the original startedAt when a recovered or paused queue re-enters
	// execution.
	ts := int64(0)
	if q.StartedAt == 0 {
		ts = v1.NowMillis()
		q.StartedAt = ts
	}
	if q.Status != v1.QueueStatusRunning {
		if err := s.store.UpdateQueueStatus(ctx, s.queueID, v1.QueueStatusRunning, ts); err != nil {
			s.logger.Error("failed to persist running status", zap.Error(err))
		}
		q.Status = v1.QueueStatusRunning
	}

	s.emit(ctx, v1.NewQueueStartedEvent(s.queueID))
	s.logger.Info("queue execution started",
		zap.Int("tasks", len(q.Tasks)),
		zap.Int("max_concurrency", q.Settings.MaxConcurrency))

	exit := s.loop(ctx)
	if exit == loopKilled {
		s.abandon()
		return ctx.Err()
	}

	s.finish(ctx, exit == loopStopped)
	return nil
}

// normalizeStale returns tasks stranded in transient states by an earlier
// interrupted run to pending. Recovery rewrites these before a start; this
// covers queues started without it.
func (s *Scheduler) normalizeStale(ctx context.Context) {
	for _, t := range s.queue.Tasks {
		if t.Status != v1.TaskStatusInProgress && t.Status != v1.TaskStatusRetrying {
			continue
		}
		s.logger.Warn("resetting stale task from interrupted run",
			zap.String("task_id", t.ID),
			zap.String("status", string(t.Status)))
		t.Status = v1.TaskStatusPending
		t.StartedAt = 0
		st := v1.TaskStatusPending
		zero := int64(0)
		if err := s.store.UpdateTask(ctx, t.ID, store.TaskUpdate{Status: &st, StartedAt: &zero}); err != nil {
			s.logger.Error("failed to reset stale task", zap.String("task_id", t.ID), zap.Error(err))
		}
		if err := s.store.RequeueTask(ctx, s.queueID, t.ID); err != nil {
			s.logger.Error("failed to requeue stale task", zap.String("task_id", t.ID), zap.Error(err))
		}
	}
}

// loop is the single-goroutine heart of the scheduler.
func (s *Scheduler) loop(ctx context.Context) loopExit {
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return loopKilled
		case <-s.stopCh:
			return loopStopped
		default:
		}

		if s.isPaused() {
			if exit, resumed := s.pauseGate(ctx, ticker); !resumed {
				return exit
			}
		}

		// Drain whatever the background goroutines already delivered.
		for draining := true; draining; {
			select {
			case m := <-s.msgs:
				s.handleMsg(ctx, m)
			default:
				draining = false
			}
		}

		if !s.hasLiveWork() {
			return loopDrained
		}

		s.dispatchReady(ctx)

		select {
		case <-ctx.Done():
			return loopKilled
		case <-s.stopCh:
			return loopStopped
		case m := <-s.msgs:
			s.handleMsg(ctx, m)
		case <-ticker.C:
		}
	}
}

// pauseGate parks the loop while the queue is paused. Completions and retry
// expiries are still processed; only dispatching is held. Returns resumed ==
// true when the loop should continue.
func (s *Scheduler) pauseGate(ctx context.Context, ticker *time.Ticker) (loopExit, bool) {
	if err := s.store.UpdateQueueStatus(ctx, s.queueID, v1.QueueStatusPaused, 0); err != nil {
		s.logger.Error("failed to persist paused status", zap.Error(err))
	}
	s.queue.Status = v1.QueueStatusPaused
	s.emit(ctx, v1.NewQueuePausedEvent(s.queueID))
	s.logger.Info("queue paused")

	for {
		select {
		case <-ctx.Done():
			return loopKilled, false
		case <-s.stopCh:
			return loopStopped, false
		case m := <-s.msgs:
			s.handleMsg(ctx, m)
		case <-ticker.C:
			if s.isPaused() {
				continue
			}
			if err := s.store.UpdateQueueStatus(ctx, s.queueID, v1.QueueStatusRunning, 0); err != nil {
				s.logger.Error("failed to persist running status", zap.Error(err))
			}
			s.queue.Status = v1.QueueStatusRunning
			s.emit(ctx, v1.NewQueueResumedEvent(s.queueID))
			s.logger.Info("queue resumed")
			return loopDrained, true
		}
	}
}

func (s *Scheduler) handleMsg(ctx context.Context, m loopMsg) {
	switch m.kind {
	case msgCompleted:
		s.handleCompletion(ctx, m)
	case msgRetryReady:
		s.handleRetryReady(ctx, m.taskID)
	case msgTaskRetry:
		s.handleExternalRetry(ctx, m.taskID)
	}
}

// hasLiveWork reports whether any task can still make progress.
func (s *Scheduler) hasLiveWork() bool {
	for _, t := range s.queue.Tasks {
		switch t.Status {
		case v1.TaskStatusPending, v1.TaskStatusQueued, v1.TaskStatusInProgress, v1.TaskStatusRetrying:
			return true
		}
	}
	return false
}

func (s *Scheduler) runningCount() int {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return len(s.running)
}

// dispatchReady fills free concurrency slots with the highest-priority
// dispatchable tasks. Ties keep creation order.
func (s *Scheduler) dispatchReady(ctx context.Context) {
	slots := s.queue.Settings.MaxConcurrency - s.runningCount()
	if slots <= 0 {
		return
	}

	ready := make([]*v1.Task, 0, slots)
	for _, t := range s.queue.Tasks {
		if t.Status.Dispatchable() {
			ready = append(ready, t)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool { return ready[i].Priority < ready[j].Priority })
	if len(ready) > slots {
		ready = ready[:slots]
	}

	for _, t := range ready {
		if s.isStopped() {
			return
		}
		s.dispatchTask(ctx, t)
	}
}

func (s *Scheduler) dispatchTask(ctx context.Context, task *v1.Task) {
	claimed, err := s.store.ClaimPendingTask(ctx, s.queueID, task.ID)
	if err != nil {
		s.logger.Error("failed to claim task", zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	if !claimed {
		s.reconcileUnclaimed(ctx, task)
		return
	}

	agent, ok := s.agents.Get(task.AgentID)
	if !ok {
		taskErr := &v1.TaskError{
			Type:       v1.ErrorTypeExecution,
			Message:    fmt.Sprintf("agent %q not found", task.AgentID),
			Retryable:  false,
			OccurredAt: v1.NowMillis(),
		}
		s.failTask(ctx, task, taskErr, 0, false)
		s.persistMetrics(ctx)
		return
	}
	creds, err := s.agents.Credentials(task.AgentID)
	if err != nil {
		// Dispatch without credentials; the agent rejects if it needs them.
		s.logger.Warn("failed to load agent credentials",
			zap.String("agent_id", task.AgentID), zap.Error(err))
	}

	now := v1.NowMillis()
	st := v1.TaskStatusInProgress
	if err := s.store.UpdateTask(ctx, task.ID, store.TaskUpdate{Status: &st, StartedAt: &now}); err != nil {
		s.logger.Error("failed to persist dispatch", zap.String("task_id", task.ID), zap.Error(err))
		if rqErr := s.store.RequeueTask(ctx, s.queueID, task.ID); rqErr != nil {
			s.logger.Error("failed to requeue task after dispatch failure",
				zap.String("task_id", task.ID), zap.Error(rqErr))
		}
		return
	}
	task.Status = v1.TaskStatusInProgress
	task.StartedAt = now

	s.agentBusy(ctx, task.AgentID)

	dctx, cancel := context.WithCancel(ctx)
	s.runMu.Lock()
	s.running[task.ID] = &dispatch{agentID: task.AgentID, cancel: cancel, started: time.Now()}
	s.runMu.Unlock()

	s.collector.TaskDispatched(task.AgentID)
	s.emit(ctx, v1.NewTaskStartedEvent(s.queueID, task.ID, task.AgentID))
	s.logger.Info("task dispatched",
		zap.String("task_id", task.ID),
		zap.String("agent_id", task.AgentID),
		zap.Int("attempt", task.RetryCount+1))
	s.persistMetrics(ctx)

	req := invoker.Request{
		Endpoint:         agent.Endpoint,
		Message:          task.Message,
		RequestID:        task.ID,
		WorkingDirectory: agent.WorkingDirectory,
		Credentials:      creds,
		Timeout:          s.queue.Settings.TaskTimeoutDuration(),
	}
	taskID := task.ID
	go func() {
		result, taskErr := s.invoker.Invoke(dctx, req)
		select {
		case s.msgs <- loopMsg{kind: msgCompleted, taskID: taskID, result: result, err: taskErr}:
		case <-s.done:
		}
	}()
}

// reconcileUnclaimed handles a candidate whose id was missing from the
// pending list: adopt the stored state if it moved on, or repair the list if
// the record still says dispatchable.
func (s *Scheduler) reconcileUnclaimed(ctx context.Context, task *v1.Task) {
	stored, err := s.store.LoadTask(ctx, task.ID)
	if err != nil {
		s.logger.Warn("dispatch candidate missing from pending list",
			zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	if stored.Status.Dispatchable() {
		if err := s.store.RequeueTask(ctx, s.queueID, task.ID); err != nil {
			s.logger.Warn("failed to repair pending list",
				zap.String("task_id", task.ID), zap.Error(err))
		}
		return
	}
	*task = *stored
	s.logger.Debug("dispatch candidate no longer pending",
		zap.String("task_id", task.ID),
		zap.String("status", string(stored.Status)))
}

func (s *Scheduler) handleCompletion(ctx context.Context, m loopMsg) {
	s.runMu.Lock()
	d, ok := s.running[m.taskID]
	delete(s.running, m.taskID)
	s.runMu.Unlock()
	if !ok {
		return
	}
	d.cancel()

	s.agentDone(ctx, d.agentID)
	duration := time.Since(d.started)

	task := s.tasks[m.taskID]
	if task == nil {
		return
	}

	switch {
	case m.result != nil:
		s.completeTask(ctx, task, m.result, duration)
	case m.err != nil && m.err.Retryable && task.RetryCount < task.MaxRetries && !s.isStopped():
		s.scheduleRetry(ctx, task, m.err, duration)
	default:
		taskErr := m.err
		if taskErr == nil {
			taskErr = &v1.TaskError{
				Type:       v1.ErrorTypeExecution,
				Message:    "invocation returned no result",
				OccurredAt: v1.NowMillis(),
			}
		}
		s.failTask(ctx, task, taskErr, duration, true)
	}
	s.persistMetrics(ctx)
}

func (s *Scheduler) completeTask(ctx context.Context, task *v1.Task, result *v1.TaskResult, duration time.Duration) {
	now := v1.NowMillis()
	if result.CompletedAt == 0 {
		result.CompletedAt = now
	}
	task.Status = v1.TaskStatusCompleted
	task.CompletedAt = now
	task.Result = result
	task.Error = nil

	st := v1.TaskStatusCompleted
	upd := store.TaskUpdate{Status: &st, CompletedAt: &now, Result: result, ClearError: true}
	if err := s.store.UpdateTask(ctx, task.ID, upd); err != nil {
		s.logger.Error("failed to persist task completion", zap.String("task_id", task.ID), zap.Error(err))
	}

	s.collector.TaskCompleted(duration)
	s.emit(ctx, v1.NewTaskCompletedEvent(s.queueID, task.ID, result))
	s.logger.Info("task completed",
		zap.String("task_id", task.ID),
		zap.Duration("duration", duration))
}

// scheduleRetry books another attempt after an exponential backoff.
func (s *Scheduler) scheduleRetry(ctx context.Context, task *v1.Task, taskErr *v1.TaskError, duration time.Duration) {
	task.RetryCount++
	task.Status = v1.TaskStatusRetrying
	task.Error = taskErr

	st := v1.TaskStatusRetrying
	rc := task.RetryCount
	if err := s.store.UpdateTask(ctx, task.ID, store.TaskUpdate{Status: &st, RetryCount: &rc, Error: taskErr}); err != nil {
		s.logger.Error("failed to persist retry state", zap.String("task_id", task.ID), zap.Error(err))
	}

	delay := backoffDelay(task.RetryCount, s.queue.Settings.RetryDelayDuration(), s.config.MaxRetryDelay)
	s.collector.TaskFailed(string(taskErr.Type), duration)
	s.collector.TaskRetried()
	s.emit(ctx, v1.NewTaskRetryingEvent(s.queueID, task.ID, task.RetryCount, task.MaxRetries))
	s.logger.Info("task retrying",
		zap.String("task_id", task.ID),
		zap.Int("attempt", task.RetryCount),
		zap.Int("max_retries", task.MaxRetries),
		zap.Duration("delay", delay),
		zap.String("error", taskErr.Message))

	taskID := task.ID
	s.retryTimers[taskID] = time.AfterFunc(delay, func() {
		select {
		case s.msgs <- loopMsg{kind: msgRetryReady, taskID: taskID}:
		case <-s.done:
		}
	})
}

// handleRetryReady moves a task whose backoff elapsed back to pending.
func (s *Scheduler) handleRetryReady(ctx context.Context, taskID string) {
	delete(s.retryTimers, taskID)
	task := s.tasks[taskID]
	if task == nil || task.Status != v1.TaskStatusRetrying {
		return
	}
	task.Status = v1.TaskStatusPending
	st := v1.TaskStatusPending
	if err := s.store.UpdateTask(ctx, taskID, store.TaskUpdate{Status: &st}); err != nil {
		s.logger.Error("failed to persist retry requeue", zap.String("task_id", taskID), zap.Error(err))
	}
	if err := s.store.RequeueTask(ctx, s.queueID, taskID); err != nil {
		s.logger.Error("failed to requeue task", zap.String("task_id", taskID), zap.Error(err))
	}
	s.logger.Debug("task backoff elapsed", zap.String("task_id", taskID))
}

// handleExternalRetry refreshes the in-memory view after the retry endpoint
// reset the stored task. In-flight tasks are left alone; their eventual
// completion overwrites the reset.
func (s *Scheduler) handleExternalRetry(ctx context.Context, taskID string) {
	task := s.tasks[taskID]
	if task == nil {
		return
	}

	s.runMu.Lock()
	_, inFlight := s.running[taskID]
	s.runMu.Unlock()
	if inFlight {
		s.logger.Debug("retry requested for in-flight task", zap.String("task_id", taskID))
		return
	}

	if timer, ok := s.retryTimers[taskID]; ok {
		timer.Stop()
		delete(s.retryTimers, taskID)
	}

	task.Status = v1.TaskStatusPending
	task.RetryCount = 0
	task.Result = nil
	task.Error = nil
	task.StartedAt = 0
	task.CompletedAt = 0
	s.logger.Info("task reset for retry", zap.String("task_id", taskID))
}

func (s *Scheduler) failTask(ctx context.Context, task *v1.Task, taskErr *v1.TaskError, duration time.Duration, dispatched bool) {
	now := v1.NowMillis()
	task.Status = v1.TaskStatusFailed
	task.CompletedAt = now
	task.Error = taskErr

	st := v1.TaskStatusFailed
	if err := s.store.UpdateTask(ctx, task.ID, store.TaskUpdate{Status: &st, CompletedAt: &now, Error: taskErr}); err != nil {
		s.logger.Error("failed to persist task failure", zap.String("task_id", task.ID), zap.Error(err))
	}

	if dispatched {
		s.collector.TaskFailed(string(taskErr.Type), duration)
	}
	s.emit(ctx, v1.NewTaskFailedEvent(s.queueID, task.ID, taskErr))
	s.logger.Warn("task failed",
		zap.String("task_id", task.ID),
		zap.String("error_type", string(taskErr.Type)),
		zap.String("error", taskErr.Message))
}

// finish drains a stop if needed, then persists the terminal snapshot and
// emits exactly one terminal queue event after all terminal task events.
func (s *Scheduler) finish(ctx context.Context, stopped bool) {
	if stopped {
		s.drainStopped(ctx)
	}

	m := v1.ComputeMetrics(s.queue.Tasks)
	s.queue.Metrics = m
	if err := s.store.UpdateQueueMetrics(ctx, s.queueID, m); err != nil {
		s.logger.Error("failed to persist final metrics", zap.Error(err))
	}

	now := v1.NowMillis()
	var status v1.QueueStatus
	var ev *v1.QueueEvent
	switch {
	case stopped:
		status = v1.QueueStatusFailed
		ev = v1.NewQueueFailedEvent(s.queueID, &v1.TaskError{
			Type:       v1.ErrorTypeAbort,
			Message:    "Queue was stopped",
			Retryable:  false,
			OccurredAt: now,
		})
	case m.FailedTasks > 0:
		status = v1.QueueStatusFailed
		ev = v1.NewQueueFailedEvent(s.queueID, &v1.TaskError{
			Type:       v1.ErrorTypeExecution,
			Message:    fmt.Sprintf("%d of %d tasks failed", m.FailedTasks, m.TotalTasks),
			Retryable:  false,
			OccurredAt: now,
		})
	default:
		status = v1.QueueStatusCompleted
		ev = v1.NewQueueCompletedEvent(s.queueID, m)
	}

	s.queue.Status = status
	s.queue.CompletedAt = now
	if err := s.store.UpdateQueueStatus(ctx, s.queueID, status, now); err != nil {
		s.logger.Error("failed to persist terminal status", zap.Error(err))
	}
	s.emit(ctx, ev)
	s.logger.Info("queue execution finished",
		zap.String("status", string(status)),
		zap.Int("completed", m.CompletedTasks),
		zap.Int("failed", m.FailedTasks),
		zap.Int("total", m.TotalTasks))
}

// drainStopped winds a stopped run down: consume the aborted in-flight
// completions, fail tasks parked on retry timers, and cancel everything that
// never dispatched.
func (s *Scheduler) drainStopped(ctx context.Context) {
	timeout := time.After(s.config.DrainTimeout)
drain:
	for s.runningCount() > 0 {
		select {
		case m := <-s.msgs:
			if m.kind == msgCompleted {
				s.handleCompletion(ctx, m)
			}
		case <-timeout:
			s.logger.Error("timed out waiting for in-flight tasks to abort",
				zap.Int("remaining", s.runningCount()))
			break drain
		}
	}

	for taskID, timer := range s.retryTimers {
		timer.Stop()
		delete(s.retryTimers, taskID)
		task := s.tasks[taskID]
		if task == nil || task.Status != v1.TaskStatusRetrying {
			continue
		}
		s.failTask(ctx, task, &v1.TaskError{
			Type:       v1.ErrorTypeAbort,
			Message:    "queue stopped during retry wait",
			Retryable:  false,
			OccurredAt: v1.NowMillis(),
		}, 0, false)
	}

	for _, t := range s.queue.Tasks {
		if !t.Status.Dispatchable() {
			continue
		}
		now := v1.NowMillis()
		t.Status = v1.TaskStatusCancelled
		t.CompletedAt = now
		st := v1.TaskStatusCancelled
		if err := s.store.UpdateTask(ctx, t.ID, store.TaskUpdate{Status: &st, CompletedAt: &now}); err != nil {
			s.logger.Error("failed to persist task cancellation", zap.String("task_id", t.ID), zap.Error(err))
		}
		if _, err := s.store.ClaimPendingTask(ctx, s.queueID, t.ID); err != nil {
			s.logger.Warn("failed to clear cancelled task from pending list",
				zap.String("task_id", t.ID), zap.Error(err))
		}
	}
}

// failRun terminates a run that never got off the ground. Best effort: the
// store that failed the load may reject these writes too.
func (s *Scheduler) failRun(ctx context.Context, cause error) {
	now := v1.NowMillis()
	s.emit(ctx, v1.NewQueueFailedEvent(s.queueID, &v1.TaskError{
		Type:       v1.ErrorTypeExecution,
		Message:    fmt.Sprintf("queue could not be loaded: %v", cause),
		Retryable:  false,
		OccurredAt: now,
	}))
	if err := s.store.UpdateQueueStatus(ctx, s.queueID, v1.QueueStatusFailed, now); err != nil {
		s.logger.Error("failed to persist failed status", zap.Error(err))
	}
}

// abandon cuts a run short on process shutdown without terminal writes.
func (s *Scheduler) abandon() {
	s.runMu.Lock()
	for _, d := range s.running {
		d.cancel()
	}
	s.runMu.Unlock()
	for id, timer := range s.retryTimers {
		timer.Stop()
		delete(s.retryTimers, id)
	}
	s.logger.Info("queue execution abandoned, state left for recovery")
}

// agentBusy tracks per-agent in-flight counts so the global busy set only
// flips on the 0/1 boundary.
func (s *Scheduler) agentBusy(ctx context.Context, agentID string) {
	s.busyRefs[agentID]++
	if s.busyRefs[agentID] != 1 {
		return
	}
	if err := s.store.MarkAgentBusy(ctx, agentID); err != nil {
		s.logger.Warn("failed to mark agent busy", zap.String("agent_id", agentID), zap.Error(err))
	}
}

func (s *Scheduler) agentDone(ctx context.Context, agentID string) {
	if s.busyRefs[agentID] > 1 {
		s.busyRefs[agentID]--
		return
	}
	delete(s.busyRefs, agentID)
	if err := s.store.MarkAgentAvailable(ctx, agentID); err != nil {
		s.logger.Warn("failed to mark agent available", zap.String("agent_id", agentID), zap.Error(err))
	}
}

func (s *Scheduler) persistMetrics(ctx context.Context) {
	m := v1.ComputeMetrics(s.queue.Tasks)
	s.queue.Metrics = m
	if err := s.store.UpdateQueueMetrics(ctx, s.queueID, m); err != nil {
		s.logger.Warn("failed to persist queue metrics", zap.Error(err))
	}
}

func (s *Scheduler) emit(ctx context.Context, ev *v1.QueueEvent) {
	if err := s.store.PublishEvent(ctx, ev); err != nil {
		s.logger.Warn("failed to publish event", zap.String("event", string(ev.Type)), zap.Error(err))
	}
}

// backoffDelay doubles the base delay per attempt: base × 2^(attempt−1),
// capped at max.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
