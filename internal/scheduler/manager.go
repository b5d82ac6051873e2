package scheduler

import (
	"context"
	"errors"
	"sync"

	"github.com/agentq/agentq/internal/common/logger"
	"github.com/agentq/agentq/internal/metrics"
	"github.com/agentq/agentq/internal/store"
	v1 "github.com/agentq/agentq/pkg/api/v1"
	"go.uber.org/zap"
)

// EventRelay mirrors a queue's store events onto the process event bus for
// the lifetime of a run. Optional; a nil relay disables mirroring.
type EventRelay interface {
	Attach(ctx context.Context, queueID string) error
	Detach(queueID string)
}

// Manager owns the live scheduler for each queue. It enforces a single run
// per queue, routes pause/resume/stop/retry signals, and winds every run
// down on shutdown.
type Manager struct {
	store     store.Store
	agents    AgentDirectory
	invoker   TaskInvoker
	collector *metrics.Collector
	relay     EventRelay
	logger    *logger.Logger
	config    Config

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	active map[string]*Scheduler
	wg     sync.WaitGroup
}

// NewManager builds a manager. collector and relay may be nil.
func NewManager(st store.Store, agents AgentDirectory, inv TaskInvoker, collector *metrics.Collector, relay EventRelay, log *logger.Logger, cfg Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:     st,
		agents:    agents,
		invoker:   inv,
		collector: collector,
		relay:     relay,
		logger:    log.WithFields(zap.String("component", "scheduler-manager")),
		config:    cfg.withDefaults(),
		ctx:       ctx,
		cancel:    cancel,
		active:    make(map[string]*Scheduler),
	}
}

// StartQueue begins executing a queue in the background. The running status
// is persisted before this returns so readers observe the transition
// immediately. Returns ErrQueueAlreadyRunning when a run is already live.
func (m *Manager) StartQueue(ctx context.Context, queueID string) error {
	q, err := m.store.LoadQueue(ctx, queueID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if _, ok := m.active[queueID]; ok {
		m.mu.Unlock()
		return ErrQueueAlreadyRunning
	}
	sched := New(queueID, m.store, m.agents, m.invoker, m.collector, m.logger, m.config)
	m.active[queueID] = sched
	m.wg.Add(1)
	m.mu.Unlock()

	// Stamp the transition here; a stored status of running or paused with
	// no live scheduler is stale state from an interrupted run, so it never
	// blocks a start.
	ts := int64(0)
	if q.StartedAt == 0 {
		ts = v1.NowMillis()
	}
	if err := m.store.UpdateQueueStatus(ctx, queueID, v1.QueueStatusRunning, ts); err != nil {
		m.mu.Lock()
		delete(m.active, queueID)
		m.mu.Unlock()
		m.wg.Done()
		return err
	}

	if m.relay != nil {
		if err := m.relay.Attach(m.ctx, queueID); err != nil {
			m.logger.Warn("failed to attach event relay",
				zap.String("queue_id", queueID), zap.Error(err))
		}
	}

	m.logger.Info("queue run starting", zap.String("queue_id", queueID))
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.active, queueID)
			m.mu.Unlock()
			if m.relay != nil {
				m.relay.Detach(queueID)
			}
		}()
		if err := sched.Run(m.ctx); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error("queue run failed", zap.String("queue_id", queueID), zap.Error(err))
		}
	}()
	return nil
}

// Pause signals the live run to stop dispatching. Returns false when no run
// is live for the queue.
func (m *Manager) Pause(queueID string) bool {
	sched := m.get(queueID)
	if sched == nil {
		return false
	}
	sched.Pause()
	return true
}

// Resume clears the pause on a live run. Returns false when no run is live;
// callers then restart the queue through StartQueue.
func (m *Manager) Resume(queueID string) bool {
	sched := m.get(queueID)
	if sched == nil {
		return false
	}
	sched.Resume()
	return true
}

// StopQueue aborts the live run and waits for it to wind down.
func (m *Manager) StopQueue(ctx context.Context, queueID string) error {
	sched := m.get(queueID)
	if sched == nil {
		return ErrQueueNotRunning
	}
	sched.Stop()
	select {
	case <-sched.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NotifyTaskRetry forwards an external task reset to the live run. Returns
// false when no run is live; the stored reset then suffices on its own.
func (m *Manager) NotifyTaskRetry(queueID, taskID string) bool {
	sched := m.get(queueID)
	if sched == nil {
		return false
	}
	sched.NotifyTaskRetry(taskID)
	return true
}

// IsActive reports whether a run is live for the queue.
func (m *Manager) IsActive(queueID string) bool {
	return m.get(queueID) != nil
}

// ActiveCount returns the number of live runs.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Shutdown aborts every live run without terminal writes so interrupted
// queues are picked up by recovery on the next boot. Blocks until all runs
// exit or ctx expires.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("all queue runs stopped")
		return nil
	case <-ctx.Done():
		m.logger.Warn("shutdown timed out waiting for queue runs", zap.Int("remaining", m.ActiveCount()))
		return ctx.Err()
	}
}

func (m *Manager) get(queueID string) *Scheduler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[queueID]
}
