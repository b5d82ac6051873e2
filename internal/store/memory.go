package store

import (
	"context"
	"sort"
	"sync"

	"github.com/agentq/agentq/internal/common/logger"
	"github.com/agentq/agentq/internal/events/bus"
	v1 "github.com/agentq/agentq/pkg/api/v1"
)

// MemoryStore is the in-process fallback used when no backend is configured
// or the configured backend is unreachable. It mirrors the persistent layout
// (queue records, task records, per-queue id lists, pending lists, busy set)
// so API semantics are identical; only durability across restarts is lost.
type MemoryStore struct {
	mu      sync.RWMutex
	queues  map[string]*v1.Queue // metadata only; Tasks attached on load
	taskIDs map[string][]string  // queue id -> task ids in insertion order
	tasks   map[string]*v1.Task
	pending map[string][]string // queue id -> pending task ids
	busy    map[string]struct{}
	closed  bool

	events *bus.MemoryEventBus
	logger *logger.Logger
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(log *logger.Logger) *MemoryStore {
	return &MemoryStore{
		queues:  make(map[string]*v1.Queue),
		taskIDs: make(map[string][]string),
		tasks:   make(map[string]*v1.Task),
		pending: make(map[string][]string),
		busy:    make(map[string]struct{}),
		events:  bus.NewMemoryEventBus(log),
		logger:  log,
	}
}

// metadataOnly strips the task slice so stored queue records never alias
// caller-visible tasks.
func metadataOnly(q *v1.Queue) *v1.Queue {
	c := *q
	c.Tasks = nil
	return &c
}

// SaveQueue persists the queue, its tasks, id list, and initial pending list.
func (s *MemoryStore) SaveQueue(ctx context.Context, q *v1.Queue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	s.queues[q.ID] = metadataOnly(q)
	ids := make([]string, 0, len(q.Tasks))
	for _, t := range q.Tasks {
		s.tasks[t.ID] = t.Clone()
		ids = append(ids, t.ID)
	}
	s.taskIDs[q.ID] = ids
	s.pending[q.ID] = pendingIDs(q.Tasks)
	return nil
}

// LoadQueue reconstructs the queue with tasks in insertion order.
func (s *MemoryStore) LoadQueue(ctx context.Context, queueID string) (*v1.Queue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	meta, ok := s.queues[queueID]
	if !ok {
		return nil, ErrQueueNotFound
	}
	q := meta.Clone()
	q.Tasks = make([]*v1.Task, 0, len(s.taskIDs[queueID]))
	for _, id := range s.taskIDs[queueID] {
		if t, ok := s.tasks[id]; ok {
			q.Tasks = append(q.Tasks, t.Clone())
		}
	}
	return q, nil
}

// DeleteQueue removes the queue and everything it owns.
func (s *MemoryStore) DeleteQueue(ctx context.Context, queueID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	for _, id := range s.taskIDs[queueID] {
		delete(s.tasks, id)
	}
	delete(s.taskIDs, queueID)
	delete(s.pending, queueID)
	delete(s.queues, queueID)
	return nil
}

// ListQueues returns summaries sorted by createdAt descending.
func (s *MemoryStore) ListQueues(ctx context.Context) ([]*v1.QueueSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	summaries := make([]*v1.QueueSummary, 0, len(s.queues))
	for _, q := range s.queues {
		summaries = append(summaries, summaryFromQueue(q))
	}
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].CreatedAt != summaries[j].CreatedAt {
			return summaries[i].CreatedAt > summaries[j].CreatedAt
		}
		return summaries[i].ID < summaries[j].ID
	})
	return summaries, nil
}

// UpdateQueueStatus sets status and stamps lifecycle timestamps when ts > 0.
func (s *MemoryStore) UpdateQueueStatus(ctx context.Context, queueID string, status v1.QueueStatus, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	q, ok := s.queues[queueID]
	if !ok {
		return ErrQueueNotFound
	}
	q.Status = status
	if ts > 0 {
		switch {
		case status == v1.QueueStatusRunning:
			q.StartedAt = ts
		case status.IsTerminal():
			q.CompletedAt = ts
		}
	}
	return nil
}

// UpdateQueueMetrics overwrites the metrics snapshot.
func (s *MemoryStore) UpdateQueueMetrics(ctx context.Context, queueID string, metrics v1.QueueMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	q, ok := s.queues[queueID]
	if !ok {
		return ErrQueueNotFound
	}
	q.Metrics = metrics
	return nil
}

// SaveTask persists one task record.
func (s *MemoryStore) SaveTask(ctx context.Context, t *v1.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	if _, known := s.tasks[t.ID]; !known {
		if _, ok := s.queues[t.QueueID]; ok {
			s.taskIDs[t.QueueID] = append(s.taskIDs[t.QueueID], t.ID)
		}
	}
	s.tasks[t.ID] = t.Clone()
	return nil
}

// LoadTask returns one task by id.
func (s *MemoryStore) LoadTask(ctx context.Context, taskID string) (*v1.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return t.Clone(), nil
}

// UpdateTask merges a partial update into the stored task.
func (s *MemoryStore) UpdateTask(ctx context.Context, taskID string, upd TaskUpdate) error {
	if upd.IsZero() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	t, ok := s.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	applyTaskUpdate(t, upd)
	return nil
}

// PopNextTask pops the head of the pending list, or "" when empty.
func (s *MemoryStore) PopNextTask(ctx context.Context, queueID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrStoreClosed
	}

	ids := s.pending[queueID]
	if len(ids) == 0 {
		return "", nil
	}
	head := ids[0]
	s.pending[queueID] = ids[1:]
	return head, nil
}

// ClaimPendingTask removes one specific id from the pending list.
func (s *MemoryStore) ClaimPendingTask(ctx context.Context, queueID, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStoreClosed
	}

	return s.removePending(queueID, taskID) > 0, nil
}

// RequeueTask moves the id to the pending list tail.
func (s *MemoryStore) RequeueTask(ctx context.Context, queueID, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	s.removePending(queueID, taskID)
	s.pending[queueID] = append(s.pending[queueID], taskID)
	return nil
}

// removePending deletes every occurrence of taskID, returning the count.
// Caller holds the lock.
func (s *MemoryStore) removePending(queueID, taskID string) int {
	ids := s.pending[queueID]
	kept := ids[:0]
	removed := 0
	for _, id := range ids {
		if id == taskID {
			removed++
			continue
		}
		kept = append(kept, id)
	}
	s.pending[queueID] = kept
	return removed
}

// MarkAgentBusy adds the agent to the busy set.
func (s *MemoryStore) MarkAgentBusy(ctx context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.busy[agentID] = struct{}{}
	return nil
}

// MarkAgentAvailable removes the agent from the busy set.
func (s *MemoryStore) MarkAgentAvailable(ctx context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	delete(s.busy, agentID)
	return nil
}

// GetBusyAgents returns the busy set sorted lexically.
func (s *MemoryStore) GetBusyAgents(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	agents := make([]string, 0, len(s.busy))
	for id := range s.busy {
		agents = append(agents, id)
	}
	sort.Strings(agents)
	return agents, nil
}

// PublishEvent fans the event out through the in-process bus.
func (s *MemoryStore) PublishEvent(ctx context.Context, ev *v1.QueueEvent) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	s.mu.RUnlock()

	subject := queueEventsChannel(ev.QueueID)
	return s.events.Publish(ctx, subject, bus.NewEvent(string(ev.Type), "store", ev.Clone()))
}

// SubscribeToQueue registers a consumer for one queue's events.
func (s *MemoryStore) SubscribeToQueue(ctx context.Context, queueID string, fn func(*v1.QueueEvent)) (func(), error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	s.mu.RUnlock()

	sub, err := s.events.Subscribe(queueEventsChannel(queueID), func(ctx context.Context, event *bus.Event) error {
		if ev, ok := event.Data.(*v1.QueueEvent); ok {
			fn(ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() { _ = sub.Unsubscribe() })
	}, nil
}

// LoadInterruptedQueues returns queues persisted as running or paused.
func (s *MemoryStore) LoadInterruptedQueues(ctx context.Context) ([]*v1.Queue, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.queues))
	for id, q := range s.queues {
		if q.Status.Interrupted() {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	queues := make([]*v1.Queue, 0, len(ids))
	for _, id := range ids {
		q, err := s.LoadQueue(ctx, id)
		if err != nil {
			if err == ErrQueueNotFound {
				continue
			}
			return nil, err
		}
		queues = append(queues, q)
	}
	return queues, nil
}

// ResetInterruptedQueue re-normalizes one interrupted queue to paused.
func (s *MemoryStore) ResetInterruptedQueue(ctx context.Context, queueID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	q, ok := s.queues[queueID]
	if !ok {
		return ErrQueueNotFound
	}

	pending := make([]string, 0, len(s.taskIDs[queueID]))
	for _, id := range s.taskIDs[queueID] {
		t, ok := s.tasks[id]
		if !ok {
			continue
		}
		if t.Status == v1.TaskStatusInProgress || t.Status == v1.TaskStatusRetrying {
			t.Status = v1.TaskStatusPending
			t.StartedAt = 0
		}
		if !t.Status.IsTerminal() {
			pending = append(pending, id)
		}
	}
	s.pending[queueID] = pending
	q.Status = v1.QueueStatusPaused
	s.busy = make(map[string]struct{})
	return nil
}

// Available always holds for the in-process store.
func (s *MemoryStore) Available() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.closed
}

// Close drops all state and stops event delivery.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.events.Close()
	return nil
}
