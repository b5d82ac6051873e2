// Package store persists queues, tasks, per-queue pending lists, and the
// global busy-agents set, and fans queue lifecycle events out to subscribers.
// Two implementations share one contract: a Redis-backed store and an
// in-process fallback used when no backend is configured or reachable.
package store

import (
	"context"
	"errors"

	v1 "github.com/agentq/agentq/pkg/api/v1"
)

var (
	// ErrQueueNotFound is returned when a queue id resolves to nothing.
	ErrQueueNotFound = errors.New("queue not found")
	// ErrTaskNotFound is returned when a task id resolves to nothing.
	ErrTaskNotFound = errors.New("task not found")
	// ErrStoreClosed is returned after Close.
	ErrStoreClosed = errors.New("store closed")
)

// TaskUpdate is a partial task mutation. Nil fields are left untouched, so
// concurrent updates to disjoint fields never clobber each other. A timestamp
// pointer to zero clears the stored value; ClearResult and ClearError drop
// the serialized sub-records.
type TaskUpdate struct {
	Status      *v1.TaskStatus
	StartedAt   *int64
	CompletedAt *int64
	RetryCount  *int
	Result      *v1.TaskResult
	Error       *v1.TaskError
	ClearResult bool
	ClearError  bool
}

// IsZero reports whether the update mutates nothing. Applying a zero update
// is the identity on storage.
func (u TaskUpdate) IsZero() bool {
	return u.Status == nil && u.StartedAt == nil && u.CompletedAt == nil &&
		u.RetryCount == nil && u.Result == nil && u.Error == nil &&
		!u.ClearResult && !u.ClearError
}

// Store is the durable queue state surface shared by the control API, the
// scheduler, and the recovery coordinator. Implementations must make
// PopNextTask, ClaimPendingTask, and the busy-agent mutations atomic with
// respect to concurrent callers.
type Store interface {
	// SaveQueue atomically persists queue metadata, all tasks, the task-id
	// list, and the initial pending list (ids of dispatchable tasks).
	SaveQueue(ctx context.Context, q *v1.Queue) error
	// LoadQueue reconstructs a queue with its tasks in insertion order.
	// Returns ErrQueueNotFound if absent.
	LoadQueue(ctx context.Context, queueID string) (*v1.Queue, error)
	// DeleteQueue removes the queue, its tasks, task-id list, pending list,
	// and index entry. Deleting an absent queue is not an error.
	DeleteQueue(ctx context.Context, queueID string) error
	// ListQueues returns summaries sorted by createdAt descending.
	ListQueues(ctx context.Context) ([]*v1.QueueSummary, error)
	// UpdateQueueStatus sets the queue status. When ts > 0 it additionally
	// stamps startedAt on a transition to running and completedAt on a
	// transition to a terminal status.
	UpdateQueueStatus(ctx context.Context, queueID string, status v1.QueueStatus, ts int64) error
	// UpdateQueueMetrics overwrites the persisted metrics snapshot.
	UpdateQueueMetrics(ctx context.Context, queueID string, metrics v1.QueueMetrics) error

	// SaveTask persists one task record.
	SaveTask(ctx context.Context, t *v1.Task) error
	// LoadTask returns one task. Returns ErrTaskNotFound if absent.
	LoadTask(ctx context.Context, taskID string) (*v1.Task, error)
	// UpdateTask merges the provided subset of fields into the stored task.
	UpdateTask(ctx context.Context, taskID string, upd TaskUpdate) error

	// PopNextTask atomically pops the head of the queue's pending list.
	// Returns "" when the list is empty.
	PopNextTask(ctx context.Context, queueID string) (string, error)
	// ClaimPendingTask atomically removes one specific task id from the
	// pending list, reporting whether it was present. Used for priority
	// selection, where the caller chooses the id before claiming it.
	ClaimPendingTask(ctx context.Context, queueID, taskID string) (bool, error)
	// RequeueTask pushes a task id back onto the pending list tail, removing
	// any prior occurrence first.
	RequeueTask(ctx context.Context, queueID, taskID string) error

	// MarkAgentBusy adds the agent to the global busy set.
	MarkAgentBusy(ctx context.Context, agentID string) error
	// MarkAgentAvailable removes the agent from the global busy set.
	MarkAgentAvailable(ctx context.Context, agentID string) error
	// GetBusyAgents returns the busy set sorted lexically.
	GetBusyAgents(ctx context.Context) ([]string, error)

	// PublishEvent delivers one event to current subscribers of the queue's
	// channel (derived from ev.QueueID). Best-effort; no replay buffer.
	PublishEvent(ctx context.Context, ev *v1.QueueEvent) error
	// SubscribeToQueue registers a consumer for one queue's events. The
	// returned function cancels the subscription and is safe to call twice.
	SubscribeToQueue(ctx context.Context, queueID string, fn func(*v1.QueueEvent)) (func(), error)

	// LoadInterruptedQueues returns all queues whose persisted status is
	// running or paused.
	LoadInterruptedQueues(ctx context.Context) ([]*v1.Queue, error)
	// ResetInterruptedQueue re-normalizes one interrupted queue: status to
	// paused, in-flight tasks back to pending with startedAt cleared, the
	// pending list rebuilt from all non-terminal tasks in insertion order,
	// and the global busy-agents set cleared. Idempotent.
	ResetInterruptedQueue(ctx context.Context, queueID string) error

	// Available reports whether the backend currently answers.
	Available() bool
	// Close releases the backend connection and all subscriptions.
	Close() error
}
