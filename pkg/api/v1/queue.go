package v1

import "time"

// QueueStatus represents the lifecycle state of a queue.
type QueueStatus string

const (
	QueueStatusIdle      QueueStatus = "idle"
	QueueStatusRunning   QueueStatus = "running"
	QueueStatusPaused    QueueStatus = "paused"
	QueueStatusCompleted QueueStatus = "completed"
	QueueStatusFailed    QueueStatus = "failed"
)

// IsTerminal reports whether the queue reached a final state.
func (s QueueStatus) IsTerminal() bool {
	return s == QueueStatusCompleted || s == QueueStatusFailed
}

// Interrupted reports whether a persisted queue in this status indicates an
// execution that did not finish before the process stopped.
func (s QueueStatus) Interrupted() bool {
	return s == QueueStatusRunning || s == QueueStatusPaused
}

// Priority bounds for tasks; lower values dispatch earlier.
const (
	PriorityMin     = 1
	PriorityMax     = 10
	PriorityDefault = 5
)

// Queue is a named unit of work owning an ordered collection of tasks.
type Queue struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Status      QueueStatus   `json:"status"`
	Settings    QueueSettings `json:"settings"`
	Metrics     QueueMetrics  `json:"metrics"`
	Tasks       []*Task       `json:"tasks"`
	CreatedAt   int64         `json:"createdAt"`
	StartedAt   int64         `json:"startedAt,omitempty"`
	CompletedAt int64         `json:"completedAt,omitempty"`
}

// Clone returns a deep copy of the queue and its tasks.
func (q *Queue) Clone() *Queue {
	if q == nil {
		return nil
	}
	c := *q
	c.Tasks = make([]*Task, len(q.Tasks))
	for i, t := range q.Tasks {
		c.Tasks[i] = t.Clone()
	}
	return &c
}

// QueueSettings are the per-queue execution knobs. Delay and timeout values
// are milliseconds.
type QueueSettings struct {
	MaxConcurrency int   `json:"maxConcurrency"`
	RetryCount     int   `json:"retryCount"`
	RetryDelay     int64 `json:"retryDelay"`
	TimeoutPerTask int64 `json:"timeoutPerTask"`
}

// DefaultQueueSettings returns the built-in settings applied when a queue is
// created without overrides.
func DefaultQueueSettings() QueueSettings {
	return QueueSettings{
		MaxConcurrency: 3,
		RetryCount:     3,
		RetryDelay:     2000,
		TimeoutPerTask: 300000,
	}
}

// WithDefaults fills zero fields from d and returns the result.
func (s QueueSettings) WithDefaults(d QueueSettings) QueueSettings {
	if s.MaxConcurrency == 0 {
		s.MaxConcurrency = d.MaxConcurrency
	}
	if s.RetryCount == 0 {
		s.RetryCount = d.RetryCount
	}
	if s.RetryDelay == 0 {
		s.RetryDelay = d.RetryDelay
	}
	if s.TimeoutPerTask == 0 {
		s.TimeoutPerTask = d.TimeoutPerTask
	}
	return s
}

// RetryDelayDuration returns the base backoff as a duration.
func (s QueueSettings) RetryDelayDuration() time.Duration {
	return time.Duration(s.RetryDelay) * time.Millisecond
}

// TaskTimeoutDuration returns the per-task hard deadline as a duration.
func (s QueueSettings) TaskTimeoutDuration() time.Duration {
	return time.Duration(s.TimeoutPerTask) * time.Millisecond
}

// QueueMetrics is a persisted snapshot derived from task statuses.
type QueueMetrics struct {
	TotalTasks          int   `json:"totalTasks"`
	CompletedTasks      int   `json:"completedTasks"`
	FailedTasks         int   `json:"failedTasks"`
	PendingTasks        int   `json:"pendingTasks"`
	InProgressTasks     int   `json:"inProgressTasks"`
	AverageTaskDuration int64 `json:"averageTaskDuration,omitempty"`
}

// ComputeMetrics derives a metrics snapshot from the given tasks. Pending
// counts cover every non-terminal, non-running status; average duration is
// taken over completed tasks carrying both timestamps.
func ComputeMetrics(tasks []*Task) QueueMetrics {
	m := QueueMetrics{TotalTasks: len(tasks)}
	var durTotal int64
	var durCount int64
	for _, t := range tasks {
		switch t.Status {
		case TaskStatusCompleted:
			m.CompletedTasks++
			if t.StartedAt > 0 && t.CompletedAt >= t.StartedAt {
				durTotal += t.CompletedAt - t.StartedAt
				durCount++
			}
		case TaskStatusFailed:
			m.FailedTasks++
		case TaskStatusInProgress:
			m.InProgressTasks++
		case TaskStatusCancelled:
			// terminal, counted in total only
		default:
			m.PendingTasks++
		}
	}
	if durCount > 0 {
		m.AverageTaskDuration = durTotal / durCount
	}
	return m
}

// QueueSummary is the lightweight listing projection of a queue.
type QueueSummary struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Status         QueueStatus `json:"status"`
	TaskCount      int         `json:"taskCount"`
	CompletedCount int         `json:"completedCount"`
	CreatedAt      int64       `json:"createdAt"`
}

// NowMillis returns the current time in milliseconds since epoch, the unit
// used by every persisted and wire-visible timestamp.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// CreateQueueRequest creates a queue with its tasks in one shot.
type CreateQueueRequest struct {
	Name        string              `json:"name" binding:"required"`
	Description string              `json:"description,omitempty"`
	Tasks       []CreateTaskRequest `json:"tasks"`
	Settings    *QueueSettings      `json:"settings,omitempty"`
}

// CreateQueueResponse is returned by POST /api/queue.
type CreateQueueResponse struct {
	QueueID string `json:"queueId"`
	Queue   *Queue `json:"queue"`
}

// QueueResponse wraps a single queue.
type QueueResponse struct {
	Queue *Queue `json:"queue"`
}

// QueueListResponse wraps the summary listing.
type QueueListResponse struct {
	Queues []*QueueSummary `json:"queues"`
}

// StartQueueResponse is returned by POST /api/queue/{id}/start.
type StartQueueResponse struct {
	QueueID   string      `json:"queueId"`
	Status    QueueStatus `json:"status"`
	StreamURL string      `json:"streamUrl"`
}

// QueueStatusResponse is returned by pause/resume.
type QueueStatusResponse struct {
	QueueID string      `json:"queueId"`
	Status  QueueStatus `json:"status"`
}

// DeleteQueueResponse is returned by DELETE /api/queue/{id}.
type DeleteQueueResponse struct {
	QueueID string `json:"queueId"`
	Deleted bool   `json:"deleted"`
}

// BusyAgentsResponse lists agents currently executing a task.
type BusyAgentsResponse struct {
	BusyAgents []string `json:"busyAgents"`
}
