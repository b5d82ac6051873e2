package v1

// EventType tags a queue lifecycle event.
type EventType string

const (
	EventQueueStarted   EventType = "queue_started"
	EventQueuePaused    EventType = "queue_paused"
	EventQueueResumed   EventType = "queue_resumed"
	EventQueueCompleted EventType = "queue_completed"
	EventQueueFailed    EventType = "queue_failed"
	EventTaskStarted    EventType = "task_started"
	EventTaskCompleted  EventType = "task_completed"
	EventTaskFailed     EventType = "task_failed"
	EventTaskRetrying   EventType = "task_retrying"

	// EventTaskProgress is reserved for streaming partial content; the
	// scheduler does not emit it.
	EventTaskProgress EventType = "task_progress"
)

// QueueEvent is the tagged union carried over SSE, WebSocket, and pub/sub.
// Only the fields relevant to the event type are populated.
type QueueEvent struct {
	Type       EventType     `json:"type"`
	QueueID    string        `json:"queueId"`
	TaskID     string        `json:"taskId,omitempty"`
	AgentID    string        `json:"agentId,omitempty"`
	Attempt    int           `json:"attempt,omitempty"`
	MaxRetries int           `json:"maxRetries,omitempty"`
	Result     *TaskResult   `json:"result,omitempty"`
	Error      *TaskError    `json:"error,omitempty"`
	Metrics    *QueueMetrics `json:"metrics,omitempty"`
	Timestamp  int64         `json:"timestamp"`
}

// Clone returns a deep copy so subscribers cannot mutate shared state.
func (e *QueueEvent) Clone() *QueueEvent {
	if e == nil {
		return nil
	}
	c := *e
	c.Result = e.Result.Clone()
	c.Error = e.Error.Clone()
	if e.Metrics != nil {
		m := *e.Metrics
		c.Metrics = &m
	}
	return &c
}

// NewQueueStartedEvent marks the beginning of queue execution.
func NewQueueStartedEvent(queueID string) *QueueEvent {
	return &QueueEvent{Type: EventQueueStarted, QueueID: queueID, Timestamp: NowMillis()}
}

// NewQueuePausedEvent marks a pause taking effect.
func NewQueuePausedEvent(queueID string) *QueueEvent {
	return &QueueEvent{Type: EventQueuePaused, QueueID: queueID, Timestamp: NowMillis()}
}

// NewQueueResumedEvent marks execution resuming after a pause.
func NewQueueResumedEvent(queueID string) *QueueEvent {
	return &QueueEvent{Type: EventQueueResumed, QueueID: queueID, Timestamp: NowMillis()}
}

// NewQueueCompletedEvent carries the final metrics snapshot.
func NewQueueCompletedEvent(queueID string, m QueueMetrics) *QueueEvent {
	return &QueueEvent{Type: EventQueueCompleted, QueueID: queueID, Metrics: &m, Timestamp: NowMillis()}
}

// NewQueueFailedEvent carries the terminal failure cause.
func NewQueueFailedEvent(queueID string, cause *TaskError) *QueueEvent {
	return &QueueEvent{Type: EventQueueFailed, QueueID: queueID, Error: cause, Timestamp: NowMillis()}
}

// NewTaskStartedEvent marks one dispatch beginning.
func NewTaskStartedEvent(queueID, taskID, agentID string) *QueueEvent {
	return &QueueEvent{Type: EventTaskStarted, QueueID: queueID, TaskID: taskID, AgentID: agentID, Timestamp: NowMillis()}
}

// NewTaskCompletedEvent carries the task result.
func NewTaskCompletedEvent(queueID, taskID string, result *TaskResult) *QueueEvent {
	return &QueueEvent{Type: EventTaskCompleted, QueueID: queueID, TaskID: taskID, Result: result, Timestamp: NowMillis()}
}

// NewTaskFailedEvent carries the terminal task error.
func NewTaskFailedEvent(queueID, taskID string, taskErr *TaskError) *QueueEvent {
	return &QueueEvent{Type: EventTaskFailed, QueueID: queueID, TaskID: taskID, Error: taskErr, Timestamp: NowMillis()}
}

// NewTaskRetryingEvent marks a retryable failure scheduled for another attempt.
func NewTaskRetryingEvent(queueID, taskID string, attempt, maxRetries int) *QueueEvent {
	return &QueueEvent{Type: EventTaskRetrying, QueueID: queueID, TaskID: taskID, Attempt: attempt, MaxRetries: maxRetries, Timestamp: NowMillis()}
}
