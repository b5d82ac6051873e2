package v1

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusRetrying   TaskStatus = "retrying"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// Dispatchable reports whether the scheduler may select the task for dispatch.
func (s TaskStatus) Dispatchable() bool {
	return s == TaskStatusPending || s == TaskStatusQueued
}

// Complexity is an optional size hint attached to a task.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// Valid reports whether c is one of the recognized complexity values.
func (c Complexity) Valid() bool {
	return c == ComplexityLow || c == ComplexityMedium || c == ComplexityHigh
}

// ResultType classifies a task result.
type ResultType string

const (
	ResultTypeSuccess ResultType = "success"
	ResultTypePartial ResultType = "partial"
)

// ErrorType classifies a task error for retry decisions.
type ErrorType string

const (
	ErrorTypeExecution ErrorType = "execution"
	ErrorTypeTimeout   ErrorType = "timeout"
	ErrorTypeNetwork   ErrorType = "network"
	ErrorTypeAbort     ErrorType = "abort"
)

// Task is one unit of work addressed to one agent.
// Timestamps are milliseconds since epoch; zero means unset.
type Task struct {
	ID                  string      `json:"id"`
	QueueID             string      `json:"queueId"`
	AgentID             string      `json:"agentId"`
	Message             string      `json:"message"`
	Priority            int         `json:"priority"`
	EstimatedComplexity Complexity  `json:"estimatedComplexity,omitempty"`
	RetryCount          int         `json:"retryCount"`
	MaxRetries          int         `json:"maxRetries"`
	Status              TaskStatus  `json:"status"`
	CreatedAt           int64       `json:"createdAt"`
	StartedAt           int64       `json:"startedAt,omitempty"`
	CompletedAt         int64       `json:"completedAt,omitempty"`
	Result              *TaskResult `json:"result,omitempty"`
	Error               *TaskError  `json:"error,omitempty"`
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Result = t.Result.Clone()
	c.Error = t.Error.Clone()
	return &c
}

// TaskResult is the successful outcome of one task invocation.
type TaskResult struct {
	Type        ResultType `json:"type"`
	Content     string     `json:"content"`
	SessionID   string     `json:"sessionId,omitempty"`
	CompletedAt int64      `json:"completedAt"`
}

// Clone returns a copy of the result.
func (r *TaskResult) Clone() *TaskResult {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// TaskError is the failed outcome of one task invocation. Retryable is
// decided by the invoker and is final; the scheduler never reclassifies.
type TaskError struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	Retryable  bool      `json:"retryable"`
	OccurredAt int64     `json:"occurredAt"`
}

// Error implements the error interface.
func (e *TaskError) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Type) + ": " + e.Message
}

// Clone returns a copy of the error.
func (e *TaskError) Clone() *TaskError {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}

// CreateTaskRequest describes one task inside a queue creation request.
type CreateTaskRequest struct {
	AgentID             string     `json:"agentId" binding:"required"`
	Message             string     `json:"message" binding:"required"`
	Priority            int        `json:"priority,omitempty"`
	EstimatedComplexity Complexity `json:"estimatedComplexity,omitempty"`
	MaxRetries          int        `json:"maxRetries,omitempty"`
}

// TaskResponse wraps a single task.
type TaskResponse struct {
	Task *Task `json:"task"`
}
