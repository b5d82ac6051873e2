package store

import (
	"encoding/json"
	"fmt"
	"strconv"

	v1 "github.com/agentq/agentq/pkg/api/v1"
)

// Records are stored as string-valued hashes. Every scalar is stringified and
// the empty string uniformly encodes "absent", so naive key/value backends
// round-trip records without schema support. Complex sub-records (result,
// error) are nested JSON within the hash.

func formatMillis(v int64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatInt(v, 10)
}

func parseMillis(s string) int64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func parseIntField(s string) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

func encodeResult(r *v1.TaskResult) (string, error) {
	if r == nil {
		return "", nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encode task result: %w", err)
	}
	return string(b), nil
}

func encodeTaskError(e *v1.TaskError) (string, error) {
	if e == nil {
		return "", nil
	}
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encode task error: %w", err)
	}
	return string(b), nil
}

// taskToHash flattens a task into a string-valued record.
func taskToHash(t *v1.Task) (map[string]interface{}, error) {
	result, err := encodeResult(t.Result)
	if err != nil {
		return nil, err
	}
	taskErr, err := encodeTaskError(t.Error)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"id":                  t.ID,
		"queueId":             t.QueueID,
		"agentId":             t.AgentID,
		"message":             t.Message,
		"priority":            strconv.Itoa(t.Priority),
		"estimatedComplexity": string(t.EstimatedComplexity),
		"retryCount":          strconv.Itoa(t.RetryCount),
		"maxRetries":          strconv.Itoa(t.MaxRetries),
		"status":              string(t.Status),
		"createdAt":           strconv.FormatInt(t.CreatedAt, 10),
		"startedAt":           formatMillis(t.StartedAt),
		"completedAt":         formatMillis(t.CompletedAt),
		"result":              result,
		"error":               taskErr,
	}, nil
}

// taskFromHash rebuilds a task from its stored record.
func taskFromHash(h map[string]string) (*v1.Task, error) {
	if len(h) == 0 || h["id"] == "" {
		return nil, ErrTaskNotFound
	}
	t := &v1.Task{
		ID:                  h["id"],
		QueueID:             h["queueId"],
		AgentID:             h["agentId"],
		Message:             h["message"],
		Priority:            parseIntField(h["priority"]),
		EstimatedComplexity: v1.Complexity(h["estimatedComplexity"]),
		RetryCount:          parseIntField(h["retryCount"]),
		MaxRetries:          parseIntField(h["maxRetries"]),
		Status:              v1.TaskStatus(h["status"]),
		CreatedAt:           parseMillis(h["createdAt"]),
		StartedAt:           parseMillis(h["startedAt"]),
		CompletedAt:         parseMillis(h["completedAt"]),
	}
	if raw := h["result"]; raw != "" {
		var r v1.TaskResult
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("decode result for task %s: %w", t.ID, err)
		}
		t.Result = &r
	}
	if raw := h["error"]; raw != "" {
		var e v1.TaskError
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode error for task %s: %w", t.ID, err)
		}
		t.Error = &e
	}
	return t, nil
}

// queueToHash flattens queue metadata, settings, and metrics. Tasks are
// stored separately under their own keys.
func queueToHash(q *v1.Queue) map[string]interface{} {
	return map[string]interface{}{
		"id":          q.ID,
		"name":        q.Name,
		"description": q.Description,
		"status":      string(q.Status),

		"maxConcurrency": strconv.Itoa(q.Settings.MaxConcurrency),
		"retryCount":     strconv.Itoa(q.Settings.RetryCount),
		"retryDelay":     strconv.FormatInt(q.Settings.RetryDelay, 10),
		"timeoutPerTask": strconv.FormatInt(q.Settings.TimeoutPerTask, 10),

		"totalTasks":          strconv.Itoa(q.Metrics.TotalTasks),
		"completedTasks":      strconv.Itoa(q.Metrics.CompletedTasks),
		"failedTasks":         strconv.Itoa(q.Metrics.FailedTasks),
		"pendingTasks":        strconv.Itoa(q.Metrics.PendingTasks),
		"inProgressTasks":     strconv.Itoa(q.Metrics.InProgressTasks),
		"averageTaskDuration": strconv.FormatInt(q.Metrics.AverageTaskDuration, 10),

		"createdAt":   strconv.FormatInt(q.CreatedAt, 10),
		"startedAt":   formatMillis(q.StartedAt),
		"completedAt": formatMillis(q.CompletedAt),
	}
}

// queueFromHash rebuilds queue metadata. The caller attaches tasks.
func queueFromHash(h map[string]string) (*v1.Queue, error) {
	if len(h) == 0 || h["id"] == "" {
		return nil, ErrQueueNotFound
	}
	return &v1.Queue{
		ID:          h["id"],
		Name:        h["name"],
		Description: h["description"],
		Status:      v1.QueueStatus(h["status"]),
		Settings: v1.QueueSettings{
			MaxConcurrency: parseIntField(h["maxConcurrency"]),
			RetryCount:     parseIntField(h["retryCount"]),
			RetryDelay:     parseMillis(h["retryDelay"]),
			TimeoutPerTask: parseMillis(h["timeoutPerTask"]),
		},
		Metrics: v1.QueueMetrics{
			TotalTasks:          parseIntField(h["totalTasks"]),
			CompletedTasks:      parseIntField(h["completedTasks"]),
			FailedTasks:         parseIntField(h["failedTasks"]),
			PendingTasks:        parseIntField(h["pendingTasks"]),
			InProgressTasks:     parseIntField(h["inProgressTasks"]),
			AverageTaskDuration: parseMillis(h["averageTaskDuration"]),
		},
		Tasks:       []*v1.Task{},
		CreatedAt:   parseMillis(h["createdAt"]),
		StartedAt:   parseMillis(h["startedAt"]),
		CompletedAt: parseMillis(h["completedAt"]),
	}, nil
}

// metricsToHash flattens just the metrics snapshot for partial updates.
func metricsToHash(m v1.QueueMetrics) map[string]interface{} {
	return map[string]interface{}{
		"totalTasks":          strconv.Itoa(m.TotalTasks),
		"completedTasks":      strconv.Itoa(m.CompletedTasks),
		"failedTasks":         strconv.Itoa(m.FailedTasks),
		"pendingTasks":        strconv.Itoa(m.PendingTasks),
		"inProgressTasks":     strconv.Itoa(m.InProgressTasks),
		"averageTaskDuration": strconv.FormatInt(m.AverageTaskDuration, 10),
	}
}

// taskUpdateToHash flattens a partial update into the fields it touches.
func taskUpdateToHash(upd TaskUpdate) (map[string]interface{}, error) {
	fields := make(map[string]interface{})
	if upd.Status != nil {
		fields["status"] = string(*upd.Status)
	}
	if upd.StartedAt != nil {
		fields["startedAt"] = formatMillis(*upd.StartedAt)
	}
	if upd.CompletedAt != nil {
		fields["completedAt"] = formatMillis(*upd.CompletedAt)
	}
	if upd.RetryCount != nil {
		fields["retryCount"] = strconv.Itoa(*upd.RetryCount)
	}
	if upd.Result != nil {
		encoded, err := encodeResult(upd.Result)
		if err != nil {
			return nil, err
		}
		fields["result"] = encoded
	} else if upd.ClearResult {
		fields["result"] = ""
	}
	if upd.Error != nil {
		encoded, err := encodeTaskError(upd.Error)
		if err != nil {
			return nil, err
		}
		fields["error"] = encoded
	} else if upd.ClearError {
		fields["error"] = ""
	}
	return fields, nil
}

// applyTaskUpdate merges a partial update into an in-memory task.
func applyTaskUpdate(t *v1.Task, upd TaskUpdate) {
	if upd.Status != nil {
		t.Status = *upd.Status
	}
	if upd.StartedAt != nil {
		t.StartedAt = *upd.StartedAt
	}
	if upd.CompletedAt != nil {
		t.CompletedAt = *upd.CompletedAt
	}
	if upd.RetryCount != nil {
		t.RetryCount = *upd.RetryCount
	}
	if upd.Result != nil {
		t.Result = upd.Result.Clone()
	} else if upd.ClearResult {
		t.Result = nil
	}
	if upd.Error != nil {
		t.Error = upd.Error.Clone()
	} else if upd.ClearError {
		t.Error = nil
	}
}

// summaryFromQueue projects the listing row.
func summaryFromQueue(q *v1.Queue) *v1.QueueSummary {
	return &v1.QueueSummary{
		ID:             q.ID,
		Name:           q.Name,
		Status:         q.Status,
		TaskCount:      q.Metrics.TotalTasks,
		CompletedCount: q.Metrics.CompletedTasks,
		CreatedAt:      q.CreatedAt,
	}
}

// pendingIDs returns the ids of dispatchable tasks in insertion order for
// seeding a queue's pending list.
func pendingIDs(tasks []*v1.Task) []string {
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if t.Status.Dispatchable() {
			ids = append(ids, t.ID)
		}
	}
	return ids
}
