// Package api exposes the queue control surface over HTTP: queue CRUD and
// lifecycle operations, task retry, live event streams over SSE and
// WebSocket, and the operational endpoints.
package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/agentq/agentq/internal/common/errors"
	"github.com/agentq/agentq/internal/common/logger"
	"github.com/agentq/agentq/internal/registry"
	"github.com/agentq/agentq/internal/scheduler"
	"github.com/agentq/agentq/internal/store"
	v1 "github.com/agentq/agentq/pkg/api/v1"
)

// Handler carries the dependencies of the HTTP layer.
type Handler struct {
	store    store.Store
	manager  *scheduler.Manager
	registry *registry.Registry
	defaults v1.QueueSettings
	logger   *logger.Logger
}

// NewHandler creates the API handler.
func NewHandler(st store.Store, manager *scheduler.Manager, reg *registry.Registry, defaults v1.QueueSettings, log *logger.Logger) *Handler {
	return &Handler{
		store:    st,
		manager:  manager,
		registry: reg,
		defaults: defaults.WithDefaults(v1.DefaultQueueSettings()),
		logger:   log.WithFields(zap.String("component", "api")),
	}
}

// CreateQueue handles POST /api/queue.
func (h *Handler) CreateQueue(c *gin.Context) {
	var req v1.CreateQueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if len(req.Tasks) == 0 {
		appErr := apperrors.BadRequest("queue requires at least one task")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	for i, tr := range req.Tasks {
		if tr.AgentID == "" {
			appErr := apperrors.ValidationError(fmt.Sprintf("tasks[%d].agentId", i), "must not be empty")
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		if tr.Message == "" {
			appErr := apperrors.ValidationError(fmt.Sprintf("tasks[%d].message", i), "must not be empty")
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		if tr.Priority != 0 && (tr.Priority < v1.PriorityMin || tr.Priority > v1.PriorityMax) {
			appErr := apperrors.ValidationError(fmt.Sprintf("tasks[%d].priority", i),
				fmt.Sprintf("must be between %d and %d", v1.PriorityMin, v1.PriorityMax))
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		if tr.EstimatedComplexity != "" && !tr.EstimatedComplexity.Valid() {
			appErr := apperrors.ValidationError(fmt.Sprintf("tasks[%d].estimatedComplexity", i),
				"must be one of: low, medium, high")
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		if tr.MaxRetries < 0 {
			appErr := apperrors.ValidationError(fmt.Sprintf("tasks[%d].maxRetries", i), "must not be negative")
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
	}

	settings := h.defaults
	if req.Settings != nil {
		settings = req.Settings.WithDefaults(h.defaults)
	}
	if settings.MaxConcurrency < 1 {
		appErr := apperrors.ValidationError("settings.maxConcurrency", "must be at least 1")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	now := v1.NowMillis()
	q := &v1.Queue{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Description: req.Description,
		Status:      v1.QueueStatusIdle,
		Settings:    settings,
		CreatedAt:   now,
	}
	for _, tr := range req.Tasks {
		priority := tr.Priority
		if priority == 0 {
			priority = v1.PriorityDefault
		}
		maxRetries := tr.MaxRetries
		if maxRetries == 0 {
			maxRetries = settings.RetryCount
		}
		q.Tasks = append(q.Tasks, &v1.Task{
			ID:                  uuid.NewString(),
			QueueID:             q.ID,
			AgentID:             tr.AgentID,
			Message:             tr.Message,
			Priority:            priority,
			EstimatedComplexity: tr.EstimatedComplexity,
			MaxRetries:          maxRetries,
			Status:              v1.TaskStatusPending,
			CreatedAt:           now,
		})
	}
	q.Metrics = v1.ComputeMetrics(q.Tasks)

	if err := h.store.SaveQueue(c.Request.Context(), q); err != nil {
		appErr := apperrors.InternalError("failed to persist queue", err)
		h.logger.Error("queue creation failed", zap.Error(err))
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	h.logger.Info("queue created",
		zap.String("queue_id", q.ID),
		zap.String("name", q.Name),
		zap.Int("tasks", len(q.Tasks)))
	c.JSON(http.StatusCreated, v1.CreateQueueResponse{QueueID: q.ID, Queue: q})
}

// GetQueue handles GET /api/queue/:id.
func (h *Handler) GetQueue(c *gin.Context) {
	queueID := c.Param("id")
	q, err := h.store.LoadQueue(c.Request.Context(), queueID)
	if err != nil {
		h.respondStoreError(c, err, queueID)
		return
	}
	// Derive metrics from live task state so reads never serve a stale
	// snapshot.
	q.Metrics = v1.ComputeMetrics(q.Tasks)
	c.JSON(http.StatusOK, v1.QueueResponse{Queue: q})
}

// ListQueues handles GET /api/queues.
func (h *Handler) ListQueues(c *gin.Context) {
	summaries, err := h.store.ListQueues(c.Request.Context())
	if err != nil {
		appErr := apperrors.InternalError("failed to list queues", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if summaries == nil {
		summaries = []*v1.QueueSummary{}
	}
	c.JSON(http.StatusOK, v1.QueueListResponse{Queues: summaries})
}

// DeleteQueue handles DELETE /api/queue/:id. A running queue is rejected
// unless force=true, which stops the run first.
func (h *Handler) DeleteQueue(c *gin.Context) {
	queueID := c.Param("id")
	ctx := c.Request.Context()

	if _, err := h.store.LoadQueue(ctx, queueID); err != nil {
		h.respondStoreError(c, err, queueID)
		return
	}

	if h.manager.IsActive(queueID) {
		if c.Query("force") != "true" {
			appErr := apperrors.BadRequest("queue is running; pass force=true to stop and delete it")
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		if err := h.manager.StopQueue(ctx, queueID); err != nil && !errors.Is(err, scheduler.ErrQueueNotRunning) {
			appErr := apperrors.InternalError("failed to stop queue", err)
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
	}

	if err := h.store.DeleteQueue(ctx, queueID); err != nil {
		appErr := apperrors.InternalError("failed to delete queue", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	h.logger.Info("queue deleted", zap.String("queue_id", queueID))
	c.JSON(http.StatusOK, v1.DeleteQueueResponse{QueueID: queueID, Deleted: true})
}

// StartQueue handles POST /api/queue/:id/start. Execution happens in the
// background; progress is observed on the stream endpoints.
func (h *Handler) StartQueue(c *gin.Context) {
	queueID := c.Param("id")
	ctx := c.Request.Context()

	if _, err := h.store.LoadQueue(ctx, queueID); err != nil {
		h.respondStoreError(c, err, queueID)
		return
	}
	if h.manager.IsActive(queueID) {
		appErr := apperrors.BadRequest("queue is already running")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.manager.StartQueue(ctx, queueID); err != nil {
		switch {
		case errors.Is(err, scheduler.ErrQueueAlreadyRunning):
			appErr := apperrors.BadRequest("queue is already running")
			c.JSON(appErr.HTTPStatus, appErr)
		case errors.Is(err, store.ErrQueueNotFound):
			appErr := apperrors.NotFound("queue", queueID)
			c.JSON(appErr.HTTPStatus, appErr)
		default:
			appErr := apperrors.InternalError("failed to start queue", err)
			c.JSON(appErr.HTTPStatus, appErr)
		}
		return
	}

	c.JSON(http.StatusOK, v1.StartQueueResponse{
		QueueID:   queueID,
		Status:    v1.QueueStatusRunning,
		StreamURL: "/api/queue/stream/" + queueID,
	})
}

// PauseQueue handles POST /api/queue/:id/pause.
func (h *Handler) PauseQueue(c *gin.Context) {
	queueID := c.Param("id")
	if !h.manager.Pause(queueID) {
		if _, err := h.store.LoadQueue(c.Request.Context(), queueID); err != nil {
			h.respondStoreError(c, err, queueID)
			return
		}
		appErr := apperrors.BadRequest("queue is not running")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, v1.QueueStatusResponse{QueueID: queueID, Status: v1.QueueStatusPaused})
}

// ResumeQueue handles POST /api/queue/:id/resume. A paused run resumes in
// place; a paused queue with no live run (after a restart) starts a new one.
func (h *Handler) ResumeQueue(c *gin.Context) {
	queueID := c.Param("id")
	ctx := c.Request.Context()

	if h.manager.Resume(queueID) {
		c.JSON(http.StatusOK, v1.QueueStatusResponse{QueueID: queueID, Status: v1.QueueStatusRunning})
		return
	}

	q, err := h.store.LoadQueue(ctx, queueID)
	if err != nil {
		h.respondStoreError(c, err, queueID)
		return
	}
	if q.Status != v1.QueueStatusPaused {
		appErr := apperrors.BadRequest("queue is not paused")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if err := h.manager.StartQueue(ctx, queueID); err != nil && !errors.Is(err, scheduler.ErrQueueAlreadyRunning) {
		appErr := apperrors.InternalError("failed to resume queue", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, v1.QueueStatusResponse{QueueID: queueID, Status: v1.QueueStatusRunning})
}

// RetryTask handles POST /api/queue/:id/tasks/:taskId/retry. The stored task
// resets to pending with a zeroed attempt counter; a live run is notified so
// its in-memory view follows.
func (h *Handler) RetryTask(c *gin.Context) {
	queueID := c.Param("id")
	taskID := c.Param("taskId")
	ctx := c.Request.Context()

	q, err := h.store.LoadQueue(ctx, queueID)
	if err != nil {
		h.respondStoreError(c, err, queueID)
		return
	}
	found := false
	for _, task := range q.Tasks {
		if task.ID == taskID {
			found = true
			break
		}
	}
	if !found {
		appErr := apperrors.NotFound("task", taskID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	pending := v1.TaskStatusPending
	zero := int64(0)
	attempts := 0
	upd := store.TaskUpdate{
		Status:      &pending,
		RetryCount:  &attempts,
		StartedAt:   &zero,
		CompletedAt: &zero,
		ClearResult: true,
		ClearError:  true,
	}
	if err := h.store.UpdateTask(ctx, taskID, upd); err != nil {
		appErr := apperrors.InternalError("failed to reset task", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if err := h.store.RequeueTask(ctx, queueID, taskID); err != nil {
		appErr := apperrors.InternalError("failed to requeue task", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	h.manager.NotifyTaskRetry(queueID, taskID)

	task, err := h.store.LoadTask(ctx, taskID)
	if err != nil {
		appErr := apperrors.InternalError("failed to load task", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	h.logger.Info("task reset for retry",
		zap.String("queue_id", queueID),
		zap.String("task_id", taskID))
	c.JSON(http.StatusOK, v1.TaskResponse{Task: task})
}

// BusyAgents handles GET /api/queue/busy-agents.
func (h *Handler) BusyAgents(c *gin.Context) {
	busy, err := h.store.GetBusyAgents(c.Request.Context())
	if err != nil {
		appErr := apperrors.InternalError("failed to load busy agents", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if busy == nil {
		busy = []string{}
	}
	c.JSON(http.StatusOK, v1.BusyAgentsResponse{BusyAgents: busy})
}

// agentListResponse wraps the configured worker agents.
type agentListResponse struct {
	Agents []registry.Agent `json:"agents"`
}

// ListAgents handles GET /api/agents.
func (h *Handler) ListAgents(c *gin.Context) {
	c.JSON(http.StatusOK, agentListResponse{Agents: h.registry.List()})
}

// Health handles GET /health.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"storeAvailable": h.store.Available(),
		"activeQueues":   h.manager.ActiveCount(),
	})
}

// respondStoreError maps store lookup failures onto HTTP responses.
func (h *Handler) respondStoreError(c *gin.Context, err error, queueID string) {
	if errors.Is(err, store.ErrQueueNotFound) {
		appErr := apperrors.NotFound("queue", queueID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	appErr := apperrors.InternalError("store access failed", err)
	h.logger.Error("store access failed", zap.String("queue_id", queueID), zap.Error(err))
	c.JSON(appErr.HTTPStatus, appErr)
}
