package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/phrazzld/conductor/internal/api/shared"
	"github.com/phrazzld/conductor/internal/platform/logger"
	"github.com/phrazzld/conductor/internal/service"
	"github.com/phrazzld/conductor/internal/task"
)

// TaskHandler handles task-related HTTP requests
type TaskHandler struct {
	orchestrator service.Orchestrator
	logger       *slog.Logger
	now          func() time.Time
}

// NewTaskHandler creates a new TaskHandler
func NewTaskHandler(orchestrator service.Orchestrator, logger *slog.Logger) *TaskHandler {
	if logger == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for TaskHandler")
	}
	return &TaskHandler{
		orchestrator: orchestrator,
		logger:       logger.With(slog.String("component", "task_handler")),
		now:          time.Now,
	}
}

// EnqueueTask handles POST /api/tasks requests.
// The task runs asynchronously, so the response is 202 Accepted with its id.
func (h *TaskHandler) EnqueueTask(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	var req EnqueueTaskRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		HandleValidationError(w, r, err)
		return
	}

	opts := task.EnqueueOptions{
		Priority:     req.Priority,
		ScheduledFor: req.ScheduledFor,
		MaxRetries:   req.MaxRetries,
		OwnerID:      ownerFromRequest(r),
	}
	if opts.ScheduledFor == nil && req.DelayMs != nil && *req.DelayMs > 0 {
		at := h.now().UTC().Add(time.Duration(*req.DelayMs) * time.Millisecond)
		opts.ScheduledFor = &at
	}

	id, err := h.orchestrator.EnqueueTask(r.Context(), req.Type, req.Payload, opts)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to enqueue task")
		return
	}

	log.DebugContext(r.Context(), "task accepted", "task_id", id, "task_type", req.Type)
	shared.RespondWithJSON(w, r, http.StatusAccepted, EnqueueTaskResponse{
		Success: true,
		TaskID:  id.String(),
	})
}

// GetTask handles GET /api/tasks/{id} requests.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, err := getPathUUID(r, "id")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	t, err := h.orchestrator.GetTask(r.Context(), id, ownerFromRequest(r))
	if err != nil {
		HandleAPIError(w, r, err, "Failed to get task")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, taskToResponse(t))
}

// ListTasks handles GET /api/tasks requests. Authenticated callers only see
// their own tasks.
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	limit, err := getQueryInt(r, "limit")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	query := r.URL.Query()
	tasks, err := h.orchestrator.ListTasks(r.Context(), task.Filter{
		Status:  task.Status(query.Get("status")),
		Type:    query.Get("type"),
		OwnerID: ownerFromRequest(r),
		Limit:   limit,
	})
	if err != nil {
		HandleAPIError(w, r, err, "Failed to list tasks")
		return
	}

	resp := ListTasksResponse{Tasks: make([]TaskResponse, 0, len(tasks)), Count: len(tasks)}
	for _, t := range tasks {
		resp.Tasks = append(resp.Tasks, taskToResponse(t))
	}
	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}

// CancelTask handles POST /api/tasks/{id}/cancel requests.
func (h *TaskHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	id, err := getPathUUID(r, "id")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	ownerID := ownerFromRequest(r)
	if err := h.orchestrator.CancelTask(r.Context(), id, ownerID); err != nil {
		HandleAPIError(w, r, err, "Failed to cancel task")
		return
	}

	t, err := h.orchestrator.GetTask(r.Context(), id, ownerID)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to get task")
		return
	}

	log.InfoContext(r.Context(), "task cancelled", "task_id", id)
	shared.RespondWithJSON(w, r, http.StatusOK, taskToResponse(t))
}
