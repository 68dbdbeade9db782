package api

import (
	"log/slog"
	"net/http"

	"github.com/phrazzld/conductor/internal/api/shared"
	"github.com/phrazzld/conductor/internal/platform/logger"
	"github.com/phrazzld/conductor/internal/service"
)

// WorkflowHandler handles workflow-related HTTP requests
type WorkflowHandler struct {
	orchestrator service.Orchestrator
	logger       *slog.Logger
}

// NewWorkflowHandler creates a new WorkflowHandler
func NewWorkflowHandler(orchestrator service.Orchestrator, logger *slog.Logger) *WorkflowHandler {
	if logger == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for WorkflowHandler")
	}
	return &WorkflowHandler{
		orchestrator: orchestrator,
		logger:       logger.With(slog.String("component", "workflow_handler")),
	}
}

// CreateWorkflow handles POST /api/workflows requests.
// Execution continues in the background, so the response is 202 Accepted
// with the snapshot taken before the first step starts.
func (h *WorkflowHandler) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	var req CreateWorkflowRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		HandleValidationError(w, r, err)
		return
	}

	opts := service.WorkflowOptions{
		MaxAgents:     req.MaxAgents,
		TimeoutMs:     req.TimeoutMs,
		Priority:      req.Priority,
		Strategy:      req.Strategy,
		Agents:        req.Agents,
		OwnerID:       ownerFromRequest(r),
		SharedContext: req.SharedContext,
	}
	for _, s := range req.Steps {
		opts.Steps = append(opts.Steps, service.StepSpec{
			ID:           s.ID,
			Name:         s.Name,
			Agent:        s.Agent,
			Action:       s.Action,
			Dependencies: s.Dependencies,
			Input:        s.Input,
		})
	}

	inst, err := h.orchestrator.CreateWorkflow(r.Context(), req.Description, opts)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to create workflow")
		return
	}

	log.DebugContext(r.Context(), "workflow accepted",
		"workflow_id", inst.ID,
		"strategy", inst.Strategy,
		"step_count", len(inst.Steps))
	shared.RespondWithJSON(w, r, http.StatusAccepted, workflowToResponse(inst))
}

// GetWorkflow handles GET /api/workflows/{id} requests.
func (h *WorkflowHandler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	id, err := getPathParam(r, "id")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	inst, err := h.orchestrator.GetWorkflow(r.Context(), id, ownerFromRequest(r))
	if err != nil {
		HandleAPIError(w, r, err, "Failed to get workflow")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, workflowToResponse(inst))
}

// CancelWorkflow handles POST /api/workflows/{id}/cancel requests.
func (h *WorkflowHandler) CancelWorkflow(w http.ResponseWriter, r *http.Request) {
	id, err := getPathParam(r, "id")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	inst, err := h.orchestrator.CancelWorkflow(r.Context(), id, ownerFromRequest(r))
	if err != nil {
		HandleAPIError(w, r, err, "Failed to cancel workflow")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, workflowToResponse(inst))
}

// GetSharedContext handles GET /api/workflows/{id}/context requests.
func (h *WorkflowHandler) GetSharedContext(w http.ResponseWriter, r *http.Request) {
	id, err := getPathParam(r, "id")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	values, err := h.orchestrator.GetSharedContext(r.Context(), id, ownerFromRequest(r))
	if err != nil {
		HandleAPIError(w, r, err, "Failed to get shared context")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, SharedContextResponse{WorkflowID: id, Context: values})
}

// UpdateSharedContext handles PATCH /api/workflows/{id}/context requests.
func (h *WorkflowHandler) UpdateSharedContext(w http.ResponseWriter, r *http.Request) {
	id, err := getPathParam(r, "id")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	var req SharedContextRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		HandleValidationError(w, r, err)
		return
	}

	values, err := h.orchestrator.UpdateSharedContext(r.Context(), id, ownerFromRequest(r), req.Updates)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to update shared context")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, SharedContextResponse{WorkflowID: id, Context: values})
}
