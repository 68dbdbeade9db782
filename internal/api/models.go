package api

import (
	"encoding/json"
	"time"

	"github.com/phrazzld/conductor/internal/resilience"
	"github.com/phrazzld/conductor/internal/task"
	"github.com/phrazzld/conductor/internal/workflow"
)

// EnqueueTaskRequest defines the payload for POST /api/tasks.
type EnqueueTaskRequest struct {
	Type     string          `json:"type"     validate:"required,max=128"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Priority int             `json:"priority"`

	// ScheduledFor delays the task until the given instant
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`

	// DelayMs delays the task relative to now; ignored when ScheduledFor is set
	DelayMs *int64 `json:"delay_ms,omitempty" validate:"omitempty,gte=0"`

	// MaxRetries overrides the scheduler default
	MaxRetries *int `json:"max_retries,omitempty" validate:"omitempty,gte=0"`
}

// EnqueueTaskResponse is returned when a task is accepted.
type EnqueueTaskResponse struct {
	Success bool   `json:"success"`
	TaskID  string `json:"task_id"`
}

// TaskResponse represents a task in API responses.
type TaskResponse struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Priority     int             `json:"priority"`
	Status       string          `json:"status"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	ScheduledFor *time.Time      `json:"scheduled_for,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
	LastError    string          `json:"last_error,omitempty"`
	OwnerID      string          `json:"owner_id,omitempty"`
}

// ListTasksResponse wraps a task listing.
type ListTasksResponse struct {
	Tasks []TaskResponse `json:"tasks"`
	Count int            `json:"count"`
}

// StepRequest is one explicit workflow step.
type StepRequest struct {
	ID           string          `json:"id"           validate:"required,max=128"`
	Name         string          `json:"name,omitempty"`
	Agent        string          `json:"agent"        validate:"required,max=128"`
	Action       string          `json:"action,omitempty"`
	Dependencies []string        `json:"dependencies,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
}

// CreateWorkflowRequest defines the payload for POST /api/workflows.
type CreateWorkflowRequest struct {
	Description   string         `json:"description"          validate:"required,max=4096"`
	MaxAgents     int            `json:"max_agents,omitempty" validate:"gte=0"`
	TimeoutMs     int64          `json:"timeout_ms,omitempty" validate:"gte=0"`
	Priority      int            `json:"priority,omitempty"`
	Strategy      string         `json:"strategy,omitempty"`
	Agents        []string       `json:"agents,omitempty"     validate:"dive,required"`
	Steps         []StepRequest  `json:"steps,omitempty"      validate:"dive"`
	SharedContext map[string]any `json:"shared_context,omitempty"`
}

// StepResponse represents a workflow step in API responses.
type StepResponse struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Agent        string          `json:"agent"`
	Action       string          `json:"action"`
	Dependencies []string        `json:"dependencies"`
	Status       string          `json:"status"`
	Output       json.RawMessage `json:"output,omitempty"`
	RetryCount   int             `json:"retry_count"`
	Error        string          `json:"error,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// WorkflowResponse represents a workflow instance in API responses.
type WorkflowResponse struct {
	ID                  string                `json:"id"`
	Description         string                `json:"description"`
	OwnerID             string                `json:"owner_id,omitempty"`
	Status              string                `json:"status"`
	Strategy            string                `json:"strategy"`
	Complexity          string                `json:"complexity"`
	PrimaryAgent        string                `json:"primary_agent"`
	SupportingAgents    []string              `json:"supporting_agents"`
	Priority            int                   `json:"priority"`
	TimeoutMs           int64                 `json:"timeout_ms"`
	EstimatedDurationMs int64                 `json:"estimated_duration_ms"`
	Progress            float64               `json:"progress"`
	Steps               []StepResponse        `json:"steps"`
	Results             []workflow.StepResult `json:"results"`
	FailedSteps         []string              `json:"failed_steps,omitempty"`
	Error               string                `json:"error,omitempty"`
	CreatedAt           time.Time             `json:"created_at"`
	StartedAt           *time.Time            `json:"started_at,omitempty"`
	CompletedAt         *time.Time            `json:"completed_at,omitempty"`
}

// SharedContextRequest defines the payload for PATCH /api/workflows/{id}/context.
type SharedContextRequest struct {
	Updates map[string]any `json:"updates" validate:"required,min=1"`
}

// SharedContextResponse returns a workflow's shared context.
type SharedContextResponse struct {
	WorkflowID string         `json:"workflow_id"`
	Context    map[string]any `json:"context"`
}

// BreakersResponse lists circuit breaker states.
type BreakersResponse struct {
	Breakers []resilience.BreakerState `json:"breakers"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
}

// taskToResponse converts a task.Task to a TaskResponse
func taskToResponse(t *task.Task) TaskResponse {
	return TaskResponse{
		ID:           t.ID.String(),
		Type:         t.Type,
		Priority:     t.Priority,
		Status:       string(t.Status),
		Payload:      t.Payload,
		CreatedAt:    t.CreatedAt,
		ScheduledFor: t.ScheduledFor,
		StartedAt:    t.StartedAt,
		CompletedAt:  t.CompletedAt,
		RetryCount:   t.RetryCount,
		MaxRetries:   t.MaxRetries,
		LastError:    t.LastError,
		OwnerID:      t.OwnerID,
	}
}

// workflowToResponse converts a workflow snapshot to a WorkflowResponse
func workflowToResponse(inst *workflow.Instance) WorkflowResponse {
	steps := make([]StepResponse, 0, len(inst.Steps))
	for _, s := range inst.Steps {
		deps := s.Dependencies
		if deps == nil {
			deps = []string{}
		}
		steps = append(steps, StepResponse{
			ID:           s.ID,
			Name:         s.Name,
			Agent:        s.AssignedAgent,
			Action:       s.Action,
			Dependencies: deps,
			Status:       string(s.Status),
			Output:       s.Output,
			RetryCount:   s.RetryCount,
			Error:        s.Error,
			StartedAt:    s.StartedAt,
			CompletedAt:  s.CompletedAt,
		})
	}

	results := inst.Results
	if results == nil {
		results = []workflow.StepResult{}
	}
	supporting := inst.SupportingAgents
	if supporting == nil {
		supporting = []string{}
	}

	return WorkflowResponse{
		ID:                  inst.ID,
		Description:         inst.Description,
		OwnerID:             inst.OwnerID,
		Status:              string(inst.Status),
		Strategy:            string(inst.Strategy),
		Complexity:          string(inst.Complexity),
		PrimaryAgent:        inst.PrimaryAgent,
		SupportingAgents:    supporting,
		Priority:            inst.Priority,
		TimeoutMs:           inst.Timeout.Milliseconds(),
		EstimatedDurationMs: inst.EstimatedDuration.Milliseconds(),
		Progress:            inst.Progress,
		Steps:               steps,
		Results:             results,
		FailedSteps:         inst.FailedSteps,
		Error:               inst.Error,
		CreatedAt:           inst.CreatedAt,
		StartedAt:           inst.StartedAt,
		CompletedAt:         inst.CompletedAt,
	}
}
