package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the engine.
const (
	TypeTaskEnqueued         = "task.enqueued"
	TypeTaskCompleted        = "task.completed"
	TypeTaskFailed           = "task.failed"
	TypeWorkflowStepUpdate   = "workflow.stepUpdate"
	TypeWorkflowCompleted    = "workflow.completed"
	TypeWorkflowCancelled    = "workflow.cancelled"
	TypeCircuitBreakerOpened = "circuitBreaker.opened"
	TypeCircuitBreakerClosed = "circuitBreaker.closed"
)

// Event is a single notification about a state change in the engine.
type Event struct {
	// ID is a unique identifier for this event
	ID uuid.UUID `json:"id"`

	// Type is one of the Type* constants
	Type string `json:"type"`

	// Subject identifies what the event is about: a task id, a workflow id
	// or a breaker key
	Subject string `json:"subject"`

	// Payload contains the type-specific data serialized as JSON
	Payload json.RawMessage `json:"payload"`

	// CreatedAt is the timestamp when the event was created
	CreatedAt time.Time `json:"created_at"`
}

// UnmarshalPayload decodes the event payload into the provided structure.
func (e *Event) UnmarshalPayload(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// NewEvent creates an Event with the specified type, subject and payload.
func NewEvent(eventType, subject string, payload any) (*Event, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:        uuid.New(),
		Type:      eventType,
		Subject:   subject,
		Payload:   payloadBytes,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// TaskPayload is carried by task.* events.
type TaskPayload struct {
	TaskID     string          `json:"task_id"`
	Type       string          `json:"type"`
	Priority   int             `json:"priority"`
	Status     string          `json:"status"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
	OwnerID    string          `json:"owner_id,omitempty"`
	Error      string          `json:"error,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	// DurationMs is the time from claim to settle, when known.
	DurationMs int64 `json:"duration_ms,omitempty"`
}

// StepUpdatePayload is carried by workflow.stepUpdate events.
type StepUpdatePayload struct {
	WorkflowID string  `json:"workflow_id"`
	StepID     string  `json:"step_id"`
	Agent      string  `json:"agent"`
	Action     string  `json:"action"`
	Status     string  `json:"status"`
	RetryCount int     `json:"retry_count"`
	Error      string  `json:"error,omitempty"`
	Progress   float64 `json:"progress"`
}

// WorkflowPayload is carried by workflow.completed and workflow.cancelled events.
type WorkflowPayload struct {
	WorkflowID  string   `json:"workflow_id"`
	Status      string   `json:"status"`
	Strategy    string   `json:"strategy"`
	FailedSteps []string `json:"failed_steps,omitempty"`
	Error       string   `json:"error,omitempty"`
	DurationMs  int64    `json:"duration_ms"`
}

// BreakerPayload is carried by circuitBreaker.* events.
type BreakerPayload struct {
	Key                 string    `json:"key"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailureTime     time.Time `json:"last_failure_time"`
	IsOpen              bool      `json:"is_open"`
}

// EventHandler defines an interface for components that can handle events.
type EventHandler interface {
	// HandleEvent processes the given event within the provided context.
	// Returns an error if the event cannot be handled successfully.
	HandleEvent(ctx context.Context, event *Event) error
}

// HandlerFunc adapts a function to the EventHandler interface.
type HandlerFunc func(ctx context.Context, event *Event) error

// HandleEvent calls f(ctx, event).
func (f HandlerFunc) HandleEvent(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// EventEmitter defines an interface for components that can emit events.
// This allows services to publish events without direct knowledge of handlers.
type EventEmitter interface {
	// EmitEvent publishes the given event to all registered handlers.
	// Returns an error if the event cannot be emitted.
	EmitEvent(ctx context.Context, event *Event) error
}
