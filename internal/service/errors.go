package service

import (
	"errors"
	"fmt"

	"github.com/phrazzld/conductor/internal/domain"
)

// Common service errors - sentinel errors used across service implementations.
// Callers check for them with errors.Is(); the API layer maps them to HTTP
// status codes.
var (
	// ErrNotOwned indicates a task or workflow belongs to a different owner
	// than the one making the request.
	// API layer should map this to HTTP 403 Forbidden.
	ErrNotOwned = errors.New("resource is owned by another user")
)

// OrchestratorError wraps errors from the orchestrator with context.
type OrchestratorError struct {
	// Operation is the operation that failed (e.g., "enqueue_task", "create_workflow")
	Operation string
	// Message is a human-readable description of the error
	Message string
	// Err is the underlying error that caused the failure
	Err error
}

// Error implements the error interface for OrchestratorError.
func (e *OrchestratorError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("orchestrator %s failed: %s: %v", e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("orchestrator %s failed: %s", e.Operation, e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *OrchestratorError) Unwrap() error {
	return e.Err
}

// NewOrchestratorError creates a new OrchestratorError.
// Caller-facing errors (validation, not found, ownership, invalid
// transitions) are returned unwrapped so their messages reach the producer.
func NewOrchestratorError(operation, message string, err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, ErrNotOwned),
		errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrInvalidTransition):
		return err
	}

	return &OrchestratorError{
		Operation: operation,
		Message:   message,
		Err:       err,
	}
}
