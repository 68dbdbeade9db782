// Package domain defines the error taxonomy and result types shared by the
// orchestration engine.
package domain

import (
	"errors"
	"fmt"
)

// Common domain errors used across the application.
var (
	// ErrValidation is returned when enqueue or workflow-creation input is
	// rejected. It is usually wrapped with a more specific message.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when an id does not refer to a known task,
	// workflow instance, handler or agent.
	ErrNotFound = errors.New("not found")

	// ErrRetryable marks a failure classified as transient.
	ErrRetryable = errors.New("retryable error")

	// ErrTerminal marks a failure that must not be retried, or one whose
	// retry budget is exhausted.
	ErrTerminal = errors.New("terminal error")

	// ErrDeadlock is returned when pending workflow steps remain but none of
	// them can ever become ready.
	ErrDeadlock = errors.New("workflow deadlock")

	// ErrCircuitOpen is returned when a circuit breaker rejects a call
	// without invoking the protected operation.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrCancelled is returned when work is abandoned because its task or
	// workflow instance was cancelled.
	ErrCancelled = errors.New("cancelled")

	// ErrInvalidTransition is returned when a status change violates the
	// task or step state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrValidation, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", ErrValidation, e.Field, e.Message)
}

// Is lets errors.Is match ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError creates a ValidationError for the given field.
func NewValidationError(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError reports an unknown id of the given kind.
type NotFoundError struct {
	Kind string
	ID   string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q %s", e.Kind, e.ID, ErrNotFound)
}

// Is lets errors.Is match ErrNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// NewNotFoundError creates a NotFoundError.
func NewNotFoundError(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// RetryableError wraps an error that is expected to succeed on retry.
type RetryableError struct {
	err error
}

func (e *RetryableError) Error() string {
	return e.err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.err
}

// Is lets errors.Is match ErrRetryable.
func (e *RetryableError) Is(target error) bool {
	return target == ErrRetryable
}

// NewRetryableError wraps err as transient.
func NewRetryableError(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{err: err}
}

// TerminalError wraps an error that must not be retried.
type TerminalError struct {
	err error
}

func (e *TerminalError) Error() string {
	return e.err.Error()
}

func (e *TerminalError) Unwrap() error {
	return e.err
}

// Is lets errors.Is match ErrTerminal.
func (e *TerminalError) Is(target error) bool {
	return target == ErrTerminal
}

// NewTerminalError wraps err as permanent.
func NewTerminalError(err error) error {
	if err == nil {
		return nil
	}
	return &TerminalError{err: err}
}

// IsRetryable reports whether err was explicitly classified as transient.
func IsRetryable(err error) bool {
	var retryable *RetryableError
	return errors.As(err, &retryable)
}

// IsTerminal reports whether err was explicitly classified as permanent.
func IsTerminal(err error) bool {
	var terminal *TerminalError
	return errors.As(err, &terminal)
}

// DeadlockError carries the dependency snapshot of a stuck workflow.
type DeadlockError struct {
	WorkflowID string
	// Pending maps each stuck step id to its unmet dependency ids.
	Pending map[string][]string
}

// Error implements the error interface.
func (e *DeadlockError) Error() string {
	return fmt.Sprintf("%s: workflow %s has %d pending steps and none are ready",
		ErrDeadlock, e.WorkflowID, len(e.Pending))
}

// Is lets errors.Is match ErrDeadlock.
func (e *DeadlockError) Is(target error) bool {
	return target == ErrDeadlock
}
