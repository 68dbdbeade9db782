package domain

import (
	"context"
	"errors"
)

// Error codes returned to producers in structured results.
const (
	CodeValidation  = "VALIDATION_ERROR"
	CodeNotFound    = "NOT_FOUND"
	CodeRetryable   = "RETRYABLE_ERROR"
	CodeTerminal    = "TERMINAL_ERROR"
	CodeDeadlock    = "DEADLOCK"
	CodeCircuitOpen = "CIRCUIT_OPEN"
	CodeCancelled   = "CANCELLED"
	CodeConflict    = "CONFLICT"
	CodeInternal    = "INTERNAL_ERROR"
)

// Result is the structured outcome returned for expected failure modes.
type Result struct {
	Success   bool   `json:"success"`
	ErrorCode string `json:"error_code,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ResultFrom converts err into a Result. A nil error yields a successful result.
func ResultFrom(err error) Result {
	if err == nil {
		return Result{Success: true}
	}
	return Result{
		Success:   false,
		ErrorCode: ErrorCode(err),
		Message:   err.Error(),
	}
}

// ErrorCode returns the stable code for err.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrCircuitOpen):
		return CodeCircuitOpen
	case errors.Is(err, ErrDeadlock):
		return CodeDeadlock
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return CodeCancelled
	case errors.Is(err, ErrInvalidTransition):
		return CodeConflict
	case errors.Is(err, ErrTerminal):
		return CodeTerminal
	case errors.Is(err, ErrRetryable):
		return CodeRetryable
	default:
		return CodeInternal
	}
}
