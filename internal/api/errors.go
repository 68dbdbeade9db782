package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/phrazzld/conductor/internal/api/shared"
	"github.com/phrazzld/conductor/internal/domain"
	"github.com/phrazzld/conductor/internal/redact"
	"github.com/phrazzld/conductor/internal/service"
	"github.com/phrazzld/conductor/internal/task"
)

// MapErrorToStatusCode maps internal errors to appropriate HTTP status codes
// based on the error type. This prevents leaking internal error types or
// messages to clients.
func MapErrorToStatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusInternalServerError

	// Authorization errors
	case errors.Is(err, service.ErrNotOwned):
		return http.StatusForbidden

	// Bad request errors
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest

	// Not found errors
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound

	// Conflict errors
	case errors.Is(err, task.ErrDuplicateTask),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrDeadlock),
		errors.Is(err, domain.ErrCancelled):
		return http.StatusConflict

	// Unavailable dependencies
	case errors.Is(err, domain.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a message for err that is safe to return to
// the caller. Caller-facing errors keep their message with sensitive values
// redacted; everything else gets a generic message.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}

	switch {
	case errors.Is(err, service.ErrNotOwned):
		return "Resource is owned by another user"
	case errors.Is(err, task.ErrDuplicateTask):
		return "Task already exists"
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrDeadlock),
		errors.Is(err, domain.ErrCancelled):
		return redact.String(err.Error())
	case errors.Is(err, domain.ErrCircuitOpen):
		return "Service temporarily unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return "Request timed out"
	default:
		return "An unexpected error occurred"
	}
}

// HandleAPIError writes the error envelope for err. For server errors a
// non-empty fallbackMessage replaces the generic message.
func HandleAPIError(w http.ResponseWriter, r *http.Request, err error, fallbackMessage string) {
	status := MapErrorToStatusCode(err)
	message := GetSafeErrorMessage(err)
	if status >= http.StatusInternalServerError && fallbackMessage != "" &&
		!errors.Is(err, domain.ErrCircuitOpen) {
		message = fallbackMessage
	}
	shared.RespondWithErrorAndLog(w, r, status, message, err)
}

// HandleValidationError writes a 400 envelope for a rejected request body.
func HandleValidationError(w http.ResponseWriter, r *http.Request, err error) {
	shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, SanitizeValidationError(err), err,
		shared.WithErrorCode(domain.CodeValidation))
}

// SanitizeValidationError removes struct details from validation errors and
// returns a user-friendly message.
func SanitizeValidationError(err error) string {
	if err == nil {
		return "Validation error"
	}

	if verrs, ok := shared.ValidationErrors(err); ok {
		messages := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			messages = append(messages,
				fmt.Sprintf("Invalid %s: %s", fe.Field(), getValidationTagMessage(fe.Tag())))
		}
		return strings.Join(messages, "; ")
	}

	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		return redact.String(verr.Error())
	}

	return "Validation error"
}

// getValidationTagMessage maps validation tags to user-friendly error messages
func getValidationTagMessage(tag string) string {
	switch tag {
	case "required":
		return "required field"
	case "min", "gte", "gt":
		return "too small"
	case "max", "lte", "lt":
		return "too large"
	case "oneof":
		return "invalid value"
	case "uuid":
		return "invalid id format"
	default:
		return "validation failed"
	}
}
