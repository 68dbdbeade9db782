package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/conductor/internal/api/shared"
	"github.com/phrazzld/conductor/internal/domain"
	"github.com/phrazzld/conductor/internal/resilience"
	"github.com/phrazzld/conductor/internal/service"
	"github.com/phrazzld/conductor/internal/task"
)

func TestMapErrorToStatusCode(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		expectedStatus int
	}{
		{name: "nil error", err: nil, expectedStatus: http.StatusInternalServerError},
		{name: "validation", err: domain.NewValidationError("type", "must not be empty"), expectedStatus: http.StatusBadRequest},
		{name: "not found", err: task.ErrTaskNotFound, expectedStatus: http.StatusNotFound},
		{name: "wrapped not found", err: fmt.Errorf("lookup: %w", domain.NewNotFoundError("workflow", "w1")), expectedStatus: http.StatusNotFound},
		{name: "not owned", err: service.ErrNotOwned, expectedStatus: http.StatusForbidden},
		{name: "duplicate task", err: service.NewOrchestratorError("enqueue_task", "failed", task.ErrDuplicateTask), expectedStatus: http.StatusConflict},
		{name: "invalid transition", err: task.ErrStatusConflict, expectedStatus: http.StatusConflict},
		{name: "deadlock", err: &domain.DeadlockError{WorkflowID: "w1"}, expectedStatus: http.StatusConflict},
		{name: "circuit open", err: &resilience.CircuitOpenError{Key: "task:email"}, expectedStatus: http.StatusServiceUnavailable},
		{name: "deadline", err: fmt.Errorf("stats: %w", context.DeadlineExceeded), expectedStatus: http.StatusGatewayTimeout},
		{name: "unknown", err: errors.New("disk on fire"), expectedStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expectedStatus, MapErrorToStatusCode(tt.err))
		})
	}
}

func TestGetSafeErrorMessage(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{name: "nil", err: nil, expected: "An unexpected error occurred"},
		{name: "validation keeps message", err: domain.NewValidationError("priority", "must be between 0 and 10, got 99"),
			expected: "validation failed: priority: must be between 0 and 10, got 99"},
		{name: "not owned", err: service.ErrNotOwned, expected: "Resource is owned by another user"},
		{name: "circuit open", err: &resilience.CircuitOpenError{Key: "agent:shopping"}, expected: "Service temporarily unavailable"},
		{name: "internal hides details", err: errors.New("pq: password authentication failed for user admin"),
			expected: "An unexpected error occurred"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, GetSafeErrorMessage(tt.err))
		})
	}
}

func TestHandleAPIError(t *testing.T) {
	decode := func(t *testing.T, w *httptest.ResponseRecorder) shared.ErrorResponse {
		t.Helper()
		var resp shared.ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		return resp
	}

	t.Run("internal error uses fallback and hides cause", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
		r = r.WithContext(shared.SetTraceID(r.Context()))
		w := httptest.NewRecorder()

		HandleAPIError(w, r, errors.New("select * from tasks failed at /var/lib/db"), "Failed to collect stats")

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		resp := decode(t, w)
		assert.False(t, resp.Success)
		assert.Equal(t, domain.CodeInternal, resp.ErrorCode)
		assert.Equal(t, "Failed to collect stats", resp.Message)
		assert.Equal(t, shared.GetTraceID(r.Context()), resp.TraceID)
		assert.NotContains(t, w.Body.String(), "/var/lib/db")
	})

	t.Run("circuit open keeps its own message", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/api/tasks", nil)
		w := httptest.NewRecorder()

		HandleAPIError(w, r, &resilience.CircuitOpenError{Key: "task:email"}, "Failed to enqueue task")

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		resp := decode(t, w)
		assert.Equal(t, domain.CodeCircuitOpen, resp.ErrorCode)
		assert.Equal(t, "Service temporarily unavailable", resp.Message)
	})

	t.Run("validation result mirrors domain.Result", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/api/tasks", nil)
		w := httptest.NewRecorder()
		err := domain.NewValidationError("type", "must not be empty")

		HandleAPIError(w, r, err, "")

		result := domain.ResultFrom(err)
		resp := decode(t, w)
		assert.Equal(t, result.Success, resp.Success)
		assert.Equal(t, result.ErrorCode, resp.ErrorCode)
		assert.Equal(t, result.Message, resp.Message)
	})
}

func TestSanitizeValidationError(t *testing.T) {
	type sample struct {
		Type  string `validate:"required"`
		Limit int    `validate:"gte=0"`
	}
	err := validator.New().Struct(sample{Limit: -1})
	require.Error(t, err)

	msg := SanitizeValidationError(err)
	assert.Equal(t, "Invalid Type: required field; Invalid Limit: too small", msg)
	assert.NotContains(t, msg, "sample")

	assert.Equal(t, "validation failed: limit: must not be negative",
		SanitizeValidationError(domain.NewValidationError("limit", "must not be negative")))
	assert.Equal(t, "Validation error", SanitizeValidationError(errors.New("boom")))
}
