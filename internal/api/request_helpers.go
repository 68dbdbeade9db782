package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/phrazzld/conductor/internal/api/shared"
	"github.com/phrazzld/conductor/internal/domain"
)

// ownerFromRequest returns the authenticated owner id, or "" when the router
// serves requests without authentication.
func ownerFromRequest(r *http.Request) string {
	ownerID, _ := shared.GetOwnerID(r.Context())
	return ownerID
}

// getPathUUID extracts and parses a UUID path parameter.
func getPathUUID(r *http.Request, paramName string) (uuid.UUID, error) {
	pathParam := chi.URLParam(r, paramName)
	if pathParam == "" {
		return uuid.Nil, domain.NewValidationError(paramName, "is required")
	}

	id, err := uuid.Parse(pathParam)
	if err != nil {
		return uuid.Nil, domain.NewValidationError(paramName, "has invalid format")
	}
	return id, nil
}

// getPathParam extracts a required non-empty path parameter.
func getPathParam(r *http.Request, paramName string) (string, error) {
	value := chi.URLParam(r, paramName)
	if value == "" {
		return "", domain.NewValidationError(paramName, "is required")
	}
	return value, nil
}

// getQueryInt parses an optional non-negative integer query parameter.
func getQueryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, domain.NewValidationError(name, "must be a non-negative integer")
	}
	return n, nil
}
