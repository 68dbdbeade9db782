package api

import (
	"net/http"
	"time"

	"github.com/phrazzld/conductor/internal/api/shared"
	"github.com/phrazzld/conductor/internal/resilience"
	"github.com/phrazzld/conductor/internal/service"
)

// SystemHandler serves engine-wide status endpoints.
type SystemHandler struct {
	orchestrator service.Orchestrator
}

// NewSystemHandler creates a new SystemHandler
func NewSystemHandler(orchestrator service.Orchestrator) *SystemHandler {
	return &SystemHandler{orchestrator: orchestrator}
}

// Stats handles GET /api/stats requests.
func (h *SystemHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.orchestrator.Stats(r.Context())
	if err != nil {
		HandleAPIError(w, r, err, "Failed to collect stats")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, stats)
}

// Breakers handles GET /api/breakers requests.
func (h *SystemHandler) Breakers(w http.ResponseWriter, r *http.Request) {
	states := h.orchestrator.Breakers()
	if states == nil {
		states = []resilience.BreakerState{}
	}
	shared.RespondWithJSON(w, r, http.StatusOK, BreakersResponse{Breakers: states})
}

// Health handles GET /health requests.
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	shared.RespondWithJSON(w, r, http.StatusOK, HealthResponse{Status: "ok", Time: time.Now().UTC()})
}
