package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	apiMiddleware "github.com/phrazzld/conductor/internal/api/middleware"
	"github.com/phrazzld/conductor/internal/service"
	"github.com/phrazzld/conductor/internal/service/auth"
)

// RouterOptions are the dependencies of the HTTP producer API.
type RouterOptions struct {
	Orchestrator service.Orchestrator
	// JWTService enables bearer authentication on /api routes when set
	JWTService auth.JWTService
	// Metrics is served on /metrics when set
	Metrics http.Handler
	Logger  *slog.Logger
}

// NewRouter creates the application router with all routes and middleware.
func NewRouter(opts RouterOptions) http.Handler {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(apiMiddleware.NewTraceMiddleware(log))
	r.Use(apiMiddleware.NewRequestLogger(log))
	r.Use(middleware.Recoverer)

	taskHandler := NewTaskHandler(opts.Orchestrator, log)
	workflowHandler := NewWorkflowHandler(opts.Orchestrator, log)
	systemHandler := NewSystemHandler(opts.Orchestrator)

	r.Route("/api", func(r chi.Router) {
		if opts.JWTService != nil {
			r.Use(apiMiddleware.NewAuthMiddleware(opts.JWTService).Authenticate)
		}

		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", taskHandler.EnqueueTask)
			r.Get("/", taskHandler.ListTasks)
			r.Get("/{id}", taskHandler.GetTask)
			r.Post("/{id}/cancel", taskHandler.CancelTask)
		})

		r.Route("/workflows", func(r chi.Router) {
			r.Post("/", workflowHandler.CreateWorkflow)
			r.Get("/{id}", workflowHandler.GetWorkflow)
			r.Post("/{id}/cancel", workflowHandler.CancelWorkflow)
			r.Get("/{id}/context", workflowHandler.GetSharedContext)
			r.Patch("/{id}/context", workflowHandler.UpdateSharedContext)
		})

		r.Get("/stats", systemHandler.Stats)
		r.Get("/breakers", systemHandler.Breakers)
	})

	r.Get("/health", systemHandler.Health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	return r
}
