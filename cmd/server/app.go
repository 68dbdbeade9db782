package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/phrazzld/conductor/internal/agent"
	"github.com/phrazzld/conductor/internal/api"
	"github.com/phrazzld/conductor/internal/collab"
	"github.com/phrazzld/conductor/internal/config"
	"github.com/phrazzld/conductor/internal/events"
	"github.com/phrazzld/conductor/internal/platform/metrics"
	"github.com/phrazzld/conductor/internal/platform/natsbus"
	"github.com/phrazzld/conductor/internal/platform/webhook"
	"github.com/phrazzld/conductor/internal/resilience"
	"github.com/phrazzld/conductor/internal/service"
	"github.com/phrazzld/conductor/internal/service/auth"
	"github.com/phrazzld/conductor/internal/task"
	"github.com/phrazzld/conductor/internal/workflow"
)

// echoTaskType is served by a built-in handler that returns its payload.
const echoTaskType = "echo"

// application holds all the shared application dependencies to simplify management
// and ensure proper cleanup on shutdown.
type application struct {
	config *config.Config
	logger *slog.Logger

	storage  *storage
	natsConn *nats.Conn
	registry *prometheus.Registry

	emitter  *events.InMemoryEventEmitter
	breakers *resilience.Breakers
	gate     *resilience.Gate

	scheduler    *task.Scheduler
	agents       *agent.Registry
	collab       *collab.Registry
	orchestrator service.Orchestrator
	jwtService   auth.JWTService

	router http.Handler
}

// newApplication creates a new application instance with all dependencies initialized.
// Background loops are not started until Run.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	app := &application{
		config:   cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	if err := app.build(ctx); err != nil {
		app.cleanup()
		return nil, err
	}
	return app, nil
}

func (app *application) build(ctx context.Context) error {
	cfg, logger := app.config, app.logger

	var err error

	app.storage, err = setupStorage(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}

	if err = app.setupEvents(); err != nil {
		return err
	}

	app.breakers = resilience.NewBreakers(
		resilience.BreakerConfig{
			FailureThreshold: cfg.Resilience.BreakerFailureThreshold,
			ResetTimeout:     cfg.Resilience.BreakerResetTimeout,
		},
		resilience.WithBreakerLogger(logger),
		resilience.WithStateChangeHandler(app.publishBreakerState),
	)

	app.gate = resilience.NewGate(cfg.Resilience.MaxConcurrentOperations)
	if err = metrics.RegisterGate(app.registry, app.gate); err != nil {
		return fmt.Errorf("failed to register gate metrics: %w", err)
	}

	app.scheduler = task.NewScheduler(app.storage.tasks, schedulerConfig(cfg), logger,
		task.WithEmitter(app.emitter),
		task.WithBreakers(app.breakers),
		task.WithGate(app.gate))
	app.registerTaskHandlers()

	if err = app.registerAgents(); err != nil {
		return err
	}

	executorOpts := []workflow.ExecutorOption{
		workflow.WithExecutorEmitter(app.emitter),
		workflow.WithExecutorBreakers(app.breakers),
		workflow.WithExecutorGate(app.gate),
	}
	registryOpts := []collab.Option{}
	if app.storage.workflows != nil {
		executorOpts = append(executorOpts, workflow.WithRepository(app.storage.workflows))
		registryOpts = append(registryOpts, collab.WithRepository(app.storage.workflows))
	}

	executor := workflow.NewExecutor(app.agents, workflow.ExecutorConfig{
		StepRetry:   retryConfig(cfg.Resilience),
		StepTimeout: cfg.Workflow.StepTimeout,
	}, logger, executorOpts...)

	planner := workflow.NewPlanner(workflow.PlannerConfig{
		MaxAgents:      cfg.Workflow.MaxAgents,
		StepEstimate:   cfg.Workflow.StepEstimate,
		DefaultTimeout: cfg.Workflow.DefaultTimeout,
	}, nil, logger)

	app.collab = collab.NewRegistry(collab.Config{
		SweepInterval:        cfg.Registry.SweepInterval,
		RetentionWindow:      cfg.Registry.RetentionWindow,
		StallFactor:          cfg.Registry.StallFactor,
		FailureRateThreshold: cfg.Registry.FailureRateThreshold,
	}, logger, registryOpts...)

	app.orchestrator, err = service.NewOrchestrator(service.Dependencies{
		Scheduler: app.scheduler,
		Planner:   planner,
		Executor:  executor,
		Registry:  app.collab,
		Breakers:  app.breakers,
		Gate:      app.gate,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	if cfg.Auth.JWTSecret != "" {
		app.jwtService, err = auth.NewJWTService(cfg.Auth)
		if err != nil {
			return fmt.Errorf("failed to initialize JWT service: %w", err)
		}
		logger.Info("API authentication enabled", "token_lifetime", cfg.Auth.TokenLifetime)
	} else {
		logger.Warn("API authentication disabled; set auth.jwt_secret to require bearer tokens")
	}

	app.router = api.NewRouter(api.RouterOptions{
		Orchestrator: app.orchestrator,
		JWTService:   app.jwtService,
		Metrics:      promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{Registry: app.registry}),
		Logger:       logger,
	})

	return nil
}

// setupEvents builds the emitter and its subscribers: the event log, the
// Prometheus collector and, when configured, NATS.
func (app *application) setupEvents() error {
	app.emitter = events.NewInMemoryEventEmitter(app.logger)
	app.emitter.RegisterHandler(events.NewLogHandler(app.logger))

	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector, err := metrics.NewCollector(app.registry)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	app.emitter.RegisterHandler(collector)

	if app.config.Events.NATSURL == "" {
		return nil
	}
	app.natsConn, err = natsbus.Connect(app.config.Events.NATSURL, appName, app.logger)
	if err != nil {
		return err
	}
	app.emitter.RegisterHandler(natsbus.NewHandler(app.natsConn, app.config.Events.SubjectPrefix, app.logger))
	app.logger.Info("publishing events to NATS",
		"url", app.natsConn.ConnectedUrl(),
		"subject_prefix", app.config.Events.SubjectPrefix)
	return nil
}

func (app *application) publishBreakerState(state resilience.BreakerState) {
	eventType := events.TypeCircuitBreakerClosed
	if state.IsOpen {
		eventType = events.TypeCircuitBreakerOpened
	}
	events.Publish(context.Background(), app.emitter, app.logger, eventType, state.Key, events.BreakerPayload{
		Key:                 state.Key,
		ConsecutiveFailures: state.ConsecutiveFailures,
		LastFailureTime:     state.LastFailureTime,
		IsOpen:              state.IsOpen,
	})
}

// registerTaskHandlers installs the built-in echo handler and one webhook
// handler per configured task worker. A worker named echo replaces the
// built-in.
func (app *application) registerTaskHandlers() {
	app.scheduler.RegisterHandler(echoTaskType, task.HandlerFunc(
		func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
			return payload, nil
		}))

	for _, w := range app.config.Workers {
		if w.Kind != "task" {
			continue
		}
		var opts []task.HandlerOption
		if w.Timeout > 0 {
			opts = append(opts, task.WithTimeout(w.Timeout))
		}
		app.scheduler.RegisterHandler(w.Name, webhook.NewTaskHandler(w, app.logger), opts...)
		app.logger.Info("registered webhook task handler", "task_type", w.Name)
	}
}

// registerAgents installs an echo agent for every default agent family and
// one webhook agent per configured agent worker, which replaces the echo
// agent of the same id.
func (app *application) registerAgents() error {
	app.agents = agent.NewRegistry()
	for _, family := range workflow.DefaultAgentFamilies {
		if err := app.agents.Register(family.ID, agent.Echo(family.ID)); err != nil {
			return fmt.Errorf("failed to register agent %s: %w", family.ID, err)
		}
	}

	for _, w := range app.config.Workers {
		if w.Kind != "agent" {
			continue
		}
		if err := app.agents.Register(w.Name, webhook.NewAgent(w, app.logger)); err != nil {
			return fmt.Errorf("failed to register agent %s: %w", w.Name, err)
		}
		app.logger.Info("registered webhook agent", "agent", w.Name)
	}
	return nil
}

// Run starts the background loops and serves HTTP until ctx is cancelled,
// then shuts everything down.
func (app *application) Run(ctx context.Context) error {
	defer app.cleanup()

	if err := app.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task scheduler: %w", err)
	}
	if err := app.collab.Start(ctx); err != nil {
		return fmt.Errorf("failed to start collaboration registry: %w", err)
	}

	return app.startHTTPServer(ctx, app.router)
}

// cleanup releases resources in reverse dependency order. It tolerates a
// partially initialized application.
func (app *application) cleanup() {
	if app.orchestrator != nil {
		app.orchestrator.Close()
	}
	if app.scheduler != nil {
		app.scheduler.Stop()
	}
	if app.collab != nil {
		app.collab.Stop()
	}
	if app.natsConn != nil {
		if err := app.natsConn.Drain(); err != nil {
			app.logger.Error("failed to drain NATS connection", "error", err)
		}
	}
	if app.storage != nil && app.storage.db != nil {
		if err := app.storage.db.Close(); err != nil {
			app.logger.Error("failed to close database connection", "error", err)
		}
	}
	app.logger.Info("application resources released")
}

func schedulerConfig(cfg *config.Config) task.Config {
	dispatch := retryConfig(cfg.Resilience)
	dispatch.MaxAttempts = cfg.Scheduler.DispatchAttempts

	backoff := resilience.DefaultBackoffConfig()
	backoff.InitialInterval = cfg.Scheduler.BackoffInitial
	backoff.MaxInterval = cfg.Scheduler.BackoffMax

	return task.Config{
		PollInterval:           cfg.Scheduler.PollInterval,
		MaxConcurrent:          cfg.Scheduler.MaxConcurrent,
		MinPriority:            cfg.Scheduler.MinPriority,
		MaxPriority:            cfg.Scheduler.MaxPriority,
		DefaultMaxRetries:      cfg.Scheduler.DefaultMaxRetries,
		DispatchRetry:          dispatch,
		HandlerTimeout:         cfg.Scheduler.HandlerTimeout,
		Backoff:                backoff,
		StuckTaskAge:           cfg.Scheduler.StuckTaskAge,
		StuckTaskCheckInterval: cfg.Scheduler.StuckTaskCheckInterval,
	}
}

func retryConfig(cfg config.ResilienceConfig) resilience.RetryConfig {
	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = cfg.RetryMaxAttempts
	retry.BaseDelay = cfg.RetryBaseDelay
	retry.MaxDelay = cfg.RetryMaxDelay
	retry.Jitter = cfg.RetryJitter
	return retry
}
