package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/phrazzld/conductor/internal/domain"
	"github.com/phrazzld/conductor/internal/events"
	"github.com/phrazzld/conductor/internal/resilience"
)

// Config holds configuration for the scheduler
type Config struct {
	// PollInterval is how often the scheduler looks for eligible tasks
	PollInterval time.Duration

	// MaxConcurrent bounds the number of tasks this scheduler runs at once
	MaxConcurrent int

	// MinPriority and MaxPriority bound the priority accepted by Enqueue
	MinPriority int
	MaxPriority int

	// DefaultMaxRetries applies when Enqueue is called without MaxRetries
	DefaultMaxRetries int

	// DispatchRetry is the in-dispatch attempt loop wrapped around each
	// handler call. It is distinct from enqueue-level retries, which
	// reschedule the task and consume its RetryCount.
	DispatchRetry resilience.RetryConfig

	// HandlerTimeout bounds each handler attempt unless the handler was
	// registered with its own timeout. Zero disables the bound.
	HandlerTimeout time.Duration

	// Backoff is the enqueue-level reschedule schedule
	Backoff resilience.BackoffConfig

	// StuckTaskAge defines how long a task can be running before it is
	// reported, and released if no worker in this process owns it
	StuckTaskAge time.Duration

	// StuckTaskCheckInterval defines how often to check for stuck tasks
	StuckTaskCheckInterval time.Duration
}

// DefaultConfig returns a Config with reasonable defaults
func DefaultConfig() Config {
	dispatch := resilience.DefaultRetryConfig()
	dispatch.MaxAttempts = 1

	return Config{
		PollInterval:           500 * time.Millisecond,
		MaxConcurrent:          4,
		MinPriority:            0,
		MaxPriority:            10,
		DefaultMaxRetries:      3,
		DispatchRetry:          dispatch,
		HandlerTimeout:         5 * time.Minute,
		Backoff:                resilience.DefaultBackoffConfig(),
		StuckTaskAge:           30 * time.Minute,
		StuckTaskCheckInterval: 5 * time.Minute,
	}
}

// EnqueueOptions are the per-task settings accepted by Enqueue.
type EnqueueOptions struct {
	Priority     int
	ScheduledFor *time.Time
	// MaxRetries defaults to Config.DefaultMaxRetries when nil
	MaxRetries *int
	OwnerID    string
}

// HandlerOption configures a registered handler.
type HandlerOption func(*registeredHandler)

// WithTimeout bounds each attempt of the handler.
func WithTimeout(d time.Duration) HandlerOption {
	return func(h *registeredHandler) {
		h.timeout = d
	}
}

type registeredHandler struct {
	handler Handler
	timeout time.Duration
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock used for scheduling decisions.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Scheduler) {
		s.clock = clock
	}
}

// WithEmitter sets the destination of task events.
func WithEmitter(emitter events.EventEmitter) Option {
	return func(s *Scheduler) {
		s.emitter = emitter
	}
}

// WithBreakers shares a circuit breaker registry with other dispatchers.
func WithBreakers(breakers *resilience.Breakers) Option {
	return func(s *Scheduler) {
		s.breakers = breakers
	}
}

// WithGate shares the global concurrency gate with other dispatchers.
func WithGate(gate *resilience.Gate) Option {
	return func(s *Scheduler) {
		s.gate = gate
	}
}

// Scheduler owns the task queue: it validates and stores new tasks, claims
// eligible ones and dispatches them to registered handlers through the
// resilience layer.
type Scheduler struct {
	store    TaskStore
	config   Config
	logger   *slog.Logger
	clock    clockwork.Clock
	emitter  events.EventEmitter
	breakers *resilience.Breakers
	gate     *resilience.Gate

	handlersMu sync.RWMutex
	handlers   map[string]registeredHandler

	inflightMu sync.Mutex
	inflight   map[uuid.UUID]time.Time

	lifecycleMu sync.Mutex
	ctx         context.Context
	cancelFunc  context.CancelFunc
	wg          sync.WaitGroup
	wake        chan struct{}
}

// NewScheduler creates a new Scheduler
func NewScheduler(store TaskStore, config Config, logger *slog.Logger, opts ...Option) *Scheduler {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	if config.StuckTaskCheckInterval <= 0 {
		config.StuckTaskCheckInterval = 5 * time.Minute
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 1
	}
	if config.DispatchRetry.MaxAttempts < 1 {
		config.DispatchRetry.MaxAttempts = 1
	}

	s := &Scheduler{
		store:    store,
		config:   config,
		logger:   logger.With("component", "task_scheduler"),
		clock:    clockwork.NewRealClock(),
		handlers: make(map[string]registeredHandler),
		inflight: make(map[uuid.UUID]time.Time),
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.breakers == nil {
		s.breakers = resilience.NewBreakers(resilience.DefaultBreakerConfig(),
			resilience.WithBreakerClock(s.clock), resilience.WithBreakerLogger(logger))
	}
	if s.gate == nil {
		s.gate = resilience.NewGate(config.MaxConcurrent)
	}
	if s.config.DispatchRetry.Clock == nil {
		s.config.DispatchRetry.Clock = s.clock
	}
	return s
}

// RegisterHandler sets the handler for a task type, replacing any previous one.
func (s *Scheduler) RegisterHandler(taskType string, handler Handler, opts ...HandlerOption) {
	h := registeredHandler{handler: handler, timeout: s.config.HandlerTimeout}
	for _, opt := range opts {
		opt(&h)
	}

	s.handlersMu.Lock()
	s.handlers[taskType] = h
	s.handlersMu.Unlock()

	s.logger.Debug("registered task handler", "task_type", taskType, "timeout", h.timeout)
}

// HasHandler reports whether a handler is registered for taskType.
func (s *Scheduler) HasHandler(taskType string) bool {
	_, ok := s.handler(taskType)
	return ok
}

func (s *Scheduler) handler(taskType string) (registeredHandler, bool) {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	h, ok := s.handlers[taskType]
	return h, ok
}

// Enqueue validates and stores a new pending task and returns its id.
func (s *Scheduler) Enqueue(ctx context.Context, taskType string, payload json.RawMessage, opts EnqueueOptions) (uuid.UUID, error) {
	if taskType == "" {
		return uuid.Nil, domain.NewValidationError("type", "must not be empty")
	}
	if !s.HasHandler(taskType) {
		return uuid.Nil, domain.NewValidationError("type", "no handler registered for task type %q", taskType)
	}
	if opts.Priority < s.config.MinPriority || opts.Priority > s.config.MaxPriority {
		return uuid.Nil, domain.NewValidationError("priority", "must be between %d and %d, got %d",
			s.config.MinPriority, s.config.MaxPriority, opts.Priority)
	}
	maxRetries := s.config.DefaultMaxRetries
	if opts.MaxRetries != nil {
		maxRetries = *opts.MaxRetries
	}
	if maxRetries < 0 {
		return uuid.Nil, domain.NewValidationError("max_retries", "must not be negative, got %d", maxRetries)
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return uuid.Nil, domain.NewValidationError("payload", "must be valid JSON")
	}

	now := s.clock.Now().UTC()
	t := &Task{
		ID:         uuid.New(),
		Type:       taskType,
		Priority:   opts.Priority,
		Status:     StatusPending,
		Payload:    payload,
		CreatedAt:  now,
		MaxRetries: maxRetries,
		OwnerID:    opts.OwnerID,
	}
	if opts.ScheduledFor != nil {
		t.ScheduledFor = timePtr(opts.ScheduledFor.UTC())
	}

	if err := s.store.SaveTask(ctx, t); err != nil {
		return uuid.Nil, fmt.Errorf("failed to save task: %w", err)
	}

	s.logger.Info("task enqueued",
		"task_id", t.ID,
		"task_type", t.Type,
		"priority", t.Priority,
		"max_retries", t.MaxRetries)
	s.publish(ctx, events.TypeTaskEnqueued, t, nil)
	s.nudge()

	return t.ID, nil
}

// DequeueNext claims the best eligible task. Returns ErrNoTaskAvailable when
// nothing is eligible.
func (s *Scheduler) DequeueNext(ctx context.Context) (*Task, error) {
	return s.store.ClaimNext(ctx, s.clock.Now().UTC())
}

// Complete marks a running task completed and emits task.completed with result.
func (s *Scheduler) Complete(ctx context.Context, id uuid.UUID, result json.RawMessage) error {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load task %s: %w", id, err)
	}
	if err := t.Complete(s.clock.Now().UTC()); err != nil {
		return err
	}
	if err := s.store.UpdateTask(ctx, t, StatusRunning); err != nil {
		return fmt.Errorf("failed to complete task %s: %w", id, err)
	}

	s.logger.Info("task completed", "task_id", t.ID, "task_type", t.Type, "retry_count", t.RetryCount)
	s.publish(ctx, events.TypeTaskCompleted, t, result)
	return nil
}

// Fail records a failed run of a running task. Retryable causes reschedule the
// task with backoff while retries remain; anything else fails it for good.
func (s *Scheduler) Fail(ctx context.Context, id uuid.UUID, cause error) error {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load task %s: %w", id, err)
	}
	if cause == nil {
		cause = errors.New("task failed without an error")
	}

	now := s.clock.Now().UTC()
	logger := s.logger.With("task_id", t.ID, "task_type", t.Type)

	if t.RetryCount < t.MaxRetries && resilience.IsRetryable(cause) {
		at := resilience.RetryAt(s.config.Backoff, now, t.RetryCount+1)
		if err := t.Retry(at, cause.Error()); err != nil {
			return err
		}
		if err := s.store.UpdateTask(ctx, t, StatusRunning); err != nil {
			return fmt.Errorf("failed to reschedule task %s: %w", id, err)
		}
		logger.Warn("task failed, rescheduled",
			"retry_count", t.RetryCount,
			"max_retries", t.MaxRetries,
			"scheduled_for", at,
			"error", cause)
		return nil
	}

	return s.failTerminal(ctx, t, cause)
}

func (s *Scheduler) failTerminal(ctx context.Context, t *Task, cause error) error {
	if err := t.Fail(s.clock.Now().UTC(), cause.Error()); err != nil {
		return err
	}
	if err := s.store.UpdateTask(ctx, t, StatusRunning); err != nil {
		return fmt.Errorf("failed to mark task %s failed: %w", t.ID, err)
	}

	s.logger.Error("task failed",
		"task_id", t.ID,
		"task_type", t.Type,
		"retry_count", t.RetryCount,
		"max_retries", t.MaxRetries,
		"error", cause)
	s.publish(ctx, events.TypeTaskFailed, t, nil)
	return nil
}

// Cancel cancels a pending task. Running tasks are not preempted and return
// an invalid transition error.
func (s *Scheduler) Cancel(ctx context.Context, id uuid.UUID) error {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load task %s: %w", id, err)
	}
	if err := t.Cancel(s.clock.Now().UTC()); err != nil {
		return err
	}
	if err := s.store.UpdateTask(ctx, t, StatusPending); err != nil {
		return fmt.Errorf("failed to cancel task %s: %w", id, err)
	}

	s.logger.Info("task cancelled", "task_id", t.ID, "task_type", t.Type)
	return nil
}

// GetTask retrieves a task by id.
func (s *Scheduler) GetTask(ctx context.Context, id uuid.UUID) (*Task, error) {
	return s.store.GetTask(ctx, id)
}

// ListTasks returns tasks matching filter.
func (s *Scheduler) ListTasks(ctx context.Context, filter Filter) ([]*Task, error) {
	return s.store.ListTasks(ctx, filter)
}

// InFlight returns the number of tasks this scheduler is currently executing.
func (s *Scheduler) InFlight() int {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	return len(s.inflight)
}

// Start recovers orphaned tasks and begins polling.
func (s *Scheduler) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.cancelFunc != nil {
		return errors.New("scheduler already started")
	}

	if err := s.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover tasks: %w", err)
	}

	s.ctx, s.cancelFunc = context.WithCancel(context.WithoutCancel(ctx))

	s.wg.Add(2)
	go s.pollLoop()
	go s.stuckTaskMonitor()

	s.logger.Info("task scheduler started",
		"poll_interval", s.config.PollInterval,
		"max_concurrent", s.config.MaxConcurrent)
	return nil
}

// Stop gracefully shuts down the scheduler, waiting for in-flight tasks.
func (s *Scheduler) Stop() {
	s.lifecycleMu.Lock()
	cancel := s.cancelFunc
	s.lifecycleMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.logger.Info("task scheduler stopped")
}

// Recover releases tasks left running by a previous process back to pending.
func (s *Scheduler) Recover(ctx context.Context) error {
	pending, err := s.store.ListTasks(ctx, Filter{Status: StatusPending})
	if err != nil {
		return fmt.Errorf("failed to get pending tasks: %w", err)
	}

	// Get all running tasks regardless of age
	running, err := s.store.GetRunningTasks(ctx, time.Time{})
	if err != nil {
		return fmt.Errorf("failed to get running tasks: %w", err)
	}

	s.logger.Info("recovering unfinished tasks",
		"pending_count", len(pending),
		"running_count", len(running))

	for _, t := range running {
		s.release(ctx, t, "released after recovery")
	}
	return nil
}

func (s *Scheduler) release(ctx context.Context, t *Task, reason string) {
	if err := t.Release(); err != nil {
		s.logger.Error("failed to release task", "task_id", t.ID, "error", err)
		return
	}
	if err := s.store.UpdateTask(ctx, t, StatusRunning); err != nil {
		s.logger.Error("failed to reset running task status",
			"task_id", t.ID,
			"task_type", t.Type,
			"error", err)
		return
	}
	s.logger.Info(reason, "task_id", t.ID, "task_type", t.Type)
}

func (s *Scheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) pollLoop() {
	defer s.wg.Done()

	ticker := s.clock.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		s.drain()

		select {
		case <-s.ctx.Done():
			return
		case <-ticker.Chan():
		case <-s.wake:
		}
	}
}

// drain claims and dispatches tasks until the concurrency limit is reached
// or no task is eligible.
func (s *Scheduler) drain() {
	for s.ctx.Err() == nil && s.InFlight() < s.config.MaxConcurrent {
		t, err := s.DequeueNext(s.ctx)
		if errors.Is(err, ErrNoTaskAvailable) {
			return
		}
		if err != nil {
			s.logger.Error("failed to claim next task", "error", err)
			return
		}
		s.dispatch(t)
	}
}

func (s *Scheduler) dispatch(t *Task) {
	s.inflightMu.Lock()
	s.inflight[t.ID] = s.clock.Now()
	s.inflightMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.inflightMu.Lock()
			delete(s.inflight, t.ID)
			s.inflightMu.Unlock()
			s.nudge()
		}()

		s.process(s.ctx, t)
	}()
}

// process executes a claimed task and settles it.
func (s *Scheduler) process(ctx context.Context, t *Task) {
	// Settle even when shutdown cancels the dispatch context
	settleCtx := context.WithoutCancel(ctx)
	logger := s.logger.With("task_id", t.ID, "task_type", t.Type, "priority", t.Priority)

	h, ok := s.handler(t.Type)
	if !ok {
		err := domain.NewTerminalError(fmt.Errorf("no handler registered for task type %q", t.Type))
		if failErr := s.failTerminal(settleCtx, t, err); failErr != nil {
			logger.Error("failed to fail task without handler", "error", failErr)
		}
		return
	}

	if err := s.gate.Acquire(ctx, t.Priority); err != nil {
		s.release(settleCtx, t, "released task on shutdown")
		return
	}
	defer s.gate.Release()

	logger.Info("processing task", "retry_count", t.RetryCount)

	res := resilience.WithRetry(ctx, s.config.DispatchRetry, func(ctx context.Context) (json.RawMessage, error) {
		return resilience.WithCircuitBreaker(ctx, s.breakers, BreakerKey(t.Type), func(ctx context.Context) (json.RawMessage, error) {
			return s.execute(ctx, h, t)
		})
	})

	var openErr *resilience.CircuitOpenError
	switch {
	case res.Success:
		if err := s.Complete(settleCtx, t.ID, res.Value); err != nil {
			logger.Error("failed to update task status to completed", "error", err)
		}
	case errors.As(res.LastError, &openErr):
		retryAt := openErr.RetryAt
		if earliest := s.clock.Now().UTC().Add(s.config.PollInterval); retryAt.Before(earliest) {
			retryAt = earliest
		}
		if err := t.Defer(retryAt); err != nil {
			logger.Error("failed to defer task", "error", err)
			return
		}
		if err := s.store.UpdateTask(settleCtx, t, StatusRunning); err != nil {
			logger.Error("failed to defer task", "error", err)
			return
		}
		logger.Warn("circuit open, task deferred", "scheduled_for", retryAt)
	case ctx.Err() != nil && errors.Is(res.LastError, context.Canceled):
		s.release(settleCtx, t, "released task on shutdown")
	default:
		if err := s.Fail(settleCtx, t.ID, res.LastError); err != nil {
			logger.Error("failed to record task failure", "error", err)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, h registeredHandler, t *Task) (json.RawMessage, error) {
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	out, err := h.handler.Execute(ctx, t.Payload)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, domain.NewRetryableError(fmt.Errorf("task timed out after %s: %w", h.timeout, err))
	}
	return out, err
}

// stuckTaskMonitor periodically reports tasks running longer than
// StuckTaskAge and releases those no worker in this process owns.
func (s *Scheduler) stuckTaskMonitor() {
	defer s.wg.Done()

	ticker := s.clock.NewTicker(s.config.StuckTaskCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.Chan():
			s.checkStuckTasks(s.ctx)
		}
	}
}

func (s *Scheduler) checkStuckTasks(ctx context.Context) {
	cutoff := s.clock.Now().UTC().Add(-s.config.StuckTaskAge)
	stuck, err := s.store.GetRunningTasks(ctx, cutoff)
	if err != nil {
		s.logger.Error("failed to check for stuck tasks", "error", err)
		return
	}
	if len(stuck) == 0 {
		return
	}

	s.logger.Info("found stuck tasks", "count", len(stuck))
	for _, t := range stuck {
		s.inflightMu.Lock()
		_, owned := s.inflight[t.ID]
		s.inflightMu.Unlock()

		if owned {
			s.logger.Warn("task running longer than expected",
				"task_id", t.ID,
				"task_type", t.Type,
				"started_at", t.StartedAt)
			continue
		}
		s.release(ctx, t, "released orphaned task")
	}
}

func (s *Scheduler) publish(ctx context.Context, eventType string, t *Task, result json.RawMessage) {
	payload := events.TaskPayload{
		TaskID:     t.ID.String(),
		Type:       t.Type,
		Priority:   t.Priority,
		Status:     string(t.Status),
		RetryCount: t.RetryCount,
		MaxRetries: t.MaxRetries,
		OwnerID:    t.OwnerID,
		Error:      t.LastError,
		Result:     result,
	}
	if t.StartedAt != nil && t.CompletedAt != nil {
		payload.DurationMs = t.CompletedAt.Sub(*t.StartedAt).Milliseconds()
	}
	events.Publish(ctx, s.emitter, s.logger, eventType, t.ID.String(), payload)
}

// BreakerKey returns the circuit breaker key guarding handlers of taskType.
func BreakerKey(taskType string) string {
	return "task:" + taskType
}
