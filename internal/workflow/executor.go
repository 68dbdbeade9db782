package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/phrazzld/conductor/internal/agent"
	"github.com/phrazzld/conductor/internal/domain"
	"github.com/phrazzld/conductor/internal/events"
	"github.com/phrazzld/conductor/internal/resilience"
)

// AgentResolver resolves an agent id to its implementation.
type AgentResolver interface {
	Get(id string) (agent.Agent, error)
}

// ExecutorConfig holds configuration for the executor
type ExecutorConfig struct {
	// StepRetry is the attempt loop wrapped around every step
	StepRetry resilience.RetryConfig

	// StepTimeout bounds each step attempt; zero disables the bound
	StepTimeout time.Duration
}

// DefaultExecutorConfig returns an ExecutorConfig with reasonable defaults
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		StepRetry:   resilience.DefaultRetryConfig(),
		StepTimeout: 2 * time.Minute,
	}
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecutorClock sets the clock used for timestamps.
func WithExecutorClock(clock clockwork.Clock) ExecutorOption {
	return func(e *Executor) {
		e.clock = clock
	}
}

// WithExecutorEmitter sets the destination of workflow events.
func WithExecutorEmitter(emitter events.EventEmitter) ExecutorOption {
	return func(e *Executor) {
		e.emitter = emitter
	}
}

// WithExecutorBreakers shares a circuit breaker registry.
func WithExecutorBreakers(breakers *resilience.Breakers) ExecutorOption {
	return func(e *Executor) {
		e.breakers = breakers
	}
}

// WithExecutorGate shares the global concurrency gate.
func WithExecutorGate(gate *resilience.Gate) ExecutorOption {
	return func(e *Executor) {
		e.gate = gate
	}
}

// WithRepository persists instance snapshots at every transition.
func WithRepository(repo Repository) ExecutorOption {
	return func(e *Executor) {
		e.repo = repo
	}
}

// Executor runs workflow instances, dispatching ready steps to agents through
// the resilience layer.
type Executor struct {
	agents   AgentResolver
	config   ExecutorConfig
	logger   *slog.Logger
	clock    clockwork.Clock
	emitter  events.EventEmitter
	breakers *resilience.Breakers
	gate     *resilience.Gate
	repo     Repository
}

// NewExecutor creates an Executor.
func NewExecutor(agents AgentResolver, config ExecutorConfig, logger *slog.Logger, opts ...ExecutorOption) *Executor {
	e := &Executor{
		agents: agents,
		config: config,
		logger: logger.With("component", "workflow_executor"),
		clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.breakers == nil {
		e.breakers = resilience.NewBreakers(resilience.DefaultBreakerConfig(),
			resilience.WithBreakerClock(e.clock), resilience.WithBreakerLogger(logger))
	}
	if e.gate == nil {
		e.gate = resilience.NewGate(0)
	}
	if e.config.StepRetry.Clock == nil {
		e.config.StepRetry.Clock = e.clock
	}
	return e
}

// Execute runs inst to a terminal status. Step failures are recorded on the
// instance and not returned; the returned error is non-nil only when the
// instance could not start or deadlocked.
func (e *Executor) Execute(ctx context.Context, inst *Instance) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if inst.Timeout > 0 {
		var timeoutCancel context.CancelFunc
		runCtx, timeoutCancel = context.WithTimeout(runCtx, inst.Timeout)
		defer timeoutCancel()
	}

	if err := inst.begin(e.clock.Now().UTC(), cancel); err != nil {
		return err
	}

	logger := e.logger.With("workflow_id", inst.ID)
	logger.Info("workflow started", "step_count", len(inst.Steps), "strategy", inst.Strategy)
	e.persist(ctx, inst)

	stepCount := len(inst.Steps)
	var failure string
	var runErr error

	for iteration := 0; iteration < 2*stepCount; iteration++ {
		if runCtx.Err() != nil || inst.CurrentStatus() != StatusExecuting {
			break
		}

		ready, waiting := inst.schedule()
		if len(ready) == 0 {
			if len(waiting) > 0 {
				deadlock := &domain.DeadlockError{WorkflowID: inst.ID, Pending: inst.dependencySnapshot()}
				logger.Error("workflow deadlocked", "pending", deadlock.Pending, "error", deadlock)
				failure = deadlock.Error()
				runErr = deadlock
			}
			break
		}

		var g errgroup.Group
		for _, step := range ready {
			g.Go(func() error {
				return e.runStep(runCtx, inst, step)
			})
		}
		if err := g.Wait(); err != nil {
			logger.Info("workflow run stopped before all ready steps started", "error", err)
			break
		}
	}

	if failure == "" && inst.Timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) && inst.CurrentStatus() == StatusExecuting {
		failure = fmt.Sprintf("workflow timed out after %s", inst.Timeout)
	}

	if !inst.finish(e.clock.Now().UTC(), failure) {
		logger.Info("workflow stopped after cancellation")
		e.persist(ctx, inst)
		return runErr
	}

	snap := inst.Snapshot()
	if snap.Status == StatusCompleted {
		logger.Info("workflow completed", "duration", inst.Duration(e.clock.Now()))
	} else {
		logger.Warn("workflow failed", "failed_steps", snap.FailedSteps, "error", snap.Error)
	}
	e.persist(ctx, inst)
	e.publishWorkflow(ctx, events.TypeWorkflowCompleted, snap)
	return runErr
}

// Cancel cancels inst cooperatively: steps that have not started never
// start, in-flight steps see their context cancelled, and the instance
// settles to cancelled.
func (e *Executor) Cancel(ctx context.Context, inst *Instance) error {
	if err := inst.Cancel(e.clock.Now().UTC()); err != nil {
		return err
	}

	e.logger.Info("workflow cancelled", "workflow_id", inst.ID)
	e.persist(ctx, inst)
	e.publishWorkflow(ctx, events.TypeWorkflowCancelled, inst.Snapshot())
	return nil
}

// runStep runs one ready step to a settled status. It returns an error only
// when the step could not be admitted through the gate.
func (e *Executor) runStep(ctx context.Context, inst *Instance, pending *Step) error {
	logger := e.logger.With("workflow_id", inst.ID, "step_id", pending.ID, "agent", pending.AssignedAgent)

	if err := e.gate.Acquire(ctx, inst.Priority); err != nil {
		return fmt.Errorf("step %s not admitted: %w", pending.ID, err)
	}
	defer e.gate.Release()

	// Checkpoint: the instance may have been cancelled while waiting
	step, ok := inst.startStep(pending.ID, e.clock.Now().UTC())
	if !ok {
		return nil
	}
	e.publishStep(ctx, inst, step, inst.Snapshot().Progress)
	e.persist(ctx, inst)

	impl, err := e.agents.Get(step.AssignedAgent)
	if err != nil {
		e.settle(ctx, inst, step.ID, StepFailed, agent.Output{}, err, 0, logger)
		return nil
	}

	input := agent.Input{
		WorkflowID:    inst.ID,
		StepID:        step.ID,
		Action:        step.Action,
		Description:   inst.Description,
		Payload:       step.Input,
		SharedContext: inst.ContextSnapshot(),
		Dependencies:  inst.dependencyOutputs(step.Dependencies),
	}

	res := resilience.WithRetry(ctx, e.config.StepRetry, func(ctx context.Context) (agent.Output, error) {
		return resilience.WithCircuitBreaker(ctx, e.breakers, AgentBreakerKey(step.AssignedAgent), func(ctx context.Context) (agent.Output, error) {
			return e.invoke(ctx, impl, input)
		})
	})
	retries := max(res.Attempts-1, 0)

	switch {
	case res.Success:
		inst.MergeContext(res.Value.ContextUpdates)
		e.settle(ctx, inst, step.ID, StepCompleted, res.Value, nil, retries, logger)
	case errors.Is(res.LastError, context.Canceled) && inst.CurrentStatus() == StatusCancelled:
		e.settle(ctx, inst, step.ID, StepCancelled, agent.Output{}, res.LastError, retries, logger)
	default:
		e.settle(ctx, inst, step.ID, StepFailed, agent.Output{}, res.LastError, retries, logger)
	}
	return nil
}

func (e *Executor) invoke(ctx context.Context, impl agent.Agent, input agent.Input) (agent.Output, error) {
	if e.config.StepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.StepTimeout)
		defer cancel()
	}

	out, err := impl.Execute(ctx, input)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return agent.Output{}, domain.NewRetryableError(fmt.Errorf("step timed out: %w", err))
	}
	return out, err
}

func (e *Executor) settle(ctx context.Context, inst *Instance, stepID string, status StepStatus, out agent.Output, cause error, retries int, logger *slog.Logger) {
	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}

	step, progress := inst.settleStep(stepID, status, out.Output, errMsg, retries, e.clock.Now().UTC())
	if step == nil {
		return
	}

	switch status {
	case StepCompleted:
		logger.Info("step completed", "retry_count", retries, "progress", progress)
	case StepFailed:
		logger.Warn("step failed",
			"retry_count", retries,
			"error", cause,
			"abandoned", Dependents(inst.Snapshot().Steps, stepID))
	default:
		logger.Info("step cancelled")
	}

	e.publishStep(ctx, inst, step, progress)
	e.persist(ctx, inst)
}

func (e *Executor) persist(ctx context.Context, inst *Instance) {
	if e.repo == nil {
		return
	}
	if err := e.repo.SaveWorkflow(context.WithoutCancel(ctx), inst.Snapshot()); err != nil {
		e.logger.Error("failed to persist workflow", "workflow_id", inst.ID, "error", err)
	}
}

func (e *Executor) publishStep(ctx context.Context, inst *Instance, step *Step, progress float64) {
	events.Publish(context.WithoutCancel(ctx), e.emitter, e.logger, events.TypeWorkflowStepUpdate, inst.ID, events.StepUpdatePayload{
		WorkflowID: inst.ID,
		StepID:     step.ID,
		Agent:      step.AssignedAgent,
		Action:     step.Action,
		Status:     string(step.Status),
		RetryCount: step.RetryCount,
		Error:      step.Error,
		Progress:   progress,
	})
}

func (e *Executor) publishWorkflow(ctx context.Context, eventType string, snap *Instance) {
	var duration time.Duration
	if snap.StartedAt != nil && snap.CompletedAt != nil {
		duration = snap.CompletedAt.Sub(*snap.StartedAt)
	}
	events.Publish(context.WithoutCancel(ctx), e.emitter, e.logger, eventType, snap.ID, events.WorkflowPayload{
		WorkflowID:  snap.ID,
		Status:      string(snap.Status),
		Strategy:    string(snap.Strategy),
		FailedSteps: snap.FailedSteps,
		Error:       snap.Error,
		DurationMs:  duration.Milliseconds(),
	})
}

// AgentBreakerKey returns the circuit breaker key guarding agentID.
func AgentBreakerKey(agentID string) string {
	return "agent:" + agentID
}
