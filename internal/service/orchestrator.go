package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/phrazzld/conductor/internal/collab"
	"github.com/phrazzld/conductor/internal/domain"
	"github.com/phrazzld/conductor/internal/resilience"
	"github.com/phrazzld/conductor/internal/task"
	"github.com/phrazzld/conductor/internal/workflow"
)

// TaskScheduler defines the task operations the orchestrator needs.
type TaskScheduler interface {
	Enqueue(ctx context.Context, taskType string, payload json.RawMessage, opts task.EnqueueOptions) (uuid.UUID, error)
	GetTask(ctx context.Context, id uuid.UUID) (*task.Task, error)
	ListTasks(ctx context.Context, filter task.Filter) ([]*task.Task, error)
	Cancel(ctx context.Context, id uuid.UUID) error
	InFlight() int
}

// StepSpec is a producer-supplied workflow step.
type StepSpec struct {
	ID           string          `json:"id"`
	Name         string          `json:"name,omitempty"`
	Agent        string          `json:"agent"`
	Action       string          `json:"action,omitempty"`
	Dependencies []string        `json:"dependencies,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
}

// WorkflowOptions are the per-request workflow settings.
type WorkflowOptions struct {
	// MaxAgents caps the planned agents; zero uses the planner default
	MaxAgents int
	// TimeoutMs bounds the run; zero uses the planner default
	TimeoutMs int64
	Priority  int
	// Strategy overrides strategy selection when set
	Strategy string
	// Agents overrides the analysed agent set
	Agents []string
	// Steps supplies an explicit graph and skips planning
	Steps   []StepSpec
	OwnerID string
	// SharedContext seeds the instance's shared context
	SharedContext map[string]any
}

// SystemStats is a point-in-time view of the engine.
type SystemStats struct {
	Workflows    collab.Stats        `json:"workflows"`
	Tasks        map[task.Status]int `json:"tasks"`
	TasksRunning int                 `json:"tasks_in_flight"`
	GateInUse    int                 `json:"gate_in_use"`
	GateWaiting  int                 `json:"gate_waiting"`
	GateLimit    int                 `json:"gate_limit"`
	OpenBreakers []string            `json:"open_breakers"`
	CollectedAt  time.Time           `json:"collected_at"`
}

// Orchestrator is the producer API of the engine.
type Orchestrator interface {
	// EnqueueTask validates and stores a task for asynchronous execution
	EnqueueTask(ctx context.Context, taskType string, payload json.RawMessage, opts task.EnqueueOptions) (uuid.UUID, error)

	// GetTask returns a task; ownerID, when set, must match the task owner
	GetTask(ctx context.Context, id uuid.UUID, ownerID string) (*task.Task, error)

	// ListTasks returns tasks matching filter
	ListTasks(ctx context.Context, filter task.Filter) ([]*task.Task, error)

	// CancelTask cancels a pending task
	CancelTask(ctx context.Context, id uuid.UUID, ownerID string) error

	// CreateWorkflow plans or builds a workflow, registers it and starts it in
	// the background. The returned snapshot is taken before execution starts.
	CreateWorkflow(ctx context.Context, description string, opts WorkflowOptions) (*workflow.Instance, error)

	// GetWorkflow returns a snapshot of the workflow
	GetWorkflow(ctx context.Context, id string, ownerID string) (*workflow.Instance, error)

	// CancelWorkflow cancels a running workflow cooperatively
	CancelWorkflow(ctx context.Context, id string, ownerID string) (*workflow.Instance, error)

	// GetSharedContext returns the workflow's shared context
	GetSharedContext(ctx context.Context, id string, ownerID string) (map[string]any, error)

	// UpdateSharedContext merges patch into the workflow's shared context
	UpdateSharedContext(ctx context.Context, id string, ownerID string, patch map[string]any) (map[string]any, error)

	// Stats returns a point-in-time view of the engine
	Stats(ctx context.Context) (*SystemStats, error)

	// Breakers returns every circuit breaker state
	Breakers() []resilience.BreakerState

	// Close cancels running workflows and waits for them to settle
	Close()
}

// Dependencies are the engine components the orchestrator composes.
type Dependencies struct {
	Scheduler TaskScheduler
	Planner   *workflow.Planner
	Executor  *workflow.Executor
	Registry  *collab.Registry
	Breakers  *resilience.Breakers
	Gate      *resilience.Gate

	// Clock stamps stats snapshots; defaults to the real clock
	Clock clockwork.Clock
}

type orchestratorImpl struct {
	deps   Dependencies
	logger *slog.Logger

	runCtx    context.Context
	cancelRun context.CancelFunc
	wg        sync.WaitGroup
}

// NewOrchestrator creates a new Orchestrator.
// It returns an error if any of the required dependencies are nil.
func NewOrchestrator(deps Dependencies, logger *slog.Logger) (Orchestrator, error) {
	required := []struct {
		name    string
		missing bool
	}{
		{"scheduler", deps.Scheduler == nil},
		{"planner", deps.Planner == nil},
		{"executor", deps.Executor == nil},
		{"registry", deps.Registry == nil},
		{"breakers", deps.Breakers == nil},
		{"gate", deps.Gate == nil},
	}
	for _, r := range required {
		if r.missing {
			return nil, &OrchestratorError{
				Operation: "create_service",
				Message:   r.name + " cannot be nil",
			}
		}
	}

	if logger == nil {
		logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	return &orchestratorImpl{
		deps:      deps,
		logger:    logger.With("component", "orchestrator"),
		runCtx:    runCtx,
		cancelRun: cancel,
	}, nil
}

// EnqueueTask validates and stores a task for asynchronous execution
func (o *orchestratorImpl) EnqueueTask(
	ctx context.Context,
	taskType string,
	payload json.RawMessage,
	opts task.EnqueueOptions,
) (uuid.UUID, error) {
	id, err := o.deps.Scheduler.Enqueue(ctx, taskType, payload, opts)
	if err != nil {
		o.logger.Warn("task rejected",
			"task_type", taskType,
			"owner_id", opts.OwnerID,
			"error", err)
		return uuid.Nil, NewOrchestratorError("enqueue_task", "failed to enqueue task", err)
	}
	return id, nil
}

// GetTask returns a task; ownerID, when set, must match the task owner
func (o *orchestratorImpl) GetTask(ctx context.Context, id uuid.UUID, ownerID string) (*task.Task, error) {
	t, err := o.deps.Scheduler.GetTask(ctx, id)
	if err != nil {
		return nil, NewOrchestratorError("get_task", "failed to retrieve task", err)
	}
	if !owns(ownerID, t.OwnerID) {
		return nil, ErrNotOwned
	}
	return t, nil
}

// ListTasks returns tasks matching filter
func (o *orchestratorImpl) ListTasks(ctx context.Context, filter task.Filter) ([]*task.Task, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, domain.NewValidationError("status", "unknown task status %q", filter.Status)
	}
	if filter.Limit < 0 {
		return nil, domain.NewValidationError("limit", "must not be negative")
	}

	tasks, err := o.deps.Scheduler.ListTasks(ctx, filter)
	if err != nil {
		return nil, NewOrchestratorError("list_tasks", "failed to list tasks", err)
	}
	return tasks, nil
}

// CancelTask cancels a pending task
func (o *orchestratorImpl) CancelTask(ctx context.Context, id uuid.UUID, ownerID string) error {
	if _, err := o.GetTask(ctx, id, ownerID); err != nil {
		return err
	}
	if err := o.deps.Scheduler.Cancel(ctx, id); err != nil {
		return NewOrchestratorError("cancel_task", "failed to cancel task", err)
	}
	return nil
}

// CreateWorkflow plans or builds a workflow, registers it and starts it in
// the background.
func (o *orchestratorImpl) CreateWorkflow(
	ctx context.Context,
	description string,
	opts WorkflowOptions,
) (*workflow.Instance, error) {
	if opts.TimeoutMs < 0 {
		return nil, domain.NewValidationError("timeout_ms", "must not be negative")
	}
	strategy, err := workflow.ParseStrategy(opts.Strategy)
	if err != nil {
		return nil, err
	}

	var inst *workflow.Instance
	if len(opts.Steps) > 0 {
		inst, err = o.buildCustom(description, opts)
	} else {
		inst, err = o.deps.Planner.Plan(description, workflow.PlanOptions{
			MaxAgents: opts.MaxAgents,
			Agents:    opts.Agents,
			Strategy:  strategy,
			Priority:  opts.Priority,
			Timeout:   time.Duration(opts.TimeoutMs) * time.Millisecond,
			OwnerID:   opts.OwnerID,
		})
	}
	if err != nil {
		o.logger.Warn("workflow rejected", "owner_id", opts.OwnerID, "error", err)
		return nil, NewOrchestratorError("create_workflow", "failed to plan workflow", err)
	}
	inst.MergeContext(opts.SharedContext)

	if _, err := o.deps.Registry.Create(ctx, inst); err != nil {
		return nil, NewOrchestratorError("create_workflow", "failed to register workflow", err)
	}
	snapshot := inst.Snapshot()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.deps.Executor.Execute(o.runCtx, inst); err != nil {
			o.logger.Error("workflow execution error",
				"workflow_id", inst.ID,
				"error", err)
		}
	}()

	o.logger.Info("workflow created",
		"workflow_id", snapshot.ID,
		"strategy", snapshot.Strategy,
		"step_count", len(snapshot.Steps),
		"owner_id", opts.OwnerID)
	return snapshot, nil
}

func (o *orchestratorImpl) buildCustom(description string, opts WorkflowOptions) (*workflow.Instance, error) {
	steps := make([]*workflow.Step, 0, len(opts.Steps))
	for _, spec := range opts.Steps {
		action := spec.Action
		if action == "" {
			action = workflow.DefaultAction
		}
		name := spec.Name
		if name == "" {
			name = spec.Agent + ": " + action
		}
		steps = append(steps, &workflow.Step{
			ID:            spec.ID,
			Name:          name,
			AssignedAgent: spec.Agent,
			Action:        action,
			Dependencies:  spec.Dependencies,
			Input:         spec.Input,
		})
	}

	inst, err := workflow.NewInstance(uuid.NewString(), description, steps)
	if err != nil {
		return nil, err
	}

	defaults := workflow.DefaultPlannerConfig()
	inst.OwnerID = opts.OwnerID
	inst.Priority = opts.Priority
	inst.Timeout = time.Duration(opts.TimeoutMs) * time.Millisecond
	if inst.Timeout == 0 {
		inst.Timeout = defaults.DefaultTimeout
	}
	inst.EstimatedDuration = time.Duration(workflow.CriticalPathLength(inst.Steps)) * defaults.StepEstimate
	return inst, nil
}

// GetWorkflow returns a snapshot of the workflow
func (o *orchestratorImpl) GetWorkflow(ctx context.Context, id string, ownerID string) (*workflow.Instance, error) {
	snap, err := o.deps.Registry.Get(ctx, id)
	if err != nil {
		return nil, NewOrchestratorError("get_workflow", "failed to retrieve workflow", err)
	}
	if !owns(ownerID, snap.OwnerID) {
		return nil, ErrNotOwned
	}
	return snap, nil
}

// CancelWorkflow cancels a running workflow cooperatively
func (o *orchestratorImpl) CancelWorkflow(ctx context.Context, id string, ownerID string) (*workflow.Instance, error) {
	inst, ok := o.deps.Registry.Lookup(id)
	if !ok {
		if _, err := o.GetWorkflow(ctx, id, ownerID); err != nil {
			return nil, err
		}
		return nil, domain.NewValidationError("workflow", "workflow %s is archived and cannot be cancelled", id)
	}
	if !owns(ownerID, inst.Snapshot().OwnerID) {
		return nil, ErrNotOwned
	}

	if err := o.deps.Executor.Cancel(ctx, inst); err != nil {
		return nil, NewOrchestratorError("cancel_workflow", "failed to cancel workflow", err)
	}
	return inst.Snapshot(), nil
}

// GetSharedContext returns the workflow's shared context
func (o *orchestratorImpl) GetSharedContext(ctx context.Context, id string, ownerID string) (map[string]any, error) {
	if _, err := o.GetWorkflow(ctx, id, ownerID); err != nil {
		return nil, err
	}
	shared, err := o.deps.Registry.GetSharedContext(ctx, id)
	if err != nil {
		return nil, NewOrchestratorError("get_shared_context", "failed to read shared context", err)
	}
	return shared, nil
}

// UpdateSharedContext merges patch into the workflow's shared context
func (o *orchestratorImpl) UpdateSharedContext(
	ctx context.Context,
	id string,
	ownerID string,
	patch map[string]any,
) (map[string]any, error) {
	if len(patch) == 0 {
		return nil, domain.NewValidationError("context", "patch must not be empty")
	}
	if _, err := o.GetWorkflow(ctx, id, ownerID); err != nil {
		return nil, err
	}
	if err := o.deps.Registry.UpdateSharedContext(ctx, id, patch); err != nil {
		return nil, NewOrchestratorError("update_shared_context", "failed to update shared context", err)
	}
	return o.deps.Registry.GetSharedContext(ctx, id)
}

// Stats returns a point-in-time view of the engine
func (o *orchestratorImpl) Stats(ctx context.Context) (*SystemStats, error) {
	stats := &SystemStats{
		Workflows:    o.deps.Registry.Sweep(),
		Tasks:        make(map[task.Status]int),
		TasksRunning: o.deps.Scheduler.InFlight(),
		GateInUse:    o.deps.Gate.InUse(),
		GateWaiting:  o.deps.Gate.Waiting(),
		GateLimit:    o.deps.Gate.Limit(),
		OpenBreakers: []string{},
		CollectedAt:  o.deps.Clock.Now().UTC(),
	}

	for _, status := range []task.Status{
		task.StatusPending, task.StatusRunning, task.StatusCompleted, task.StatusFailed, task.StatusCancelled,
	} {
		tasks, err := o.deps.Scheduler.ListTasks(ctx, task.Filter{Status: status})
		if err != nil {
			return nil, NewOrchestratorError("stats", "failed to count tasks", err)
		}
		stats.Tasks[status] = len(tasks)
	}

	for _, state := range o.deps.Breakers.States() {
		if state.IsOpen {
			stats.OpenBreakers = append(stats.OpenBreakers, state.Key)
		}
	}
	return stats, nil
}

// Breakers returns every circuit breaker state
func (o *orchestratorImpl) Breakers() []resilience.BreakerState {
	return o.deps.Breakers.States()
}

// Close cancels running workflows and waits for them to settle
func (o *orchestratorImpl) Close() {
	o.cancelRun()
	o.wg.Wait()
}

// owns reports whether requester may access a resource owned by owner. An
// empty requester is a trusted in-process caller.
func owns(requester, owner string) bool {
	return requester == "" || owner == "" || requester == owner
}
