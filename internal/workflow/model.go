package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/phrazzld/conductor/internal/domain"
)

// Status is the lifecycle state of a workflow instance.
type Status string

// Instance statuses
const (
	StatusPlanning  Status = "planning"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether s can never change again.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// StepStatus is the lifecycle state of a single step.
type StepStatus string

// Step statuses
const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepCancelled StepStatus = "cancelled"
)

// Step is one unit of a workflow assigned to a single agent.
type Step struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	AssignedAgent string          `json:"assigned_agent"`
	Action        string          `json:"action"`
	Dependencies  []string        `json:"dependencies"`
	Status        StepStatus      `json:"status"`
	Input         json.RawMessage `json:"input,omitempty"`
	Output        json.RawMessage `json:"output,omitempty"`
	RetryCount    int             `json:"retry_count"`
	Error         string          `json:"error,omitempty"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

func (s *Step) clone() *Step {
	c := *s
	c.Dependencies = slices.Clone(s.Dependencies)
	c.Input = slices.Clone(s.Input)
	c.Output = slices.Clone(s.Output)
	c.StartedAt = cloneTime(s.StartedAt)
	c.CompletedAt = cloneTime(s.CompletedAt)
	return &c
}

// StepResult is the settled outcome of one step.
type StepResult struct {
	StepID string          `json:"step_id"`
	Agent  string          `json:"agent"`
	Action string          `json:"action"`
	Status StepStatus      `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Instance is one execution of a workflow graph.
//
// Once an instance is handed to the registry or the executor, its fields must
// only be read through Snapshot and the accessor methods.
type Instance struct {
	mu sync.RWMutex

	ID                string         `json:"id"`
	Description       string         `json:"description"`
	OwnerID           string         `json:"owner_id,omitempty"`
	PrimaryAgent      string         `json:"primary_agent"`
	SupportingAgents  []string       `json:"supporting_agents"`
	SharedContext     map[string]any `json:"shared_context"`
	Steps             []*Step        `json:"steps"`
	Status            Status         `json:"status"`
	Strategy          Strategy       `json:"strategy"`
	Complexity        Complexity     `json:"complexity"`
	Priority          int            `json:"priority"`
	Timeout           time.Duration  `json:"timeout"`
	EstimatedDuration time.Duration  `json:"estimated_duration"`
	Progress          float64        `json:"progress"`
	CreatedAt         time.Time      `json:"created_at"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	Results           []StepResult   `json:"results"`
	FailedSteps       []string       `json:"failed_steps,omitempty"`
	Error             string         `json:"error,omitempty"`

	cancel context.CancelFunc
}

// NewInstance builds a planning instance from explicit steps after validating
// the dependency graph. Step statuses are reset to pending.
func NewInstance(id, description string, steps []*Step) (*Instance, error) {
	if err := ValidateGraph(steps); err != nil {
		return nil, err
	}

	inst := &Instance{
		ID:            id,
		Description:   description,
		SharedContext: make(map[string]any),
		Steps:         make([]*Step, 0, len(steps)),
		Status:        StatusPlanning,
		Strategy:      StrategyCustom,
		CreatedAt:     time.Now().UTC(),
	}

	agents := make([]string, 0, len(steps))
	for _, s := range steps {
		c := s.clone()
		c.Status = StepPending
		if c.Dependencies == nil {
			c.Dependencies = []string{}
		}
		inst.Steps = append(inst.Steps, c)
		if !slices.Contains(agents, c.AssignedAgent) {
			agents = append(agents, c.AssignedAgent)
		}
	}
	if len(agents) > 0 {
		inst.PrimaryAgent = agents[0]
		inst.SupportingAgents = agents[1:]
	}
	return inst, nil
}

// Snapshot returns a deep copy safe to read and serialize.
func (inst *Instance) Snapshot() *Instance {
	inst.mu.RLock()
	defer inst.mu.RUnlock()
	return inst.snapshotLocked()
}

func (inst *Instance) snapshotLocked() *Instance {
	c := &Instance{
		ID:                inst.ID,
		Description:       inst.Description,
		OwnerID:           inst.OwnerID,
		PrimaryAgent:      inst.PrimaryAgent,
		SupportingAgents:  slices.Clone(inst.SupportingAgents),
		SharedContext:     maps.Clone(inst.SharedContext),
		Steps:             make([]*Step, len(inst.Steps)),
		Status:            inst.Status,
		Strategy:          inst.Strategy,
		Complexity:        inst.Complexity,
		Priority:          inst.Priority,
		Timeout:           inst.Timeout,
		EstimatedDuration: inst.EstimatedDuration,
		Progress:          inst.Progress,
		CreatedAt:         inst.CreatedAt,
		StartedAt:         cloneTime(inst.StartedAt),
		CompletedAt:       cloneTime(inst.CompletedAt),
		Results:           slices.Clone(inst.Results),
		FailedSteps:       slices.Clone(inst.FailedSteps),
		Error:             inst.Error,
	}
	if c.SharedContext == nil {
		c.SharedContext = make(map[string]any)
	}
	for i, s := range inst.Steps {
		c.Steps[i] = s.clone()
	}
	return c
}

// CurrentStatus returns the instance status.
func (inst *Instance) CurrentStatus() Status {
	inst.mu.RLock()
	defer inst.mu.RUnlock()
	return inst.Status
}

// ContextSnapshot returns a copy of the shared context.
func (inst *Instance) ContextSnapshot() map[string]any {
	inst.mu.RLock()
	defer inst.mu.RUnlock()
	c := maps.Clone(inst.SharedContext)
	if c == nil {
		c = make(map[string]any)
	}
	return c
}

// MergeContext merges patch into the shared context key by key. Keys absent
// from patch are left untouched.
func (inst *Instance) MergeContext(patch map[string]any) {
	if len(patch) == 0 {
		return
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.SharedContext == nil {
		inst.SharedContext = make(map[string]any, len(patch))
	}
	maps.Copy(inst.SharedContext, patch)
}

// Cancel moves a non-terminal instance to cancelled, marks every step that
// has not started as cancelled and signals in-flight steps to stop.
func (inst *Instance) Cancel(now time.Time) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.Status.IsTerminal() {
		return fmt.Errorf("%w: workflow %s is already %s", domain.ErrInvalidTransition, inst.ID, inst.Status)
	}

	inst.Status = StatusCancelled
	inst.CompletedAt = timePtr(now)
	for _, s := range inst.Steps {
		if s.Status == StepPending {
			s.Status = StepCancelled
		}
	}
	inst.collectResultsLocked()
	if inst.cancel != nil {
		inst.cancel()
	}
	return nil
}

// begin moves a planning instance to executing and records how to stop it.
func (inst *Instance) begin(now time.Time, cancel context.CancelFunc) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.Status != StatusPlanning {
		return fmt.Errorf("%w: workflow %s cannot start from %s", domain.ErrInvalidTransition, inst.ID, inst.Status)
	}
	inst.Status = StatusExecuting
	inst.StartedAt = timePtr(now)
	inst.cancel = cancel
	return nil
}

// schedule partitions pending steps into those ready to run and those that
// can still become ready. Pending steps behind a failed or cancelled
// dependency are abandoned and reported in neither set.
func (inst *Instance) schedule() (ready []*Step, waiting []*Step) {
	inst.mu.RLock()
	defer inst.mu.RUnlock()

	status := make(map[string]StepStatus, len(inst.Steps))
	for _, s := range inst.Steps {
		status[s.ID] = s.Status
	}
	abandoned := inst.abandonedLocked()

	for _, s := range inst.Steps {
		if s.Status != StepPending || abandoned[s.ID] {
			continue
		}
		isReady := true
		for _, dep := range s.Dependencies {
			if status[dep] != StepCompleted {
				isReady = false
				break
			}
		}
		if isReady {
			ready = append(ready, s.clone())
		} else {
			waiting = append(waiting, s.clone())
		}
	}
	return ready, waiting
}

// abandonedLocked returns the pending steps that can never run because a
// dependency, direct or transitive, failed or was cancelled.
func (inst *Instance) abandonedLocked() map[string]bool {
	byID := make(map[string]*Step, len(inst.Steps))
	for _, s := range inst.Steps {
		byID[s.ID] = s
	}

	memo := make(map[string]bool, len(inst.Steps))
	visiting := make(map[string]bool)
	var blocked func(id string) bool
	blocked = func(id string) bool {
		if v, ok := memo[id]; ok {
			return v
		}
		s, ok := byID[id]
		if !ok || visiting[id] {
			return false
		}
		visiting[id] = true
		defer delete(visiting, id)

		result := false
		for _, dep := range s.Dependencies {
			d, ok := byID[dep]
			if !ok {
				continue
			}
			if d.Status == StepFailed || d.Status == StepCancelled || blocked(dep) {
				result = true
				break
			}
		}
		memo[id] = result
		return result
	}

	out := make(map[string]bool)
	for _, s := range inst.Steps {
		if s.Status == StepPending && blocked(s.ID) {
			out[s.ID] = true
		}
	}
	return out
}

// dependencySnapshot maps each pending step to its unmet dependencies.
func (inst *Instance) dependencySnapshot() map[string][]string {
	inst.mu.RLock()
	defer inst.mu.RUnlock()

	status := make(map[string]StepStatus, len(inst.Steps))
	for _, s := range inst.Steps {
		status[s.ID] = s.Status
	}
	out := make(map[string][]string)
	for _, s := range inst.Steps {
		if s.Status != StepPending {
			continue
		}
		unmet := []string{}
		for _, dep := range s.Dependencies {
			if status[dep] != StepCompleted {
				unmet = append(unmet, dep)
			}
		}
		out[s.ID] = unmet
	}
	return out
}

// dependencyOutputs returns the outputs of the given steps.
func (inst *Instance) dependencyOutputs(ids []string) map[string]json.RawMessage {
	inst.mu.RLock()
	defer inst.mu.RUnlock()

	out := make(map[string]json.RawMessage, len(ids))
	for _, s := range inst.Steps {
		if slices.Contains(ids, s.ID) {
			out[s.ID] = slices.Clone(s.Output)
		}
	}
	return out
}

// startStep moves a pending step to running unless the instance has stopped.
func (inst *Instance) startStep(id string, now time.Time) (*Step, bool) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.Status != StatusExecuting {
		return nil, false
	}
	s := inst.stepLocked(id)
	if s == nil || s.Status != StepPending {
		return nil, false
	}
	s.Status = StepRunning
	s.StartedAt = timePtr(now)
	return s.clone(), true
}

// settleStep records the outcome of a running step and refreshes progress.
func (inst *Instance) settleStep(id string, status StepStatus, output json.RawMessage, errMsg string, retryCount int, now time.Time) (*Step, float64) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	s := inst.stepLocked(id)
	if s == nil {
		return nil, inst.Progress
	}
	s.Status = status
	s.Output = output
	s.Error = errMsg
	s.RetryCount = retryCount
	s.CompletedAt = timePtr(now)

	completed := 0
	for _, st := range inst.Steps {
		if st.Status == StepCompleted {
			completed++
		}
	}
	if len(inst.Steps) > 0 {
		inst.Progress = float64(completed) / float64(len(inst.Steps))
	}
	return s.clone(), inst.Progress
}

// finish settles an executing instance. Steps that never ran although
// nothing blocked them are cancelled, and the instance fails rather than
// completes. Instances cancelled meanwhile are left as they are and finish
// reports false.
func (inst *Instance) finish(now time.Time, failure string) bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.Status != StatusExecuting {
		inst.collectResultsLocked()
		return false
	}

	inst.FailedSteps = nil
	for _, s := range inst.Steps {
		if s.Status == StepFailed {
			inst.FailedSteps = append(inst.FailedSteps, s.Name)
		}
	}

	// Steps that could still have run were cut off by a stop signal.
	abandoned := inst.abandonedLocked()
	unrun := 0
	for _, s := range inst.Steps {
		if (s.Status == StepPending && !abandoned[s.ID]) || s.Status == StepRunning {
			s.Status = StepCancelled
			s.CompletedAt = timePtr(now)
			unrun++
		}
	}
	if failure == "" && unrun > 0 {
		failure = fmt.Sprintf("workflow interrupted: %d of %d steps not run", unrun, len(inst.Steps))
	}

	switch {
	case failure != "":
		inst.Status = StatusFailed
		inst.Error = failure
	case len(inst.FailedSteps) > 0:
		inst.Status = StatusFailed
		inst.Error = fmt.Sprintf("%d of %d steps failed", len(inst.FailedSteps), len(inst.Steps))
	default:
		inst.Status = StatusCompleted
	}
	inst.CompletedAt = timePtr(now)
	inst.cancel = nil
	inst.collectResultsLocked()
	return true
}

// collectResultsLocked lists settled steps in declaration order.
func (inst *Instance) collectResultsLocked() {
	inst.Results = inst.Results[:0]
	for _, s := range inst.Steps {
		switch s.Status {
		case StepCompleted, StepFailed, StepCancelled:
			inst.Results = append(inst.Results, StepResult{
				StepID: s.ID,
				Agent:  s.AssignedAgent,
				Action: s.Action,
				Status: s.Status,
				Output: slices.Clone(s.Output),
				Error:  s.Error,
			})
		}
	}
}

func (inst *Instance) stepLocked(id string) *Step {
	for _, s := range inst.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Step returns a copy of the step with the given id.
func (inst *Instance) Step(id string) (*Step, bool) {
	inst.mu.RLock()
	defer inst.mu.RUnlock()
	s := inst.stepLocked(id)
	if s == nil {
		return nil, false
	}
	return s.clone(), true
}

// Duration returns how long the instance has been, or was, executing.
func (inst *Instance) Duration(now time.Time) time.Duration {
	inst.mu.RLock()
	defer inst.mu.RUnlock()
	if inst.StartedAt == nil {
		return 0
	}
	end := now
	if inst.CompletedAt != nil {
		end = *inst.CompletedAt
	}
	return end.Sub(*inst.StartedAt)
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
