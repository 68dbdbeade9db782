// Package agent defines the consumer contract for workflow step workers and
// the registry that resolves an agent id to its implementation.
//
// An agent is an opaque asynchronous capability: the engine hands it a step
// and reads back an output. What the agent does internally is not the
// engine's concern.
package agent

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/phrazzld/conductor/internal/domain"
)

// Input is what an agent receives for one step.
type Input struct {
	WorkflowID  string          `json:"workflow_id"`
	StepID      string          `json:"step_id"`
	Action      string          `json:"action"`
	Description string          `json:"description"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	// SharedContext is a snapshot of the workflow's shared context taken
	// when the step started.
	SharedContext map[string]any `json:"shared_context"`
	// Dependencies maps each dependency step id to its output.
	Dependencies map[string]json.RawMessage `json:"dependencies"`
}

// Output is what an agent returns for one step.
type Output struct {
	Output json.RawMessage `json:"output,omitempty"`
	// ContextUpdates are merged into the workflow's shared context.
	ContextUpdates map[string]any `json:"context_updates,omitempty"`
}

// Agent executes workflow steps.
type Agent interface {
	// Execute runs one step. A returned error is classified by the retry
	// predicate; wrap it with domain.NewTerminalError to stop retries.
	Execute(ctx context.Context, in Input) (Output, error)
}

// Func adapts a function to the Agent interface.
type Func func(ctx context.Context, in Input) (Output, error)

// Execute calls f(ctx, in).
func (f Func) Execute(ctx context.Context, in Input) (Output, error) {
	return f(ctx, in)
}

// Registry maps agent ids to implementations.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register sets the implementation for id, replacing any previous one.
func (r *Registry) Register(id string, a Agent) error {
	if id == "" {
		return domain.NewValidationError("agent", "agent id must not be empty")
	}
	if a == nil {
		return domain.NewValidationError("agent", "agent %q has no implementation", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[id] = a
	return nil
}

// Get returns the implementation registered for id.
func (r *Registry) Get(id string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, domain.NewNotFoundError("agent", id)
	}
	return a, nil
}

// IDs returns the registered agent ids in lexical order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
