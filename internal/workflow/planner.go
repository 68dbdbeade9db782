package workflow

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/phrazzld/conductor/internal/domain"
)

// Complexity classifies a composite request.
type Complexity string

// Complexity levels
const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

// Strategy is the shape of a generated dependency graph.
type Strategy string

// Strategies
const (
	// StrategySequential chains every step to the one before it.
	StrategySequential Strategy = "sequential"
	// StrategyParallelComparison runs one independent step per agent and a
	// synthesis step that depends on all of them.
	StrategyParallelComparison Strategy = "parallel-comparison"
	// StrategyHierarchical runs a planning step first and every other step after it.
	StrategyHierarchical Strategy = "hierarchical"
	// StrategyCustom marks graphs supplied explicitly by the producer.
	StrategyCustom Strategy = "custom"
)

// ParseStrategy validates a strategy name. The empty string is accepted and
// means the planner chooses.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case "", StrategySequential, StrategyParallelComparison, StrategyHierarchical:
		return st, nil
	}
	return "", domain.NewValidationError("strategy", "unknown strategy %q", s)
}

// Synthesis step identity under the parallel-comparison strategy.
const (
	SynthesisStepID = "synthesis"
	SynthesisAction = "synthesize_results"
	PlanningAction  = "create_plan"
	DefaultAction   = "execute"
)

// AgentFamily describes an agent the planner can assign work to and the
// vocabulary that routes requests to it.
type AgentFamily struct {
	ID       string
	Keywords []string
	Actions  []string
}

// DefaultAgentFamilies are the built-in agent families, in tie-break order.
var DefaultAgentFamilies = []AgentFamily{
	{
		ID:       "research",
		Keywords: []string{"research", "information", "sources", "analysis", "what is", "how to", "find", "learn", "study"},
		Actions:  []string{"create_tabs", "extract_data", "generate_report"},
	},
	{
		ID:       "navigation",
		Keywords: []string{"navigate", "open", "tabs", "websites", "website", "go to", "url", "visit", "browse"},
		Actions:  []string{"navigate_to_url", "perform_search"},
	},
	{
		ID:       "shopping",
		Keywords: []string{"shopping", "shop", "compare", "prices", "price", "deals", "deal", "buy", "product", "cheapest"},
		Actions:  []string{"create_retailer_tabs", "compare_prices", "analyze_deals"},
	},
	{
		ID:       "communication",
		Keywords: []string{"email", "compose", "professional", "communication", "message", "write", "reply", "draft"},
		Actions:  []string{"create_template", "format_content"},
	},
	{
		ID:       "automation",
		Keywords: []string{"automation", "automate", "workflow", "process", "tasks", "schedule", "recurring"},
		Actions:  []string{"create_workflow", "schedule_tasks"},
	},
	{
		ID:       "analysis",
		Keywords: []string{"analyze", "analyse", "content", "insights", "data", "summarize", "evaluate"},
		Actions:  []string{"extract_content", "perform_analysis", "generate_insights"},
	},
}

var (
	comparisonMarkers = []string{"compare", "comparison", " vs ", " vs. ", "versus", "better than", "difference between"}
	multiStepMarkers  = []string{" then ", " and then ", " after ", " afterwards", " finally ", " also ", "multiple", "several", "plan", "organize", "step"}
)

// Analysis is the deterministic classification of a request.
type Analysis struct {
	Complexity       Complexity     `json:"complexity"`
	PrimaryAgent     string         `json:"primary_agent"`
	SupportingAgents []string       `json:"supporting_agents"`
	Scores           map[string]int `json:"scores"`
	Comparison       bool           `json:"comparison"`
}

// AnalyzeComplexity classifies description using the default agent families.
func AnalyzeComplexity(description string) Analysis {
	return analyze(description, DefaultAgentFamilies)
}

func analyze(description string, families []AgentFamily) Analysis {
	text := " " + strings.ToLower(strings.Join(strings.Fields(description), " ")) + " "

	scores := make(map[string]int, len(families))
	order := make([]string, 0, len(families))
	for _, f := range families {
		score := 0
		for _, kw := range f.Keywords {
			if strings.Contains(text, kw) {
				score++
			}
		}
		scores[f.ID] = score
		order = append(order, f.ID)
	}

	ranked := slices.Clone(order)
	sort.SliceStable(ranked, func(i, j int) bool {
		return scores[ranked[i]] > scores[ranked[j]]
	})

	a := Analysis{Scores: scores, SupportingAgents: []string{}}
	if len(ranked) > 0 {
		a.PrimaryAgent = ranked[0]
	}
	for _, id := range ranked[min(1, len(ranked)):] {
		if scores[id] > 0 {
			a.SupportingAgents = append(a.SupportingAgents, id)
		}
	}

	for _, m := range comparisonMarkers {
		if strings.Contains(text, m) {
			a.Comparison = true
			break
		}
	}

	markers := 0
	for _, m := range multiStepMarkers {
		if strings.Contains(text, m) {
			markers++
		}
	}
	agents := 1 + len(a.SupportingAgents)
	words := len(strings.Fields(description))

	switch {
	case agents >= 3, agents >= 2 && markers >= 2, words > 40:
		a.Complexity = ComplexityComplex
	case agents == 2, markers >= 1, words > 15:
		a.Complexity = ComplexityModerate
	default:
		a.Complexity = ComplexitySimple
	}
	return a
}

// RequestShape carries the request facts strategy selection depends on.
type RequestShape struct {
	Comparison bool
	AgentCount int
}

// SelectStrategy picks a graph shape: comparisons across two or more agents
// run in parallel with a synthesis step, complex multi-agent requests are
// planned hierarchically, and everything else runs sequentially.
func SelectStrategy(complexity Complexity, shape RequestShape) Strategy {
	switch {
	case shape.Comparison && shape.AgentCount >= 2:
		return StrategyParallelComparison
	case complexity == ComplexityComplex && shape.AgentCount >= 2:
		return StrategyHierarchical
	default:
		return StrategySequential
	}
}

// GenerateSteps builds the step list for strategy over agents using the
// default agent families. Every dependency refers to an earlier step.
func GenerateSteps(strategy Strategy, agents []string) ([]*Step, error) {
	return generateSteps(strategy, agents, DefaultAgentFamilies)
}

func generateSteps(strategy Strategy, agents []string, families []AgentFamily) ([]*Step, error) {
	if len(agents) == 0 {
		return nil, domain.NewValidationError("agents", "at least one agent is required")
	}

	steps := make([]*Step, 0, len(agents)+1)
	newStep := func(i int, agentID, action string, deps []string) *Step {
		return &Step{
			ID:            fmt.Sprintf("step-%d", i+1),
			Name:          agentID + ": " + action,
			AssignedAgent: agentID,
			Action:        action,
			Dependencies:  deps,
			Status:        StepPending,
		}
	}

	switch strategy {
	case StrategySequential:
		for i, agentID := range agents {
			deps := []string{}
			if i > 0 {
				deps = append(deps, steps[i-1].ID)
			}
			steps = append(steps, newStep(i, agentID, primaryAction(agentID, families), deps))
		}

	case StrategyParallelComparison:
		if len(agents) < 2 {
			return nil, domain.NewValidationError("agents", "%s needs at least two agents, got %d", strategy, len(agents))
		}
		deps := make([]string, 0, len(agents))
		for i, agentID := range agents {
			s := newStep(i, agentID, primaryAction(agentID, families), []string{})
			steps = append(steps, s)
			deps = append(deps, s.ID)
		}
		steps = append(steps, &Step{
			ID:            SynthesisStepID,
			Name:          agents[0] + ": " + SynthesisAction,
			AssignedAgent: agents[0],
			Action:        SynthesisAction,
			Dependencies:  deps,
			Status:        StepPending,
		})

	case StrategyHierarchical:
		plan := newStep(0, agents[0], PlanningAction, []string{})
		steps = append(steps, plan)
		for i, agentID := range agents[1:] {
			steps = append(steps, newStep(i+1, agentID, primaryAction(agentID, families), []string{plan.ID}))
		}

	default:
		return nil, domain.NewValidationError("strategy", "cannot generate steps for strategy %q", strategy)
	}

	return steps, nil
}

func primaryAction(agentID string, families []AgentFamily) string {
	for _, f := range families {
		if f.ID == agentID && len(f.Actions) > 0 {
			return f.Actions[0]
		}
	}
	return DefaultAction
}

// PlannerConfig holds configuration for the planner
type PlannerConfig struct {
	// MaxAgents caps the agents assigned to one workflow
	MaxAgents int

	// StepEstimate is the expected duration of one step, used to estimate
	// the duration of a whole workflow from its critical path
	StepEstimate time.Duration

	// DefaultTimeout bounds workflows created without a timeout
	DefaultTimeout time.Duration

	// Families overrides DefaultAgentFamilies when non-empty
	Families []AgentFamily
}

// DefaultPlannerConfig returns a PlannerConfig with reasonable defaults
func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		MaxAgents:      4,
		StepEstimate:   30 * time.Second,
		DefaultTimeout: 10 * time.Minute,
	}
}

// PlanOptions are the per-request planning settings.
type PlanOptions struct {
	// MaxAgents caps the agents for this request; zero uses the planner default
	MaxAgents int
	// Agents overrides the analysed agent set, in order; the first is primary
	Agents []string
	// Strategy overrides strategy selection when set
	Strategy Strategy
	Priority int
	// Timeout bounds the run; zero uses the planner default
	Timeout time.Duration
	OwnerID string
}

// Planner turns a composite request into a validated workflow instance.
type Planner struct {
	config   PlannerConfig
	families []AgentFamily
	clock    clockwork.Clock
	logger   *slog.Logger
}

// NewPlanner creates a Planner.
func NewPlanner(config PlannerConfig, clock clockwork.Clock, logger *slog.Logger) *Planner {
	if config.MaxAgents <= 0 {
		config.MaxAgents = DefaultPlannerConfig().MaxAgents
	}
	families := config.Families
	if len(families) == 0 {
		families = DefaultAgentFamilies
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Planner{
		config:   config,
		families: families,
		clock:    clock,
		logger:   logger.With("component", "workflow_planner"),
	}
}

// Analyze classifies description using the planner's agent families.
func (p *Planner) Analyze(description string) Analysis {
	return analyze(description, p.families)
}

// Plan classifies description, selects a strategy, generates and validates
// the step graph and returns a planning instance.
func (p *Planner) Plan(description string, opts PlanOptions) (*Instance, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, domain.NewValidationError("description", "must not be empty")
	}
	if opts.MaxAgents < 0 {
		return nil, domain.NewValidationError("max_agents", "must not be negative, got %d", opts.MaxAgents)
	}
	if opts.Timeout < 0 {
		return nil, domain.NewValidationError("timeout", "must not be negative")
	}
	if _, err := ParseStrategy(string(opts.Strategy)); err != nil {
		return nil, err
	}

	analysis := p.Analyze(description)

	agents := make([]string, 0, len(opts.Agents))
	if len(opts.Agents) > 0 {
		for _, a := range opts.Agents {
			a = strings.TrimSpace(a)
			if a == "" {
				return nil, domain.NewValidationError("agents", "agent id must not be empty")
			}
			if !slices.Contains(agents, a) {
				agents = append(agents, a)
			}
		}
	} else {
		agents = append(agents, analysis.PrimaryAgent)
		agents = append(agents, analysis.SupportingAgents...)
	}

	maxAgents := p.config.MaxAgents
	if opts.MaxAgents > 0 {
		maxAgents = opts.MaxAgents
	}
	if len(agents) > maxAgents {
		agents = agents[:maxAgents]
	}

	strategy := opts.Strategy
	if strategy == "" {
		strategy = SelectStrategy(analysis.Complexity, RequestShape{
			Comparison: analysis.Comparison,
			AgentCount: len(agents),
		})
	}

	steps, err := generateSteps(strategy, agents, p.families)
	if err != nil {
		return nil, err
	}

	input, err := json.Marshal(map[string]string{"description": description})
	if err != nil {
		return nil, fmt.Errorf("failed to encode step input: %w", err)
	}
	for _, s := range steps {
		s.Input = input
	}

	inst, err := NewInstance(uuid.NewString(), description, steps)
	if err != nil {
		return nil, err
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = p.config.DefaultTimeout
	}

	inst.OwnerID = opts.OwnerID
	inst.Strategy = strategy
	inst.Complexity = analysis.Complexity
	inst.Priority = opts.Priority
	inst.Timeout = timeout
	inst.EstimatedDuration = time.Duration(CriticalPathLength(inst.Steps)) * p.config.StepEstimate
	inst.CreatedAt = p.clock.Now().UTC()

	p.logger.Info("workflow planned",
		"workflow_id", inst.ID,
		"strategy", strategy,
		"complexity", analysis.Complexity,
		"agents", agents,
		"step_count", len(inst.Steps))

	return inst, nil
}
