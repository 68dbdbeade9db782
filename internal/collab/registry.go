package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/phrazzld/conductor/internal/domain"
	"github.com/phrazzld/conductor/internal/workflow"
)

// ErrDuplicateWorkflow is returned when an instance id is already registered.
var ErrDuplicateWorkflow = errors.New("workflow already registered")

// Config holds configuration for the registry
type Config struct {
	// SweepInterval is how often the background loop computes stats and
	// evicts old instances
	SweepInterval time.Duration

	// RetentionWindow is how long terminal instances stay registered
	RetentionWindow time.Duration

	// StallFactor flags executing instances whose runtime exceeds this
	// multiple of their estimated duration
	StallFactor float64

	// FailureRateThreshold is the failure rate above which a sweep warns
	FailureRateThreshold float64
}

// DefaultConfig returns a Config with reasonable defaults
func DefaultConfig() Config {
	return Config{
		SweepInterval:        time.Minute,
		RetentionWindow:      time.Hour,
		StallFactor:          1.5,
		FailureRateThreshold: 0.3,
	}
}

// Stats summarizes the registered instances.
type Stats struct {
	Active          int           `json:"active"`
	Completed       int           `json:"completed"`
	Failed          int           `json:"failed"`
	Cancelled       int           `json:"cancelled"`
	AverageDuration time.Duration `json:"average_duration"`
	// FailureRate is failed over completed plus failed instances
	FailureRate float64  `json:"failure_rate"`
	Stalled     []string `json:"stalled"`
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the clock used for sweeps and retention.
func WithClock(clock clockwork.Clock) Option {
	return func(r *Registry) {
		r.clock = clock
	}
}

// WithRepository makes the registry persist new instances, fall back to
// stored snapshots for evicted ids and prune them on cleanup.
func WithRepository(repo workflow.Repository) Option {
	return func(r *Registry) {
		r.repo = repo
	}
}

// Registry tracks live workflow instances and their shared context.
type Registry struct {
	config Config
	logger *slog.Logger
	clock  clockwork.Clock
	repo   workflow.Repository

	mu        sync.RWMutex
	instances map[string]*workflow.Instance

	lifecycleMu sync.Mutex
	cancelFunc  context.CancelFunc
	wg          sync.WaitGroup
}

// NewRegistry creates a Registry.
func NewRegistry(config Config, logger *slog.Logger, opts ...Option) *Registry {
	defaults := DefaultConfig()
	if config.SweepInterval <= 0 {
		config.SweepInterval = defaults.SweepInterval
	}
	if config.RetentionWindow <= 0 {
		config.RetentionWindow = defaults.RetentionWindow
	}
	if config.StallFactor <= 0 {
		config.StallFactor = defaults.StallFactor
	}
	if config.FailureRateThreshold <= 0 {
		config.FailureRateThreshold = defaults.FailureRateThreshold
	}

	r := &Registry{
		config:    config,
		logger:    logger.With("component", "collab_registry"),
		clock:     clockwork.NewRealClock(),
		instances: make(map[string]*workflow.Instance),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create registers inst and returns its id.
func (r *Registry) Create(ctx context.Context, inst *workflow.Instance) (string, error) {
	if inst == nil || inst.ID == "" {
		return "", domain.NewValidationError("workflow", "instance must have an id")
	}

	r.mu.Lock()
	if _, exists := r.instances[inst.ID]; exists {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicateWorkflow, inst.ID)
	}
	r.instances[inst.ID] = inst
	r.mu.Unlock()

	if r.repo != nil {
		if err := r.repo.SaveWorkflow(ctx, inst.Snapshot()); err != nil {
			r.mu.Lock()
			delete(r.instances, inst.ID)
			r.mu.Unlock()
			return "", fmt.Errorf("failed to persist workflow: %w", err)
		}
	}

	r.logger.Debug("workflow registered", "workflow_id", inst.ID)
	return inst.ID, nil
}

// Lookup returns the live instance for id, if it is still registered.
func (r *Registry) Lookup(id string) (*workflow.Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	return inst, ok
}

// Get returns a snapshot of the instance, falling back to the repository
// for instances no longer registered.
func (r *Registry) Get(ctx context.Context, id string) (*workflow.Instance, error) {
	if inst, ok := r.Lookup(id); ok {
		return inst.Snapshot(), nil
	}
	if r.repo == nil {
		return nil, domain.NewNotFoundError("workflow", id)
	}

	snap, err := r.repo.GetWorkflow(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.NewNotFoundError("workflow", id)
		}
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}
	return snap, nil
}

// List returns snapshots of every registered instance, oldest first.
func (r *Registry) List() []*workflow.Instance {
	r.mu.RLock()
	out := make([]*workflow.Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst.Snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// GetSharedContext returns a copy of the instance's shared context.
func (r *Registry) GetSharedContext(ctx context.Context, id string) (map[string]any, error) {
	if inst, ok := r.Lookup(id); ok {
		return inst.ContextSnapshot(), nil
	}
	snap, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return snap.SharedContext, nil
}

// UpdateSharedContext merges patch into the shared context of a registered
// instance. Existing keys absent from patch are kept.
func (r *Registry) UpdateSharedContext(ctx context.Context, id string, patch map[string]any) error {
	inst, ok := r.Lookup(id)
	if !ok {
		return domain.NewNotFoundError("workflow", id)
	}
	inst.MergeContext(patch)

	if r.repo != nil {
		if err := r.repo.SaveWorkflow(ctx, inst.Snapshot()); err != nil {
			return fmt.Errorf("failed to persist shared context: %w", err)
		}
	}
	return nil
}

// Sweep computes stats over registered instances, logging stalled instances
// and a high failure rate.
func (r *Registry) Sweep() Stats {
	now := r.clock.Now()
	stats := Stats{Stalled: []string{}}

	var total time.Duration
	var timed int
	for _, snap := range r.List() {
		switch snap.Status {
		case workflow.StatusPlanning, workflow.StatusExecuting:
			stats.Active++
		case workflow.StatusCompleted:
			stats.Completed++
		case workflow.StatusFailed:
			stats.Failed++
		case workflow.StatusCancelled:
			stats.Cancelled++
		}

		if snap.Status.IsTerminal() && snap.StartedAt != nil && snap.CompletedAt != nil {
			total += snap.CompletedAt.Sub(*snap.StartedAt)
			timed++
		}

		if snap.Status == workflow.StatusExecuting && snap.StartedAt != nil && snap.EstimatedDuration > 0 {
			running := now.Sub(*snap.StartedAt)
			limit := time.Duration(float64(snap.EstimatedDuration) * r.config.StallFactor)
			if running > limit {
				stats.Stalled = append(stats.Stalled, snap.ID)
				r.logger.Warn("workflow running longer than expected",
					"workflow_id", snap.ID,
					"running", running,
					"estimated", snap.EstimatedDuration)
			}
		}
	}

	if timed > 0 {
		stats.AverageDuration = total / time.Duration(timed)
	}
	if settled := stats.Completed + stats.Failed; settled > 0 {
		stats.FailureRate = float64(stats.Failed) / float64(settled)
	}
	if stats.FailureRate > r.config.FailureRateThreshold {
		r.logger.Warn("workflow failure rate is high",
			"failure_rate", stats.FailureRate,
			"failed", stats.Failed,
			"completed", stats.Completed)
	}
	return stats
}

// Cleanup evicts terminal instances that finished more than RetentionWindow
// ago, from memory and from the repository, and returns how many were
// evicted from memory.
func (r *Registry) Cleanup(ctx context.Context) int {
	cutoff := r.clock.Now().UTC().Add(-r.config.RetentionWindow)

	r.mu.Lock()
	var evicted []string
	for id, inst := range r.instances {
		snap := inst.Snapshot()
		if snap.Status.IsTerminal() && snap.CompletedAt != nil && snap.CompletedAt.Before(cutoff) {
			delete(r.instances, id)
			evicted = append(evicted, id)
		}
	}
	r.mu.Unlock()

	if len(evicted) > 0 {
		r.logger.Info("evicted finished workflows", "count", len(evicted))
	}

	if r.repo != nil {
		removed, err := r.repo.DeleteWorkflowsBefore(ctx, cutoff)
		if err != nil {
			r.logger.Error("failed to prune stored workflows", "error", err)
		} else if removed > 0 {
			r.logger.Info("pruned stored workflows", "count", removed)
		}
	}
	return len(evicted)
}

// Start begins the periodic sweep and cleanup loop.
func (r *Registry) Start(ctx context.Context) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if r.cancelFunc != nil {
		return errors.New("registry already started")
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancelFunc = cancel

	r.wg.Add(1)
	go r.maintenanceLoop(loopCtx)

	r.logger.Info("collaboration registry started", "sweep_interval", r.config.SweepInterval)
	return nil
}

// Stop ends the maintenance loop.
func (r *Registry) Stop() {
	r.lifecycleMu.Lock()
	cancel := r.cancelFunc
	r.cancelFunc = nil
	r.lifecycleMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	r.wg.Wait()
	r.logger.Info("collaboration registry stopped")
}

func (r *Registry) maintenanceLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := r.clock.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			stats := r.Sweep()
			r.logger.Debug("registry sweep", "active", stats.Active, "stalled", len(stats.Stalled))
			r.Cleanup(ctx)
		}
	}
}
