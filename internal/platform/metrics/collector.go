package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/phrazzld/conductor/internal/events"
)

const namespace = "conductor"

// durationBuckets spans fast handlers to long workflows, in seconds.
var durationBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300}

// Collector turns engine events into Prometheus metrics.
type Collector struct {
	taskEvents       *prometheus.CounterVec
	taskDuration     *prometheus.HistogramVec
	stepUpdates      *prometheus.CounterVec
	stepRetries      *prometheus.CounterVec
	workflows        *prometheus.CounterVec
	workflowDuration *prometheus.HistogramVec
	breakerOpen      *prometheus.GaugeVec
	breakerTrips     *prometheus.CounterVec
}

var _ events.EventHandler = (*Collector)(nil)

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		taskEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "events_total",
			Help:      "Task lifecycle events by task type and event.",
		}, []string{"type", "event"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "duration_seconds",
			Help:      "Time from claim to settle for terminal task attempts.",
			Buckets:   durationBuckets,
		}, []string{"type", "status"}),
		stepUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow_steps",
			Name:      "updates_total",
			Help:      "Workflow step status changes by agent and status.",
		}, []string{"agent", "status"}),
		stepRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow_steps",
			Name:      "retries_total",
			Help:      "Retries spent by settled workflow steps, by agent.",
		}, []string{"agent"}),
		workflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflows",
			Name:      "finished_total",
			Help:      "Finished workflows by final status and strategy.",
		}, []string{"status", "strategy"}),
		workflowDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "workflows",
			Name:      "duration_seconds",
			Help:      "Wall time of finished workflows.",
			Buckets:   durationBuckets,
		}, []string{"status"}),
		breakerOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "circuit_breaker",
			Name:      "open",
			Help:      "1 while the circuit breaker for a key is open.",
		}, []string{"key"}),
		breakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "circuit_breaker",
			Name:      "trips_total",
			Help:      "Times a circuit breaker opened, by key.",
		}, []string{"key"}),
	}

	for _, collector := range []prometheus.Collector{
		c.taskEvents, c.taskDuration, c.stepUpdates, c.stepRetries,
		c.workflows, c.workflowDuration, c.breakerOpen, c.breakerTrips,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}
	return c, nil
}

// HandleEvent implements events.EventHandler. Unknown event types are ignored.
func (c *Collector) HandleEvent(ctx context.Context, event *events.Event) error {
	switch event.Type {
	case events.TypeTaskEnqueued, events.TypeTaskCompleted, events.TypeTaskFailed:
		var p events.TaskPayload
		if err := event.UnmarshalPayload(&p); err != nil {
			return fmt.Errorf("failed to decode %s payload: %w", event.Type, err)
		}
		c.taskEvents.WithLabelValues(p.Type, event.Type).Inc()
		if event.Type != events.TypeTaskEnqueued && p.DurationMs > 0 {
			c.taskDuration.WithLabelValues(p.Type, p.Status).Observe(seconds(p.DurationMs))
		}

	case events.TypeWorkflowStepUpdate:
		var p events.StepUpdatePayload
		if err := event.UnmarshalPayload(&p); err != nil {
			return fmt.Errorf("failed to decode %s payload: %w", event.Type, err)
		}
		c.stepUpdates.WithLabelValues(p.Agent, p.Status).Inc()
		if p.RetryCount > 0 {
			c.stepRetries.WithLabelValues(p.Agent).Add(float64(p.RetryCount))
		}

	case events.TypeWorkflowCompleted, events.TypeWorkflowCancelled:
		var p events.WorkflowPayload
		if err := event.UnmarshalPayload(&p); err != nil {
			return fmt.Errorf("failed to decode %s payload: %w", event.Type, err)
		}
		c.workflows.WithLabelValues(p.Status, p.Strategy).Inc()
		c.workflowDuration.WithLabelValues(p.Status).Observe(seconds(p.DurationMs))

	case events.TypeCircuitBreakerOpened:
		var p events.BreakerPayload
		if err := event.UnmarshalPayload(&p); err != nil {
			return fmt.Errorf("failed to decode %s payload: %w", event.Type, err)
		}
		c.breakerOpen.WithLabelValues(p.Key).Set(1)
		c.breakerTrips.WithLabelValues(p.Key).Inc()

	case events.TypeCircuitBreakerClosed:
		var p events.BreakerPayload
		if err := event.UnmarshalPayload(&p); err != nil {
			return fmt.Errorf("failed to decode %s payload: %w", event.Type, err)
		}
		c.breakerOpen.WithLabelValues(p.Key).Set(0)
	}
	return nil
}

func seconds(ms int64) float64 {
	return (time.Duration(ms) * time.Millisecond).Seconds()
}

// GateSource reports the occupancy of a concurrency gate.
type GateSource interface {
	InUse() int
	Waiting() int
	Limit() int
}

// RegisterGate exposes gate occupancy as gauges sampled on every scrape.
func RegisterGate(reg prometheus.Registerer, gate GateSource) error {
	gauges := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "in_use",
			Help:      "Operations currently holding a gate slot.",
		}, func() float64 { return float64(gate.InUse()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "waiting",
			Help:      "Operations queued for a gate slot.",
		}, func() float64 { return float64(gate.Waiting()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "limit",
			Help:      "Maximum concurrent operations; 0 means unlimited.",
		}, func() float64 { return float64(gate.Limit()) }),
	}
	for _, g := range gauges {
		if err := reg.Register(g); err != nil {
			return fmt.Errorf("failed to register gate metrics: %w", err)
		}
	}
	return nil
}
