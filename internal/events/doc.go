// Package events provides the event types emitted by the orchestration engine
// and the in-process emitter that fans them out to observers.
//
// Producers of events (the scheduler, the workflow executor and the circuit
// breaker registry) depend only on EventEmitter. Observers implement
// EventHandler and are registered once at the composition root: the
// Prometheus collector, the NATS publisher and the log handler.
//
// Event types:
// - task.enqueued, task.completed, task.failed: TaskPayload
// - workflow.stepUpdate: StepUpdatePayload
// - workflow.completed, workflow.cancelled: WorkflowPayload
// - circuitBreaker.opened, circuitBreaker.closed: BreakerPayload
package events
