// Package resilience provides the retry and circuit-breaking layers that wrap
// every unit of work dispatched by the scheduler and the workflow executor.
//
// Retry and circuit breaking are independent: WithRetry never retries a
// CircuitOpenError, so an open breaker never consumes a task's or a step's
// retry budget. The package also provides the error classification used to
// decide whether a failure is worth retrying, the enqueue-level backoff
// schedule, and Gate, the priority-ordered limit on in-flight work.
package resilience
