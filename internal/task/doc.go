// Package task manages the durable queue of prioritized, time-gated,
// retryable jobs.
//
// A Scheduler validates and stores tasks through a TaskStore, claims the best
// eligible task on every poll, and dispatches it to the Handler registered
// for its type. Each dispatch runs inside the resilience layer: a bounded
// in-dispatch attempt loop wrapped around a per-type circuit breaker, gated
// by the shared priority Gate. Failed runs are rescheduled with exponential
// backoff while the task's retry budget lasts, then fail for good.
//
// Tasks left running by a crashed process are released back to pending on
// Start, and a monitor reports tasks that run longer than expected.
package task
