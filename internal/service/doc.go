// Package service contains the producer-facing use cases of the engine.
//
// The Orchestrator composes the task scheduler, the workflow planner and
// executor, the collaboration registry and the circuit breakers into the
// operations producers call: enqueueing tasks, creating workflows from a
// description or an explicit step graph, polling and cancelling both, and
// reading system statistics.
//
// Error handling:
//   - Validation, not-found and invalid-transition errors from the lower
//     layers are returned as they are
//   - ErrNotOwned is returned when a request names another owner's resource
//   - Anything else is wrapped in an OrchestratorError naming the operation
//
// The service layer depends on the engine packages and their interfaces,
// never on a specific storage or transport.
package service
