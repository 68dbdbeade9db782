// Package api exposes the orchestrator over HTTP. It decodes and validates
// producer requests, calls service.Orchestrator, and renders results and
// errors in the domain.Result envelope.
package api
