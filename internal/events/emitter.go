package events

import (
	"context"
	"log/slog"
	"sync"
)

// InMemoryEventEmitter stores registered handlers in memory and dispatches
// events to them synchronously, in registration order.
type InMemoryEventEmitter struct {
	handlers []EventHandler
	mu       sync.RWMutex
	logger   *slog.Logger
}

// NewInMemoryEventEmitter creates a new instance of InMemoryEventEmitter.
func NewInMemoryEventEmitter(logger *slog.Logger) *InMemoryEventEmitter {
	return &InMemoryEventEmitter{
		handlers: make([]EventHandler, 0),
		logger:   logger.With("component", "in_memory_event_emitter"),
	}
}

// RegisterHandler adds a new event handler to receive events.
func (e *InMemoryEventEmitter) RegisterHandler(handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, handler)
	e.logger.Debug("registered new event handler", "handler_count", len(e.handlers))
}

// EmitEvent publishes the given event to all registered handlers.
// If any handler returns an error, the event will still be sent to all other handlers,
// and the first error encountered will be returned.
func (e *InMemoryEventEmitter) EmitEvent(ctx context.Context, event *Event) error {
	e.mu.RLock()
	handlers := make([]EventHandler, len(e.handlers))
	copy(handlers, e.handlers)
	e.mu.RUnlock()

	if len(handlers) == 0 {
		e.logger.Debug("no handlers registered for event",
			"event_id", event.ID,
			"event_type", event.Type)
		return nil
	}

	var firstErr error
	for i, handler := range handlers {
		if err := handler.HandleEvent(ctx, event); err != nil {
			e.logger.Error("handler failed to process event",
				"error", err,
				"handler_index", i,
				"event_id", event.ID,
				"event_type", event.Type)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

// Publish builds an event and emits it. Failures are logged and swallowed:
// observers must never affect the outcome of the work being observed.
// A nil emitter is a no-op.
func Publish(ctx context.Context, emitter EventEmitter, logger *slog.Logger, eventType, subject string, payload any) {
	if emitter == nil {
		return
	}

	event, err := NewEvent(eventType, subject, payload)
	if err != nil {
		logger.Error("failed to build event", "event_type", eventType, "subject", subject, "error", err)
		return
	}

	if err := emitter.EmitEvent(ctx, event); err != nil {
		logger.Warn("event delivery failed", "event_type", eventType, "subject", subject, "error", err)
	}
}

// LogHandler writes every event to a logger at debug level, and failures at warn.
type LogHandler struct {
	logger *slog.Logger
}

// NewLogHandler creates a LogHandler.
func NewLogHandler(logger *slog.Logger) *LogHandler {
	return &LogHandler{logger: logger.With("component", "event_log")}
}

// HandleEvent implements EventHandler.
func (h *LogHandler) HandleEvent(ctx context.Context, event *Event) error {
	level := slog.LevelDebug
	switch event.Type {
	case TypeTaskFailed, TypeCircuitBreakerOpened:
		level = slog.LevelWarn
	}
	h.logger.Log(ctx, level, "event",
		"event_id", event.ID,
		"event_type", event.Type,
		"subject", event.Subject,
		"payload", string(event.Payload))
	return nil
}
