// Package natsbus forwards engine events to NATS subjects so that processes
// outside the engine can observe task and workflow activity.
package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/phrazzld/conductor/internal/events"
)

// Publisher is the subset of *nats.Conn used to publish events.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Connect dials a NATS server with reconnect settings suitable for a
// long-running service.
func Connect(url, name string, logger *slog.Logger) (*nats.Conn, error) {
	log := logger.With("component", "nats")

	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("disconnected from NATS", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("reconnected to NATS", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return conn, nil
}

// Handler publishes every event as JSON on prefix.<event type>.
type Handler struct {
	publisher Publisher
	prefix    string
	logger    *slog.Logger
}

var _ events.EventHandler = (*Handler)(nil)

// NewHandler creates a Handler publishing under prefix.
func NewHandler(publisher Publisher, prefix string, logger *slog.Logger) *Handler {
	return &Handler{
		publisher: publisher,
		prefix:    prefix,
		logger:    logger.With("component", "nats_event_publisher"),
	}
}

// Subject returns the subject an event of eventType is published on.
func (h *Handler) Subject(eventType string) string {
	if h.prefix == "" {
		return eventType
	}
	return h.prefix + "." + eventType
}

// HandleEvent implements events.EventHandler.
func (h *Handler) HandleEvent(ctx context.Context, event *events.Event) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before publish: %w", err)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.ID, err)
	}

	subject := h.Subject(event.Type)
	if err := h.publisher.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s to %s: %w", event.Type, subject, err)
	}

	h.logger.DebugContext(ctx, "published event", "subject", subject, "event_id", event.ID)
	return nil
}
