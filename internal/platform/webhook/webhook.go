// Package webhook implements task handlers and workflow agents backed by
// HTTP endpoints.
//
// A task webhook receives the task payload as the request body and answers
// with the task result. An agent webhook receives an agent.Input document and
// answers with an agent.Output document. Responses with status 429 or 5xx are
// retryable; any other non-2xx status is terminal.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/phrazzld/conductor/internal/agent"
	"github.com/phrazzld/conductor/internal/config"
	"github.com/phrazzld/conductor/internal/domain"
	"github.com/phrazzld/conductor/internal/redact"
	"github.com/phrazzld/conductor/internal/resilience"
	"github.com/phrazzld/conductor/internal/task"
)

const (
	// DefaultTimeout bounds a single webhook call when none is configured.
	DefaultTimeout  = 30 * time.Second
	idleConnTimeout = 90 * time.Second
	keepAlive       = 30 * time.Second
	maxIdleConns    = 64
	userAgent       = "conductor-webhook/1"
)

// Client posts JSON documents to one webhook endpoint.
type Client struct {
	name   string
	url    string
	http   *resty.Client
	logger *slog.Logger
}

// NewClient creates a Client for cfg. Retries are left to the engine, so the
// underlying resty client never retries on its own.
func NewClient(cfg config.WorkerConfig, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	c := resty.New()
	c.SetTimeout(timeout)
	c.SetTransport(createTransport(timeout))
	c.SetRetryCount(0)
	c.SetHeader("User-Agent", userAgent)
	c.SetHeader("Content-Type", "application/json")
	c.SetHeader("Accept", "application/json")
	c.SetHeaders(cfg.Headers)

	return &Client{
		name:   cfg.Name,
		url:    cfg.URL,
		http:   c,
		logger: logger.With("component", "webhook", "worker", cfg.Name, "kind", cfg.Kind, "url", redact.URL(cfg.URL)),
	}
}

func createTransport(timeout time.Duration) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: keepAlive,
	}
	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        maxIdleConns,
		MaxIdleConnsPerHost: maxIdleConns,
		IdleConnTimeout:     idleConnTimeout,
	}
}

// post sends body and returns the raw response body of a 2xx response.
func (c *Client) post(ctx context.Context, body any) ([]byte, error) {
	start := time.Now()

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		Post(c.url)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.logger.WarnContext(ctx, "webhook call failed", "error", redact.Error(err))
		return nil, fmt.Errorf("call %s webhook: %w", c.name, err)
	}

	c.logger.DebugContext(ctx, "webhook responded",
		"status", resp.StatusCode(),
		"duration_ms", time.Since(start).Milliseconds())

	if resp.IsError() || resp.StatusCode() >= http.StatusMultipleChoices {
		return nil, resilience.ClassifyHTTPStatus(resp.StatusCode(), resp.Body())
	}
	return resp.Body(), nil
}

// TaskHandler executes tasks of one type by posting their payload.
type TaskHandler struct {
	client *Client
}

var _ task.Handler = (*TaskHandler)(nil)

// NewTaskHandler creates a TaskHandler for cfg.
func NewTaskHandler(cfg config.WorkerConfig, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{client: NewClient(cfg, logger)}
}

// Execute posts payload and returns the response body as the task result.
// An empty response body yields a nil result.
func (h *TaskHandler) Execute(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	body := []byte("{}")
	if len(payload) > 0 {
		body = []byte(payload)
	}

	resp, err := h.client.post(ctx, body)
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, nil
	}
	if !json.Valid(resp) {
		return nil, domain.NewTerminalError(errors.New("webhook returned a non-JSON result"))
	}
	return json.RawMessage(resp), nil
}

// Agent executes workflow steps by posting the step input.
type Agent struct {
	client *Client
}

var _ agent.Agent = (*Agent)(nil)

// NewAgent creates an Agent for cfg.
func NewAgent(cfg config.WorkerConfig, logger *slog.Logger) *Agent {
	return &Agent{client: NewClient(cfg, logger)}
}

// Execute posts in and decodes the response as an agent.Output.
func (a *Agent) Execute(ctx context.Context, in agent.Input) (agent.Output, error) {
	resp, err := a.client.post(ctx, in)
	if err != nil {
		return agent.Output{}, err
	}

	var out agent.Output
	if len(resp) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(resp, &out); err != nil {
		return agent.Output{}, domain.NewTerminalError(fmt.Errorf("decode agent output: %w", err))
	}
	return out, nil
}
