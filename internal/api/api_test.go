package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/conductor/internal/agent"
	"github.com/phrazzld/conductor/internal/api"
	"github.com/phrazzld/conductor/internal/api/middleware"
	"github.com/phrazzld/conductor/internal/collab"
	"github.com/phrazzld/conductor/internal/config"
	"github.com/phrazzld/conductor/internal/resilience"
	"github.com/phrazzld/conductor/internal/service"
	"github.com/phrazzld/conductor/internal/service/auth"
	"github.com/phrazzld/conductor/internal/task"
	"github.com/phrazzld/conductor/internal/workflow"
)

const testSecret = "api-test-secret-that-is-long-enough"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newOrchestrator(t *testing.T) service.Orchestrator {
	t.Helper()
	logger := testLogger()

	breakers := resilience.NewBreakers(resilience.DefaultBreakerConfig())
	gate := resilience.NewGate(4)

	scheduler := task.NewScheduler(task.NewMemoryStore(), task.DefaultConfig(), logger,
		task.WithBreakers(breakers), task.WithGate(gate))
	scheduler.RegisterHandler("cleanup", task.HandlerFunc(func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	}))

	agents := agent.NewRegistry()
	for _, f := range workflow.DefaultAgentFamilies {
		require.NoError(t, agents.Register(f.ID, agent.Echo(f.ID)))
	}

	o, err := service.NewOrchestrator(service.Dependencies{
		Scheduler: scheduler,
		Planner:   workflow.NewPlanner(workflow.DefaultPlannerConfig(), nil, logger),
		Executor: workflow.NewExecutor(agents, workflow.DefaultExecutorConfig(), logger,
			workflow.WithExecutorBreakers(breakers), workflow.WithExecutorGate(gate)),
		Registry: collab.NewRegistry(collab.DefaultConfig(), logger),
		Breakers: breakers,
		Gate:     gate,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(o.Close)
	return o
}

func newServer(t *testing.T, opts api.RouterOptions) *httptest.Server {
	t.Helper()
	if opts.Orchestrator == nil {
		opts.Orchestrator = newOrchestrator(t)
	}
	opts.Logger = testLogger()
	srv := httptest.NewServer(api.NewRouter(opts))
	t.Cleanup(srv.Close)
	return srv
}

type response struct {
	status int
	header http.Header
	body   map[string]any
}

func do(t *testing.T, srv *httptest.Server, method, path, token string, body any) response {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	out := response{status: resp.StatusCode, header: resp.Header}
	if len(raw) > 0 && resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(raw, &out.body), string(raw))
	}
	return out
}

func assertError(t *testing.T, resp response, status int, code string) {
	t.Helper()
	assert.Equal(t, status, resp.status)
	assert.Equal(t, false, resp.body["success"])
	assert.Equal(t, code, resp.body["error_code"])
	assert.NotEmpty(t, resp.body["message"])
	assert.NotEmpty(t, resp.body["trace_id"])
	assert.Equal(t, resp.body["trace_id"], resp.header.Get(middleware.TraceHeader))
}

func TestTasksAPI(t *testing.T) {
	srv := newServer(t, api.RouterOptions{})

	created := do(t, srv, http.MethodPost, "/api/tasks", "", map[string]any{
		"type":     "cleanup",
		"payload":  map[string]any{"older_than": "24h"},
		"priority": 5,
	})
	require.Equal(t, http.StatusAccepted, created.status)
	assert.Equal(t, true, created.body["success"])
	id, _ := created.body["task_id"].(string)
	require.NotEmpty(t, id)

	t.Run("get", func(t *testing.T) {
		resp := do(t, srv, http.MethodGet, "/api/tasks/"+id, "", nil)
		require.Equal(t, http.StatusOK, resp.status)
		assert.Equal(t, "pending", resp.body["status"])
		assert.Equal(t, 5.0, resp.body["priority"])
		assert.Equal(t, map[string]any{"older_than": "24h"}, resp.body["payload"])
	})

	t.Run("list with filters", func(t *testing.T) {
		resp := do(t, srv, http.MethodGet, "/api/tasks?status=pending&type=cleanup", "", nil)
		require.Equal(t, http.StatusOK, resp.status)
		assert.Equal(t, 1.0, resp.body["count"])

		resp = do(t, srv, http.MethodGet, "/api/tasks?status=failed", "", nil)
		require.Equal(t, http.StatusOK, resp.status)
		assert.Equal(t, 0.0, resp.body["count"])
		assert.Equal(t, []any{}, resp.body["tasks"])
	})

	t.Run("delayed task is scheduled", func(t *testing.T) {
		resp := do(t, srv, http.MethodPost, "/api/tasks", "", map[string]any{
			"type":     "cleanup",
			"delay_ms": 60000,
		})
		require.Equal(t, http.StatusAccepted, resp.status)

		got := do(t, srv, http.MethodGet, "/api/tasks/"+resp.body["task_id"].(string), "", nil)
		require.Equal(t, http.StatusOK, got.status)
		scheduled, err := time.Parse(time.RFC3339Nano, got.body["scheduled_for"].(string))
		require.NoError(t, err)
		assert.True(t, scheduled.After(time.Now().Add(30*time.Second)))
	})

	t.Run("cancel", func(t *testing.T) {
		resp := do(t, srv, http.MethodPost, "/api/tasks/"+id+"/cancel", "", nil)
		require.Equal(t, http.StatusOK, resp.status)
		assert.Equal(t, "cancelled", resp.body["status"])

		resp = do(t, srv, http.MethodPost, "/api/tasks/"+id+"/cancel", "", nil)
		assertError(t, resp, http.StatusConflict, "CONFLICT")
	})

	t.Run("rejections", func(t *testing.T) {
		tests := []struct {
			name   string
			method string
			path   string
			body   any
			status int
			code   string
		}{
			{name: "unknown type", method: http.MethodPost, path: "/api/tasks",
				body: map[string]any{"type": "mystery"}, status: http.StatusBadRequest, code: "VALIDATION_ERROR"},
			{name: "missing type", method: http.MethodPost, path: "/api/tasks",
				body: map[string]any{"priority": 1}, status: http.StatusBadRequest, code: "VALIDATION_ERROR"},
			{name: "priority out of range", method: http.MethodPost, path: "/api/tasks",
				body: map[string]any{"type": "cleanup", "priority": 99}, status: http.StatusBadRequest, code: "VALIDATION_ERROR"},
			{name: "negative retries", method: http.MethodPost, path: "/api/tasks",
				body: map[string]any{"type": "cleanup", "max_retries": -1}, status: http.StatusBadRequest, code: "VALIDATION_ERROR"},
			{name: "malformed body", method: http.MethodPost, path: "/api/tasks",
				body: `{"type":`, status: http.StatusBadRequest, code: "VALIDATION_ERROR"},
			{name: "unknown field", method: http.MethodPost, path: "/api/tasks",
				body: `{"type":"cleanup","colour":"red"}`, status: http.StatusBadRequest, code: "VALIDATION_ERROR"},
			{name: "unknown id", method: http.MethodGet, path: "/api/tasks/5b0ef1a4-6a33-4a51-8f55-7f0c1d36c7a1",
				status: http.StatusNotFound, code: "NOT_FOUND"},
			{name: "invalid id", method: http.MethodGet, path: "/api/tasks/not-a-uuid",
				status: http.StatusBadRequest, code: "VALIDATION_ERROR"},
			{name: "bad status filter", method: http.MethodGet, path: "/api/tasks?status=paused",
				status: http.StatusBadRequest, code: "VALIDATION_ERROR"},
			{name: "bad limit", method: http.MethodGet, path: "/api/tasks?limit=-3",
				status: http.StatusBadRequest, code: "VALIDATION_ERROR"},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				assertError(t, do(t, srv, tt.method, tt.path, "", tt.body), tt.status, tt.code)
			})
		}
	})
}

func TestWorkflowsAPI(t *testing.T) {
	srv := newServer(t, api.RouterOptions{})

	created := do(t, srv, http.MethodPost, "/api/workflows", "", map[string]any{
		"description": "find a laptop and compare reviews",
		"steps": []map[string]any{
			{"id": "find", "agent": "shopping", "action": "search"},
			{"id": "review", "agent": "research", "action": "compare", "dependencies": []string{"find"}},
		},
		"shared_context": map[string]any{"budget": 1200},
	})
	require.Equal(t, http.StatusAccepted, created.status)
	id, _ := created.body["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "custom", created.body["strategy"])
	require.Len(t, created.body["steps"], 2)

	var done response
	require.Eventually(t, func() bool {
		done = do(t, srv, http.MethodGet, "/api/workflows/"+id, "", nil)
		return done.status == http.StatusOK && done.body["status"] == "completed"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, done.body["progress"])

	results, ok := done.body["results"].([]any)
	require.True(t, ok)
	require.Len(t, results, 2)
	assert.Equal(t, "find", results[0].(map[string]any)["step_id"])
	assert.Equal(t, "review", results[1].(map[string]any)["step_id"])

	t.Run("shared context", func(t *testing.T) {
		resp := do(t, srv, http.MethodGet, "/api/workflows/"+id+"/context", "", nil)
		require.Equal(t, http.StatusOK, resp.status)
		values := resp.body["context"].(map[string]any)
		assert.Equal(t, 1200.0, values["budget"])
		assert.Equal(t, "compare", values["research.last_action"])

		resp = do(t, srv, http.MethodPatch, "/api/workflows/"+id+"/context", "", map[string]any{
			"updates": map[string]any{"budget": 900, "currency": "EUR"},
		})
		require.Equal(t, http.StatusOK, resp.status)
		values = resp.body["context"].(map[string]any)
		assert.Equal(t, 900.0, values["budget"])
		assert.Equal(t, "EUR", values["currency"])

		resp = do(t, srv, http.MethodPatch, "/api/workflows/"+id+"/context", "", map[string]any{
			"updates": map[string]any{},
		})
		assertError(t, resp, http.StatusBadRequest, "VALIDATION_ERROR")
	})

	t.Run("cancel finished workflow conflicts", func(t *testing.T) {
		resp := do(t, srv, http.MethodPost, "/api/workflows/"+id+"/cancel", "", nil)
		assertError(t, resp, http.StatusConflict, "CONFLICT")
	})

	t.Run("planned workflow", func(t *testing.T) {
		resp := do(t, srv, http.MethodPost, "/api/workflows", "", map[string]any{
			"description": "research the best route and send an email summary",
			"strategy":    "sequential",
		})
		require.Equal(t, http.StatusAccepted, resp.status)
		assert.Equal(t, "sequential", resp.body["strategy"])
		assert.NotEmpty(t, resp.body["primary_agent"])
	})

	t.Run("rejections", func(t *testing.T) {
		tests := []struct {
			name   string
			method string
			path   string
			body   any
			status int
			code   string
		}{
			{name: "missing description", method: http.MethodPost, path: "/api/workflows",
				body: map[string]any{"strategy": "sequential"}, status: http.StatusBadRequest, code: "VALIDATION_ERROR"},
			{name: "unknown strategy", method: http.MethodPost, path: "/api/workflows",
				body: map[string]any{"description": "x", "strategy": "zigzag"}, status: http.StatusBadRequest, code: "VALIDATION_ERROR"},
			{name: "unknown dependency", method: http.MethodPost, path: "/api/workflows",
				body: map[string]any{"description": "x", "steps": []map[string]any{
					{"id": "a", "agent": "shopping", "dependencies": []string{"ghost"}},
				}}, status: http.StatusBadRequest, code: "VALIDATION_ERROR"},
			{name: "step without agent", method: http.MethodPost, path: "/api/workflows",
				body: map[string]any{"description": "x", "steps": []map[string]any{{"id": "a"}}},
				status: http.StatusBadRequest, code: "VALIDATION_ERROR"},
			{name: "negative timeout", method: http.MethodPost, path: "/api/workflows",
				body: map[string]any{"description": "x", "timeout_ms": -1}, status: http.StatusBadRequest, code: "VALIDATION_ERROR"},
			{name: "unknown workflow", method: http.MethodGet, path: "/api/workflows/nope",
				status: http.StatusNotFound, code: "NOT_FOUND"},
			{name: "unknown workflow context", method: http.MethodGet, path: "/api/workflows/nope/context",
				status: http.StatusNotFound, code: "NOT_FOUND"},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				assertError(t, do(t, srv, tt.method, tt.path, "", tt.body), tt.status, tt.code)
			})
		}
	})
}

func TestAuthentication(t *testing.T) {
	jwtService, err := auth.NewJWTService(config.AuthConfig{JWTSecret: testSecret, TokenLifetime: time.Hour})
	require.NoError(t, err)
	srv := newServer(t, api.RouterOptions{JWTService: jwtService})

	alice, err := jwtService.GenerateToken(context.Background(), "alice")
	require.NoError(t, err)
	bob, err := jwtService.GenerateToken(context.Background(), "bob")
	require.NoError(t, err)

	t.Run("missing token", func(t *testing.T) {
		assertError(t, do(t, srv, http.MethodGet, "/api/tasks", "", nil), http.StatusUnauthorized, "UNAUTHORIZED")
	})

	t.Run("invalid token", func(t *testing.T) {
		assertError(t, do(t, srv, http.MethodGet, "/api/tasks", "garbage", nil), http.StatusUnauthorized, "UNAUTHORIZED")
	})

	t.Run("health stays public", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/health", "", nil).status)
	})

	created := do(t, srv, http.MethodPost, "/api/tasks", alice, map[string]any{"type": "cleanup"})
	require.Equal(t, http.StatusAccepted, created.status)
	id := created.body["task_id"].(string)

	t.Run("owner is the token subject", func(t *testing.T) {
		resp := do(t, srv, http.MethodGet, "/api/tasks/"+id, alice, nil)
		require.Equal(t, http.StatusOK, resp.status)
		assert.Equal(t, "alice", resp.body["owner_id"])
	})

	t.Run("other owners are forbidden", func(t *testing.T) {
		assertError(t, do(t, srv, http.MethodGet, "/api/tasks/"+id, bob, nil), http.StatusForbidden, "FORBIDDEN")
		assertError(t, do(t, srv, http.MethodPost, "/api/tasks/"+id+"/cancel", bob, nil), http.StatusForbidden, "FORBIDDEN")
	})

	t.Run("listing is scoped to the owner", func(t *testing.T) {
		resp := do(t, srv, http.MethodGet, "/api/tasks", bob, nil)
		require.Equal(t, http.StatusOK, resp.status)
		assert.Equal(t, 0.0, resp.body["count"])

		resp = do(t, srv, http.MethodGet, "/api/tasks", alice, nil)
		require.Equal(t, http.StatusOK, resp.status)
		assert.Equal(t, 1.0, resp.body["count"])
	})
}

func TestSystemAPI(t *testing.T) {
	reg := prometheus.NewRegistry()
	scraped := prometheus.NewCounter(prometheus.CounterOpts{Name: "conductor_scrape_check_total", Help: "Scrape check."})
	reg.MustRegister(scraped)
	scraped.Inc()

	srv := newServer(t, api.RouterOptions{Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})})

	t.Run("health", func(t *testing.T) {
		resp := do(t, srv, http.MethodGet, "/health", "", nil)
		require.Equal(t, http.StatusOK, resp.status)
		assert.Equal(t, "ok", resp.body["status"])
	})

	t.Run("stats", func(t *testing.T) {
		resp := do(t, srv, http.MethodGet, "/api/stats", "", nil)
		require.Equal(t, http.StatusOK, resp.status)
		assert.Equal(t, 4.0, resp.body["gate_limit"])
		assert.Equal(t, []any{}, resp.body["open_breakers"])
		assert.Contains(t, resp.body["tasks"], "pending")
	})

	t.Run("breakers", func(t *testing.T) {
		resp := do(t, srv, http.MethodGet, "/api/breakers", "", nil)
		require.Equal(t, http.StatusOK, resp.status)
		assert.Equal(t, []any{}, resp.body["breakers"])
	})

	t.Run("metrics", func(t *testing.T) {
		resp, err := srv.Client().Get(srv.URL + "/metrics")
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, string(body), "conductor_scrape_check_total 1")
	})
}
