package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/conductor/internal/config"
	"github.com/phrazzld/conductor/internal/events"
	"github.com/phrazzld/conductor/internal/platform/webhook"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig returns the default configuration tuned for fast tests.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.Scheduler.PollInterval = 10 * time.Millisecond
	cfg.Resilience.RetryBaseDelay = time.Millisecond
	cfg.Resilience.RetryMaxDelay = 5 * time.Millisecond
	cfg.Server.ShutdownTimeout = time.Second
	return cfg
}

func newTestApplication(t *testing.T, cfg *config.Config) *application {
	t.Helper()
	app, err := newApplication(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(app.cleanup)
	return app
}

type recordingHandler struct {
	mu     sync.Mutex
	events []*events.Event
}

func (h *recordingHandler) HandleEvent(_ context.Context, event *events.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
	return nil
}

func (h *recordingHandler) ofType(eventType string) []*events.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*events.Event
	for _, e := range h.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func TestNewApplication_MemoryDriver(t *testing.T) {
	app := newTestApplication(t, testConfig(t))

	assert.Nil(t, app.storage.db)
	assert.Nil(t, app.storage.workflows)
	assert.Nil(t, app.jwtService, "auth is disabled without a secret")
	assert.True(t, app.scheduler.HasHandler(echoTaskType))
	for _, id := range []string{"research", "navigation", "shopping", "communication", "automation", "analysis"} {
		_, err := app.agents.Get(id)
		assert.NoError(t, err, "agent %s", id)
	}
}

func TestNewApplication_SQLiteDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Driver = "sqlite"
	cfg.Database.URL = filepath.Join(t.TempDir(), "conductor.db")

	app := newTestApplication(t, cfg)

	require.NotNil(t, app.storage.db)
	assert.NotNil(t, app.storage.workflows)

	var tables int
	err := app.storage.db.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ('tasks', 'workflows')`,
	).Scan(&tables)
	require.NoError(t, err)
	assert.Equal(t, 2, tables, "startup applies migrations")
}

func TestNewApplication_InvalidDatabase(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Driver = "sqlite"
	cfg.Database.URL = filepath.Join(t.TempDir(), "missing", "dir", "conductor.db")

	app, err := newApplication(context.Background(), cfg, testLogger())

	assert.Error(t, err)
	assert.Nil(t, app)
}

func TestNewApplication_Workers(t *testing.T) {
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(worker.Close)

	cfg := testConfig(t)
	cfg.Workers = []config.WorkerConfig{
		{Kind: "task", Name: "notify", URL: worker.URL, Timeout: time.Second},
		{Kind: "agent", Name: "research", URL: worker.URL},
		{Kind: "agent", Name: "translation", URL: worker.URL},
	}

	app := newTestApplication(t, cfg)

	assert.True(t, app.scheduler.HasHandler("notify"))
	assert.False(t, app.scheduler.HasHandler("research"), "agent workers are not task handlers")

	research, err := app.agents.Get("research")
	require.NoError(t, err)
	assert.IsType(t, &webhook.Agent{}, research, "a webhook agent replaces the built-in")

	translation, err := app.agents.Get("translation")
	require.NoError(t, err)
	assert.IsType(t, &webhook.Agent{}, translation)
}

func TestNewApplication_AuthEnabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = "cmd-test-secret-that-is-long-enough"

	app := newTestApplication(t, cfg)
	require.NotNil(t, app.jwtService)

	srv := httptest.NewServer(app.router)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/api/tasks")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := app.jwtService.GenerateToken(context.Background(), "alice")
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/tasks", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestApplication_TaskRoundTrip(t *testing.T) {
	app := newTestApplication(t, testConfig(t))
	require.NoError(t, app.scheduler.Start(context.Background()))

	srv := httptest.NewServer(app.router)
	t.Cleanup(srv.Close)

	resp, err := http.Post(srv.URL+"/api/tasks", "application/json",
		strings.NewReader(`{"type":"echo","payload":{"greeting":"hello"}}`))
	require.NoError(t, err)
	var accepted struct {
		Success bool   `json:"success"`
		TaskID  string `json:"task_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))
	_ = resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.True(t, accepted.Success)
	_, err = uuid.Parse(accepted.TaskID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/api/tasks/" + accepted.TaskID)
		if err != nil {
			return false
		}
		defer func() { _ = resp.Body.Close() }()
		var got struct {
			Status string `json:"status"`
		}
		return json.NewDecoder(resp.Body).Decode(&got) == nil && got.Status == "completed"
	}, 2*time.Second, 10*time.Millisecond)

	scrape := func() string {
		resp, err := http.Get(srv.URL + "/metrics")
		if err != nil {
			return ""
		}
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(resp.Body)
		return string(body)
	}
	require.Eventually(t, func() bool {
		return strings.Contains(scrape(), `conductor_tasks_events_total{event="task.completed",type="echo"} 1`)
	}, 2*time.Second, 10*time.Millisecond)

	metrics := scrape()
	assert.Contains(t, metrics, `conductor_tasks_events_total{event="task.enqueued",type="echo"} 1`)
	assert.Contains(t, metrics, "conductor_gate_in_use")
	assert.Contains(t, metrics, "go_goroutines")
}

func TestApplication_BreakerEvents(t *testing.T) {
	cfg := testConfig(t)
	cfg.Resilience.BreakerFailureThreshold = 2
	app := newTestApplication(t, cfg)

	recorder := &recordingHandler{}
	app.emitter.RegisterHandler(recorder)

	ctx := context.Background()
	failing := func(context.Context) error { return errors.New("upstream unavailable") }
	for range 2 {
		_ = app.breakers.Execute(ctx, "agent:shopping", failing)
	}

	opened := recorder.ofType(events.TypeCircuitBreakerOpened)
	require.Len(t, opened, 1)
	assert.Equal(t, "agent:shopping", opened[0].Subject)

	var payload events.BreakerPayload
	require.NoError(t, opened[0].UnmarshalPayload(&payload))
	assert.True(t, payload.IsOpen)
	assert.Equal(t, 2, payload.ConsecutiveFailures)
}

func TestApplication_ServeAndShutdown(t *testing.T) {
	app := newTestApplication(t, testConfig(t))

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.serve(ctx, listener, app.router) }()

	url := fmt.Sprintf("http://%s/health", listener.Addr().String())
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}

	_, err = http.Get(url)
	assert.Error(t, err, "listener is closed after shutdown")
}

func TestSchedulerConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scheduler.DispatchAttempts = 4
	cfg.Scheduler.BackoffInitial = 2 * time.Second
	cfg.Scheduler.BackoffMax = time.Minute
	cfg.Resilience.RetryJitter = false

	got := schedulerConfig(cfg)

	assert.Equal(t, 4, got.DispatchRetry.MaxAttempts)
	assert.False(t, got.DispatchRetry.Jitter)
	assert.Equal(t, cfg.Resilience.RetryBaseDelay, got.DispatchRetry.BaseDelay)
	assert.Equal(t, 2*time.Second, got.Backoff.InitialInterval)
	assert.Equal(t, time.Minute, got.Backoff.MaxInterval)
	assert.Equal(t, cfg.Scheduler.MaxPriority, got.MaxPriority)
	assert.Equal(t, cfg.Scheduler.StuckTaskAge, got.StuckTaskAge)
}
