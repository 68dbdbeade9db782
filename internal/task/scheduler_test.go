package task

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/conductor/internal/domain"
	"github.com/phrazzld/conductor/internal/events"
	"github.com/phrazzld/conductor/internal/resilience"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder collects emitted events.
type recorder struct {
	mu     sync.Mutex
	events []*events.Event
}

func (r *recorder) HandleEvent(ctx context.Context, event *events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recorder) ofType(eventType string) []*events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*events.Event
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func newRecorder() (*recorder, *events.InMemoryEventEmitter) {
	rec := &recorder{}
	emitter := events.NewInMemoryEventEmitter(testLogger())
	emitter.RegisterHandler(rec)
	return rec, emitter
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.Backoff = resilience.BackoffConfig{
		InitialInterval: time.Second,
		MaxInterval:     time.Minute,
		Multiplier:      2,
	}
	return cfg
}

func noop() Handler {
	return HandlerFunc(func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})
}

func intPtr(i int) *int { return &i }

func TestScheduler_EnqueueValidation(t *testing.T) {
	t.Parallel()

	s := NewScheduler(NewMemoryStore(), testConfig(), testLogger())
	s.RegisterHandler("cleanup", noop())
	ctx := context.Background()

	tests := []struct {
		name     string
		taskType string
		payload  json.RawMessage
		opts     EnqueueOptions
		field    string
	}{
		{"empty type", "", nil, EnqueueOptions{}, "type"},
		{"unregistered type", "unknown", nil, EnqueueOptions{}, "type"},
		{"priority too high", "cleanup", nil, EnqueueOptions{Priority: 11}, "priority"},
		{"priority too low", "cleanup", nil, EnqueueOptions{Priority: -1}, "priority"},
		{"negative retries", "cleanup", nil, EnqueueOptions{MaxRetries: intPtr(-1)}, "max_retries"},
		{"malformed payload", "cleanup", json.RawMessage(`{"a":`), EnqueueOptions{}, "payload"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := s.Enqueue(ctx, tt.taskType, tt.payload, tt.opts)

			assert.Equal(t, uuid.Nil, id)
			require.ErrorIs(t, err, domain.ErrValidation)
			var vErr *domain.ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.field, vErr.Field)
		})
	}
}

func TestScheduler_Enqueue(t *testing.T) {
	t.Parallel()

	rec, emitter := newRecorder()
	store := NewMemoryStore()
	s := NewScheduler(store, testConfig(), testLogger(), WithEmitter(emitter))
	s.RegisterHandler("cleanup", noop())

	at := time.Now().Add(time.Hour)
	id, err := s.Enqueue(context.Background(), "cleanup", json.RawMessage(`{"dir":"/tmp"}`), EnqueueOptions{
		Priority:     3,
		ScheduledFor: &at,
		OwnerID:      "user-1",
	})
	require.NoError(t, err)

	tk, err := store.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, tk.Status)
	assert.Equal(t, 3, tk.Priority)
	assert.Equal(t, DefaultConfig().DefaultMaxRetries, tk.MaxRetries)
	assert.Equal(t, "user-1", tk.OwnerID)
	assert.True(t, at.Equal(*tk.ScheduledFor))

	enqueued := rec.ofType(events.TypeTaskEnqueued)
	require.Len(t, enqueued, 1)
	assert.Equal(t, id.String(), enqueued[0].Subject)
}

func TestScheduler_FailRetriesWithinBudget(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	rec, emitter := newRecorder()
	store := NewMemoryStore()
	s := NewScheduler(store, testConfig(), testLogger(), WithClock(clock), WithEmitter(emitter))
	s.RegisterHandler("cleanup", noop())
	ctx := context.Background()

	id, err := s.Enqueue(ctx, "cleanup", nil, EnqueueOptions{Priority: 3, MaxRetries: intPtr(2)})
	require.NoError(t, err)

	for retry := 1; retry <= 2; retry++ {
		claimed, err := s.DequeueNext(ctx)
		require.NoError(t, err)
		require.Equal(t, id, claimed.ID)

		require.NoError(t, s.Fail(ctx, id, errors.New("temporary glitch")))

		tk, err := s.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, tk.Status)
		assert.Equal(t, retry, tk.RetryCount)
		assert.LessOrEqual(t, tk.RetryCount, tk.MaxRetries)
		wantAt := clock.Now().Add(resilience.BackoffFor(testConfig().Backoff, retry))
		require.NotNil(t, tk.ScheduledFor)
		assert.True(t, wantAt.Equal(*tk.ScheduledFor), "scheduled for %s, want %s", tk.ScheduledFor, wantAt)

		_, err = s.DequeueNext(ctx)
		assert.ErrorIs(t, err, ErrNoTaskAvailable, "rescheduled task must wait for its backoff")

		clock.Advance(time.Minute)
	}

	_, err = s.DequeueNext(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Fail(ctx, id, errors.New("temporary glitch")))

	tk, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, tk.Status)
	assert.Equal(t, 2, tk.RetryCount)
	assert.Equal(t, "temporary glitch", tk.LastError)

	clock.Advance(time.Hour)
	_, err = s.DequeueNext(ctx)
	assert.ErrorIs(t, err, ErrNoTaskAvailable, "failed task must never be claimed again")
	assert.Len(t, rec.ofType(events.TypeTaskFailed), 1)
}

func TestScheduler_FailTerminalError(t *testing.T) {
	t.Parallel()

	s := NewScheduler(NewMemoryStore(), testConfig(), testLogger())
	s.RegisterHandler("cleanup", noop())
	ctx := context.Background()

	id, err := s.Enqueue(ctx, "cleanup", nil, EnqueueOptions{MaxRetries: intPtr(5)})
	require.NoError(t, err)
	_, err = s.DequeueNext(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Fail(ctx, id, resilience.ClassifyHTTPStatus(http.StatusBadRequest, nil)))

	tk, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, tk.Status)
	assert.Zero(t, tk.RetryCount)
}

func TestScheduler_CompleteRequiresRunning(t *testing.T) {
	t.Parallel()

	s := NewScheduler(NewMemoryStore(), testConfig(), testLogger())
	s.RegisterHandler("cleanup", noop())
	ctx := context.Background()

	id, err := s.Enqueue(ctx, "cleanup", nil, EnqueueOptions{})
	require.NoError(t, err)

	assert.ErrorIs(t, s.Complete(ctx, id, nil), domain.ErrInvalidTransition)
	assert.ErrorIs(t, s.Complete(ctx, uuid.New(), nil), domain.ErrNotFound)
}

func TestScheduler_Cancel(t *testing.T) {
	t.Parallel()

	s := NewScheduler(NewMemoryStore(), testConfig(), testLogger())
	s.RegisterHandler("cleanup", noop())
	ctx := context.Background()

	pending, err := s.Enqueue(ctx, "cleanup", nil, EnqueueOptions{Priority: 1})
	require.NoError(t, err)
	running, err := s.Enqueue(ctx, "cleanup", nil, EnqueueOptions{Priority: 9})
	require.NoError(t, err)
	claimed, err := s.DequeueNext(ctx)
	require.NoError(t, err)
	require.Equal(t, running, claimed.ID)

	require.NoError(t, s.Cancel(ctx, pending))
	tk, err := s.GetTask(ctx, pending)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, tk.Status)

	assert.ErrorIs(t, s.Cancel(ctx, running), domain.ErrInvalidTransition)
}

func TestScheduler_HandlerFailsTwiceThenSucceeds(t *testing.T) {
	t.Parallel()

	rec, emitter := newRecorder()
	cfg := testConfig()
	cfg.Backoff.InitialInterval = time.Millisecond
	cfg.Backoff.MaxInterval = 5 * time.Millisecond
	s := NewScheduler(NewMemoryStore(), cfg, testLogger(), WithEmitter(emitter))

	var calls atomic.Int32
	s.RegisterHandler("cleanup", HandlerFunc(func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		if calls.Add(1) <= 2 {
			return nil, errors.New("disk busy")
		}
		return json.RawMessage(`{"removed":12}`), nil
	}))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	id, err := s.Enqueue(context.Background(), "cleanup", nil, EnqueueOptions{Priority: 3, MaxRetries: intPtr(2)})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		tk, err := s.GetTask(context.Background(), id)
		return err == nil && tk.Status == StatusCompleted
	}, 5*time.Second, 5*time.Millisecond)

	tk, err := s.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 2, tk.RetryCount)
	assert.Equal(t, int32(3), calls.Load())

	completed := rec.ofType(events.TypeTaskCompleted)
	require.Len(t, completed, 1)
	var payload events.TaskPayload
	require.NoError(t, completed[0].UnmarshalPayload(&payload))
	assert.JSONEq(t, `{"removed":12}`, string(payload.Result))
	assert.Equal(t, 2, payload.RetryCount)
}

func TestScheduler_DispatchesInPriorityOrder(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxConcurrent = 1
	s := NewScheduler(NewMemoryStore(), cfg, testLogger())

	var mu sync.Mutex
	var order []string
	s.RegisterHandler("job", HandlerFunc(func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		var p struct{ Name string }
		_ = json.Unmarshal(payload, &p)
		mu.Lock()
		order = append(order, p.Name)
		mu.Unlock()
		return nil, nil
	}))

	ctx := context.Background()
	for _, job := range []struct {
		name     string
		priority int
	}{{"low", 1}, {"high", 8}, {"mid", 5}} {
		_, err := s.Enqueue(ctx, "job", json.RawMessage(`{"Name":"`+job.name+`"}`), EnqueueOptions{Priority: job.priority})
		require.NoError(t, err)
	}

	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"high", "mid", "low"}, order)
}

func TestScheduler_UnregisteredTypeAtDispatch(t *testing.T) {
	t.Parallel()

	rec, emitter := newRecorder()
	store := NewMemoryStore()
	s := NewScheduler(store, testConfig(), testLogger(), WithEmitter(emitter))
	ctx := context.Background()

	// Stored by an earlier process whose handler no longer exists
	orphan := &Task{
		ID:         uuid.New(),
		Type:       "retired",
		Status:     StatusPending,
		CreatedAt:  time.Now().UTC(),
		MaxRetries: 3,
	}
	require.NoError(t, store.SaveTask(ctx, orphan))

	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	require.Eventually(t, func() bool {
		tk, err := store.GetTask(ctx, orphan.ID)
		return err == nil && tk.Status == StatusFailed
	}, 5*time.Second, 5*time.Millisecond)

	tk, err := store.GetTask(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Zero(t, tk.RetryCount)
	assert.Contains(t, tk.LastError, "no handler registered")
	assert.Len(t, rec.ofType(events.TypeTaskFailed), 1)
}

func TestScheduler_CircuitOpenDefersTask(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	breakers := resilience.NewBreakers(
		resilience.BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute},
		resilience.WithBreakerClock(clock),
		resilience.WithBreakerLogger(testLogger()),
	)
	store := NewMemoryStore()
	s := NewScheduler(store, testConfig(), testLogger(), WithClock(clock), WithBreakers(breakers))

	var calls atomic.Int32
	s.RegisterHandler("sync", HandlerFunc(func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		calls.Add(1)
		return nil, nil
	}))

	_ = breakers.Execute(context.Background(), BreakerKey("sync"), func(context.Context) error {
		return errors.New("upstream down")
	})
	require.True(t, breakers.State(BreakerKey("sync")).IsOpen)

	ctx := context.Background()
	id, err := s.Enqueue(ctx, "sync", nil, EnqueueOptions{MaxRetries: intPtr(1)})
	require.NoError(t, err)
	claimed, err := s.DequeueNext(ctx)
	require.NoError(t, err)

	s.process(ctx, claimed)

	tk, err := store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, tk.Status)
	assert.Zero(t, tk.RetryCount, "an open circuit must not consume the retry budget")
	assert.Zero(t, calls.Load())
	require.NotNil(t, tk.ScheduledFor)
	assert.True(t, tk.ScheduledFor.After(clock.Now()))
}

// countingStore counts successful claims.
type countingStore struct {
	*MemoryStore
	claims atomic.Int32
}

func (c *countingStore) ClaimNext(ctx context.Context, now time.Time) (*Task, error) {
	t, err := c.MemoryStore.ClaimNext(ctx, now)
	if err == nil {
		c.claims.Add(1)
	}
	return t, err
}

func TestScheduler_HalfOpenTrialDoesNotSpin(t *testing.T) {
	t.Parallel()

	breakers := resilience.NewBreakers(
		resilience.BreakerConfig{FailureThreshold: 1, ResetTimeout: 20 * time.Millisecond},
		resilience.WithBreakerLogger(testLogger()),
	)
	_ = breakers.Execute(context.Background(), BreakerKey("sync"), func(context.Context) error {
		return errors.New("upstream down")
	})
	require.True(t, breakers.State(BreakerKey("sync")).IsOpen)
	time.Sleep(30 * time.Millisecond)

	store := &countingStore{MemoryStore: NewMemoryStore()}
	cfg := testConfig()
	cfg.PollInterval = 50 * time.Millisecond
	cfg.DispatchRetry.MaxAttempts = 1
	s := NewScheduler(store, cfg, testLogger(), WithBreakers(breakers))

	var calls atomic.Int32
	s.RegisterHandler("sync", HandlerFunc(func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		if calls.Add(1) == 1 {
			time.Sleep(200 * time.Millisecond)
		}
		return nil, nil
	}))

	ctx := context.Background()
	ids := make([]uuid.UUID, 0, 2)
	for range 2 {
		id, err := s.Enqueue(ctx, "sync", nil, EnqueueOptions{})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			tk, err := s.GetTask(ctx, id)
			if err != nil || tk.Status != StatusCompleted {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(2), calls.Load())
	assert.Less(t, store.claims.Load(), int32(30), "deferred tasks must not be reclaimed in a tight loop")
}

func TestScheduler_HandlerTimeoutIsRetryable(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	s := NewScheduler(store, testConfig(), testLogger())
	s.RegisterHandler("slow", HandlerFunc(func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), WithTimeout(10*time.Millisecond))

	ctx := context.Background()
	id, err := s.Enqueue(ctx, "slow", nil, EnqueueOptions{MaxRetries: intPtr(1)})
	require.NoError(t, err)
	claimed, err := s.DequeueNext(ctx)
	require.NoError(t, err)

	s.process(ctx, claimed)

	tk, err := store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, tk.Status)
	assert.Equal(t, 1, tk.RetryCount)
	assert.Contains(t, tk.LastError, "timed out")
}

func TestScheduler_RecoverReleasesRunningTasks(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()
	tk := &Task{ID: uuid.New(), Type: "cleanup", Status: StatusPending, CreatedAt: time.Now().UTC(), MaxRetries: 1}
	require.NoError(t, store.SaveTask(ctx, tk))
	_, err := store.ClaimNext(ctx, time.Now().UTC())
	require.NoError(t, err)

	s := NewScheduler(store, testConfig(), testLogger())
	require.NoError(t, s.Recover(ctx))

	got, err := store.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.Nil(t, got.StartedAt)
}

func TestScheduler_StuckTasks(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	store := NewMemoryStore()
	cfg := testConfig()
	cfg.StuckTaskAge = 10 * time.Minute
	s := NewScheduler(store, cfg, testLogger(), WithClock(clock))
	s.RegisterHandler("job", noop())
	ctx := context.Background()

	owned, err := s.Enqueue(ctx, "job", nil, EnqueueOptions{Priority: 2})
	require.NoError(t, err)
	orphaned, err := s.Enqueue(ctx, "job", nil, EnqueueOptions{Priority: 1})
	require.NoError(t, err)

	_, err = s.DequeueNext(ctx)
	require.NoError(t, err)
	_, err = s.DequeueNext(ctx)
	require.NoError(t, err)

	s.inflightMu.Lock()
	s.inflight[owned] = clock.Now()
	s.inflightMu.Unlock()

	clock.Advance(11 * time.Minute)
	s.checkStuckTasks(ctx)

	got, err := store.GetTask(ctx, owned)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status, "tasks owned by this process are only reported")

	got, err = store.GetTask(ctx, orphaned)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestScheduler_StartTwice(t *testing.T) {
	t.Parallel()

	s := NewScheduler(NewMemoryStore(), testConfig(), testLogger())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	assert.Error(t, s.Start(context.Background()))
}
