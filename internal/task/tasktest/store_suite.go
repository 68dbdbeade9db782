// Package tasktest provides a behavioural test suite shared by every
// task.TaskStore implementation.
package tasktest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/conductor/internal/domain"
	"github.com/phrazzld/conductor/internal/task"
)

// base is a fixed reference time; stores are expected to keep UTC precision
// to at least a millisecond.
var base = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// NewTask builds a pending task created at base plus offset.
func NewTask(taskType string, priority int, offset time.Duration) *task.Task {
	return &task.Task{
		ID:         uuid.New(),
		Type:       taskType,
		Priority:   priority,
		Status:     task.StatusPending,
		Payload:    []byte(`{"k":"v"}`),
		CreatedAt:  base.Add(offset),
		MaxRetries: 2,
	}
}

// RunStoreSuite exercises store against the TaskStore contract. newStore must
// return an empty store on every call.
func RunStoreSuite(t *testing.T, newStore func(t *testing.T) task.TaskStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("save and get round trip", func(t *testing.T) {
		store := newStore(t)
		want := NewTask("cleanup", 3, 0)
		scheduled := base.Add(time.Hour)
		want.ScheduledFor = &scheduled
		want.OwnerID = "user-1"

		require.NoError(t, store.SaveTask(ctx, want))

		got, err := store.GetTask(ctx, want.ID)
		require.NoError(t, err)
		assert.Equal(t, want.ID, got.ID)
		assert.Equal(t, want.Type, got.Type)
		assert.Equal(t, want.Priority, got.Priority)
		assert.Equal(t, task.StatusPending, got.Status)
		assert.JSONEq(t, string(want.Payload), string(got.Payload))
		assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
		require.NotNil(t, got.ScheduledFor)
		assert.True(t, scheduled.Equal(*got.ScheduledFor))
		assert.Nil(t, got.StartedAt)
		assert.Equal(t, 2, got.MaxRetries)
		assert.Equal(t, "user-1", got.OwnerID)
	})

	t.Run("get unknown task", func(t *testing.T) {
		store := newStore(t)
		_, err := store.GetTask(ctx, uuid.New())
		assert.ErrorIs(t, err, task.ErrTaskNotFound)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("duplicate save is rejected", func(t *testing.T) {
		store := newStore(t)
		tk := NewTask("cleanup", 1, 0)
		require.NoError(t, store.SaveTask(ctx, tk))
		assert.ErrorIs(t, store.SaveTask(ctx, tk), task.ErrDuplicateTask)
	})

	t.Run("claim picks highest priority then earliest creation", func(t *testing.T) {
		store := newStore(t)
		low := NewTask("a", 1, 0)
		highLate := NewTask("b", 5, 2*time.Second)
		highEarly := NewTask("c", 5, time.Second)
		for _, tk := range []*task.Task{low, highLate, highEarly} {
			require.NoError(t, store.SaveTask(ctx, tk))
		}

		now := base.Add(time.Minute)
		var order []uuid.UUID
		for i := 0; i < 3; i++ {
			claimed, err := store.ClaimNext(ctx, now)
			require.NoError(t, err)
			assert.Equal(t, task.StatusRunning, claimed.Status)
			require.NotNil(t, claimed.StartedAt)
			order = append(order, claimed.ID)
		}
		assert.Equal(t, []uuid.UUID{highEarly.ID, highLate.ID, low.ID}, order)

		_, err := store.ClaimNext(ctx, now)
		assert.ErrorIs(t, err, task.ErrNoTaskAvailable)
	})

	t.Run("claim never returns a future task", func(t *testing.T) {
		store := newStore(t)
		future := NewTask("later", 9, 0)
		at := base.Add(time.Hour)
		future.ScheduledFor = &at
		ready := NewTask("now", 1, 0)
		require.NoError(t, store.SaveTask(ctx, future))
		require.NoError(t, store.SaveTask(ctx, ready))

		claimed, err := store.ClaimNext(ctx, base.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, ready.ID, claimed.ID)

		_, err = store.ClaimNext(ctx, base.Add(time.Minute))
		assert.ErrorIs(t, err, task.ErrNoTaskAvailable)

		claimed, err = store.ClaimNext(ctx, at)
		require.NoError(t, err)
		assert.Equal(t, future.ID, claimed.ID)
	})

	t.Run("concurrent claims never share a task", func(t *testing.T) {
		store := newStore(t)
		const n = 20
		for i := 0; i < n; i++ {
			require.NoError(t, store.SaveTask(ctx, NewTask("bulk", i%3, time.Duration(i)*time.Millisecond)))
		}

		var mu sync.Mutex
		seen := make(map[uuid.UUID]int)
		var wg sync.WaitGroup
		for w := 0; w < 5; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					claimed, err := store.ClaimNext(ctx, base.Add(time.Minute))
					if err != nil {
						return
					}
					mu.Lock()
					seen[claimed.ID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, n)
		for id, count := range seen {
			assert.Equal(t, 1, count, "task %s claimed more than once", id)
		}
	})

	t.Run("update is compare and swap on status", func(t *testing.T) {
		store := newStore(t)
		tk := NewTask("cleanup", 1, 0)
		require.NoError(t, store.SaveTask(ctx, tk))

		claimed, err := store.ClaimNext(ctx, base)
		require.NoError(t, err)

		stale := claimed.Clone()
		require.NoError(t, claimed.Complete(base.Add(time.Second)))
		require.NoError(t, store.UpdateTask(ctx, claimed, task.StatusRunning))

		require.NoError(t, stale.Fail(base.Add(time.Second), "late failure"))
		assert.ErrorIs(t, store.UpdateTask(ctx, stale, task.StatusRunning), task.ErrStatusConflict)

		got, err := store.GetTask(ctx, tk.ID)
		require.NoError(t, err)
		assert.Equal(t, task.StatusCompleted, got.Status)
		require.NotNil(t, got.CompletedAt)

		missing := NewTask("ghost", 0, 0)
		assert.ErrorIs(t, store.UpdateTask(ctx, missing, task.StatusPending), task.ErrTaskNotFound)
	})

	t.Run("retry state survives a round trip", func(t *testing.T) {
		store := newStore(t)
		tk := NewTask("cleanup", 1, 0)
		require.NoError(t, store.SaveTask(ctx, tk))
		claimed, err := store.ClaimNext(ctx, base)
		require.NoError(t, err)

		at := base.Add(10 * time.Second)
		require.NoError(t, claimed.Retry(at, "flaky"))
		require.NoError(t, store.UpdateTask(ctx, claimed, task.StatusRunning))

		got, err := store.GetTask(ctx, tk.ID)
		require.NoError(t, err)
		assert.Equal(t, task.StatusPending, got.Status)
		assert.Equal(t, 1, got.RetryCount)
		assert.Equal(t, "flaky", got.LastError)
		assert.Nil(t, got.StartedAt)
		require.NotNil(t, got.ScheduledFor)
		assert.True(t, at.Equal(*got.ScheduledFor))
	})

	t.Run("list filters and limits", func(t *testing.T) {
		store := newStore(t)
		a := NewTask("email", 1, 0)
		a.OwnerID = "u1"
		b := NewTask("email", 1, time.Second)
		c := NewTask("cleanup", 1, 2*time.Second)
		c.OwnerID = "u1"
		for _, tk := range []*task.Task{a, b, c} {
			require.NoError(t, store.SaveTask(ctx, tk))
		}

		all, err := store.ListTasks(ctx, task.Filter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, a.ID, all[0].ID)

		emails, err := store.ListTasks(ctx, task.Filter{Type: "email"})
		require.NoError(t, err)
		assert.Len(t, emails, 2)

		owned, err := store.ListTasks(ctx, task.Filter{OwnerID: "u1", Limit: 1})
		require.NoError(t, err)
		require.Len(t, owned, 1)
		assert.Equal(t, a.ID, owned[0].ID)

		running, err := store.ListTasks(ctx, task.Filter{Status: task.StatusRunning})
		require.NoError(t, err)
		assert.Empty(t, running)
	})

	t.Run("running tasks by start time", func(t *testing.T) {
		store := newStore(t)
		old := NewTask("slow", 2, 0)
		fresh := NewTask("fast", 1, 0)
		require.NoError(t, store.SaveTask(ctx, old))
		require.NoError(t, store.SaveTask(ctx, fresh))

		_, err := store.ClaimNext(ctx, base)
		require.NoError(t, err)
		_, err = store.ClaimNext(ctx, base.Add(time.Hour))
		require.NoError(t, err)

		all, err := store.GetRunningTasks(ctx, time.Time{})
		require.NoError(t, err)
		assert.Len(t, all, 2)

		stuck, err := store.GetRunningTasks(ctx, base.Add(30*time.Minute))
		require.NoError(t, err)
		require.Len(t, stuck, 1)
		assert.Equal(t, old.ID, stuck[0].ID)
	})
}
