package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/conductor/internal/domain"
)

// Status represents the current state of a task
type Status string

// Possible task status values
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether s can never change again.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Common errors returned by task stores
var (
	// ErrTaskNotFound is returned when a task id is unknown to the store.
	ErrTaskNotFound = fmt.Errorf("task %w", domain.ErrNotFound)

	// ErrNoTaskAvailable is returned by ClaimNext when no pending task is eligible.
	ErrNoTaskAvailable = errors.New("no task available")

	// ErrStatusConflict is returned by UpdateTask when the stored status no
	// longer matches the expected one.
	ErrStatusConflict = fmt.Errorf("task status changed concurrently: %w", domain.ErrInvalidTransition)

	// ErrDuplicateTask is returned by SaveTask when the id already exists.
	ErrDuplicateTask = errors.New("task already exists")
)

// Task is a unit of deferred, retryable, prioritized work.
type Task struct {
	ID           uuid.UUID       `json:"id"`
	Type         string          `json:"type"`
	Priority     int             `json:"priority"`
	Status       Status          `json:"status"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	ScheduledFor *time.Time      `json:"scheduled_for,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
	LastError    string          `json:"last_error,omitempty"`
	OwnerID      string          `json:"owner_id,omitempty"`
}

// Clone returns a deep copy of t.
func (t *Task) Clone() *Task {
	c := *t
	if t.Payload != nil {
		c.Payload = append(json.RawMessage(nil), t.Payload...)
	}
	c.ScheduledFor = cloneTime(t.ScheduledFor)
	c.StartedAt = cloneTime(t.StartedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	return &c
}

// EligibleAt reports whether t may be claimed at now.
func (t *Task) EligibleAt(now time.Time) bool {
	return t.Status == StatusPending && (t.ScheduledFor == nil || !t.ScheduledFor.After(now))
}

// Claim moves a pending task to running.
func (t *Task) Claim(now time.Time) error {
	if err := t.transition(StatusPending, StatusRunning); err != nil {
		return err
	}
	t.StartedAt = timePtr(now)
	return nil
}

// Complete moves a running task to completed.
func (t *Task) Complete(now time.Time) error {
	if err := t.transition(StatusRunning, StatusCompleted); err != nil {
		return err
	}
	t.CompletedAt = timePtr(now)
	return nil
}

// Fail moves a running task to failed and records the cause.
func (t *Task) Fail(now time.Time, cause string) error {
	if err := t.transition(StatusRunning, StatusFailed); err != nil {
		return err
	}
	t.CompletedAt = timePtr(now)
	t.LastError = cause
	return nil
}

// Retry consumes one retry and moves a running task back to pending, not
// eligible before at.
func (t *Task) Retry(at time.Time, cause string) error {
	if t.RetryCount >= t.MaxRetries {
		return fmt.Errorf("%w: task %s has used %d of %d retries",
			domain.ErrInvalidTransition, t.ID, t.RetryCount, t.MaxRetries)
	}
	if err := t.transition(StatusRunning, StatusPending); err != nil {
		return err
	}
	t.RetryCount++
	t.LastError = cause
	t.ScheduledFor = timePtr(at)
	t.StartedAt = nil
	return nil
}

// Defer moves a running task back to pending, not eligible before until,
// without consuming a retry.
func (t *Task) Defer(until time.Time) error {
	if err := t.transition(StatusRunning, StatusPending); err != nil {
		return err
	}
	t.ScheduledFor = timePtr(until)
	t.StartedAt = nil
	return nil
}

// Release moves an orphaned running task back to pending without consuming a retry.
func (t *Task) Release() error {
	if err := t.transition(StatusRunning, StatusPending); err != nil {
		return err
	}
	t.StartedAt = nil
	return nil
}

// Cancel moves a pending task to cancelled.
func (t *Task) Cancel(now time.Time) error {
	if err := t.transition(StatusPending, StatusCancelled); err != nil {
		return err
	}
	t.CompletedAt = timePtr(now)
	return nil
}

func (t *Task) transition(from, to Status) error {
	if t.Status != from {
		return fmt.Errorf("%w: task %s cannot move from %s to %s",
			domain.ErrInvalidTransition, t.ID, t.Status, to)
	}
	t.Status = to
	return nil
}

// Filter narrows ListTasks results. Zero fields match everything.
type Filter struct {
	Status  Status
	Type    string
	OwnerID string
	Limit   int
}

// Matches reports whether t satisfies every set field of f.
func (f Filter) Matches(t *Task) bool {
	return (f.Status == "" || t.Status == f.Status) &&
		(f.Type == "" || t.Type == f.Type) &&
		(f.OwnerID == "" || t.OwnerID == f.OwnerID)
}

// TaskStore defines the interface for persisting tasks
type TaskStore interface {
	// SaveTask persists a new task.
	SaveTask(ctx context.Context, task *Task) error

	// GetTask retrieves a task by id. Returns ErrTaskNotFound if it does not exist.
	GetTask(ctx context.Context, id uuid.UUID) (*Task, error)

	// ListTasks returns tasks matching filter, oldest first.
	ListTasks(ctx context.Context, filter Filter) ([]*Task, error)

	// ClaimNext atomically moves the best eligible pending task to running and
	// returns it. The best task has the highest priority, then the earliest
	// CreatedAt, then the lowest id. Tasks scheduled after now are never
	// returned. Returns ErrNoTaskAvailable when nothing is eligible.
	ClaimNext(ctx context.Context, now time.Time) (*Task, error)

	// UpdateTask replaces the stored task if its stored status equals
	// expected. Returns ErrStatusConflict otherwise.
	UpdateTask(ctx context.Context, task *Task, expected Status) error

	// GetRunningTasks retrieves running tasks started before startedBefore.
	// A zero startedBefore returns every running task.
	GetRunningTasks(ctx context.Context, startedBefore time.Time) ([]*Task, error)
}

// Handler executes tasks of one type.
type Handler interface {
	// Execute runs the task logic. A returned error is classified by the
	// scheduler's retry predicate.
	Execute(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Execute calls f(ctx, payload).
func (f HandlerFunc) Execute(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	return f(ctx, payload)
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
