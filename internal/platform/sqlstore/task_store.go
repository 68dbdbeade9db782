package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/conductor/internal/task"
)

const taskColumns = `id, type, priority, status, payload, created_at, scheduled_for,
	started_at, completed_at, retry_count, max_retries, last_error, owner_id`

// TaskStore implements task.TaskStore on PostgreSQL or SQLite.
type TaskStore struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

var _ task.TaskStore = (*TaskStore)(nil)

// NewTaskStore creates a TaskStore on an already migrated database.
func NewTaskStore(db *sql.DB, dialect Dialect, logger *slog.Logger) *TaskStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskStore{
		db:      db,
		dialect: dialect,
		logger:  logger.With("component", "task_store"),
	}
}

// SaveTask persists a new task.
func (s *TaskStore) SaveTask(ctx context.Context, t *task.Task) error {
	query := `
		INSERT INTO tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := s.db.ExecContext(ctx, query,
		t.ID,
		t.Type,
		t.Priority,
		string(t.Status),
		nullString(t.Payload),
		t.CreatedAt.UTC(),
		nullTime(t.ScheduledFor),
		nullTime(t.StartedAt),
		nullTime(t.CompletedAt),
		t.RetryCount,
		t.MaxRetries,
		t.LastError,
		t.OwnerID,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return task.ErrDuplicateTask
		}
		s.logger.ErrorContext(ctx, "failed to save task",
			"task_id", t.ID,
			"task_type", t.Type,
			"error", err)
		return fmt.Errorf("failed to save task to database: %w", MapError(err))
	}
	return nil
}

// GetTask retrieves a task by id.
func (s *TaskStore) GetTask(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`

	t, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, task.ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to get task: %w", MapError(err))
	}
	return t, nil
}

// ListTasks returns tasks matching filter, oldest first.
func (s *TaskStore) ListTasks(ctx context.Context, filter task.Filter) ([]*task.Task, error) {
	var (
		conditions []string
		args       []any
	)
	add := func(column string, value any) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if filter.Status != "" {
		add("status", string(filter.Status))
	}
	if filter.Type != "" {
		add("type", filter.Type)
	}
	if filter.OwnerID != "" {
		add("owner_id", filter.OwnerID)
	}

	var b strings.Builder
	b.WriteString(`SELECT ` + taskColumns + ` FROM tasks`)
	if len(conditions) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conditions, " AND "))
	}
	b.WriteString(" ORDER BY created_at ASC, id ASC")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}

	return s.queryTasks(ctx, b.String(), args...)
}

// ClaimNext atomically moves the best eligible pending task to running. On
// PostgreSQL concurrent claimers skip rows locked by each other; SQLite
// serializes writers.
func (s *TaskStore) ClaimNext(ctx context.Context, now time.Time) (*task.Task, error) {
	lock := ""
	if s.dialect == DialectPostgres {
		lock = "FOR UPDATE SKIP LOCKED"
	}

	query := `
		UPDATE tasks SET status = $1, started_at = $2
		WHERE id = (
			SELECT id FROM tasks
			WHERE status = $3 AND (scheduled_for IS NULL OR scheduled_for <= $2)
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT 1
			` + lock + `
		)
		RETURNING ` + taskColumns

	t, err := scanTask(s.db.QueryRowContext(ctx, query,
		string(task.StatusRunning),
		now.UTC(),
		string(task.StatusPending),
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, task.ErrNoTaskAvailable
		}
		s.logger.ErrorContext(ctx, "failed to claim task", "error", err)
		return nil, fmt.Errorf("failed to claim task: %w", MapError(err))
	}
	return t, nil
}

// UpdateTask replaces the stored task if its stored status equals expected.
func (s *TaskStore) UpdateTask(ctx context.Context, t *task.Task, expected task.Status) error {
	query := `
		UPDATE tasks SET
			priority = $1, status = $2, payload = $3, scheduled_for = $4,
			started_at = $5, completed_at = $6, retry_count = $7, max_retries = $8,
			last_error = $9, owner_id = $10
		WHERE id = $11 AND status = $12
	`

	return RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, query,
			t.Priority,
			string(t.Status),
			nullString(t.Payload),
			nullTime(t.ScheduledFor),
			nullTime(t.StartedAt),
			nullTime(t.CompletedAt),
			t.RetryCount,
			t.MaxRetries,
			t.LastError,
			t.OwnerID,
			t.ID,
			string(expected),
		)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to update task",
				"task_id", t.ID,
				"status", t.Status,
				"error", err)
			return fmt.Errorf("failed to update task: %w", MapError(err))
		}

		if CheckRowsAffected(result, "task") == nil {
			return nil
		}

		var one int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = $1`, t.ID).Scan(&one)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return task.ErrTaskNotFound
		case err != nil:
			return fmt.Errorf("failed to check task existence: %w", MapError(err))
		default:
			return task.ErrStatusConflict
		}
	})
}

// GetRunningTasks retrieves running tasks started before startedBefore. A
// zero startedBefore returns every running task.
func (s *TaskStore) GetRunningTasks(ctx context.Context, startedBefore time.Time) ([]*task.Task, error) {
	if startedBefore.IsZero() {
		return s.queryTasks(ctx,
			`SELECT `+taskColumns+` FROM tasks WHERE status = $1 ORDER BY started_at ASC`,
			string(task.StatusRunning))
	}
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = $1 AND started_at < $2 ORDER BY started_at ASC`,
		string(task.StatusRunning), startedBefore.UTC())
}

func (s *TaskStore) queryTasks(ctx context.Context, query string, args ...any) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to query tasks", "error", err)
		return nil, fmt.Errorf("failed to query tasks: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	tasks := make([]*task.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task rows: %w", err)
	}
	return tasks, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var (
		t            task.Task
		status       string
		payload      sql.NullString
		scheduledFor sql.NullTime
		startedAt    sql.NullTime
		completedAt  sql.NullTime
	)
	if err := row.Scan(
		&t.ID,
		&t.Type,
		&t.Priority,
		&status,
		&payload,
		&t.CreatedAt,
		&scheduledFor,
		&startedAt,
		&completedAt,
		&t.RetryCount,
		&t.MaxRetries,
		&t.LastError,
		&t.OwnerID,
	); err != nil {
		return nil, err
	}

	t.Status = task.Status(status)
	if payload.Valid {
		t.Payload = []byte(payload.String)
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.ScheduledFor = timeFromNull(scheduledFor)
	t.StartedAt = timeFromNull(startedAt)
	t.CompletedAt = timeFromNull(completedAt)
	return &t, nil
}
