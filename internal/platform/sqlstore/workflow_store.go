package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/conductor/internal/domain"
	"github.com/phrazzld/conductor/internal/workflow"
)

// WorkflowStore implements workflow.Repository by storing each instance as a
// JSON snapshot keyed by id.
type WorkflowStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

var _ workflow.Repository = (*WorkflowStore)(nil)

// NewWorkflowStore creates a WorkflowStore on an already migrated database.
func NewWorkflowStore(db *sql.DB, logger *slog.Logger) *WorkflowStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkflowStore{
		db:     db,
		logger: logger.With("component", "workflow_store"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SaveWorkflow inserts or replaces the snapshot of an instance.
func (s *WorkflowStore) SaveWorkflow(ctx context.Context, snapshot *workflow.Instance) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode workflow %s: %w", snapshot.ID, err)
	}

	query := `
		INSERT INTO workflows (id, status, owner_id, snapshot, created_at, completed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			owner_id = excluded.owner_id,
			snapshot = excluded.snapshot,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		snapshot.ID,
		string(snapshot.Status),
		snapshot.OwnerID,
		string(data),
		snapshot.CreatedAt.UTC(),
		nullTime(snapshot.CompletedAt),
		s.now(),
	)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to save workflow",
			"workflow_id", snapshot.ID,
			"status", snapshot.Status,
			"error", err)
		return fmt.Errorf("failed to save workflow: %w", MapError(err))
	}
	return nil
}

// GetWorkflow loads the last saved snapshot of id.
func (s *WorkflowStore) GetWorkflow(ctx context.Context, id string) (*workflow.Instance, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM workflows WHERE id = $1`, id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewNotFoundError("workflow", id)
		}
		return nil, fmt.Errorf("failed to get workflow: %w", MapError(err))
	}

	var inst workflow.Instance
	if err := json.Unmarshal([]byte(data), &inst); err != nil {
		return nil, fmt.Errorf("failed to decode workflow %s: %w", id, err)
	}
	return &inst, nil
}

// DeleteWorkflowsBefore removes finished workflows that completed before cutoff.
func (s *WorkflowStore) DeleteWorkflowsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM workflows WHERE completed_at IS NOT NULL AND completed_at < $1`,
		cutoff.UTC())
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to delete workflows", "cutoff", cutoff, "error", err)
		return 0, fmt.Errorf("failed to delete workflows: %w", MapError(err))
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}
