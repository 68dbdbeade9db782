package workflow

import (
	"context"
	"time"
)

// Repository persists workflow instance snapshots. Implementations receive
// snapshots and must not retain the live instance.
type Repository interface {
	// SaveWorkflow inserts or replaces the stored snapshot.
	SaveWorkflow(ctx context.Context, snapshot *Instance) error

	// GetWorkflow returns the stored snapshot. Returns an error matching
	// domain.ErrNotFound if it does not exist.
	GetWorkflow(ctx context.Context, id string) (*Instance, error)

	// DeleteWorkflowsBefore removes terminal snapshots completed before cutoff
	// and returns how many were removed.
	DeleteWorkflowsBefore(ctx context.Context, cutoff time.Time) (int, error)
}
