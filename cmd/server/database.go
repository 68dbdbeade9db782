package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/phrazzld/conductor/internal/config"
	"github.com/phrazzld/conductor/internal/platform/sqlstore"
	"github.com/phrazzld/conductor/internal/redact"
	"github.com/phrazzld/conductor/internal/task"
	"github.com/phrazzld/conductor/internal/workflow"
)

// storage is the persistence selected by the database driver. db and
// workflows are nil for the memory driver.
type storage struct {
	db        *sql.DB
	tasks     task.TaskStore
	workflows workflow.Repository
}

// setupStorage opens the configured store and brings its schema up to date.
func setupStorage(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*storage, error) {
	if cfg.Driver == "memory" {
		logger.Info("using in-memory task store; tasks and workflows will not survive a restart")
		return &storage{tasks: task.NewMemoryStore()}, nil
	}

	db, dialect, err := sqlstore.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Driver, err)
	}
	logger.Info("database connection established",
		"driver", cfg.Driver,
		"url", redact.URL(cfg.URL))

	if err := sqlstore.Migrate(ctx, db, dialect, "up", logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &storage{
		db:        db,
		tasks:     sqlstore.NewTaskStore(db, dialect, logger),
		workflows: sqlstore.NewWorkflowStore(db, logger),
	}, nil
}
