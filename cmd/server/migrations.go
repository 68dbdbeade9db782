package main

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/phrazzld/conductor/internal/config"
	"github.com/phrazzld/conductor/internal/platform/sqlstore"
)

// migrationCommands are the goose commands exposed by the migrate command.
var migrationCommands = []string{"up", "down", "status", "reset", "version"}

// runMigrations executes a migration command against the configured database.
func runMigrations(ctx context.Context, cfg config.DatabaseConfig, command string, logger *slog.Logger) error {
	if !slices.Contains(migrationCommands, command) {
		return fmt.Errorf("unknown migration command %q", command)
	}
	if cfg.Driver == "memory" {
		return fmt.Errorf("the memory driver has no schema; set database.driver to postgres or sqlite")
	}

	db, dialect, err := sqlstore.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			logger.Error("failed to close database connection", "error", cerr)
		}
	}()

	if err := sqlstore.Migrate(ctx, db, dialect, command, logger); err != nil {
		return fmt.Errorf("migration %s failed: %w", command, err)
	}
	logger.Info("migration command completed", "command", command)
	return nil
}
