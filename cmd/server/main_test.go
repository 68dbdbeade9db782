package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/conductor/internal/config"
	"github.com/phrazzld/conductor/internal/platform/logger"
	"github.com/phrazzld/conductor/internal/service/auth"
)

const cmdTestSecret = "cmd-test-secret-that-is-long-enough"

// execute runs the root command with args and returns stdout and stderr.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	var stdout, stderr logger.TestLogBuffer
	cmd := rootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestVersionCommand(t *testing.T) {
	stdout, _, err := execute(t, "version")

	require.NoError(t, err)
	assert.Equal(t, "conductor version dev\n", stdout)
}

func TestTokenCommand(t *testing.T) {
	t.Run("mints a token for the owner", func(t *testing.T) {
		t.Setenv("CONDUCTOR_AUTH_JWT_SECRET", cmdTestSecret)
		t.Setenv("CONDUCTOR_AUTH_TOKEN_LIFETIME", "1h")

		stdout, _, err := execute(t, "token", "alice")
		require.NoError(t, err)

		svc, err := auth.NewJWTService(config.AuthConfig{JWTSecret: cmdTestSecret, TokenLifetime: time.Hour})
		require.NoError(t, err)
		claims, err := svc.ValidateToken(context.Background(), strings.TrimSpace(stdout))
		require.NoError(t, err)
		assert.Equal(t, "alice", claims.Subject)
		assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt, time.Minute)
	})

	t.Run("requires a secret", func(t *testing.T) {
		_, _, err := execute(t, "token", "alice")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "jwt_secret")
	})

	t.Run("requires an owner", func(t *testing.T) {
		t.Setenv("CONDUCTOR_AUTH_JWT_SECRET", cmdTestSecret)
		_, _, err := execute(t, "token")
		assert.Error(t, err)
	})
}

func TestMigrateCommand(t *testing.T) {
	t.Run("applies and reports sqlite migrations", func(t *testing.T) {
		t.Setenv("CONDUCTOR_DATABASE_DRIVER", "sqlite")
		t.Setenv("CONDUCTOR_DATABASE_URL", filepath.Join(t.TempDir(), "conductor.db"))

		_, stderr, err := execute(t, "migrate", "up")
		require.NoError(t, err)
		assert.Contains(t, stderr, `"msg":"migration command completed"`)

		_, _, err = execute(t, "migrate", "version")
		assert.NoError(t, err)

		_, _, err = execute(t, "migrate", "down")
		assert.NoError(t, err)
	})

	t.Run("rejects unknown commands", func(t *testing.T) {
		_, _, err := execute(t, "migrate", "sideways")
		assert.Error(t, err)
	})

	t.Run("rejects the memory driver", func(t *testing.T) {
		_, _, err := execute(t, "migrate", "up")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "memory driver")
	})
}

func TestRunMigrations_UnknownCommand(t *testing.T) {
	err := runMigrations(context.Background(), config.DatabaseConfig{Driver: "sqlite", URL: ":memory:"},
		"redo", slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown migration command "redo"`)
}

func TestInitialize_InvalidConfig(t *testing.T) {
	t.Setenv("CONDUCTOR_SERVER_LOG_LEVEL", "verbose")

	_, _, err := initialize("", io.Discard)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load configuration")
}
