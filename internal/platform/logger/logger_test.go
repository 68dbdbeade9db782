package logger_test

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/conductor/internal/config"
	"github.com/phrazzld/conductor/internal/platform/logger"
)

func TestSetupWithWriter(t *testing.T) {
	original := slog.Default()
	t.Cleanup(func() { slog.SetDefault(original) })

	tests := []struct {
		name       string
		level      string
		logDebug   bool
		logInfo    bool
		logWarning bool
	}{
		{name: "debug", level: "debug", logDebug: true, logInfo: true, logWarning: true},
		{name: "info", level: "info", logInfo: true, logWarning: true},
		{name: "uppercase", level: "WARN", logWarning: true},
		{name: "invalid falls back to info", level: "chatty", logInfo: true, logWarning: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &logger.TestLogBuffer{}

			l, err := logger.SetupWithWriter(config.ServerConfig{LogLevel: tt.level}, buf)
			require.NoError(t, err)
			require.NotNil(t, l)
			assert.Same(t, l, slog.Default())

			l.Debug("debug message")
			l.Info("info message")
			l.Warn("warn message")

			logs := buf.String()
			assert.Equal(t, tt.logDebug, strings.Contains(logs, "debug message"))
			assert.Equal(t, tt.logInfo, strings.Contains(logs, "info message"))
			assert.Equal(t, tt.logWarning, strings.Contains(logs, "warn message"))

			entries, err := buf.GetLogEntries()
			require.NoError(t, err, "output is JSON")
			for _, e := range entries {
				assert.Contains(t, e, "level")
				assert.Contains(t, e, "msg")
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	level, ok := logger.ParseLevel("Error")
	assert.True(t, ok)
	assert.Equal(t, slog.LevelError, level)

	level, ok = logger.ParseLevel("fatal")
	assert.False(t, ok)
	assert.Equal(t, slog.LevelInfo, level)
}

func TestFromContextOrDefault(t *testing.T) {
	defaultLogger := slog.Default()
	customLogger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tests := []struct {
		name     string
		ctx      context.Context
		expected *slog.Logger
	}{
		{
			name:     "nil_context_returns_default",
			ctx:      nil,
			expected: defaultLogger,
		},
		{
			name:     "context_without_logger_returns_default",
			ctx:      context.Background(),
			expected: defaultLogger,
		},
		{
			name:     "context_with_logger_returns_context_logger",
			ctx:      logger.WithLogger(context.Background(), customLogger),
			expected: customLogger,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := logger.FromContextOrDefault(tt.ctx, defaultLogger)
			assert.Same(t, tt.expected, result)
		})
	}
}

func TestWithLogger(t *testing.T) {
	t.Run("valid_logger", func(t *testing.T) {
		customLogger := slog.New(slog.NewTextHandler(io.Discard, nil))
		ctx := logger.WithLogger(context.Background(), customLogger)

		assert.Same(t, customLogger, logger.FromContext(ctx))
	})

	t.Run("nil_logger_panics", func(t *testing.T) {
		assert.Panics(t, func() {
			logger.WithLogger(context.Background(), nil)
		})
	})
}

func TestContextHandler(t *testing.T) {
	l, buf := logger.GetTestLogger(t)

	ctx := logger.WithAttrs(context.Background(), slog.String("trace_id", "abc123"))
	ctx = logger.WithAttrs(ctx, slog.String("workflow_id", "wf-1"))

	l.InfoContext(ctx, "step settled", "step_id", "a")
	l.With("component", "executor").InfoContext(context.Background(), "no scope")

	entries, err := buf.GetLogEntries()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "abc123", entries[0]["trace_id"])
	assert.Equal(t, "wf-1", entries[0]["workflow_id"])
	assert.Equal(t, "a", entries[0]["step_id"])
	assert.NotContains(t, entries[1], "trace_id")
	assert.Equal(t, "executor", entries[1]["component"])

	logger.AssertLogged(t, buf, "step settled")
	assert.Len(t, buf.EntriesWithMessage(t, "no scope"), 1)
	assert.Len(t, logger.AttrsFromContext(ctx), 2)
	assert.Empty(t, logger.AttrsFromContext(context.Background()))
}
