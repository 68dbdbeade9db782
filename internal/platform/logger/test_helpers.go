package logger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
)

// TestLogBuffer collects JSON log lines written concurrently by the code
// under test.
type TestLogBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// Write implements io.Writer.
func (b *TestLogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// String returns everything written so far.
func (b *TestLogBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// GetLogEntries decodes one JSON record per non-empty line.
func (b *TestLogBuffer) GetLogEntries() ([]map[string]any, error) {
	var entries []map[string]any
	scanner := bufio.NewScanner(bytes.NewReader([]byte(b.String())))
	for line := 1; scanner.Scan(); line++ {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("log line %d is not JSON: %w", line, err)
		}
		entries = append(entries, entry)
	}
	return entries, scanner.Err()
}

// EntriesWithMessage returns the decoded records whose msg equals msg.
func (b *TestLogBuffer) EntriesWithMessage(t *testing.T, msg string) []map[string]any {
	t.Helper()
	entries, err := b.GetLogEntries()
	if err != nil {
		t.Fatalf("decode log entries: %v", err)
	}
	var matched []map[string]any
	for _, e := range entries {
		if e[slog.MessageKey] == msg {
			matched = append(matched, e)
		}
	}
	return matched
}

// GetTestLogger returns a debug-level JSON logger wrapped in a
// ContextHandler like the production logger, and the buffer it writes to.
func GetTestLogger(t *testing.T) (*slog.Logger, *TestLogBuffer) {
	t.Helper()
	buf := &TestLogBuffer{}
	handler := NewContextHandler(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return slog.New(handler), buf
}

// AssertLogged fails the test unless a record with message msg was written.
func AssertLogged(t *testing.T, buf *TestLogBuffer, msg string) {
	t.Helper()
	if len(buf.EntriesWithMessage(t, msg)) == 0 {
		t.Errorf("expected a log record %q, got:\n%s", msg, buf.String())
	}
}
