package shared

import (
	"context"
	"encoding/hex"

	"github.com/google/uuid"
)

// ContextKey namespaces request-scoped values set by the API middleware.
type ContextKey string

const (
	// OwnerIDContextKey holds the authenticated token subject.
	OwnerIDContextKey ContextKey = "ownerID"

	// TraceIDKey holds the id echoed in the X-Trace-ID header and in error
	// bodies.
	TraceIDKey ContextKey = "traceID"

	// TraceIDLength is the number of random bytes in a trace id; the id is
	// their hex encoding.
	TraceIDLength = 16
)

// WithOwnerID returns a copy of ctx carrying the owner id.
func WithOwnerID(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, OwnerIDContextKey, ownerID)
}

// GetOwnerID returns the owner id stored in ctx. Requests served without
// authentication have no owner and yield "", false.
func GetOwnerID(ctx context.Context) (string, bool) {
	ownerID, ok := ctx.Value(OwnerIDContextKey).(string)
	if !ok || ownerID == "" {
		return "", false
	}
	return ownerID, true
}

// SetTraceID returns a copy of ctx carrying a fresh trace id.
func SetTraceID(ctx context.Context) context.Context {
	return context.WithValue(ctx, TraceIDKey, NewTraceID())
}

// GetTraceID returns the trace id stored in ctx, or "".
func GetTraceID(ctx context.Context) string {
	traceID, _ := ctx.Value(TraceIDKey).(string)
	return traceID
}

// NewTraceID returns TraceIDLength random bytes, hex encoded.
func NewTraceID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}
