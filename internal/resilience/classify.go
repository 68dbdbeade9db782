package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/phrazzld/conductor/internal/domain"
)

// maxErrorBodyLen bounds how much of a response body is kept in error messages.
const maxErrorBodyLen = 200

// HTTPStatusError reports a non-success HTTP response from a worker.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *HTTPStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("worker returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("worker returned status %d: %s", e.StatusCode, e.Body)
}

// ClassifyHTTPStatus wraps a failed HTTP response as retryable (429, 5xx) or
// terminal (any other status).
func ClassifyHTTPStatus(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > maxErrorBodyLen {
		bodyStr = bodyStr[:maxErrorBodyLen] + "..."
	}

	err := &HTTPStatusError{StatusCode: statusCode, Body: bodyStr}

	switch {
	case statusCode == http.StatusTooManyRequests:
		// Rate limiting is transient
		return domain.NewRetryableError(err)
	case statusCode >= 500:
		return domain.NewRetryableError(err)
	default:
		return domain.NewTerminalError(err)
	}
}

// DefaultRetryPredicate decides whether err is worth another attempt.
//
// Network errors, timeouts, HTTP 5xx and 429 responses, explicitly retryable
// errors and unclassified errors are retried. Other 4xx responses, terminal,
// validation, not-found, deadlock, cancellation and circuit-open errors are not.
func DefaultRetryPredicate(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, domain.ErrCircuitOpen),
		errors.Is(err, domain.ErrCancelled),
		errors.Is(err, context.Canceled),
		errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrDeadlock),
		domain.IsTerminal(err):
		return false
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500
	}

	if domain.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// Unclassified handler errors are treated as transient.
	return true
}

// IsRetryable is DefaultRetryPredicate under the name callers read at call sites.
func IsRetryable(err error) bool {
	return DefaultRetryPredicate(err)
}

// countsAsFailure reports whether err reflects the health of the protected
// dependency. Cancellations and caller-side mistakes do not trip breakers.
func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, domain.ErrCancelled),
		errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrCircuitOpen),
		domain.IsTerminal(err):
		return false
	}
	return true
}
