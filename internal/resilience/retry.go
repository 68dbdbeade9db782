package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/phrazzld/conductor/internal/domain"
)

// Operation is a unit of work wrapped by the resilience layer.
type Operation[T any] func(ctx context.Context) (T, error)

// RetryConfig controls the attempt loop of WithRetry.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Values below 1 are treated as 1.
	MaxAttempts int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps every computed delay.
	MaxDelay time.Duration

	// ExponentialBase is the growth factor between consecutive delays.
	// Values below 1 are treated as 2.
	ExponentialBase float64

	// Jitter randomizes each delay to [0.5, 1.0] of its computed value.
	Jitter bool

	// RetryPredicate decides whether a failed attempt may be retried.
	// Defaults to DefaultRetryPredicate.
	RetryPredicate func(error) bool

	// Clock is used for delays and timing. Defaults to the real clock.
	Clock clockwork.Clock
}

// DefaultRetryConfig returns a RetryConfig with reasonable defaults
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		BaseDelay:       time.Second,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 2.0,
		Jitter:          true,
		RetryPredicate:  DefaultRetryPredicate,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.ExponentialBase < 1 {
		c.ExponentialBase = 2.0
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = c.BaseDelay
	}
	if c.RetryPredicate == nil {
		c.RetryPredicate = DefaultRetryPredicate
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return c
}

// Delay returns the wait before retry n, where n is 1 for the second attempt.
func (c RetryConfig) Delay(n int) time.Duration {
	if n < 1 || c.BaseDelay <= 0 {
		return 0
	}
	base := c.ExponentialBase
	if base < 1 {
		base = 2.0
	}
	maxDelay := c.MaxDelay
	if maxDelay <= 0 {
		maxDelay = c.BaseDelay
	}

	delay := float64(c.BaseDelay) * math.Pow(base, float64(n-1))
	if delay > float64(maxDelay) || math.IsInf(delay, 0) || math.IsNaN(delay) {
		delay = float64(maxDelay)
	}
	if c.Jitter {
		delay *= 0.5 + rand.Float64()*0.5
	}
	return time.Duration(delay)
}

// Result records the outcome of WithRetry.
type Result[T any] struct {
	Value     T
	Success   bool
	Attempts  int
	TotalTime time.Duration
	LastError error
}

// Err returns nil on success and LastError otherwise.
func (r Result[T]) Err() error {
	if r.Success {
		return nil
	}
	return r.LastError
}

// WithRetry runs op until it succeeds, the predicate rejects its error, the
// attempt budget is spent or ctx is done. It never returns an error itself;
// the outcome is reported in the Result.
//
// A CircuitOpenError stops the loop immediately regardless of the predicate.
func WithRetry[T any](ctx context.Context, cfg RetryConfig, op Operation[T]) Result[T] {
	cfg = cfg.withDefaults()
	start := cfg.Clock.Now()

	var res Result[T]
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		res.Attempts = attempt

		value, err := op(ctx)
		if err == nil {
			res.Value = value
			res.Success = true
			res.LastError = nil
			break
		}
		res.LastError = err

		if errors.Is(err, domain.ErrCircuitOpen) || !cfg.RetryPredicate(err) || attempt == cfg.MaxAttempts {
			break
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			res.LastError = fmt.Errorf("retry aborted after %d attempts: %w", attempt, errors.Join(ctxErr, err))
			break
		}

		select {
		case <-ctx.Done():
			res.LastError = fmt.Errorf("retry aborted after %d attempts: %w", attempt, errors.Join(ctx.Err(), err))
		case <-cfg.Clock.After(cfg.Delay(attempt)):
			continue
		}
		break
	}

	res.TotalTime = cfg.Clock.Since(start)
	return res
}

// Retry is WithRetry for callers that want a plain error return.
func Retry[T any](ctx context.Context, cfg RetryConfig, op Operation[T]) (T, error) {
	res := WithRetry(ctx, cfg, op)
	return res.Value, res.Err()
}
