package resilience

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffConfig describes the enqueue-level reschedule schedule for failed tasks.
type BackoffConfig struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultBackoffConfig returns the schedule used when none is configured.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval:     5 * time.Second,
		MaxInterval:         10 * time.Minute,
		Multiplier:          2,
		RandomizationFactor: 0.2,
	}
}

// NewTaskBackoff returns an exponential backoff that never stops on elapsed time.
func NewTaskBackoff(cfg BackoffConfig) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval
	b.Multiplier = cfg.Multiplier
	b.RandomizationFactor = cfg.RandomizationFactor
	b.MaxElapsedTime = 0 // don't stop
	b.Reset()
	return b
}

// BackoffFor returns the reschedule delay for the given retry count, where
// retryCount 1 is the first reschedule.
func BackoffFor(cfg BackoffConfig, retryCount int) time.Duration {
	b := NewTaskBackoff(cfg)
	delay := b.InitialInterval
	for i := 0; i < retryCount; i++ {
		delay = b.NextBackOff()
	}
	if delay == backoff.Stop {
		return cfg.MaxInterval
	}
	return delay
}

// RetryAt returns when a task rescheduled for the given retry count becomes eligible.
func RetryAt(cfg BackoffConfig, now time.Time, retryCount int) time.Time {
	return now.Add(BackoffFor(cfg, retryCount))
}
