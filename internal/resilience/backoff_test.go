package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffFor(t *testing.T) {
	t.Parallel()

	cfg := BackoffConfig{
		InitialInterval: time.Second,
		MaxInterval:     5 * time.Second,
		Multiplier:      2,
	}

	assert.Equal(t, time.Second, BackoffFor(cfg, 1))
	assert.Equal(t, 2*time.Second, BackoffFor(cfg, 2))
	assert.Equal(t, 4*time.Second, BackoffFor(cfg, 3))
	assert.Equal(t, 5*time.Second, BackoffFor(cfg, 4))
	assert.Equal(t, 5*time.Second, BackoffFor(cfg, 10))
}

func TestRetryAt(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	cfg := DefaultBackoffConfig()
	cfg.RandomizationFactor = 0

	assert.Equal(t, now.Add(5*time.Second), RetryAt(cfg, now, 1))
	assert.Equal(t, now.Add(10*time.Second), RetryAt(cfg, now, 2))

	jittered := DefaultBackoffConfig()
	for i := 0; i < 20; i++ {
		at := RetryAt(jittered, now, 1)
		assert.False(t, at.Before(now.Add(4*time.Second)))
		assert.False(t, at.After(now.Add(6*time.Second)))
	}
}
