package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/phrazzld/conductor/internal/domain"
)

// BreakerConfig configures every breaker held by a Breakers registry.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens a circuit.
	FailureThreshold int

	// ResetTimeout is how long an open circuit rejects calls before allowing
	// a single trial call.
	ResetTimeout time.Duration
}

// DefaultBreakerConfig returns sensible defaults for circuit breaking.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     30 * time.Second,
	}
}

// BreakerState is a point-in-time copy of one circuit.
type BreakerState struct {
	Key                 string    `json:"key"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailureTime     time.Time `json:"last_failure_time,omitempty"`
	IsOpen              bool      `json:"is_open"`
}

// CircuitOpenError is returned when a call is rejected by an open circuit.
type CircuitOpenError struct {
	Key string
	// RetryAt is the earliest time a trial call will be admitted.
	RetryAt time.Time
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open until %s", e.Key, e.RetryAt.Format(time.RFC3339))
}

// Is lets errors.Is match domain.ErrCircuitOpen.
func (e *CircuitOpenError) Is(target error) bool {
	return target == domain.ErrCircuitOpen
}

// StateChangeFunc is called after a circuit opens or closes.
type StateChangeFunc func(state BreakerState)

type breaker struct {
	state         BreakerState
	trialInFlight bool
}

// Breakers holds one circuit per key.
type Breakers struct {
	mu        sync.Mutex
	config    BreakerConfig
	breakers  map[string]*breaker
	clock     clockwork.Clock
	logger    *slog.Logger
	listeners []StateChangeFunc
}

// BreakerOption configures a Breakers registry.
type BreakerOption func(*Breakers)

// WithBreakerClock sets the clock used for cool-down timing.
func WithBreakerClock(clock clockwork.Clock) BreakerOption {
	return func(b *Breakers) {
		b.clock = clock
	}
}

// WithBreakerLogger sets the logger.
func WithBreakerLogger(logger *slog.Logger) BreakerOption {
	return func(b *Breakers) {
		b.logger = logger
	}
}

// WithStateChangeHandler registers fn to be called on open and close transitions.
func WithStateChangeHandler(fn StateChangeFunc) BreakerOption {
	return func(b *Breakers) {
		b.listeners = append(b.listeners, fn)
	}
}

// NewBreakers creates an empty breaker registry.
func NewBreakers(cfg BreakerConfig, opts ...BreakerOption) *Breakers {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}

	b := &Breakers{
		config:   cfg,
		breakers: make(map[string]*breaker),
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "circuit_breaker")
	return b
}

// Execute runs op under the circuit for key. While the circuit is open and
// the reset timeout has not elapsed, op is not invoked and a
// *CircuitOpenError is returned.
func (b *Breakers) Execute(ctx context.Context, key string, op func(ctx context.Context) error) error {
	if err := b.admit(key); err != nil {
		return err
	}

	err := op(ctx)
	b.record(key, err)
	return err
}

// WithCircuitBreaker runs op under the circuit for key and passes its value through.
func WithCircuitBreaker[T any](ctx context.Context, b *Breakers, key string, op Operation[T]) (T, error) {
	var value T
	err := b.Execute(ctx, key, func(ctx context.Context) error {
		var opErr error
		value, opErr = op(ctx)
		return opErr
	})
	return value, err
}

// admit decides whether a call may proceed. Once the reset timeout has
// elapsed an open circuit admits exactly one trial call at a time.
func (b *Breakers) admit(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	br := b.getOrCreate(key)
	if !br.state.IsOpen {
		return nil
	}

	now := b.clock.Now()
	retryAt := br.state.LastFailureTime.Add(b.config.ResetTimeout)
	if br.trialInFlight {
		// The trial's verdict is unknown until it returns.
		return &CircuitOpenError{Key: key, RetryAt: now.Add(b.config.ResetTimeout)}
	}
	if !now.After(retryAt) {
		return &CircuitOpenError{Key: key, RetryAt: retryAt}
	}

	br.trialInFlight = true
	b.logger.Debug("admitting trial call", "breaker_key", key)
	return nil
}

func (b *Breakers) record(key string, err error) {
	var changed []BreakerState

	b.mu.Lock()
	br := b.getOrCreate(key)
	wasTrial := br.trialInFlight
	br.trialInFlight = false

	switch {
	case err == nil:
		wasOpen := br.state.IsOpen
		br.state.ConsecutiveFailures = 0
		br.state.IsOpen = false
		if wasOpen {
			changed = append(changed, br.state)
		}
	case countsAsFailure(err):
		br.state.ConsecutiveFailures++
		br.state.LastFailureTime = b.clock.Now()
		if br.state.ConsecutiveFailures >= b.config.FailureThreshold {
			wasOpen := br.state.IsOpen
			br.state.IsOpen = true
			if !wasOpen || wasTrial {
				changed = append(changed, br.state)
			}
		}
	}
	b.mu.Unlock()

	for _, state := range changed {
		if state.IsOpen {
			b.logger.Warn("circuit opened",
				"breaker_key", state.Key,
				"consecutive_failures", state.ConsecutiveFailures,
				"error", err)
		} else {
			b.logger.Info("circuit closed", "breaker_key", state.Key)
		}
		b.notify(state)
	}
}

func (b *Breakers) notify(state BreakerState) {
	for _, fn := range b.listeners {
		fn(state)
	}
}

// getOrCreate must be called with b.mu held.
func (b *Breakers) getOrCreate(key string) *breaker {
	br, ok := b.breakers[key]
	if !ok {
		br = &breaker{state: BreakerState{Key: key}}
		b.breakers[key] = br
	}
	return br
}

// State returns a copy of the circuit for key. Unknown keys report a closed circuit.
func (b *Breakers) State(key string) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if br, ok := b.breakers[key]; ok {
		return br.state
	}
	return BreakerState{Key: key}
}

// States returns copies of every known circuit sorted by key.
func (b *Breakers) States() []BreakerState {
	b.mu.Lock()
	states := make([]BreakerState, 0, len(b.breakers))
	for _, br := range b.breakers {
		states = append(states, br.state)
	}
	b.mu.Unlock()

	sort.Slice(states, func(i, j int) bool {
		return states[i].Key < states[j].Key
	})
	return states
}

// Reset closes the circuit for key and clears its failure count.
func (b *Breakers) Reset(key string) {
	b.mu.Lock()
	br, ok := b.breakers[key]
	if !ok {
		b.mu.Unlock()
		return
	}
	wasOpen := br.state.IsOpen
	br.state = BreakerState{Key: key}
	br.trialInFlight = false
	state := br.state
	b.mu.Unlock()

	if wasOpen {
		b.logger.Info("circuit reset", "breaker_key", key)
		b.notify(state)
	}
}
