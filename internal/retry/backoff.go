package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/ax-platform/ax-mcp-monitor/internal/constants"
)

// BackoffConfig contains configuration for exponential backoff
type BackoffConfig struct {
	BaseDelay   time.Duration `json:"base_delay" validate:"min=1ms"`
	MaxDelay    time.Duration `json:"max_delay" validate:"min=100ms"`
	Multiplier  float64       `json:"multiplier" validate:"min=1.0,max=10.0"`
	MaxAttempts int           `json:"max_attempts" validate:"min=1,max=100"`
	Jitter      bool          `json:"jitter"`
}

// DefaultBackoffConfig returns a sensible default configuration
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		BaseDelay:   constants.DefaultBackoffBase,
		MaxDelay:    constants.DefaultBackoffMax,
		Multiplier:  constants.DefaultBackoffMultiplier,
		MaxAttempts: constants.DefaultStartupMaxAttempts,
		Jitter:      true,
	}
}

// Option customizes a Backoff.
type Option func(*Backoff)

// WithSource makes jitter deterministic for a given source.
func WithSource(src rand.Source) Option {
	return func(b *Backoff) {
		b.rng = rand.New(src)
	}
}

// WithSeed is shorthand for WithSource over a PCG seeded with seed.
func WithSeed(seed uint64) Option {
	return WithSource(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Backoff implements exponential backoff with optional jitter. It is safe for
// concurrent use.
type Backoff struct {
	config BackoffConfig

	mu  sync.Mutex
	rng *rand.Rand
}

// NewBackoff creates a new exponential backoff instance
func NewBackoff(config BackoffConfig, opts ...Option) *Backoff {
	if config.Multiplier < 1 {
		config.Multiplier = 1
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	b := &Backoff{config: config}
	for _, opt := range opts {
		opt(b)
	}
	if b.rng == nil {
		b.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return b
}

// Config returns the configuration the policy was built with.
func (b *Backoff) Config() BackoffConfig {
	return b.config
}

// Delay computes the wait before retry number attempt (0-based):
// base*multiplier^attempt capped at MaxDelay, then +/-25% jitter, never
// below 100ms.
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(b.config.BaseDelay) * math.Pow(b.config.Multiplier, float64(attempt))
	if math.IsInf(delay, 0) || math.IsNaN(delay) || delay > float64(b.config.MaxDelay) {
		delay = float64(b.config.MaxDelay)
	}

	if b.config.Jitter {
		jitter := delay * constants.BackoffJitterFraction
		delay += (b.unit()*2 - 1) * jitter
	}

	if delay < float64(constants.MinBackoffDelay) {
		delay = float64(constants.MinBackoffDelay)
	}

	return time.Duration(delay)
}

func (b *Backoff) unit() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rng.Float64()
}

// Retry executes the operation with exponential backoff retry logic
func (b *Backoff) Retry(ctx context.Context, operation func() error) error {
	return b.retry(ctx, operation, nil, nil)
}

// RetryWithPredicate executes the operation with exponential backoff, using a predicate to determine if errors are retryable
func (b *Backoff) RetryWithPredicate(ctx context.Context, operation func() error, isRetryable func(error) bool) error {
	return b.retry(ctx, operation, isRetryable, nil)
}

// RetryNotify is Retry with a callback invoked before each wait.
func (b *Backoff) RetryNotify(ctx context.Context, operation func() error, notify func(attempt int, err error, wait time.Duration)) error {
	return b.retry(ctx, operation, nil, notify)
}

// RetryWithPredicateNotify combines RetryWithPredicate and RetryNotify.
func (b *Backoff) RetryWithPredicateNotify(ctx context.Context, operation func() error, isRetryable func(error) bool, notify func(attempt int, err error, wait time.Duration)) error {
	return b.retry(ctx, operation, isRetryable, notify)
}

func (b *Backoff) retry(ctx context.Context, operation func() error, isRetryable func(error) bool, notify func(int, error, time.Duration)) error {
	var lastErr error

	for attempt := 0; attempt < b.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		if isRetryable != nil && !isRetryable(err) {
			return err
		}

		// Don't wait after the last attempt
		if attempt == b.config.MaxAttempts-1 {
			break
		}

		delay := b.Delay(attempt)
		if notify != nil {
			notify(attempt+1, err, delay)
		}

		if err := Sleep(ctx, delay); err != nil {
			return err
		}
	}

	return lastErr
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
