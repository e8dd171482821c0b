package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// RetryConfig configures Retry.
//
// Only operations that are safe to repeat belong behind a Retry. Action
// executors are not; the write that records their result is.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	// Default: 3
	MaxAttempts int

	// InitialDelay is the delay before the first retry.
	// Default: 50ms
	InitialDelay time.Duration

	// MaxDelay caps the delay between attempts.
	// Default: 1s
	MaxDelay time.Duration

	// Multiplier grows the delay after each attempt. 1 keeps it constant.
	// Default: 2.0
	Multiplier float64

	// Jitter adds up to 25% random delay.
	Jitter bool

	// RetryIf decides whether err is worth another attempt.
	// Default: all non-nil errors.
	RetryIf func(err error) bool

	// OnRetry is called before each retry.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Retry re-runs an operation with exponential backoff.
type Retry struct {
	config RetryConfig
}

// NewRetry creates a Retry.
func NewRetry(config RetryConfig) *Retry {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 50 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = time.Second
	}
	if config.Multiplier < 1 {
		config.Multiplier = 2.0
	}
	if config.RetryIf == nil {
		config.RetryIf = func(err error) bool { return err != nil }
	}
	return &Retry{config: config}
}

// Execute runs op until it succeeds, RetryIf rejects the error, attempts run
// out, or ctx is done. It returns the last error from op.
func (r *Retry) Execute(ctx context.Context, op func(context.Context) error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = op(ctx)
		if err == nil || !r.config.RetryIf(err) || attempt >= r.config.MaxAttempts {
			return err
		}

		delay := r.delay(attempt)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (r *Retry) delay(attempt int) time.Duration {
	d := time.Duration(float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1)))
	if d > r.config.MaxDelay {
		d = r.config.MaxDelay
	}
	if r.config.Jitter && d >= 4 {
		// #nosec G404 -- jitter is non-cryptographic timing variance.
		d += time.Duration(rand.Int64N(int64(d / 4)))
	}
	return d
}

// Config returns the retry configuration with defaults applied.
func (r *Retry) Config() RetryConfig {
	return r.config
}
