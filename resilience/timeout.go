package resilience

import (
	"context"
	"errors"
	"time"
)

// Timeout bounds how long an operation may run.
type Timeout struct {
	d time.Duration
}

// NewTimeout creates a Timeout. d <= 0 defaults to 30 seconds.
func NewTimeout(d time.Duration) *Timeout {
	if d <= 0 {
		d = 30 * time.Second
	}
	return &Timeout{d: d}
}

// Duration returns the configured limit.
func (t *Timeout) Duration() time.Duration { return t.d }

// Execute runs op with a deadline. If op outlives it, Execute returns
// ErrTimeout without waiting; op sees its context cancelled.
func (t *Timeout) Execute(ctx context.Context, op func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- op(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrTimeout
		}
		return ctx.Err()
	}
}
