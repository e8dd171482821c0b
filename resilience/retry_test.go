package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewRetry_Defaults(t *testing.T) {
	cfg := NewRetry(RetryConfig{}).Config()
	if cfg.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", cfg.MaxAttempts)
	}
	if cfg.InitialDelay != 50*time.Millisecond {
		t.Errorf("InitialDelay = %v, want 50ms", cfg.InitialDelay)
	}
	if cfg.MaxDelay != time.Second {
		t.Errorf("MaxDelay = %v, want 1s", cfg.MaxDelay)
	}
	if cfg.Multiplier != 2 {
		t.Errorf("Multiplier = %v, want 2", cfg.Multiplier)
	}
}

func TestRetry_SucceedsEventually(t *testing.T) {
	r := NewRetry(RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond})

	calls := 0
	err := r.Execute(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errDownstream
		}
		return nil
	})
	if err != nil {
		t.Errorf("Execute() = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetry_ReturnsLastError(t *testing.T) {
	r := NewRetry(RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond})

	calls := 0
	err := r.Execute(context.Background(), func(context.Context) error {
		calls++
		return errDownstream
	})
	if !errors.Is(err, errDownstream) {
		t.Errorf("Execute() = %v, want %v", err, errDownstream)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestRetry_RetryIf(t *testing.T) {
	permanent := errors.New("permanent")
	r := NewRetry(RetryConfig{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		RetryIf:      func(err error) bool { return !errors.Is(err, permanent) },
	})

	calls := 0
	err := r.Execute(context.Background(), func(context.Context) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) || calls != 1 {
		t.Errorf("Execute() = %v after %d calls, want one call", err, calls)
	}
}

func TestRetry_OnRetry(t *testing.T) {
	var delays []time.Duration
	r := NewRetry(RetryConfig{
		MaxAttempts:  4,
		InitialDelay: time.Millisecond,
		MaxDelay:     3 * time.Millisecond,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			delays = append(delays, delay)
		},
	})
	_ = r.Execute(context.Background(), fail)

	want := []time.Duration{time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, delays[i], want[i])
		}
	}
}

func TestRetry_Jitter(t *testing.T) {
	r := NewRetry(RetryConfig{InitialDelay: 100 * time.Millisecond, Jitter: true})
	for i := 0; i < 20; i++ {
		d := r.delay(1)
		if d < 100*time.Millisecond || d >= 125*time.Millisecond {
			t.Fatalf("delay = %v, want within [100ms, 125ms)", d)
		}
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	r := NewRetry(RetryConfig{MaxAttempts: 5, InitialDelay: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())

	err := r.Execute(ctx, func(context.Context) error {
		cancel()
		return errDownstream
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Execute() = %v, want context.Canceled", err)
	}
}
