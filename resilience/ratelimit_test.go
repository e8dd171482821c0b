package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestKeyedLimiter_BurstThenDeny(t *testing.T) {
	clock := newManualClock()
	l := NewKeyedLimiter(KeyedLimiterConfig{Now: clock.Now})

	for i := 0; i < 10; i++ {
		if err := l.Allow("7:create_invoice", 10); err != nil {
			t.Fatalf("request %d denied: %v", i+1, err)
		}
	}

	err := l.Allow("7:create_invoice", 10)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("Allow() = %v, want ErrRateLimited", err)
	}
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("error %T is not *RateLimitError", err)
	}
	if rle.RetryAfter < 6*time.Minute-time.Second || rle.RetryAfter > 6*time.Minute+time.Second {
		t.Errorf("RetryAfter = %v, want about 6m", rle.RetryAfter)
	}
}

func TestKeyedLimiter_Refills(t *testing.T) {
	clock := newManualClock()
	l := NewKeyedLimiter(KeyedLimiterConfig{Now: clock.Now})

	for i := 0; i < 10; i++ {
		_ = l.Allow("k", 10)
	}
	clock.Advance(6*time.Minute + time.Second)

	if err := l.Allow("k", 10); err != nil {
		t.Errorf("Allow() after refill = %v", err)
	}
	if err := l.Allow("k", 10); err == nil {
		t.Error("only one token should have refilled")
	}
}

func TestKeyedLimiter_DeniedRequestsDoNotConsume(t *testing.T) {
	clock := newManualClock()
	l := NewKeyedLimiter(KeyedLimiterConfig{Now: clock.Now})

	_ = l.Allow("k", 1)
	for i := 0; i < 5; i++ {
		_ = l.Allow("k", 1)
	}
	clock.Advance(time.Hour + time.Second)

	if err := l.Allow("k", 1); err != nil {
		t.Errorf("Allow() = %v, want allowed after one window", err)
	}
}

func TestKeyedLimiter_KeysAreIndependent(t *testing.T) {
	clock := newManualClock()
	l := NewKeyedLimiter(KeyedLimiterConfig{Now: clock.Now})

	_ = l.Allow("1:create_invoice", 1)
	if err := l.Allow("2:create_invoice", 1); err != nil {
		t.Errorf("other user denied: %v", err)
	}
	if err := l.Allow("1:create_task", 1); err != nil {
		t.Errorf("other action denied: %v", err)
	}
}

func TestKeyedLimiter_Unlimited(t *testing.T) {
	l := NewKeyedLimiter(KeyedLimiterConfig{})
	for i := 0; i < 1000; i++ {
		if err := l.Allow("k", 0); err != nil {
			t.Fatalf("Allow() = %v", err)
		}
	}
	if l.Len() != 0 {
		t.Errorf("Len() = %d, unlimited keys should not be tracked", l.Len())
	}
}

func TestKeyedLimiter_PrunesIdleKeys(t *testing.T) {
	clock := newManualClock()
	l := NewKeyedLimiter(KeyedLimiterConfig{Window: time.Minute, IdleTTL: time.Minute, Now: clock.Now})

	_ = l.Allow("a", 5)
	clock.Advance(2 * time.Minute)
	_ = l.Allow("b", 5)

	if l.Len() != 1 {
		t.Errorf("Len() = %d, want 1", l.Len())
	}
	if l.Tokens("a") != -1 {
		t.Error("idle key should be forgotten")
	}
	if got := l.Tokens("b"); got != 4 {
		t.Errorf("Tokens(b) = %v, want 4", got)
	}
}

func TestKeyedLimiter_AllowanceChangeReplacesBucket(t *testing.T) {
	clock := newManualClock()
	l := NewKeyedLimiter(KeyedLimiterConfig{Now: clock.Now})

	_ = l.Allow("k", 1)
	if err := l.Allow("k", 5); err != nil {
		t.Errorf("Allow() with raised allowance = %v", err)
	}
}

func TestKeyedLimiter_Concurrent(t *testing.T) {
	l := NewKeyedLimiter(KeyedLimiterConfig{})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("shared", 20) == nil {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 20 {
		t.Errorf("allowed = %d, want 20", allowed)
	}
}

func TestKeyedLimiter_Reset(t *testing.T) {
	l := NewKeyedLimiter(KeyedLimiterConfig{})
	_ = l.Allow("k", 1)
	l.Reset()
	if err := l.Allow("k", 1); err != nil {
		t.Errorf("Allow() after Reset = %v", err)
	}
}
