package resilience

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitError reports a denied request and when the key may try again.
type RateLimitError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("resilience: rate limit exceeded for %s, retry in %s", e.Key, e.RetryAfter.Round(time.Second))
}

// Unwrap lets errors.Is match ErrRateLimited.
func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// KeyedLimiterConfig configures a KeyedLimiter.
type KeyedLimiterConfig struct {
	// Window is the period a per-key allowance refills over.
	// Default: 1 hour
	Window time.Duration

	// IdleTTL drops limiters that have not been used for this long.
	// Default: 2 * Window
	IdleTTL time.Duration

	// Now replaces time.Now in tests.
	Now func() time.Time
}

type keyedEntry struct {
	limiter  *rate.Limiter
	perWin   int
	lastSeen time.Time
}

// KeyedLimiter keeps one token bucket per key. A key allowed n requests per
// window starts with a full burst of n and refills at n per window.
//
// Contract:
// - Concurrency: safe for concurrent use.
// - Allowance changes for an existing key replace its bucket.
type KeyedLimiter struct {
	window  time.Duration
	idleTTL time.Duration
	now     func() time.Time

	mu        sync.Mutex
	entries   map[string]*keyedEntry
	lastPrune time.Time
}

// NewKeyedLimiter creates a KeyedLimiter.
func NewKeyedLimiter(config KeyedLimiterConfig) *KeyedLimiter {
	if config.Window <= 0 {
		config.Window = time.Hour
	}
	if config.IdleTTL <= 0 {
		config.IdleTTL = 2 * config.Window
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &KeyedLimiter{
		window:  config.Window,
		idleTTL: config.IdleTTL,
		now:     config.Now,
		entries: make(map[string]*keyedEntry),
	}
}

// Allow consumes one token for key. perWindow <= 0 means unlimited.
// On denial it returns a *RateLimitError carrying the delay until a token
// becomes available.
func (l *KeyedLimiter) Allow(key string, perWindow int) error {
	if perWindow <= 0 {
		return nil
	}

	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.pruneLocked(now)

	e, ok := l.entries[key]
	if !ok || e.perWin != perWindow {
		e = &keyedEntry{
			limiter: rate.NewLimiter(rate.Every(l.window/time.Duration(perWindow)), perWindow),
			perWin:  perWindow,
		}
		l.entries[key] = e
	}
	e.lastSeen = now

	r := e.limiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return &RateLimitError{Key: key, RetryAfter: delay}
	}
	return nil
}

// Tokens reports the tokens left for key, or -1 if the key is unknown.
func (l *KeyedLimiter) Tokens(key string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		return -1
	}
	return e.limiter.TokensAt(l.now())
}

// Len returns the number of tracked keys.
func (l *KeyedLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Reset forgets every key.
func (l *KeyedLimiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.entries)
}

// pruneLocked runs at most once per IdleTTL.
func (l *KeyedLimiter) pruneLocked(now time.Time) {
	if now.Sub(l.lastPrune) < l.idleTTL {
		return
	}
	l.lastPrune = now
	for k, e := range l.entries {
		if now.Sub(e.lastSeen) >= l.idleTTL {
			delete(l.entries, k)
		}
	}
}
