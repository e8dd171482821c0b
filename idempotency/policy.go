package idempotency

import (
	"fmt"
	"time"
)

// Policy configures record lifetimes.
type Policy struct {
	// DefaultTTL applies when Store is called without WithTTL.
	DefaultTTL time.Duration `yaml:"default_ttl"`

	// MaxTTL clamps every TTL. Zero disables clamping.
	MaxTTL time.Duration `yaml:"max_ttl"`

	// ClaimTTL bounds how long an in-flight claim blocks a key.
	ClaimTTL time.Duration `yaml:"claim_ttl"`

	// ReapInterval is the default Reaper period.
	ReapInterval time.Duration `yaml:"reap_interval"`
}

// DefaultPolicy returns the default policy.
// DefaultTTL: 24 hours, ClaimTTL: 5 minutes, ReapInterval: 1 hour, no MaxTTL.
func DefaultPolicy() Policy {
	return Policy{
		DefaultTTL:   24 * time.Hour,
		ClaimTTL:     5 * time.Minute,
		ReapInterval: time.Hour,
	}
}

// Validate checks the policy for nonsensical values.
func (p Policy) Validate() error {
	if p.DefaultTTL <= 0 {
		return fmt.Errorf("%w: default TTL must be positive", ErrInvalidPolicy)
	}
	if p.MaxTTL < 0 {
		return fmt.Errorf("%w: max TTL must not be negative", ErrInvalidPolicy)
	}
	if p.ClaimTTL <= 0 {
		return fmt.Errorf("%w: claim TTL must be positive", ErrInvalidPolicy)
	}
	if p.ReapInterval <= 0 {
		return fmt.Errorf("%w: reap interval must be positive", ErrInvalidPolicy)
	}
	return nil
}

// StoreOption customizes a single Store call.
type StoreOption func(*storeOptions)

type storeOptions struct {
	ttl    time.Duration
	ttlSet bool
}

// WithTTL overrides the policy's default TTL. A zero or negative TTL stores
// a record that is already expired.
func WithTTL(ttl time.Duration) StoreOption {
	return func(o *storeOptions) {
		o.ttl = ttl
		o.ttlSet = true
	}
}

// TTLFor resolves the TTL for a Store call, applying MaxTTL.
func (p Policy) TTLFor(opts ...StoreOption) time.Duration {
	var o storeOptions
	for _, opt := range opts {
		opt(&o)
	}

	ttl := p.DefaultTTL
	if o.ttlSet {
		ttl = o.ttl
	}
	if p.MaxTTL > 0 && ttl > p.MaxTTL {
		ttl = p.MaxTTL
	}
	return ttl
}

// ClaimTTLFor returns ttl, or the policy's ClaimTTL when ttl is not positive.
func (p Policy) ClaimTTLFor(ttl time.Duration) time.Duration {
	if ttl > 0 {
		return ttl
	}
	if p.ClaimTTL > 0 {
		return p.ClaimTTL
	}
	return DefaultPolicy().ClaimTTL
}
