package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. It never returns ErrUnavailable.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	claims  map[string]time.Time
	policy  Policy
	now     func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now. Used by tests to control expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore creates a new in-memory store with the given policy.
func NewMemoryStore(policy Policy, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		records: make(map[string]*Record),
		claims:  make(map[string]time.Time),
		policy:  policy,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Lookup returns the stored result when the record is still active.
// An expired record is purged lazily.
func (s *MemoryStore) Lookup(_ context.Context, key string) (Lookup, error) {
	s.mu.RLock()
	rec, ok := s.records[key]
	s.mu.RUnlock()

	if !ok {
		return Lookup{}, nil
	}

	now := s.now()
	if !rec.ActiveAt(now) {
		s.mu.Lock()
		// Re-check: a concurrent Store may have replaced the record.
		if cur, ok := s.records[key]; ok && cur == rec {
			delete(s.records, key)
		}
		s.mu.Unlock()
		return Lookup{}, nil
	}

	return lookupFrom(rec), nil
}

// Store inserts or overwrites the record for key and completes any claim on it.
func (s *MemoryStore) Store(_ context.Context, key, actionType, ownerID string, result json.RawMessage, opts ...StoreOption) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	normalized, err := NormalizeResult(result)
	if err != nil {
		return err
	}

	now := s.now()
	rec := &Record{
		Key:        key,
		ActionType: actionType,
		OwnerID:    ownerID,
		Result:     normalized,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.policy.TTLFor(opts...)),
	}

	s.mu.Lock()
	s.records[key] = rec
	delete(s.claims, key)
	s.mu.Unlock()

	return nil
}

// Delete removes the record for key regardless of expiry.
// Any claim on the key is dropped as well.
func (s *MemoryStore) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	_, ok := s.records[key]
	delete(s.records, key)
	delete(s.claims, key)
	s.mu.Unlock()
	return ok, nil
}

// Stats counts records by visibility. It never purges.
func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	now := s.now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Total: len(s.records)}
	for _, rec := range s.records {
		if rec.ActiveAt(now) {
			st.Active++
		} else {
			st.Expired++
		}
	}
	for _, exp := range s.claims {
		if now.Before(exp) {
			st.Pending++
		}
	}
	return st, nil
}

// Claim reserves key for the caller unless a result or a live claim exists.
// A non-positive ttl falls back to the policy's ClaimTTL.
func (s *MemoryStore) Claim(_ context.Context, key, _, _ string, ttl time.Duration) (ClaimResult, error) {
	if err := ValidateKey(key); err != nil {
		return ClaimResult{}, err
	}

	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[key]; ok {
		if rec.ActiveAt(now) {
			return ClaimResult{State: ClaimCompleted, Lookup: lookupFrom(rec)}, nil
		}
		delete(s.records, key)
	}

	if exp, ok := s.claims[key]; ok && now.Before(exp) {
		return ClaimResult{State: ClaimInFlight}, nil
	}

	s.claims[key] = now.Add(s.policy.ClaimTTLFor(ttl))
	return ClaimResult{State: ClaimAcquired}, nil
}

// Release drops the claim on key. Idempotent.
func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.claims, key)
	s.mu.Unlock()
	return nil
}

// Sweep removes every record with now >= ExpiresAt and every lapsed claim.
func (s *MemoryStore) Sweep(_ context.Context) (int, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, rec := range s.records {
		if !now.Before(rec.ExpiresAt) {
			delete(s.records, key)
			removed++
		}
	}
	for key, exp := range s.claims {
		if !now.Before(exp) {
			delete(s.claims, key)
		}
	}
	return removed, nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

func lookupFrom(rec *Record) Lookup {
	cp := rec.Clone()
	return Lookup{Duplicate: true, Result: cloneResult(cp.Result), Record: &cp}
}

var (
	_ Store   = (*MemoryStore)(nil)
	_ Claimer = (*MemoryStore)(nil)
	_ Sweeper = (*MemoryStore)(nil)
	_ Pinger  = (*MemoryStore)(nil)
)
