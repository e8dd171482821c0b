package idempotency

import (
	"context"
	"encoding/json"
	"time"
)

// Record is the remembered outcome of one executed action.
type Record struct {
	Key        string          `json:"key"`
	ActionType string          `json:"actionType"`
	OwnerID    string          `json:"ownerId"`
	Result     json.RawMessage `json:"result"`
	CreatedAt  time.Time       `json:"createdAt"`
	ExpiresAt  time.Time       `json:"expiresAt"`
}

// ActiveAt reports whether the record is visible at now.
func (r Record) ActiveAt(now time.Time) bool {
	return now.Before(r.ExpiresAt)
}

// Clone returns a copy that shares no memory with r.
func (r Record) Clone() Record {
	r.Result = cloneResult(r.Result)
	return r
}

// Lookup is the answer to a key lookup.
type Lookup struct {
	Duplicate bool            `json:"duplicate"`
	Result    json.RawMessage `json:"result,omitempty"`
	Record    *Record         `json:"record,omitempty"`
}

// Stats partitions stored records by visibility.
// Pending counts in-flight claims, not records.
type Stats struct {
	Total   int `json:"total"`
	Active  int `json:"active"`
	Expired int `json:"expired"`
	Pending int `json:"pending"`
}

// Store is the de-duplication authority.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Visibility: a record matches Lookup iff now < ExpiresAt.
// - Errors: a miss is never an error. External stores wrap ErrUnavailable
// when the backend cannot be reached.
// - Ownership: results are copied in and out; callers never hold a handle
// into store internals.
type Store interface {
	// Lookup returns the stored result for key if it is still active.
	// Expired records may be purged as a side effect.
	Lookup(ctx context.Context, key string) (Lookup, error)

	// Store inserts or overwrites the record for key.
	Store(ctx context.Context, key, actionType, ownerID string, result json.RawMessage, opts ...StoreOption) error

	// Delete removes the record regardless of expiry and reports whether
	// one existed.
	Delete(ctx context.Context, key string) (bool, error)

	// Stats counts records without mutating the store.
	Stats(ctx context.Context) (Stats, error)
}

// ClaimState is the outcome of a Claim.
type ClaimState int

const (
	// ClaimAcquired means the caller owns the key and must execute.
	ClaimAcquired ClaimState = iota
	// ClaimCompleted means a result is already stored.
	ClaimCompleted
	// ClaimInFlight means another caller holds an unexpired claim.
	ClaimInFlight
)

func (s ClaimState) String() string {
	switch s {
	case ClaimAcquired:
		return "acquired"
	case ClaimCompleted:
		return "completed"
	case ClaimInFlight:
		return "in_flight"
	default:
		return "unknown"
	}
}

// ClaimResult carries the claim state and, for ClaimCompleted, the stored result.
type ClaimResult struct {
	State  ClaimState
	Lookup Lookup
}

// Claimer reserves keys atomically before execution.
//
// Contract:
// - Atomicity: at most one caller acquires an unclaimed, unrecorded key.
// - Expiry: claims lapse after their TTL so a crashed executor cannot
// block a key forever.
// - Store on a claimed key completes the claim.
type Claimer interface {
	Claim(ctx context.Context, key, actionType, ownerID string, ttl time.Duration) (ClaimResult, error)
	Release(ctx context.Context, key string) error
}

// Sweeper removes every record with now >= ExpiresAt, plus lapsed claims,
// and returns the number of records removed.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Pinger checks backend connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NormalizeResult validates result as JSON. Empty input becomes JSON null.
func NormalizeResult(result json.RawMessage) (json.RawMessage, error) {
	if len(result) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(result) {
		return nil, ErrInvalidResult
	}
	return cloneResult(result), nil
}

func cloneResult(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	out := make(json.RawMessage, len(r))
	copy(out, r)
	return out
}
