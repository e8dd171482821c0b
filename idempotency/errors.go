package idempotency

import "errors"

// Sentinel errors for idempotency operations.
var (
	ErrNilStore        = errors.New("idempotency: store is nil")
	ErrNilExecutor     = errors.New("idempotency: executor is nil")
	ErrInvalidKey      = errors.New("idempotency: key is invalid")
	ErrKeyTooLong      = errors.New("idempotency: key exceeds max length")
	ErrInvalidKeyInput = errors.New("idempotency: invalid key input")
	ErrInvalidResult   = errors.New("idempotency: result is not valid JSON")
	ErrInvalidPolicy   = errors.New("idempotency: invalid policy")
)

// ErrUnavailable reports that an external store could not be reached.
// It is never returned for a plain miss, so callers can choose between
// failing open and failing closed.
var ErrUnavailable = errors.New("idempotency: store unavailable")

// ErrInFlight reports that another process holds the claim for a key.
// The caller should retry shortly.
var ErrInFlight = errors.New("idempotency: action already in flight")

// ErrReaperRunning is returned by Reaper.Start when the loop is already running.
var ErrReaperRunning = errors.New("idempotency: reaper already running")
