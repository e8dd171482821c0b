package health

import "errors"

var (
	// ErrCheckFailed marks a threshold breach.
	ErrCheckFailed = errors.New("health: check failed")

	// ErrCheckTimeout is reported for checks that outlive the deadline.
	ErrCheckTimeout = errors.New("health: check timeout")

	// ErrCheckerNotFound is returned for an unknown checker name.
	ErrCheckerNotFound = errors.New("health: checker not found")
)
