package auth

import "errors"

// Sentinel errors for identity and authorization.
var (
	ErrMissingIdentity = errors.New("auth: missing identity")
	ErrInvalidIdentity = errors.New("auth: invalid identity")

	ErrForbidden = errors.New("auth: access denied")
)
