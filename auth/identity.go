package auth

import "slices"

// AuthMethod indicates how the identity was established.
type AuthMethod string

const (
	AuthMethodHeader    AuthMethod = "header"
	AuthMethodAnonymous AuthMethod = "anonymous"
)

// Identity is the principal on whose behalf an action runs.
type Identity struct {
	// Principal is the user ID. Idempotency keys are scoped by it.
	Principal string

	// TenantID is the workspace the user belongs to.
	TenantID string

	// Roles are the roles assigned to this identity.
	Roles []string

	// Method indicates how the identity was established.
	Method AuthMethod
}

// HasRole checks if the identity has a specific role.
func (id *Identity) HasRole(role string) bool {
	if id == nil {
		return false
	}
	return slices.Contains(id.Roles, role)
}

// IsAnonymous returns true if this identity has no principal.
func (id *Identity) IsAnonymous() bool {
	return id == nil || id.Method == AuthMethodAnonymous || id.Principal == ""
}

// AnonymousIdentity creates an identity with no principal and no roles.
func AnonymousIdentity() *Identity {
	return &Identity{Method: AuthMethodAnonymous}
}
