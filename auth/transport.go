package auth

import (
	"fmt"
	"net/http"
	"strings"
)

// Identity headers set by the upstream gateway.
const (
	HeaderUserID   = "X-User-ID"
	HeaderRoles    = "X-User-Roles"
	HeaderTenantID = "X-Tenant-ID"
)

const maxPrincipalLength = 256

// HeaderIdentity builds an Identity from trusted gateway headers. Roles are a
// comma-separated list; blanks are dropped.
func HeaderIdentity(h http.Header) (*Identity, error) {
	principal := strings.TrimSpace(h.Get(HeaderUserID))
	if principal == "" {
		return nil, ErrMissingIdentity
	}
	if len(principal) > maxPrincipalLength {
		return nil, fmt.Errorf("%w: user id exceeds %d bytes", ErrInvalidIdentity, maxPrincipalLength)
	}

	var roles []string
	for _, r := range strings.Split(h.Get(HeaderRoles), ",") {
		if r = strings.ToLower(strings.TrimSpace(r)); r != "" {
			roles = append(roles, r)
		}
	}

	return &Identity{
		Principal: principal,
		TenantID:  strings.TrimSpace(h.Get(HeaderTenantID)),
		Roles:     roles,
		Method:    AuthMethodHeader,
	}, nil
}
