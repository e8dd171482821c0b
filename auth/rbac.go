package auth

import (
	"context"
	"fmt"
	"strings"
)

// RBACConfig configures the simple RBAC authorizer.
type RBACConfig struct {
	// Roles defines role configurations.
	Roles map[string]RoleConfig `yaml:"roles"`

	// DefaultRole is assigned to identities without explicit roles.
	DefaultRole string `yaml:"default_role"`
}

// RoleConfig defines permissions for a role.
type RoleConfig struct {
	// Permissions are "<resource_type>:<resource>:<action>" strings, e.g.
	// "action:create_task:execute" or "action:*:execute".
	Permissions []string `yaml:"permissions"`

	// Inherits lists roles whose permissions this role also has.
	Inherits []string `yaml:"inherits"`

	// DeniedResources are resource patterns this role may never touch,
	// even through inheritance.
	DeniedResources []string `yaml:"denied"`
}

// Validate checks that every inherited role is defined.
func (c RBACConfig) Validate() error {
	for name, role := range c.Roles {
		for _, parent := range role.Inherits {
			if _, ok := c.Roles[parent]; !ok {
				return fmt.Errorf("auth: role %q inherits undefined role %q", name, parent)
			}
		}
	}
	if c.DefaultRole != "" {
		if _, ok := c.Roles[c.DefaultRole]; !ok {
			return fmt.Errorf("auth: default role %q is not defined", c.DefaultRole)
		}
	}
	return nil
}

// SimpleRBACAuthorizer provides role-based access control with inheritance.
type SimpleRBACAuthorizer struct {
	config RBACConfig
}

// NewSimpleRBACAuthorizer creates a new simple RBAC authorizer.
func NewSimpleRBACAuthorizer(config RBACConfig) *SimpleRBACAuthorizer {
	return &SimpleRBACAuthorizer{config: config}
}

// Name returns "simple_rbac".
func (a *SimpleRBACAuthorizer) Name() string {
	return "simple_rbac"
}

// Authorize checks if the identity is allowed to perform the action.
// A deny anywhere in the role closure wins over any grant.
func (a *SimpleRBACAuthorizer) Authorize(_ context.Context, req *AuthzRequest) error {
	if req.Subject == nil {
		return &AuthzError{
			Resource: req.Resource,
			Action:   req.Action,
			Reason:   "no identity provided",
			Cause:    ErrMissingIdentity,
		}
	}

	roles := a.collectRoles(req.Subject)

	for _, roleName := range roles {
		role := a.config.Roles[roleName]
		for _, denied := range role.DeniedResources {
			if matchPattern(denied, req.Resource) {
				return &AuthzError{
					Subject:  req.Subject.Principal,
					Resource: req.Resource,
					Action:   req.Action,
					Reason:   fmt.Sprintf("denied for role %q", roleName),
				}
			}
		}
	}

	for _, roleName := range roles {
		for _, perm := range a.config.Roles[roleName].Permissions {
			if matchPermission(perm, req) {
				return nil
			}
		}
	}

	return &AuthzError{
		Subject:  req.Subject.Principal,
		Resource: req.Resource,
		Action:   req.Action,
		Reason:   fmt.Sprintf("no role permits this action (roles: %s)", strings.Join(req.Subject.Roles, ",")),
	}
}

// Permitted filters resources down to those subject may act on.
func (a *SimpleRBACAuthorizer) Permitted(subject *Identity, resourceType, action string, resources []string) []string {
	var out []string
	for _, r := range resources {
		req := &AuthzRequest{Subject: subject, Resource: r, Action: action, ResourceType: resourceType}
		if a.Authorize(context.Background(), req) == nil {
			out = append(out, r)
		}
	}
	return out
}

func (a *SimpleRBACAuthorizer) collectRoles(subject *Identity) []string {
	seen := make(map[string]bool)
	result := make([]string, 0)

	pending := append([]string{}, subject.Roles...)
	if len(pending) == 0 && a.config.DefaultRole != "" {
		pending = append(pending, a.config.DefaultRole)
	}

	for len(pending) > 0 {
		current := pending[0]
		pending = pending[1:]

		if seen[current] {
			continue
		}
		seen[current] = true

		role, ok := a.config.Roles[current]
		if !ok {
			continue
		}
		result = append(result, current)
		for _, inherited := range role.Inherits {
			if !seen[inherited] {
				pending = append(pending, inherited)
			}
		}
	}

	return result
}

// matchPattern matches a pattern against a value.
// Supports "*" alone or as a trailing wildcard.
func matchPattern(pattern, value string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(value, prefix)
	}
	return pattern == value
}

// matchPermission checks a permission against a request.
// Format: <resource_type>:<resource>:<action>, <resource>:<action> or <action>.
func matchPermission(perm string, req *AuthzRequest) bool {
	parts := strings.Split(perm, ":")

	switch len(parts) {
	case 1:
		return parts[0] == "*" || parts[0] == req.Action
	case 2:
		return matchPattern(parts[0], req.Resource) &&
			(parts[1] == "*" || parts[1] == req.Action)
	case 3:
		return (parts[0] == "*" || parts[0] == req.ResourceType) &&
			matchPattern(parts[1], req.Resource) &&
			(parts[2] == "*" || parts[2] == req.Action)
	default:
		return false
	}
}

var _ Authorizer = (*SimpleRBACAuthorizer)(nil)
