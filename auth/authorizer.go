package auth

import (
	"context"
	"fmt"
)

// Authorizer determines if an identity is allowed to perform an action.
type Authorizer interface {
	// Authorize returns nil if permitted, or an error (typically *AuthzError).
	Authorize(ctx context.Context, req *AuthzRequest) error

	// Name returns a unique identifier for this authorizer.
	Name() string
}

// Resource types and operations used by the action service.
const (
	ResourceTypeAction = "action"
	OperationExecute   = "execute"
	OperationDryRun    = "dry_run"
)

// AuthzRequest contains the information needed for authorization.
type AuthzRequest struct {
	// Subject is the identity making the request.
	Subject *Identity

	// Resource is the target, e.g. an action type such as "create_invoice".
	Resource string

	// Action is the requested operation, e.g. "execute".
	Action string

	// ResourceType categorizes the resource, e.g. "action".
	ResourceType string
}

// ExecuteActionRequest builds the request for running actionType.
func ExecuteActionRequest(subject *Identity, actionType string) *AuthzRequest {
	return &AuthzRequest{
		Subject:      subject,
		Resource:     actionType,
		Action:       OperationExecute,
		ResourceType: ResourceTypeAction,
	}
}

// AuthzError represents an authorization failure.
type AuthzError struct {
	Subject  string
	Resource string
	Action   string
	Reason   string

	// Cause is the underlying error if any.
	Cause error
}

// Error returns the error message.
func (e *AuthzError) Error() string {
	return fmt.Sprintf("authorization denied: subject=%q resource=%q action=%q reason=%q",
		e.Subject, e.Resource, e.Action, e.Reason)
}

// Unwrap returns the cause error for errors.Is/As support.
func (e *AuthzError) Unwrap() error {
	return e.Cause
}

// Is reports whether this error matches the target.
func (e *AuthzError) Is(target error) bool {
	return target == ErrForbidden
}

// AllowAllAuthorizer permits all requests.
type AllowAllAuthorizer struct{}

// Authorize always returns nil (permitted).
func (a AllowAllAuthorizer) Authorize(_ context.Context, _ *AuthzRequest) error {
	return nil
}

// Name returns "allow_all".
func (a AllowAllAuthorizer) Name() string {
	return "allow_all"
}

// AuthorizerFunc is an adapter to allow use of ordinary functions as Authorizers.
type AuthorizerFunc func(ctx context.Context, req *AuthzRequest) error

// Authorize calls the function.
func (f AuthorizerFunc) Authorize(ctx context.Context, req *AuthzRequest) error {
	return f(ctx, req)
}

// Name returns "func" for function-based authorizers.
func (f AuthorizerFunc) Name() string {
	return "func"
}
