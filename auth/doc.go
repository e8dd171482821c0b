// Package auth carries caller identity and decides whether it may run an
// action.
//
// Authentication happens upstream: the gateway in front of the service sets
// identity headers, and HeaderIdentity turns them into an Identity. The
// SimpleRBACAuthorizer then checks "action:<type>:execute" permissions with
// role inheritance.
package auth
