// Package action runs assistant-proposed CRM actions exactly once.
//
// A request passes through, in order: the catalog allowlist, RBAC, a
// per-user per-action rate limit, parameter validation, and the
// idempotency guard. Only then is the Handler invoked, inside a timeout,
// a per-action-type circuit breaker and a concurrency bulkhead. Every
// outcome is written to the audit log with a correlation id.
//
// Retries of the same suggestion (same user, action type, conversation and
// action id) return the first result verbatim instead of running again.
package action
