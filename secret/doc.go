// Package secret resolves credentials referenced from configuration.
//
// Configuration values may embed ${VAR} references, expanded strictly, and
// secret references of the form
//
//	secretref:<provider>:<ref>
//
// either as the whole value or inline ("postgres://app:secretref:file:/run/pg@db/crm").
// The bundled providers are "env" (ref is a variable name) and "file" (ref
// is a path; trailing newlines are trimmed).
package secret
