// Package config loads actionguard settings.
//
// Values are layered, later layers winning:
//
//  1. Defaults (see Default)
//  2. A YAML file
//  3. ACTIONGUARD_* environment variables, after .env files are loaded
//
// Credential-bearing fields (the Redis address and password, the Postgres
// DSN and the handler URL) then go through strict ${VAR} expansion and
// secretref resolution before the result is validated.
package config
