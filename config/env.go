package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ACTIONGUARD_"

// LoadDotEnv loads .env files into the process environment without
// overriding variables that are already set. Missing files are skipped.
// With no arguments it loads ".env".
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load %s: %w", f, err)
		}
	}
	return nil
}

type override struct {
	name  string
	apply func(c *Config, v string) error
}

func str(set func(c *Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*set(c) = v
		return nil
	}
}

func duration(set func(c *Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*set(c) = d
		return nil
	}
}

func integer(set func(c *Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*set(c) = n
		return nil
	}
}

func boolean(set func(c *Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*set(c) = b
		return nil
	}
}

// overrides lists every supported variable, without EnvPrefix.
var overrides = []override{
	{"ADDR", str(func(c *Config) *string { return &c.Server.Addr })},
	{"GIN_MODE", str(func(c *Config) *string { return &c.Server.Mode })},
	{"STORE", str(func(c *Config) *string { return &c.Store.Backend })},
	{"REDIS_ADDR", str(func(c *Config) *string { return &c.Store.Redis.Addr })},
	{"REDIS_PASSWORD", str(func(c *Config) *string { return &c.Store.Redis.Password })},
	{"REDIS_DB", integer(func(c *Config) *int { return &c.Store.Redis.DB })},
	{"REDIS_PREFIX", str(func(c *Config) *string { return &c.Store.Redis.Prefix })},
	{"BADGER_PATH", str(func(c *Config) *string { return &c.Store.Badger.Path })},
	{"BADGER_IN_MEMORY", boolean(func(c *Config) *bool { return &c.Store.Badger.InMemory })},
	{"POSTGRES_DSN", str(func(c *Config) *string { return &c.Store.Postgres.DSN })},
	{"POSTGRES_MIGRATE", boolean(func(c *Config) *bool { return &c.Store.Migrate })},
	{"DEFAULT_TTL", duration(func(c *Config) *time.Duration { return &c.Policy.DefaultTTL })},
	{"MAX_TTL", duration(func(c *Config) *time.Duration { return &c.Policy.MaxTTL })},
	{"CLAIM_TTL", duration(func(c *Config) *time.Duration { return &c.Policy.ClaimTTL })},
	{"REAP_INTERVAL", duration(func(c *Config) *time.Duration { return &c.Policy.ReapInterval })},
	{"FAIL_POLICY", str(func(c *Config) *string { return &c.FailPolicy })},
	{"HANDLER_URL", str(func(c *Config) *string { return &c.Handler.URL })},
	{"HANDLER_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.Handler.Timeout })},
	{"LOG_LEVEL", str(func(c *Config) *string { return &c.Observe.Logging.Level })},
	{"TRACING_EXPORTER", func(c *Config, v string) error {
		c.Observe.Tracing.Exporter = v
		c.Observe.Tracing.Enabled = v != "" && v != "none"
		return nil
	}},
	{"METRICS_EXPORTER", func(c *Config, v string) error {
		c.Observe.Metrics.Exporter = v
		c.Observe.Metrics.Enabled = v != "" && v != "none"
		return nil
	}},
}

// EnvVars returns the names of all supported variables.
func EnvVars() []string {
	out := make([]string, len(overrides))
	for i, o := range overrides {
		out[i] = EnvPrefix + o.name
	}
	return out
}

func applyEnv(c *Config, lookup func(string) (string, bool)) error {
	for _, o := range overrides {
		v, ok := lookup(EnvPrefix + o.name)
		if !ok {
			continue
		}
		if err := o.apply(c, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("%w: %s%s: %w", ErrInvalidConfig, EnvPrefix, o.name, err)
		}
	}
	return nil
}
