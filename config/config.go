package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/tekupdk/actionguard/action"
	"github.com/tekupdk/actionguard/auth"
	"github.com/tekupdk/actionguard/idempotency"
	"github.com/tekupdk/actionguard/idempotency/badgerstore"
	"github.com/tekupdk/actionguard/idempotency/pgstore"
	"github.com/tekupdk/actionguard/idempotency/redisstore"
	"github.com/tekupdk/actionguard/observe"
	"github.com/tekupdk/actionguard/secret"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendBadger   = "badger"
	BackendPostgres = "postgres"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the complete service configuration.
type Config struct {
	Server     ServerConfig             `yaml:"server"`
	Store      StoreConfig              `yaml:"store"`
	Policy     idempotency.Policy       `yaml:"policy"`
	FailPolicy string                   `yaml:"fail_policy" validate:"oneof=open closed"`
	Handler    action.HTTPHandlerConfig `yaml:"handler"`
	Resilience ResilienceConfig         `yaml:"resilience"`
	Health     HealthConfig             `yaml:"health"`
	Observe    observe.Config           `yaml:"observe"`

	// RBAC replaces the role table derived from the action catalog.
	RBAC *auth.RBACConfig `yaml:"rbac,omitempty" validate:"-"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required,hostname_port"`
	Mode            string        `yaml:"mode" validate:"oneof=debug release test"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

// StoreConfig selects and configures the idempotency store.
type StoreConfig struct {
	Backend  string             `yaml:"backend" validate:"oneof=memory redis badger postgres"`
	Redis    RedisConfig        `yaml:"redis"`
	Badger   badgerstore.Config `yaml:"badger"`
	Postgres pgstore.Config     `yaml:"postgres"`

	// Migrate applies the Postgres schema on startup.
	Migrate bool `yaml:"migrate"`
}

// RedisConfig adds connection settings to the store settings.
type RedisConfig struct {
	Addr              string `yaml:"addr"`
	Password          string `yaml:"password"`
	DB                int    `yaml:"db" validate:"gte=0"`
	redisstore.Config `yaml:",inline"`
}

// ResilienceConfig bounds handler calls.
type ResilienceConfig struct {
	// Timeout bounds a single handler call.
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`

	// MaxConcurrent caps concurrent handler calls across all types.
	MaxConcurrent int           `yaml:"max_concurrent" validate:"gte=0"`
	MaxWait       time.Duration `yaml:"max_wait" validate:"gte=0"`

	// BreakerFailures opens an action type's circuit after this many
	// consecutive failures. Zero disables breakers.
	BreakerFailures int           `yaml:"breaker_failures" validate:"gte=0"`
	BreakerReset    time.Duration `yaml:"breaker_reset" validate:"gte=0"`

	// RecordRetries re-attempts storing a result after ErrUnavailable.
	RecordRetries int `yaml:"record_retries" validate:"gte=0,lte=10"`
}

// HealthConfig configures health thresholds.
type HealthConfig struct {
	WarnActive      int `yaml:"warn_active" validate:"gte=0"`
	MaxActive       int `yaml:"max_active" validate:"gte=0"`
	ReaperMaxMissed int `yaml:"reaper_max_missed" validate:"gte=0"`
}

// Default returns a configuration for a single in-memory instance.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			Mode:            "release",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Store: StoreConfig{
			Backend: BackendMemory,
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Config: redisstore.DefaultConfig(),
			},
			Badger:   badgerstore.DefaultConfig(),
			Postgres: pgstore.DefaultConfig(),
		},
		Policy:     idempotency.DefaultPolicy(),
		FailPolicy: idempotency.FailOpen.String(),
		Handler:    action.HTTPHandlerConfig{Timeout: 15 * time.Second},
		Resilience: ResilienceConfig{
			Timeout:         30 * time.Second,
			MaxConcurrent:   32,
			BreakerFailures: 5,
			BreakerReset:    30 * time.Second,
			RecordRetries:   3,
		},
		Health: HealthConfig{ReaperMaxMissed: 3},
		Observe: observe.Config{
			ServiceName: "actionguard",
			Tracing:     observe.TracingConfig{Exporter: "none", SamplePct: 1},
			Metrics:     observe.MetricsConfig{Enabled: true, Exporter: "prometheus"},
			Logging:     observe.LoggingConfig{Enabled: true, Level: "info"},
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty), the given .env files and ACTIONGUARD_* variables.
func Load(ctx context.Context, path string, envFiles ...string) (*Config, error) {
	if err := LoadDotEnv(envFiles...); err != nil {
		return nil, err
	}

	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		defer f.Close()
		if err := decode(f, &cfg); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.resolveSecrets(ctx, secret.DefaultResolver()); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse decodes YAML over the defaults without consulting the environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := decode(bytes.NewReader(data), &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) resolveSecrets(ctx context.Context, r *secret.Resolver) error {
	return r.ResolveFields(ctx, map[string]*string{
		"store.redis.addr":     &c.Store.Redis.Addr,
		"store.redis.password": &c.Store.Redis.Password,
		"store.postgres.dsn":   &c.Store.Postgres.DSN,
		"handler.url":          &c.Handler.URL,
	})
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and backend requirements.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := c.Observe.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.RBAC != nil {
		if err := c.RBAC.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}

	switch c.Store.Backend {
	case BackendRedis:
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("%w: store.redis.addr is required for the redis backend", ErrInvalidConfig)
		}
	case BackendBadger:
		if c.Store.Badger.Path == "" && !c.Store.Badger.InMemory {
			return fmt.Errorf("%w: store.badger.path is required unless in_memory is set", ErrInvalidConfig)
		}
	case BackendPostgres:
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("%w: store.postgres.dsn is required for the postgres backend", ErrInvalidConfig)
		}
	}
	if c.Health.MaxActive > 0 && c.Health.WarnActive > c.Health.MaxActive {
		return fmt.Errorf("%w: health.warn_active exceeds health.max_active", ErrInvalidConfig)
	}
	return nil
}

// FailPolicyValue returns the parsed fail policy.
func (c *Config) FailPolicyValue() idempotency.FailPolicy {
	return idempotency.ParseFailPolicy(c.FailPolicy)
}
