package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tekupdk/actionguard/idempotency"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, BackendMemory, cfg.Store.Backend)
	assert.Equal(t, idempotency.FailOpen, cfg.FailPolicyValue())
	assert.Equal(t, 24*time.Hour, cfg.Policy.DefaultTTL)
	assert.Equal(t, "actionguard:", cfg.Store.Redis.Prefix)
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(`
server:
  addr: 127.0.0.1:9090
store:
  backend: redis
  redis:
    addr: redis:6379
    db: 2
    prefix: "crm:"
    op_timeout: 250ms
policy:
  default_ttl: 48h
  claim_ttl: 2m
  reap_interval: 30m
fail_policy: closed
handler:
  url: http://api:3000/internal/actions
  timeout: 5s
resilience:
  breaker_failures: 3
health:
  warn_active: 1000
  max_active: 5000
rbac:
  default_role: guest
  roles:
    guest: {}
    user:
      inherits: [guest]
      permissions: ["action:create_task:execute"]
`))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Addr)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout, "unset fields keep defaults")
	assert.Equal(t, "redis:6379", cfg.Store.Redis.Addr)
	assert.Equal(t, 2, cfg.Store.Redis.DB)
	assert.Equal(t, "crm:", cfg.Store.Redis.Prefix)
	assert.Equal(t, 250*time.Millisecond, cfg.Store.Redis.OpTimeout)
	assert.Equal(t, int64(500), cfg.Store.Redis.ScanCount)
	assert.Equal(t, 48*time.Hour, cfg.Policy.DefaultTTL)
	assert.Equal(t, idempotency.FailClosed, cfg.FailPolicyValue())
	assert.Equal(t, 5*time.Second, cfg.Handler.Timeout)
	assert.Equal(t, 3, cfg.Resilience.BreakerFailures)
	assert.Equal(t, 32, cfg.Resilience.MaxConcurrent)
	require.NotNil(t, cfg.RBAC)
	assert.Equal(t, []string{"guest"}, cfg.RBAC.Roles["user"].Inherits)
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default().Server, cfg.Server)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown field", "server:\n  port: 80\n"},
		{"bad duration", "policy:\n  default_ttl: soon\n"},
		{"bad backend", "store:\n  backend: mongo\n"},
		{"bad fail policy", "fail_policy: maybe\n"},
		{"bad addr", "server:\n  addr: nope\n"},
		{"redis without addr", "store:\n  backend: redis\n  redis:\n    addr: \"\"\n"},
		{"badger without path", "store:\n  backend: badger\n"},
		{"postgres without dsn", "store:\n  backend: postgres\n"},
		{"zero ttl", "policy:\n  default_ttl: 0s\n"},
		{"bad handler url", "handler:\n  url: not a url\n"},
		{"warn above max", "health:\n  warn_active: 10\n  max_active: 5\n"},
		{"rbac unknown default", "rbac:\n  default_role: ghost\n  roles: {}\n"},
		{"too many retries", "resilience:\n  record_retries: 50\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestParse_BadgerInMemory(t *testing.T) {
	cfg, err := Parse([]byte("store:\n  backend: badger\n  badger:\n    in_memory: true\n"))
	require.NoError(t, err)
	assert.True(t, cfg.Store.Badger.InMemory)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"ACTIONGUARD_STORE":            "postgres",
		"ACTIONGUARD_POSTGRES_DSN":     "postgres://localhost/crm",
		"ACTIONGUARD_POSTGRES_MIGRATE": "true",
		"ACTIONGUARD_DEFAULT_TTL":      " 12h ",
		"ACTIONGUARD_REDIS_DB":         "4",
		"ACTIONGUARD_METRICS_EXPORTER": "none",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, applyEnv(&cfg, lookup))
	assert.Equal(t, BackendPostgres, cfg.Store.Backend)
	assert.Equal(t, "postgres://localhost/crm", cfg.Store.Postgres.DSN)
	assert.True(t, cfg.Store.Migrate)
	assert.Equal(t, 12*time.Hour, cfg.Policy.DefaultTTL)
	assert.Equal(t, 4, cfg.Store.Redis.DB)
	assert.False(t, cfg.Observe.Metrics.Enabled)

	env["ACTIONGUARD_CLAIM_TTL"] = "five minutes"
	err := applyEnv(&cfg, lookup)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "ACTIONGUARD_CLAIM_TTL")
}

func TestEnvVars(t *testing.T) {
	vars := EnvVars()
	assert.Contains(t, vars, "ACTIONGUARD_STORE")
	assert.Contains(t, vars, "ACTIONGUARD_HANDLER_URL")
	for _, v := range vars {
		assert.Regexp(t, `^ACTIONGUARD_[A-Z_]+$`, v)
	}
}

func TestLoad_Layers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "actionguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  backend: redis
  redis:
    addr: ${AG_TEST_REDIS_HOST}:6379
    password: secretref:file:`+filepath.Join(dir, "redis-password")+`
handler:
  url: http://api:3000/actions
`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "redis-password"), []byte("hunter2\n"), 0o600))

	dotenv := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(dotenv, []byte("AG_TEST_REDIS_HOST=cache.internal\nACTIONGUARD_FAIL_POLICY=closed\n"), 0o600))
	t.Cleanup(func() {
		_ = os.Unsetenv("AG_TEST_REDIS_HOST")
		_ = os.Unsetenv("ACTIONGUARD_FAIL_POLICY")
	})
	t.Setenv("ACTIONGUARD_HANDLER_URL", "http://override:3000/actions")

	cfg, err := Load(context.Background(), path, dotenv)
	require.NoError(t, err)

	assert.Equal(t, "cache.internal:6379", cfg.Store.Redis.Addr)
	assert.Equal(t, "hunter2", cfg.Store.Redis.Password)
	assert.Equal(t, "http://override:3000/actions", cfg.Handler.URL)
	assert.Equal(t, idempotency.FailClosed, cfg.FailPolicyValue())
}

func TestLoad_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := Load(ctx, filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "c.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  postgres:\n    dsn: ${AG_TEST_UNSET_DSN}\n"), 0o600))
	_, err = Load(ctx, path, filepath.Join(t.TempDir(), "absent.env"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.postgres.dsn")
}
