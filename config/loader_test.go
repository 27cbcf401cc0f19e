// 配置加载器测试。
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flowguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// --- Loader 测试 ---

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, StoreMemory, cfg.Store.Type)
	assert.Equal(t, 5, cfg.Orchestrator.CircuitBreaker.FailureThreshold)
}

func TestLoader_LoadFromYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  http_port: 8888
  read_timeout: 60s

store:
  type: database

database:
  driver: sqlite
  name: /tmp/flowguard.db

orchestrator:
  circuit_breaker:
    failure_threshold: 2
    timeout: 5s
  retry:
    max_attempts: 4
    strategy: linear_backoff
  max_parallel_steps: 3
  services:
    payments: http://payments:8080
    inventory: http://inventory:8080

log:
  level: debug
  format: console
`)

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 8888, cfg.Server.HTTPPort)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, StoreDatabase, cfg.Store.Type)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "/tmp/flowguard.db", cfg.Database.DSN())

	o := cfg.Orchestrator
	assert.Equal(t, 2, o.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 5*time.Second, o.CircuitBreaker.Timeout)
	// 未出现在 YAML 中的字段保留默认值
	assert.Equal(t, 3, o.CircuitBreaker.SuccessThreshold)
	assert.Equal(t, 4, o.Retry.MaxAttempts)
	assert.Equal(t, "linear_backoff", o.Retry.Strategy)
	assert.Equal(t, 3, o.MaxParallelSteps)
	assert.Equal(t, map[string]string{
		"payments":  "http://payments:8080",
		"inventory": "http://inventory:8080",
	}, o.Services)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoader_LoadFromEnv(t *testing.T) {
	t.Setenv("FLOWGUARD_SERVER_HTTP_PORT", "7777")
	t.Setenv("FLOWGUARD_SERVER_CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("FLOWGUARD_STORE_TYPE", "redis")
	t.Setenv("FLOWGUARD_REDIS_ADDR", "env-redis:6379")
	t.Setenv("FLOWGUARD_ORCHESTRATOR_STEP_RETRY_BACKOFF_UNIT", "250ms")
	t.Setenv("FLOWGUARD_ORCHESTRATOR_RETRY_JITTER", "false")
	t.Setenv("FLOWGUARD_ORCHESTRATOR_RETRY_BACKOFF_MULTIPLIER", "1.5")
	t.Setenv("FLOWGUARD_ORCHESTRATOR_SERVICES", "payments=http://pay:1,ledger = http://ledger:2")
	t.Setenv("FLOWGUARD_LOG_LEVEL", "warn")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.HTTPPort)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSAllowedOrigins)
	assert.Equal(t, StoreRedis, cfg.Store.Type)
	assert.Equal(t, "env-redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 250*time.Millisecond, cfg.Orchestrator.StepRetryBackoffUnit)
	assert.False(t, cfg.Orchestrator.Retry.Jitter)
	assert.InDelta(t, 1.5, cfg.Orchestrator.Retry.BackoffMultiplier, 0.0001)
	assert.Equal(t, map[string]string{"payments": "http://pay:1", "ledger": "http://ledger:2"}, cfg.Orchestrator.Services)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  http_port: 8888
redis:
  addr: yaml-redis:6379
  key_prefix: yaml
`)
	t.Setenv("FLOWGUARD_SERVER_HTTP_PORT", "9999")
	t.Setenv("FLOWGUARD_REDIS_ADDR", "env-redis:6379")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.HTTPPort)
	assert.Equal(t, "env-redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "yaml", cfg.Redis.KeyPrefix)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("MYAPP_SERVER_HTTP_PORT", "6666")
	t.Setenv("MYAPP_MONGO_DATABASE", "orders")

	cfg, err := NewLoader().WithEnvPrefix("MYAPP").Load()
	require.NoError(t, err)

	assert.Equal(t, 6666, cfg.Server.HTTPPort)
	assert.Equal(t, "orders", cfg.Mongo.Database)
}

func TestLoader_InvalidEnvValues(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"FLOWGUARD_SERVER_HTTP_PORT", "not-a-number"},
		{"FLOWGUARD_ORCHESTRATOR_PAUSE_POLL_INTERVAL", "soon"},
		{"FLOWGUARD_TELEMETRY_ENABLED", "maybe"},
		{"FLOWGUARD_ORCHESTRATOR_SERVICES", "payments"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := NewLoader().Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestLoader_WithValidator(t *testing.T) {
	t.Setenv("FLOWGUARD_SERVER_HTTP_PORT", "80")

	_, err := NewLoader().
		WithValidator(func(cfg *Config) error {
			if cfg.Server.HTTPPort < 1024 {
				return assert.AnError
			}
			return nil
		}).
		Load()
	assert.ErrorIs(t, err, assert.AnError)
}

func TestLoader_NonExistentFile(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/non/existent/path/flowguard.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoader_InvalidYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  http_port: [invalid
  this is not valid yaml
`)
	_, err := NewLoader().WithConfigPath(path).Load()
	assert.Error(t, err)
}

// --- Config 方法测试 ---

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{name: "valid default config", modify: func(c *Config) {}},
		{name: "negative port", modify: func(c *Config) { c.Server.HTTPPort = -1 }, wantErr: "invalid HTTP port"},
		{name: "port too large", modify: func(c *Config) { c.Server.HTTPPort = 70000 }, wantErr: "invalid HTTP port"},
		{name: "unknown store", modify: func(c *Config) { c.Store.Type = "etcd" }, wantErr: "unsupported store type"},
		{
			name: "database store with unknown driver",
			modify: func(c *Config) {
				c.Store.Type = StoreDatabase
				c.Database.Driver = "oracle"
			},
			wantErr: "unsupported database driver",
		},
		{
			name: "database store with sqlite",
			modify: func(c *Config) {
				c.Store.Type = StoreDatabase
				c.Database.Driver = "sqlite"
			},
		},
		{name: "zero failure threshold", modify: func(c *Config) { c.Orchestrator.CircuitBreaker.FailureThreshold = 0 }, wantErr: "failure_threshold"},
		{name: "zero success threshold", modify: func(c *Config) { c.Orchestrator.CircuitBreaker.SuccessThreshold = 0 }, wantErr: "success_threshold"},
		{name: "zero attempts", modify: func(c *Config) { c.Orchestrator.Retry.MaxAttempts = 0 }, wantErr: "max_attempts"},
		{name: "unknown strategy", modify: func(c *Config) { c.Orchestrator.Retry.Strategy = "random" }, wantErr: "retry.strategy"},
		{
			name: "base delay above max",
			modify: func(c *Config) {
				c.Orchestrator.Retry.BaseDelay = time.Minute
				c.Orchestrator.Retry.MaxDelay = time.Second
			},
			wantErr: "base_delay",
		},
		{name: "zero parallelism", modify: func(c *Config) { c.Orchestrator.MaxParallelSteps = 0 }, wantErr: "max_parallel_steps"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	tests := []struct {
		name     string
		config   DatabaseConfig
		expected string
	}{
		{
			name: "postgres DSN",
			config: DatabaseConfig{
				Driver: "postgres", Host: "localhost", Port: 5432,
				User: "user", Password: "pass", Name: "dbname", SSLMode: "disable",
			},
			expected: "host=localhost port=5432 user=user password=pass dbname=dbname sslmode=disable",
		},
		{
			name: "mysql DSN",
			config: DatabaseConfig{
				Driver: "mysql", Host: "localhost", Port: 3306,
				User: "user", Password: "pass", Name: "dbname",
			},
			expected: "user:pass@tcp(localhost:3306)/dbname?parseTime=true&multiStatements=true",
		},
		{
			name:     "sqlite DSN",
			config:   DatabaseConfig{Driver: "sqlite", Name: "/path/to/db.sqlite"},
			expected: "/path/to/db.sqlite",
		},
		{
			name:     "unknown driver",
			config:   DatabaseConfig{Driver: "unknown"},
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.config.DSN())
		})
	}
}

// --- MustLoad 测试 ---

func TestMustLoad_Success(t *testing.T) {
	path := writeConfig(t, "server:\n  http_port: 8081\n")

	assert.NotPanics(t, func() {
		cfg := MustLoad(path)
		assert.Equal(t, 8081, cfg.Server.HTTPPort)
	})
}

func TestMustLoad_InvalidFile(t *testing.T) {
	path := writeConfig(t, "invalid: [yaml")
	assert.Panics(t, func() { MustLoad(path) })
}

func TestMustLoad_FailsValidation(t *testing.T) {
	path := writeConfig(t, "store:\n  type: etcd\n")
	assert.Panics(t, func() { MustLoad(path) })
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitList(" a, ,b ,"))
	assert.Empty(t, splitList(" , "))
}
