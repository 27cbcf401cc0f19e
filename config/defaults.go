// =============================================================================
// 📦 flowguard 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// 存储后端类型
const (
	StoreMemory   = "memory"
	StoreDatabase = "database"
	StoreRedis    = "redis"
	StoreMongo    = "mongo"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:       DefaultServerConfig(),
		Store:        DefaultStoreConfig(),
		Database:     DefaultDatabaseConfig(),
		Redis:        DefaultRedisConfig(),
		Mongo:        DefaultMongoConfig(),
		Orchestrator: DefaultOrchestratorConfig(),
		Log:          DefaultLogConfig(),
		Telemetry:    DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     0,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultStoreConfig 默认使用内存存储
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type:        StoreMemory,
		AutoMigrate: true,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		KeyPrefix:    "flowguard",
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "flowguard",
		Password:        "",
		Name:            "flowguard",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultMongoConfig 返回默认 MongoDB 配置
func DefaultMongoConfig() MongoConfig {
	return MongoConfig{
		URI:      "mongodb://localhost:27017",
		Database: "flowguard",
		Timeout:  10 * time.Second,
	}
}

// DefaultOrchestratorConfig 返回默认引擎参数
// 通用重试层默认只尝试一次，步骤级重试由 max_retries 控制
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			Timeout:          60 * time.Second,
			SuccessThreshold: 3,
			HalfOpenMaxCalls: 3,
		},
		Retry: RetryConfig{
			MaxAttempts:       1,
			Strategy:          "exponential_backoff",
			BaseDelay:         time.Second,
			MaxDelay:          60 * time.Second,
			BackoffMultiplier: 2,
			Jitter:            true,
		},
		StepRetryBackoffUnit: time.Second,
		StepRetryMaxBackoff:  5 * time.Minute,
		MaxParallelSteps:     10,
		PausePollInterval:    500 * time.Millisecond,
		DefaultStepTimeout:   30 * time.Second,
		Services:             map[string]string{},
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "flowguard",
		SampleRate:   0.1,
	}
}
