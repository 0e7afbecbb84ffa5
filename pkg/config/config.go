// Package config loads and validates the coordinator configuration.
package config

import "time"

// Lock provider constants
const (
	// LockProviderRedis stores locks in one or more independent Redis servers
	LockProviderRedis = "redis"
	// LockProviderPostgres stores locks in one or more PostgreSQL databases
	LockProviderPostgres = "postgres"
	// LockProviderMySQL stores locks in one or more MySQL databases
	LockProviderMySQL = "mysql"
	// LockProviderDynamoDB stores locks in DynamoDB tables, one per region
	LockProviderDynamoDB = "dynamodb"
	// LockProviderMemory keeps locks in process, for development and tests
	LockProviderMemory = "memory"
)

// Config is the root configuration of a job coordinator process.
type Config struct {
	Service       ServiceConfig       `mapstructure:"service" yaml:"service"`
	Lock          LockConfig          `mapstructure:"lock" yaml:"lock"`
	Mutex         MutexConfig         `mapstructure:"mutex" yaml:"mutex"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler" yaml:"scheduler"`
	Jobs          JobsConfig          `mapstructure:"jobs" yaml:"jobs"`
	Observability ObservabilityConfig `mapstructure:"observability" yaml:"observability"`
	Management    ManagementConfig    `mapstructure:"management" yaml:"management"`
}

// ServiceConfig configures service identity metadata.
type ServiceConfig struct {
	Name        string `mapstructure:"name" yaml:"name"`
	Environment string `mapstructure:"environment" yaml:"environment"`
}

// LockConfig selects and configures the lock service nodes.
// Each URL is one independent node; the mutex needs a majority of them.
type LockConfig struct {
	Provider         string             `mapstructure:"provider" yaml:"provider"`
	Redis            RedisLockConfig    `mapstructure:"redis" yaml:"redis"`
	Postgres         PostgresLockConfig `mapstructure:"postgres" yaml:"postgres"`
	MySQL            MySQLLockConfig    `mapstructure:"mysql" yaml:"mysql"`
	DynamoDB         DynamoDBLockConfig `mapstructure:"dynamodb" yaml:"dynamodb"`
	MemoryNodes      int                `mapstructure:"memory_nodes" yaml:"memory_nodes"`
	OperationTimeout time.Duration      `mapstructure:"operation_timeout" yaml:"operation_timeout"`
	Breaker          LockBreakerConfig  `mapstructure:"breaker" yaml:"breaker"`
}

// RedisLockConfig configures Redis lock nodes.
type RedisLockConfig struct {
	URLs   []string `mapstructure:"urls" yaml:"urls"`
	Prefix string   `mapstructure:"prefix" yaml:"prefix"`
}

// PostgresLockConfig configures PostgreSQL lock nodes.
type PostgresLockConfig struct {
	URLs  []string `mapstructure:"urls" yaml:"urls"`
	Table string   `mapstructure:"table" yaml:"table"`
}

// MySQLLockConfig configures MySQL lock nodes. DSNs use the
// go-sql-driver format: user:pass@tcp(host:3306)/db.
type MySQLLockConfig struct {
	DSNs  []string `mapstructure:"dsns" yaml:"dsns"`
	Table string   `mapstructure:"table" yaml:"table"`
}

// DynamoDBLockConfig configures DynamoDB lock nodes. Each region is one node
// holding its own copy of Table. Endpoint overrides the AWS endpoint, e.g.
// for DynamoDB Local.
type DynamoDBLockConfig struct {
	Regions  []string `mapstructure:"regions" yaml:"regions"`
	Table    string   `mapstructure:"table" yaml:"table"`
	Endpoint string   `mapstructure:"endpoint" yaml:"endpoint"`
}

// LockBreakerConfig configures the per-node circuit breaker.
type LockBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	MaxFailures  int           `mapstructure:"max_failures" yaml:"max_failures"`
	ResetTimeout time.Duration `mapstructure:"reset_timeout" yaml:"reset_timeout"`
}

// MutexConfig tunes acquisition retries and lease extension.
type MutexConfig struct {
	DriftFactor        float64       `mapstructure:"drift_factor" yaml:"drift_factor"`
	RetryCount         int           `mapstructure:"retry_count" yaml:"retry_count"`
	RetryDelay         time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	RetryJitter        time.Duration `mapstructure:"retry_jitter" yaml:"retry_jitter"`
	ExtensionThreshold time.Duration `mapstructure:"extension_threshold" yaml:"extension_threshold"`
}

// SchedulerConfig configures the job runtime.
type SchedulerConfig struct {
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// JobsConfig toggles the built-in maintenance jobs.
type JobsConfig struct {
	Check  BuiltinJobConfig `mapstructure:"check" yaml:"check"`
	LockGC BuiltinJobConfig `mapstructure:"lock_gc" yaml:"lock_gc"`
}

// BuiltinJobConfig enables a built-in job and sets its frequency.
type BuiltinJobConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

// ObservabilityConfig configures logging and tracing.
type ObservabilityConfig struct {
	LogLevel          string  `mapstructure:"log_level" yaml:"log_level"`
	LogFormat         string  `mapstructure:"log_format" yaml:"log_format"`
	TracingEnabled    bool    `mapstructure:"tracing_enabled" yaml:"tracing_enabled"`
	TracingEndpoint   string  `mapstructure:"tracing_endpoint" yaml:"tracing_endpoint"`
	TracingSampleRate float64 `mapstructure:"tracing_sample_rate" yaml:"tracing_sample_rate"`
}

// ManagementConfig configures the management server (health, readiness, metrics).
type ManagementConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	Port         int           `mapstructure:"port" yaml:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// DefaultConfig returns configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "jobcoord",
			Environment: "production",
		},
		Lock: LockConfig{
			Provider: LockProviderRedis,
			Redis: RedisLockConfig{
				URLs:   []string{},
				Prefix: "jobcoord:lock",
			},
			Postgres: PostgresLockConfig{
				URLs:  []string{},
				Table: "jobcoord_locks",
			},
			MySQL: MySQLLockConfig{
				DSNs:  []string{},
				Table: "jobcoord_locks",
			},
			DynamoDB: DynamoDBLockConfig{
				Regions: []string{},
				Table:   "jobcoord_locks",
			},
			MemoryNodes:      1,
			OperationTimeout: 3 * time.Second,
			Breaker: LockBreakerConfig{
				Enabled:      true,
				MaxFailures:  5,
				ResetTimeout: 30 * time.Second,
			},
		},
		Mutex: MutexConfig{
			DriftFactor:        0.01,
			RetryCount:         20,
			RetryDelay:         200 * time.Millisecond,
			RetryJitter:        200 * time.Millisecond,
			ExtensionThreshold: 500 * time.Millisecond,
		},
		Scheduler: SchedulerConfig{
			ShutdownTimeout: 30 * time.Second,
		},
		Jobs: JobsConfig{
			Check: BuiltinJobConfig{
				Enabled:  false,
				Interval: time.Minute,
			},
			LockGC: BuiltinJobConfig{
				Enabled:  true,
				Interval: 10 * time.Minute,
			},
		},
		Observability: ObservabilityConfig{
			LogLevel:          "info",
			LogFormat:         "json",
			TracingEnabled:    false,
			TracingEndpoint:   "localhost:4317",
			TracingSampleRate: 0.1,
		},
		Management: ManagementConfig{
			Enabled:      true,
			Port:         9090,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}
