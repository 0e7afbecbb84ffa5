package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"
)

// Loader defines the interface for loading configuration
type Loader interface {
	Load() (*Config, error)
	Validate(*Config) error
}

// ViperLoader implements Loader using Viper for configuration management
type ViperLoader struct {
	configFile string
	envPrefix  string
}

var validTableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

var validDynamoTableName = regexp.MustCompile(`^[A-Za-z0-9_.-]{3,255}$`)

// NewViperLoader creates a new ViperLoader
// configFile: path to configuration file (optional, can be empty)
// envPrefix: prefix for environment variables (e.g., "JOBCOORD")
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	return &ViperLoader{
		configFile: configFile,
		envPrefix:  envPrefix,
	}
}

// Load loads configuration with precedence: ENV > secrets file > file > defaults
func (l *ViperLoader) Load() (*Config, error) {
	v, err := l.newViper()
	if err != nil {
		return nil, err
	}
	return l.unmarshal(v)
}

// newViper layers defaults, the config file, the secrets file and the
// environment into a fresh viper instance.
func (l *ViperLoader) newViper() (*viper.Viper, error) {
	v := viper.New()
	l.setDefaults(v, DefaultConfig())

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			// Only return error if file was explicitly specified but couldn't be read
			return nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	secretsFile, _, err := l.discoverSecretsFile()
	if err != nil {
		return nil, err
	}
	if secretsFile != "" {
		secrets := viper.New()
		secrets.SetConfigFile(secretsFile)
		if err := secrets.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read secrets file %s: %w", secretsFile, err)
		}
		if err := v.MergeConfigMap(secrets.AllSettings()); err != nil {
			return nil, fmt.Errorf("failed to merge secrets: %w", err)
		}
	}

	v.SetEnvPrefix(l.envPrefix)
	l.bindEnvVars(v)
	return v, nil
}

func (l *ViperLoader) unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := l.Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// bindEnvVars explicitly binds environment variables for nested structs
func (l *ViperLoader) bindEnvVars(v *viper.Viper) {
	// Service
	v.BindEnv("service.name", l.prefixedEnv("SERVICE_NAME"))
	v.BindEnv("service.environment", l.prefixedEnv("SERVICE_ENVIRONMENT"), l.prefixedEnv("ENVIRONMENT"))

	// Lock service
	v.BindEnv("lock.provider", l.prefixedEnv("LOCK_PROVIDER"))
	v.BindEnv("lock.redis.urls", l.prefixedEnv("LOCK_REDIS_URLS"))
	v.BindEnv("lock.redis.prefix", l.prefixedEnv("LOCK_REDIS_PREFIX"))
	v.BindEnv("lock.postgres.urls", l.prefixedEnv("LOCK_POSTGRES_URLS"))
	v.BindEnv("lock.postgres.table", l.prefixedEnv("LOCK_POSTGRES_TABLE"))
	v.BindEnv("lock.mysql.dsns", l.prefixedEnv("LOCK_MYSQL_DSNS"))
	v.BindEnv("lock.mysql.table", l.prefixedEnv("LOCK_MYSQL_TABLE"))
	v.BindEnv("lock.dynamodb.regions", l.prefixedEnv("LOCK_DYNAMODB_REGIONS"))
	v.BindEnv("lock.dynamodb.table", l.prefixedEnv("LOCK_DYNAMODB_TABLE"))
	v.BindEnv("lock.dynamodb.endpoint", l.prefixedEnv("LOCK_DYNAMODB_ENDPOINT"))
	v.BindEnv("lock.memory_nodes", l.prefixedEnv("LOCK_MEMORY_NODES"))
	v.BindEnv("lock.operation_timeout", l.prefixedEnv("LOCK_OPERATION_TIMEOUT"))
	v.BindEnv("lock.breaker.enabled", l.prefixedEnv("LOCK_BREAKER_ENABLED"))
	v.BindEnv("lock.breaker.max_failures", l.prefixedEnv("LOCK_BREAKER_MAX_FAILURES"))
	v.BindEnv("lock.breaker.reset_timeout", l.prefixedEnv("LOCK_BREAKER_RESET_TIMEOUT"))

	// Mutex
	v.BindEnv("mutex.drift_factor", l.prefixedEnv("MUTEX_DRIFT_FACTOR"))
	v.BindEnv("mutex.retry_count", l.prefixedEnv("MUTEX_RETRY_COUNT"))
	v.BindEnv("mutex.retry_delay", l.prefixedEnv("MUTEX_RETRY_DELAY"))
	v.BindEnv("mutex.retry_jitter", l.prefixedEnv("MUTEX_RETRY_JITTER"))
	v.BindEnv("mutex.extension_threshold", l.prefixedEnv("MUTEX_EXTENSION_THRESHOLD"))

	// Scheduler
	v.BindEnv("scheduler.shutdown_timeout", l.prefixedEnv("SCHEDULER_SHUTDOWN_TIMEOUT"))

	// Built-in jobs
	v.BindEnv("jobs.check.enabled", l.prefixedEnv("JOBS_CHECK_ENABLED"))
	v.BindEnv("jobs.check.interval", l.prefixedEnv("JOBS_CHECK_INTERVAL"))
	v.BindEnv("jobs.lock_gc.enabled", l.prefixedEnv("JOBS_LOCK_GC_ENABLED"))
	v.BindEnv("jobs.lock_gc.interval", l.prefixedEnv("JOBS_LOCK_GC_INTERVAL"))

	// Observability
	v.BindEnv("observability.log_level", l.prefixedEnv("LOG_LEVEL"))
	v.BindEnv("observability.log_format", l.prefixedEnv("LOG_FORMAT"))
	v.BindEnv("observability.tracing_enabled", l.prefixedEnv("TRACING_ENABLED"))
	v.BindEnv("observability.tracing_endpoint", l.prefixedEnv("TRACING_ENDPOINT"))
	v.BindEnv("observability.tracing_sample_rate", l.prefixedEnv("TRACING_SAMPLE_RATE"))

	// Management
	v.BindEnv("management.enabled", l.prefixedEnv("MGMT_ENABLED"))
	v.BindEnv("management.port", l.prefixedEnv("MGMT_PORT"))
	v.BindEnv("management.read_timeout", l.prefixedEnv("MGMT_READ_TIMEOUT"))
	v.BindEnv("management.write_timeout", l.prefixedEnv("MGMT_WRITE_TIMEOUT"))
}

func (l *ViperLoader) prefixedEnv(suffix string) string {
	prefix := strings.TrimSpace(l.envPrefix)
	if prefix == "" {
		prefix = "JOBCOORD"
	}
	return fmt.Sprintf("%s_%s", strings.ToUpper(prefix), suffix)
}

func (l *ViperLoader) setDefaults(v *viper.Viper, cfg *Config) {
	// Service defaults
	v.SetDefault("service.name", cfg.Service.Name)
	v.SetDefault("service.environment", cfg.Service.Environment)

	// Lock defaults
	v.SetDefault("lock.provider", cfg.Lock.Provider)
	v.SetDefault("lock.redis.urls", cfg.Lock.Redis.URLs)
	v.SetDefault("lock.redis.prefix", cfg.Lock.Redis.Prefix)
	v.SetDefault("lock.postgres.urls", cfg.Lock.Postgres.URLs)
	v.SetDefault("lock.postgres.table", cfg.Lock.Postgres.Table)
	v.SetDefault("lock.mysql.dsns", cfg.Lock.MySQL.DSNs)
	v.SetDefault("lock.mysql.table", cfg.Lock.MySQL.Table)
	v.SetDefault("lock.dynamodb.regions", cfg.Lock.DynamoDB.Regions)
	v.SetDefault("lock.dynamodb.table", cfg.Lock.DynamoDB.Table)
	v.SetDefault("lock.dynamodb.endpoint", cfg.Lock.DynamoDB.Endpoint)
	v.SetDefault("lock.memory_nodes", cfg.Lock.MemoryNodes)
	v.SetDefault("lock.operation_timeout", cfg.Lock.OperationTimeout)
	v.SetDefault("lock.breaker.enabled", cfg.Lock.Breaker.Enabled)
	v.SetDefault("lock.breaker.max_failures", cfg.Lock.Breaker.MaxFailures)
	v.SetDefault("lock.breaker.reset_timeout", cfg.Lock.Breaker.ResetTimeout)

	// Mutex defaults
	v.SetDefault("mutex.drift_factor", cfg.Mutex.DriftFactor)
	v.SetDefault("mutex.retry_count", cfg.Mutex.RetryCount)
	v.SetDefault("mutex.retry_delay", cfg.Mutex.RetryDelay)
	v.SetDefault("mutex.retry_jitter", cfg.Mutex.RetryJitter)
	v.SetDefault("mutex.extension_threshold", cfg.Mutex.ExtensionThreshold)

	v.SetDefault("scheduler.shutdown_timeout", cfg.Scheduler.ShutdownTimeout)

	// Built-in job defaults
	v.SetDefault("jobs.check.enabled", cfg.Jobs.Check.Enabled)
	v.SetDefault("jobs.check.interval", cfg.Jobs.Check.Interval)
	v.SetDefault("jobs.lock_gc.enabled", cfg.Jobs.LockGC.Enabled)
	v.SetDefault("jobs.lock_gc.interval", cfg.Jobs.LockGC.Interval)

	// Observability defaults
	v.SetDefault("observability.log_level", cfg.Observability.LogLevel)
	v.SetDefault("observability.log_format", cfg.Observability.LogFormat)
	v.SetDefault("observability.tracing_enabled", cfg.Observability.TracingEnabled)
	v.SetDefault("observability.tracing_endpoint", cfg.Observability.TracingEndpoint)
	v.SetDefault("observability.tracing_sample_rate", cfg.Observability.TracingSampleRate)

	// Management defaults
	v.SetDefault("management.enabled", cfg.Management.Enabled)
	v.SetDefault("management.port", cfg.Management.Port)
	v.SetDefault("management.read_timeout", cfg.Management.ReadTimeout)
	v.SetDefault("management.write_timeout", cfg.Management.WriteTimeout)
}

// Validate normalizes cfg in place and reports every invalid setting at once.
func (l *ViperLoader) Validate(cfg *Config) error {
	cfg.Lock.Redis.URLs = normalizeStringSlice(cfg.Lock.Redis.URLs)
	cfg.Lock.Postgres.URLs = normalizeStringSlice(cfg.Lock.Postgres.URLs)
	cfg.Lock.MySQL.DSNs = normalizeStringSlice(cfg.Lock.MySQL.DSNs)
	cfg.Lock.DynamoDB.Regions = normalizeStringSlice(cfg.Lock.DynamoDB.Regions)
	cfg.Lock.Provider = strings.ToLower(strings.TrimSpace(cfg.Lock.Provider))
	return cfg.Validate()
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Service.Name) == "" {
		errs = append(errs, errors.New("service.name is required"))
	}

	validProviders := []string{LockProviderRedis, LockProviderPostgres, LockProviderMySQL, LockProviderDynamoDB, LockProviderMemory}
	switch c.Lock.Provider {
	case LockProviderRedis:
		if len(c.Lock.Redis.URLs) == 0 {
			errs = append(errs, errors.New("lock.redis.urls must contain at least one url when lock.provider is redis"))
		}
		if strings.TrimSpace(c.Lock.Redis.Prefix) == "" {
			errs = append(errs, errors.New("lock.redis.prefix is required"))
		}
	case LockProviderPostgres:
		if len(c.Lock.Postgres.URLs) == 0 {
			errs = append(errs, errors.New("lock.postgres.urls must contain at least one url when lock.provider is postgres"))
		}
		if !validTableName.MatchString(c.Lock.Postgres.Table) {
			errs = append(errs, fmt.Errorf("invalid lock.postgres.table: %q", c.Lock.Postgres.Table))
		}
	case LockProviderMySQL:
		if len(c.Lock.MySQL.DSNs) == 0 {
			errs = append(errs, errors.New("lock.mysql.dsns must contain at least one dsn when lock.provider is mysql"))
		}
		for _, dsn := range c.Lock.MySQL.DSNs {
			if _, err := mysql.ParseDSN(dsn); err != nil {
				errs = append(errs, fmt.Errorf("invalid lock.mysql.dsns entry %s: %w", RedactDSN(dsn), err))
			}
		}
		if !validTableName.MatchString(c.Lock.MySQL.Table) {
			errs = append(errs, fmt.Errorf("invalid lock.mysql.table: %q", c.Lock.MySQL.Table))
		}
	case LockProviderDynamoDB:
		if len(c.Lock.DynamoDB.Regions) == 0 {
			errs = append(errs, errors.New("lock.dynamodb.regions must contain at least one region when lock.provider is dynamodb"))
		}
		if !validDynamoTableName.MatchString(c.Lock.DynamoDB.Table) {
			errs = append(errs, fmt.Errorf("invalid lock.dynamodb.table: %q", c.Lock.DynamoDB.Table))
		}
	case LockProviderMemory:
		if c.Lock.MemoryNodes <= 0 {
			errs = append(errs, errors.New("lock.memory_nodes must be > 0"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid lock.provider: %s (must be one of: %v)", c.Lock.Provider, validProviders))
	}
	if hasDuplicates(c.Lock.Redis.URLs) || hasDuplicates(c.Lock.Postgres.URLs) || hasDuplicates(c.Lock.MySQL.DSNs) ||
		hasDuplicates(c.Lock.DynamoDB.Regions) {
		errs = append(errs, errors.New("lock node urls must be unique"))
	}
	if c.Lock.OperationTimeout <= 0 {
		errs = append(errs, errors.New("lock.operation_timeout must be > 0"))
	}
	if c.Lock.Breaker.Enabled {
		if c.Lock.Breaker.MaxFailures <= 0 {
			errs = append(errs, errors.New("lock.breaker.max_failures must be > 0 when the breaker is enabled"))
		}
		if c.Lock.Breaker.ResetTimeout <= 0 {
			errs = append(errs, errors.New("lock.breaker.reset_timeout must be > 0 when the breaker is enabled"))
		}
	}

	if c.Mutex.DriftFactor < 0 || c.Mutex.DriftFactor >= 1 {
		errs = append(errs, fmt.Errorf("invalid mutex.drift_factor: %v (must be in [0, 1))", c.Mutex.DriftFactor))
	}
	if c.Mutex.RetryDelay < 0 || c.Mutex.RetryJitter < 0 || c.Mutex.ExtensionThreshold < 0 {
		errs = append(errs, errors.New("mutex durations cannot be negative"))
	}

	if c.Scheduler.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("scheduler.shutdown_timeout cannot be negative"))
	}
	if c.Jobs.Check.Enabled && c.Jobs.Check.Interval <= 0 {
		errs = append(errs, errors.New("jobs.check.interval must be > 0 when the check is enabled"))
	}
	if c.Jobs.LockGC.Enabled && c.Jobs.LockGC.Interval <= 0 {
		errs = append(errs, errors.New("jobs.lock_gc.interval must be > 0 when lock gc is enabled"))
	}

	validLogLevels := []string{"debug", "info", "warn", "warning", "error"}
	if !contains(validLogLevels, strings.ToLower(c.Observability.LogLevel)) {
		errs = append(errs, fmt.Errorf("invalid observability.log_level: %s (must be one of: %v)", c.Observability.LogLevel, validLogLevels))
	}
	validLogFormats := []string{"json", "text", "console"}
	if !contains(validLogFormats, strings.ToLower(c.Observability.LogFormat)) {
		errs = append(errs, fmt.Errorf("invalid observability.log_format: %s (must be one of: %v)", c.Observability.LogFormat, validLogFormats))
	}
	if c.Observability.TracingEnabled {
		if strings.TrimSpace(c.Observability.TracingEndpoint) == "" {
			errs = append(errs, errors.New("observability.tracing_endpoint is required when tracing is enabled"))
		}
		if c.Observability.TracingSampleRate < 0 || c.Observability.TracingSampleRate > 1 {
			errs = append(errs, errors.New("observability.tracing_sample_rate must be between 0 and 1"))
		}
	}

	if c.Management.Enabled {
		if c.Management.Port <= 0 || c.Management.Port > 65535 {
			errs = append(errs, fmt.Errorf("invalid management.port: %d (must be between 1 and 65535)", c.Management.Port))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// contains checks if a string slice contains a specific string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func hasDuplicates(values []string) bool {
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		if _, ok := seen[value]; ok {
			return true
		}
		seen[value] = struct{}{}
	}
	return false
}

// normalizeStringSlice removes empty strings and trims whitespace
func normalizeStringSlice(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
