package config

import (
	"fmt"
	"sort"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// flagKeys maps command-line flags onto configuration keys.
var flagKeys = map[string]string{
	"lock-provider":   "lock.provider",
	"redis-url":       "lock.redis.urls",
	"postgres-url":    "lock.postgres.urls",
	"mysql-dsn":       "lock.mysql.dsns",
	"dynamodb-region": "lock.dynamodb.regions",
	"log-level":       "observability.log_level",
	"log-format":      "observability.log_format",
	"management-port": "management.port",
}

// RegisterFlags adds the configuration override flags to flags. Defaults are
// left empty so an unset flag never shadows the file or the environment.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String("lock-provider", "", "lock service provider (redis|postgres|mysql|dynamodb|memory)")
	flags.StringSlice("redis-url", nil, "redis lock node url, repeat for each node")
	flags.StringSlice("postgres-url", nil, "postgres lock node url, repeat for each node")
	flags.StringSlice("mysql-dsn", nil, "mysql lock node dsn, repeat for each node")
	flags.StringSlice("dynamodb-region", nil, "dynamodb lock node region, repeat for each node")
	flags.String("log-level", "", "log level (debug|info|warn|error)")
	flags.String("log-format", "", "log format (json|text)")
	flags.Int("management-port", 0, "management server port")
}

// ConfigProvider loads configuration with precedence
// flags > ENV > secrets file > file > defaults.
type ConfigProvider struct {
	loader *ViperLoader
	v      *viper.Viper
	flags  *pflag.FlagSet
}

func NewConfigProvider(configFile, envPrefix string) *ConfigProvider {
	return &ConfigProvider{
		loader: NewViperLoader(configFile, envPrefix),
		v:      viper.New(),
	}
}

func (p *ConfigProvider) WithFlags(flags *pflag.FlagSet) *ConfigProvider {
	p.flags = flags
	return p
}

// ConfigFile returns the path to the config file that was loaded, or empty string if none.
func (p *ConfigProvider) ConfigFile() string {
	if p.loader == nil {
		return ""
	}
	return p.loader.configFile
}

// Load builds and validates the effective configuration.
func (p *ConfigProvider) Load() (*Config, error) {
	v, err := p.loader.newViper()
	if err != nil {
		return nil, err
	}
	if p.flags != nil {
		if err := applyFlags(v, p.flags); err != nil {
			return nil, err
		}
	}
	p.v = v
	return p.loader.unmarshal(v)
}

// AllSettings returns the effective merged settings currently held by the provider.
func (p *ConfigProvider) AllSettings() map[string]any {
	if p == nil || p.v == nil {
		return map[string]any{}
	}
	return p.v.AllSettings()
}

func applyFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	names := make([]string, 0, len(flagKeys))
	for name := range flagKeys {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		flag := flags.Lookup(name)
		if flag == nil || !flag.Changed {
			continue
		}
		if err := v.BindPFlag(flagKeys[name], flag); err != nil {
			return fmt.Errorf("bind flag --%s: %w", name, err)
		}
	}
	return nil
}
