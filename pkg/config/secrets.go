package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-sql-driver/mysql"
)

const redactedPassword = "xxxxx"

// discoverSecretsFile finds the secrets file holding lock node credentials:
// 1. Check <ENV_PREFIX>_SECRETS_FILE (default JOBCOORD_SECRETS_FILE)
// 2. If configFile is set, look for secrets.{ext} in same directory
// 3. Look for secrets.yaml in current directory
// Returns the path, whether it came from explicit env var, and an error for invalid explicit env values.
func (l *ViperLoader) discoverSecretsFile() (string, bool, error) {
	secretsEnv := l.prefixedEnv("SECRETS_FILE")
	if rawSecretsFile, ok := os.LookupEnv(secretsEnv); ok {
		secretsFile := strings.TrimSpace(rawSecretsFile)
		if secretsFile == "" {
			return "", true, fmt.Errorf("%s is set but empty", secretsEnv)
		}
		info, err := os.Stat(secretsFile)
		if err != nil {
			return "", true, fmt.Errorf("%s points to an inaccessible file %s: %w", secretsEnv, secretsFile, err)
		}
		if info.IsDir() {
			return "", true, fmt.Errorf("%s must point to a file, got directory %s", secretsEnv, secretsFile)
		}
		return secretsFile, true, nil
	}

	if l.configFile != "" {
		dir := filepath.Dir(l.configFile)
		ext := filepath.Ext(l.configFile)
		secretsFile := filepath.Join(dir, "secrets"+ext)
		if info, err := os.Stat(secretsFile); err == nil && !info.IsDir() {
			return secretsFile, false, nil
		}
	}

	for _, ext := range []string{".yaml", ".yml", ".json", ".toml"} {
		secretsFile := "secrets" + ext
		if info, err := os.Stat(secretsFile); err == nil && !info.IsDir() {
			return secretsFile, false, nil
		}
	}

	return "", false, nil
}

// Redacted returns a copy of c with passwords in lock node URLs masked.
func (c *Config) Redacted() *Config {
	out := *c
	out.Lock.Redis.URLs = redactURLs(c.Lock.Redis.URLs)
	out.Lock.Postgres.URLs = redactURLs(c.Lock.Postgres.URLs)
	out.Lock.MySQL.DSNs = make([]string, len(c.Lock.MySQL.DSNs))
	for i, dsn := range c.Lock.MySQL.DSNs {
		out.Lock.MySQL.DSNs[i] = RedactDSN(dsn)
	}
	return &out
}

func redactURLs(values []string) []string {
	out := make([]string, len(values))
	for i, value := range values {
		out[i] = RedactURL(value)
	}
	return out
}

// RedactURL masks the password of a connection URL. Values that do not parse
// are fully masked.
func RedactURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return redactedPassword
	}
	if parsed.User == nil {
		return raw
	}
	if _, hasPassword := parsed.User.Password(); !hasPassword {
		return raw
	}
	return parsed.Redacted()
}

// RedactDSN masks the password of a MySQL DSN. Values that do not parse are
// fully masked.
func RedactDSN(raw string) string {
	cfg, err := mysql.ParseDSN(raw)
	if err != nil {
		return redactedPassword
	}
	if cfg.Passwd == "" {
		return raw
	}
	cfg.Passwd = redactedPassword
	return cfg.FormatDSN()
}
