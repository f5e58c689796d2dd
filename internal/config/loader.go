package config

import (
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR_NAME} patterns in strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR} patterns with environment variable values.
// Unset variables are left unchanged.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

// expandSensitiveFields processes environment variable references in
// credential fields so secrets can be stored as ${ENV_VAR}.
func expandSensitiveFields(cfg *Config) {
	cfg.Vault.Secret = expandEnvVars(cfg.Vault.Secret)
	cfg.Identity.ClientID = expandEnvVars(cfg.Identity.ClientID)
}

// Load reads the config file, applies environment overrides, and returns
// a merged Config. Missing files produce defaults only.
func Load(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&cfg)
			return cfg, nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, &ConfigError{Message: "failed to parse config: " + err.Error()}
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	expandSensitiveFields(&cfg)
	return cfg, nil
}

// LoadRaw reads the config file into a generic map for path-based access.
func LoadRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, err
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ConfigError{Message: "failed to parse config: " + err.Error()}
	}
	return raw, nil
}

// SaveRaw writes a generic map back to a YAML config file.
func SaveRaw(path string, raw map[string]any) error {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// applyDefaults fills zero-value fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Identity.KeyTTLMins == 0 {
		cfg.Identity.KeyTTLMins = 60
	}
	if cfg.Identity.LeewaySecs == 0 {
		cfg.Identity.LeewaySecs = 30
	}
	if cfg.Identity.ExpiryBufferMins == 0 {
		cfg.Identity.ExpiryBufferMins = 5
	}
	if cfg.Identity.JWKSURL == "" && cfg.Identity.Issuer != "" {
		cfg.Identity.JWKSURL = strings.TrimRight(cfg.Identity.Issuer, "/") + "/.well-known/jwks.json"
	}
	if cfg.Session.TTLMinutes == 0 {
		cfg.Session.TTLMinutes = 60
	}
	if cfg.Session.IdleMinutes == 0 {
		cfg.Session.IdleMinutes = 30
	}
	if cfg.Session.MaxMessages == 0 {
		cfg.Session.MaxMessages = 100
	}
	if cfg.Session.SweepSeconds == 0 {
		cfg.Session.SweepSeconds = 60
	}
	if cfg.Session.Store == "" {
		cfg.Session.Store = "sqlite"
	}
	if cfg.Records.TimeoutSeconds == 0 {
		cfg.Records.TimeoutSeconds = 10
	}
	if cfg.Server.Transport == "" {
		cfg.Server.Transport = "stdio"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = "127.0.0.1:18890"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// applyEnvOverrides reads REGENT_* environment variables and overrides config values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("REGENT_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("REGENT_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("REGENT_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("REGENT_RECORDS_URL"); v != "" {
		cfg.Records.BaseURL = v
	}
	if v := os.Getenv("REGENT_VAULT_SECRET"); v != "" {
		cfg.Vault.Secret = v
	}
	if v := os.Getenv("REGENT_TRANSPORT"); v != "" {
		cfg.Server.Transport = v
	}
	if v := os.Getenv("REGENT_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("REGENT_SESSION_TTL_MINUTES"); v != "" {
		if mins, err := strconv.Atoi(v); err == nil && mins > 0 {
			cfg.Session.TTLMinutes = mins
		}
	}
	if v := os.Getenv("REGENT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
}
