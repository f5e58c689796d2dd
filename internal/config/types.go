package config

// Config is the root configuration for regent.
type Config struct {
	Identity IdentityConfig `yaml:"identity,omitempty"`
	Session  SessionConfig  `yaml:"session,omitempty"`
	Records  RecordsConfig  `yaml:"records,omitempty"`
	Vault    VaultConfig    `yaml:"vault,omitempty"`
	Server   ServerConfig   `yaml:"server,omitempty"`
	Policy   PolicyConfig   `yaml:"policy,omitempty"`
	Logging  LoggingConfig  `yaml:"logging,omitempty"`
}

// IdentityConfig points at the identity provider and pins what a valid
// credential must carry.
type IdentityConfig struct {
	Issuer           string `yaml:"issuer"`
	Audience         string `yaml:"audience"`
	JWKSURL          string `yaml:"jwksUrl,omitempty"` // defaults to issuer + /.well-known/jwks.json
	ClientID         string `yaml:"clientId,omitempty"`
	KeyTTLMins       int    `yaml:"keyTtlMinutes,omitempty"`
	LeewaySecs       int    `yaml:"leewaySeconds,omitempty"`
	ExpiryBufferMins int    `yaml:"expiryBufferMinutes,omitempty"`
}

// SessionConfig defines session lifetimes and the durable backend.
type SessionConfig struct {
	TTLMinutes   int    `yaml:"ttlMinutes,omitempty"`
	IdleMinutes  int    `yaml:"idleMinutes,omitempty"`
	MaxMessages  int    `yaml:"maxMessages,omitempty"`
	SweepSeconds int    `yaml:"sweepSeconds,omitempty"`
	Store        string `yaml:"store,omitempty"` // "sqlite" | "file"
}

// RecordsConfig points at the records-management API.
type RecordsConfig struct {
	BaseURL        string `yaml:"baseUrl"`
	TimeoutSeconds int    `yaml:"timeoutSeconds,omitempty"`
}

// VaultConfig configures credential encryption at rest. The secret can be
// given as ${ENV_VAR}.
type VaultConfig struct {
	Secret string `yaml:"secret"`
}

// ServerConfig controls how the tool server is exposed.
type ServerConfig struct {
	Transport string `yaml:"transport,omitempty"` // "stdio" | "http" | "sse"
	Addr      string `yaml:"addr,omitempty"`
}

// PolicyConfig overrides the built-in role grant table. An entry replaces
// the full grant list for its role.
type PolicyConfig struct {
	Roles map[string][]string `yaml:"roles,omitempty"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level     string `yaml:"level,omitempty"` // "silent" | "fatal" | "error" | "warn" | "info" | "debug" | "trace"
	File      string `yaml:"file,omitempty"`
	AuditFile string `yaml:"auditFile,omitempty"`
}
