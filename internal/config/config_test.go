package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, 60, cfg.Identity.KeyTTLMins)
	assert.Equal(t, 30, cfg.Identity.LeewaySecs)
	assert.Equal(t, 60, cfg.Session.TTLMinutes)
	assert.Equal(t, 30, cfg.Session.IdleMinutes)
	assert.Equal(t, 100, cfg.Session.MaxMessages)
	assert.Equal(t, "sqlite", cfg.Session.Store)
	assert.Equal(t, "stdio", cfg.Server.Transport)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.yaml")
	require.NoError(t, err)
	// Should return defaults
	assert.Equal(t, 60, cfg.Session.TTLMinutes)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadValidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	yaml := `
identity:
  issuer: https://id.example.com
  audience: records-api
session:
  ttlMinutes: 45
  idleMinutes: 15
  maxMessages: 50
  store: file
records:
  baseUrl: https://records.example.com
vault:
  secret: test-secret
server:
  transport: http
  addr: 127.0.0.1:9999
logging:
  level: debug
policy:
  roles:
    auditor: [search]
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://id.example.com", cfg.Identity.Issuer)
	assert.Equal(t, "records-api", cfg.Identity.Audience)
	// Derived from the issuer when not given.
	assert.Equal(t, "https://id.example.com/.well-known/jwks.json", cfg.Identity.JWKSURL)
	assert.Equal(t, 45, cfg.Session.TTLMinutes)
	assert.Equal(t, 15, cfg.Session.IdleMinutes)
	assert.Equal(t, 50, cfg.Session.MaxMessages)
	assert.Equal(t, "file", cfg.Session.Store)
	assert.Equal(t, "https://records.example.com", cfg.Records.BaseURL)
	assert.Equal(t, "test-secret", cfg.Vault.Secret)
	assert.Equal(t, "http", cfg.Server.Transport)
	assert.Equal(t, "127.0.0.1:9999", cfg.Server.Addr)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, []string{"search"}, cfg.Policy.Roles["auditor"])

	// Untouched fields keep their defaults.
	assert.Equal(t, 60, cfg.Identity.KeyTTLMins)
	assert.Equal(t, 10, cfg.Records.TimeoutSeconds)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{{invalid yaml"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("REGENT_ISSUER", "https://env.example.com")
	t.Setenv("REGENT_SESSION_TTL_MINUTES", "15")
	t.Setenv("REGENT_LOG_LEVEL", "TRACE")

	cfg, err := Load("/nonexistent/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, "https://env.example.com", cfg.Identity.Issuer)
	assert.Equal(t, 15, cfg.Session.TTLMinutes)
	assert.Equal(t, "trace", cfg.Logging.Level)
}

func TestExpandSensitiveFields(t *testing.T) {
	t.Setenv("TEST_VAULT_SECRET", "from-env")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	yaml := `
vault:
  secret: ${TEST_VAULT_SECRET}
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Vault.Secret)
}

func TestExpandUnsetVarLeftAlone(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("vault:\n  secret: ${DEFINITELY_NOT_SET_VAR}\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "${DEFINITELY_NOT_SET_VAR}", cfg.Vault.Secret)
}

func TestLoadRawSaveRaw(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	raw := map[string]any{
		"logging": map[string]any{"level": "debug"},
	}
	require.NoError(t, SaveRaw(path, raw))

	loaded, err := LoadRaw(path)
	require.NoError(t, err)
	v, ok := GetValueAtPath(loaded, []string{"logging", "level"})
	require.True(t, ok)
	assert.Equal(t, "debug", v)
}
