package config

import (
	"fmt"
	"net/url"
	"slices"
)

// ValidationIssue describes a problem with a config value.
type ValidationIssue struct {
	Path    string
	Message string
}

func (v ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// Validate checks a Config for issues. Returns nil if valid.
func Validate(cfg *Config) []ValidationIssue {
	var issues []ValidationIssue

	// Identity validation
	if cfg.Identity.Issuer == "" {
		issues = append(issues, ValidationIssue{
			Path:    "identity.issuer",
			Message: "issuer is required",
		})
	} else if !validHTTPURL(cfg.Identity.Issuer) {
		issues = append(issues, ValidationIssue{
			Path:    "identity.issuer",
			Message: fmt.Sprintf("must be an http(s) URL, got %q", cfg.Identity.Issuer),
		})
	}
	if cfg.Identity.Audience == "" {
		issues = append(issues, ValidationIssue{
			Path:    "identity.audience",
			Message: "audience is required",
		})
	}
	if cfg.Identity.JWKSURL != "" && !validHTTPURL(cfg.Identity.JWKSURL) {
		issues = append(issues, ValidationIssue{
			Path:    "identity.jwksUrl",
			Message: fmt.Sprintf("must be an http(s) URL, got %q", cfg.Identity.JWKSURL),
		})
	}
	if cfg.Identity.KeyTTLMins < 0 {
		issues = append(issues, ValidationIssue{
			Path:    "identity.keyTtlMinutes",
			Message: fmt.Sprintf("must be non-negative, got %d", cfg.Identity.KeyTTLMins),
		})
	}

	// Session validation
	if cfg.Session.TTLMinutes < 1 {
		issues = append(issues, ValidationIssue{
			Path:    "session.ttlMinutes",
			Message: fmt.Sprintf("must be at least 1, got %d", cfg.Session.TTLMinutes),
		})
	}
	if cfg.Session.IdleMinutes < 1 {
		issues = append(issues, ValidationIssue{
			Path:    "session.idleMinutes",
			Message: fmt.Sprintf("must be at least 1, got %d", cfg.Session.IdleMinutes),
		})
	}
	if cfg.Session.IdleMinutes > cfg.Session.TTLMinutes {
		issues = append(issues, ValidationIssue{
			Path:    "session.idleMinutes",
			Message: "idle window cannot exceed the session lifetime",
		})
	}
	if cfg.Session.MaxMessages < 1 {
		issues = append(issues, ValidationIssue{
			Path:    "session.maxMessages",
			Message: fmt.Sprintf("must be at least 1, got %d", cfg.Session.MaxMessages),
		})
	}

	validStores := []string{"sqlite", "file"}
	if cfg.Session.Store != "" && !slices.Contains(validStores, cfg.Session.Store) {
		issues = append(issues, ValidationIssue{
			Path:    "session.store",
			Message: fmt.Sprintf("must be one of %v, got %q", validStores, cfg.Session.Store),
		})
	}

	// Records validation
	if cfg.Records.BaseURL == "" {
		issues = append(issues, ValidationIssue{
			Path:    "records.baseUrl",
			Message: "baseUrl is required",
		})
	} else if !validHTTPURL(cfg.Records.BaseURL) {
		issues = append(issues, ValidationIssue{
			Path:    "records.baseUrl",
			Message: fmt.Sprintf("must be an http(s) URL, got %q", cfg.Records.BaseURL),
		})
	}

	// Vault validation
	if cfg.Vault.Secret == "" {
		issues = append(issues, ValidationIssue{
			Path:    "vault.secret",
			Message: "secret is required; set it to ${REGENT_VAULT_SECRET} and export the variable",
		})
	}

	// Server validation
	validTransports := []string{"stdio", "http", "sse"}
	if cfg.Server.Transport != "" && !slices.Contains(validTransports, cfg.Server.Transport) {
		issues = append(issues, ValidationIssue{
			Path:    "server.transport",
			Message: fmt.Sprintf("must be one of %v, got %q", validTransports, cfg.Server.Transport),
		})
	}
	if cfg.Server.Transport != "stdio" && cfg.Server.Addr == "" {
		issues = append(issues, ValidationIssue{
			Path:    "server.addr",
			Message: "addr is required for network transports",
		})
	}

	// Policy validation
	validOps := []string{"search", "create", "update", "help"}
	for role, ops := range cfg.Policy.Roles {
		for _, op := range ops {
			if !slices.Contains(validOps, op) {
				issues = append(issues, ValidationIssue{
					Path:    "policy.roles." + role,
					Message: fmt.Sprintf("unknown operation %q, must be one of %v", op, validOps),
				})
			}
		}
	}

	// Logging validation
	validLogLevels := []string{"silent", "fatal", "error", "warn", "info", "debug", "trace"}
	if cfg.Logging.Level != "" && !slices.Contains(validLogLevels, cfg.Logging.Level) {
		issues = append(issues, ValidationIssue{
			Path:    "logging.level",
			Message: fmt.Sprintf("must be one of %v, got %q", validLogLevels, cfg.Logging.Level),
		})
	}

	return issues
}

func validHTTPURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
