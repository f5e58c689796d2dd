package config

import "fmt"

// ConfigError represents a configuration error.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s", e.Message)
}

// Defaults returns a Config with sensible defaults applied.
func Defaults() Config {
	return Config{
		Identity: IdentityConfig{
			KeyTTLMins:       60,
			LeewaySecs:       30,
			ExpiryBufferMins: 5,
		},
		Session: SessionConfig{
			TTLMinutes:   60,
			IdleMinutes:  30,
			MaxMessages:  100,
			SweepSeconds: 60,
			Store:        "sqlite",
		},
		Records: RecordsConfig{
			TimeoutSeconds: 10,
		},
		Server: ServerConfig{
			Transport: "stdio",
			Addr:      "127.0.0.1:18890",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}
