package config

import (
	"os"
	"strconv"
)

// LoadFromEnv overlays environment variables onto a loaded config.
// Credentials in particular are expected to come from the environment in
// deployment, not the config file.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("MAGPIE_S3_ENDPOINT"); v != "" {
		cfg.Storage.Endpoint = v
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		cfg.Storage.AccessKey = v
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		cfg.Storage.SecretKey = v
	}
	if v := os.Getenv("MAGPIE_BROKER_URL"); v != "" {
		cfg.Broker.URL = v
	}
	if v := os.Getenv("MAGPIE_CATALOG_URL"); v != "" {
		cfg.Catalog.BaseURL = v
	}
	if v := os.Getenv("MAGPIE_CATALOG_TOKEN"); v != "" {
		cfg.Catalog.Token = v
	}
	if v := os.Getenv("MAGPIE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("MAGPIE_LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = v
	}
}

// GetEnvOrDefault returns an environment variable or a default value.
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
