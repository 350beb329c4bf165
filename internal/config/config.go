// Package config loads the process configuration: a JSON5 file overlaid
// with environment variables. Secrets are never read from the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/titanous/json5"
)

// DefaultPath is where the server looks when no --config flag is given.
const DefaultPath = "config.json5"

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Storage   StorageConfig   `json:"storage"`
	Workers   WorkersConfig   `json:"workers"`
	Logging   LoggingConfig   `json:"logging"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`

	mu sync.RWMutex
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	// APIToken is never persisted; env VAULTSTREAM_API_TOKEN or the
	// settings table supply it.
	APIToken string `json:"-"`
}

// DatabaseConfig points at the sqlite file.
type DatabaseConfig struct {
	Path string `json:"path"`
}

// StorageConfig configures the blob store.
type StorageConfig struct {
	MediaRoot     string `json:"media_root"`
	PublicBaseURL string `json:"public_base_url,omitempty"`
}

// WorkersConfig tunes the background workers.
type WorkersConfig struct {
	ParseConcurrency int `json:"parse_concurrency"`
	PushBatchSize    int `json:"push_batch_size"`
	PushIntervalSec  int `json:"push_interval_sec"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level string `json:"level"` // debug, info, warn, error
	Dir   string `json:"dir,omitempty"`
	JSON  bool   `json:"json,omitempty"`
}

// TelemetryConfig configures the optional OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Path: "data/vaultstream.db",
		},
		Storage: StorageConfig{
			MediaRoot: "data/media",
		},
		Workers: WorkersConfig{
			ParseConcurrency: 4,
			PushBatchSize:    10,
			PushIntervalSec:  30,
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   "logs",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "vaultstream",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	envStr("VAULTSTREAM_HOST", &c.Server.Host)
	envInt("VAULTSTREAM_PORT", &c.Server.Port)
	envStr("VAULTSTREAM_API_TOKEN", &c.Server.APIToken)

	envStr("VAULTSTREAM_DB_PATH", &c.Database.Path)
	envStr("VAULTSTREAM_MEDIA_ROOT", &c.Storage.MediaRoot)
	envStr("VAULTSTREAM_PUBLIC_BASE_URL", &c.Storage.PublicBaseURL)

	envInt("VAULTSTREAM_PARSE_CONCURRENCY", &c.Workers.ParseConcurrency)
	envInt("VAULTSTREAM_PUSH_BATCH_SIZE", &c.Workers.PushBatchSize)
	envInt("VAULTSTREAM_PUSH_INTERVAL_SEC", &c.Workers.PushIntervalSec)

	envStr("VAULTSTREAM_LOG_LEVEL", &c.Logging.Level)
	envStr("VAULTSTREAM_LOG_DIR", &c.Logging.Dir)
	envBool("VAULTSTREAM_LOG_JSON", &c.Logging.JSON)

	envBool("VAULTSTREAM_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envStr("VAULTSTREAM_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("VAULTSTREAM_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	envBool("VAULTSTREAM_TELEMETRY_INSECURE", &c.Telemetry.Insecure)
}

// Addr returns the host:port the HTTP server binds.
func (c *Config) Addr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Storage.MediaRoot == "" {
		return fmt.Errorf("storage media_root is required")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Logging.Level)
	}
	return nil
}
