// Package config loads gateway settings from an optional YAML file overlaid
// with IGW_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks environment overrides. Nested keys use a double
// underscore: IGW_AGENT__BASE_URL sets agent.base_url.
const EnvPrefix = "IGW_"

// DefaultPath is read when no explicit file is given.
const DefaultPath = "config.yaml"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Storage   StorageConfig   `koanf:"storage"`
	Agent     AgentConfig     `koanf:"agent"`
	Log       LogConfig       `koanf:"log"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Metrics   MetricsConfig   `koanf:"metrics"`
}

type ServerConfig struct {
	Port           int           `koanf:"port"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

type StorageConfig struct {
	Type     string         `koanf:"type"` // sqlite, memory
	Database DatabaseConfig `koanf:"database"`
}

// DatabaseConfig selects the SQL driver and connection string.
type DatabaseConfig struct {
	Driver string `koanf:"driver"`
	DSN    string `koanf:"dsn"`
}

// AgentConfig points at the external interview agent.
type AgentConfig struct {
	BaseURL       string        `koanf:"base_url"`
	CallbackURL   string        `koanf:"callback_url"` // Optional: derived from server.port when empty
	Timeout       time.Duration `koanf:"timeout"`
	HealthTimeout time.Duration `koanf:"health_timeout"`
	Retry         RetryConfig   `koanf:"retry"`
}

type RetryConfig struct {
	MaxAttempts  int           `koanf:"max_attempts"`
	InitialDelay time.Duration `koanf:"initial_delay"`
	Multiplier   float64       `koanf:"multiplier"`
	MaxDelay     time.Duration `koanf:"max_delay"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type TelemetryConfig struct {
	Enabled bool `koanf:"enabled"`
}

type MetricsConfig struct {
	Enabled bool `koanf:"enabled"`
}

var defaults = map[string]any{
	"server.port":               8080,
	"server.request_timeout":    "60s",
	"storage.type":              "sqlite",
	"storage.database.driver":   "sqlite",
	"storage.database.dsn":      "interview.db",
	"agent.base_url":            "http://localhost:8000",
	"agent.timeout":             "30s",
	"agent.health_timeout":      "5s",
	"agent.retry.max_attempts":  3,
	"agent.retry.initial_delay": "200ms",
	"agent.retry.multiplier":    2.0,
	"agent.retry.max_delay":     "2s",
	"log.level":                 "info",
	"log.format":                "json",
	"telemetry.enabled":         false,
	"metrics.enabled":           true,
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads DefaultPath, or the file named by IGW_CONFIG, then the environment.
func Load() (*Config, error) {
	path := os.Getenv(EnvPrefix + "CONFIG")
	if path == "" {
		path = DefaultPath
	}
	return LoadFile(path)
}

// LoadFile reads path (a missing file is fine) and applies environment
// overrides and defaults.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			// File not found is OK, we'll use env vars
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("load %s: %w", path, err)
			}
		}
	}

	// Load environment variables (can override file config)
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, err
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			if err := k.Set(key, value); err != nil {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// Allow secrets in the DSN and agent URL to come from the environment
	cfg.Storage.Database.DSN = substituteEnvVars(cfg.Storage.Database.DSN)
	cfg.Agent.BaseURL = substituteEnvVars(cfg.Agent.BaseURL)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the gateway cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Storage.Type {
	case "sqlite", "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.type %q must be sqlite or memory", c.Storage.Type))
	}
	if c.Storage.Type == "sqlite" && c.Storage.Database.DSN == "" {
		errs = append(errs, errors.New("storage.database.dsn is required for sqlite"))
	}
	if strings.TrimSpace(c.Agent.BaseURL) == "" {
		errs = append(errs, errors.New("agent.base_url is required"))
	}
	if c.Agent.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("agent.retry.max_attempts must be at least 1, got %d", c.Agent.Retry.MaxAttempts))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// CallbackURL is the webhook address handed to the agent.
func (c *Config) CallbackURL() string {
	if c.Agent.CallbackURL != "" {
		return c.Agent.CallbackURL
	}
	return fmt.Sprintf("http://localhost:%d/agent/webhook", c.Server.Port)
}

// ParseLevel maps debug, info, warn or error onto a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
