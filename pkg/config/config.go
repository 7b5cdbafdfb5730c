// Package config loads agentstate settings from YAML with environment
// overrides. Values are passed into store constructors explicitly; nothing
// here is global.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/aixgo-dev/agentstate/internal/fsx"
	"github.com/aixgo-dev/agentstate/pkg/session"
)

// maxConfigSize bounds the config file read.
const maxConfigSize = 1 << 20

// Session store kinds.
const (
	StoreMemory    = "memory"
	StoreFile      = "file"
	StoreRedis     = "redis"
	StoreFirestore = "firestore"
)

// Message store kinds.
const (
	MessagesMemory = "memory"
	MessagesJSONL  = "jsonl"
)

// Environment overrides.
const (
	EnvStore       = "AGENTSTATE_STORE"
	EnvDir         = "AGENTSTATE_DIR"
	EnvMessagesDir = "AGENTSTATE_MESSAGES_DIR"
	EnvRedisAddr   = "AGENTSTATE_REDIS_ADDR"
	EnvLogLevel    = "AGENTSTATE_LOG_LEVEL"
)

// Config represents the application configuration
type Config struct {
	Store         StoreConfig         `yaml:"store"`
	Messages      MessagesConfig      `yaml:"messages"`
	Log           LogConfig           `yaml:"log"`
	Observability ObservabilityConfig `yaml:"observability"`
	Verify        VerifyConfig        `yaml:"verify"`
}

// StoreConfig selects and configures the session store.
type StoreConfig struct {
	// Kind is one of memory, file, redis, firestore.
	Kind string `yaml:"kind"`
	// Dir is the session directory of the file store.
	Dir       string              `yaml:"dir"`
	Redis     session.RedisConfig `yaml:"redis"`
	Firestore FirestoreConfig     `yaml:"firestore"`
}

// FirestoreConfig holds Firestore connection settings.
type FirestoreConfig struct {
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`
	Collection      string `yaml:"collection"`
}

// MessagesConfig selects the message store.
type MessagesConfig struct {
	// Kind is memory or jsonl.
	Kind string `yaml:"kind"`
	// Dir holds the .jsonl session logs.
	Dir string `yaml:"dir"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text, json, logfmt
	File   string `yaml:"file"`
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	// MetricsPort is the serve port for /metrics and /health. A non-zero
	// value also turns on store and runtime metrics for every command.
	MetricsPort int           `yaml:"metrics_port"`
	Tracing     TracingConfig `yaml:"tracing"`
}

// TracingConfig configures the OpenTelemetry exporter.
// When Enabled is false the standard OTEL_* variables decide instead.
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Exporter    string            `yaml:"exporter"` // otlp, stdout, none
	Endpoint    string            `yaml:"endpoint"`
	ServiceName string            `yaml:"service_name"`
	Headers     map[string]string `yaml:"headers,omitempty"`
}

// VerifyConfig configures the integrity scan.
type VerifyConfig struct {
	// Schedule is a cron expression for periodic scans in serve mode.
	Schedule string `yaml:"schedule"`
	// Concurrency bounds parallel file checks.
	Concurrency int `yaml:"concurrency"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Store.Kind == "" {
		c.Store.Kind = StoreFile
	}
	if c.Messages.Kind == "" {
		c.Messages.Kind = MessagesJSONL
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Observability.Tracing.Exporter == "" {
		c.Observability.Tracing.Exporter = "none"
	}
	if c.Observability.Tracing.ServiceName == "" {
		c.Observability.Tracing.ServiceName = "agentstate"
	}
	if c.Verify.Schedule == "" {
		c.Verify.Schedule = "@every 1h"
	}
	if c.Verify.Concurrency <= 0 {
		c.Verify.Concurrency = 4
	}
}

// applyEnv lets the environment override file values.
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvStore); v != "" {
		c.Store.Kind = v
	}
	if v := os.Getenv(EnvDir); v != "" {
		c.Store.Dir = v
	}
	if v := os.Getenv(EnvMessagesDir); v != "" {
		c.Messages.Dir = v
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		c.Store.Redis.Addr = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	if c.Store.Firestore.ProjectID == "" {
		c.Store.Firestore.ProjectID = os.Getenv("GCP_PROJECT")
	}
	if c.Store.Firestore.CredentialsFile == "" {
		c.Store.Firestore.CredentialsFile = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
	}
}

// LoadConfig loads configuration from a YAML file. An empty path yields the
// defaults. Environment overrides are applied in both cases.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if info.Size() > maxConfigSize {
			return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigSize)
		}

		data, err := os.ReadFile(path) // #nosec G304 - operator supplied config path
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg, nil
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := fsx.WriteFileAtomic(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Kind {
	case StoreMemory, StoreFile:
	case StoreRedis:
		if c.Store.Redis.Addr == "" {
			errs = append(errs, errors.New("store.redis.addr is required for the redis store"))
		}
	case StoreFirestore:
		if c.Store.Firestore.ProjectID == "" {
			errs = append(errs, errors.New("store.firestore.project_id is required for the firestore store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store kind %q (want %s)", c.Store.Kind,
			strings.Join([]string{StoreMemory, StoreFile, StoreRedis, StoreFirestore}, ", ")))
	}

	switch c.Messages.Kind {
	case MessagesMemory, MessagesJSONL:
	default:
		errs = append(errs, fmt.Errorf("unknown messages kind %q (want %s, %s)", c.Messages.Kind, MessagesMemory, MessagesJSONL))
	}

	switch c.Observability.Tracing.Exporter {
	case "otlp", "stdout", "none":
	default:
		errs = append(errs, fmt.Errorf("unknown tracing exporter %q", c.Observability.Tracing.Exporter))
	}

	if c.Observability.MetricsPort < 0 || c.Observability.MetricsPort > 65535 {
		errs = append(errs, fmt.Errorf("observability.metrics_port out of range: %d", c.Observability.MetricsPort))
	}

	if _, err := cron.ParseStandard(c.Verify.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("verify.schedule: %w", err))
	}

	return errors.Join(errs...)
}
