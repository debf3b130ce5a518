// Package config loads and persists the agent's configuration file.
// Values resolve in three layers: compiled defaults, then the YAML
// file, then environment overrides. The device id is generated on
// first run and written back so the cloud sees a stable identity.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	DefaultServerURL            = "https://api.agimate.io"
	DefaultLogLevel             = "info"
	DefaultPluginsDir           = "plugins"
	DefaultReconnectIntervalMS  = 5000
	MinReconnectIntervalMS      = 1000
	DefaultMaxReconnectAttempts = 10
	DefaultHTTPTimeoutMS        = 10000
	DefaultAPIHost              = "127.0.0.1"
	DefaultAPIPort              = 9999
)

// SourceID identifies this agent in outbound trigger payloads.
const SourceID = "desktop-agent"

// Config is the agent's configuration.
type Config struct {
	ServerURL            string    `yaml:"server_url"`
	APIKey               string    `yaml:"api_key"`
	DeviceID             string    `yaml:"device_id"`
	DeviceName           string    `yaml:"device_name"`
	AutoConnect          bool      `yaml:"auto_connect"`
	ReconnectIntervalMS  int       `yaml:"reconnect_interval_ms"`
	MaxReconnectAttempts int       `yaml:"max_reconnect_attempts"`
	HTTPTimeoutMS        int       `yaml:"http_timeout_ms"`
	LogLevel             string    `yaml:"log_level"`
	PluginsDir           string    `yaml:"plugins_dir"`
	API                  APIConfig `yaml:"api"`
}

// APIConfig controls the local control API.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// Default returns the configuration for a fresh install.
func Default() *Config {
	return &Config{
		ServerURL:            DefaultServerURL,
		AutoConnect:          true,
		ReconnectIntervalMS:  DefaultReconnectIntervalMS,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		HTTPTimeoutMS:        DefaultHTTPTimeoutMS,
		LogLevel:             DefaultLogLevel,
		PluginsDir:           DefaultPluginsDir,
		API: APIConfig{
			Enabled: true,
			Host:    DefaultAPIHost,
			Port:    DefaultAPIPort,
		},
	}
}

// ReconnectInterval returns the base reconnect delay as a duration.
func (c *Config) ReconnectInterval() time.Duration {
	return time.Duration(c.ReconnectIntervalMS) * time.Millisecond
}

// HTTPTimeout returns the outbound request timeout as a duration.
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutMS) * time.Millisecond
}

// Normalize clamps out-of-range values back to safe ones.
func (c *Config) Normalize() {
	if c.ReconnectIntervalMS < MinReconnectIntervalMS {
		c.ReconnectIntervalMS = MinReconnectIntervalMS
	}
	if c.MaxReconnectAttempts < 1 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.HTTPTimeoutMS <= 0 {
		c.HTTPTimeoutMS = DefaultHTTPTimeoutMS
	}
	if c.API.Host == "" {
		c.API.Host = DefaultAPIHost
	}
	if c.API.Port <= 0 {
		c.API.Port = DefaultAPIPort
	}
}

// Manager loads and saves the configuration file.
type Manager struct {
	path   string
	logger *zap.Logger
}

// NewManager creates a manager for the config file at path.
func NewManager(path string, logger *zap.Logger) *Manager {
	return &Manager{path: path, logger: logger}
}

// Path returns the config file location.
func (m *Manager) Path() string {
	return m.path
}

// Load resolves the configuration. A missing file is not an error: the
// defaults are written out so the install has a config to edit. A
// device id is generated and persisted on first run.
func (m *Manager) Load() (*Config, error) {
	cfg := Default()
	created := false

	data, err := os.ReadFile(m.path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", m.path, err)
		}
	case os.IsNotExist(err):
		m.logger.Warn("No config file found, creating with defaults",
			zap.String("path", m.path))
		created = true
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", m.path, err)
	}

	m.applyEnvOverrides(cfg)
	cfg.Normalize()

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		created = true
		m.logger.Info("Generated device id", zap.String("device_id", cfg.DeviceID))
	}

	if created {
		if err := m.Save(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Save writes cfg to the config file, creating parent directories as
// needed. The file holds the API key, hence the restrictive mode.
func (m *Manager) Save(cfg *Config) error {
	if dir := filepath.Dir(m.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	if err := os.WriteFile(m.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config %s: %w", m.path, err)
	}
	return nil
}

func (m *Manager) applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.ServerURL, "AGENT_SERVER_URL")
	overrideString(&cfg.APIKey, "AGENT_API_KEY")
	overrideString(&cfg.DeviceID, "AGENT_DEVICE_ID")
	overrideString(&cfg.DeviceName, "AGENT_DEVICE_NAME")
	overrideString(&cfg.LogLevel, "AGENT_LOG_LEVEL")
	overrideString(&cfg.PluginsDir, "AGENT_PLUGINS_DIR")
}

func overrideString(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}
