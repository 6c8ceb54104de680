package hub

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete hub configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Liveness LivenessConfig `yaml:"liveness"`
	Calls    CallsConfig    `yaml:"calls"`
	Docker   DockerConfig   `yaml:"docker"`
	Bus      BusConfig      `yaml:"bus"`
	Database DatabaseConfig `yaml:"database"`
	Dedupe   DedupeConfig   `yaml:"dedupe"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig contains HTTP and WebSocket listener settings
type ServerConfig struct {
	Address    string `yaml:"address"`
	WSPath     string `yaml:"ws_path"`
	Timeout    string `yaml:"timeout"`
	APIAuth    bool   `yaml:"api_auth"`
	MaxMessage int64  `yaml:"max_message_bytes"`
}

// AuthConfig contains worker token verification settings
type AuthConfig struct {
	SecretKey string `yaml:"secret_key"`
	Issuer    string `yaml:"issuer"`
	Timeout   string `yaml:"timeout"`
}

// LivenessConfig contains keep-alive settings
type LivenessConfig struct {
	PingInterval string `yaml:"ping_interval"`
	PongWait     string `yaml:"pong_wait"`
}

// CallsConfig contains correlated call settings
type CallsConfig struct {
	DefaultTimeout   string `yaml:"default_timeout"`
	FailOnDisconnect bool   `yaml:"fail_on_disconnect"`
}

// DockerConfig contains Docker task placement settings
type DockerConfig struct {
	AffinityBonus float64 `yaml:"affinity_bonus"`
	KeysFile      string  `yaml:"keys_file"`
}

// BusConfig contains pub/sub bus settings
type BusConfig struct {
	Enabled           bool   `yaml:"enabled"`
	PublishEndpoint   string `yaml:"publish_endpoint"`
	SubscribeEndpoint string `yaml:"subscribe_endpoint"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path    string `yaml:"path"`
	Timeout string `yaml:"timeout"`
}

// DedupeConfig contains bus command deduplication settings
type DedupeConfig struct {
	Size       int    `yaml:"size"`
	Expiration string `yaml:"expiration"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(filepath string) (*Config, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Fields whose zero value is meaningful are seeded before unmarshalling
	defaults := NewDefaultConfig()
	config := Config{
		Calls:  CallsConfig{FailOnDisconnect: defaults.Calls.FailOnDisconnect},
		Docker: DockerConfig{AffinityBonus: defaults.Docker.AffinityBonus},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.setDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(config *Config, filepath string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filepath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// NewDefaultConfig creates a default configuration
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:    ":8080",
			WSPath:     "/ws",
			Timeout:    "15s",
			APIAuth:    false,
			MaxMessage: 4 << 20,
		},
		Auth: AuthConfig{
			SecretKey: "change-this-worker-secret-before-production-use",
			Issuer:    "workerhub",
			Timeout:   "10s",
		},
		Liveness: LivenessConfig{
			PingInterval: "30s",
			PongWait:     "60s",
		},
		Calls: CallsConfig{
			DefaultTimeout:   "60s",
			FailOnDisconnect: true,
		},
		Docker: DockerConfig{
			AffinityBonus: 100,
			KeysFile:      "hub_keys.yml",
		},
		Bus: BusConfig{
			Enabled:           false,
			PublishEndpoint:   "tcp://127.0.0.1:5560",
			SubscribeEndpoint: "tcp://127.0.0.1:5561",
		},
		Database: DatabaseConfig{
			Path:    "workerhub.db",
			Timeout: "5s",
		},
		Dedupe: DedupeConfig{
			Size:       1000,
			Expiration: "5m",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// setDefaults ensures all required fields have default values
func (c *Config) setDefaults() {
	defaults := NewDefaultConfig()

	if c.Server.Address == "" {
		c.Server.Address = defaults.Server.Address
	}
	if c.Server.WSPath == "" {
		c.Server.WSPath = defaults.Server.WSPath
	}
	if c.Server.Timeout == "" {
		c.Server.Timeout = defaults.Server.Timeout
	}
	if c.Server.MaxMessage == 0 {
		c.Server.MaxMessage = defaults.Server.MaxMessage
	}

	if c.Auth.Issuer == "" {
		c.Auth.Issuer = defaults.Auth.Issuer
	}
	if c.Auth.Timeout == "" {
		c.Auth.Timeout = defaults.Auth.Timeout
	}

	if c.Liveness.PingInterval == "" {
		c.Liveness.PingInterval = defaults.Liveness.PingInterval
	}
	if c.Liveness.PongWait == "" {
		c.Liveness.PongWait = defaults.Liveness.PongWait
	}

	if c.Calls.DefaultTimeout == "" {
		c.Calls.DefaultTimeout = defaults.Calls.DefaultTimeout
	}

	if c.Docker.KeysFile == "" {
		c.Docker.KeysFile = defaults.Docker.KeysFile
	}

	if c.Bus.PublishEndpoint == "" {
		c.Bus.PublishEndpoint = defaults.Bus.PublishEndpoint
	}
	if c.Bus.SubscribeEndpoint == "" {
		c.Bus.SubscribeEndpoint = defaults.Bus.SubscribeEndpoint
	}

	if c.Database.Timeout == "" {
		c.Database.Timeout = defaults.Database.Timeout
	}

	if c.Dedupe.Size == 0 {
		c.Dedupe.Size = defaults.Dedupe.Size
	}
	if c.Dedupe.Expiration == "" {
		c.Dedupe.Expiration = defaults.Dedupe.Expiration
	}

	if c.Logging.Level == "" {
		c.Logging.Level = defaults.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = defaults.Logging.Format
	}
}

// Validate checks if the configuration values are valid
func (c *Config) Validate() error {
	durations := map[string]string{
		"server timeout":       c.Server.Timeout,
		"auth timeout":         c.Auth.Timeout,
		"ping interval":        c.Liveness.PingInterval,
		"pong wait":            c.Liveness.PongWait,
		"default call timeout": c.Calls.DefaultTimeout,
		"database timeout":     c.Database.Timeout,
		"dedupe expiration":    c.Dedupe.Expiration,
	}
	for name, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s format: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be greater than 0", name)
		}
	}

	if c.GetPongWait() <= c.GetPingInterval() {
		return fmt.Errorf("pong_wait must be longer than ping_interval")
	}

	// Validate auth config
	if c.Auth.SecretKey == "" {
		return fmt.Errorf("auth secret_key cannot be empty")
	}
	if len(c.Auth.SecretKey) < 32 {
		return fmt.Errorf("auth secret_key must be at least 32 characters long")
	}

	if c.Docker.AffinityBonus < 0 {
		return fmt.Errorf("docker affinity_bonus cannot be negative")
	}

	if c.Bus.Enabled {
		if c.Bus.PublishEndpoint == "" || c.Bus.SubscribeEndpoint == "" {
			return fmt.Errorf("bus endpoints are required when the bus is enabled")
		}
	}

	if c.Dedupe.Size <= 0 {
		return fmt.Errorf("dedupe size must be greater than 0")
	}

	// Validate logging level
	validLevels := []string{"debug", "info", "warn", "error"}
	levelValid := false
	for _, level := range validLevels {
		if c.Logging.Level == level {
			levelValid = true
			break
		}
	}
	if !levelValid {
		return fmt.Errorf("invalid logging level: %s (must be one of: %v)", c.Logging.Level, validLevels)
	}

	// Validate logging format
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("logging format must be 'json' or 'text'")
	}

	return nil
}

// GetServerTimeout returns the HTTP server timeout as a time.Duration
func (c *Config) GetServerTimeout() time.Duration {
	duration, _ := time.ParseDuration(c.Server.Timeout)
	return duration
}

// GetAuthTimeout returns the handshake window as a time.Duration
func (c *Config) GetAuthTimeout() time.Duration {
	duration, _ := time.ParseDuration(c.Auth.Timeout)
	return duration
}

// GetPingInterval returns the keep-alive interval as a time.Duration
func (c *Config) GetPingInterval() time.Duration {
	duration, _ := time.ParseDuration(c.Liveness.PingInterval)
	return duration
}

// GetPongWait returns the read deadline extension as a time.Duration
func (c *Config) GetPongWait() time.Duration {
	duration, _ := time.ParseDuration(c.Liveness.PongWait)
	return duration
}

// GetDefaultCallTimeout returns the default correlated call timeout
func (c *Config) GetDefaultCallTimeout() time.Duration {
	duration, _ := time.ParseDuration(c.Calls.DefaultTimeout)
	return duration
}

// GetDatabaseTimeout returns the store operation timeout as a time.Duration
func (c *Config) GetDatabaseTimeout() time.Duration {
	duration, _ := time.ParseDuration(c.Database.Timeout)
	return duration
}

// GetDedupeExpiration returns how long a bus command is remembered
func (c *Config) GetDedupeExpiration() time.Duration {
	duration, _ := time.ParseDuration(c.Dedupe.Expiration)
	return duration
}
