package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models mdplane.yml.
type Config struct {
	Server struct {
		Addr      string `yaml:"addr"`
		PublicURL string `yaml:"public_url"`
		DataDir   string `yaml:"data_dir"`
		LogLevel  string `yaml:"log_level"`
		LogFormat string `yaml:"log_format"`
	} `yaml:"server"`
	Auth struct {
		TokenSecret              string `yaml:"token_secret"`
		SubscribeTokenTTLSeconds int    `yaml:"subscribe_token_ttl_seconds"`
	} `yaml:"auth"`
	Claims   ClaimsConfig    `yaml:"claims"`
	Webhooks WebhooksConfig  `yaml:"webhooks"`
	WS       WebSocketConfig `yaml:"websocket"`
}

type ClaimsConfig struct {
	DefaultExpiresInSeconds int `yaml:"default_expires_in_seconds"`
	MaxExpiresInSeconds     int `yaml:"max_expires_in_seconds"`
	ReaperIntervalMs        int `yaml:"reaper_interval_ms"`
}

type WebhooksConfig struct {
	Workers              int `yaml:"workers"`
	QueueSize            int `yaml:"queue_size"`
	MaxAttempts          int `yaml:"max_attempts"`
	BackoffMinMs         int `yaml:"backoff_min_ms"`
	BackoffMaxMs         int `yaml:"backoff_max_ms"`
	TimeoutMs            int `yaml:"timeout_ms"`
	MaxElapsedMs         int `yaml:"max_elapsed_ms"`
	DisableAfterFailures int `yaml:"disable_after_failures"`
}

type WebSocketConfig struct {
	PingIntervalMs int `yaml:"ping_interval_ms"`
	WriteTimeoutMs int `yaml:"write_timeout_ms"`
	SendBuffer     int `yaml:"send_buffer"`
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (c ClaimsConfig) ReaperInterval() time.Duration { return ms(c.ReaperIntervalMs) }
func (c WebhooksConfig) BackoffMin() time.Duration { return ms(c.BackoffMinMs) }
func (c WebhooksConfig) BackoffMax() time.Duration { return ms(c.BackoffMaxMs) }
func (c WebhooksConfig) Timeout() time.Duration { return ms(c.TimeoutMs) }
func (c WebhooksConfig) MaxElapsed() time.Duration { return ms(c.MaxElapsedMs) }
func (c WebSocketConfig) PingInterval() time.Duration { return ms(c.PingIntervalMs) }
func (c WebSocketConfig) WriteTimeout() time.Duration { return ms(c.WriteTimeoutMs) }
func (c *Config) SubscribeTokenTTL() time.Duration {
	return time.Duration(c.Auth.SubscribeTokenTTLSeconds) * time.Second
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if strings.TrimSpace(c.Server.DataDir) == "" {
		return fmt.Errorf("config.server.data_dir is required")
	}
	switch c.Server.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.server.log_level must be one of debug, info, warn, error")
	}
	switch c.Server.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("config.server.log_format must be json or text")
	}
	if len(c.Auth.TokenSecret) < 16 {
		return fmt.Errorf("config.auth.token_secret must be at least 16 characters")
	}
	if c.Auth.SubscribeTokenTTLSeconds <= 0 {
		return fmt.Errorf("config.auth.subscribe_token_ttl_seconds must be positive")
	}
	if c.Claims.DefaultExpiresInSeconds <= 0 || c.Claims.MaxExpiresInSeconds < c.Claims.DefaultExpiresInSeconds {
		return fmt.Errorf("config.claims: default_expires_in_seconds must be positive and not exceed max_expires_in_seconds")
	}
	if c.Claims.ReaperIntervalMs <= 0 {
		return fmt.Errorf("config.claims.reaper_interval_ms must be positive")
	}
	w := c.Webhooks
	if w.Workers <= 0 || w.QueueSize <= 0 || w.MaxAttempts <= 0 {
		return fmt.Errorf("config.webhooks: workers, queue_size and max_attempts must be positive")
	}
	if w.BackoffMinMs <= 0 || w.BackoffMaxMs < w.BackoffMinMs {
		return fmt.Errorf("config.webhooks: backoff_min_ms must be positive and not exceed backoff_max_ms")
	}
	if w.TimeoutMs <= 0 || w.MaxElapsedMs <= 0 {
		return fmt.Errorf("config.webhooks: timeout_ms and max_elapsed_ms must be positive")
	}
	if w.DisableAfterFailures < 0 {
		return fmt.Errorf("config.webhooks.disable_after_failures cannot be negative")
	}
	if c.WS.PingIntervalMs <= 0 || c.WS.WriteTimeoutMs <= 0 || c.WS.SendBuffer <= 0 {
		return fmt.Errorf("config.websocket: ping_interval_ms, write_timeout_ms and send_buffer must be positive")
	}
	return nil
}

// Path returns the default config file path inside a data directory.
func Path(dataDir string) string {
	if dataDir == "" {
		dataDir = "."
	}
	return filepath.Join(dataDir, "mdplane.yml")
}

// Load reads and validates config from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with mdplane config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config when the file does not exist.
func LoadOptional(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses config on top of the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

const defaultTemplate = `server:
  addr: ":8080"
  public_url: "http://localhost:8080"
  data_dir: ".mdplane"
  log_level: info
  log_format: json

auth:
  # signs WebSocket subscribe tokens; override in production
  token_secret: "change-me-mdplane-dev-secret"
  subscribe_token_ttl_seconds: 60

claims:
  default_expires_in_seconds: 300
  max_expires_in_seconds: 86400
  reaper_interval_ms: 5000

webhooks:
  workers: 4
  queue_size: 1024
  max_attempts: 3
  backoff_min_ms: 1000
  backoff_max_ms: 30000
  timeout_ms: 10000
  max_elapsed_ms: 120000
  disable_after_failures: 50

websocket:
  ping_interval_ms: 30000
  write_timeout_ms: 5000
  send_buffer: 64
`
