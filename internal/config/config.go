// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	System      SystemConfig      `yaml:"system"`
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Dispatcher  DispatcherConfig  `yaml:"dispatcher"`
	Queue       QueueConfig       `yaml:"queue"`
	Reconcile   ReconcileConfig   `yaml:"reconcile"`
	Exchange    ExchangeConfig    `yaml:"exchange"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Alert       AlertConfig       `yaml:"alert"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level"`
}

// ServerConfig contains the listen addresses of the external surfaces
type ServerConfig struct {
	RPCListenAddr   string   `yaml:"rpc_listen_addr"`
	WSListenAddr    string   `yaml:"ws_listen_addr"`
	WSOrigins       []string `yaml:"ws_allowed_origins"`
	RPCRateLimit    int      `yaml:"rpc_rate_limit"` // requests per second per api key
	RPCMaxFrameSize int      `yaml:"rpc_max_frame_size"`
}

// DatabaseConfig contains the store settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// DispatcherConfig contains worker pool settings
type DispatcherConfig struct {
	PoolSize      int    `yaml:"pool_size"` // workers per engine family
	DefaultEngine string `yaml:"default_engine"`
	EventRingSize int    `yaml:"event_ring_size"`
}

// QueueConfig contains durable queue worker settings
type QueueConfig struct {
	PollIntervalMs    int `yaml:"poll_interval_ms"`
	MaxAttempts       int `yaml:"max_attempts"`
	RetryDelaySeconds int `yaml:"retry_delay_seconds"`
	Workers           int `yaml:"workers"`
}

// ReconcileConfig contains reconciler settings
type ReconcileConfig struct {
	IntervalSeconds     int `yaml:"interval_seconds"`
	LookbackSeconds     int `yaml:"lookback_seconds"`
	FetchLimit          int `yaml:"fetch_limit"`
	SymbolFallbackLimit int `yaml:"symbol_fallback_limit"`
}

// ExchangeConfig contains exchange adapter settings
type ExchangeConfig struct {
	SessionTTLSeconds  int                      `yaml:"session_ttl_seconds"`
	ReadTimeoutSeconds int                      `yaml:"read_timeout_seconds"`
	CloseLockTTL       int                      `yaml:"close_lock_ttl_seconds"`
	Gateways           map[string]GatewayConfig `yaml:"gateways"`
}

// GatewayConfig points an exchange name at its REST/WS endpoints
type GatewayConfig struct {
	BaseURL    string `yaml:"base_url"`
	WSEndpoint string `yaml:"ws_endpoint"`
	TestnetURL string `yaml:"testnet_url"`
}

// CredentialsConfig contains the credentials codec settings
type CredentialsConfig struct {
	Key              Secret `yaml:"key"` // 32-byte key, base64 or raw
	RequireEncrypted bool   `yaml:"require_encrypted"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// AlertConfig contains operator notification channels. Empty values disable
// the corresponding channel.
type AlertConfig struct {
	SlackWebhookURL  Secret `yaml:"slack_webhook_url"`
	TelegramBotToken Secret `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := os.ExpandEnv(string(data))

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateSystemConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateDispatcherConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateQueueConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateReconcileConfig(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

func (c *Config) validateDispatcherConfig() error {
	if c.Dispatcher.PoolSize < 1 || c.Dispatcher.PoolSize > 256 {
		return ValidationError{
			Field:   "dispatcher.pool_size",
			Value:   c.Dispatcher.PoolSize,
			Message: "must be between 1 and 256",
		}
	}
	if c.Dispatcher.DefaultEngine != "ccxt" && c.Dispatcher.DefaultEngine != "ccxtpro" {
		return ValidationError{
			Field:   "dispatcher.default_engine",
			Value:   c.Dispatcher.DefaultEngine,
			Message: "must be ccxt or ccxtpro",
		}
	}
	return nil
}

func (c *Config) validateQueueConfig() error {
	if c.Queue.PollIntervalMs < 10 {
		return ValidationError{
			Field:   "queue.poll_interval_ms",
			Value:   c.Queue.PollIntervalMs,
			Message: "must be at least 10",
		}
	}
	if c.Queue.MaxAttempts < 1 {
		return ValidationError{
			Field:   "queue.max_attempts",
			Value:   c.Queue.MaxAttempts,
			Message: "must be at least 1",
		}
	}
	return nil
}

func (c *Config) validateReconcileConfig() error {
	if c.Reconcile.LookbackSeconds < 1 {
		return ValidationError{
			Field:   "reconcile.lookback_seconds",
			Value:   c.Reconcile.LookbackSeconds,
			Message: "must be at least 1",
		}
	}
	return nil
}

// String returns a string representation of the configuration (with
// sensitive data redacted via the Secret type)
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a configuration with sane defaults
func DefaultConfig() *Config {
	return &Config{
		System: SystemConfig{
			LogLevel: "INFO",
		},
		Server: ServerConfig{
			RPCListenAddr:   ":7450",
			WSListenAddr:    ":7451",
			WSOrigins:       []string{"*"},
			RPCRateLimit:    100,
			RPCMaxFrameSize: 8 << 20,
		},
		Database: DatabaseConfig{
			Path: "oms.db",
		},
		Dispatcher: DispatcherConfig{
			PoolSize:      8,
			DefaultEngine: "ccxt",
			EventRingSize: 5000,
		},
		Queue: QueueConfig{
			PollIntervalMs:    200,
			MaxAttempts:       5,
			RetryDelaySeconds: 30,
			Workers:           4,
		},
		Reconcile: ReconcileConfig{
			IntervalSeconds:     30,
			LookbackSeconds:     900,
			FetchLimit:          500,
			SymbolFallbackLimit: 20,
		},
		Exchange: ExchangeConfig{
			SessionTTLSeconds:  900,
			ReadTimeoutSeconds: 30,
			CloseLockTTL:       60,
			Gateways:           map[string]GatewayConfig{},
		},
		Credentials: CredentialsConfig{
			RequireEncrypted: true,
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9464,
			EnableMetrics: true,
		},
	}
}
