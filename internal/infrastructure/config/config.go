package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/GriffinCanCode/psa-spm/internal/domain/envelope"
	"github.com/GriffinCanCode/psa-spm/internal/domain/handle"
)

// Config holds all application configuration.
type Config struct {
	SPM       SPMConfig
	Admin     AdminConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
	Recovery  RecoveryConfig
}

// SPMConfig holds the build-time limits of the partition manager.
type SPMConfig struct {
	MaxIOVec   int    `envconfig:"SPM_MAX_IOVEC" default:"4"`
	TxBufLimit int    `envconfig:"SPM_TX_BUF_LIMIT" default:"1024"`
	RxBufLimit int    `envconfig:"SPM_RX_BUF_LIMIT" default:"1024"`
	MaxHandles int    `envconfig:"SPM_MAX_HANDLES" default:"64"`
	Manifest   string `envconfig:"SPM_MANIFEST" default:""`
	// AllowDisconnectRHandle lets a service hand a non-nil reverse handle to
	// End or SetReverseHandle while processing a disconnect.
	AllowDisconnectRHandle bool `envconfig:"SPM_ALLOW_DISCONNECT_RHANDLE" default:"false"`
}

// Limits converts the configured bounds for the envelope validator.
func (c SPMConfig) Limits() envelope.Limits {
	return envelope.Limits{
		MaxIOVec:  c.MaxIOVec,
		MaxTxSize: c.TxBufLimit,
		MaxRxSize: c.RxBufLimit,
	}
}

// AdminConfig holds the diagnostics HTTP server configuration.
type AdminConfig struct {
	Host    string `envconfig:"ADMIN_HOST" default:"127.0.0.1"`
	Port    string `envconfig:"ADMIN_PORT" default:"8090"`
	Enabled bool   `envconfig:"ADMIN_ENABLED" default:"true"`
}

// Addr returns host:port
func (c AdminConfig) Addr() string {
	return c.Host + ":" + c.Port
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds admin API rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"20"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"40"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// RecoveryConfig controls automatic reboots after a fault.
type RecoveryConfig struct {
	Enabled   bool          `envconfig:"RECOVERY_ENABLED" default:"true"`
	MaxFaults int           `envconfig:"RECOVERY_MAX_FAULTS" default:"3"`
	Window    time.Duration `envconfig:"RECOVERY_WINDOW" default:"1m"`
	Cooldown  time.Duration `envconfig:"RECOVERY_COOLDOWN" default:"5m"`
	Delay     time.Duration `envconfig:"RECOVERY_DELAY" default:"1s"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		SPM: SPMConfig{
			MaxIOVec:   4,
			TxBufLimit: 1024,
			RxBufLimit: 1024,
			MaxHandles: 64,
		},
		Admin: AdminConfig{
			Host:    "127.0.0.1",
			Port:    "8090",
			Enabled: true,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 20,
			Burst:             40,
			Enabled:           true,
		},
		Recovery: RecoveryConfig{
			Enabled:   true,
			MaxFaults: 3,
			Window:    time.Minute,
			Cooldown:  5 * time.Minute,
			Delay:     time.Second,
		},
	}
}

// Validate rejects limits the partition manager cannot run with.
func (c *Config) Validate() error {
	if c.SPM.MaxIOVec <= 0 {
		return fmt.Errorf("SPM_MAX_IOVEC must be positive, got %d", c.SPM.MaxIOVec)
	}
	if c.SPM.TxBufLimit <= 0 {
		return fmt.Errorf("SPM_TX_BUF_LIMIT must be positive, got %d", c.SPM.TxBufLimit)
	}
	if c.SPM.RxBufLimit <= 0 {
		return fmt.Errorf("SPM_RX_BUF_LIMIT must be positive, got %d", c.SPM.RxBufLimit)
	}
	if c.SPM.MaxHandles <= 0 || c.SPM.MaxHandles > handle.MaxCapacity {
		return fmt.Errorf("SPM_MAX_HANDLES must be in [1, %d], got %d", handle.MaxCapacity, c.SPM.MaxHandles)
	}
	if c.Recovery.Enabled && c.Recovery.MaxFaults <= 0 {
		return fmt.Errorf("RECOVERY_MAX_FAULTS must be positive, got %d", c.Recovery.MaxFaults)
	}
	return nil
}
