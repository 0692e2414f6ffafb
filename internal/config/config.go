package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/23skdu/shmcounters/internal/limiter"
)

// Prefix is prepended to every environment variable, e.g. COUNTERS_MAX_COUNTERS.
const Prefix = "COUNTERS"

// Config validation errors
var (
	ErrInvalidSegmentPath      = errors.New("segment_path cannot be empty")
	ErrInvalidMaxCounters      = errors.New("max_counters must be positive")
	ErrInvalidFreeToReuse      = errors.New("free_to_reuse_timeout cannot be negative")
	ErrInvalidLivenessTimeout  = errors.New("client_liveness_timeout must be positive")
	ErrInvalidKeepalive        = errors.New("keepalive_interval must be positive and shorter than client_liveness_timeout")
	ErrInvalidDriverTimeout    = errors.New("driver_timeout must be positive")
	ErrInvalidIdleSleep        = errors.New("idle_sleep must be positive")
	ErrInvalidCommandCapacity  = errors.New("command_capacity must be positive")
	ErrInvalidLogFormat        = errors.New("log_format must be 'json' or 'console'")
	ErrInvalidLogLevel         = errors.New("log_level must be debug, info, warn, or error")
	ErrInvalidMetricsAddr      = errors.New("metrics_addr cannot be empty")
	ErrInvalidCommandRateLimit = errors.New("command rate limit cannot be negative")
)

// Config is shared by countersd and counters-stat.
type Config struct {
	SegmentPath   string `envconfig:"SEGMENT_PATH" default:""`
	MaxCounters   int    `envconfig:"MAX_COUNTERS" default:"1024"`
	DeleteOnStart bool   `envconfig:"DELETE_ON_START" default:"false"`

	FreeToReuseTimeout    time.Duration `envconfig:"FREE_TO_REUSE_TIMEOUT" default:"1s"`
	ClientLivenessTimeout time.Duration `envconfig:"CLIENT_LIVENESS_TIMEOUT" default:"10s"`
	KeepaliveInterval     time.Duration `envconfig:"KEEPALIVE_INTERVAL" default:"500ms"`
	DriverTimeout         time.Duration `envconfig:"DRIVER_TIMEOUT" default:"10s"`
	IdleSleep             time.Duration `envconfig:"IDLE_SLEEP" default:"1ms"`
	CommandCapacity       int           `envconfig:"COMMAND_CAPACITY" default:"4096"`

	CommandRateLimitRPS   int `envconfig:"COMMAND_RATE_LIMIT_RPS" default:"0"`
	CommandRateLimitBurst int `envconfig:"COMMAND_RATE_LIMIT_BURST" default:"0"`

	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:"0.0.0.0:9090"`
}

// Load reads an optional .env file, then the environment.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("process environment: %w", err)
	}
	return cfg, nil
}

// Validate validates the configuration and returns an error if invalid
func Validate(cfg *Config) error {
	if cfg.SegmentPath == "" {
		return ErrInvalidSegmentPath
	}
	if cfg.MaxCounters <= 0 {
		return ErrInvalidMaxCounters
	}
	if cfg.FreeToReuseTimeout < 0 {
		return ErrInvalidFreeToReuse
	}
	if cfg.ClientLivenessTimeout <= 0 {
		return ErrInvalidLivenessTimeout
	}
	if cfg.KeepaliveInterval <= 0 || cfg.KeepaliveInterval >= cfg.ClientLivenessTimeout {
		return ErrInvalidKeepalive
	}
	if cfg.DriverTimeout <= 0 {
		return ErrInvalidDriverTimeout
	}
	if cfg.IdleSleep <= 0 {
		return ErrInvalidIdleSleep
	}
	if cfg.CommandCapacity <= 0 {
		return ErrInvalidCommandCapacity
	}
	if cfg.CommandRateLimitRPS < 0 || cfg.CommandRateLimitBurst < 0 {
		return ErrInvalidCommandRateLimit
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		return ErrInvalidLogFormat
	}
	if cfg.LogLevel != "debug" && cfg.LogLevel != "info" && cfg.LogLevel != "warn" && cfg.LogLevel != "error" {
		return ErrInvalidLogLevel
	}
	if cfg.MetricsAddr == "" {
		return ErrInvalidMetricsAddr
	}
	return nil
}

// RateLimit is the driver's per-client command admission setting.
func (cfg *Config) RateLimit() limiter.Config {
	return limiter.Config{RPS: cfg.CommandRateLimitRPS, Burst: cfg.CommandRateLimitBurst}
}
