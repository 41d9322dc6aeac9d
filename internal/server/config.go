// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the BeeChat service.
package server

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// StoreConfig selects and bounds the history store.
type StoreConfig struct {
	Driver  string
	Path    string
	Timeout time.Duration
}

// TransferConfig bounds chunked image transfers.
type TransferConfig struct {
	JanitorInterval  time.Duration
	MaxAge           time.Duration
	MaxChunks        int
	StrictCompletion bool
}

// HistoryConfig sets the replay windows.
type HistoryConfig struct {
	Limit         int
	FallbackLimit int
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port            string
	AllowedOrigins  []string
	MaxMessageSize  int64
	RateLimit       RateLimitConfig
	LogLevel        string
	Store           StoreConfig
	Transfer        TransferConfig
	History         HistoryConfig
	ShutdownTimeout time.Duration
}

// envConfig is the flat environment view of Config. Unset variables leave the
// defaults in place.
type envConfig struct {
	Port              string        `env:"SERVER_PORT"`
	AllowedOrigins    string        `env:"ALLOWED_ORIGINS"`
	MaxMessageSize    int64         `env:"MAX_MESSAGE_SIZE"`
	RateLimitBurst    int           `env:"RATE_LIMIT_BURST"`
	RateLimitRefill   time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL"`
	LogLevel          string        `env:"LOG_LEVEL"`
	StoreDriver       string        `env:"STORE_DRIVER"`
	StorePath         string        `env:"STORE_PATH"`
	StoreTimeout      time.Duration `env:"STORE_TIMEOUT"`
	JanitorInterval   time.Duration `env:"JANITOR_INTERVAL"`
	TransferMaxAge    time.Duration `env:"TRANSFER_MAX_AGE"`
	TransferMaxChunks int           `env:"TRANSFER_MAX_CHUNKS"`
	StrictCompletion  bool          `env:"TRANSFER_STRICT_COMPLETION"`
	HistoryLimit      int           `env:"HISTORY_LIMIT"`
	HistoryFallback   int           `env:"HISTORY_FALLBACK_LIMIT"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT"`
}

var (
	configMu      sync.RWMutex
	activeConfig  Config
	activeOrigins originPolicy
)

func init() {
	SetConfig(nil)
}

func defaultConfig() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: 256 * 1024,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		LogLevel: "INFO",
		Store: StoreConfig{
			Driver:  "badger",
			Path:    "./data/history",
			Timeout: 5 * time.Second,
		},
		Transfer: TransferConfig{
			JanitorInterval:  5 * time.Minute,
			MaxAge:           10 * time.Minute,
			MaxChunks:        10000,
			StrictCompletion: true,
		},
		History: HistoryConfig{
			Limit:         50,
			FallbackLimit: 20,
		},
		ShutdownTimeout: 10 * time.Second,
	}
}

// applyConfig fills unset fields with defaults, compiles the origin policy and
// makes cfg active. It returns the allowed origins dropped as invalid.
func applyConfig(cfg Config) []string {
	def := defaultConfig()

	if cfg.Port == "" {
		cfg.Port = def.Port
	}
	if !strings.Contains(cfg.Port, ":") {
		cfg.Port = ":" + cfg.Port
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}

	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = def.Store.Driver
	}
	if cfg.Store.Timeout <= 0 {
		cfg.Store.Timeout = def.Store.Timeout
	}
	if cfg.Transfer.JanitorInterval <= 0 {
		cfg.Transfer.JanitorInterval = def.Transfer.JanitorInterval
	}
	if cfg.Transfer.MaxAge <= 0 {
		cfg.Transfer.MaxAge = def.Transfer.MaxAge
	}
	if cfg.Transfer.MaxChunks <= 0 {
		cfg.Transfer.MaxChunks = def.Transfer.MaxChunks
	}
	if cfg.History.Limit <= 0 {
		cfg.History.Limit = def.History.Limit
	}
	if cfg.History.FallbackLimit <= 0 {
		cfg.History.FallbackLimit = def.History.FallbackLimit
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	policy, kept, rejected := newOriginPolicy(cfg.AllowedOrigins)
	cfg.AllowedOrigins = kept

	configMu.Lock()
	defer configMu.Unlock()

	activeConfig = cfg
	activeOrigins = policy

	return rejected
}

// SetConfig applies the provided configuration. Passing nil resets to defaults.
// It returns the allowed origins that were dropped as invalid.
func SetConfig(cfg *Config) []string {
	if cfg == nil {
		return applyConfig(defaultConfig())
	}

	next := *cfg
	next.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return applyConfig(next)
}

// CurrentConfig returns a copy of the active configuration.
func CurrentConfig() Config {
	configMu.RLock()
	defer configMu.RUnlock()

	cfg := activeConfig
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// LoadDotEnv loads variables from the given files into the process
// environment without overriding variables already set. With no files it
// tries ./.env and tolerates its absence.
func LoadDotEnv(files ...string) error {
	if len(files) > 0 {
		if err := godotenv.Load(files...); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set.
func NewConfigFromEnv() (*Config, error) {
	cfg := defaultConfig()
	raw := envConfig{
		Port:              cfg.Port,
		MaxMessageSize:    cfg.MaxMessageSize,
		RateLimitBurst:    cfg.RateLimit.Burst,
		RateLimitRefill:   cfg.RateLimit.RefillInterval,
		LogLevel:          cfg.LogLevel,
		StoreDriver:       cfg.Store.Driver,
		StorePath:         cfg.Store.Path,
		StoreTimeout:      cfg.Store.Timeout,
		JanitorInterval:   cfg.Transfer.JanitorInterval,
		TransferMaxAge:    cfg.Transfer.MaxAge,
		TransferMaxChunks: cfg.Transfer.MaxChunks,
		StrictCompletion:  cfg.Transfer.StrictCompletion,
		HistoryLimit:      cfg.History.Limit,
		HistoryFallback:   cfg.History.FallbackLimit,
		ShutdownTimeout:   cfg.ShutdownTimeout,
	}

	if _, err := env.UnmarshalFromEnviron(&raw); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}

	cfg.Port = raw.Port
	if raw.AllowedOrigins != "" {
		cfg.AllowedOrigins = parseOrigins(raw.AllowedOrigins)
	}
	cfg.MaxMessageSize = raw.MaxMessageSize
	cfg.RateLimit = RateLimitConfig{Burst: raw.RateLimitBurst, RefillInterval: raw.RateLimitRefill}
	cfg.LogLevel = raw.LogLevel
	cfg.Store = StoreConfig{Driver: raw.StoreDriver, Path: raw.StorePath, Timeout: raw.StoreTimeout}
	cfg.Transfer = TransferConfig{
		JanitorInterval:  raw.JanitorInterval,
		MaxAge:           raw.TransferMaxAge,
		MaxChunks:        raw.TransferMaxChunks,
		StrictCompletion: raw.StrictCompletion,
	}
	cfg.History = HistoryConfig{Limit: raw.HistoryLimit, FallbackLimit: raw.HistoryFallback}
	cfg.ShutdownTimeout = raw.ShutdownTimeout

	return &cfg, nil
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
