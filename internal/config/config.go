// internal/config/config.go
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	DBURL       string `mapstructure:"DB_URL"`
	ListenAddr  string `mapstructure:"LISTEN_ADDR"`
	UpstreamURL string `mapstructure:"UPSTREAM_URL"`
	// UpstreamToken authenticates against the GraphQL search API.
	UpstreamToken string `mapstructure:"UPSTREAM_TOKEN"`

	// Adaptive Resolution Fetcher tunables.
	BinarySearchThreshold    int `mapstructure:"BINARY_SEARCH_THRESHOLD"`
	BinarySearchMaxInterval  int `mapstructure:"BINARY_SEARCH_MAX_INTERVAL"`
	BinarySearchMinInterval  int `mapstructure:"BINARY_SEARCH_MIN_INTERVAL"`
	UpstreamMaxBatch         int `mapstructure:"UPSTREAM_MAX_BATCH"`

	// History Service tunables.
	CacheFreshnessHours int           `mapstructure:"CACHE_FRESHNESS_HOURS"`
	LockWaitTimeoutMs   int           `mapstructure:"LOCK_WAIT_TIMEOUT_MS"`
	LockWaitIntervalMs  int           `mapstructure:"LOCK_WAIT_INTERVAL_MS"`
	LockWaitTimeout     time.Duration `mapstructure:"-"`
	LockWaitInterval    time.Duration `mapstructure:"-"`

	// Repository Lock tunables.
	HeartbeatIntervalMs int           `mapstructure:"HEARTBEAT_INTERVAL_MS"`
	LockTimeoutMs       int           `mapstructure:"LOCK_TIMEOUT_MS"`
	HeartbeatInterval   time.Duration `mapstructure:"-"`
	LockTimeout         time.Duration `mapstructure:"-"`

	// ReposToWatch is used only by the optional background-refresh cron;
	// the HTTP facade accepts owner/name per request.
	ReposToWatch []string `mapstructure:"REPOS_TO_WATCH"`
	SyncInterval time.Duration `mapstructure:"SYNC_INTERVAL"`
}

// LoadConfig reads configuration from file and/or environment variables.
func LoadConfig() (*Config, error) {
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LISTEN_ADDR", ":8080")
	viper.SetDefault("UPSTREAM_URL", "https://api.github.com/graphql")
	viper.SetDefault("BINARY_SEARCH_THRESHOLD", 50)
	viper.SetDefault("BINARY_SEARCH_MAX_INTERVAL", 30)
	viper.SetDefault("BINARY_SEARCH_MIN_INTERVAL", 1)
	viper.SetDefault("UPSTREAM_MAX_BATCH", 12)
	viper.SetDefault("CACHE_FRESHNESS_HOURS", 24)
	viper.SetDefault("LOCK_WAIT_TIMEOUT_MS", 120_000)
	viper.SetDefault("LOCK_WAIT_INTERVAL_MS", 2_000)
	viper.SetDefault("HEARTBEAT_INTERVAL_MS", 30_000)
	viper.SetDefault("LOCK_TIMEOUT_MS", 120_000)
	viper.SetDefault("SYNC_INTERVAL", "1h")

	// Load from .env file if it exists
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	_ = viper.ReadInConfig() // Ignore error if file not found

	// Bind environment variables
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.LockWaitTimeout = time.Duration(cfg.LockWaitTimeoutMs) * time.Millisecond
	cfg.LockWaitInterval = time.Duration(cfg.LockWaitIntervalMs) * time.Millisecond
	cfg.HeartbeatInterval = time.Duration(cfg.HeartbeatIntervalMs) * time.Millisecond
	cfg.LockTimeout = time.Duration(cfg.LockTimeoutMs) * time.Millisecond

	// Validate required fields
	if cfg.DBURL == "" {
		return nil, errors.New("DB_URL is a required configuration field")
	}
	if cfg.UpstreamToken == "" {
		return nil, errors.New("UPSTREAM_TOKEN is a required configuration field")
	}
	if cfg.LockTimeout < 2*cfg.HeartbeatInterval {
		return nil, errors.New("LOCK_TIMEOUT_MS must be at least twice HEARTBEAT_INTERVAL_MS")
	}

	return &cfg, nil
}
