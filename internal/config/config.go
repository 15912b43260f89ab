// Package config defines the top-level configuration for the sentry engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration wraps time.Duration so TOML values can be written as duration
// strings ("30s", "2m").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by POLYSENTRY_* environment
// variables.
type Config struct {
	Polymarket PolymarketConfig `toml:"polymarket"`
	Database   DatabaseConfig   `toml:"database"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Engine     EngineConfig     `toml:"engine"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// PolymarketConfig holds the market-data and trading API endpoints.
type PolymarketConfig struct {
	WsHost      string `toml:"ws_host"`
	GammaHost   string `toml:"gamma_host"`
	TradingHost string `toml:"trading_host"`
	TradingKey  string `toml:"trading_key"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for event archival.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// EngineConfig holds the tunables of the rule execution engine.
type EngineConfig struct {
	// MaxConcurrentExecutions bounds the number of rule executions running
	// at once so a slow order submission cannot stall tick processing.
	MaxConcurrentExecutions int `toml:"max_concurrent_executions"`

	// TickBuffer is the capacity of the feed-to-executor tick channel.
	TickBuffer int `toml:"tick_buffer"`

	// PositionSyncInterval is the cadence of the position reconciliation
	// sweep against the trading client.
	PositionSyncInterval Duration `toml:"position_sync_interval"`

	// SubscriptionSyncInterval is the cadence at which feed subscriptions
	// are reconciled against the set of ACTIVE rules.
	SubscriptionSyncInterval Duration `toml:"subscription_sync_interval"`

	// ReconnectDelay and MaxReconnectDelay bound the websocket reconnect
	// backoff.
	ReconnectDelay    Duration `toml:"reconnect_delay"`
	MaxReconnectDelay Duration `toml:"max_reconnect_delay"`

	// ArchiveInterval and ArchiveRetention drive event archival to S3.
	// Archival is disabled when ArchiveInterval is zero.
	ArchiveInterval  Duration `toml:"archive_interval"`
	ArchiveRetention Duration `toml:"archive_retention"`
}

// ServerConfig holds the HTTP API configuration.
type ServerConfig struct {
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	APIKey          string   `toml:"api_key"`
	RateLimit       int      `toml:"rate_limit"`
	RateLimitWindow Duration `toml:"rate_limit_window"`
}

// NotifyConfig holds notification webhook settings.
type NotifyConfig struct {
	DiscordWebhook   string   `toml:"discord_webhook"`
	TelegramBotToken string   `toml:"telegram_bot_token"`
	TelegramChatID   string   `toml:"telegram_chat_id"`
	Events           []string `toml:"events"`
}

// Defaults returns a Config pre-populated with sensible defaults for every
// field that has one.
func Defaults() Config {
	return Config{
		Polymarket: PolymarketConfig{
			WsHost:    "wss://ws-subscriptions-clob.polymarket.com/ws/market",
			GammaHost: "https://gamma-api.polymarket.com",
		},
		Database: DatabaseConfig{
			Host:         "localhost",
			Port:         5432,
			Database:     "polysentry",
			User:         "polysentry",
			SSLMode:      "disable",
			PoolMaxConns: 10,
			PoolMinConns: 2,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		Engine: EngineConfig{
			MaxConcurrentExecutions:  8,
			TickBuffer:               256,
			PositionSyncInterval:     Duration{30 * time.Second},
			SubscriptionSyncInterval: Duration{15 * time.Second},
			ReconnectDelay:           Duration{2 * time.Second},
			MaxReconnectDelay:        Duration{60 * time.Second},
			ArchiveRetention:         Duration{30 * 24 * time.Hour},
		},
		Server: ServerConfig{
			Port:            8080,
			RateLimit:       120,
			RateLimitWindow: Duration{time.Minute},
		},
		Mode:     "run",
		LogLevel: "info",
	}
}

// Validate checks the configuration for internal consistency and returns an
// error describing the first problem found.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Mode) {
	case "run", "monitor":
	default:
		return fmt.Errorf("config: unsupported mode %q", c.Mode)
	}

	if c.Polymarket.WsHost == "" {
		return fmt.Errorf("config: polymarket.ws_host is required")
	}
	if c.Polymarket.TradingHost == "" {
		return fmt.Errorf("config: polymarket.trading_host is required")
	}

	if c.Database.DSN == "" && (c.Database.Host == "" || c.Database.Database == "") {
		return fmt.Errorf("config: database.dsn or database.host+database.database is required")
	}

	if c.Engine.MaxConcurrentExecutions <= 0 {
		return fmt.Errorf("config: engine.max_concurrent_executions must be positive")
	}
	if c.Engine.ReconnectDelay.Duration <= 0 || c.Engine.MaxReconnectDelay.Duration < c.Engine.ReconnectDelay.Duration {
		return fmt.Errorf("config: engine reconnect delays must satisfy 0 < reconnect_delay <= max_reconnect_delay")
	}
	if c.Engine.ArchiveInterval.Duration > 0 && c.S3.Bucket == "" {
		return fmt.Errorf("config: s3.bucket is required when engine.archive_interval is set")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unsupported log_level %q", c.LogLevel)
	}

	return nil
}
