package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies POLYSENTRY_* environment variable overrides,
// and returns the final Config. The returned Config has NOT been validated;
// the caller should invoke Config.Validate() after Load. An empty path
// skips the file and uses defaults plus environment overrides only.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known POLYSENTRY_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Polymarket ──
	setStr(&cfg.Polymarket.WsHost, "POLYSENTRY_WS_HOST")
	setStr(&cfg.Polymarket.GammaHost, "POLYSENTRY_GAMMA_HOST")
	setStr(&cfg.Polymarket.TradingHost, "POLYSENTRY_TRADING_HOST")
	setStr(&cfg.Polymarket.TradingKey, "POLYSENTRY_TRADING_KEY")

	// ── Database ──
	setStr(&cfg.Database.DSN, "POLYSENTRY_DATABASE_DSN")
	setStr(&cfg.Database.Host, "POLYSENTRY_DATABASE_HOST")
	setInt(&cfg.Database.Port, "POLYSENTRY_DATABASE_PORT")
	setStr(&cfg.Database.Database, "POLYSENTRY_DATABASE_NAME")
	setStr(&cfg.Database.User, "POLYSENTRY_DATABASE_USER")
	setStr(&cfg.Database.Password, "POLYSENTRY_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "POLYSENTRY_DATABASE_SSLMODE")
	setInt(&cfg.Database.PoolMaxConns, "POLYSENTRY_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "POLYSENTRY_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "POLYSENTRY_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "POLYSENTRY_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "POLYSENTRY_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "POLYSENTRY_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "POLYSENTRY_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "POLYSENTRY_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "POLYSENTRY_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "POLYSENTRY_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "POLYSENTRY_S3_REGION")
	setStr(&cfg.S3.Bucket, "POLYSENTRY_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "POLYSENTRY_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "POLYSENTRY_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "POLYSENTRY_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "POLYSENTRY_S3_FORCE_PATH_STYLE")

	// ── Engine ──
	setInt(&cfg.Engine.MaxConcurrentExecutions, "POLYSENTRY_ENGINE_MAX_CONCURRENT_EXECUTIONS")
	setInt(&cfg.Engine.TickBuffer, "POLYSENTRY_ENGINE_TICK_BUFFER")
	setDur(&cfg.Engine.PositionSyncInterval, "POLYSENTRY_ENGINE_POSITION_SYNC_INTERVAL")
	setDur(&cfg.Engine.SubscriptionSyncInterval, "POLYSENTRY_ENGINE_SUBSCRIPTION_SYNC_INTERVAL")
	setDur(&cfg.Engine.ReconnectDelay, "POLYSENTRY_ENGINE_RECONNECT_DELAY")
	setDur(&cfg.Engine.MaxReconnectDelay, "POLYSENTRY_ENGINE_MAX_RECONNECT_DELAY")
	setDur(&cfg.Engine.ArchiveInterval, "POLYSENTRY_ENGINE_ARCHIVE_INTERVAL")
	setDur(&cfg.Engine.ArchiveRetention, "POLYSENTRY_ENGINE_ARCHIVE_RETENTION")

	// ── Server ──
	setInt(&cfg.Server.Port, "POLYSENTRY_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "POLYSENTRY_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "POLYSENTRY_SERVER_RATE_LIMIT")
	setDur(&cfg.Server.RateLimitWindow, "POLYSENTRY_SERVER_RATE_LIMIT_WINDOW")
	if v := os.Getenv("POLYSENTRY_SERVER_CORS_ORIGINS"); v != "" {
		parts := strings.Split(v, ",")
		origins := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				origins = append(origins, p)
			}
		}
		cfg.Server.CORSOrigins = origins
	}

	// ── Notify ──
	setStr(&cfg.Notify.DiscordWebhook, "POLYSENTRY_NOTIFY_DISCORD_WEBHOOK")
	setStr(&cfg.Notify.TelegramBotToken, "POLYSENTRY_NOTIFY_TELEGRAM_BOT_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "POLYSENTRY_NOTIFY_TELEGRAM_CHAT_ID")

	// ── Top level ──
	setStr(&cfg.Mode, "POLYSENTRY_MODE")
	setStr(&cfg.LogLevel, "POLYSENTRY_LOG_LEVEL")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDur(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
