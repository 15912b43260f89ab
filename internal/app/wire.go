package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/polysentry/polysentry/internal/blob/s3"
	"github.com/polysentry/polysentry/internal/cache/redis"
	"github.com/polysentry/polysentry/internal/config"
	"github.com/polysentry/polysentry/internal/domain"
	"github.com/polysentry/polysentry/internal/notify"
	"github.com/polysentry/polysentry/internal/platform/polymarket"
	"github.com/polysentry/polysentry/internal/store/postgres"
)

// Dependencies bundles the infrastructure-level dependencies the operating
// modes build their engine components on. Constructed by Wire and torn down
// by the returned cleanup function.
type Dependencies struct {
	RuleStore     domain.RuleStore
	PositionStore domain.PositionStore
	EventStore    domain.EventStore

	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter

	Archiver *s3blob.Archiver

	Trading  domain.TradingClient
	Gamma    *polymarket.GammaClient
	Notifier *notify.Notifier

	// TokenSource feeds the websocket subscription reconciler.
	TokenSource *postgres.RuleStore
}

// Wire constructs the concrete dependency implementations from the
// configuration and returns them with a cleanup function for shutdown.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Database.DSN,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		Database: cfg.Database.Database,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.PoolMaxConns,
		MinConns: cfg.Database.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Database.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	ruleStore := postgres.NewRuleStore(pool)
	deps.RuleStore = ruleStore
	deps.TokenSource = ruleStore
	deps.PositionStore = postgres.NewPositionStore(pool)
	deps.EventStore = postgres.NewEventStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.PriceCache = redis.NewPriceCache(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)

	// --- S3 event archival (only when enabled) ---
	if cfg.Engine.ArchiveInterval.Duration > 0 {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), deps.EventStore, logger)
	}

	// --- External Polymarket clients ---
	deps.Trading = polymarket.NewTradingClient(cfg.Polymarket.TradingHost, cfg.Polymarket.TradingKey)
	deps.Gamma = polymarket.NewGammaClient(cfg.Polymarket.GammaHost)

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramBotToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramBotToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhook != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhook))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
