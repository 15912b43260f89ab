package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/polysentry/polysentry/internal/executor"
	"github.com/polysentry/polysentry/internal/feed"
	"github.com/polysentry/polysentry/internal/platform/polymarket"
	"github.com/polysentry/polysentry/internal/server"
	"github.com/polysentry/polysentry/internal/server/handler"
	"github.com/polysentry/polysentry/internal/service"
)

// run assembles the engine on top of the wired dependencies and blocks
// until the context is canceled. With dryRun set the executor evaluates and
// logs rule conditions but never submits orders or changes rule state.
func (a *App) run(ctx context.Context, deps *Dependencies, dryRun bool) error {
	logger := slog.Default()
	cfg := a.cfg

	ws := polymarket.NewWSClient(
		cfg.Polymarket.WsHost,
		cfg.Engine.ReconnectDelay.Duration,
		cfg.Engine.MaxReconnectDelay.Duration,
		logger,
	)
	feeder := feed.NewFeeder(
		ws,
		deps.PriceCache,
		deps.TokenSource,
		cfg.Engine.TickBuffer,
		cfg.Engine.SubscriptionSyncInterval.Duration,
		logger,
	)

	events := service.NewEventLogger(deps.EventStore, logger)
	ruleSvc := service.NewRuleService(deps.RuleStore, events, deps.Gamma, feeder, logger)
	posSvc := service.NewPositionService(deps.PositionStore, deps.Trading, logger)

	exec := executor.NewExecutor(
		feeder.Ticks(),
		ruleSvc,
		posSvc,
		deps.Trading,
		events,
		deps.Notifier,
		cfg.Engine.MaxConcurrentExecutions,
		dryRun,
		logger,
	)

	srv := server.NewServer(
		server.Config{
			Port:            cfg.Server.Port,
			CORSOrigins:     cfg.Server.CORSOrigins,
			APIKey:          cfg.Server.APIKey,
			RateLimit:       cfg.Server.RateLimit,
			RateLimitWindow: cfg.Server.RateLimitWindow.Duration,
		},
		server.Handlers{
			Health:    handler.NewHealthHandler(cfg.Mode),
			Rules:     handler.NewRuleHandler(ruleSvc, logger),
			Positions: handler.NewPositionHandler(posSvc, deps.PriceCache, logger),
			Events:    handler.NewEventHandler(events, logger),
		},
		deps.RateLimiter,
		logger,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return feeder.Run(gctx) })
	g.Go(func() error { return exec.Run(gctx) })
	g.Go(func() error { return a.positionSyncLoop(gctx, posSvc) })

	if deps.Archiver != nil {
		g.Go(func() error { return a.archiveLoop(gctx, deps) })
	}

	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// positionSyncLoop refreshes the local position cache from the trading
// service on the configured cadence. Failed sweeps are logged and retried
// on the next tick.
func (a *App) positionSyncLoop(ctx context.Context, positions *service.PositionService) error {
	sync := func() {
		if _, err := positions.UpdatePositions(ctx); err != nil {
			a.logger.ErrorContext(ctx, "position sync failed",
				slog.String("error", err.Error()),
			)
		}
	}
	sync()

	ticker := time.NewTicker(a.cfg.Engine.PositionSyncInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			sync()
		}
	}
}

// archiveLoop periodically copies aged rule events to blob storage.
func (a *App) archiveLoop(ctx context.Context, deps *Dependencies) error {
	ticker := time.NewTicker(a.cfg.Engine.ArchiveInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-a.cfg.Engine.ArchiveRetention.Duration)
			if _, err := deps.Archiver.ArchiveEvents(ctx, cutoff); err != nil {
				a.logger.ErrorContext(ctx, "event archive failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
