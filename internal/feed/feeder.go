package feed

import (
	"context"
	"log/slog"
	"time"

	"github.com/polysentry/polysentry/internal/domain"
	"github.com/polysentry/polysentry/internal/platform/polymarket"
)

// TokenSource reports the tokens that currently need live prices. Satisfied
// by the rule store's active-token query.
type TokenSource interface {
	ListActiveTokenIDs(ctx context.Context) ([]string, error)
}

// Feeder bridges the websocket market-data feed and the executor: it
// maintains local orderbooks, converts every book update into a mid-price
// tick, and keeps the websocket subscription set reconciled with the tokens
// that have active rules.
//
// Ticks with an unknown (zero) mid are dropped before they reach the
// channel, so consumers never see a zero price.
type Feeder struct {
	ws     *polymarket.WSClient
	books  *BookTracker
	cache  domain.PriceCache
	tokens TokenSource

	ticks        chan domain.PriceTick
	syncInterval time.Duration
	logger       *slog.Logger
}

// NewFeeder creates a Feeder and registers its handlers on the websocket
// client. cache may be nil to skip price caching.
func NewFeeder(
	ws *polymarket.WSClient,
	cache domain.PriceCache,
	tokens TokenSource,
	tickBuffer int,
	syncInterval time.Duration,
	logger *slog.Logger,
) *Feeder {
	if tickBuffer <= 0 {
		tickBuffer = 256
	}
	f := &Feeder{
		ws:           ws,
		books:        NewBookTracker(),
		cache:        cache,
		tokens:       tokens,
		ticks:        make(chan domain.PriceTick, tickBuffer),
		syncInterval: syncInterval,
		logger:       logger.With(slog.String("component", "feeder")),
	}

	ws.OnBook(f.handleBook)
	ws.OnPriceChange(f.handleChange)

	return f
}

// Ticks returns the mid-price tick stream.
func (f *Feeder) Ticks() <-chan domain.PriceTick {
	return f.ticks
}

// Subscribe adds tokens to the live feed.
func (f *Feeder) Subscribe(ctx context.Context, tokenIDs []string) error {
	return f.ws.Subscribe(ctx, tokenIDs)
}

// Run connects the feed and keeps the subscription set in sync with the
// active rules until the context is canceled.
func (f *Feeder) Run(ctx context.Context) error {
	if err := f.ws.Connect(ctx); err != nil {
		return err
	}
	f.logger.Info("feed connected")

	f.reconcile(ctx)

	ticker := time.NewTicker(f.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = f.ws.Close()
			return ctx.Err()
		case <-ticker.C:
			f.reconcile(ctx)
		}
	}
}

func (f *Feeder) handleBook(snap domain.OrderbookSnapshot) {
	mid := f.books.ApplySnapshot(snap)
	f.publish(snap.TokenID, mid, snap.Timestamp)
}

func (f *Feeder) handleChange(change polymarket.PriceChange) {
	mid := f.books.ApplyChange(change)
	f.publish(change.TokenID, mid, change.Timestamp)
}

// publish forwards a mid-price tick to the channel and the price cache.
// Zero mids (empty book) are dropped; a full channel drops the tick rather
// than blocking the websocket read loop.
func (f *Feeder) publish(tokenID string, mid float64, ts time.Time) {
	if mid <= 0 {
		f.logger.Debug("dropping unknown mid", slog.String("token_id", tokenID))
		return
	}

	if f.cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := f.cache.SetPrice(ctx, tokenID, mid, ts); err != nil {
			f.logger.Warn("price cache write failed",
				slog.String("token_id", tokenID),
				slog.String("error", err.Error()),
			)
		}
		cancel()
	}

	tick := domain.PriceTick{TokenID: tokenID, Price: mid, Timestamp: ts}
	select {
	case f.ticks <- tick:
	default:
		f.logger.Warn("tick buffer full, dropping tick",
			slog.String("token_id", tokenID),
			slog.Float64("price", mid),
		)
	}
}

// reconcile diffs the websocket subscription set against the tokens with
// active rules, subscribing the missing ones and unsubscribing the stale
// ones. Stale books are dropped with their subscriptions.
func (f *Feeder) reconcile(ctx context.Context) {
	active, err := f.tokens.ListActiveTokenIDs(ctx)
	if err != nil {
		f.logger.ErrorContext(ctx, "active token lookup failed",
			slog.String("error", err.Error()),
		)
		return
	}

	want := make(map[string]struct{}, len(active))
	for _, id := range active {
		want[id] = struct{}{}
	}

	var stale []string
	for _, id := range f.ws.Subscribed() {
		if _, ok := want[id]; !ok {
			stale = append(stale, id)
		}
	}

	if err := f.ws.Subscribe(ctx, active); err != nil {
		f.logger.ErrorContext(ctx, "subscription sync failed",
			slog.String("error", err.Error()),
		)
	}

	if len(stale) > 0 {
		if err := f.ws.Unsubscribe(ctx, stale); err != nil {
			f.logger.ErrorContext(ctx, "unsubscribe failed",
				slog.String("error", err.Error()),
			)
			return
		}
		for _, id := range stale {
			f.books.Remove(id)
		}
		f.logger.Info("unsubscribed stale tokens", slog.Int("count", len(stale)))
	}
}
