package domain

import (
	"context"
	"io"
	"time"
)

// ListOpts provides pagination for list queries.
type ListOpts struct {
	Limit  int
	Offset int
}

// RuleStore persists trade rules. The status column is owned exclusively by
// this store: every transition out of ACTIVE is a conditional update
// (`WHERE status = 'ACTIVE'`) and the bool result reports whether this call
// performed the transition or lost the race.
type RuleStore interface {
	Create(ctx context.Context, rule TradeRule) error
	GetByID(ctx context.Context, id string) (TradeRule, error)
	List(ctx context.Context, status *RuleStatus, opts ListOpts) ([]TradeRule, error)
	ListActiveByToken(ctx context.Context, tokenID string) ([]TradeRule, error)
	ListActiveTokenIDs(ctx context.Context) ([]string, error)

	// UpdateTriggerPrice changes the trigger price of an ACTIVE rule and
	// reports whether a row was updated.
	UpdateTriggerPrice(ctx context.Context, id string, price float64) (bool, error)

	// RatchetPeak raises the persisted peak price and the derived trigger
	// price of an ACTIVE trailing-stop rule. The update only applies when
	// the stored peak is below the new one, so the peak is monotonically
	// non-decreasing under concurrent ticks, and the stored trigger only
	// ever moves up: a derived trigger below the stored one raises the
	// peak but leaves the trigger in place.
	RatchetPeak(ctx context.Context, id string, peak, trigger float64) (bool, error)

	MarkTriggered(ctx context.Context, id, txRef string) (bool, error)
	MarkFailed(ctx context.Context, id, message string) (bool, error)

	// Cancel transitions an ACTIVE or FAILED rule to CANCELED.
	Cancel(ctx context.Context, id string) (bool, error)
}

// PositionStore persists the monitored-position cache, keyed by
// (marketID, tokenID, side). Rows are upserted, never deleted.
type PositionStore interface {
	Upsert(ctx context.Context, pos MonitoredPosition) error
	Get(ctx context.Context, marketID, tokenID string) (MonitoredPosition, error)
	List(ctx context.Context) ([]MonitoredPosition, error)
	UpdatePrice(ctx context.Context, marketID, tokenID string, price float64) error
}

// EventStore persists the append-only rule event log.
type EventStore interface {
	Append(ctx context.Context, event RuleEvent) error
	// List returns events in insertion order, optionally filtered by rule.
	// An empty ruleID lists all events.
	List(ctx context.Context, ruleID string, opts ListOpts) ([]RuleEvent, error)
	// ListBefore returns all events created strictly before the cutoff,
	// used by the archiver.
	ListBefore(ctx context.Context, before time.Time) ([]RuleEvent, error)
}

// PriceCache caches the latest observed price per token.
type PriceCache interface {
	SetPrice(ctx context.Context, tokenID string, price float64, ts time.Time) error
	GetPrice(ctx context.Context, tokenID string) (float64, time.Time, error)
	GetPrices(ctx context.Context, tokenIDs []string) (map[string]float64, error)
}

// RateLimiter implements a fixed-window request limiter.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// BlobWriter uploads objects to blob storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}
