package polymarket

import (
	"strconv"
	"time"

	"github.com/polysentry/polysentry/internal/domain"
)

// WSCommand is a subscribe/unsubscribe frame sent to the market-data feed.
type WSCommand struct {
	Type    string   `json:"type"`
	Channel string   `json:"channel"`
	Assets  []string `json:"assets_ids"`
}

// WSPriceLevel is a single bid/ask level in the websocket orderbook data.
// Prices and sizes arrive as decimal strings.
type WSPriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// BookMessage is a full orderbook snapshot delivered over the websocket.
// Depending on feed version the sides arrive as bids/asks or buys/sells.
type BookMessage struct {
	AssetID   string         `json:"asset_id"`
	Market    string         `json:"market"`
	Bids      []WSPriceLevel `json:"bids"`
	Asks      []WSPriceLevel `json:"asks"`
	Buys      []WSPriceLevel `json:"buys"`
	Sells     []WSPriceLevel `json:"sells"`
	Timestamp string         `json:"timestamp"`
	Hash      string         `json:"hash"`
}

// PriceChangeMessage is an incremental orderbook price-level update.
type PriceChangeMessage struct {
	AssetID   string `json:"asset_id"`
	Market    string `json:"market"`
	Side      string `json:"side"`  // "BUY" or "SELL"
	Price     string `json:"price"`
	Size      string `json:"size"` // "0" means level removed
	Timestamp string `json:"timestamp"`
}

// toLevels converts wire levels to domain levels, dropping entries whose
// price fails to parse.
func toLevels(in []WSPriceLevel) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(in))
	for _, l := range in {
		price, err := strconv.ParseFloat(l.Price, 64)
		if err != nil {
			continue
		}
		size, err := strconv.ParseFloat(l.Size, 64)
		if err != nil {
			continue
		}
		out = append(out, domain.PriceLevel{Price: price, Size: size})
	}
	return out
}

// parseTimestamp interprets the feed's millisecond-epoch timestamp string,
// falling back to the current time when it is absent or malformed.
func parseTimestamp(s string) time.Time {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil && ms > 0 {
		return time.UnixMilli(ms)
	}
	return time.Now().UTC()
}

// ToDomainSnapshot converts a book message to a domain snapshot, merging the
// two side-naming conventions.
func (m *BookMessage) ToDomainSnapshot() domain.OrderbookSnapshot {
	bids := m.Bids
	if len(bids) == 0 {
		bids = m.Buys
	}
	asks := m.Asks
	if len(asks) == 0 {
		asks = m.Sells
	}

	return domain.OrderbookSnapshot{
		TokenID:   m.AssetID,
		Bids:      toLevels(bids),
		Asks:      toLevels(asks),
		Timestamp: parseTimestamp(m.Timestamp),
	}
}

// PriceChange is a parsed incremental level update.
type PriceChange struct {
	TokenID   string
	Side      string
	Price     float64
	Size      float64
	Timestamp time.Time
}

// ToPriceChange converts a price-change message, reporting false when the
// numeric fields fail to parse.
func (m *PriceChangeMessage) ToPriceChange() (PriceChange, bool) {
	price, err := strconv.ParseFloat(m.Price, 64)
	if err != nil {
		return PriceChange{}, false
	}
	size, err := strconv.ParseFloat(m.Size, 64)
	if err != nil {
		return PriceChange{}, false
	}
	return PriceChange{
		TokenID:   m.AssetID,
		Side:      m.Side,
		Price:     price,
		Size:      size,
		Timestamp: parseTimestamp(m.Timestamp),
	}, true
}
