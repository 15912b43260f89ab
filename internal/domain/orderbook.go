package domain

import "time"

// PriceLevel is a single price+size entry in an orderbook.
type PriceLevel struct {
	Price float64
	Size  float64
}

// OrderbookSnapshot is a full snapshot of bids and asks for a token.
type OrderbookSnapshot struct {
	TokenID   string
	Bids      []PriceLevel
	Asks      []PriceLevel
	Timestamp time.Time
}

// PriceTick is a single mid-price update for one token, as delivered by the
// price feed. A zero price means the book was empty and must never be
// treated as a valid trigger.
type PriceTick struct {
	TokenID   string
	Price     float64
	Timestamp time.Time
}

// BestBid returns the highest bid price in the snapshot, or 0 when there
// are no bids.
func (s OrderbookSnapshot) BestBid() float64 {
	var best float64
	for _, l := range s.Bids {
		if l.Price > best {
			best = l.Price
		}
	}
	return best
}

// BestAsk returns the lowest ask price in the snapshot, or 0 when there are
// no asks.
func (s OrderbookSnapshot) BestAsk() float64 {
	var best float64
	for _, l := range s.Asks {
		if best == 0 || l.Price < best {
			best = l.Price
		}
	}
	return best
}

// MidPrice derives a best-effort mid price from the snapshot. With both
// sides present it is the bid/ask midpoint; with a one-sided book it falls
// back to the surviving side; an empty book yields 0 ("unknown").
func (s OrderbookSnapshot) MidPrice() float64 {
	bid := s.BestBid()
	ask := s.BestAsk()

	switch {
	case bid > 0 && ask > 0:
		return (bid + ask) / 2
	case bid > 0:
		return bid
	case ask > 0:
		return ask
	default:
		return 0
	}
}
