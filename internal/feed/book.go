package feed

import (
	"sync"

	"github.com/polysentry/polysentry/internal/domain"
	"github.com/polysentry/polysentry/internal/platform/polymarket"
)

// tokenBook is the mutable per-token book, price-keyed on each side.
type tokenBook struct {
	bids map[float64]float64
	asks map[float64]float64
}

func newTokenBook() *tokenBook {
	return &tokenBook{
		bids: make(map[float64]float64),
		asks: make(map[float64]float64),
	}
}

func (b *tokenBook) snapshot(tokenID string) domain.OrderbookSnapshot {
	snap := domain.OrderbookSnapshot{
		TokenID: tokenID,
		Bids:    make([]domain.PriceLevel, 0, len(b.bids)),
		Asks:    make([]domain.PriceLevel, 0, len(b.asks)),
	}
	for price, size := range b.bids {
		snap.Bids = append(snap.Bids, domain.PriceLevel{Price: price, Size: size})
	}
	for price, size := range b.asks {
		snap.Asks = append(snap.Asks, domain.PriceLevel{Price: price, Size: size})
	}
	return snap
}

// BookTracker maintains in-memory orderbooks from feed snapshots and
// incremental level updates, and derives mid prices from them. Safe for
// concurrent use.
type BookTracker struct {
	mu    sync.RWMutex
	books map[string]*tokenBook
}

// NewBookTracker creates an empty tracker.
func NewBookTracker() *BookTracker {
	return &BookTracker{
		books: make(map[string]*tokenBook),
	}
}

// ApplySnapshot replaces the token's book wholesale and returns the new mid
// price.
func (t *BookTracker) ApplySnapshot(snap domain.OrderbookSnapshot) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	book := newTokenBook()
	for _, l := range snap.Bids {
		if l.Size > 0 {
			book.bids[l.Price] = l.Size
		}
	}
	for _, l := range snap.Asks {
		if l.Size > 0 {
			book.asks[l.Price] = l.Size
		}
	}
	t.books[snap.TokenID] = book

	return book.snapshot(snap.TokenID).MidPrice()
}

// ApplyChange applies a single level update and returns the resulting mid
// price. A size of 0 removes the level. A change for a token without a
// snapshot starts a book from that single level.
func (t *BookTracker) ApplyChange(change polymarket.PriceChange) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	book, ok := t.books[change.TokenID]
	if !ok {
		book = newTokenBook()
		t.books[change.TokenID] = book
	}

	side := book.bids
	if change.Side == "SELL" {
		side = book.asks
	}

	if change.Size == 0 {
		delete(side, change.Price)
	} else {
		side[change.Price] = change.Size
	}

	return book.snapshot(change.TokenID).MidPrice()
}

// Mid returns the current mid price for a token, or 0 when no book is
// tracked or the book is empty.
func (t *BookTracker) Mid(tokenID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	book, ok := t.books[tokenID]
	if !ok {
		return 0
	}
	return book.snapshot(tokenID).MidPrice()
}

// Remove drops a token's book, typically after an unsubscribe.
func (t *BookTracker) Remove(tokenID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.books, tokenID)
}
