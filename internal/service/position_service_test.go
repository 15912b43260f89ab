package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/polysentry/polysentry/internal/domain"
)

type memPositionStore struct {
	mu        sync.Mutex
	positions map[string]domain.MonitoredPosition
}

func newMemPositionStore() *memPositionStore {
	return &memPositionStore{positions: make(map[string]domain.MonitoredPosition)}
}

func posKey(marketID, tokenID string) string { return marketID + "|" + tokenID }

func (s *memPositionStore) Upsert(ctx context.Context, pos domain.MonitoredPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[posKey(pos.MarketID, pos.TokenID)] = pos
	return nil
}

func (s *memPositionStore) Get(ctx context.Context, marketID, tokenID string) (domain.MonitoredPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[posKey(marketID, tokenID)]
	if !ok {
		return domain.MonitoredPosition{}, domain.ErrNotFound
	}
	return pos, nil
}

func (s *memPositionStore) List(ctx context.Context) ([]domain.MonitoredPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.MonitoredPosition, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	return out, nil
}

func (s *memPositionStore) UpdatePrice(ctx context.Context, marketID, tokenID string, price float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[posKey(marketID, tokenID)]
	if !ok {
		return domain.ErrNotFound
	}
	pos.CurrentPrice = price
	s.positions[posKey(marketID, tokenID)] = pos
	return nil
}

type stubTrading struct {
	holdings []domain.Holding
	holdErr  error
	price    float64
	priceErr error
}

func (t *stubTrading) GetHoldings(ctx context.Context) ([]domain.Holding, error) {
	return t.holdings, t.holdErr
}

func (t *stubTrading) GetMarketPrice(ctx context.Context, marketID, tokenID string) (float64, error) {
	return t.price, t.priceErr
}

func (t *stubTrading) PlaceBet(ctx context.Context, req domain.BetRequest) (domain.BetResult, error) {
	return domain.BetResult{}, errors.New("not implemented")
}

func newTestPositionService(trading *stubTrading) (*PositionService, *memPositionStore) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := newMemPositionStore()
	return NewPositionService(store, trading, logger), store
}

func TestUpdatePositions_UpsertsHoldings(t *testing.T) {
	trading := &stubTrading{holdings: []domain.Holding{
		{MarketID: "mkt-1", TokenID: "tok-1", Shares: 10, Outcome: "Yes", AvgEntryPrice: 0.55},
		{MarketID: "mkt-2", TokenID: "tok-2", Shares: 4, Redeemable: true},
	}}
	svc, store := newTestPositionService(trading)

	synced, err := svc.UpdatePositions(context.Background())
	if err != nil {
		t.Fatalf("UpdatePositions() error = %v", err)
	}
	if len(synced) != 2 {
		t.Fatalf("synced = %d positions, want 2", len(synced))
	}

	pos, err := store.Get(context.Background(), "mkt-1", "tok-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if pos.Quantity != 10 || pos.Side != domain.RuleSideBuy || pos.AvgEntryPrice != 0.55 {
		t.Errorf("cached position = %+v, want quantity 10, side BUY, entry 0.55", pos)
	}

	pos, _ = store.Get(context.Background(), "mkt-2", "tok-2")
	if !pos.Redeemable {
		t.Error("redeemable flag should survive the sync")
	}
}

func TestUpdatePositions_FetchFailure(t *testing.T) {
	svc, _ := newTestPositionService(&stubTrading{holdErr: errors.New("service down")})

	if _, err := svc.UpdatePositions(context.Background()); err == nil {
		t.Fatal("UpdatePositions() should surface the holdings fetch failure")
	}
}

func TestGetCurrentPrice(t *testing.T) {
	svc, _ := newTestPositionService(&stubTrading{price: 0.62})

	price, err := svc.GetCurrentPrice(context.Background(), "mkt-1", "tok-1")
	if err != nil {
		t.Fatalf("GetCurrentPrice() error = %v", err)
	}
	if price != 0.62 {
		t.Errorf("price = %v, want 0.62", price)
	}
}

func TestUpdatePositionPrice(t *testing.T) {
	svc, store := newTestPositionService(&stubTrading{})
	store.Upsert(context.Background(), domain.MonitoredPosition{
		MarketID: "mkt-1", TokenID: "tok-1", Quantity: 10, CurrentPrice: 0.50,
	})

	if err := svc.UpdatePositionPrice(context.Background(), "mkt-1", "tok-1", 0.58); err != nil {
		t.Fatalf("UpdatePositionPrice() error = %v", err)
	}
	pos, _ := store.Get(context.Background(), "mkt-1", "tok-1")
	if pos.CurrentPrice != 0.58 {
		t.Errorf("current price = %v, want 0.58", pos.CurrentPrice)
	}

	err := svc.UpdatePositionPrice(context.Background(), "mkt-1", "missing", 0.58)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("UpdatePositionPrice(missing) error = %v, want ErrNotFound", err)
	}
}
