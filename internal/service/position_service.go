package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/polysentry/polysentry/internal/domain"
)

// PositionService keeps the local position cache in sync with the trading
// account. The cache exists so the executor's pre-flight checks never block
// on a trading API round trip.
type PositionService struct {
	positions domain.PositionStore
	trading   domain.TradingClient
	logger    *slog.Logger
}

// NewPositionService creates a PositionService.
func NewPositionService(positions domain.PositionStore, trading domain.TradingClient, logger *slog.Logger) *PositionService {
	return &PositionService{
		positions: positions,
		trading:   trading,
		logger:    logger.With(slog.String("component", "position_service")),
	}
}

// UpdatePositions fetches current holdings from the trading service and
// upserts them into the cache. An upsert failure for one holding is logged
// and does not abort the sweep.
func (s *PositionService) UpdatePositions(ctx context.Context) ([]domain.MonitoredPosition, error) {
	holdings, err := s.trading.GetHoldings(ctx)
	if err != nil {
		return nil, fmt.Errorf("position_service: fetch holdings: %w", err)
	}

	now := time.Now().UTC()
	out := make([]domain.MonitoredPosition, 0, len(holdings))
	for _, h := range holdings {
		pos := domain.MonitoredPosition{
			MarketID:      h.MarketID,
			TokenID:       h.TokenID,
			Side:          domain.RuleSideBuy,
			Quantity:      h.Shares,
			AvgEntryPrice: h.AvgEntryPrice,
			CurrentPrice:  h.CurrentPrice,
			MarketTitle:   h.MarketTitle,
			Outcome:       h.Outcome,
			Redeemable:    h.Redeemable,
			EndDate:       h.EndDate,
			UpdatedAt:     now,
		}
		if err := s.positions.Upsert(ctx, pos); err != nil {
			s.logger.ErrorContext(ctx, "position upsert failed",
				slog.String("market_id", pos.MarketID),
				slog.String("token_id", pos.TokenID),
				slog.String("error", err.Error()),
			)
			continue
		}
		out = append(out, pos)
	}

	s.logger.DebugContext(ctx, "positions synced", slog.Int("count", len(out)))
	return out, nil
}

// GetPosition returns the cached position for a market/token pair.
func (s *PositionService) GetPosition(ctx context.Context, marketID, tokenID string) (domain.MonitoredPosition, error) {
	pos, err := s.positions.Get(ctx, marketID, tokenID)
	if err != nil {
		return domain.MonitoredPosition{}, fmt.Errorf("position_service: get position: %w", err)
	}
	return pos, nil
}

// ListPositions returns all cached positions.
func (s *PositionService) ListPositions(ctx context.Context) ([]domain.MonitoredPosition, error) {
	positions, err := s.positions.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("position_service: list positions: %w", err)
	}
	return positions, nil
}

// GetCurrentPrice asks the trading service for a token's live price,
// bypassing the feed. Used as a fallback when no tick has arrived yet.
func (s *PositionService) GetCurrentPrice(ctx context.Context, marketID, tokenID string) (float64, error) {
	price, err := s.trading.GetMarketPrice(ctx, marketID, tokenID)
	if err != nil {
		return 0, fmt.Errorf("position_service: get current price: %w", err)
	}
	return price, nil
}

// UpdatePositionPrice writes an observed price into the cached position.
func (s *PositionService) UpdatePositionPrice(ctx context.Context, marketID, tokenID string, price float64) error {
	if err := s.positions.UpdatePrice(ctx, marketID, tokenID, price); err != nil {
		return fmt.Errorf("position_service: update position price: %w", err)
	}
	return nil
}
