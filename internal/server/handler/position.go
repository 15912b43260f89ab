package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/polysentry/polysentry/internal/domain"
)

// PositionMonitor defines the position operations the HTTP layer exposes.
type PositionMonitor interface {
	ListPositions(ctx context.Context) ([]domain.MonitoredPosition, error)
	UpdatePositions(ctx context.Context) ([]domain.MonitoredPosition, error)
}

// PositionHandler serves the cached-position endpoints. prices may be nil;
// when present, listings overlay the latest feed tick on each position so
// the API reflects prices fresher than the last reconciliation sweep.
type PositionHandler struct {
	positions PositionMonitor
	prices    domain.PriceCache
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(positions PositionMonitor, prices domain.PriceCache, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{positions: positions, prices: prices, logger: logger}
}

// ListPositions returns the cached positions with live prices overlaid.
// GET /api/positions
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.positions.ListPositions(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list positions failed",
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	h.overlayPrices(r.Context(), positions)

	if positions == nil {
		positions = []domain.MonitoredPosition{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
}

// SyncPositions refreshes the position cache from the trading service and
// returns the result.
// POST /api/positions/sync
func (h *PositionHandler) SyncPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.positions.UpdatePositions(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: position sync failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, "position sync failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
}

// overlayPrices replaces each position's CurrentPrice with the latest cached
// tick where one exists. Cache failures leave the reconciled prices as-is.
func (h *PositionHandler) overlayPrices(ctx context.Context, positions []domain.MonitoredPosition) {
	if h.prices == nil || len(positions) == 0 {
		return
	}

	tokenIDs := make([]string, 0, len(positions))
	for _, p := range positions {
		tokenIDs = append(tokenIDs, p.TokenID)
	}

	latest, err := h.prices.GetPrices(ctx, tokenIDs)
	if err != nil {
		h.logger.WarnContext(ctx, "price cache read failed",
			slog.String("error", err.Error()),
		)
		return
	}

	for i := range positions {
		if price, ok := latest[positions[i].TokenID]; ok {
			positions[i].CurrentPrice = price
		}
	}
}
