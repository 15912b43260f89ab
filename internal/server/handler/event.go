package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/polysentry/polysentry/internal/domain"
)

// EventReader defines the event-log query surface.
type EventReader interface {
	Events(ctx context.Context, ruleID string, opts domain.ListOpts) ([]domain.RuleEvent, error)
}

// EventHandler serves the rule event-log endpoint.
type EventHandler struct {
	events EventReader
	logger *slog.Logger
}

// NewEventHandler creates an EventHandler.
func NewEventHandler(events EventReader, logger *slog.Logger) *EventHandler {
	return &EventHandler{events: events, logger: logger}
}

// ListEvents returns rule events in insertion order, optionally filtered by
// rule.
// GET /api/events?ruleId=...&limit=50&offset=0
func (h *EventHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.events.Events(r.Context(), r.URL.Query().Get("ruleId"), parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list events failed",
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	if events == nil {
		events = []domain.RuleEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
