package service

import (
	"context"
	"log/slog"

	"github.com/polysentry/polysentry/internal/domain"
)

// EventLogger records rule lifecycle events. It is a pure append path:
// a failed write is logged and swallowed, because audit logging must never
// block or fail rule execution.
type EventLogger struct {
	store  domain.EventStore
	logger *slog.Logger
}

// NewEventLogger creates an EventLogger backed by the given store.
func NewEventLogger(store domain.EventStore, logger *slog.Logger) *EventLogger {
	return &EventLogger{
		store:  store,
		logger: logger.With(slog.String("component", "event_logger")),
	}
}

// Log appends a rule event. Rule existence is not validated.
func (l *EventLogger) Log(ctx context.Context, ruleID string, eventType domain.EventType, payload map[string]any) {
	err := l.store.Append(ctx, domain.RuleEvent{
		RuleID:  ruleID,
		Type:    eventType,
		Payload: payload,
	})
	if err != nil {
		l.logger.ErrorContext(ctx, "event append failed",
			slog.String("rule_id", ruleID),
			slog.String("event_type", string(eventType)),
			slog.String("error", err.Error()),
		)
	}
}

// Events returns events in insertion order, optionally filtered by rule.
func (l *EventLogger) Events(ctx context.Context, ruleID string, opts domain.ListOpts) ([]domain.RuleEvent, error) {
	return l.store.List(ctx, ruleID, opts)
}
