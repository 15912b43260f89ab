// Package notify delivers rule lifecycle alerts to external channels.
// Alerts are dispatched to every configured sender and can be filtered by
// event type so operators receive only the alerts they care about.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/polysentry/polysentry/internal/domain"
)

// Alert event types accepted by the notifier filter.
const (
	EventTriggered = "RULE_TRIGGERED"
	EventFailed    = "RULE_FAILED"
)

// Sender is a single delivery channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans rule alerts out to its senders. An empty event filter
// allows everything; delivery failures are logged per sender and never
// propagate to the execution path.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier delivering to the given senders, filtered
// to the listed event types.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		allowed[strings.ToUpper(strings.TrimSpace(e))] = true
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// RuleTriggered announces a successful rule execution.
func (n *Notifier) RuleTriggered(ctx context.Context, rule domain.TradeRule, txRef string) {
	message := fmt.Sprintf(
		"%s rule on %s fired at trigger %.4f\norder ref: %s",
		rule.RuleType, ruleMarket(rule), rule.TriggerPrice, txRef,
	)
	n.notify(ctx, EventTriggered, "Rule triggered", message)
}

// RuleFailed announces a permanent rule failure.
func (n *Notifier) RuleFailed(ctx context.Context, rule domain.TradeRule, reason string) {
	message := fmt.Sprintf(
		"%s rule on %s failed permanently\nreason: %s",
		rule.RuleType, ruleMarket(rule), reason,
	)
	n.notify(ctx, EventFailed, "Rule failed", message)
}

func ruleMarket(rule domain.TradeRule) string {
	if rule.MarketSlug != "" {
		return rule.MarketSlug
	}
	return rule.MarketID
}

// notify applies the event filter and dispatches to every sender. A failed
// sender never blocks delivery to the others.
func (n *Notifier) notify(ctx context.Context, event, title, message string) {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "alert filtered out", slog.String("event", event))
		return
	}

	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			continue
		}
		n.logger.DebugContext(ctx, "alert sent",
			slog.String("sender", s.Name()),
			slog.String("event", event),
		)
	}
}
