package executor

import "github.com/polysentry/polysentry/internal/domain"

// ShouldTrigger reports whether a rule's price condition is met by the
// given observed price. Stops fire at or below the trigger, take-profits at
// or above it; a trailing stop evaluates against its current (ratcheted)
// trigger exactly like a plain stop.
func ShouldTrigger(rule domain.TradeRule, price float64) bool {
	switch rule.RuleType {
	case domain.RuleTypeStopLoss, domain.RuleTypeTrailingStop:
		return price <= rule.TriggerPrice
	case domain.RuleTypeTakeProfit:
		return price >= rule.TriggerPrice
	}
	return false
}
