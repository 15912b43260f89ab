package domain

import "time"

// RuleType identifies the price condition a trade rule monitors.
type RuleType string

const (
	RuleTypeStopLoss     RuleType = "STOP_LOSS"
	RuleTypeTakeProfit   RuleType = "TAKE_PROFIT"
	RuleTypeTrailingStop RuleType = "TRAILING_STOP"
)

// RuleSide is the direction of the position the rule watches. Rules default
// to BUY: they protect a held long position by selling it.
type RuleSide string

const (
	RuleSideBuy  RuleSide = "BUY"
	RuleSideSell RuleSide = "SELL"
)

// RuleStatus tracks the rule lifecycle. ACTIVE is the only non-terminal
// state; a rule leaves ACTIVE exactly once, enforced by a conditional
// update at the storage layer.
type RuleStatus string

const (
	RuleStatusActive    RuleStatus = "ACTIVE"
	RuleStatusTriggered RuleStatus = "TRIGGERED"
	RuleStatusFailed    RuleStatus = "FAILED"
	RuleStatusCanceled  RuleStatus = "CANCELED"
)

// Terminal reports whether the status permits no further transitions other
// than the FAILED -> CANCELED path.
func (s RuleStatus) Terminal() bool {
	return s == RuleStatusTriggered || s == RuleStatusFailed || s == RuleStatusCanceled
}

// ActionKind selects the sell-amount resolution strategy when a rule fires.
type ActionKind string

const (
	ActionSellAll     ActionKind = "SELL_ALL"
	ActionSellPartial ActionKind = "SELL_PARTIAL"
)

// RuleAction is the validated action variant attached to a rule. Amount is
// only meaningful for SELL_PARTIAL and holds the fixed number of shares to
// sell when the rule fires.
type RuleAction struct {
	Kind   ActionKind
	Amount float64
}

// TradeRule is a user intent to automatically close a position when a price
// condition is met.
type TradeRule struct {
	ID              string
	RuleType        RuleType
	MarketID        string
	TokenID         string
	Side            RuleSide
	TriggerPrice    float64
	TrailingPercent *float64 // fraction of the peak, only for TRAILING_STOP
	PeakPrice       *float64 // highest observed price while ACTIVE
	Action          RuleAction
	Status          RuleStatus
	MarketSlug      string // display metadata, non-authoritative

	TriggeredAt   *time.Time
	TriggerTxHash string
	ErrorMessage  string

	CreatedAt time.Time
	UpdatedAt time.Time
}
