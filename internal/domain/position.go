package domain

import "time"

// MonitoredPosition is the locally cached view of an open holding, keyed by
// (MarketID, TokenID, Side). It is written only by the position monitor's
// reconciliation sweep and read by the executor's pre-flight checks.
type MonitoredPosition struct {
	MarketID      string
	TokenID       string
	Side          RuleSide
	Quantity      float64
	AvgEntryPrice float64
	CurrentPrice  float64
	MarketTitle   string
	Outcome       string
	Redeemable    bool // market resolved; holding can only be redeemed
	EndDate       *time.Time
	UpdatedAt     time.Time
}

// Tradable reports whether an order against this position can still be
// matched: resolved markets and markets past their end date are closed.
func (p MonitoredPosition) Tradable(now time.Time) bool {
	if p.Redeemable {
		return false
	}
	if p.EndDate != nil && now.After(*p.EndDate) {
		return false
	}
	return true
}
