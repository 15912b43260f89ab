package domain

import (
	"context"
	"time"
)

// Holding is a single token position as reported by the trading client.
type Holding struct {
	MarketID      string
	TokenID       string
	Shares        float64
	Outcome       string
	MarketTitle   string
	AvgEntryPrice float64
	CurrentPrice  float64
	Redeemable    bool
	EndDate       *time.Time
}

// BetRequest is an order submission to the trading client. Side is always
// SELL for rule executions; Amount is the number of shares to sell.
type BetRequest struct {
	TokenID string
	Side    RuleSide
	Amount  float64
}

// BetResult is a successful order submission. At least one of TxHash or
// OrderID is set.
type BetResult struct {
	TxHash  string
	OrderID string
}

// Reference returns the transaction hash when present, otherwise the order
// ID. It is the value recorded on the rule's terminal transition.
func (r BetResult) Reference() string {
	if r.TxHash != "" {
		return r.TxHash
	}
	return r.OrderID
}

// TradingClient is the external custodial trading service. It holds the
// user's funds, signs orders, and settles them; this engine only consumes
// its REST surface.
type TradingClient interface {
	GetHoldings(ctx context.Context) ([]Holding, error)
	GetMarketPrice(ctx context.Context, marketID, tokenID string) (float64, error)
	PlaceBet(ctx context.Context, req BetRequest) (BetResult, error)
}
