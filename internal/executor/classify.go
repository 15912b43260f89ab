package executor

import (
	"errors"
	"strings"

	"github.com/polysentry/polysentry/internal/domain"
)

// permanentPhrases mark order failures that no retry can fix: the funds,
// the market, or the position itself rule out the trade.
var permanentPhrases = []string{
	"insufficient funds",
	"insufficient balance",
	"invalid token",
	"invalid price",
	"market closed",
	"market resolved",
	"no orderbook",
	"no match",
	"not enough shares",
	"position not found",
}

// orderbookPhrases identify 5xx responses that are really market-state
// errors surfaced with the wrong status code.
var orderbookPhrases = []string{
	"no orderbook",
	"no match",
}

func containsAny(msg string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsPermanent classifies an order failure. Permanent failures move the rule
// to FAILED; everything else is treated as transient and the rule stays
// ACTIVE for the next tick.
//
// API errors classify by status code: any 4xx is permanent, a 5xx is
// permanent only when the body names an orderbook or matching problem.
// Errors without a status code fall back to phrase matching.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *domain.APIError
	if errors.As(err, &apiErr) {
		msg := strings.ToLower(apiErr.Message)
		if apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
			return true
		}
		if apiErr.StatusCode >= 500 {
			return containsAny(msg, orderbookPhrases)
		}
		return containsAny(msg, permanentPhrases)
	}

	return containsAny(strings.ToLower(err.Error()), permanentPhrases)
}
