package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/polysentry/polysentry/internal/domain"
)

// TradingClient is the REST client for the custodial trading service. It
// exposes the holdings, market-price, and order-placement surface the
// engine consumes; custody and order signing live on the other side of it.
//
// Error contract: HTTP error responses are surfaced as *domain.APIError so
// callers can classify failures by status code.
type TradingClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewTradingClient creates a trading client for the given API root.
func NewTradingClient(baseURL, apiKey string) *TradingClient {
	return &TradingClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiHolding is a holding as returned by the trading API.
type apiHolding struct {
	MarketID      string  `json:"marketId"`
	TokenID       string  `json:"tokenId"`
	Shares        float64 `json:"shares"`
	Outcome       string  `json:"outcome"`
	MarketTitle   string  `json:"marketTitle"`
	AvgEntryPrice float64 `json:"averageEntryPrice"`
	CurrentPrice  float64 `json:"currentPrice"`
	Redeemable    bool    `json:"redeemable"`
	EndDate       string  `json:"endDate"`
}

func (h *apiHolding) toDomain() domain.Holding {
	out := domain.Holding{
		MarketID:      h.MarketID,
		TokenID:       h.TokenID,
		Shares:        h.Shares,
		Outcome:       h.Outcome,
		MarketTitle:   h.MarketTitle,
		AvgEntryPrice: h.AvgEntryPrice,
		CurrentPrice:  h.CurrentPrice,
		Redeemable:    h.Redeemable,
	}
	if h.EndDate != "" {
		if t, err := time.Parse(time.RFC3339, h.EndDate); err == nil {
			out.EndDate = &t
		}
	}
	return out
}

// GetHoldings returns the current token holdings of the trading account.
func (c *TradingClient) GetHoldings(ctx context.Context) ([]domain.Holding, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/holdings", nil)
	if err != nil {
		return nil, fmt.Errorf("polymarket/trading: get holdings: %w", err)
	}

	var apiHoldings []apiHolding
	if err := json.Unmarshal(body, &apiHoldings); err != nil {
		return nil, fmt.Errorf("polymarket/trading: decode holdings: %w", err)
	}

	holdings := make([]domain.Holding, 0, len(apiHoldings))
	for i := range apiHoldings {
		holdings = append(holdings, apiHoldings[i].toDomain())
	}
	return holdings, nil
}

// GetMarketPrice returns the current price of a token.
func (c *TradingClient) GetMarketPrice(ctx context.Context, marketID, tokenID string) (float64, error) {
	path := fmt.Sprintf("/markets/%s/price?tokenId=%s", marketID, tokenID)

	body, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return 0, fmt.Errorf("polymarket/trading: get market price: %w", err)
	}

	var result struct {
		Price json.Number `json:"price"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return 0, fmt.Errorf("polymarket/trading: decode price: %w", err)
	}

	price, err := strconv.ParseFloat(result.Price.String(), 64)
	if err != nil {
		return 0, fmt.Errorf("polymarket/trading: parse price %q: %w", result.Price, err)
	}
	return price, nil
}

// PlaceBet submits an order. On success the response carries at least one
// of txHash or orderId; a response with neither is treated as an error.
func (c *TradingClient) PlaceBet(ctx context.Context, req domain.BetRequest) (domain.BetResult, error) {
	payload := map[string]any{
		"tokenId": req.TokenID,
		"side":    string(req.Side),
		"amount":  req.Amount,
	}

	body, err := c.doRequest(ctx, http.MethodPost, "/orders", payload)
	if err != nil {
		return domain.BetResult{}, fmt.Errorf("polymarket/trading: place bet: %w", err)
	}

	var result struct {
		TxHash  string `json:"txHash"`
		OrderID string `json:"orderId"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return domain.BetResult{}, fmt.Errorf("polymarket/trading: decode order result: %w", err)
	}

	if result.TxHash == "" && result.OrderID == "" {
		return domain.BetResult{}, fmt.Errorf("polymarket/trading: order response carries neither txHash nor orderId")
	}

	return domain.BetResult{TxHash: result.TxHash, OrderID: result.OrderID}, nil
}

// doRequest performs an authenticated request and returns the response body.
// Non-2xx responses become *domain.APIError carrying the status code and
// the error message extracted from the body.
func (c *TradingClient) doRequest(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &domain.APIError{
			StatusCode: resp.StatusCode,
			Message:    extractErrorMessage(body),
		}
	}

	return body, nil
}

// extractErrorMessage pulls a human-readable message out of an error body,
// trying the common JSON shapes before falling back to the raw body.
func extractErrorMessage(body []byte) string {
	var shape struct {
		Error    string `json:"error"`
		ErrorMsg string `json:"errorMsg"`
		Message  string `json:"message"`
	}
	if err := json.Unmarshal(body, &shape); err == nil {
		switch {
		case shape.Error != "":
			return shape.Error
		case shape.ErrorMsg != "":
			return shape.ErrorMsg
		case shape.Message != "":
			return shape.Message
		}
	}
	return string(body)
}

// Compile-time interface check.
var _ domain.TradingClient = (*TradingClient)(nil)
