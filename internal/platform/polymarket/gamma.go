package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// MarketInfo is the display metadata fetched once at rule creation. It is
// non-authoritative; execution decisions never depend on it.
type MarketInfo struct {
	ID       string
	Question string
	Slug     string
	Closed   bool
	EndDate  *time.Time
}

// GammaClient is the REST client for the Gamma API, which provides market
// metadata.
type GammaClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewGammaClient creates a new Gamma API client.
//
// baseURL is the Gamma API root, e.g. "https://gamma-api.polymarket.com".
func NewGammaClient(baseURL string) *GammaClient {
	return &GammaClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// apiMarket is the subset of the Gamma market response this engine reads.
type apiMarket struct {
	ID         string `json:"id"`
	Question   string `json:"question"`
	Slug       string `json:"slug"`
	Closed     bool   `json:"closed"`
	EndDateISO string `json:"end_date_iso"`
}

// GetMarket returns metadata for a single market by its ID.
func (g *GammaClient) GetMarket(ctx context.Context, marketID string) (MarketInfo, error) {
	path := fmt.Sprintf("/markets/%s", url.PathEscape(marketID))

	body, err := g.doGet(ctx, path)
	if err != nil {
		return MarketInfo{}, fmt.Errorf("polymarket/gamma: get market %s: %w", marketID, err)
	}

	var m apiMarket
	if err := json.Unmarshal(body, &m); err != nil {
		return MarketInfo{}, fmt.Errorf("polymarket/gamma: decode market: %w", err)
	}

	info := MarketInfo{
		ID:       m.ID,
		Question: m.Question,
		Slug:     m.Slug,
		Closed:   m.Closed,
	}
	if m.EndDateISO != "" {
		if t, err := time.Parse(time.RFC3339, m.EndDateISO); err == nil {
			info.EndDate = &t
		}
	}

	return info, nil
}

func (g *GammaClient) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}
