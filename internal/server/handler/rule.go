package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/polysentry/polysentry/internal/domain"
	"github.com/polysentry/polysentry/internal/service"
)

// RuleManager defines the rule operations the HTTP layer exposes.
type RuleManager interface {
	CreateRule(ctx context.Context, in service.CreateRuleInput) (domain.TradeRule, error)
	GetRule(ctx context.Context, id string) (domain.TradeRule, error)
	ListRules(ctx context.Context, status *domain.RuleStatus, opts domain.ListOpts) ([]domain.TradeRule, error)
	UpdateTriggerPrice(ctx context.Context, id string, price float64) (domain.TradeRule, error)
	CancelRule(ctx context.Context, id string) error
}

// RuleHandler serves the trade-rule endpoints.
type RuleHandler struct {
	rules  RuleManager
	logger *slog.Logger
}

// NewRuleHandler creates a RuleHandler.
func NewRuleHandler(rules RuleManager, logger *slog.Logger) *RuleHandler {
	return &RuleHandler{rules: rules, logger: logger}
}

// ruleResponse is the wire representation of a trade rule.
type ruleResponse struct {
	ID              string     `json:"id"`
	RuleType        string     `json:"ruleType"`
	MarketID        string     `json:"marketId"`
	TokenID         string     `json:"tokenId"`
	Side            string     `json:"side"`
	TriggerPrice    float64    `json:"triggerPrice"`
	TrailingPercent *float64   `json:"trailingPercent,omitempty"`
	PeakPrice       *float64   `json:"peakPrice,omitempty"`
	ActionKind      string     `json:"actionKind"`
	ActionAmount    float64    `json:"actionAmount,omitempty"`
	Status          string     `json:"status"`
	MarketSlug      string     `json:"marketSlug,omitempty"`
	TriggeredAt     *time.Time `json:"triggeredAt,omitempty"`
	TriggerTxHash   string     `json:"triggerTxHash,omitempty"`
	ErrorMessage    string     `json:"errorMessage,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

func toRuleResponse(r domain.TradeRule) ruleResponse {
	return ruleResponse{
		ID:              r.ID,
		RuleType:        string(r.RuleType),
		MarketID:        r.MarketID,
		TokenID:         r.TokenID,
		Side:            string(r.Side),
		TriggerPrice:    r.TriggerPrice,
		TrailingPercent: r.TrailingPercent,
		PeakPrice:       r.PeakPrice,
		ActionKind:      string(r.Action.Kind),
		ActionAmount:    r.Action.Amount,
		Status:          string(r.Status),
		MarketSlug:      r.MarketSlug,
		TriggeredAt:     r.TriggeredAt,
		TriggerTxHash:   r.TriggerTxHash,
		ErrorMessage:    r.ErrorMessage,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

// createRuleRequest is the POST /api/rules body.
type createRuleRequest struct {
	RuleType        string   `json:"ruleType"`
	MarketID        string   `json:"marketId"`
	TokenID         string   `json:"tokenId"`
	Side            string   `json:"side"`
	TriggerPrice    float64  `json:"triggerPrice"`
	TrailingPercent *float64 `json:"trailingPercent"`
	ActionKind      string   `json:"actionKind"`
	ActionAmount    float64  `json:"actionAmount"`
}

// CreateRule creates a trade rule.
// POST /api/rules
func (h *RuleHandler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req createRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rule, err := h.rules.CreateRule(r.Context(), service.CreateRuleInput{
		RuleType:        domain.RuleType(req.RuleType),
		MarketID:        req.MarketID,
		TokenID:         req.TokenID,
		Side:            domain.RuleSide(req.Side),
		TriggerPrice:    req.TriggerPrice,
		TrailingPercent: req.TrailingPercent,
		ActionKind:      domain.ActionKind(req.ActionKind),
		ActionAmount:    req.ActionAmount,
	})
	if err != nil {
		h.logger.WarnContext(r.Context(), "handler: create rule failed",
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toRuleResponse(rule))
}

// ListRules lists rules with optional status filtering.
// GET /api/rules?status=ACTIVE&limit=50&offset=0
func (h *RuleHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	var status *domain.RuleStatus
	if v := r.URL.Query().Get("status"); v != "" {
		s := domain.RuleStatus(v)
		switch s {
		case domain.RuleStatusActive, domain.RuleStatusTriggered, domain.RuleStatusFailed, domain.RuleStatusCanceled:
			status = &s
		default:
			writeError(w, http.StatusBadRequest, "unknown status "+v)
			return
		}
	}

	rules, err := h.rules.ListRules(r.Context(), status, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list rules failed",
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	out := make([]ruleResponse, 0, len(rules))
	for _, rule := range rules {
		out = append(out, toRuleResponse(rule))
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": out})
}

// GetRule returns a single rule.
// GET /api/rules/{id}
func (h *RuleHandler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.rules.GetRule(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleResponse(rule))
}

// updateRuleRequest is the PATCH /api/rules/{id} body.
type updateRuleRequest struct {
	TriggerPrice float64 `json:"triggerPrice"`
}

// UpdateRule changes the trigger price of an active rule.
// PATCH /api/rules/{id}
func (h *RuleHandler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	var req updateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rule, err := h.rules.UpdateTriggerPrice(r.Context(), r.PathValue("id"), req.TriggerPrice)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleResponse(rule))
}

// CancelRule cancels a rule.
// DELETE /api/rules/{id}
func (h *RuleHandler) CancelRule(w http.ResponseWriter, r *http.Request) {
	if err := h.rules.CancelRule(r.Context(), r.PathValue("id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
