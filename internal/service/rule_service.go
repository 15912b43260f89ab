package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/polysentry/polysentry/internal/domain"
	"github.com/polysentry/polysentry/internal/platform/polymarket"
)

// MarketMetadata fetches display metadata for a market. Implemented by the
// Gamma client; metadata failures never fail rule creation.
type MarketMetadata interface {
	GetMarket(ctx context.Context, marketID string) (polymarket.MarketInfo, error)
}

// PriceSubscriber is the feed surface the rule manager drives: newly
// created rules subscribe their token, so the first tick can arrive within
// one feed latency interval of creation.
type PriceSubscriber interface {
	Subscribe(ctx context.Context, tokenIDs []string) error
}

// CreateRuleInput is the unvalidated input for rule creation.
type CreateRuleInput struct {
	RuleType        domain.RuleType
	MarketID        string
	TokenID         string
	Side            domain.RuleSide
	TriggerPrice    float64
	TrailingPercent *float64
	ActionKind      domain.ActionKind
	ActionAmount    float64
}

// RuleService owns the trade-rule state machine: creation and validation,
// trigger-price updates, cancellation, and the conditional terminal
// transitions the executor relies on.
type RuleService struct {
	rules  domain.RuleStore
	events *EventLogger
	meta   MarketMetadata
	feed   PriceSubscriber
	logger *slog.Logger
}

// NewRuleService creates a RuleService with all required dependencies.
// meta and feed may be nil; both are best-effort collaborators.
func NewRuleService(
	rules domain.RuleStore,
	events *EventLogger,
	meta MarketMetadata,
	feed PriceSubscriber,
	logger *slog.Logger,
) *RuleService {
	return &RuleService{
		rules:  rules,
		events: events,
		meta:   meta,
		feed:   feed,
		logger: logger.With(slog.String("component", "rule_service")),
	}
}

// validate checks the creation input shape. Validation failures have no
// side effects.
func validate(in CreateRuleInput) error {
	switch in.RuleType {
	case domain.RuleTypeStopLoss, domain.RuleTypeTakeProfit, domain.RuleTypeTrailingStop:
	default:
		return fmt.Errorf("rule_service: %w: unknown rule type %q", domain.ErrValidation, in.RuleType)
	}

	if in.MarketID == "" || in.TokenID == "" {
		return fmt.Errorf("rule_service: %w: market id and token id are required", domain.ErrValidation)
	}

	if in.TriggerPrice <= 0 || in.TriggerPrice >= 1 {
		return fmt.Errorf("rule_service: %w: trigger price %v outside (0,1)", domain.ErrValidation, in.TriggerPrice)
	}

	if in.RuleType == domain.RuleTypeTrailingStop {
		if in.TrailingPercent == nil {
			return fmt.Errorf("rule_service: %w: trailing percent is required for trailing stops", domain.ErrValidation)
		}
		if *in.TrailingPercent <= 0 || *in.TrailingPercent >= 1 {
			return fmt.Errorf("rule_service: %w: trailing percent %v outside (0,1)", domain.ErrValidation, *in.TrailingPercent)
		}
	} else if in.TrailingPercent != nil {
		return fmt.Errorf("rule_service: %w: trailing percent is only valid for trailing stops", domain.ErrValidation)
	}

	switch in.ActionKind {
	case domain.ActionSellAll:
		if in.ActionAmount != 0 {
			return fmt.Errorf("rule_service: %w: SELL_ALL takes no amount", domain.ErrValidation)
		}
	case domain.ActionSellPartial:
		if in.ActionAmount <= 0 {
			return fmt.Errorf("rule_service: %w: SELL_PARTIAL requires a positive amount", domain.ErrValidation)
		}
	default:
		return fmt.Errorf("rule_service: %w: unknown action %q", domain.ErrValidation, in.ActionKind)
	}

	switch in.Side {
	case "", domain.RuleSideBuy, domain.RuleSideSell:
	default:
		return fmt.Errorf("rule_service: %w: unknown side %q", domain.ErrValidation, in.Side)
	}

	return nil
}

// CreateRule validates the input, persists the rule as ACTIVE, records the
// RULE_CREATED event, and subscribes the feed to the rule's token. Market
// display metadata is fetched best-effort; a metadata failure never fails
// creation.
func (s *RuleService) CreateRule(ctx context.Context, in CreateRuleInput) (domain.TradeRule, error) {
	if err := validate(in); err != nil {
		return domain.TradeRule{}, err
	}

	side := in.Side
	if side == "" {
		side = domain.RuleSideBuy
	}

	rule := domain.TradeRule{
		ID:              uuid.New().String(),
		RuleType:        in.RuleType,
		MarketID:        in.MarketID,
		TokenID:         in.TokenID,
		Side:            side,
		TriggerPrice:    in.TriggerPrice,
		TrailingPercent: in.TrailingPercent,
		Action:          domain.RuleAction{Kind: in.ActionKind, Amount: in.ActionAmount},
		Status:          domain.RuleStatusActive,
		CreatedAt:       time.Now().UTC(),
	}

	if s.meta != nil {
		info, err := s.meta.GetMarket(ctx, in.MarketID)
		if err != nil {
			s.logger.WarnContext(ctx, "market metadata fetch failed",
				slog.String("market_id", in.MarketID),
				slog.String("error", err.Error()),
			)
		} else {
			rule.MarketSlug = info.Slug
		}
	}

	if err := s.rules.Create(ctx, rule); err != nil {
		return domain.TradeRule{}, fmt.Errorf("rule_service: create rule: %w", err)
	}

	s.events.Log(ctx, rule.ID, domain.EventRuleCreated, map[string]any{
		"rule_type":     string(rule.RuleType),
		"market_id":     rule.MarketID,
		"token_id":      rule.TokenID,
		"trigger_price": rule.TriggerPrice,
		"action":        string(rule.Action.Kind),
	})

	if s.feed != nil {
		if err := s.feed.Subscribe(ctx, []string{rule.TokenID}); err != nil {
			s.logger.WarnContext(ctx, "feed subscribe failed",
				slog.String("token_id", rule.TokenID),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.InfoContext(ctx, "rule created",
		slog.String("rule_id", rule.ID),
		slog.String("rule_type", string(rule.RuleType)),
		slog.String("token_id", rule.TokenID),
		slog.Float64("trigger_price", rule.TriggerPrice),
	)

	return rule, nil
}

// UpdateTriggerPrice changes the trigger price of an ACTIVE rule. It fails
// with a Conflict error when the rule has already left ACTIVE.
func (s *RuleService) UpdateTriggerPrice(ctx context.Context, id string, price float64) (domain.TradeRule, error) {
	if price <= 0 || price >= 1 {
		return domain.TradeRule{}, fmt.Errorf("rule_service: %w: trigger price %v outside (0,1)", domain.ErrValidation, price)
	}

	updated, err := s.rules.UpdateTriggerPrice(ctx, id, price)
	if err != nil {
		return domain.TradeRule{}, fmt.Errorf("rule_service: update trigger price: %w", err)
	}
	if !updated {
		// Distinguish a missing rule from a non-ACTIVE one.
		rule, getErr := s.rules.GetByID(ctx, id)
		if getErr != nil {
			return domain.TradeRule{}, fmt.Errorf("rule_service: update trigger price: %w", getErr)
		}
		return domain.TradeRule{}, fmt.Errorf("rule_service: %w: rule %s is %s", domain.ErrConflict, id, rule.Status)
	}

	return s.rules.GetByID(ctx, id)
}

// CancelRule transitions an ACTIVE or FAILED rule to CANCELED and records
// the RULE_CANCELED event. Canceling a TRIGGERED or already CANCELED rule
// fails with a Conflict error.
func (s *RuleService) CancelRule(ctx context.Context, id string) error {
	canceled, err := s.rules.Cancel(ctx, id)
	if err != nil {
		return fmt.Errorf("rule_service: cancel rule: %w", err)
	}
	if !canceled {
		rule, getErr := s.rules.GetByID(ctx, id)
		if getErr != nil {
			return fmt.Errorf("rule_service: cancel rule: %w", getErr)
		}
		return fmt.Errorf("rule_service: %w: rule %s is %s", domain.ErrConflict, id, rule.Status)
	}

	s.events.Log(ctx, id, domain.EventRuleCanceled, nil)
	s.logger.InfoContext(ctx, "rule canceled", slog.String("rule_id", id))
	return nil
}

// MarkTriggered performs the conditional ACTIVE -> TRIGGERED transition and
// reports whether this call won it. Losing the race is a no-op, not an
// error.
func (s *RuleService) MarkTriggered(ctx context.Context, id, txRef string) (bool, error) {
	won, err := s.rules.MarkTriggered(ctx, id, txRef)
	if err != nil {
		return false, fmt.Errorf("rule_service: mark triggered: %w", err)
	}
	return won, nil
}

// MarkFailed performs the conditional ACTIVE -> FAILED transition, reserved
// for permanent failures. The winner records the RULE_FAILED event.
func (s *RuleService) MarkFailed(ctx context.Context, id, message string) (bool, error) {
	won, err := s.rules.MarkFailed(ctx, id, message)
	if err != nil {
		return false, fmt.Errorf("rule_service: mark failed: %w", err)
	}
	if won {
		s.events.Log(ctx, id, domain.EventRuleFailed, map[string]any{
			"error": message,
		})
	}
	return won, nil
}

// GetRule retrieves a rule by ID.
func (s *RuleService) GetRule(ctx context.Context, id string) (domain.TradeRule, error) {
	rule, err := s.rules.GetByID(ctx, id)
	if err != nil {
		return domain.TradeRule{}, fmt.Errorf("rule_service: get rule %s: %w", id, err)
	}
	return rule, nil
}

// ListRules returns rules, optionally filtered by status.
func (s *RuleService) ListRules(ctx context.Context, status *domain.RuleStatus, opts domain.ListOpts) ([]domain.TradeRule, error) {
	rules, err := s.rules.List(ctx, status, opts)
	if err != nil {
		return nil, fmt.Errorf("rule_service: list rules: %w", err)
	}
	return rules, nil
}

// ActiveRulesForToken returns all ACTIVE rules bound to a token.
func (s *RuleService) ActiveRulesForToken(ctx context.Context, tokenID string) ([]domain.TradeRule, error) {
	rules, err := s.rules.ListActiveByToken(ctx, tokenID)
	if err != nil {
		return nil, fmt.Errorf("rule_service: active rules for token: %w", err)
	}
	return rules, nil
}

// ActiveTokenIDs returns the tokens that currently need feed subscriptions.
func (s *RuleService) ActiveTokenIDs(ctx context.Context) ([]string, error) {
	ids, err := s.rules.ListActiveTokenIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("rule_service: active token ids: %w", err)
	}
	return ids, nil
}

// RatchetPeak raises the persisted peak and trigger price of an ACTIVE
// trailing-stop rule.
func (s *RuleService) RatchetPeak(ctx context.Context, id string, peak, trigger float64) (bool, error) {
	ok, err := s.rules.RatchetPeak(ctx, id, peak, trigger)
	if err != nil {
		return false, fmt.Errorf("rule_service: ratchet peak: %w", err)
	}
	return ok, nil
}
