package executor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/polysentry/polysentry/internal/domain"
	"github.com/polysentry/polysentry/internal/service"
)

// Notifier receives rule outcome alerts. Implementations must be fast or
// internally asynchronous; the executor calls them inline.
type Notifier interface {
	RuleTriggered(ctx context.Context, rule domain.TradeRule, txRef string)
	RuleFailed(ctx context.Context, rule domain.TradeRule, message string)
}

// Executor consumes price ticks, evaluates active rules against them, and
// fires sell orders when a rule's condition is met. Order submission is
// bounded to maxConcurrent goroutines; the conditional status update in the
// rule store guarantees each rule fires at most once even if an execution
// is dispatched twice.
type Executor struct {
	ticks     <-chan domain.PriceTick
	rules     *service.RuleService
	positions *service.PositionService
	trading   domain.TradingClient
	events    *service.EventLogger
	notifier  Notifier

	inflight      *InFlight
	maxConcurrent int
	dryRun        bool
	logger        *slog.Logger
}

// NewExecutor creates an Executor reading from ticks. notifier may be nil.
// When dryRun is set, rule conditions are evaluated and logged but no
// orders are submitted and no rule state changes.
func NewExecutor(
	ticks <-chan domain.PriceTick,
	rules *service.RuleService,
	positions *service.PositionService,
	trading domain.TradingClient,
	events *service.EventLogger,
	notifier Notifier,
	maxConcurrent int,
	dryRun bool,
	logger *slog.Logger,
) *Executor {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Executor{
		ticks:         ticks,
		rules:         rules,
		positions:     positions,
		trading:       trading,
		events:        events,
		notifier:      notifier,
		inflight:      NewInFlight(),
		maxConcurrent: maxConcurrent,
		dryRun:        dryRun,
		logger:        logger.With(slog.String("component", "executor")),
	}
}

// Run processes ticks until the context is canceled or the tick channel is
// closed, then waits for in-flight executions to finish.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.Info("executor started",
		slog.Int("max_concurrent", e.maxConcurrent),
		slog.Bool("dry_run", e.dryRun),
	)
	defer e.logger.Info("executor stopped")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxConcurrent)

	for {
		select {
		case <-ctx.Done():
			_ = g.Wait()
			return ctx.Err()

		case tick, ok := <-e.ticks:
			if !ok {
				return g.Wait()
			}
			e.handleTick(gctx, g, tick)
		}
	}
}

// handleTick evaluates every active rule bound to the tick's token and
// dispatches executions for the ones whose condition is met.
func (e *Executor) handleTick(ctx context.Context, g *errgroup.Group, tick domain.PriceTick) {
	rules, err := e.rules.ActiveRulesForToken(ctx, tick.TokenID)
	if err != nil {
		e.logger.ErrorContext(ctx, "active rule lookup failed",
			slog.String("token_id", tick.TokenID),
			slog.String("error", err.Error()),
		)
		return
	}

	for i := range rules {
		rule := rules[i]
		e.ratchet(ctx, &rule, tick.Price)

		if !ShouldTrigger(rule, tick.Price) {
			continue
		}
		if !e.inflight.TryAcquire(rule.ID) {
			continue
		}

		price := tick.Price
		g.Go(func() error {
			defer e.inflight.Release(rule.ID)
			e.executeRule(ctx, rule, price)
			return nil
		})
	}
}

// ratchet raises a trailing stop's persisted peak when the tick sets a new
// high, pulling the trigger up to peak * (1 - trailingPercent). The store
// only applies the update when the stored peak is lower, so concurrent
// ticks cannot move the peak backwards, and the trigger never moves down:
// a first peak just above the entry price may derive a trigger below the
// user-configured one, which stays in force as the floor. The local copy
// is updated on success so this tick evaluates against the new trigger.
func (e *Executor) ratchet(ctx context.Context, rule *domain.TradeRule, price float64) {
	if rule.RuleType != domain.RuleTypeTrailingStop || rule.TrailingPercent == nil {
		return
	}
	if rule.PeakPrice != nil && price <= *rule.PeakPrice {
		return
	}

	trigger := price * (1 - *rule.TrailingPercent)
	ok, err := e.rules.RatchetPeak(ctx, rule.ID, price, trigger)
	if err != nil {
		e.logger.ErrorContext(ctx, "trailing ratchet failed",
			slog.String("rule_id", rule.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if ok {
		peak := price
		rule.PeakPrice = &peak
		if trigger > rule.TriggerPrice {
			rule.TriggerPrice = trigger
		}
	}
}

// executeRule runs a single execution attempt for a rule whose condition
// was met at price.
func (e *Executor) executeRule(ctx context.Context, rule domain.TradeRule, price float64) {
	log := e.logger.With(
		slog.String("rule_id", rule.ID),
		slog.String("rule_type", string(rule.RuleType)),
		slog.String("token_id", rule.TokenID),
		slog.Float64("price", price),
		slog.Float64("trigger_price", rule.TriggerPrice),
	)

	if e.dryRun {
		log.Info("rule condition met, order not submitted in dry run")
		return
	}

	amount, failMsg, err := e.resolveAmount(ctx, rule)
	if err != nil {
		log.ErrorContext(ctx, "position lookup failed, will retry on next tick",
			slog.String("error", err.Error()),
		)
		return
	}
	if failMsg != "" {
		log.WarnContext(ctx, "pre-flight check failed", slog.String("reason", failMsg))
		e.events.Log(ctx, rule.ID, domain.EventActionFailed, map[string]any{
			"error":     failMsg,
			"permanent": true,
			"price":     price,
		})
		e.failRule(ctx, rule, failMsg, log)
		return
	}

	e.events.Log(ctx, rule.ID, domain.EventActionAttempt, map[string]any{
		"price":  price,
		"amount": amount,
		"action": string(rule.Action.Kind),
	})

	result, err := e.trading.PlaceBet(ctx, domain.BetRequest{
		TokenID: rule.TokenID,
		Side:    domain.RuleSideSell,
		Amount:  amount,
	})
	if err != nil {
		permanent := IsPermanent(err)
		e.events.Log(ctx, rule.ID, domain.EventActionFailed, map[string]any{
			"error":     err.Error(),
			"permanent": permanent,
			"price":     price,
			"amount":    amount,
		})
		if permanent {
			log.ErrorContext(ctx, "order failed permanently", slog.String("error", err.Error()))
			e.failRule(ctx, rule, err.Error(), log)
		} else {
			log.WarnContext(ctx, "order failed transiently, rule stays active",
				slog.String("error", err.Error()),
			)
		}
		return
	}

	won, err := e.rules.MarkTriggered(ctx, rule.ID, result.Reference())
	if err != nil {
		// The order is placed but the transition could not be recorded. Flag
		// loudly: the rule may fire again on the next tick.
		log.ErrorContext(ctx, "order placed but trigger transition failed",
			slog.String("tx_ref", result.Reference()),
			slog.String("error", err.Error()),
		)
		return
	}
	if !won {
		log.WarnContext(ctx, "lost trigger race after order placement",
			slog.String("tx_ref", result.Reference()),
		)
		return
	}

	e.events.Log(ctx, rule.ID, domain.EventActionExecuted, map[string]any{
		"tx_ref": result.Reference(),
		"price":  price,
		"amount": amount,
	})
	log.InfoContext(ctx, "rule triggered",
		slog.String("tx_ref", result.Reference()),
		slog.Float64("amount", amount),
	)

	if e.notifier != nil {
		e.notifier.RuleTriggered(ctx, rule, result.Reference())
	}
}

// resolveAmount determines the number of shares to sell. The cached
// position provides the tradability pre-flight; SELL_ALL then resolves the
// amount from live holdings so a stale cache can never oversell. A
// non-empty failMsg reports a permanent failure (no position, closed
// market, nothing to sell); err reports a transient lookup problem.
func (e *Executor) resolveAmount(ctx context.Context, rule domain.TradeRule) (amount float64, failMsg string, err error) {
	pos, err := e.positions.GetPosition(ctx, rule.MarketID, rule.TokenID)
	switch {
	case err == nil:
		if !pos.Tradable(time.Now().UTC()) {
			return 0, "market closed", nil
		}
	case errors.Is(err, domain.ErrNotFound):
		// No cached position yet; the holdings lookup below is authoritative.
	default:
		return 0, "", err
	}

	if rule.Action.Kind == domain.ActionSellPartial {
		return rule.Action.Amount, "", nil
	}

	holdings, err := e.trading.GetHoldings(ctx)
	if err != nil {
		return 0, "", err
	}
	for _, h := range holdings {
		if h.TokenID != rule.TokenID {
			continue
		}
		if h.Redeemable {
			return 0, "market closed", nil
		}
		if h.Shares <= 0 {
			return 0, "not enough shares", nil
		}
		return h.Shares, "", nil
	}
	return 0, "position not found", nil
}

// failRule performs the ACTIVE -> FAILED transition and notifies on the
// winning call.
func (e *Executor) failRule(ctx context.Context, rule domain.TradeRule, message string, log *slog.Logger) {
	won, err := e.rules.MarkFailed(ctx, rule.ID, message)
	if err != nil {
		log.ErrorContext(ctx, "fail transition error", slog.String("error", err.Error()))
		return
	}
	if won && e.notifier != nil {
		e.notifier.RuleFailed(ctx, rule, message)
	}
}
