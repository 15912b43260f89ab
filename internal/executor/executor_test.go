package executor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/polysentry/polysentry/internal/domain"
	"github.com/polysentry/polysentry/internal/service"
)

// ---------------------------------------------------------------------------
// In-memory fakes. The rule store reproduces the conditional-update contract
// of the real store: transitions out of ACTIVE succeed exactly once.
// ---------------------------------------------------------------------------

type fakeRuleStore struct {
	mu    sync.Mutex
	rules map[string]domain.TradeRule
}

func newFakeRuleStore() *fakeRuleStore {
	return &fakeRuleStore{rules: make(map[string]domain.TradeRule)}
}

func (s *fakeRuleStore) Create(ctx context.Context, rule domain.TradeRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[rule.ID] = rule
	return nil
}

func (s *fakeRuleStore) GetByID(ctx context.Context, id string) (domain.TradeRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.rules[id]
	if !ok {
		return domain.TradeRule{}, domain.ErrNotFound
	}
	return rule, nil
}

func (s *fakeRuleStore) List(ctx context.Context, status *domain.RuleStatus, opts domain.ListOpts) ([]domain.TradeRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TradeRule
	for _, r := range s.rules {
		if status == nil || r.Status == *status {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeRuleStore) ListActiveByToken(ctx context.Context, tokenID string) ([]domain.TradeRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TradeRule
	for _, r := range s.rules {
		if r.TokenID == tokenID && r.Status == domain.RuleStatusActive {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeRuleStore) ListActiveTokenIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	for _, r := range s.rules {
		if r.Status != domain.RuleStatusActive {
			continue
		}
		if _, ok := seen[r.TokenID]; ok {
			continue
		}
		seen[r.TokenID] = struct{}{}
		out = append(out, r.TokenID)
	}
	return out, nil
}

func (s *fakeRuleStore) UpdateTriggerPrice(ctx context.Context, id string, price float64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.rules[id]
	if !ok || rule.Status != domain.RuleStatusActive {
		return false, nil
	}
	rule.TriggerPrice = price
	s.rules[id] = rule
	return true, nil
}

func (s *fakeRuleStore) RatchetPeak(ctx context.Context, id string, peak, trigger float64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.rules[id]
	if !ok || rule.Status != domain.RuleStatusActive {
		return false, nil
	}
	if rule.PeakPrice != nil && *rule.PeakPrice >= peak {
		return false, nil
	}
	rule.PeakPrice = &peak
	if trigger > rule.TriggerPrice {
		rule.TriggerPrice = trigger
	}
	s.rules[id] = rule
	return true, nil
}

func (s *fakeRuleStore) MarkTriggered(ctx context.Context, id, txRef string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.rules[id]
	if !ok || rule.Status != domain.RuleStatusActive {
		return false, nil
	}
	now := time.Now().UTC()
	rule.Status = domain.RuleStatusTriggered
	rule.TriggeredAt = &now
	rule.TriggerTxHash = txRef
	s.rules[id] = rule
	return true, nil
}

func (s *fakeRuleStore) MarkFailed(ctx context.Context, id, message string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.rules[id]
	if !ok || rule.Status != domain.RuleStatusActive {
		return false, nil
	}
	rule.Status = domain.RuleStatusFailed
	rule.ErrorMessage = message
	s.rules[id] = rule
	return true, nil
}

func (s *fakeRuleStore) Cancel(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.rules[id]
	if !ok {
		return false, nil
	}
	if rule.Status != domain.RuleStatusActive && rule.Status != domain.RuleStatusFailed {
		return false, nil
	}
	rule.Status = domain.RuleStatusCanceled
	s.rules[id] = rule
	return true, nil
}

type fakeEventStore struct {
	mu     sync.Mutex
	events []domain.RuleEvent
}

func (s *fakeEventStore) Append(ctx context.Context, event domain.RuleEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	event.ID = int64(len(s.events) + 1)
	event.CreatedAt = time.Now().UTC()
	s.events = append(s.events, event)
	return nil
}

func (s *fakeEventStore) List(ctx context.Context, ruleID string, opts domain.ListOpts) ([]domain.RuleEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.RuleEvent
	for _, e := range s.events {
		if ruleID == "" || e.RuleID == ruleID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *fakeEventStore) ListBefore(ctx context.Context, before time.Time) ([]domain.RuleEvent, error) {
	return nil, nil
}

func (s *fakeEventStore) types(ruleID string) []domain.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.EventType
	for _, e := range s.events {
		if e.RuleID == ruleID {
			out = append(out, e.Type)
		}
	}
	return out
}

type fakePositionStore struct {
	mu        sync.Mutex
	positions map[string]domain.MonitoredPosition
}

func newFakePositionStore() *fakePositionStore {
	return &fakePositionStore{positions: make(map[string]domain.MonitoredPosition)}
}

func posKey(marketID, tokenID string) string { return marketID + "|" + tokenID }

func (s *fakePositionStore) Upsert(ctx context.Context, pos domain.MonitoredPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[posKey(pos.MarketID, pos.TokenID)] = pos
	return nil
}

func (s *fakePositionStore) Get(ctx context.Context, marketID, tokenID string) (domain.MonitoredPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[posKey(marketID, tokenID)]
	if !ok {
		return domain.MonitoredPosition{}, domain.ErrNotFound
	}
	return pos, nil
}

func (s *fakePositionStore) List(ctx context.Context) ([]domain.MonitoredPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.MonitoredPosition
	for _, p := range s.positions {
		out = append(out, p)
	}
	return out, nil
}

func (s *fakePositionStore) UpdatePrice(ctx context.Context, marketID, tokenID string, price float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[posKey(marketID, tokenID)]
	if !ok {
		return domain.ErrNotFound
	}
	pos.CurrentPrice = price
	s.positions[posKey(marketID, tokenID)] = pos
	return nil
}

type fakeTrading struct {
	mu       sync.Mutex
	holdings []domain.Holding
	calls    []domain.BetRequest
	placeBet func(req domain.BetRequest) (domain.BetResult, error)
}

func (t *fakeTrading) GetHoldings(ctx context.Context) ([]domain.Holding, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.Holding(nil), t.holdings...), nil
}

func (t *fakeTrading) GetMarketPrice(ctx context.Context, marketID, tokenID string) (float64, error) {
	return 0, nil
}

func (t *fakeTrading) PlaceBet(ctx context.Context, req domain.BetRequest) (domain.BetResult, error) {
	t.mu.Lock()
	t.calls = append(t.calls, req)
	t.mu.Unlock()
	if t.placeBet != nil {
		return t.placeBet(req)
	}
	return domain.BetResult{TxHash: "0xtest"}, nil
}

func (t *fakeTrading) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type testEngine struct {
	rules     *fakeRuleStore
	positions *fakePositionStore
	events    *fakeEventStore
	trading   *fakeTrading
	ticks     chan domain.PriceTick
	exec      *Executor
}

func newTestEngine(t *testing.T, dryRun bool) *testEngine {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	e := &testEngine{
		rules:     newFakeRuleStore(),
		positions: newFakePositionStore(),
		events:    &fakeEventStore{},
		trading:   &fakeTrading{},
		ticks:     make(chan domain.PriceTick, 16),
	}

	eventLog := service.NewEventLogger(e.events, logger)
	ruleSvc := service.NewRuleService(e.rules, eventLog, nil, nil, logger)
	posSvc := service.NewPositionService(e.positions, e.trading, logger)

	e.exec = NewExecutor(e.ticks, ruleSvc, posSvc, e.trading, eventLog, nil, 4, dryRun, logger)
	return e
}

// feed sends the ticks, closes the channel, and runs the executor to
// completion.
func (e *testEngine) feed(t *testing.T, prices ...float64) {
	t.Helper()
	for _, p := range prices {
		e.ticks <- domain.PriceTick{TokenID: "tok-1", Price: p, Timestamp: time.Now()}
	}
	close(e.ticks)
	if err := e.exec.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func activeStopLoss() domain.TradeRule {
	return domain.TradeRule{
		ID:           "rule-1",
		RuleType:     domain.RuleTypeStopLoss,
		MarketID:     "mkt-1",
		TokenID:      "tok-1",
		Side:         domain.RuleSideBuy,
		TriggerPrice: 0.45,
		Action:       domain.RuleAction{Kind: domain.ActionSellAll},
		Status:       domain.RuleStatusActive,
	}
}

func openPosition(quantity float64) domain.MonitoredPosition {
	return domain.MonitoredPosition{
		MarketID: "mkt-1",
		TokenID:  "tok-1",
		Side:     domain.RuleSideBuy,
		Quantity: quantity,
	}
}

// holdPosition seeds both the cached position and the live holdings the
// trading client reports for tok-1.
func (e *testEngine) holdPosition(quantity float64) {
	e.positions.Upsert(context.Background(), openPosition(quantity))
	e.trading.holdings = []domain.Holding{{
		MarketID: "mkt-1",
		TokenID:  "tok-1",
		Shares:   quantity,
	}}
}

func hasEvent(types []domain.EventType, want domain.EventType) bool {
	for _, tp := range types {
		if tp == want {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestExecutor_StopLossFiresOnce(t *testing.T) {
	e := newTestEngine(t, false)
	e.rules.Create(context.Background(), activeStopLoss())
	e.holdPosition(10)

	e.feed(t, 0.90, 0.52, 0.44)

	if got := e.trading.callCount(); got != 1 {
		t.Fatalf("PlaceBet calls = %d, want 1", got)
	}
	req := e.trading.calls[0]
	if req.Side != domain.RuleSideSell || req.Amount != 10 {
		t.Errorf("PlaceBet request = %+v, want SELL of 10 shares", req)
	}

	rule, _ := e.rules.GetByID(context.Background(), "rule-1")
	if rule.Status != domain.RuleStatusTriggered {
		t.Errorf("status = %s, want TRIGGERED", rule.Status)
	}
	if rule.TriggerTxHash != "0xtest" {
		t.Errorf("trigger tx = %q, want 0xtest", rule.TriggerTxHash)
	}

	types := e.events.types("rule-1")
	if !hasEvent(types, domain.EventActionAttempt) || !hasEvent(types, domain.EventActionExecuted) {
		t.Errorf("events = %v, want ACTION_ATTEMPT and ACTION_EXECUTED", types)
	}
}

func TestExecutor_PartialSellUsesRuleAmount(t *testing.T) {
	e := newTestEngine(t, false)
	rule := activeStopLoss()
	rule.Action = domain.RuleAction{Kind: domain.ActionSellPartial, Amount: 3}
	e.rules.Create(context.Background(), rule)
	e.holdPosition(10)

	e.feed(t, 0.40)

	if got := e.trading.callCount(); got != 1 {
		t.Fatalf("PlaceBet calls = %d, want 1", got)
	}
	if got := e.trading.calls[0].Amount; got != 3 {
		t.Errorf("amount = %v, want 3", got)
	}
}

func TestExecutor_NoPositionFailsPermanently(t *testing.T) {
	e := newTestEngine(t, false)
	e.rules.Create(context.Background(), activeStopLoss())

	e.feed(t, 0.40)

	if got := e.trading.callCount(); got != 0 {
		t.Fatalf("PlaceBet calls = %d, want 0", got)
	}

	rule, _ := e.rules.GetByID(context.Background(), "rule-1")
	if rule.Status != domain.RuleStatusFailed {
		t.Fatalf("status = %s, want FAILED", rule.Status)
	}
	if rule.ErrorMessage != "position not found" {
		t.Errorf("error message = %q, want %q", rule.ErrorMessage, "position not found")
	}

	types := e.events.types("rule-1")
	if !hasEvent(types, domain.EventActionFailed) || !hasEvent(types, domain.EventRuleFailed) {
		t.Errorf("events = %v, want ACTION_FAILED and RULE_FAILED", types)
	}
}

func TestExecutor_TransientFailureKeepsRuleActive(t *testing.T) {
	e := newTestEngine(t, false)
	e.rules.Create(context.Background(), activeStopLoss())
	e.holdPosition(10)
	e.trading.placeBet = func(req domain.BetRequest) (domain.BetResult, error) {
		return domain.BetResult{}, &domain.APIError{StatusCode: 500, Message: "internal error"}
	}

	e.feed(t, 0.40)

	rule, _ := e.rules.GetByID(context.Background(), "rule-1")
	if rule.Status != domain.RuleStatusActive {
		t.Errorf("status = %s, want ACTIVE after transient failure", rule.Status)
	}

	types := e.events.types("rule-1")
	if !hasEvent(types, domain.EventActionFailed) {
		t.Errorf("events = %v, want ACTION_FAILED", types)
	}
	if hasEvent(types, domain.EventRuleFailed) {
		t.Errorf("events = %v, RULE_FAILED must not be recorded for transient failures", types)
	}
}

func TestExecutor_PermanentAPIFailure(t *testing.T) {
	e := newTestEngine(t, false)
	e.rules.Create(context.Background(), activeStopLoss())
	e.holdPosition(10)
	e.trading.placeBet = func(req domain.BetRequest) (domain.BetResult, error) {
		return domain.BetResult{}, &domain.APIError{StatusCode: 400, Message: "insufficient balance"}
	}

	e.feed(t, 0.40)

	rule, _ := e.rules.GetByID(context.Background(), "rule-1")
	if rule.Status != domain.RuleStatusFailed {
		t.Errorf("status = %s, want FAILED", rule.Status)
	}
}

func TestExecutor_LostTriggerRaceRecordsNoExecution(t *testing.T) {
	e := newTestEngine(t, false)
	e.rules.Create(context.Background(), activeStopLoss())
	e.holdPosition(10)

	// Another instance wins the transition between order placement and this
	// executor's own MarkTriggered.
	e.trading.placeBet = func(req domain.BetRequest) (domain.BetResult, error) {
		e.rules.MarkTriggered(context.Background(), "rule-1", "0xother")
		return domain.BetResult{TxHash: "0xmine"}, nil
	}

	e.feed(t, 0.40)

	rule, _ := e.rules.GetByID(context.Background(), "rule-1")
	if rule.TriggerTxHash != "0xother" {
		t.Errorf("trigger tx = %q, want the racing winner's 0xother", rule.TriggerTxHash)
	}

	types := e.events.types("rule-1")
	if hasEvent(types, domain.EventActionExecuted) {
		t.Errorf("events = %v, ACTION_EXECUTED must only be recorded by the transition winner", types)
	}
}

func TestExecutor_TrailingStopRatchets(t *testing.T) {
	e := newTestEngine(t, false)
	pct := 0.10
	rule := activeStopLoss()
	rule.RuleType = domain.RuleTypeTrailingStop
	rule.TrailingPercent = &pct
	e.rules.Create(context.Background(), rule)
	e.holdPosition(10)

	// 0.80 ratchets the trigger to 0.72; 0.70 then fires.
	e.feed(t, 0.80, 0.70)

	stored, _ := e.rules.GetByID(context.Background(), "rule-1")
	if stored.Status != domain.RuleStatusTriggered {
		t.Fatalf("status = %s, want TRIGGERED", stored.Status)
	}
	if stored.PeakPrice == nil || *stored.PeakPrice != 0.80 {
		t.Errorf("peak = %v, want 0.80", stored.PeakPrice)
	}
	if diff := stored.TriggerPrice - 0.72; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("trigger = %v, want 0.72", stored.TriggerPrice)
	}
}

func TestExecutor_TrailingStopKeepsConfiguredFloor(t *testing.T) {
	e := newTestEngine(t, false)
	pct := 0.10
	rule := activeStopLoss()
	rule.RuleType = domain.RuleTypeTrailingStop
	rule.TriggerPrice = 0.50
	rule.TrailingPercent = &pct
	e.rules.Create(context.Background(), rule)
	e.holdPosition(10)

	// The first peak at 0.52 derives 0.468, below the configured 0.50;
	// the trigger must hold the floor so the 0.49 tick fires.
	e.feed(t, 0.52, 0.49)

	if got := e.trading.callCount(); got != 1 {
		t.Fatalf("PlaceBet calls = %d, want 1", got)
	}
	stored, _ := e.rules.GetByID(context.Background(), "rule-1")
	if stored.Status != domain.RuleStatusTriggered {
		t.Fatalf("status = %s, want TRIGGERED", stored.Status)
	}
	if stored.PeakPrice == nil || *stored.PeakPrice != 0.52 {
		t.Errorf("peak = %v, want 0.52", stored.PeakPrice)
	}
	if stored.TriggerPrice != 0.50 {
		t.Errorf("trigger = %v, want the configured 0.50 floor", stored.TriggerPrice)
	}
}

func TestExecutor_ConcurrentExecutionsTriggerOnce(t *testing.T) {
	e := newTestEngine(t, false)
	e.rules.Create(context.Background(), activeStopLoss())
	e.holdPosition(10)
	rule, _ := e.rules.GetByID(context.Background(), "rule-1")

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.exec.executeRule(context.Background(), rule, 0.40)
		}()
	}
	wg.Wait()

	stored, _ := e.rules.GetByID(context.Background(), "rule-1")
	if stored.Status != domain.RuleStatusTriggered {
		t.Fatalf("status = %s, want TRIGGERED", stored.Status)
	}

	executed := 0
	for _, tp := range e.events.types("rule-1") {
		if tp == domain.EventActionExecuted {
			executed++
		}
	}
	if executed != 1 {
		t.Errorf("ACTION_EXECUTED events = %d, want exactly 1", executed)
	}
}

func TestExecutor_UntradablePositionFails(t *testing.T) {
	e := newTestEngine(t, false)
	e.rules.Create(context.Background(), activeStopLoss())
	pos := openPosition(10)
	pos.Redeemable = true
	e.positions.Upsert(context.Background(), pos)

	e.feed(t, 0.40)

	if got := e.trading.callCount(); got != 0 {
		t.Fatalf("PlaceBet calls = %d, want 0", got)
	}
	rule, _ := e.rules.GetByID(context.Background(), "rule-1")
	if rule.Status != domain.RuleStatusFailed {
		t.Errorf("status = %s, want FAILED", rule.Status)
	}
	if rule.ErrorMessage != "market closed" {
		t.Errorf("error message = %q, want %q", rule.ErrorMessage, "market closed")
	}
}

func TestExecutor_ExhaustedHoldingsFailPermanently(t *testing.T) {
	e := newTestEngine(t, false)
	e.rules.Create(context.Background(), activeStopLoss())
	e.holdPosition(0)

	e.feed(t, 0.40)

	if got := e.trading.callCount(); got != 0 {
		t.Fatalf("PlaceBet calls = %d, want 0", got)
	}
	rule, _ := e.rules.GetByID(context.Background(), "rule-1")
	if rule.Status != domain.RuleStatusFailed {
		t.Errorf("status = %s, want FAILED", rule.Status)
	}
	if rule.ErrorMessage != "not enough shares" {
		t.Errorf("error message = %q, want %q", rule.ErrorMessage, "not enough shares")
	}
}

func TestExecutor_DryRunTouchesNothing(t *testing.T) {
	e := newTestEngine(t, true)
	e.rules.Create(context.Background(), activeStopLoss())
	e.holdPosition(10)

	e.feed(t, 0.40)

	if got := e.trading.callCount(); got != 0 {
		t.Errorf("PlaceBet calls = %d, want 0 in dry run", got)
	}
	rule, _ := e.rules.GetByID(context.Background(), "rule-1")
	if rule.Status != domain.RuleStatusActive {
		t.Errorf("status = %s, want ACTIVE in dry run", rule.Status)
	}
	if types := e.events.types("rule-1"); len(types) != 0 {
		t.Errorf("events = %v, want none in dry run", types)
	}
}
