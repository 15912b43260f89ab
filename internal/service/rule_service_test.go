package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/polysentry/polysentry/internal/domain"
	"github.com/polysentry/polysentry/internal/platform/polymarket"
)

// memRuleStore is a mutex-guarded in-memory store reproducing the
// conditional-update contract of the real one.
type memRuleStore struct {
	mu    sync.Mutex
	rules map[string]domain.TradeRule
}

func newMemRuleStore() *memRuleStore {
	return &memRuleStore{rules: make(map[string]domain.TradeRule)}
}

func (s *memRuleStore) Create(ctx context.Context, rule domain.TradeRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[rule.ID] = rule
	return nil
}

func (s *memRuleStore) GetByID(ctx context.Context, id string) (domain.TradeRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.rules[id]
	if !ok {
		return domain.TradeRule{}, domain.ErrNotFound
	}
	return rule, nil
}

func (s *memRuleStore) List(ctx context.Context, status *domain.RuleStatus, opts domain.ListOpts) ([]domain.TradeRule, error) {
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

func (s *memRuleStore) ListActiveByToken(ctx context.Context, tokenID string) ([]domain.TradeRule, error) {
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

func (s *memRuleStore) ListActiveTokenIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	for _, r := range s.rules {
		if r.Status == domain.RuleStatusActive {
			if _, ok := seen[r.TokenID]; !ok {
				seen[r.TokenID] = struct{}{}
				out = append(out, r.TokenID)
			}
		}
	}
	return out, nil
}

func (s *memRuleStore) UpdateTriggerPrice(ctx context.Context, id string, price float64) (bool, error) {
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

func (s *memRuleStore) RatchetPeak(ctx context.Context, id string, peak, trigger float64) (bool, error) {
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

func (s *memRuleStore) MarkTriggered(ctx context.Context, id, txRef string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.rules[id]
	if !ok || rule.Status != domain.RuleStatusActive {
		return false, nil
	}
	rule.Status = domain.RuleStatusTriggered
	rule.TriggerTxHash = txRef
	s.rules[id] = rule
	return true, nil
}

func (s *memRuleStore) MarkFailed(ctx context.Context, id, message string) (bool, error) {
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

func (s *memRuleStore) Cancel(ctx context.Context, id string) (bool, error) {
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

type memEventStore struct {
	mu     sync.Mutex
	events []domain.RuleEvent
}

func (s *memEventStore) Append(ctx context.Context, event domain.RuleEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	event.ID = int64(len(s.events) + 1)
	s.events = append(s.events, event)
	return nil
}

func (s *memEventStore) List(ctx context.Context, ruleID string, opts domain.ListOpts) ([]domain.RuleEvent, error) {
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

func (s *memEventStore) ListBefore(ctx context.Context, before time.Time) ([]domain.RuleEvent, error) {
	return nil, nil
}

func (s *memEventStore) count(ruleID string, eventType domain.EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.RuleID == ruleID && e.Type == eventType {
			n++
		}
	}
	return n
}

type stubMetadata struct {
	info polymarket.MarketInfo
	err  error
}

func (m *stubMetadata) GetMarket(ctx context.Context, marketID string) (polymarket.MarketInfo, error) {
	return m.info, m.err
}

type recordingSubscriber struct {
	mu     sync.Mutex
	tokens []string
}

func (r *recordingSubscriber) Subscribe(ctx context.Context, tokenIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens = append(r.tokens, tokenIDs...)
	return nil
}

func newTestRuleService() (*RuleService, *memRuleStore, *memEventStore, *recordingSubscriber) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rules := newMemRuleStore()
	events := &memEventStore{}
	sub := &recordingSubscriber{}
	meta := &stubMetadata{info: polymarket.MarketInfo{Slug: "test-market"}}
	svc := NewRuleService(rules, NewEventLogger(events, logger), meta, sub, logger)
	return svc, rules, events, sub
}

func validInput() CreateRuleInput {
	return CreateRuleInput{
		RuleType:     domain.RuleTypeStopLoss,
		MarketID:     "mkt-1",
		TokenID:      "tok-1",
		TriggerPrice: 0.45,
		ActionKind:   domain.ActionSellAll,
	}
}

func TestCreateRule_Validation(t *testing.T) {
	pct := 0.1
	badPct := 1.5

	tests := []struct {
		name   string
		mutate func(*CreateRuleInput)
	}{
		{"UnknownType", func(in *CreateRuleInput) { in.RuleType = "BOGUS" }},
		{"MissingMarket", func(in *CreateRuleInput) { in.MarketID = "" }},
		{"MissingToken", func(in *CreateRuleInput) { in.TokenID = "" }},
		{"TriggerZero", func(in *CreateRuleInput) { in.TriggerPrice = 0 }},
		{"TriggerOne", func(in *CreateRuleInput) { in.TriggerPrice = 1 }},
		{"TriggerNegative", func(in *CreateRuleInput) { in.TriggerPrice = -0.2 }},
		{"TrailingMissingPercent", func(in *CreateRuleInput) { in.RuleType = domain.RuleTypeTrailingStop }},
		{"TrailingPercentOutOfRange", func(in *CreateRuleInput) {
			in.RuleType = domain.RuleTypeTrailingStop
			in.TrailingPercent = &badPct
		}},
		{"TrailingPercentOnStopLoss", func(in *CreateRuleInput) { in.TrailingPercent = &pct }},
		{"PartialWithoutAmount", func(in *CreateRuleInput) { in.ActionKind = domain.ActionSellPartial }},
		{"SellAllWithAmount", func(in *CreateRuleInput) { in.ActionAmount = 5 }},
		{"UnknownAction", func(in *CreateRuleInput) { in.ActionKind = "BURN" }},
		{"UnknownSide", func(in *CreateRuleInput) { in.Side = "HOLD" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, _, _ := newTestRuleService()
			in := validInput()
			tt.mutate(&in)
			_, err := svc.CreateRule(context.Background(), in)
			if !errors.Is(err, domain.ErrValidation) {
				t.Errorf("CreateRule() error = %v, want ErrValidation", err)
			}
		})
	}
}

func TestCreateRule_Success(t *testing.T) {
	svc, _, events, sub := newTestRuleService()

	rule, err := svc.CreateRule(context.Background(), validInput())
	if err != nil {
		t.Fatalf("CreateRule() error = %v", err)
	}

	if rule.ID == "" {
		t.Error("rule ID should be assigned")
	}
	if rule.Status != domain.RuleStatusActive {
		t.Errorf("status = %s, want ACTIVE", rule.Status)
	}
	if rule.Side != domain.RuleSideBuy {
		t.Errorf("side = %s, want BUY default", rule.Side)
	}
	if rule.MarketSlug != "test-market" {
		t.Errorf("slug = %q, want test-market", rule.MarketSlug)
	}
	if got := events.count(rule.ID, domain.EventRuleCreated); got != 1 {
		t.Errorf("RULE_CREATED events = %d, want 1", got)
	}
	if len(sub.tokens) != 1 || sub.tokens[0] != "tok-1" {
		t.Errorf("subscribed tokens = %v, want [tok-1]", sub.tokens)
	}
}

func TestCreateRule_MetadataFailureIsNonFatal(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rules := newMemRuleStore()
	events := &memEventStore{}
	meta := &stubMetadata{err: errors.New("gamma unavailable")}
	svc := NewRuleService(rules, NewEventLogger(events, logger), meta, nil, logger)

	rule, err := svc.CreateRule(context.Background(), validInput())
	if err != nil {
		t.Fatalf("CreateRule() error = %v", err)
	}
	if rule.MarketSlug != "" {
		t.Errorf("slug = %q, want empty when metadata fails", rule.MarketSlug)
	}
}

func TestCancelRule(t *testing.T) {
	ctx := context.Background()

	t.Run("ActiveCancels", func(t *testing.T) {
		svc, store, events, _ := newTestRuleService()
		rule, _ := svc.CreateRule(ctx, validInput())

		if err := svc.CancelRule(ctx, rule.ID); err != nil {
			t.Fatalf("CancelRule() error = %v", err)
		}
		stored, _ := store.GetByID(ctx, rule.ID)
		if stored.Status != domain.RuleStatusCanceled {
			t.Errorf("status = %s, want CANCELED", stored.Status)
		}
		if got := events.count(rule.ID, domain.EventRuleCanceled); got != 1 {
			t.Errorf("RULE_CANCELED events = %d, want 1", got)
		}
	})

	t.Run("TriggeredConflicts", func(t *testing.T) {
		svc, store, _, _ := newTestRuleService()
		rule, _ := svc.CreateRule(ctx, validInput())
		store.MarkTriggered(ctx, rule.ID, "0xdone")

		err := svc.CancelRule(ctx, rule.ID)
		if !errors.Is(err, domain.ErrConflict) {
			t.Errorf("CancelRule() error = %v, want ErrConflict", err)
		}
	})

	t.Run("FailedCancels", func(t *testing.T) {
		svc, store, _, _ := newTestRuleService()
		rule, _ := svc.CreateRule(ctx, validInput())
		store.MarkFailed(ctx, rule.ID, "boom")

		if err := svc.CancelRule(ctx, rule.ID); err != nil {
			t.Fatalf("CancelRule() error = %v", err)
		}
		stored, _ := store.GetByID(ctx, rule.ID)
		if stored.Status != domain.RuleStatusCanceled {
			t.Errorf("status = %s, want CANCELED", stored.Status)
		}
	})

	t.Run("MissingNotFound", func(t *testing.T) {
		svc, _, _, _ := newTestRuleService()
		err := svc.CancelRule(ctx, "nope")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("CancelRule() error = %v, want ErrNotFound", err)
		}
	})
}

func TestUpdateTriggerPrice(t *testing.T) {
	ctx := context.Background()

	t.Run("ActiveUpdates", func(t *testing.T) {
		svc, _, _, _ := newTestRuleService()
		rule, _ := svc.CreateRule(ctx, validInput())

		updated, err := svc.UpdateTriggerPrice(ctx, rule.ID, 0.30)
		if err != nil {
			t.Fatalf("UpdateTriggerPrice() error = %v", err)
		}
		if updated.TriggerPrice != 0.30 {
			t.Errorf("trigger = %v, want 0.30", updated.TriggerPrice)
		}
	})

	t.Run("InvalidPrice", func(t *testing.T) {
		svc, _, _, _ := newTestRuleService()
		rule, _ := svc.CreateRule(ctx, validInput())

		_, err := svc.UpdateTriggerPrice(ctx, rule.ID, 1.2)
		if !errors.Is(err, domain.ErrValidation) {
			t.Errorf("UpdateTriggerPrice() error = %v, want ErrValidation", err)
		}
	})

	t.Run("TriggeredConflicts", func(t *testing.T) {
		svc, store, _, _ := newTestRuleService()
		rule, _ := svc.CreateRule(ctx, validInput())
		store.MarkTriggered(ctx, rule.ID, "0xdone")

		_, err := svc.UpdateTriggerPrice(ctx, rule.ID, 0.30)
		if !errors.Is(err, domain.ErrConflict) {
			t.Errorf("UpdateTriggerPrice() error = %v, want ErrConflict", err)
		}
	})

	t.Run("MissingNotFound", func(t *testing.T) {
		svc, _, _, _ := newTestRuleService()
		_, err := svc.UpdateTriggerPrice(ctx, "nope", 0.30)
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("UpdateTriggerPrice() error = %v, want ErrNotFound", err)
		}
	})
}

func TestMarkTriggered_ConcurrentCallsWinOnce(t *testing.T) {
	ctx := context.Background()
	svc, store, _, _ := newTestRuleService()
	rule, _ := svc.CreateRule(ctx, validInput())

	var wg sync.WaitGroup
	wins := make(chan string, 2)
	for _, ref := range []string{"0xa", "0xb"} {
		wg.Add(1)
		go func(ref string) {
			defer wg.Done()
			won, err := svc.MarkTriggered(ctx, rule.ID, ref)
			if err != nil {
				t.Errorf("MarkTriggered(%s) error = %v", ref, err)
				return
			}
			if won {
				wins <- ref
			}
		}(ref)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for ref := range wins {
		winners = append(winners, ref)
	}
	if len(winners) != 1 {
		t.Fatalf("winners = %v, want exactly one", winners)
	}
	stored, _ := store.GetByID(ctx, rule.ID)
	if stored.TriggerTxHash != winners[0] {
		t.Errorf("trigger tx = %q, want the winner's %q", stored.TriggerTxHash, winners[0])
	}
}

func TestMarkFailed_LogsEventOnlyOnWin(t *testing.T) {
	ctx := context.Background()
	svc, _, events, _ := newTestRuleService()
	rule, _ := svc.CreateRule(ctx, validInput())

	won, err := svc.MarkFailed(ctx, rule.ID, "no orderbook")
	if err != nil || !won {
		t.Fatalf("MarkFailed() = (%v, %v), want (true, nil)", won, err)
	}

	won, err = svc.MarkFailed(ctx, rule.ID, "again")
	if err != nil || won {
		t.Fatalf("second MarkFailed() = (%v, %v), want (false, nil)", won, err)
	}

	if got := events.count(rule.ID, domain.EventRuleFailed); got != 1 {
		t.Errorf("RULE_FAILED events = %d, want 1", got)
	}
}
