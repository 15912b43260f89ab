package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/polysentry/polysentry/internal/domain"
)

// RuleStore implements domain.RuleStore using PostgreSQL.
//
// Every transition out of ACTIVE is a conditional update guarded by the
// current status, so concurrent evaluators in this process or any other
// instance cannot both win the same transition.
type RuleStore struct {
	pool *pgxpool.Pool
}

// NewRuleStore creates a RuleStore backed by the given connection pool.
func NewRuleStore(pool *pgxpool.Pool) *RuleStore {
	return &RuleStore{pool: pool}
}

// Create inserts a new rule.
func (s *RuleStore) Create(ctx context.Context, r domain.TradeRule) error {
	const query = `
		INSERT INTO trade_rules (
			id, rule_type, market_id, token_id, side,
			trigger_price, trailing_percent, peak_price,
			action_kind, action_amount, status, market_slug,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8,
			$9, $10, $11, $12,
			$13, NOW()
		)`

	_, err := s.pool.Exec(ctx, query,
		r.ID, string(r.RuleType), r.MarketID, r.TokenID, string(r.Side),
		r.TriggerPrice, r.TrailingPercent, r.PeakPrice,
		string(r.Action.Kind), r.Action.Amount, string(r.Status), r.MarketSlug,
		r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create rule %s: %w", r.ID, err)
	}
	return nil
}

const ruleSelectCols = `id, rule_type, market_id, token_id, side,
	trigger_price, trailing_percent, peak_price,
	action_kind, action_amount, status, market_slug,
	triggered_at, trigger_tx_hash, error_message,
	created_at, updated_at`

func scanRuleFromRow(scanner interface{ Scan(dest ...any) error }) (domain.TradeRule, error) {
	var r domain.TradeRule
	var ruleType, side, actionKind, status string

	err := scanner.Scan(
		&r.ID, &ruleType, &r.MarketID, &r.TokenID, &side,
		&r.TriggerPrice, &r.TrailingPercent, &r.PeakPrice,
		&actionKind, &r.Action.Amount, &status, &r.MarketSlug,
		&r.TriggeredAt, &r.TriggerTxHash, &r.ErrorMessage,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return domain.TradeRule{}, err
	}

	r.RuleType = domain.RuleType(ruleType)
	r.Side = domain.RuleSide(side)
	r.Action.Kind = domain.ActionKind(actionKind)
	r.Status = domain.RuleStatus(status)

	return r, nil
}

func scanRuleRows(rows pgx.Rows) ([]domain.TradeRule, error) {
	var rules []domain.TradeRule
	for rows.Next() {
		r, err := scanRuleFromRow(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// GetByID retrieves a single rule by ID.
func (s *RuleStore) GetByID(ctx context.Context, id string) (domain.TradeRule, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+ruleSelectCols+` FROM trade_rules WHERE id = $1`, id)

	r, err := scanRuleFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TradeRule{}, domain.ErrNotFound
		}
		return domain.TradeRule{}, fmt.Errorf("postgres: get rule %s: %w", id, err)
	}
	return r, nil
}

// List returns rules, optionally filtered by status, newest first.
func (s *RuleStore) List(ctx context.Context, status *domain.RuleStatus, opts domain.ListOpts) ([]domain.TradeRule, error) {
	query := `SELECT ` + ruleSelectCols + ` FROM trade_rules`
	args := []any{}
	argIdx := 1

	if status != nil {
		query += fmt.Sprintf(" WHERE status = $%d", argIdx)
		args = append(args, string(*status))
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list rules: %w", err)
	}
	defer rows.Close()

	rules, err := scanRuleRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan rules: %w", err)
	}
	return rules, nil
}

// ListActiveByToken returns all ACTIVE rules bound to a token.
func (s *RuleStore) ListActiveByToken(ctx context.Context, tokenID string) ([]domain.TradeRule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ruleSelectCols+` FROM trade_rules
		 WHERE token_id = $1 AND status = 'ACTIVE'
		 ORDER BY created_at`, tokenID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active rules for token %s: %w", tokenID, err)
	}
	defer rows.Close()

	rules, err := scanRuleRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan active rules: %w", err)
	}
	return rules, nil
}

// ListActiveTokenIDs returns the distinct token IDs with at least one
// ACTIVE rule, used to reconcile feed subscriptions.
func (s *RuleStore) ListActiveTokenIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT token_id FROM trade_rules WHERE status = 'ACTIVE'`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active token ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan token id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateTriggerPrice changes the trigger price of an ACTIVE rule. It
// reports whether a row was updated; false means the rule is missing or no
// longer ACTIVE.
func (s *RuleStore) UpdateTriggerPrice(ctx context.Context, id string, price float64) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE trade_rules
		 SET trigger_price = $2, updated_at = NOW()
		 WHERE id = $1 AND status = 'ACTIVE'`,
		id, price)
	if err != nil {
		return false, fmt.Errorf("postgres: update trigger price %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// RatchetPeak raises the persisted peak and the derived trigger price of an
// ACTIVE trailing-stop rule. The guard on the stored peak keeps it
// monotonically non-decreasing when ticks race, and GREATEST keeps the
// trigger from ever moving below the stored one: the first peak after
// creation may derive a trigger under the user-configured floor.
func (s *RuleStore) RatchetPeak(ctx context.Context, id string, peak, trigger float64) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE trade_rules
		 SET peak_price = $2, trigger_price = GREATEST(trigger_price, $3),
		     updated_at = NOW()
		 WHERE id = $1 AND status = 'ACTIVE'
		   AND (peak_price IS NULL OR peak_price < $2)`,
		id, peak, trigger)
	if err != nil {
		return false, fmt.Errorf("postgres: ratchet peak %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkTriggered performs the conditional ACTIVE -> TRIGGERED transition.
// The return value reports whether this call won the transition.
func (s *RuleStore) MarkTriggered(ctx context.Context, id, txRef string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE trade_rules
		 SET status = 'TRIGGERED', triggered_at = NOW(),
		     trigger_tx_hash = $2, updated_at = NOW()
		 WHERE id = $1 AND status = 'ACTIVE'`,
		id, txRef)
	if err != nil {
		return false, fmt.Errorf("postgres: mark rule triggered %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkFailed performs the conditional ACTIVE -> FAILED transition, reserved
// for permanent failures.
func (s *RuleStore) MarkFailed(ctx context.Context, id, message string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE trade_rules
		 SET status = 'FAILED', error_message = $2, updated_at = NOW()
		 WHERE id = $1 AND status = 'ACTIVE'`,
		id, message)
	if err != nil {
		return false, fmt.Errorf("postgres: mark rule failed %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Cancel transitions an ACTIVE or FAILED rule to CANCELED.
func (s *RuleStore) Cancel(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE trade_rules
		 SET status = 'CANCELED', updated_at = NOW()
		 WHERE id = $1 AND status IN ('ACTIVE', 'FAILED')`,
		id)
	if err != nil {
		return false, fmt.Errorf("postgres: cancel rule %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Compile-time interface check.
var _ domain.RuleStore = (*RuleStore)(nil)
