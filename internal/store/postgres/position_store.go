package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/polysentry/polysentry/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL. Rows are
// upserted by the reconciliation sweep and never deleted.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore backed by the given pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

// Upsert inserts or refreshes a monitored position keyed by
// (market_id, token_id, side).
func (s *PositionStore) Upsert(ctx context.Context, p domain.MonitoredPosition) error {
	const query = `
		INSERT INTO monitored_positions (
			market_id, token_id, side, quantity, avg_entry_price,
			current_price, market_title, outcome, redeemable, end_date, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (market_id, token_id, side) DO UPDATE SET
			quantity = EXCLUDED.quantity,
			avg_entry_price = EXCLUDED.avg_entry_price,
			current_price = EXCLUDED.current_price,
			market_title = EXCLUDED.market_title,
			outcome = EXCLUDED.outcome,
			redeemable = EXCLUDED.redeemable,
			end_date = EXCLUDED.end_date,
			updated_at = NOW()`

	_, err := s.pool.Exec(ctx, query,
		p.MarketID, p.TokenID, string(p.Side), p.Quantity, p.AvgEntryPrice,
		p.CurrentPrice, p.MarketTitle, p.Outcome, p.Redeemable, p.EndDate,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert position %s/%s: %w", p.MarketID, p.TokenID, err)
	}
	return nil
}

const positionSelectCols = `market_id, token_id, side, quantity, avg_entry_price,
	current_price, market_title, outcome, redeemable, end_date, updated_at`

func scanPositionFromRow(scanner interface{ Scan(dest ...any) error }) (domain.MonitoredPosition, error) {
	var p domain.MonitoredPosition
	var side string

	err := scanner.Scan(
		&p.MarketID, &p.TokenID, &side, &p.Quantity, &p.AvgEntryPrice,
		&p.CurrentPrice, &p.MarketTitle, &p.Outcome, &p.Redeemable, &p.EndDate,
		&p.UpdatedAt,
	)
	if err != nil {
		return domain.MonitoredPosition{}, err
	}

	p.Side = domain.RuleSide(side)
	return p, nil
}

// Get retrieves the position for a market/token pair. When both sides are
// cached the BUY side wins, matching the rule default.
func (s *PositionStore) Get(ctx context.Context, marketID, tokenID string) (domain.MonitoredPosition, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM monitored_positions
		 WHERE market_id = $1 AND token_id = $2
		 ORDER BY side LIMIT 1`, marketID, tokenID)

	p, err := scanPositionFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.MonitoredPosition{}, domain.ErrNotFound
		}
		return domain.MonitoredPosition{}, fmt.Errorf("postgres: get position %s/%s: %w", marketID, tokenID, err)
	}
	return p, nil
}

// List returns all cached positions.
func (s *PositionStore) List(ctx context.Context) ([]domain.MonitoredPosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM monitored_positions
		 ORDER BY market_id, token_id, side`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.MonitoredPosition
	for rows.Next() {
		p, err := scanPositionFromRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// UpdatePrice refreshes the cached current price for a market/token pair.
func (s *PositionStore) UpdatePrice(ctx context.Context, marketID, tokenID string, price float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE monitored_positions
		 SET current_price = $3, updated_at = NOW()
		 WHERE market_id = $1 AND token_id = $2`,
		marketID, tokenID, price)
	if err != nil {
		return fmt.Errorf("postgres: update position price %s/%s: %w", marketID, tokenID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)
