package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/polysentry/polysentry/internal/domain"
)

// EventStore implements domain.EventStore using PostgreSQL. The table is
// append-only; rows are never updated or deleted by this store.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates an EventStore backed by the given pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Append inserts a rule event.
func (s *EventStore) Append(ctx context.Context, e domain.RuleEvent) error {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("postgres: marshal event payload: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO rule_events (rule_id, event_type, payload, created_at)
		 VALUES ($1, $2, $3, NOW())`,
		e.RuleID, string(e.Type), data)
	if err != nil {
		return fmt.Errorf("postgres: append event %s for rule %s: %w", e.Type, e.RuleID, err)
	}
	return nil
}

const eventSelectCols = `id, rule_id, event_type, payload, created_at`

func scanEventRows(rows pgx.Rows) ([]domain.RuleEvent, error) {
	var events []domain.RuleEvent
	for rows.Next() {
		var e domain.RuleEvent
		var eventType string
		var payload []byte

		if err := rows.Scan(&e.ID, &e.RuleID, &eventType, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}

		e.Type = domain.EventType(eventType)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal payload for event %d: %w", e.ID, err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// List returns events in insertion order. An empty ruleID lists all events.
func (s *EventStore) List(ctx context.Context, ruleID string, opts domain.ListOpts) ([]domain.RuleEvent, error) {
	query := `SELECT ` + eventSelectCols + ` FROM rule_events`
	args := []any{}
	argIdx := 1

	if ruleID != "" {
		query += fmt.Sprintf(" WHERE rule_id = $%d", argIdx)
		args = append(args, ruleID)
		argIdx++
	}

	query += " ORDER BY id"

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
		return nil, fmt.Errorf("postgres: list events: %w", err)
	}
	defer rows.Close()

	events, err := scanEventRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan events: %w", err)
	}
	return events, nil
}

// ListBefore returns all events created strictly before the cutoff, oldest
// first, for archival.
func (s *EventStore) ListBefore(ctx context.Context, before time.Time) ([]domain.RuleEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventSelectCols+` FROM rule_events
		 WHERE created_at < $1 ORDER BY id`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events before %s: %w", before, err)
	}
	defer rows.Close()

	events, err := scanEventRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan events before cutoff: %w", err)
	}
	return events, nil
}

// Compile-time interface check.
var _ domain.EventStore = (*EventStore)(nil)
