package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forecastex/marketd/internal/domain"
)

// EventStore implements domain.EventStore using PostgreSQL.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates an EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

const eventSelectCols = `id, market_id, sequence, event_type, occurred_at, data`

func scanEventRows(rows pgx.Rows) ([]domain.Event, error) {
	var events []domain.Event
	for rows.Next() {
		var (
			evt domain.Event
			typ string
			raw []byte
		)
		if err := rows.Scan(&evt.ID, &evt.MarketID, &evt.Sequence, &typ, &evt.At, &raw); err != nil {
			return nil, err
		}
		evt.Type = domain.EventType(typ)
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &evt.Data); err != nil {
				return nil, fmt.Errorf("decode event data: %w", err)
			}
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// Append inserts one journal entry. Replays of an already-persisted
// (market, sequence) pair are silently skipped, so delivery retries after a
// crash cannot duplicate the journal.
func (s *EventStore) Append(ctx context.Context, evt domain.Event) error {
	data, err := json.Marshal(evt.Data)
	if err != nil {
		return fmt.Errorf("postgres: encode event data: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO market_events (id, market_id, sequence, event_type, occurred_at, data)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (market_id, sequence) DO NOTHING`,
		evt.ID, evt.MarketID, evt.Sequence, string(evt.Type), evt.At, data,
	)
	if err != nil {
		return fmt.Errorf("postgres: append event: %w", err)
	}
	return nil
}

// List returns journal entries for a market in sequence order, with
// pagination and optional time filtering.
func (s *EventStore) List(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Event, error) {
	query := `SELECT ` + eventSelectCols + ` FROM market_events WHERE market_id = $1`
	args := []any{marketID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND occurred_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND occurred_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY sequence ASC"

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

// ListAll returns the complete journal for a market in sequence order.
func (s *EventStore) ListAll(ctx context.Context, marketID string) ([]domain.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventSelectCols+` FROM market_events WHERE market_id = $1 ORDER BY sequence ASC`,
		marketID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list all events: %w", err)
	}
	defer rows.Close()
	return scanEventRows(rows)
}

// Count returns the number of journal entries for a market.
func (s *EventStore) Count(ctx context.Context, marketID string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM market_events WHERE market_id = $1`, marketID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count events: %w", err)
	}
	return n, nil
}

// ListBefore returns all entries that occurred strictly before the given
// time, oldest first, for archiving.
func (s *EventStore) ListBefore(ctx context.Context, marketID string, before time.Time) ([]domain.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventSelectCols+` FROM market_events
		 WHERE market_id = $1 AND occurred_at < $2 ORDER BY sequence ASC`,
		marketID, before,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events before: %w", err)
	}
	defer rows.Close()
	return scanEventRows(rows)
}

// DeleteBefore removes entries that occurred before the given time and
// returns the number deleted. Callers archive first.
func (s *EventStore) DeleteBefore(ctx context.Context, marketID string, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM market_events WHERE market_id = $1 AND occurred_at < $2`,
		marketID, before,
	)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete events before: %w", err)
	}
	return tag.RowsAffected(), nil
}
