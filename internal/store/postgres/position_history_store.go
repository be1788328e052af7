package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forecastex/marketd/internal/domain"
)

// PositionHistoryStore implements domain.PositionHistoryStore using
// PostgreSQL. Amounts are stored as NUMERIC and travel as decimal strings.
type PositionHistoryStore struct {
	pool *pgxpool.Pool
}

// NewPositionHistoryStore creates a PositionHistoryStore backed by the given
// connection pool.
func NewPositionHistoryStore(pool *pgxpool.Pool) *PositionHistoryStore {
	return &PositionHistoryStore{pool: pool}
}

const positionSelectCols = `market_id, trader, side, collateral::text, loan::text,
	shares::text, entry_price::text, opened_at, closed_at, outcome, COALESCE(payout::text, '0')`

func scanPositionRows(rows pgx.Rows) ([]domain.PositionRecord, error) {
	var recs []domain.PositionRecord
	for rows.Next() {
		var (
			rec  domain.PositionRecord
			side string
		)
		if err := rows.Scan(
			&rec.MarketID, &rec.Trader, &side, &rec.Collateral, &rec.Loan,
			&rec.Shares, &rec.EntryPrice, &rec.OpenedAt, &rec.ClosedAt,
			&rec.Outcome, &rec.Payout,
		); err != nil {
			return nil, err
		}
		rec.Side = domain.Side(side)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Insert writes a new open-position row.
func (s *PositionHistoryStore) Insert(ctx context.Context, rec domain.PositionRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO position_history (
			market_id, trader, side, collateral, loan, shares,
			entry_price, opened_at, outcome
		) VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7::numeric, $8, 'open')
		ON CONFLICT (market_id, trader, side, opened_at) DO NOTHING`,
		rec.MarketID, rec.Trader, string(rec.Side), rec.Collateral, rec.Loan,
		rec.Shares, rec.EntryPrice, rec.OpenedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert position: %w", err)
	}
	return nil
}

// MarkClosed finalizes the open row for (market, trader, side) with its
// outcome and payout.
func (s *PositionHistoryStore) MarkClosed(ctx context.Context, marketID, trader string, side domain.Side, outcome, payout string, closedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE position_history
		SET closed_at = $4, outcome = $5, payout = $6::numeric
		WHERE market_id = $1 AND trader = $2 AND side = $3 AND closed_at IS NULL`,
		marketID, trader, string(side), closedAt, outcome, payout,
	)
	if err != nil {
		return fmt.Errorf("postgres: mark position closed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: mark position closed: no open row for %s/%s/%s", marketID, trader, side)
	}
	return nil
}

// ListByTrader returns a trader's position rows, newest first.
func (s *PositionHistoryStore) ListByTrader(ctx context.Context, marketID, trader string, opts domain.ListOpts) ([]domain.PositionRecord, error) {
	query := `SELECT ` + positionSelectCols + ` FROM position_history
		WHERE market_id = $1 AND trader = $2 ORDER BY opened_at DESC`
	args := []any{marketID, trader}
	argIdx := 3

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
		return nil, fmt.Errorf("postgres: list positions by trader: %w", err)
	}
	defer rows.Close()

	recs, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions: %w", err)
	}
	return recs, nil
}

// ListOpen returns every still-open row for a market.
func (s *PositionHistoryStore) ListOpen(ctx context.Context, marketID string) ([]domain.PositionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM position_history
		 WHERE market_id = $1 AND closed_at IS NULL ORDER BY opened_at ASC`,
		marketID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	defer rows.Close()
	return scanPositionRows(rows)
}
