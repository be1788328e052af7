package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forecastex/marketd/internal/domain"
)

// ErrNoSnapshot is returned by Latest when a market has never been
// checkpointed. It matches domain.ErrNotFound so callers outside this
// package do not need a store-specific sentinel.
var ErrNoSnapshot = fmt.Errorf("postgres: no snapshot: %w", domain.ErrNotFound)

// SnapshotStore implements domain.SnapshotStore using PostgreSQL.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

// NewSnapshotStore creates a SnapshotStore backed by the given connection
// pool.
func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

// Save appends a new checkpoint row. Old checkpoints are kept; Latest picks
// the newest.
func (s *SnapshotStore) Save(ctx context.Context, snap domain.StateSnapshot) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO state_snapshots (market_id, version, sequence, state, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		snap.MarketID, snap.Version, snap.Sequence, snap.State, snap.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save snapshot: %w", err)
	}
	return nil
}

// Latest returns the most recent checkpoint for a market, or ErrNoSnapshot.
func (s *SnapshotStore) Latest(ctx context.Context, marketID string) (domain.StateSnapshot, error) {
	var snap domain.StateSnapshot
	err := s.pool.QueryRow(ctx, `
		SELECT market_id, version, sequence, state, created_at
		FROM state_snapshots WHERE market_id = $1
		ORDER BY id DESC LIMIT 1`,
		marketID,
	).Scan(&snap.MarketID, &snap.Version, &snap.Sequence, &snap.State, &snap.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.StateSnapshot{}, fmt.Errorf("postgres: latest snapshot for %s: %w", marketID, ErrNoSnapshot)
		}
		return domain.StateSnapshot{}, fmt.Errorf("postgres: latest snapshot: %w", err)
	}
	return snap, nil
}
