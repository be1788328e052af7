package domain

import (
	"context"
	"io"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// EventStore persists the append-only event journal of a market. The
// Before variants serve the cold-storage archiver.
type EventStore interface {
	Append(ctx context.Context, evt Event) error
	List(ctx context.Context, marketID string, opts ListOpts) ([]Event, error)
	ListAll(ctx context.Context, marketID string) ([]Event, error)
	Count(ctx context.Context, marketID string) (int64, error)
	ListBefore(ctx context.Context, marketID string, before time.Time) ([]Event, error)
	DeleteBefore(ctx context.Context, marketID string, before time.Time) (int64, error)
}

// PositionRecord is a historical row for a leveraged position, written on
// open and updated on close/liquidation for off-engine queries.
type PositionRecord struct {
	MarketID   string
	Trader     string
	Side       Side
	Collateral string // decimal string of internal units
	Loan       string
	Shares     string
	EntryPrice string
	OpenedAt   time.Time
	ClosedAt   *time.Time
	Outcome    string // "closed", "liquidated", "claimed", "swept"
	Payout     string
}

// PositionHistoryStore persists position lifecycle records.
type PositionHistoryStore interface {
	Insert(ctx context.Context, rec PositionRecord) error
	MarkClosed(ctx context.Context, marketID, trader string, side Side, outcome, payout string, closedAt time.Time) error
	ListByTrader(ctx context.Context, marketID, trader string, opts ListOpts) ([]PositionRecord, error)
	ListOpen(ctx context.Context, marketID string) ([]PositionRecord, error)
}

// StateSnapshot is a versioned checkpoint of the full market state, stored as
// a JSON document. The version field keeps old snapshots loadable after
// state-shape changes.
type StateSnapshot struct {
	MarketID  string
	Version   int
	Sequence  uint64
	State     []byte
	CreatedAt time.Time
}

// SnapshotStore persists market state checkpoints.
type SnapshotStore interface {
	Save(ctx context.Context, snap StateSnapshot) error
	Latest(ctx context.Context, marketID string) (StateSnapshot, error)
}

// StateCache holds short-lived serialized market state for read endpoints.
// Get returns ErrNotFound on a miss.
type StateCache interface {
	Set(ctx context.Context, marketID string, data []byte) error
	Get(ctx context.Context, marketID string) ([]byte, error)
	Invalidate(ctx context.Context, marketID string) error
}

// SignalBus publishes raw payloads to interested subscribers (live feeds,
// keepers, notifiers).
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// LockManager provides distributed mutual exclusion for keeper instances.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// RateLimiter enforces per-key request budgets at the API edge.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// BlobWriter stores immutable blobs (journal archives) under a key.
type BlobWriter interface {
	Write(ctx context.Context, key string, data []byte, contentType string) error
}

// BlobInfo describes a stored blob.
type BlobInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// BlobReader retrieves archived blobs and lists them by key prefix.
type BlobReader interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
}
