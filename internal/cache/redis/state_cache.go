package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/forecastex/marketd/internal/domain"
	"github.com/redis/go-redis/v9"
)

const stateTTL = 3 * time.Second

// StateCache implements domain.StateCache with plain Redis strings holding
// the serialized market state. The TTL is deliberately short: the engine is
// the only writer, and read endpoints invalidate on every state-changing
// operation anyway, so the cache only has to absorb read bursts between
// trades.
//
// Key schema:
//
//	marketstate:{id} - string value containing JSON
type StateCache struct {
	rdb *redis.Client
}

// NewStateCache creates a StateCache backed by the given Client.
func NewStateCache(c *Client) *StateCache {
	return &StateCache{rdb: c.Underlying()}
}

func stateKey(id string) string { return "marketstate:" + id }

// Set stores the serialized state for a market.
func (sc *StateCache) Set(ctx context.Context, marketID string, data []byte) error {
	if err := sc.rdb.Set(ctx, stateKey(marketID), data, stateTTL).Err(); err != nil {
		return fmt.Errorf("redis: set state %s: %w", marketID, err)
	}
	return nil
}

// Get retrieves the cached state for a market.
// It returns domain.ErrNotFound when the key does not exist or has expired.
func (sc *StateCache) Get(ctx context.Context, marketID string) ([]byte, error) {
	data, err := sc.rdb.Get(ctx, stateKey(marketID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("redis: get state %s: %w", marketID, err)
	}
	return data, nil
}

// Invalidate drops the cached state for a market. Deleting a missing key is
// not an error.
func (sc *StateCache) Invalidate(ctx context.Context, marketID string) error {
	if err := sc.rdb.Del(ctx, stateKey(marketID)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate state %s: %w", marketID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.StateCache = (*StateCache)(nil)
