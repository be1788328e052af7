package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarketReaderView(t *testing.T) {
	r := newSvcRig(t)
	res := r.buy(2_000_000)

	reader := NewMarketReader(r.market, nil, testLogger())
	view := reader.View()

	assert.Equal(t, "mkt-svc", view.MarketID)
	assert.Equal(t, "pre_migration", view.Phase)
	assert.Equal(t, res.Shares.String(), view.CurrentSupply)
	assert.False(t, view.Resolved)
	assert.Empty(t, view.ResolvedAt)
}

func TestMarketReaderStateJSONUsesCache(t *testing.T) {
	r := newSvcRig(t)
	r.buy(2_000_000)
	ctx := context.Background()

	// The buy invalidated the cache, so the first read rebuilds and stores.
	reader := NewMarketReader(r.market, r.cache, testLogger())
	raw, err := reader.StateJSON(ctx)
	require.NoError(t, err)

	var view MarketView
	require.NoError(t, json.Unmarshal(raw, &view))
	assert.Equal(t, "mkt-svc", view.MarketID)

	cached, err := r.cache.Get(ctx, "mkt-svc")
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(cached))

	// A second read is served from the cache verbatim.
	again, err := reader.StateJSON(ctx)
	require.NoError(t, err)
	assert.Equal(t, raw, again)
}

func TestMarketReaderWithoutCache(t *testing.T) {
	r := newSvcRig(t)
	reader := NewMarketReader(r.market, nil, testLogger())

	raw, err := reader.StateJSON(context.Background())
	require.NoError(t, err)

	var view MarketView
	require.NoError(t, json.Unmarshal(raw, &view))
	assert.Equal(t, "0", view.CurrentSupply)
}
