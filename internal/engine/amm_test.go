package engine

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forecastex/marketd/internal/domain"
	"github.com/forecastex/marketd/internal/marketmath"
)

func TestPriceParityMaintainedAcrossTrades(t *testing.T) {
	r := newRig(t)
	r.migrate()

	checkParity := func() {
		t.Helper()
		yes, no := r.market.Prices()
		sum := new(big.Int).Add(yes, no)
		diff := new(big.Int).Sub(big.NewInt(marketmath.Scale), sum)
		assert.LessOrEqual(t, diff.CmpAbs(big.NewInt(2)), 0,
			"price sum drifted: yes=%s no=%s", yes, no)
	}

	_, err := r.open(r.bob, domain.SideYes, 1_000_000, 3, "0")
	require.NoError(t, err)
	checkParity()

	_, err = r.open(r.alice, domain.SideNo, 2_000_000, 2, "0")
	require.NoError(t, err)
	checkParity()

	sa := r.signed(domain.ActionClosePosition, r.bob, CloseParams{Side: domain.SideYes})
	_, _, err = r.market.ClosePosition(context.Background(), sa)
	require.NoError(t, err)
	checkParity()
}

func TestInvariantHoldsOnTradedPair(t *testing.T) {
	r := newRig(t)
	r.migrate()

	_, err := r.open(r.bob, domain.SideYes, 1_000_000, 5, "0")
	require.NoError(t, err)

	// The traded pair stays on the fixed invariant (up to flooring); the
	// opposite reserve is repriced off the curve, so it is excluded.
	st := r.market.State()
	product := new(big.Int).Mul(st.ReserveStable, st.ReserveYes)
	assert.LessOrEqual(t, product.Cmp(st.InvariantK), 0)
	nextUp := new(big.Int).Add(st.ReserveYes, big.NewInt(1))
	assert.Equal(t, 1, new(big.Int).Mul(st.ReserveStable, nextUp).Cmp(st.InvariantK))
}

func TestExtremeBuyHitsPriceCap(t *testing.T) {
	r := newRig(t)
	r.migrate()

	// A 100M notional into a 50M stable reserve pushes the YES spot far
	// past the 0.99 cap; the NO side is repriced at the floor instead of
	// collapsing to zero.
	_, err := r.open(r.bob, domain.SideYes, 20_000_000, 5, "0")
	require.NoError(t, err)

	yes, no := r.market.Prices()
	assert.Equal(t, 1, yes.Cmp(big.NewInt(marketmath.PriceCap)))
	assert.Equal(t, big.NewInt(marketmath.Scale-marketmath.PriceCap), no)

	events := r.sink.byType(domain.EventRebalance)
	require.NotEmpty(t, events)
	assert.Equal(t, "true", events[len(events)-1].Data["price_capped"])
}
