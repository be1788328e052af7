package engine

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forecastex/marketd/internal/domain"
	"github.com/forecastex/marketd/internal/insurance"
	"github.com/forecastex/marketd/internal/marketmath"
)

func TestBuySharesMintsAndCharges(t *testing.T) {
	r := newRig(t)

	// 500 shares at K=100 from zero supply: cost = 100*(5e8)^2/(2*1e12).
	res, err := r.buy(r.alice, domain.SideYes, 500_000_000)
	require.NoError(t, err)

	assert.Equal(t, big.NewInt(500_000_000), res.Shares)
	assert.Equal(t, big.NewInt(12_500_000), res.RawCost)
	assert.Equal(t, big.NewInt(62_500), res.Fee)
	assert.False(t, res.Migrated)

	st := r.market.State()
	assert.Equal(t, big.NewInt(500_000_000), st.CurrentSupply)
	assert.Equal(t, big.NewInt(12_500_000), st.TotalCapitalRaised)
	assert.Equal(t, domain.PhasePreMigration, st.Phase)

	assert.Equal(t, big.NewInt(500_000_000), r.tokens.BalanceOf(domain.SideYes, r.alice.Address()))
	assert.Equal(t, big.NewInt(12_500_000), r.balance(r.market.EscrowAccount()))
	assert.Equal(t, big.NewInt(62_500), r.fund.Balance())
	// Trader paid cost plus fee.
	assert.Equal(t, big.NewInt(100_000_000-12_500_000-62_500), r.balance(r.alice.Address()))
}

func TestBuyCostMatchesQuote(t *testing.T) {
	r := newRig(t)

	_, err := r.buy(r.alice, domain.SideNo, 300_000_000)
	require.NoError(t, err)

	rawCost, fee := r.market.QuoteBuy(big.NewInt(200_000_000))
	res, err := r.buy(r.bob, domain.SideYes, 200_000_000)
	require.NoError(t, err)
	assert.Equal(t, rawCost, res.RawCost)
	assert.Equal(t, fee, res.Fee)
}

func TestBuySupplyAndRaisedAreMonotonic(t *testing.T) {
	r := newRig(t)

	prevSupply := new(big.Int)
	prevRaised := new(big.Int)
	for _, amt := range []int64{100_000_000, 250_000_000, 50_000_000} {
		_, err := r.buy(r.alice, domain.SideYes, amt)
		require.NoError(t, err)
		st := r.market.State()
		assert.Equal(t, 1, st.CurrentSupply.Cmp(prevSupply))
		assert.Equal(t, 1, st.TotalCapitalRaised.Cmp(prevRaised))
		prevSupply = st.CurrentSupply
		prevRaised = st.TotalCapitalRaised
	}
}

func TestBuyZeroAmountRejected(t *testing.T) {
	r := newRig(t)
	_, err := r.buy(r.alice, domain.SideYes, 0)
	require.ErrorIs(t, err, domain.ErrZeroAmount)
}

func TestThresholdBuyIsCappedAndMigrates(t *testing.T) {
	r := newRig(t)

	// First buy leaves a 37.5M-unit gap to the 50M threshold.
	_, err := r.buy(r.bob, domain.SideYes, 500_000_000)
	require.NoError(t, err)

	// A 10_000-share request overshoots; it must fill only up to the
	// threshold: sqrt(2*Scale^2*gap/K + s1^2) = 1e9, i.e. 500 more shares.
	res, err := r.buy(r.alice, domain.SideYes, 10_000_000_000)
	require.NoError(t, err)

	assert.Equal(t, big.NewInt(500_000_000), res.Shares)
	assert.Equal(t, big.NewInt(37_500_000), res.RawCost)
	assert.True(t, res.Migrated)

	st := r.market.State()
	assert.Equal(t, domain.Phase2Active, st.Phase)
	assert.Equal(t, big.NewInt(50_000_000), st.TotalCapitalRaised)
	assert.Equal(t, big.NewInt(1_000_000_000), st.CurrentSupply)
}

func TestMigrationBootstrapsReservesAtHalfPar(t *testing.T) {
	r := newRig(t)
	r.migrate()

	st := r.market.State()
	raised := big.NewInt(50_000_000)
	assert.Equal(t, raised, st.ReserveStable)
	assert.Equal(t, new(big.Int).Mul(raised, big.NewInt(2)), st.ReserveYes)
	assert.Equal(t, new(big.Int).Mul(raised, big.NewInt(2)), st.ReserveNo)
	assert.Equal(t, new(big.Int).Mul(st.ReserveStable, st.ReserveYes), st.InvariantK)

	yes, no := r.market.Prices()
	half := big.NewInt(marketmath.Scale / 2)
	assert.Equal(t, half, yes)
	assert.Equal(t, half, no)

	// The raised capital moved from escrow into the market account.
	assert.Equal(t, 0, r.balance(r.market.EscrowAccount()).Sign())
	assert.Equal(t, raised, r.balance(r.market.MarketAccount()))

	require.Len(t, r.sink.byType(domain.EventMigration), 1)
}

func TestMigrationHappensExactlyOnce(t *testing.T) {
	r := newRig(t)
	r.migrate()

	_, err := r.buy(r.bob, domain.SideYes, 100_000_000)
	require.ErrorIs(t, err, domain.ErrMarketMigrated)
	require.Len(t, r.sink.byType(domain.EventMigration), 1)
}

func TestBuyAfterResolutionRejected(t *testing.T) {
	r := newRig(t)
	_, err := r.buy(r.alice, domain.SideYes, 500_000_000)
	require.NoError(t, err)

	// Resolution before the curve ever filled: no migration happened, so
	// the rejection must name the resolution, not a migration.
	sa := r.signed(domain.ActionResolve, r.authority, ResolveParams{Winner: domain.SideYes})
	require.NoError(t, r.market.Resolve(context.Background(), sa))

	_, err = r.buy(r.bob, domain.SideYes, 100_000_000)
	require.ErrorIs(t, err, domain.ErrMarketResolved)
}

func TestBuyAfterMigratedResolutionRejected(t *testing.T) {
	r := newRig(t)
	r.migrate()
	require.NoError(t, r.resolve(domain.SideNo))

	_, err := r.buy(r.bob, domain.SideYes, 100_000_000)
	require.ErrorIs(t, err, domain.ErrMarketResolved)
}

func TestPhase1FeesAccrueToInsurance(t *testing.T) {
	r := newRig(t)
	r.migrate()
	// Fee on the full 50M raise at 50 bps.
	assert.Equal(t, big.NewInt(250_000), r.fund.Balance())
	assert.Equal(t, big.NewInt(250_000), r.balance(insurance.Account))
}
