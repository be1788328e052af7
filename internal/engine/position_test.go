package engine

import (
	"bytes"
	"context"
	"log/slog"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forecastex/marketd/internal/domain"
	"github.com/forecastex/marketd/internal/insurance"
	"github.com/forecastex/marketd/internal/lending"
	"github.com/forecastex/marketd/internal/marketmath"
)

func TestOpenPositionFundsAndReprices(t *testing.T) {
	r := newRig(t)
	r.migrate()

	pos, err := r.open(r.bob, domain.SideYes, 1_000_000, 5, "0")
	require.NoError(t, err)

	// 5M notional against 50M/100M reserves.
	assert.Equal(t, big.NewInt(9_090_910), pos.Shares)
	assert.Equal(t, big.NewInt(4_000_000), pos.Loan)
	assert.Equal(t, big.NewInt(1_000_000), pos.Collateral)
	assert.Equal(t, big.NewInt(550_000), pos.EntryPrice)
	assert.True(t, pos.Active)

	st := r.market.State()
	assert.Equal(t, big.NewInt(55_000_000), st.ReserveStable)
	assert.Equal(t, big.NewInt(90_909_090), st.ReserveYes)
	assert.Equal(t, big.NewInt(139_240_506), st.ReserveNo)
	assert.Equal(t, big.NewInt(9_090_910), st.OpenInterestYes)
	assert.Equal(t, big.NewInt(4_000_000), st.TotalBorrowed)
	assert.Equal(t, big.NewInt(4_000_000), r.pool.TotalLoaned())

	// Rebalance restored price parity exactly for these reserves.
	yes, no := r.market.Prices()
	assert.Equal(t, big.NewInt(605_000), yes)
	assert.Equal(t, big.NewInt(395_000), no)
	assert.Equal(t, int64(marketmath.Scale), new(big.Int).Add(yes, no).Int64())

	// Collateral and loan both landed in the market account.
	assert.Equal(t, big.NewInt(99_000_000), r.balance(r.bob.Address()))
	assert.Equal(t, big.NewInt(55_000_000), r.balance(r.market.MarketAccount()))
	assert.Equal(t, big.NewInt(996_000_000), r.balance(lending.Account))

	require.Len(t, r.sink.byType(domain.EventLeverageActivated), 1)
	require.Len(t, r.sink.byType(domain.EventPositionOpened), 1)
}

func TestOpenUnleveragedTakesNoLoan(t *testing.T) {
	r := newRig(t)
	r.migrate()

	pos, err := r.open(r.bob, domain.SideNo, 2_000_000, 1, "0")
	require.NoError(t, err)

	assert.Equal(t, 0, pos.Loan.Sign())
	assert.Equal(t, 0, r.market.State().TotalBorrowed.Sign())
	assert.Empty(t, r.sink.byType(domain.EventLeverageActivated))

	// Zero-loan positions are never liquidatable.
	_, hasDebt := r.market.HealthFactorOf(r.bob.Address(), domain.SideNo)
	assert.False(t, hasDebt)
}

func TestOpenValidation(t *testing.T) {
	r := newRig(t)
	r.migrate()

	_, err := r.open(r.bob, domain.SideYes, 999_999, 2, "0")
	require.ErrorIs(t, err, domain.ErrCollateralTooSmall)

	_, err = r.open(r.bob, domain.SideYes, 1_000_000, 0, "0")
	require.ErrorIs(t, err, domain.ErrLeverageOutOfBounds)

	_, err = r.open(r.bob, domain.SideYes, 1_000_000, 6, "0")
	require.ErrorIs(t, err, domain.ErrLeverageOutOfBounds)
}

func TestOpenDuplicateSideRejectedButSidesCoexist(t *testing.T) {
	r := newRig(t)
	r.migrate()

	_, err := r.open(r.bob, domain.SideYes, 1_000_000, 2, "0")
	require.NoError(t, err)

	_, err = r.open(r.bob, domain.SideYes, 1_000_000, 2, "0")
	require.ErrorIs(t, err, domain.ErrPositionExists)

	// The same trader may hold the opposite side concurrently.
	_, err = r.open(r.bob, domain.SideNo, 1_000_000, 2, "0")
	require.NoError(t, err)
	assert.Len(t, r.market.ActivePositions(), 2)
}

func TestClosePositionRoundTrip(t *testing.T) {
	r := newRig(t)
	r.migrate()

	_, err := r.open(r.bob, domain.SideYes, 1_000_000, 5, "0")
	require.NoError(t, err)

	sa := r.signed(domain.ActionClosePosition, r.bob, CloseParams{Side: domain.SideYes})
	payout, pnl, err := r.market.ClosePosition(context.Background(), sa)
	require.NoError(t, err)

	// No price movement and no elapsed time: the trader gets the exact
	// collateral back and the pool is repaid in full.
	assert.Equal(t, big.NewInt(1_000_000), payout)
	assert.Equal(t, 0, pnl.Sign())

	st := r.market.State()
	assert.Equal(t, big.NewInt(50_000_000), st.ReserveStable)
	assert.Equal(t, big.NewInt(100_000_000), st.ReserveYes)
	assert.Equal(t, big.NewInt(100_000_000), st.ReserveNo)
	assert.Equal(t, 0, st.OpenInterestYes.Sign())
	assert.Equal(t, 0, st.TotalBorrowed.Sign())

	assert.Equal(t, big.NewInt(100_000_000), r.balance(r.bob.Address()))
	assert.Equal(t, big.NewInt(1_000_000_000), r.balance(lending.Account))

	pos, ok := r.market.PositionOf(r.bob.Address(), domain.SideYes)
	require.True(t, ok)
	assert.False(t, pos.Active)
}

func TestCloseAccruesSimpleInterest(t *testing.T) {
	r := newRig(t)
	r.migrate()

	_, err := r.open(r.bob, domain.SideYes, 1_000_000, 5, "0")
	require.NoError(t, err)

	// Half a year at 10% APR on the 4M loan: 200k interest.
	r.now = r.now.Add(time.Duration(marketmath.YearSeconds/2) * time.Second)

	sa := r.signed(domain.ActionClosePosition, r.bob, CloseParams{Side: domain.SideYes})
	payout, pnl, err := r.market.ClosePosition(context.Background(), sa)
	require.NoError(t, err)

	assert.Equal(t, big.NewInt(800_000), payout)
	assert.Equal(t, big.NewInt(-200_000), pnl)
	assert.Equal(t, big.NewInt(1_000_200_000), r.balance(lending.Account))
}

func TestCloseWarnsOnBorrowedUnderflow(t *testing.T) {
	r := newRig(t)
	r.migrate()

	var logbuf bytes.Buffer
	r.market.logger = slog.New(slog.NewTextHandler(&logbuf, nil))

	_, err := r.open(r.bob, domain.SideYes, 1_000_000, 5, "0")
	require.NoError(t, err)

	// Force the counter below the position's loan so the repay undershoots,
	// the way a diverged mirror ledger would present.
	r.market.state.TotalBorrowed = big.NewInt(1)

	sa := r.signed(domain.ActionClosePosition, r.bob, CloseParams{Side: domain.SideYes})
	_, _, err = r.market.ClosePosition(context.Background(), sa)
	require.NoError(t, err)

	assert.Equal(t, 0, r.market.State().TotalBorrowed.Sign())
	assert.True(t, strings.Contains(logbuf.String(), "total borrowed underflow clamped"))
}

func TestCloseWithoutPositionRejected(t *testing.T) {
	r := newRig(t)
	r.migrate()

	sa := r.signed(domain.ActionClosePosition, r.bob, CloseParams{Side: domain.SideYes})
	_, _, err := r.market.ClosePosition(context.Background(), sa)
	require.ErrorIs(t, err, domain.ErrNoActivePosition)
}

func TestLiquidateHealthyPositionRejected(t *testing.T) {
	r := newRig(t)
	r.migrate()

	_, err := r.open(r.bob, domain.SideYes, 1_000_000, 5, "0")
	require.NoError(t, err)

	// One year of interest leaves the health factor just above par.
	r.now = r.now.Add(time.Duration(marketmath.YearSeconds) * time.Second)
	hf, hasDebt := r.market.HealthFactorOf(r.bob.Address(), domain.SideYes)
	require.True(t, hasDebt)
	assert.Equal(t, big.NewInt(10_416), hf)

	err = r.market.Liquidate(context.Background(), r.liquidator.Address(), r.bob.Address(), domain.SideYes)
	require.ErrorIs(t, err, domain.ErrPositionHealthy)
}

func TestLiquidateSplitsSurplus(t *testing.T) {
	r := newRig(t)
	r.migrate()

	_, err := r.open(r.bob, domain.SideYes, 1_000_000, 5, "0")
	require.NoError(t, err)

	// Two years of interest pushes the debt under water: value 5.5M
	// against a threshold-weighted debt of 5.76M.
	r.now = r.now.Add(2 * time.Duration(marketmath.YearSeconds) * time.Second)
	hf, hasDebt := r.market.HealthFactorOf(r.bob.Address(), domain.SideYes)
	require.True(t, hasDebt)
	assert.Equal(t, big.NewInt(9_548), hf)

	fundBefore := r.fund.Balance()
	err = r.market.Liquidate(context.Background(), r.liquidator.Address(), r.bob.Address(), domain.SideYes)
	require.NoError(t, err)

	// Proceeds 5M, debt 4.8M: 200k surplus split 5% / 5% / 90%.
	assert.Equal(t, big.NewInt(10_000), new(big.Int).Sub(r.fund.Balance(), fundBefore))
	assert.Equal(t, big.NewInt(100_010_000), r.balance(r.liquidator.Address()))
	assert.Equal(t, big.NewInt(99_180_000), r.balance(r.bob.Address()))
	assert.Equal(t, big.NewInt(1_000_800_000), r.balance(lending.Account))

	pos, ok := r.market.PositionOf(r.bob.Address(), domain.SideYes)
	require.True(t, ok)
	assert.False(t, pos.Active)
	assert.Equal(t, 0, r.market.State().OpenInterestYes.Sign())

	events := r.sink.byType(domain.EventPositionLiquidated)
	require.Len(t, events, 1)
	assert.Equal(t, "10000", events[0].Data["reward"])
}

func TestLiquidateTwiceRejected(t *testing.T) {
	r := newRig(t)
	r.migrate()

	_, err := r.open(r.bob, domain.SideYes, 1_000_000, 5, "0")
	require.NoError(t, err)
	r.now = r.now.Add(2 * time.Duration(marketmath.YearSeconds) * time.Second)

	require.NoError(t, r.market.Liquidate(context.Background(), r.liquidator.Address(), r.bob.Address(), domain.SideYes))

	err = r.market.Liquidate(context.Background(), r.liquidator.Address(), r.bob.Address(), domain.SideYes)
	require.ErrorIs(t, err, domain.ErrNoActivePosition)
}

func TestLiquidationShortfallCoveredByInsurance(t *testing.T) {
	r := newRig(t)
	r.migrate()
	_, err := r.vault.Deposit(insurance.Account, big.NewInt(10_000_000))
	require.NoError(t, err)

	_, err = r.open(r.bob, domain.SideYes, 1_000_000, 5, "0")
	require.NoError(t, err)

	// Ten years of interest doubles the debt: 8M against 5M proceeds.
	r.now = r.now.Add(10 * time.Duration(marketmath.YearSeconds) * time.Second)

	fundBefore := r.fund.Balance()
	require.NoError(t, r.market.Liquidate(context.Background(), r.liquidator.Address(), r.bob.Address(), domain.SideYes))

	// The fund covered the 3M gap; no surplus means no fee and no reward.
	assert.Equal(t, big.NewInt(-3_000_000), new(big.Int).Sub(r.fund.Balance(), fundBefore))
	assert.Equal(t, big.NewInt(100_000_000), r.balance(r.liquidator.Address()))
	assert.Equal(t, big.NewInt(99_000_000), r.balance(r.bob.Address()))
	// The pool is still made whole: principal plus full interest.
	assert.Equal(t, big.NewInt(1_004_000_000), r.balance(lending.Account))
}

func TestBulkLiquidateSkipsInactiveAndHealthy(t *testing.T) {
	r := newRig(t)
	r.migrate()
	// The NO-side open below reprices YES down far enough that bob's
	// liquidation settles at a shortfall; the fund must be able to cover.
	_, err := r.vault.Deposit(insurance.Account, big.NewInt(10_000_000))
	require.NoError(t, err)

	_, err = r.open(r.bob, domain.SideYes, 1_000_000, 5, "0")
	require.NoError(t, err)
	_, err = r.open(r.alice, domain.SideNo, 2_000_000, 1, "0")
	require.NoError(t, err)

	r.now = r.now.Add(2 * time.Duration(marketmath.YearSeconds) * time.Second)

	sa := r.signed(domain.ActionBulkLiquidate, r.liquidator, BulkLiquidateParams{
		Traders: []string{r.bob.Address(), r.alice.Address(), r.liquidator.Address()},
		Sides:   []domain.Side{domain.SideYes, domain.SideNo, domain.SideYes},
	})
	count, err := r.market.BulkLiquidate(context.Background(), sa)
	require.NoError(t, err)

	// Only bob's leveraged position qualifies: alice has no loan and the
	// liquidator has no position at all.
	assert.Equal(t, 1, count)

	bobPos, ok := r.market.PositionOf(r.bob.Address(), domain.SideYes)
	require.True(t, ok)
	assert.False(t, bobPos.Active)
	alicePos, ok := r.market.PositionOf(r.alice.Address(), domain.SideNo)
	require.True(t, ok)
	assert.True(t, alicePos.Active)
}

func TestBulkLiquidateLengthMismatch(t *testing.T) {
	r := newRig(t)
	r.migrate()

	sa := r.signed(domain.ActionBulkLiquidate, r.liquidator, BulkLiquidateParams{
		Traders: []string{r.bob.Address()},
		Sides:   []domain.Side{domain.SideYes, domain.SideNo},
	})
	_, err := r.market.BulkLiquidate(context.Background(), sa)
	require.ErrorIs(t, err, domain.ErrLengthMismatch)
}
