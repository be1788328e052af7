package lending

import (
	"log/slog"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forecastex/marketd/internal/collateral"
	"github.com/forecastex/marketd/internal/domain"
)

func newTestPool(t *testing.T, liquidity int64, maxUtilBps int64) (*Pool, *collateral.Vault) {
	t.Helper()
	vault := collateral.NewVault(1, slog.Default())
	_, err := vault.Deposit(Account, big.NewInt(liquidity))
	require.NoError(t, err)
	return NewPool(vault, maxUtilBps, slog.Default()), vault
}

func TestPool_FundAndRepay(t *testing.T) {
	pool, vault := newTestPool(t, 10_000, 8000)

	require.NoError(t, pool.FundLoan("market:m1", big.NewInt(4_000)))
	assert.Equal(t, int64(4_000), pool.TotalLoaned().Int64())
	assert.Equal(t, int64(4_000), vault.BalanceOf("market:m1").Int64())
	assert.Equal(t, int64(6_000), vault.BalanceOf(Account).Int64())

	require.NoError(t, pool.RepayLoan("market:m1", big.NewInt(4_000), big.NewInt(0)))
	assert.Zero(t, pool.TotalLoaned().Sign())
	assert.Equal(t, int64(10_000), vault.BalanceOf(Account).Int64())
}

func TestPool_UtilizationCap(t *testing.T) {
	pool, _ := newTestPool(t, 10_000, 8000)

	// 80% of 10k assets = 8k cap.
	require.NoError(t, pool.FundLoan("m", big.NewInt(8_000)))
	err := pool.FundLoan("m", big.NewInt(1))
	assert.ErrorIs(t, err, domain.ErrUtilizationExceeded)
}

func TestPool_RepayWithInterestGrowsLiquidity(t *testing.T) {
	pool, vault := newTestPool(t, 10_000, 8000)

	require.NoError(t, pool.FundLoan("m", big.NewInt(5_000)))
	// Borrower account needs the interest on top of principal.
	_, err := vault.Deposit("m", big.NewInt(250))
	require.NoError(t, err)

	require.NoError(t, pool.RepayLoan("m", big.NewInt(5_000), big.NewInt(250)))
	assert.Equal(t, int64(10_250), vault.BalanceOf(Account).Int64())
	assert.Zero(t, pool.TotalLoaned().Sign())
}

func TestPool_SnapshotRestore(t *testing.T) {
	pool, _ := newTestPool(t, 10_000, 8000)
	snap := pool.Snapshot()

	require.NoError(t, pool.FundLoan("m", big.NewInt(3_000)))
	pool.Restore(snap)
	assert.Zero(t, pool.TotalLoaned().Sign())
}
