package collateral

import (
	"log/slog"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forecastex/marketd/internal/domain"
)

func newTestVault() *Vault {
	return NewVault(1, slog.Default())
}

func TestVault_DepositRedeemRoundtrip(t *testing.T) {
	v := newTestVault()

	minted, err := v.Deposit("alice", big.NewInt(1000))
	require.NoError(t, err)
	assert.Equal(t, int64(1000), minted.Int64())
	assert.Equal(t, int64(1000), v.BalanceOf("alice").Int64())

	released, err := v.Redeem("alice", big.NewInt(400))
	require.NoError(t, err)
	assert.Equal(t, int64(400), released.Int64())
	assert.Equal(t, int64(600), v.BalanceOf("alice").Int64())
}

func TestVault_DecimalMultiplier(t *testing.T) {
	v := NewVault(1_000_000, slog.Default())

	minted, err := v.Deposit("alice", big.NewInt(5))
	require.NoError(t, err)
	assert.Equal(t, int64(5_000_000), minted.Int64())

	released, err := v.Redeem("alice", big.NewInt(2_000_000))
	require.NoError(t, err)
	assert.Equal(t, int64(2), released.Int64())
}

func TestVault_TransferInsufficient(t *testing.T) {
	v := newTestVault()
	_, err := v.Deposit("alice", big.NewInt(100))
	require.NoError(t, err)

	err = v.Transfer("alice", "bob", big.NewInt(101))
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	// Zero transfers are no-ops.
	require.NoError(t, v.Transfer("alice", "bob", big.NewInt(0)))
	assert.Equal(t, int64(100), v.BalanceOf("alice").Int64())
}

func TestVault_TransferToMarketOnce(t *testing.T) {
	v := newTestVault()
	_, err := v.Deposit("escrow:m1", big.NewInt(50_000))
	require.NoError(t, err)

	amount, err := v.TransferToMarketOnce("escrow:m1", "market:m1")
	require.NoError(t, err)
	assert.Equal(t, int64(50_000), amount.Int64())
	assert.Equal(t, int64(50_000), v.BalanceOf("market:m1").Int64())
	assert.Zero(t, v.BalanceOf("escrow:m1").Sign())

	// Second pull is rejected by the latch.
	_, err = v.TransferToMarketOnce("escrow:m1", "market:m1")
	assert.ErrorIs(t, err, domain.ErrMigrationPullUsed)
}

func TestVault_SnapshotRestore(t *testing.T) {
	v := newTestVault()
	_, err := v.Deposit("alice", big.NewInt(1000))
	require.NoError(t, err)

	snap := v.Snapshot()

	require.NoError(t, v.Transfer("alice", "bob", big.NewInt(999)))
	_, err = v.TransferToMarketOnce("alice", "market:m1")
	require.NoError(t, err)

	v.Restore(snap)
	assert.Equal(t, int64(1000), v.BalanceOf("alice").Int64())
	assert.Zero(t, v.BalanceOf("bob").Sign())

	// Latch state rolls back too.
	_, err = v.TransferToMarketOnce("alice", "market:m1")
	assert.NoError(t, err)
}
