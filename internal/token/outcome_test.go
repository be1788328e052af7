package token

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forecastex/marketd/internal/domain"
)

func TestOutcomeLedger_MintBurnSupply(t *testing.T) {
	l := NewOutcomeLedger()

	require.NoError(t, l.Mint(domain.SideYes, "alice", big.NewInt(500)))
	require.NoError(t, l.Mint(domain.SideYes, "bob", big.NewInt(250)))
	require.NoError(t, l.Mint(domain.SideNo, "alice", big.NewInt(100)))

	assert.Equal(t, int64(500), l.BalanceOf(domain.SideYes, "alice").Int64())
	assert.Equal(t, int64(750), l.Supply(domain.SideYes).Int64())
	assert.Equal(t, int64(100), l.Supply(domain.SideNo).Int64())

	require.NoError(t, l.Burn(domain.SideYes, "alice", big.NewInt(500)))
	assert.Zero(t, l.BalanceOf(domain.SideYes, "alice").Sign())
	assert.Equal(t, int64(250), l.Supply(domain.SideYes).Int64())
}

func TestOutcomeLedger_BurnBeyondBalance(t *testing.T) {
	l := NewOutcomeLedger()
	require.NoError(t, l.Mint(domain.SideNo, "alice", big.NewInt(10)))

	err := l.Burn(domain.SideNo, "alice", big.NewInt(11))
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
}

func TestOutcomeLedger_SnapshotRestore(t *testing.T) {
	l := NewOutcomeLedger()
	require.NoError(t, l.Mint(domain.SideYes, "alice", big.NewInt(500)))

	snap := l.Snapshot()
	require.NoError(t, l.Burn(domain.SideYes, "alice", big.NewInt(400)))
	require.NoError(t, l.Mint(domain.SideNo, "bob", big.NewInt(9)))

	l.Restore(snap)
	assert.Equal(t, int64(500), l.BalanceOf(domain.SideYes, "alice").Int64())
	assert.Equal(t, int64(500), l.Supply(domain.SideYes).Int64())
	assert.Zero(t, l.Supply(domain.SideNo).Sign())
}
