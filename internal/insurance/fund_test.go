package insurance

import (
	"log/slog"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forecastex/marketd/internal/collateral"
	"github.com/forecastex/marketd/internal/domain"
)

func TestFund_FeesAndCoverage(t *testing.T) {
	vault := collateral.NewVault(1, slog.Default())
	fund := NewFund(vault, slog.Default())

	_, err := vault.Deposit("market:m1", big.NewInt(1_000))
	require.NoError(t, err)

	require.NoError(t, fund.DepositFee("market:m1", big.NewInt(300)))
	assert.Equal(t, int64(300), fund.Balance().Int64())

	require.NoError(t, fund.CoverBadDebt("market:m1", big.NewInt(200)))
	assert.Equal(t, int64(100), fund.Balance().Int64())
	assert.Equal(t, int64(900), vault.BalanceOf("market:m1").Int64())
}

func TestFund_InsolventCoverageFails(t *testing.T) {
	vault := collateral.NewVault(1, slog.Default())
	fund := NewFund(vault, slog.Default())

	err := fund.CoverBadDebt("market:m1", big.NewInt(1))
	assert.ErrorIs(t, err, domain.ErrInsuranceInsolvent)

	// Zero shortfall is a no-op, not an error.
	assert.NoError(t, fund.CoverBadDebt("market:m1", big.NewInt(0)))
}
