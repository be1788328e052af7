// Package insurance implements the fund that collects protocol fees and
// absorbs bad debt. Its balance lives in the vault under a dedicated account.
package insurance

import (
	"fmt"
	"log/slog"
	"math/big"

	"github.com/forecastex/marketd/internal/domain"
)

// Account is the vault account holding the fund's balance.
const Account = "insurance:fund"

// Fund routes fees in and bad-debt coverage out of the insurance account.
type Fund struct {
	vault  domain.CustodyVault
	logger *slog.Logger
}

// NewFund creates a Fund backed by the given vault.
func NewFund(vault domain.CustodyVault, logger *slog.Logger) *Fund {
	return &Fund{vault: vault, logger: logger}
}

// DepositFee moves internal units from the payer into the fund.
func (f *Fund) DepositFee(payer string, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	if err := f.vault.Transfer(payer, Account, amount); err != nil {
		return fmt.Errorf("insurance: deposit fee: %w", err)
	}
	return nil
}

// CoverBadDebt moves internal units from the fund to the recipient. An
// underfunded fund fails the call; the market must propagate that failure,
// since it signals systemic under-collateralization.
func (f *Fund) CoverBadDebt(recipient string, shortfall *big.Int) error {
	if shortfall.Sign() == 0 {
		return nil
	}
	if f.vault.BalanceOf(Account).Cmp(shortfall) < 0 {
		return fmt.Errorf("insurance: cover %s: %w", shortfall, domain.ErrInsuranceInsolvent)
	}
	if err := f.vault.Transfer(Account, recipient, shortfall); err != nil {
		return fmt.Errorf("insurance: cover bad debt: %w", err)
	}
	f.logger.Warn("insurance: bad debt covered",
		slog.String("recipient", recipient),
		slog.String("shortfall", shortfall.String()),
	)
	return nil
}

// Account returns the fund's vault account name.
func (f *Fund) Account() string { return Account }

// Balance returns the fund's current internal-unit balance.
func (f *Fund) Balance() *big.Int {
	return f.vault.BalanceOf(Account)
}

// Snapshot is a no-op: the fund keeps no state outside the vault.
func (f *Fund) Snapshot() any { return nil }

// Restore is a no-op counterpart to Snapshot.
func (f *Fund) Restore(any) {}
