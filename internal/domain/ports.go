package domain

import (
	"context"
	"math/big"
	"time"
)

// Snapshotter is implemented by every in-process collaborator whose state
// must roll back together with the engine when an operation fails mid-way.
// Snapshot returns an opaque copy; Restore re-installs it.
type Snapshotter interface {
	Snapshot() any
	Restore(snap any)
}

// CustodyVault is the deposit/redemption ledger bridging the external stable
// asset and the internal accounting unit. Deposits mint internal units 1:1
// scaled by a fixed decimal multiplier; redemptions burn and return the
// external asset.
type CustodyVault interface {
	Snapshotter

	// Deposit converts an external amount into internal units credited to
	// the account.
	Deposit(account string, externalAmount *big.Int) (*big.Int, error)

	// Redeem burns internal units from the account and returns the external
	// amount released.
	Redeem(account string, internalAmount *big.Int) (*big.Int, error)

	// Transfer moves internal units between accounts.
	Transfer(from, to string, amount *big.Int) error

	// TransferToMarketOnce moves the full escrow balance to the market
	// account. Usable exactly once per market, at migration.
	TransferToMarketOnce(escrow, market string) (*big.Int, error)

	BalanceOf(account string) *big.Int
}

// LendingPool funds leverage loans and tracks interest owed back to it.
type LendingPool interface {
	Snapshotter

	// FundLoan moves principal from pool liquidity to the borrower account.
	// Fails with ErrUtilizationExceeded when the loan would push pool
	// utilization over its cap.
	FundLoan(borrower string, amount *big.Int) error

	// RepayLoan returns principal plus interest from the borrower account.
	RepayLoan(borrower string, principal, interest *big.Int) error

	// TotalLoaned is the pool's outstanding principal, mirrored by the
	// engine's TotalBorrowed.
	TotalLoaned() *big.Int
}

// InsuranceFund absorbs bad debt and collects protocol fees.
type InsuranceFund interface {
	Snapshotter

	// DepositFee moves internal units from the payer into the fund.
	DepositFee(payer string, amount *big.Int) error

	// CoverBadDebt moves internal units from the fund to the recipient.
	// Fails with ErrInsuranceInsolvent when the fund cannot cover it; the
	// caller must propagate that failure, never swallow it.
	CoverBadDebt(recipient string, shortfall *big.Int) error

	// Account is the fund's custody-vault account name, the destination
	// for swept dead claims.
	Account() string

	Balance() *big.Int
}

// OutcomeLedger is the non-transferable outcome-token balance book for one
// market. Only the issuing market moves balances, via mint and burn.
type OutcomeLedger interface {
	Snapshotter

	Mint(side Side, to string, amount *big.Int) error
	Burn(side Side, from string, amount *big.Int) error
	BalanceOf(side Side, holder string) *big.Int
	Supply(side Side) *big.Int
}

// ActionVerifier checks a structured action message against a signature and
// the expected signer address (hex-encoded).
type ActionVerifier interface {
	VerifyAction(req ActionRequest, sig []byte, expectedSigner string) error
}

// EventSink receives engine events after an operation commits. Sinks must not
// call back into the engine.
type EventSink interface {
	Emit(ctx context.Context, evt Event)
}

// Clock supplies the current time; injectable for deterministic interest and
// deadline tests.
type Clock func() time.Time
