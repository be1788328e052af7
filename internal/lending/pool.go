// Package lending implements the pool that funds leverage loans. Liquidity
// lives in the vault under the pool's account; the pool tracks outstanding
// principal and refuses loans that would push utilization over its cap.
package lending

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/forecastex/marketd/internal/domain"
	"github.com/forecastex/marketd/internal/marketmath"
)

// Account is the vault account holding pool liquidity.
const Account = "lending:pool"

// Pool funds loans out of vault liquidity and tracks outstanding principal.
type Pool struct {
	mu          sync.Mutex
	vault       domain.CustodyVault
	maxUtilBps  int64
	totalLoaned *big.Int
	logger      *slog.Logger
}

// NewPool creates a Pool with the given utilization cap in basis points
// (loans / total pool assets).
func NewPool(vault domain.CustodyVault, maxUtilBps int64, logger *slog.Logger) *Pool {
	return &Pool{
		vault:       vault,
		maxUtilBps:  maxUtilBps,
		totalLoaned: new(big.Int),
		logger:      logger,
	}
}

// FundLoan moves principal from pool liquidity to the borrower account.
// Utilization is measured against total pool assets (remaining liquidity plus
// outstanding principal); exceeding the cap fails the loan.
func (p *Pool) FundLoan(borrower string, amount *big.Int) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("lending: fund loan: %w", domain.ErrZeroAmount)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	liquidity := p.vault.BalanceOf(Account)
	assets := new(big.Int).Add(liquidity, p.totalLoaned)
	loaned := new(big.Int).Add(p.totalLoaned, amount)

	maxLoaned := marketmath.MulDiv(assets, big.NewInt(p.maxUtilBps), big.NewInt(marketmath.BPS))
	if loaned.Cmp(maxLoaned) > 0 {
		return fmt.Errorf("lending: fund loan %s: %w", amount, domain.ErrUtilizationExceeded)
	}

	if err := p.vault.Transfer(Account, borrower, amount); err != nil {
		return fmt.Errorf("lending: fund loan: %w", err)
	}
	p.totalLoaned = loaned

	p.logger.Debug("lending: loan funded",
		slog.String("borrower", borrower),
		slog.String("amount", amount.String()),
		slog.String("total_loaned", p.totalLoaned.String()),
	)
	return nil
}

// RepayLoan returns principal plus interest from the borrower account.
func (p *Pool) RepayLoan(borrower string, principal, interest *big.Int) error {
	if principal.Sign() < 0 || interest.Sign() < 0 {
		return fmt.Errorf("lending: repay: %w", domain.ErrZeroAmount)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	total := new(big.Int).Add(principal, interest)
	if err := p.vault.Transfer(borrower, Account, total); err != nil {
		return fmt.Errorf("lending: repay: %w", err)
	}
	p.totalLoaned.Sub(p.totalLoaned, principal)
	if p.totalLoaned.Sign() < 0 {
		p.totalLoaned.SetInt64(0)
	}
	return nil
}

// TotalLoaned returns a copy of the outstanding principal.
func (p *Pool) TotalLoaned() *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return new(big.Int).Set(p.totalLoaned)
}

type poolState struct {
	TotalLoaned *big.Int `json:"total_loaned"`
}

// ExportState serializes the pool's counters for checkpoint persistence.
func (p *Pool) ExportState() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := json.Marshal(poolState{TotalLoaned: p.totalLoaned})
	if err != nil {
		return nil, fmt.Errorf("lending: export state: %w", err)
	}
	return data, nil
}

// ImportState replaces the pool's counters with a previously exported
// checkpoint.
func (p *Pool) ImportState(data []byte) error {
	var s poolState
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("lending: import state: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.totalLoaned = s.TotalLoaned
	if p.totalLoaned == nil {
		p.totalLoaned = new(big.Int)
	}
	return nil
}

// Snapshot captures the pool's own counters. The backing vault balances are
// snapshotted separately by the vault itself.
func (p *Pool) Snapshot() any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return new(big.Int).Set(p.totalLoaned)
}

// Restore re-installs a snapshot taken by Snapshot.
func (p *Pool) Restore(snap any) {
	loaned, ok := snap.(*big.Int)
	if !ok {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.totalLoaned = new(big.Int).Set(loaned)
}
