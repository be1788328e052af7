// Package collateral implements the custody vault: the ledger that exchanges
// the external stable asset for the internal accounting unit and routes all
// internal-unit movement between accounts.
package collateral

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/forecastex/marketd/internal/domain"
)

// Vault is an in-process custody ledger. Deposits mint internal units 1:1
// scaled by a fixed decimal multiplier; redemptions burn and release the
// external asset. Every monetary hop in the system goes through Transfer, so
// the vault's balance map is the single source of truth for who holds what.
type Vault struct {
	mu         sync.Mutex
	multiplier *big.Int
	balances   map[string]*big.Int
	pulled     map[string]bool // one-shot migration latch per market account
	logger     *slog.Logger
}

// NewVault creates a Vault with the given external-to-internal decimal
// multiplier (e.g. 1 when both sides use the same decimals).
func NewVault(multiplier int64, logger *slog.Logger) *Vault {
	if multiplier < 1 {
		multiplier = 1
	}
	return &Vault{
		multiplier: big.NewInt(multiplier),
		balances:   make(map[string]*big.Int),
		pulled:     make(map[string]bool),
		logger:     logger,
	}
}

func (v *Vault) balance(account string) *big.Int {
	b, ok := v.balances[account]
	if !ok {
		b = new(big.Int)
		v.balances[account] = b
	}
	return b
}

// Deposit converts externalAmount into internal units credited to account.
func (v *Vault) Deposit(account string, externalAmount *big.Int) (*big.Int, error) {
	if externalAmount.Sign() <= 0 {
		return nil, fmt.Errorf("vault: deposit: %w", domain.ErrZeroAmount)
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	minted := new(big.Int).Mul(externalAmount, v.multiplier)
	b := v.balance(account)
	b.Add(b, minted)
	return minted, nil
}

// Redeem burns internalAmount from account and returns the external amount
// released.
func (v *Vault) Redeem(account string, internalAmount *big.Int) (*big.Int, error) {
	if internalAmount.Sign() <= 0 {
		return nil, fmt.Errorf("vault: redeem: %w", domain.ErrZeroAmount)
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	b := v.balance(account)
	if b.Cmp(internalAmount) < 0 {
		return nil, fmt.Errorf("vault: redeem %s: %w", account, domain.ErrInsufficientBalance)
	}
	b.Sub(b, internalAmount)
	return new(big.Int).Quo(internalAmount, v.multiplier), nil
}

// Transfer moves internal units between accounts. Zero-amount transfers are
// no-ops so settlement paths do not need to special-case empty legs.
func (v *Vault) Transfer(from, to string, amount *big.Int) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("vault: transfer: %w", domain.ErrZeroAmount)
	}
	if amount.Sign() == 0 {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	fb := v.balance(from)
	if fb.Cmp(amount) < 0 {
		return fmt.Errorf("vault: transfer from %s: %w", from, domain.ErrInsufficientBalance)
	}
	fb.Sub(fb, amount)
	tb := v.balance(to)
	tb.Add(tb, amount)
	return nil
}

// TransferToMarketOnce moves the full escrow balance to the market account.
// The latch makes it usable exactly once per market, at migration.
func (v *Vault) TransferToMarketOnce(escrow, market string) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.pulled[market] {
		return nil, fmt.Errorf("vault: %w", domain.ErrMigrationPullUsed)
	}
	amount := new(big.Int).Set(v.balance(escrow))
	v.balance(escrow).SetInt64(0)
	mb := v.balance(market)
	mb.Add(mb, amount)
	v.pulled[market] = true

	v.logger.Info("vault: migration pull executed",
		slog.String("escrow", escrow),
		slog.String("market", market),
		slog.String("amount", amount.String()),
	)
	return amount, nil
}

// BalanceOf returns a copy of the account's internal-unit balance.
func (v *Vault) BalanceOf(account string) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.balance(account))
}

type vaultState struct {
	Balances map[string]*big.Int `json:"balances"`
	Pulled   map[string]bool     `json:"pulled"`
}

// ExportState serializes the full ledger for checkpoint persistence.
func (v *Vault) ExportState() ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	data, err := json.Marshal(vaultState{Balances: v.balances, Pulled: v.pulled})
	if err != nil {
		return nil, fmt.Errorf("vault: export state: %w", err)
	}
	return data, nil
}

// ImportState replaces the ledger with a previously exported checkpoint.
func (v *Vault) ImportState(data []byte) error {
	var s vaultState
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("vault: import state: %w", err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	v.balances = s.Balances
	if v.balances == nil {
		v.balances = make(map[string]*big.Int)
	}
	v.pulled = s.Pulled
	if v.pulled == nil {
		v.pulled = make(map[string]bool)
	}
	return nil
}

type vaultSnapshot struct {
	balances map[string]*big.Int
	pulled   map[string]bool
}

// Snapshot captures the full ledger for atomic rollback.
func (v *Vault) Snapshot() any {
	v.mu.Lock()
	defer v.mu.Unlock()

	snap := vaultSnapshot{
		balances: make(map[string]*big.Int, len(v.balances)),
		pulled:   make(map[string]bool, len(v.pulled)),
	}
	for k, b := range v.balances {
		snap.balances[k] = new(big.Int).Set(b)
	}
	for k, used := range v.pulled {
		snap.pulled[k] = used
	}
	return snap
}

// Restore re-installs a snapshot taken by Snapshot.
func (v *Vault) Restore(snap any) {
	s, ok := snap.(vaultSnapshot)
	if !ok {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	v.balances = make(map[string]*big.Int, len(s.balances))
	for k, b := range s.balances {
		v.balances[k] = new(big.Int).Set(b)
	}
	v.pulled = make(map[string]bool, len(s.pulled))
	for k, used := range s.pulled {
		v.pulled[k] = used
	}
}
