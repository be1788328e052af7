// Package token implements the two non-transferable outcome-token ledgers of
// a binary market. There is deliberately no transfer surface: only the
// issuing market moves balances, via mint and burn.
package token

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sync"

	"github.com/forecastex/marketd/internal/domain"
)

// OutcomeLedger keeps one balance book per outcome side.
type OutcomeLedger struct {
	mu       sync.Mutex
	balances map[domain.Side]map[string]*big.Int
	supply   map[domain.Side]*big.Int
}

// NewOutcomeLedger creates an empty two-sided ledger.
func NewOutcomeLedger() *OutcomeLedger {
	return &OutcomeLedger{
		balances: map[domain.Side]map[string]*big.Int{
			domain.SideYes: {},
			domain.SideNo:  {},
		},
		supply: map[domain.Side]*big.Int{
			domain.SideYes: new(big.Int),
			domain.SideNo:  new(big.Int),
		},
	}
}

func (l *OutcomeLedger) balance(side domain.Side, holder string) *big.Int {
	b, ok := l.balances[side][holder]
	if !ok {
		b = new(big.Int)
		l.balances[side][holder] = b
	}
	return b
}

// Mint credits amount to the holder on the given side.
func (l *OutcomeLedger) Mint(side domain.Side, to string, amount *big.Int) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("token: mint: %w", domain.ErrZeroAmount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.balance(side, to)
	b.Add(b, amount)
	l.supply[side].Add(l.supply[side], amount)
	return nil
}

// Burn debits amount from the holder on the given side.
func (l *OutcomeLedger) Burn(side domain.Side, from string, amount *big.Int) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("token: burn: %w", domain.ErrZeroAmount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.balance(side, from)
	if b.Cmp(amount) < 0 {
		return fmt.Errorf("token: burn from %s: %w", from, domain.ErrInsufficientBalance)
	}
	b.Sub(b, amount)
	l.supply[side].Sub(l.supply[side], amount)
	return nil
}

// BalanceOf returns a copy of the holder's balance on the given side.
func (l *OutcomeLedger) BalanceOf(side domain.Side, holder string) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.balance(side, holder))
}

// Supply returns a copy of the side's total supply.
func (l *OutcomeLedger) Supply(side domain.Side) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.supply[side])
}

type ledgerState struct {
	Balances map[domain.Side]map[string]*big.Int `json:"balances"`
	Supply   map[domain.Side]*big.Int            `json:"supply"`
}

// ExportState serializes both balance books for checkpoint persistence.
func (l *OutcomeLedger) ExportState() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(ledgerState{Balances: l.balances, Supply: l.supply})
	if err != nil {
		return nil, fmt.Errorf("token: export state: %w", err)
	}
	return data, nil
}

// ImportState replaces both balance books with a previously exported
// checkpoint.
func (l *OutcomeLedger) ImportState(data []byte) error {
	var s ledgerState
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("token: import state: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.balances = s.Balances
	l.supply = s.Supply
	for _, side := range []domain.Side{domain.SideYes, domain.SideNo} {
		if l.balances == nil {
			l.balances = make(map[domain.Side]map[string]*big.Int, 2)
		}
		if l.balances[side] == nil {
			l.balances[side] = make(map[string]*big.Int)
		}
		if l.supply == nil {
			l.supply = make(map[domain.Side]*big.Int, 2)
		}
		if l.supply[side] == nil {
			l.supply[side] = new(big.Int)
		}
	}
	return nil
}

type ledgerSnapshot struct {
	balances map[domain.Side]map[string]*big.Int
	supply   map[domain.Side]*big.Int
}

// Snapshot captures both balance books for atomic rollback.
func (l *OutcomeLedger) Snapshot() any {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := ledgerSnapshot{
		balances: make(map[domain.Side]map[string]*big.Int, 2),
		supply:   make(map[domain.Side]*big.Int, 2),
	}
	for side, book := range l.balances {
		cp := make(map[string]*big.Int, len(book))
		for holder, b := range book {
			cp[holder] = new(big.Int).Set(b)
		}
		snap.balances[side] = cp
		snap.supply[side] = new(big.Int).Set(l.supply[side])
	}
	return snap
}

// Restore re-installs a snapshot taken by Snapshot.
func (l *OutcomeLedger) Restore(snap any) {
	s, ok := snap.(ledgerSnapshot)
	if !ok {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.balances = make(map[domain.Side]map[string]*big.Int, 2)
	l.supply = make(map[domain.Side]*big.Int, 2)
	for side, book := range s.balances {
		cp := make(map[string]*big.Int, len(book))
		for holder, b := range book {
			cp[holder] = new(big.Int).Set(b)
		}
		l.balances[side] = cp
		l.supply[side] = new(big.Int).Set(s.supply[side])
	}
}
