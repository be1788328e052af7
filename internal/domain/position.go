package domain

import (
	"math/big"
	"time"
)

// PositionKey identifies a leveraged position: at most one active position
// exists per (trader, side) pair.
type PositionKey struct {
	Trader string
	Side   Side
}

// Position is a leveraged directional position against the virtual AMM.
// Shares equal exactly the amount minted by the AMM buy at open time and are
// consumed exactly once, at close or liquidation. Records are never reused
// after deactivation; a later open on the same key creates a fresh record.
type Position struct {
	Trader     string
	Side       Side
	Collateral *big.Int // posted by the trader, external denomination
	Loan       *big.Int // principal borrowed from the lending pool
	Shares     *big.Int // virtual-AMM units acquired at open
	EntryPrice *big.Int // fixed-point, Scale
	OpenedAt   time.Time
	Active     bool
}

// Clone returns a deep copy of the position.
func (p *Position) Clone() *Position {
	return &Position{
		Trader:     p.Trader,
		Side:       p.Side,
		Collateral: new(big.Int).Set(p.Collateral),
		Loan:       new(big.Int).Set(p.Loan),
		Shares:     new(big.Int).Set(p.Shares),
		EntryPrice: new(big.Int).Set(p.EntryPrice),
		OpenedAt:   p.OpenedAt,
		Active:     p.Active,
	}
}
