package domain

import (
	"math/big"
	"time"
)

// Side identifies one of the two outcome legs of a binary market.
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// Opposite returns the other outcome side.
func (s Side) Opposite() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

// Valid reports whether s is one of the two known sides.
func (s Side) Valid() bool {
	return s == SideYes || s == SideNo
}

// Phase is the market lifecycle stage. Transitions are strictly forward:
// PreMigration -> Phase2Active -> Resolved (or PreMigration -> Resolved when
// the curve never fills).
type Phase string

const (
	PhasePreMigration Phase = "pre_migration"
	Phase2Active      Phase = "phase2_active"
	PhaseResolved     Phase = "resolved"
)

// BonusTier maps a collateral ceiling to a settlement bonus rate. Tiers are
// evaluated in order; the first tier whose Ceiling exceeds the position's
// collateral applies. A nil Ceiling marks the unbounded top tier.
type BonusTier struct {
	Ceiling  *big.Int
	BonusBps int64
}

// MarketParams is the immutable configuration of a market instance, fixed at
// creation. A versioned copy is persisted alongside every state snapshot.
type MarketParams struct {
	MarketID string
	Version  int

	// Bonding curve.
	CurveK             int64
	FeeBps             int64
	MigrationThreshold *big.Int
	DustTolerance      *big.Int

	// Leverage.
	MinCollateral   *big.Int
	MaxLeverage     int64
	BorrowRateBps   int64
	LiqThresholdBps int64
	InsuranceFeeBps int64
	LiquidatorBps   int64

	// Settlement.
	BonusTiers   []BonusTier
	ClaimCooloff time.Duration
}

// MarketState is the mutable singleton state of a deployed market instance.
// All fields are owned by the engine; nothing outside the engine mutates it.
type MarketState struct {
	Phase Phase

	// Bonding curve ledger.
	CurrentSupply      *big.Int
	TotalCapitalRaised *big.Int

	// Virtual AMM. InvariantK is fixed at migration and never changes.
	ReserveStable *big.Int
	ReserveYes    *big.Int
	ReserveNo     *big.Int
	InvariantK    *big.Int

	// Leverage accounting mirror of the lending pool's ledger.
	TotalBorrowed *big.Int

	// Open interest per side: total shares in active leveraged positions.
	OpenInterestYes *big.Int
	OpenInterestNo  *big.Int

	// Resolution.
	Resolved        bool
	WinningOutcome  Side
	SettlementPrice *big.Int
	ResolvedAt      time.Time

	// Replay protection: next expected nonce per address.
	Nonces map[string]uint64
}

// NewMarketState returns a zeroed pre-migration state.
func NewMarketState() *MarketState {
	return &MarketState{
		Phase:              PhasePreMigration,
		CurrentSupply:      new(big.Int),
		TotalCapitalRaised: new(big.Int),
		ReserveStable:      new(big.Int),
		ReserveYes:         new(big.Int),
		ReserveNo:          new(big.Int),
		InvariantK:         new(big.Int),
		TotalBorrowed:      new(big.Int),
		OpenInterestYes:    new(big.Int),
		OpenInterestNo:     new(big.Int),
		SettlementPrice:    new(big.Int),
		Nonces:             make(map[string]uint64),
	}
}

// Reserve returns the virtual reserve for the given outcome side.
func (s *MarketState) Reserve(side Side) *big.Int {
	if side == SideYes {
		return s.ReserveYes
	}
	return s.ReserveNo
}

// SetReserve overwrites the virtual reserve for the given outcome side.
func (s *MarketState) SetReserve(side Side, v *big.Int) {
	if side == SideYes {
		s.ReserveYes = v
		return
	}
	s.ReserveNo = v
}

// OpenInterest returns the open-interest aggregate for the given side.
func (s *MarketState) OpenInterest(side Side) *big.Int {
	if side == SideYes {
		return s.OpenInterestYes
	}
	return s.OpenInterestNo
}

// SetOpenInterest overwrites the open-interest aggregate for the given side.
func (s *MarketState) SetOpenInterest(side Side, v *big.Int) {
	if side == SideYes {
		s.OpenInterestYes = v
		return
	}
	s.OpenInterestNo = v
}

// Clone returns a deep copy of the state, used for snapshot/rollback.
func (s *MarketState) Clone() *MarketState {
	out := &MarketState{
		Phase:              s.Phase,
		CurrentSupply:      new(big.Int).Set(s.CurrentSupply),
		TotalCapitalRaised: new(big.Int).Set(s.TotalCapitalRaised),
		ReserveStable:      new(big.Int).Set(s.ReserveStable),
		ReserveYes:         new(big.Int).Set(s.ReserveYes),
		ReserveNo:          new(big.Int).Set(s.ReserveNo),
		InvariantK:         new(big.Int).Set(s.InvariantK),
		TotalBorrowed:      new(big.Int).Set(s.TotalBorrowed),
		OpenInterestYes:    new(big.Int).Set(s.OpenInterestYes),
		OpenInterestNo:     new(big.Int).Set(s.OpenInterestNo),
		Resolved:           s.Resolved,
		WinningOutcome:     s.WinningOutcome,
		SettlementPrice:    new(big.Int).Set(s.SettlementPrice),
		ResolvedAt:         s.ResolvedAt,
		Nonces:             make(map[string]uint64, len(s.Nonces)),
	}
	for k, v := range s.Nonces {
		out.Nonces[k] = v
	}
	return out
}
