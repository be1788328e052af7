package engine

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"time"

	"github.com/forecastex/marketd/internal/domain"
	"github.com/forecastex/marketd/internal/marketmath"
)

// OpenParams is the signed payload of a leveraged open.
type OpenParams struct {
	Side       domain.Side `json:"side"`
	Collateral string      `json:"collateral"`
	Leverage   int64       `json:"leverage"`
	MinShares  string      `json:"min_shares"` // slippage floor
}

// CloseParams is the signed payload of a position close.
type CloseParams struct {
	Side domain.Side `json:"side"`
}

// BulkLiquidateParams is the authority-signed payload of a bulk liquidation:
// two parallel arrays of (trader, side) pairs.
type BulkLiquidateParams struct {
	Traders []string      `json:"traders"`
	Sides   []domain.Side `json:"sides"`
}

// OpenPosition opens a leveraged directional position: collateral is pulled
// from the trader, the excess notional is borrowed from the lending pool,
// and a single AMM buy acquires the shares. At most one active position per
// (trader, side).
func (m *Market) OpenPosition(ctx context.Context, sa domain.SignedAction) (*domain.Position, error) {
	var out *domain.Position
	err := m.run(ctx, "open_position", func() error {
		if err := m.verifyAction(sa, domain.ActionOpenPosition, true); err != nil {
			return err
		}
		var p OpenParams
		if err := decodePayload(sa.Request.Payload, &p); err != nil {
			return err
		}
		if !p.Side.Valid() {
			return domain.ErrInvalidSide
		}
		if m.state.Phase != domain.Phase2Active {
			return domain.ErrPhase2NotActive
		}

		trader := sa.Request.Initiator
		key := domain.PositionKey{Trader: trader, Side: p.Side}
		if existing, ok := m.positions[key]; ok && existing.Active {
			return domain.ErrPositionExists
		}

		collateral, err := parseAmount(p.Collateral)
		if err != nil {
			return err
		}
		if collateral.Cmp(m.params.MinCollateral) < 0 {
			return domain.ErrCollateralTooSmall
		}
		if p.Leverage < 1 || p.Leverage > m.params.MaxLeverage {
			return domain.ErrLeverageOutOfBounds
		}
		minShares, err := parseAmount(p.MinShares)
		if err != nil {
			return err
		}

		if err := m.vault.Transfer(trader, m.MarketAccount(), collateral); err != nil {
			return err
		}

		loan := new(big.Int).Mul(collateral, big.NewInt(p.Leverage-1))
		if loan.Sign() > 0 {
			if err := m.lending.FundLoan(m.MarketAccount(), loan); err != nil {
				return err
			}
			m.state.TotalBorrowed = new(big.Int).Add(m.state.TotalBorrowed, loan)
			m.emit(domain.EventLeverageActivated, map[string]string{
				"trader":   trader,
				"side":     string(p.Side),
				"loan":     loan.String(),
				"leverage": big.NewInt(p.Leverage).String(),
			})
		}

		notional := new(big.Int).Mul(collateral, big.NewInt(p.Leverage))
		shares, err := m.ammBuy(p.Side, notional)
		if err != nil {
			return err
		}
		if shares.Cmp(minShares) < 0 {
			return domain.ErrSlippageExceeded
		}

		entryPrice := marketmath.MulDiv(notional, big.NewInt(marketmath.Scale), shares)
		now := m.clock().UTC()

		pos := &domain.Position{
			Trader:     trader,
			Side:       p.Side,
			Collateral: collateral,
			Loan:       loan,
			Shares:     shares,
			EntryPrice: entryPrice,
			OpenedAt:   now,
			Active:     true,
		}
		m.positions[key] = pos

		oi := m.state.OpenInterest(p.Side)
		m.state.SetOpenInterest(p.Side, new(big.Int).Add(oi, shares))

		m.emit(domain.EventPositionOpened, map[string]string{
			"trader":      trader,
			"side":        string(p.Side),
			"collateral":  collateral.String(),
			"loan":        loan.String(),
			"shares":      shares.String(),
			"entry_price": entryPrice.String(),
		})

		m.consumeNonce(trader)
		out = pos.Clone()
		return nil
	})
	return out, err
}

// ClosePosition sells the position's shares back into the AMM, settles the
// loan (reporting any shortfall to the insurance fund as bad debt), and pays
// the surplus to the trader.
func (m *Market) ClosePosition(ctx context.Context, sa domain.SignedAction) (payout, pnl *big.Int, err error) {
	err = m.run(ctx, "close_position", func() error {
		if err := m.verifyAction(sa, domain.ActionClosePosition, true); err != nil {
			return err
		}
		var p CloseParams
		if err := decodePayload(sa.Request.Payload, &p); err != nil {
			return err
		}
		if m.state.Phase != domain.Phase2Active {
			return domain.ErrPhase2NotActive
		}

		trader := sa.Request.Initiator
		key := domain.PositionKey{Trader: trader, Side: p.Side}
		pos, ok := m.positions[key]
		if !ok || !pos.Active {
			return domain.ErrNoActivePosition
		}

		proceeds, err := m.ammSell(p.Side, pos.Shares)
		if err != nil {
			return err
		}

		surplus, interest, shortfall, err := m.settleDebt(pos, proceeds, m.clock().UTC())
		if err != nil {
			return err
		}

		if err := m.vault.Transfer(m.MarketAccount(), trader, surplus); err != nil {
			return err
		}

		m.deactivate(pos)

		payout = surplus
		pnl = new(big.Int).Sub(surplus, pos.Collateral)

		m.emit(domain.EventPositionClosed, map[string]string{
			"trader":    trader,
			"side":      string(p.Side),
			"proceeds":  proceeds.String(),
			"interest":  interest.String(),
			"shortfall": shortfall.String(),
			"payout":    payout.String(),
			"pnl":       pnl.String(),
		})

		m.consumeNonce(trader)
		return nil
	})
	return payout, pnl, err
}

// Liquidate closes an unhealthy position on behalf of its owner. It is
// permissionless: anyone may call it, and the caller earns a share of the
// settlement surplus.
func (m *Market) Liquidate(ctx context.Context, caller, trader string, side domain.Side) error {
	return m.run(ctx, "liquidate", func() error {
		if m.state.Phase != domain.Phase2Active {
			return domain.ErrPhase2NotActive
		}
		return m.liquidateOne(caller, trader, side)
	})
}

// BulkLiquidate iterates a caller-supplied list of (trader, side) pairs,
// silently skipping inactive or still-healthy entries, and returns the
// number of positions actually liquidated. Authority-signed.
func (m *Market) BulkLiquidate(ctx context.Context, sa domain.SignedAction) (int, error) {
	var count int
	err := m.run(ctx, "bulk_liquidate", func() error {
		if err := m.verifyAction(sa, domain.ActionBulkLiquidate, false); err != nil {
			return err
		}
		var p BulkLiquidateParams
		if err := decodePayload(sa.Request.Payload, &p); err != nil {
			return err
		}
		if len(p.Traders) != len(p.Sides) {
			return domain.ErrLengthMismatch
		}
		if m.state.Phase != domain.Phase2Active {
			return domain.ErrPhase2NotActive
		}

		caller := sa.Request.Initiator
		for i := range p.Traders {
			err := m.liquidateOne(caller, p.Traders[i], p.Sides[i])
			switch {
			case err == nil:
				count++
			case errors.Is(err, domain.ErrNoActivePosition),
				errors.Is(err, domain.ErrPositionHealthy):
				// A batch never reverts because one entry is already
				// gone or still healthy.
			default:
				return err
			}
		}

		m.consumeNonce(caller)
		return nil
	})
	return count, err
}

// HealthFactorOf evaluates a position's health at current AMM prices, in
// basis points. ok is false when the position has no loan (never
// liquidatable) or does not exist.
func (m *Market) HealthFactorOf(trader string, side domain.Side) (*big.Int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, exists := m.positions[domain.PositionKey{Trader: trader, Side: side}]
	if !exists || !pos.Active {
		return nil, false
	}
	return m.healthFactor(pos, m.clock().UTC())
}

func (m *Market) healthFactor(pos *domain.Position, asOf time.Time) (*big.Int, bool) {
	value := marketmath.MulDiv(pos.Shares, m.price(pos.Side), big.NewInt(marketmath.Scale))
	elapsed := int64(asOf.Sub(pos.OpenedAt) / time.Second)
	interest := marketmath.SimpleInterest(pos.Loan, m.params.BorrowRateBps, elapsed)
	debt := new(big.Int).Add(pos.Loan, interest)
	return marketmath.HealthFactor(value, debt, m.params.LiqThresholdBps)
}

// liquidateOne settles a single unhealthy position. The surplus is split
// three ways: a fixed fee to the insurance fund, a reward to the liquidating
// caller, and the remainder refunded to the trader.
func (m *Market) liquidateOne(caller, trader string, side domain.Side) error {
	key := domain.PositionKey{Trader: trader, Side: side}
	pos, ok := m.positions[key]
	if !ok || !pos.Active {
		return domain.ErrNoActivePosition
	}

	now := m.clock().UTC()
	hf, hasDebt := m.healthFactor(pos, now)
	if !hasDebt || hf.Cmp(big.NewInt(marketmath.BPS)) >= 0 {
		return domain.ErrPositionHealthy
	}

	proceeds, err := m.ammSell(side, pos.Shares)
	if err != nil {
		return err
	}

	surplus, interest, shortfall, err := m.settleDebt(pos, proceeds, now)
	if err != nil {
		return err
	}

	reward := new(big.Int)
	refund := new(big.Int)
	if surplus.Sign() > 0 {
		bps := big.NewInt(marketmath.BPS)
		insFee := marketmath.MulDiv(surplus, big.NewInt(m.params.InsuranceFeeBps), bps)
		reward = marketmath.MulDiv(surplus, big.NewInt(m.params.LiquidatorBps), bps)
		refund = new(big.Int).Sub(surplus, insFee)
		refund.Sub(refund, reward)

		if err := m.insurance.DepositFee(m.MarketAccount(), insFee); err != nil {
			return err
		}
		if err := m.vault.Transfer(m.MarketAccount(), caller, reward); err != nil {
			return err
		}
		if err := m.vault.Transfer(m.MarketAccount(), trader, refund); err != nil {
			return err
		}
	}

	m.deactivate(pos)

	m.emit(domain.EventPositionLiquidated, map[string]string{
		"trader":        trader,
		"side":          string(side),
		"caller":        caller,
		"health_factor": hf.String(),
		"proceeds":      proceeds.String(),
		"interest":      interest.String(),
		"shortfall":     shortfall.String(),
		"reward":        reward.String(),
		"refund":        refund.String(),
	})
	return nil
}

// settleDebt accrues interest to asOf, repays the lending pool, and routes
// any shortfall through the insurance fund. Effects ordering keeps the
// market account whole before anything is paid out.
func (m *Market) settleDebt(pos *domain.Position, proceeds *big.Int, asOf time.Time) (surplus, interest, shortfall *big.Int, err error) {
	elapsed := int64(asOf.Sub(pos.OpenedAt) / time.Second)
	interest = marketmath.SimpleInterest(pos.Loan, m.params.BorrowRateBps, elapsed)
	debt := new(big.Int).Add(pos.Loan, interest)

	surplus = new(big.Int)
	shortfall = new(big.Int)
	if proceeds.Cmp(debt) >= 0 {
		surplus = new(big.Int).Sub(proceeds, debt)
	} else {
		shortfall = new(big.Int).Sub(debt, proceeds)
		// The fund must cover the gap or the whole call fails: an
		// uncovered shortfall signals systemic under-collateralization.
		if err := m.insurance.CoverBadDebt(m.MarketAccount(), shortfall); err != nil {
			return nil, nil, nil, err
		}
	}

	if pos.Loan.Sign() > 0 {
		if err := m.lending.RepayLoan(m.MarketAccount(), pos.Loan, interest); err != nil {
			return nil, nil, nil, err
		}
	}

	remaining := new(big.Int).Sub(m.state.TotalBorrowed, pos.Loan)
	if remaining.Sign() < 0 {
		// The open-interest counter should never undershoot a repay; if it
		// does the engine has diverged from the lending pool's mirror
		// ledger, so make the clamp visible instead of silently absorbing
		// the gap.
		m.logger.Warn("engine: total borrowed underflow clamped",
			slog.String("market", m.params.MarketID),
			slog.String("trader", pos.Trader),
			slog.String("loan", pos.Loan.String()),
			slog.String("total_borrowed", m.state.TotalBorrowed.String()),
		)
		remaining = new(big.Int)
	}
	m.state.TotalBorrowed = remaining
	return surplus, interest, shortfall, nil
}

// deactivate retires a position record and unwinds its open interest. The
// record stays in the table for history but is never reused; a later open on
// the same key installs a fresh record.
func (m *Market) deactivate(pos *domain.Position) {
	pos.Active = false
	oi := m.state.OpenInterest(pos.Side)
	m.state.SetOpenInterest(pos.Side, new(big.Int).Sub(oi, pos.Shares))
}
