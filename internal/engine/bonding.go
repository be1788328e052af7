package engine

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/forecastex/marketd/internal/domain"
	"github.com/forecastex/marketd/internal/marketmath"
)

// BuyParams is the signed payload of a Phase-1 bonding-curve buy. Amount is
// the requested share count in base units.
type BuyParams struct {
	Side   domain.Side `json:"side"`
	Amount string      `json:"amount"`
}

// BuyResult reports what a buy actually filled: the final share amount may be
// smaller than requested when the buy is capped at the migration threshold.
type BuyResult struct {
	Shares   *big.Int
	RawCost  *big.Int
	Fee      *big.Int
	Migrated bool
}

// QuoteBuy previews the cost of a Phase-1 buy at the current supply, without
// threshold capping.
func (m *Market) QuoteBuy(amount *big.Int) (rawCost, fee *big.Int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sEnd := new(big.Int).Add(m.state.CurrentSupply, amount)
	rawCost = marketmath.CurveCost(m.params.CurveK, m.state.CurrentSupply, sEnd)
	return rawCost, marketmath.CurveFee(rawCost, m.params.FeeBps)
}

// BuyShares executes a Phase-1 bonding-curve purchase. The buy that first
// reaches the migration threshold is capped to land capital raised exactly on
// the threshold and triggers migration synchronously; the curve is
// permanently closed afterwards.
func (m *Market) BuyShares(ctx context.Context, sa domain.SignedAction) (BuyResult, error) {
	var res BuyResult
	err := m.run(ctx, "buy_shares", func() error {
		if err := m.verifyAction(sa, domain.ActionBuyShares, true); err != nil {
			return err
		}
		var p BuyParams
		if err := decodePayload(sa.Request.Payload, &p); err != nil {
			return err
		}
		if !p.Side.Valid() {
			return domain.ErrInvalidSide
		}
		amount, err := parseAmount(p.Amount)
		if err != nil {
			return err
		}
		if amount.Sign() == 0 {
			return domain.ErrZeroAmount
		}
		switch m.state.Phase {
		case domain.PhasePreMigration:
		case domain.PhaseResolved:
			return domain.ErrMarketResolved
		default:
			return domain.ErrMarketMigrated
		}

		trader := sa.Request.Initiator
		supply := m.state.CurrentSupply

		sEnd := new(big.Int).Add(supply, amount)
		rawCost := marketmath.CurveCost(m.params.CurveK, supply, sEnd)

		// Capital that still fits under the migration threshold.
		gap := new(big.Int).Sub(m.params.MigrationThreshold, m.state.TotalCapitalRaised)

		if rawCost.Cmp(gap) > 0 {
			// Partial fill: solve the inverse integral for the supply
			// that lands capital raised exactly on the threshold.
			sEnd = marketmath.CurveSupplyForBudget(m.params.CurveK, supply, gap)
			amount = new(big.Int).Sub(sEnd, supply)
			if amount.Sign() <= 0 {
				return domain.ErrZeroShares
			}
			rawCost = marketmath.CurveCost(m.params.CurveK, supply, sEnd)

			// Snap the cost onto the threshold when the
			// integer-rounding residue is within the dust tolerance,
			// so migration cannot be stranded one unit short of it.
			residue := new(big.Int).Sub(gap, rawCost)
			if residue.Sign() > 0 && residue.Cmp(m.params.DustTolerance) <= 0 {
				rawCost = new(big.Int).Set(gap)
			}
		}

		fee := marketmath.CurveFee(rawCost, m.params.FeeBps)

		if err := m.vault.Transfer(trader, m.EscrowAccount(), rawCost); err != nil {
			return err
		}
		if err := m.insurance.DepositFee(trader, fee); err != nil {
			return err
		}
		if err := m.tokens.Mint(p.Side, trader, amount); err != nil {
			return err
		}

		m.state.CurrentSupply = new(big.Int).Add(supply, amount)
		m.state.TotalCapitalRaised = new(big.Int).Add(m.state.TotalCapitalRaised, rawCost)

		m.emit(domain.EventBuyExecuted, map[string]string{
			"trader":   trader,
			"side":     string(p.Side),
			"shares":   amount.String(),
			"raw_cost": rawCost.String(),
			"fee":      fee.String(),
			"supply":   m.state.CurrentSupply.String(),
			"raised":   m.state.TotalCapitalRaised.String(),
		})

		res = BuyResult{Shares: amount, RawCost: rawCost, Fee: fee}

		if m.state.TotalCapitalRaised.Cmp(m.params.MigrationThreshold) >= 0 {
			if err := m.migrate(); err != nil {
				return err
			}
			res.Migrated = true
		}

		m.consumeNonce(trader)
		return nil
	})
	return res, err
}

// migrate pulls the raised capital out of escrow and bootstraps the virtual
// reserves at a fixed 0.5/0.5 starting price: the 2:1 token-to-stable ratio
// makes each side's initial price exactly half of par. Irreversible.
func (m *Market) migrate() error {
	raised, err := m.vault.TransferToMarketOnce(m.EscrowAccount(), m.MarketAccount())
	if err != nil {
		return err
	}

	m.state.ReserveStable = new(big.Int).Set(raised)
	double := new(big.Int).Mul(raised, big.NewInt(2))
	m.state.ReserveYes = new(big.Int).Set(double)
	m.state.ReserveNo = new(big.Int).Set(double)
	m.state.InvariantK = new(big.Int).Mul(m.state.ReserveStable, m.state.ReserveYes)
	m.state.Phase = domain.Phase2Active

	m.logger.Info("engine: migration executed",
		slog.String("market", m.params.MarketID),
		slog.String("reserve_stable", m.state.ReserveStable.String()),
	)

	m.emit(domain.EventMigration, map[string]string{
		"reserve_stable": m.state.ReserveStable.String(),
		"reserve_yes":    m.state.ReserveYes.String(),
		"reserve_no":     m.state.ReserveNo.String(),
		"invariant_k":    m.state.InvariantK.String(),
	})
	return nil
}
