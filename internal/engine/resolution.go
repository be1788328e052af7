package engine

import (
	"context"
	"math/big"

	"github.com/forecastex/marketd/internal/domain"
	"github.com/forecastex/marketd/internal/marketmath"
)

// ResolveParams is the authority-signed payload of a resolution.
type ResolveParams struct {
	Winner domain.Side `json:"winner"`
}

// SweepParams is the authority-signed payload of a deferred sweep: the
// inactive trader whose unclaimed winnings are redirected to insurance.
type SweepParams struct {
	Trader string `json:"trader"`
}

// RotateParams is the authority-signed payload of an authority rotation.
type RotateParams struct {
	NewAuthority string `json:"new_authority"`
}

// Resolve freezes the market on one outcome and locks in the settlement
// price. Payout per winning share is par unless the market account cannot
// back total winning liabilities, in which case every claimant takes the
// same pro-rata haircut. One-shot and authority-gated.
func (m *Market) Resolve(ctx context.Context, sa domain.SignedAction) error {
	return m.run(ctx, "resolve", func() error {
		if err := m.verifyAction(sa, domain.ActionResolve, false); err != nil {
			return err
		}
		var p ResolveParams
		if err := decodePayload(sa.Request.Payload, &p); err != nil {
			return err
		}
		if !p.Winner.Valid() {
			return domain.ErrInvalidSide
		}
		if m.state.Resolved {
			return domain.ErrMarketResolved
		}

		// If the curve never filled, the raised capital is still parked
		// in escrow. Pull it into the market account so Phase-1 holders
		// can be paid out of it.
		if m.state.Phase == domain.PhasePreMigration {
			if _, err := m.vault.TransferToMarketOnce(m.EscrowAccount(), m.MarketAccount()); err != nil {
				return err
			}
		}

		liabilities := new(big.Int).Add(
			m.tokens.Supply(p.Winner),
			m.state.OpenInterest(p.Winner),
		)
		backing := m.vault.BalanceOf(m.MarketAccount())

		m.state.Resolved = true
		m.state.WinningOutcome = p.Winner
		m.state.SettlementPrice = marketmath.SettlementPrice(backing, liabilities)
		m.state.ResolvedAt = m.clock().UTC()
		m.state.Phase = domain.PhaseResolved

		m.emit(domain.EventResolution, map[string]string{
			"winner":           string(p.Winner),
			"liabilities":      liabilities.String(),
			"backing":          backing.String(),
			"settlement_price": m.state.SettlementPrice.String(),
		})

		m.consumeNonce(sa.Request.Initiator)
		return nil
	})
}

// ClaimPhase1 redeems a winning outcome-token balance: the full balance is
// burned and paid at the settlement price. Zero balances are rejected
// rather than silently zero-paid.
func (m *Market) ClaimPhase1(ctx context.Context, sa domain.SignedAction) (*big.Int, error) {
	var payout *big.Int
	err := m.run(ctx, "claim_phase1", func() error {
		if err := m.verifyAction(sa, domain.ActionClaimPhase1, true); err != nil {
			return err
		}
		if !m.state.Resolved {
			return domain.ErrMarketNotResolved
		}

		trader := sa.Request.Initiator
		var err error
		payout, err = m.payPhase1(trader, trader)
		if err != nil {
			return err
		}

		m.consumeNonce(trader)
		return nil
	})
	return payout, err
}

// ClaimPhase2 settles the trader's active position on the winning side:
// gross value at the settlement price, net of loan principal and interest
// accrued up to resolution time, plus a tiered collateral bonus when the
// market settled at par. Third-party-initiated under authority approval, so
// only the authority signature is required.
func (m *Market) ClaimPhase2(ctx context.Context, sa domain.SignedAction) (*big.Int, error) {
	var payout *big.Int
	err := m.run(ctx, "claim_phase2", func() error {
		if err := m.verifyAction(sa, domain.ActionClaimPhase2, false); err != nil {
			return err
		}
		if !m.state.Resolved {
			return domain.ErrMarketNotResolved
		}

		trader := sa.Request.Initiator
		var err error
		payout, err = m.payPhase2(trader, trader)
		if err != nil {
			return err
		}

		m.consumeNonce(trader)
		return nil
	})
	return payout, err
}

// SweepUnclaimed force-claims an inactive trader's winnings — Phase-1
// balance and winning Phase-2 position alike — and redirects the proceeds
// to the insurance fund. Only available to the authority once the post-
// resolution cool-off has elapsed.
func (m *Market) SweepUnclaimed(ctx context.Context, sa domain.SignedAction) (*big.Int, error) {
	var swept *big.Int
	err := m.run(ctx, "sweep_unclaimed", func() error {
		if err := m.verifyAction(sa, domain.ActionSweep, false); err != nil {
			return err
		}
		var p SweepParams
		if err := decodePayload(sa.Request.Payload, &p); err != nil {
			return err
		}
		if !m.state.Resolved {
			return domain.ErrMarketNotResolved
		}
		if m.clock().UTC().Before(m.state.ResolvedAt.Add(m.params.ClaimCooloff)) {
			return domain.ErrCooloffActive
		}

		total := new(big.Int)
		p1, err := m.payPhase1(p.Trader, m.insurance.Account())
		switch err {
		case nil:
			total.Add(total, p1)
		case domain.ErrNothingToClaim:
		default:
			return err
		}
		p2, err := m.payPhase2(p.Trader, m.insurance.Account())
		switch err {
		case nil:
			total.Add(total, p2)
		case domain.ErrNothingToClaim, domain.ErrLosingSide:
		default:
			return err
		}
		if total.Sign() == 0 {
			return domain.ErrNothingToClaim
		}

		swept = total
		m.emit(domain.EventSweep, map[string]string{
			"trader": p.Trader,
			"amount": total.String(),
		})

		m.consumeNonce(sa.Request.Initiator)
		return nil
	})
	return swept, err
}

// RotateAuthority replaces the authority address whose co-signature gates
// every user-initiated action. Signed by the current authority.
func (m *Market) RotateAuthority(ctx context.Context, sa domain.SignedAction) error {
	return m.run(ctx, "rotate_authority", func() error {
		if err := m.verifyAction(sa, domain.ActionRotateAuth, false); err != nil {
			return err
		}
		var p RotateParams
		if err := decodePayload(sa.Request.Payload, &p); err != nil {
			return err
		}
		if p.NewAuthority == "" {
			return domain.ErrUnauthorized
		}

		old := m.authority
		m.authority = p.NewAuthority
		m.emit(domain.EventAuthorityRotated, map[string]string{
			"old_authority": old,
			"new_authority": p.NewAuthority,
		})

		m.consumeNonce(sa.Request.Initiator)
		return nil
	})
}

// payPhase1 burns trader's winning outcome-token balance and pays
// balance*settlementPrice to recipient.
func (m *Market) payPhase1(trader, recipient string) (*big.Int, error) {
	winner := m.state.WinningOutcome
	bal := m.tokens.BalanceOf(winner, trader)
	if bal.Sign() == 0 {
		return nil, domain.ErrNothingToClaim
	}
	if err := m.tokens.Burn(winner, trader, bal); err != nil {
		return nil, err
	}

	payout := marketmath.MulDiv(bal, m.state.SettlementPrice, big.NewInt(marketmath.Scale))
	if err := m.vault.Transfer(m.MarketAccount(), recipient, payout); err != nil {
		return nil, err
	}

	m.emit(domain.EventClaim, map[string]string{
		"phase":     "1",
		"trader":    trader,
		"recipient": recipient,
		"burned":    bal.String(),
		"payout":    payout.String(),
	})
	return payout, nil
}

// payPhase2 settles trader's winning-side position and pays the net to
// recipient. Interest stops accruing at resolution time. The tiered bonus
// applies only when the settlement price is par: a haircut market owes its
// remaining backing to claimants, not to yield.
func (m *Market) payPhase2(trader, recipient string) (*big.Int, error) {
	winner := m.state.WinningOutcome
	pos, ok := m.positions[domain.PositionKey{Trader: trader, Side: winner}]
	if !ok || !pos.Active {
		losing, lok := m.positions[domain.PositionKey{Trader: trader, Side: winner.Opposite()}]
		if lok && losing.Active {
			return nil, domain.ErrLosingSide
		}
		return nil, domain.ErrNothingToClaim
	}

	gross := marketmath.MulDiv(pos.Shares, m.state.SettlementPrice, big.NewInt(marketmath.Scale))
	surplus, interest, shortfall, err := m.settleDebt(pos, gross, m.state.ResolvedAt)
	if err != nil {
		return nil, err
	}

	bonus := new(big.Int)
	if m.state.SettlementPrice.Cmp(big.NewInt(marketmath.Scale)) == 0 {
		bps := m.bonusBpsFor(pos.Collateral)
		bonus = marketmath.MulDiv(pos.Collateral, big.NewInt(bps), big.NewInt(marketmath.BPS))
	}

	payout := new(big.Int).Add(surplus, bonus)
	if err := m.vault.Transfer(m.MarketAccount(), recipient, payout); err != nil {
		return nil, err
	}

	m.deactivate(pos)

	m.emit(domain.EventClaim, map[string]string{
		"phase":     "2",
		"trader":    trader,
		"side":      string(winner),
		"recipient": recipient,
		"gross":     gross.String(),
		"interest":  interest.String(),
		"shortfall": shortfall.String(),
		"bonus":     bonus.String(),
		"payout":    payout.String(),
	})
	return payout, nil
}

// bonusBpsFor picks the bonus tier for a position's collateral size. A nil
// ceiling marks the unbounded top tier; with no configured tiers the bonus
// is zero.
func (m *Market) bonusBpsFor(collateral *big.Int) int64 {
	for _, t := range m.params.BonusTiers {
		if t.Ceiling == nil || collateral.Cmp(t.Ceiling) < 0 {
			return t.BonusBps
		}
	}
	return 0
}
