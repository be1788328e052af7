package engine

import (
	"math/big"

	"github.com/forecastex/marketd/internal/domain"
	"github.com/forecastex/marketd/internal/marketmath"
)

// ammBuy executes a constant-product buy against one side and rebalances the
// untouched side. Returns the shares minted.
func (m *Market) ammBuy(side domain.Side, stableIn *big.Int) (*big.Int, error) {
	shares, newStable, newSide := marketmath.CPMMBuy(
		m.state.ReserveStable, m.state.Reserve(side), m.state.InvariantK, stableIn)
	if shares.Sign() == 0 {
		return nil, domain.ErrZeroShares
	}

	m.state.ReserveStable = newStable
	m.state.SetReserve(side, newSide)
	m.rebalanceOpposite(side)
	return shares, nil
}

// ammSell executes a constant-product sell against one side and rebalances
// the untouched side. Returns the stable proceeds.
func (m *Market) ammSell(side domain.Side, sharesIn *big.Int) (*big.Int, error) {
	proceeds, newStable, newSide := marketmath.CPMMSell(
		m.state.ReserveStable, m.state.Reserve(side), m.state.InvariantK, sharesIn)
	if proceeds.Sign() == 0 {
		return nil, domain.ErrZeroProceeds
	}

	m.state.ReserveStable = newStable
	m.state.SetReserve(side, newSide)
	m.rebalanceOpposite(side)
	return proceeds, nil
}

// rebalanceOpposite recomputes the untouched side's reserve so that the two
// prices sum to parity again. Trading on one side alone would let
// priceYes+priceNo drift from 1; this post-trade correction reprices the
// opposite side at one minus the traded side's price, with the traded price
// capped at 0.99 as the side approaches exhaustion.
func (m *Market) rebalanceOpposite(traded domain.Side) {
	reserveTraded := m.state.Reserve(traded)

	var price *big.Int
	if reserveTraded.Sign() == 0 {
		// Side fully exhausted; treat as beyond the cap.
		price = big.NewInt(marketmath.PriceCap + 1)
	} else {
		price = marketmath.SpotPrice(m.state.ReserveStable, reserveTraded)
	}

	opposite, capped := marketmath.RebalancedReserve(m.state.ReserveStable, price)
	m.state.SetReserve(traded.Opposite(), opposite)

	data := map[string]string{
		"traded_side":      string(traded),
		"traded_price":     price.String(),
		"opposite_reserve": opposite.String(),
	}
	if capped {
		data["price_capped"] = "true"
	}
	m.emit(domain.EventRebalance, data)
}

// price returns the current fixed-point spot price of a side.
func (m *Market) price(side domain.Side) *big.Int {
	return marketmath.SpotPrice(m.state.ReserveStable, m.state.Reserve(side))
}
