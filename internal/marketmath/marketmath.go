// Package marketmath holds the pure, stateless arithmetic of the market
// engine: bonding-curve quoting, constant-product swap math, interest
// accrual, health factors, and the settlement-price rule. Everything operates
// on big.Int — no floating point, no silent rounding. All divisions floor.
package marketmath

import "math/big"

// Fixed-point conventions. Prices use Scale (1.0 == 1e6); fees, rates, and
// health factors use basis points.
const (
	Scale = 1_000_000
	BPS   = 10_000

	// PriceCap is the ceiling applied to a traded side's price during
	// rebalancing, to avoid division blow-up as a side approaches
	// exhaustion (0.99 in Scale units).
	PriceCap = 990_000

	// YearSeconds is the simple-interest accrual denominator.
	YearSeconds = 365 * 24 * 3600
)

var (
	bigScale  = big.NewInt(Scale)
	bigBPS    = big.NewInt(BPS)
	bigTwo    = big.NewInt(2)
	scaleSq   = new(big.Int).Mul(bigScale, bigScale)
	capPrice  = big.NewInt(PriceCap)
	yearBPS   = new(big.Int).Mul(big.NewInt(YearSeconds), bigBPS)
)

// MulDiv returns floor(a*b/den). den must be non-zero.
func MulDiv(a, b, den *big.Int) *big.Int {
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, den)
}

// Isqrt returns the integer square root floor(sqrt(n)). n must be
// non-negative.
func Isqrt(n *big.Int) *big.Int {
	return new(big.Int).Sqrt(n)
}

// CurveSpotPrice returns the linear bonding-curve spot price at the given
// cumulative supply: k * supply / Scale.
func CurveSpotPrice(k int64, supply *big.Int) *big.Int {
	return MulDiv(big.NewInt(k), supply, bigScale)
}

// CurveCost returns the closed-form integral of the linear price between
// sStart and sEnd: k * (sEnd^2 - sStart^2) / (2 * Scale^2).
func CurveCost(k int64, sStart, sEnd *big.Int) *big.Int {
	diff := new(big.Int).Mul(sEnd, sEnd)
	diff.Sub(diff, new(big.Int).Mul(sStart, sStart))
	diff.Mul(diff, big.NewInt(k))
	den := new(big.Int).Mul(bigTwo, scaleSq)
	return diff.Quo(diff, den)
}

// CurveFee returns the protocol fee cut of a raw cost: rawCost * feeBps / BPS.
func CurveFee(rawCost *big.Int, feeBps int64) *big.Int {
	return MulDiv(rawCost, big.NewInt(feeBps), bigBPS)
}

// CurveSupplyForBudget inverts the cost integral: the largest sEnd such that
// CurveCost(k, sStart, sEnd) <= budget. Solved via integer square root of
// sStart^2 + 2*budget*Scale^2/k.
func CurveSupplyForBudget(k int64, sStart, budget *big.Int) *big.Int {
	target := new(big.Int).Mul(bigTwo, budget)
	target.Mul(target, scaleSq)
	target.Quo(target, big.NewInt(k))
	target.Add(target, new(big.Int).Mul(sStart, sStart))
	return Isqrt(target)
}

// SimpleInterest returns principal * rateBps * elapsedSeconds / (BPS * year).
func SimpleInterest(principal *big.Int, rateBps, elapsedSeconds int64) *big.Int {
	if elapsedSeconds <= 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(principal, big.NewInt(rateBps))
	out.Mul(out, big.NewInt(elapsedSeconds))
	return out.Quo(out, yearBPS)
}

// HealthFactor returns the position health in basis points:
// value*BPS / (debt*liqThresholdBps/BPS). Below BPS the position is
// liquidatable. ok is false when debt is zero: a position with no loan is
// maximally healthy and never liquidatable.
func HealthFactor(value, debt *big.Int, liqThresholdBps int64) (hf *big.Int, ok bool) {
	if debt.Sign() == 0 {
		return nil, false
	}
	required := MulDiv(debt, big.NewInt(liqThresholdBps), bigBPS)
	if required.Sign() == 0 {
		return nil, false
	}
	return MulDiv(value, bigBPS, required), true
}

// CPMMBuy executes a constant-product buy against one side:
// newStable = reserveStable + stableIn, newSide = invariantK / newStable,
// sharesOut = reserveSide - newSide. sharesOut may be zero; callers must
// reject zero-output trades.
func CPMMBuy(reserveStable, reserveSide, invariantK, stableIn *big.Int) (sharesOut, newStable, newSide *big.Int) {
	newStable = new(big.Int).Add(reserveStable, stableIn)
	newSide = new(big.Int).Quo(invariantK, newStable)
	sharesOut = new(big.Int).Sub(reserveSide, newSide)
	if sharesOut.Sign() < 0 {
		sharesOut.SetInt64(0)
	}
	return sharesOut, newStable, newSide
}

// CPMMSell executes a constant-product sell against one side:
// newSide = reserveSide + sharesIn, newStable = invariantK / newSide,
// stableOut = reserveStable - newStable. stableOut may be zero; callers must
// reject zero-output trades.
func CPMMSell(reserveStable, reserveSide, invariantK, sharesIn *big.Int) (stableOut, newStable, newSide *big.Int) {
	newSide = new(big.Int).Add(reserveSide, sharesIn)
	newStable = new(big.Int).Quo(invariantK, newSide)
	stableOut = new(big.Int).Sub(reserveStable, newStable)
	if stableOut.Sign() < 0 {
		stableOut.SetInt64(0)
	}
	return stableOut, newStable, newSide
}

// SpotPrice returns reserveStable * Scale / reserveSide, the fixed-point
// price of one side. reserveSide must be non-zero.
func SpotPrice(reserveStable, reserveSide *big.Int) *big.Int {
	return MulDiv(reserveStable, bigScale, reserveSide)
}

// RebalancedReserve recomputes the untouched side's reserve so that the two
// prices sum to parity: the traded side's price is capped at PriceCap, the
// untouched side is repriced at Scale - cappedPrice, and its reserve becomes
// reserveStable * Scale / oppositePrice. capped reports whether the ceiling
// engaged.
func RebalancedReserve(reserveStable, tradedPrice *big.Int) (reserve *big.Int, capped bool) {
	p := tradedPrice
	if p.Cmp(capPrice) > 0 {
		p = capPrice
		capped = true
	}
	opposite := new(big.Int).Sub(bigScale, p)
	return MulDiv(reserveStable, bigScale, opposite), capped
}

// SettlementPrice returns min(Scale, backing*Scale/liabilities). With zero
// liabilities the price is par.
func SettlementPrice(backing, liabilities *big.Int) *big.Int {
	if liabilities.Sign() == 0 {
		return big.NewInt(Scale)
	}
	price := MulDiv(backing, bigScale, liabilities)
	if price.Cmp(bigScale) > 0 {
		return big.NewInt(Scale)
	}
	return price
}

// PreviewLeverageOpen previews an open: total notional, loan principal, and
// the shares a CPMM buy of the notional would mint at current reserves.
func PreviewLeverageOpen(collateral *big.Int, leverage int64, reserveStable, reserveSide, invariantK *big.Int) (notional, loan, shares *big.Int) {
	notional = new(big.Int).Mul(collateral, big.NewInt(leverage))
	loan = new(big.Int).Mul(collateral, big.NewInt(leverage-1))
	shares, _, _ = CPMMBuy(reserveStable, reserveSide, invariantK, notional)
	return notional, loan, shares
}
