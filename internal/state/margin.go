package state

import (
	fpmath "PerpSettle/internal/math"
)

// Margin returns quote + base*price.
func Margin(p Position, price fpmath.Wad) fpmath.Wad {
	return p.Quote.Add(p.Base.Mul(price))
}

// NotionalValue returns |base|*price.
func NotionalValue(p Position, price fpmath.Wad) fpmath.Wad {
	return p.Base.Abs().Mul(price)
}

// LeveragedNotionalValue is the part of the notional not covered by margin,
// floored at zero.
func LeveragedNotionalValue(p Position, price fpmath.Wad) fpmath.Wad {
	return fpmath.Max(fpmath.Zero(), NotionalValue(p, price).Sub(Margin(p, price)))
}

// LiquidationGasReserve is the margin held back to pay for liquidating the
// account at the given gas price.
func LiquidationGasReserve(gasPrice fpmath.Wad, params *Params) fpmath.Wad {
	return params.GasCostMultiplier.Mul(params.LiquidationGasCost).Mul(gasPrice)
}

// MinMargin returns the margin an open position must keep:
// multiplier*gasCost*gasPrice + notional/maxLeverage. Flat positions need none.
func MinMargin(p Position, price, gasPrice fpmath.Wad, params *Params, maxLeverage fpmath.Wad) fpmath.Wad {
	if p.IsFlat() {
		return fpmath.Zero()
	}
	return LiquidationGasReserve(gasPrice, params).Add(NotionalValue(p, price).Div(maxLeverage))
}

// MarginIsValid reports whether the position satisfies its min margin.
// A flat position with non-negative quote is always valid.
func MarginIsValid(p Position, price, gasPrice fpmath.Wad, params *Params, maxLeverage fpmath.Wad) bool {
	if p.IsFlat() {
		return !p.Quote.IsNegative()
	}
	margin := Margin(p, price)
	if margin.IsNegative() {
		return false
	}
	return margin.Gte(MinMargin(p, price, gasPrice, params, maxLeverage))
}

// TrueMaxLeverage maps the insurance pool fill ratio to the maximum leverage
// currently permitted. Below the switch stage the lowest leverage applies,
// at or above the cliff the full leverage applies, and in between it ramps
// linearly. An empty target means the pool cannot be sized, so the lowest
// leverage applies.
func TrueMaxLeverage(holdings, target fpmath.Wad, params *Params) fpmath.Wad {
	if !target.IsPositive() {
		return params.LowestMaxLeverage
	}

	percentFull := holdings.Div(target)
	if percentFull.Gte(params.DeleveragingCliff) {
		return params.MaxLeverage
	}
	if percentFull.Lt(params.InsurancePoolSwitchStage) {
		return params.LowestMaxLeverage
	}

	span := params.MaxLeverage.Sub(params.LowestMaxLeverage)
	progress := percentFull.Sub(params.InsurancePoolSwitchStage)
	width := params.DeleveragingCliff.Sub(params.InsurancePoolSwitchStage)

	return params.LowestMaxLeverage.Add(span.MulDiv(progress, width))
}
