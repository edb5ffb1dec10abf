package insurance

import (
	fpmath "PerpSettle/internal/math"
	"fmt"
)

// delayedFeeDiscount scales the immediate curve down for two-phase withdrawals
var delayedFeeDiscount = fpmath.MustParse("0.2")

// feeFactor is (1 - ratioAfter)^2 where
// ratioAfter = (holdings - pending - amount) / target, clamped to [0, 1].
func feeFactor(target, holdings, pending, amount fpmath.Wad) (fpmath.Wad, error) {
	if amount.IsZero() || target.IsZero() {
		return fpmath.Zero(), nil
	}

	remaining := holdings.Sub(pending).Sub(amount)
	if remaining.IsNegative() {
		return fpmath.Zero(), fmt.Errorf("%w: holdings=%s pending=%s amount=%s",
			ErrInsufficientPool, holdings, pending, amount)
	}

	ratio := fpmath.Clamp(remaining.Div(target), fpmath.Zero(), fpmath.One())
	gap := fpmath.One().Sub(ratio)
	return gap.Mul(gap), nil
}

// ImmediateWithdrawalFee is (1 - ratioAfter)^2 * amount
func ImmediateWithdrawalFee(target, holdings, pending, amount fpmath.Wad) (fpmath.Wad, error) {
	f, err := feeFactor(target, holdings, pending, amount)
	if err != nil {
		return fpmath.Zero(), err
	}
	return f.Mul(amount), nil
}

// DelayedWithdrawalFee is 0.2 * (1 - ratioAfter)^2 * amount
func DelayedWithdrawalFee(target, holdings, pending, amount fpmath.Wad) (fpmath.Wad, error) {
	f, err := feeFactor(target, holdings, pending, amount)
	if err != nil {
		return fpmath.Zero(), err
	}
	return delayedFeeDiscount.Mul(f).Mul(amount), nil
}
