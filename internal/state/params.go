package state

import (
	fpmath "PerpSettle/internal/math"
	"fmt"
	"time"
)

// Params holds the protocol parameters of one market.
type Params struct {
	MarketID string `json:"market_id"`

	// MaxLeverage applies while the insurance pool is at or above the
	// deleveraging cliff. LowestMaxLeverage applies below the switch stage.
	MaxLeverage       fpmath.Wad `json:"max_leverage"`
	LowestMaxLeverage fpmath.Wad `json:"lowest_max_leverage"`

	// DeleveragingCliff and InsurancePoolSwitchStage are pool fill ratios
	// (holdings / target) bounding the linear leverage ramp.
	DeleveragingCliff        fpmath.Wad `json:"deleveraging_cliff"`
	InsurancePoolSwitchStage fpmath.Wad `json:"insurance_pool_switch_stage"`

	// LiquidationGasCost is the gas a liquidation consumes. The min margin
	// reserves GasCostMultiplier times its cost at the account's gas price.
	LiquidationGasCost fpmath.Wad `json:"liquidation_gas_cost"`
	GasCostMultiplier  fpmath.Wad `json:"gas_cost_multiplier"`

	// MaxSlippage caps the reimbursable slippage as a fraction of the
	// expected proceeds.
	MaxSlippage fpmath.Wad `json:"max_slippage"`

	ReleaseDelay time.Duration `json:"release_delay"`
	ClaimWindow  time.Duration `json:"claim_window"`

	// InsuranceTargetRatio sizes the insurance pool target against the
	// market's aggregate leveraged notional.
	InsuranceTargetRatio fpmath.Wad `json:"insurance_target_ratio"`

	// TokenDecimals is the precision of the quote token held in custody.
	TokenDecimals uint8 `json:"token_decimals"`
}

// DefaultParams returns the production defaults for a market.
func DefaultParams(marketID string) *Params {
	return &Params{
		MarketID:                 marketID,
		MaxLeverage:              fpmath.NewWad(50),
		LowestMaxLeverage:        fpmath.MustParse("12.5"),
		DeleveragingCliff:        fpmath.MustParse("0.2"),
		InsurancePoolSwitchStage: fpmath.MustParse("0.01"),
		LiquidationGasCost:       fpmath.NewWad(63516),
		GasCostMultiplier:        fpmath.NewWad(6),
		MaxSlippage:              fpmath.MustParse("0.1"),
		ReleaseDelay:             15 * time.Minute,
		ClaimWindow:              15 * time.Minute,
		InsuranceTargetRatio:     fpmath.MustParse("0.01"),
		TokenDecimals:            18,
	}
}

// ValidateParams checks that parameters are within valid ranges.
func ValidateParams(p *Params) error {
	if p.MarketID == "" {
		return fmt.Errorf("market_id must be set")
	}
	if !p.LowestMaxLeverage.IsPositive() {
		return fmt.Errorf("lowest_max_leverage must be > 0, got %s", p.LowestMaxLeverage)
	}
	if p.MaxLeverage.Lt(p.LowestMaxLeverage) {
		return fmt.Errorf("max_leverage (%s) must be >= lowest_max_leverage (%s)", p.MaxLeverage, p.LowestMaxLeverage)
	}
	if p.InsurancePoolSwitchStage.IsNegative() {
		return fmt.Errorf("insurance_pool_switch_stage must be >= 0, got %s", p.InsurancePoolSwitchStage)
	}
	if !p.DeleveragingCliff.Gt(p.InsurancePoolSwitchStage) {
		return fmt.Errorf("deleveraging_cliff (%s) must be > insurance_pool_switch_stage (%s)",
			p.DeleveragingCliff, p.InsurancePoolSwitchStage)
	}
	if p.LiquidationGasCost.IsNegative() || p.GasCostMultiplier.IsNegative() {
		return fmt.Errorf("gas cost parameters must be >= 0")
	}
	if p.MaxSlippage.IsNegative() || p.MaxSlippage.Gt(fpmath.One()) {
		return fmt.Errorf("max_slippage must be in [0, 1], got %s", p.MaxSlippage)
	}
	if p.ReleaseDelay < 0 || p.ClaimWindow < 0 {
		return fmt.Errorf("release_delay and claim_window must be >= 0")
	}
	if p.InsuranceTargetRatio.IsNegative() {
		return fmt.Errorf("insurance_target_ratio must be >= 0, got %s", p.InsuranceTargetRatio)
	}
	if p.TokenDecimals > fpmath.Decimals {
		return fmt.Errorf("token_decimals must be <= %d, got %d", fpmath.Decimals, p.TokenDecimals)
	}
	return nil
}
