package event

import fpmath "PerpSettle/internal/math"

// ParamsUpdated is emitted when governance changes market parameters.
// Durations are in seconds.
type ParamsUpdated struct {
	Market                   string     `json:"market"`
	MaxLeverage              fpmath.Wad `json:"max_leverage"`
	LowestMaxLeverage        fpmath.Wad `json:"lowest_max_leverage"`
	DeleveragingCliff        fpmath.Wad `json:"deleveraging_cliff"`
	InsurancePoolSwitchStage fpmath.Wad `json:"insurance_pool_switch_stage"`
	LiquidationGasCost       fpmath.Wad `json:"liquidation_gas_cost"`
	GasCostMultiplier        fpmath.Wad `json:"gas_cost_multiplier"`
	MaxSlippage              fpmath.Wad `json:"max_slippage"`
	InsuranceTargetRatio     fpmath.Wad `json:"insurance_target_ratio"`
	ReleaseDelaySeconds      int64      `json:"release_delay_seconds"`
	ClaimWindowSeconds       int64      `json:"claim_window_seconds"`
}

func (p *ParamsUpdated) EventType() EventType { return EventTypeParamsUpdated }
func (p *ParamsUpdated) MarketID() string     { return p.Market }
