package projection

import (
	"PerpSettle/internal/core"
	"PerpSettle/internal/insurance"
	fpmath "PerpSettle/internal/math"
)

// MarketSummary is the market-wide part of the read model
type MarketSummary struct {
	MarketID          string          `json:"market_id"`
	Sequence          int64           `json:"sequence"`
	FairPrice         fpmath.Wad      `json:"fair_price"`
	FastGasPrice      fpmath.Wad      `json:"fast_gas_price"`
	FundingIndex      int64           `json:"funding_index"`
	LeveragedNotional fpmath.Wad      `json:"leveraged_notional"`
	MaxLeverage       fpmath.Wad      `json:"max_leverage"`
	Custody           fpmath.Wad      `json:"custody"`
	Insurance         insurance.State `json:"insurance"`
}

func SummaryFrom(s core.MarketSnapshot) MarketSummary {
	return MarketSummary{
		MarketID:          s.MarketID,
		Sequence:          s.Sequence,
		FairPrice:         s.FairPrice,
		FastGasPrice:      s.FastGasPrice,
		FundingIndex:      s.FundingIndex,
		LeveragedNotional: s.LeveragedNotional,
		MaxLeverage:       s.MaxLeverage,
		Custody:           s.Custody,
		Insurance:         s.Insurance,
	}
}
