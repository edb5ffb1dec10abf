package event

import (
	fpmath "PerpSettle/internal/math"
	"time"
)

// FundingRateRecorded is emitted when a funding index is appended
type FundingRateRecorded struct {
	Market                         string     `json:"market"`
	Index                          int64      `json:"index"`
	FundingRate                    fpmath.Wad `json:"funding_rate"`
	CumulativeFundingRate          fpmath.Wad `json:"cumulative_funding_rate"`
	InsuranceFundingRate           fpmath.Wad `json:"insurance_funding_rate"`
	CumulativeInsuranceFundingRate fpmath.Wad `json:"cumulative_insurance_funding_rate"`
	RecordTime                     time.Time  `json:"record_time"`
}

func (f *FundingRateRecorded) EventType() EventType { return EventTypeFundingRateRecorded }
func (f *FundingRateRecorded) MarketID() string     { return f.Market }
