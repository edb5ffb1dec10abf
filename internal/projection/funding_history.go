package projection

import (
	"PerpSettle/internal/core"
	"PerpSettle/internal/event"
	fpmath "PerpSettle/internal/math"
	"fmt"
	"time"
)

// FundingHistoryEntry is one recorded funding rate of a market
type FundingHistoryEntry struct {
	MarketID                       string     `json:"market_id"`
	Index                          int64      `json:"index"`
	FundingRate                    fpmath.Wad `json:"funding_rate"`
	CumulativeFundingRate          fpmath.Wad `json:"cumulative_funding_rate"`
	InsuranceFundingRate           fpmath.Wad `json:"insurance_funding_rate"`
	CumulativeInsuranceFundingRate fpmath.Wad `json:"cumulative_insurance_funding_rate"`
	RecordTime                     time.Time  `json:"record_time"`
	Sequence                       int64      `json:"sequence"`
}

// FundingEntries extracts the funding records a command produced
func FundingEntries(out core.Output) ([]FundingHistoryEntry, error) {
	var entries []FundingHistoryEntry
	for _, env := range out.Events {
		if env.EventType != event.EventTypeFundingRateRecorded {
			continue
		}
		ev, err := env.Decode()
		if err != nil {
			return nil, fmt.Errorf("funding history: %w", err)
		}
		f := ev.(*event.FundingRateRecorded)
		entries = append(entries, FundingHistoryEntry{
			MarketID:                       f.Market,
			Index:                          f.Index,
			FundingRate:                    f.FundingRate,
			CumulativeFundingRate:          f.CumulativeFundingRate,
			InsuranceFundingRate:           f.InsuranceFundingRate,
			CumulativeInsuranceFundingRate: f.CumulativeInsuranceFundingRate,
			RecordTime:                     f.RecordTime,
			Sequence:                       env.Sequence,
		})
	}
	return entries, nil
}
