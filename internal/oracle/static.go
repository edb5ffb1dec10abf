package oracle

import (
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"
	"fmt"
	"time"
)

// Static is a settable price, funding and gas source for one market.
// Not thread-safe: only accessed from the single-threaded processor.
type Static struct {
	marketID  string
	fairPrice fpmath.Wad
	fastGas   fpmath.Wad

	// Index 0 is the genesis entry with zero cumulative rates
	rates    []state.FundingRateInstant
	insRates []state.FundingRateInstant
}

func NewStatic(marketID string) *Static {
	return &Static{
		marketID: marketID,
		rates:    []state.FundingRateInstant{{}},
		insRates: []state.FundingRateInstant{{}},
	}
}

func (s *Static) MarketID() string { return s.marketID }

// FairPrice returns the last price set. Zero until the first update.
func (s *Static) FairPrice() fpmath.Wad { return s.fairPrice }

func (s *Static) SetFairPrice(price fpmath.Wad) error {
	if !price.IsPositive() {
		return fmt.Errorf("fair price for %s must be > 0, got %s", s.marketID, price)
	}
	s.fairPrice = price
	return nil
}

// FastGasPrice is the ceiling on the gas price a liquidator may claim
func (s *Static) FastGasPrice() fpmath.Wad { return s.fastGas }

func (s *Static) SetFastGasPrice(price fpmath.Wad) error {
	if price.IsNegative() {
		return fmt.Errorf("fast gas price for %s must be >= 0, got %s", s.marketID, price)
	}
	s.fastGas = price
	return nil
}

// CurrentFundingIndex is the index of the latest recorded funding rate
func (s *Static) CurrentFundingIndex() int64 {
	return int64(len(s.rates) - 1)
}

// FundingRate returns the entry at index, or the zero entry when out of range
func (s *Static) FundingRate(index int64) state.FundingRateInstant {
	if index < 0 || index >= int64(len(s.rates)) {
		return state.FundingRateInstant{}
	}
	return s.rates[index]
}

func (s *Static) InsuranceFundingRate(index int64) state.FundingRateInstant {
	if index < 0 || index >= int64(len(s.insRates)) {
		return state.FundingRateInstant{}
	}
	return s.insRates[index]
}

// RecordFundingRate appends the funding and insurance funding rates for
// index, accumulating them onto the previous entry. Re-recording an index
// already stored is a no-op so replays are idempotent. Skipping an index is
// an error.
func (s *Static) RecordFundingRate(index int64, rate, insuranceRate fpmath.Wad, at time.Time) (bool, error) {
	expected := int64(len(s.rates))

	if index < expected {
		// Duplicate - skip (idempotent)
		return false, nil
	}

	if index > expected {
		return false, fmt.Errorf("funding index gap for %s: expected=%d, got=%d",
			s.marketID, expected, index)
	}

	prev := s.rates[expected-1]
	s.rates = append(s.rates, state.FundingRateInstant{
		RecordTime:            at,
		FundingRate:           rate,
		CumulativeFundingRate: prev.CumulativeFundingRate.Add(rate),
	})

	prevIns := s.insRates[expected-1]
	s.insRates = append(s.insRates, state.FundingRateInstant{
		RecordTime:            at,
		FundingRate:           insuranceRate,
		CumulativeFundingRate: prevIns.CumulativeFundingRate.Add(insuranceRate),
	})

	return true, nil
}
