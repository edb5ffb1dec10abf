package state

import (
	fpmath "PerpSettle/internal/math"
	"time"
)

// FundingRateInstant is one entry in a market's funding history.
// CumulativeFundingRate is the running sum of FundingRate up to and
// including this entry.
type FundingRateInstant struct {
	RecordTime            time.Time  `json:"record_time"`
	FundingRate           fpmath.Wad `json:"funding_rate"`
	CumulativeFundingRate fpmath.Wad `json:"cumulative_funding_rate"`
}

// FundingOwed is the quote an account owes for holding base between two
// cumulative funding observations. Positive means the account pays.
func FundingOwed(base, userCumulative, globalCumulative fpmath.Wad) fpmath.Wad {
	return globalCumulative.Sub(userCumulative).Mul(base)
}

// InsuranceFundingOwed is the insurance premium accrued on the account's
// leveraged notional between two cumulative insurance rate observations.
// Negative values are floored at zero; the pool never pays accounts.
func InsuranceFundingOwed(leveragedValue, userCumulative, globalCumulative fpmath.Wad) fpmath.Wad {
	owed := globalCumulative.Sub(userCumulative).Mul(leveragedValue)
	return fpmath.Max(fpmath.Zero(), owed)
}
