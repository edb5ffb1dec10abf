package state

import (
	fpmath "PerpSettle/internal/math"
	"fmt"
)

// Side is the direction of an exposure or an order.
type Side int32

const (
	SideLong Side = iota
	SideShort
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return "Long"
	case SideShort:
		return "Short"
	default:
		return "Unknown"
	}
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

func (s Side) MarshalText() ([]byte, error) {
	switch s {
	case SideLong:
		return []byte("long"), nil
	case SideShort:
		return []byte("short"), nil
	}
	return nil, fmt.Errorf("invalid side %d", int32(s))
}

func (s *Side) UnmarshalText(text []byte) error {
	switch string(text) {
	case "long", "Long", "buy", "bid":
		*s = SideLong
	case "short", "Short", "sell", "ask":
		*s = SideShort
	default:
		return fmt.Errorf("invalid side %q", string(text))
	}
	return nil
}

// Position is a signed base exposure and the quote balance backing it.
// Base > 0 is long, Base < 0 is short.
type Position struct {
	Base  fpmath.Wad `json:"base"`
	Quote fpmath.Wad `json:"quote"`
}

// IsFlat reports whether the position carries no base exposure.
func (p Position) IsFlat() bool {
	return p.Base.IsZero()
}

// Side returns the exposure direction. Flat positions report Long.
func (p Position) Side() Side {
	if p.Base.IsNegative() {
		return SideShort
	}
	return SideLong
}

// Account is the per-address margin account within one market.
type Account struct {
	Position

	// TotalLeveragedValue is the leveraged notional last recorded for this
	// account. The market aggregate is the sum over all accounts.
	TotalLeveragedValue fpmath.Wad `json:"total_leveraged_value"`

	// LastUpdatedIndex is the funding index the account was last settled at.
	LastUpdatedIndex int64 `json:"last_updated_index"`

	// LastUpdatedGasPrice feeds the liquidation gas component of min margin.
	LastUpdatedGasPrice fpmath.Wad `json:"last_updated_gas_price"`
}
