package liquidation

import (
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Receipt records one liquidation until its escrow is paid out.
// Side is the liquidatee's side before the liquidation.
type Receipt struct {
	ID                      uint64         `json:"id"`
	Market                  string         `json:"market"`
	Liquidator              common.Address `json:"liquidator"`
	Liquidatee              common.Address `json:"liquidatee"`
	Price                   fpmath.Wad     `json:"price"`
	Time                    time.Time      `json:"time"`
	EscrowedAmount          fpmath.Wad     `json:"escrowed_amount"`
	ReleaseTime             time.Time      `json:"release_time"`
	AmountLiquidated        fpmath.Wad     `json:"amount_liquidated"`
	EscrowClaimed           bool           `json:"escrow_claimed"`
	Side                    state.Side     `json:"side"`
	LiquidatorRefundClaimed bool           `json:"liquidator_refund_claimed"`
}

// Settled reports whether the receipt's escrow has been paid out
func (r Receipt) Settled() bool {
	return r.EscrowClaimed || r.LiquidatorRefundClaimed
}

// ClaimDeadline is the last instant the liquidator may claim
func (r Receipt) ClaimDeadline(window time.Duration) time.Time {
	return r.Time.Add(window)
}
