package liquidation

import (
	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"
	"PerpSettle/internal/trader"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Reasons an order is skipped when counting units sold
const (
	ReasonWrongMaker    = "wrong_maker"
	ReasonWrongMarket   = "wrong_market"
	ReasonWrongSide     = "wrong_side"
	ReasonCreatedBefore = "created_before_liquidation"
	ReasonExpired       = "expired"
)

// InvalidOrder is an order ignored by a claim
type InvalidOrder struct {
	OrderID common.Hash
	Reason  string
}

// UnitsSold is the result of matching orders against a receipt
type UnitsSold struct {
	Units    fpmath.Wad
	AvgPrice fpmath.Wad
	Used     []common.Hash
	Skipped  []InvalidOrder
}

// ClaimResult describes a settled liquidator claim
type ClaimResult struct {
	Receipt             Receipt
	Sold                UnitsSold
	AmountToReturn      fpmath.Wad
	FromEscrow          fpmath.Wad
	FromInsuranceMargin fpmath.Wad
	FromBuffer          fpmath.Wad
	ToLiquidator        fpmath.Wad
	ToLiquidatee        fpmath.Wad
}

// EscrowResult describes escrow released to the liquidatee
type EscrowResult struct {
	Receipt Receipt
	Amount  fpmath.Wad
}

// CalcUnitsSold sums the fills of the orders the liquidator used to close
// the position taken over in the receipt. Orders that cannot belong to the
// receipt are skipped. An order counted twice, within this call or by an
// earlier claim, fails the whole call.
func (e *Engine) CalcUnitsSold(r Receipt, orders []trader.Order, t Trader) (UnitsSold, error) {
	out := UnitsSold{Units: fpmath.Zero(), AvgPrice: fpmath.Zero()}
	notional := fpmath.Zero()
	seen := make(map[common.Hash]bool, len(orders))

	for _, o := range orders {
		id := t.OrderID(o)
		if seen[id] {
			return UnitsSold{}, fmt.Errorf("%w: %s repeated", ErrOrderAlreadyClaimed, id.Hex())
		}
		if prior, ok := e.claimedOrders[id]; ok {
			return UnitsSold{}, fmt.Errorf("%w: %s used by receipt %d", ErrOrderAlreadyClaimed, id.Hex(), prior)
		}
		seen[id] = true

		if reason := orderMismatch(r, o); reason != "" {
			out.Skipped = append(out.Skipped, InvalidOrder{OrderID: id, Reason: reason})
			continue
		}

		filled := t.FilledAmount(id)
		out.Units = out.Units.Add(filled)
		notional = notional.Add(filled.Mul(t.AverageExecutionPrice(id)))
		out.Used = append(out.Used, id)
	}

	if out.Units.Gt(r.AmountLiquidated) {
		return UnitsSold{}, fmt.Errorf("%w: sold %s, liquidated %s", ErrUnitMismatch, out.Units, r.AmountLiquidated)
	}
	if !out.Units.IsZero() {
		out.AvgPrice = notional.Div(out.Units)
	}
	return out, nil
}

func orderMismatch(r Receipt, o trader.Order) string {
	switch {
	case o.Maker != r.Liquidator:
		return ReasonWrongMaker
	case o.Market != r.Market:
		return ReasonWrongMarket
	case o.Side == r.Side:
		return ReasonWrongSide
	case o.Created.Before(r.Time):
		return ReasonCreatedBefore
	case o.ExpiredAt(r.Time):
		return ReasonExpired
	}
	return ""
}

// CalcAmountToReturn is the liquidator's slippage against the receipt
// price when selling units at avgPrice, capped at maxSlippage of the
// expected proceeds.
func CalcAmountToReturn(r Receipt, units, avgPrice, maxSlippage fpmath.Wad) fpmath.Wad {
	if units.IsZero() || avgPrice.Eq(r.Price) {
		return fpmath.Zero()
	}

	slippage := fpmath.Zero()
	switch r.Side {
	case state.SideLong:
		if avgPrice.Lt(r.Price) {
			slippage = r.Price.Sub(avgPrice).Mul(units)
		}
	case state.SideShort:
		if avgPrice.Gt(r.Price) {
			slippage = avgPrice.Sub(r.Price).Mul(units)
		}
	}

	limit := maxSlippage.Mul(r.Price).Mul(units)
	return fpmath.Min(slippage, limit)
}

// ClaimReceipt reimburses the liquidator's slippage, paid from the escrow,
// then the insurance margin account, then the insurance buffer. Whatever
// escrow is left goes to the liquidatee.
func (e *Engine) ClaimReceipt(now time.Time, caller common.Address, receiptID uint64, orders []trader.Order, traderAddr common.Address) (ClaimResult, error) {
	r, ok := e.receipts[receiptID]
	if !ok {
		return ClaimResult{}, fmt.Errorf("%w: %d", ErrReceiptNotFound, receiptID)
	}
	t, ok := e.traders[traderAddr]
	if !ok {
		return ClaimResult{}, fmt.Errorf("%w: %s", ErrTraderNotWhitelisted, traderAddr.Hex())
	}
	if caller != r.Liquidator {
		return ClaimResult{}, fmt.Errorf("%w: receipt %d", ErrNotLiquidator, receiptID)
	}
	if now.After(r.ClaimDeadline(e.params.ClaimWindow)) {
		return ClaimResult{}, fmt.Errorf("%w: receipt %d closed at %s",
			ErrClaimWindowClosed, receiptID, r.ClaimDeadline(e.params.ClaimWindow).UTC())
	}
	if r.Settled() {
		return ClaimResult{}, fmt.Errorf("%w: receipt %d", ErrAlreadyClaimed, receiptID)
	}

	sold, err := e.CalcUnitsSold(*r, orders, t)
	if err != nil {
		return ClaimResult{}, err
	}
	owed := CalcAmountToReturn(*r, sold.Units, sold.AvgPrice, e.params.MaxSlippage)

	fromEscrow := fpmath.Min(owed, r.EscrowedAmount)
	remaining := owed.Sub(fromEscrow)

	insurance := e.ledger.InsuranceAccount()
	insuranceQuote := fpmath.Max(fpmath.Zero(), e.ledger.Balance(insurance).Quote)
	fromInsurance := fpmath.Min(remaining, insuranceQuote)
	remaining = remaining.Sub(fromInsurance)

	fromBuffer := fpmath.Min(remaining, e.pool.BufferCollateral())
	toLiquidator := fromEscrow.Add(fromInsurance).Add(fromBuffer)
	toLiquidatee := r.EscrowedAmount.Sub(fromEscrow)

	b := ledger.NewBatch(e.ledger.MarketID(), fmt.Sprintf("claim:%d", receiptID), now)
	b.Add(ledger.Delta{Account: r.Liquidator, Type: ledger.DeltaTypeClaimPayout, Quote: toLiquidator})
	b.Add(ledger.Delta{Account: insurance, Type: ledger.DeltaTypeInsuranceCover, Quote: fromInsurance.Neg()})
	b.Add(ledger.Delta{Account: r.Liquidatee, Type: ledger.DeltaTypeEscrowRelease, Quote: toLiquidatee})

	if len(b.Deltas) > 0 {
		if err := e.ledger.ApplyBatch(b); err != nil {
			return ClaimResult{}, fmt.Errorf("apply claim: %w", err)
		}
	}
	e.pool.DrainBuffer(fromBuffer)

	r.EscrowClaimed = true
	r.LiquidatorRefundClaimed = true
	for _, id := range sold.Used {
		e.claimedOrders[id] = receiptID
	}

	return ClaimResult{
		Receipt:             *r,
		Sold:                sold,
		AmountToReturn:      owed,
		FromEscrow:          fromEscrow,
		FromInsuranceMargin: fromInsurance,
		FromBuffer:          fromBuffer,
		ToLiquidator:        toLiquidator,
		ToLiquidatee:        toLiquidatee,
	}, nil
}

// ClaimEscrow releases the full escrow to the liquidatee once the release
// time has passed and the liquidator has not claimed.
func (e *Engine) ClaimEscrow(now time.Time, caller common.Address, receiptID uint64) (EscrowResult, error) {
	r, ok := e.receipts[receiptID]
	if !ok {
		return EscrowResult{}, fmt.Errorf("%w: %d", ErrReceiptNotFound, receiptID)
	}
	if caller != r.Liquidatee {
		return EscrowResult{}, fmt.Errorf("%w: receipt %d", ErrNotLiquidatee, receiptID)
	}
	if r.Settled() {
		return EscrowResult{}, fmt.Errorf("%w: receipt %d", ErrAlreadyClaimed, receiptID)
	}
	if now.Before(r.ReleaseTime) {
		return EscrowResult{}, fmt.Errorf("%w: receipt %d releases at %s", ErrEscrowLocked, receiptID, r.ReleaseTime.UTC())
	}

	b := ledger.NewBatch(e.ledger.MarketID(), fmt.Sprintf("escrow:%d", receiptID), now)
	b.Add(ledger.Delta{Account: r.Liquidatee, Type: ledger.DeltaTypeEscrowRelease, Quote: r.EscrowedAmount})
	if len(b.Deltas) > 0 {
		if err := e.ledger.ApplyBatch(b); err != nil {
			return EscrowResult{}, fmt.Errorf("apply escrow release: %w", err)
		}
	}

	r.EscrowClaimed = true
	return EscrowResult{Receipt: *r, Amount: r.EscrowedAmount}, nil
}
