package market

import (
	"PerpSettle/internal/event"
	"PerpSettle/internal/liquidation"
	"PerpSettle/internal/trader"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Liquidate runs a liquidation and emits the settlements it performed
// followed by the liquidation itself
func (m *Market) Liquidate(now time.Time, req liquidation.LiquidateRequest) ([]event.Event, error) {
	res, err := m.engine.Liquidate(now, req)
	if err != nil {
		return nil, err
	}

	r := res.Receipt
	events := settledEvents(m.id, res.Settled)
	events = append(events, &event.LiquidationOccurred{
		Market:           m.id,
		ReceiptID:        r.ID,
		Liquidator:       r.Liquidator,
		Liquidatee:       r.Liquidatee,
		Side:             r.Side,
		Amount:           r.AmountLiquidated,
		Price:            r.Price,
		QuoteTransferred: res.QuoteTransferred,
		Escrowed:         r.EscrowedAmount,
		ReleaseTime:      r.ReleaseTime,
	})
	return events, nil
}

// ClaimReceipt settles a liquidator's claim. Skipped orders are reported
// before the claim.
func (m *Market) ClaimReceipt(now time.Time, caller common.Address, receiptID uint64, orders []trader.Order, traderAddr common.Address) ([]event.Event, error) {
	res, err := m.engine.ClaimReceipt(now, caller, receiptID, orders, traderAddr)
	if err != nil {
		return nil, err
	}

	events := make([]event.Event, 0, len(res.Sold.Skipped)+1)
	for _, s := range res.Sold.Skipped {
		events = append(events, &event.InvalidClaimOrder{
			Market:    m.id,
			ReceiptID: receiptID,
			OrderID:   s.OrderID,
			Reason:    s.Reason,
		})
	}
	events = append(events, &event.ClaimedReceipt{
		Market:              m.id,
		ReceiptID:           receiptID,
		Liquidator:          res.Receipt.Liquidator,
		Liquidatee:          res.Receipt.Liquidatee,
		UnitsSold:           res.Sold.Units,
		AvgPrice:            res.Sold.AvgPrice,
		AmountToReturn:      res.AmountToReturn,
		FromEscrow:          res.FromEscrow,
		FromInsuranceMargin: res.FromInsuranceMargin,
		FromBuffer:          res.FromBuffer,
		ToLiquidator:        res.ToLiquidator,
		ToLiquidatee:        res.ToLiquidatee,
	})
	return events, nil
}

// ClaimEscrow releases a receipt's escrow to the liquidatee
func (m *Market) ClaimEscrow(now time.Time, caller common.Address, receiptID uint64) ([]event.Event, error) {
	res, err := m.engine.ClaimEscrow(now, caller, receiptID)
	if err != nil {
		return nil, err
	}
	return []event.Event{&event.ClaimedEscrow{
		Market:     m.id,
		ReceiptID:  receiptID,
		Liquidatee: res.Receipt.Liquidatee,
		Amount:     res.Amount,
	}}, nil
}
