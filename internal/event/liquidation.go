package event

import (
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// LiquidationOccurred is emitted when a receipt is created
type LiquidationOccurred struct {
	Market           string         `json:"market"`
	ReceiptID        uint64         `json:"receipt_id"`
	Liquidator       common.Address `json:"liquidator"`
	Liquidatee       common.Address `json:"liquidatee"`
	Side             state.Side     `json:"side"`
	Amount           fpmath.Wad     `json:"amount"`
	Price            fpmath.Wad     `json:"price"`
	QuoteTransferred fpmath.Wad     `json:"quote_transferred"`
	Escrowed         fpmath.Wad     `json:"escrowed"`
	ReleaseTime      time.Time      `json:"release_time"`
}

func (l *LiquidationOccurred) EventType() EventType { return EventTypeLiquidationOccurred }
func (l *LiquidationOccurred) MarketID() string     { return l.Market }

// ClaimedReceipt is emitted when the liquidator settles a receipt
type ClaimedReceipt struct {
	Market              string         `json:"market"`
	ReceiptID           uint64         `json:"receipt_id"`
	Liquidator          common.Address `json:"liquidator"`
	Liquidatee          common.Address `json:"liquidatee"`
	UnitsSold           fpmath.Wad     `json:"units_sold"`
	AvgPrice            fpmath.Wad     `json:"avg_price"`
	AmountToReturn      fpmath.Wad     `json:"amount_to_return"`
	FromEscrow          fpmath.Wad     `json:"from_escrow"`
	FromInsuranceMargin fpmath.Wad     `json:"from_insurance_margin"`
	FromBuffer          fpmath.Wad     `json:"from_buffer"`
	ToLiquidator        fpmath.Wad     `json:"to_liquidator"`
	ToLiquidatee        fpmath.Wad     `json:"to_liquidatee"`
}

func (c *ClaimedReceipt) EventType() EventType { return EventTypeClaimedReceipt }
func (c *ClaimedReceipt) MarketID() string     { return c.Market }

// InvalidClaimOrder is emitted for each order a claim skipped
type InvalidClaimOrder struct {
	Market    string      `json:"market"`
	ReceiptID uint64      `json:"receipt_id"`
	OrderID   common.Hash `json:"order_id"`
	Reason    string      `json:"reason"`
}

func (i *InvalidClaimOrder) EventType() EventType { return EventTypeInvalidClaimOrder }
func (i *InvalidClaimOrder) MarketID() string     { return i.Market }

// ClaimedEscrow is emitted when the liquidatee takes back the escrow
type ClaimedEscrow struct {
	Market     string         `json:"market"`
	ReceiptID  uint64         `json:"receipt_id"`
	Liquidatee common.Address `json:"liquidatee"`
	Amount     fpmath.Wad     `json:"amount"`
}

func (c *ClaimedEscrow) EventType() EventType { return EventTypeClaimedEscrow }
func (c *ClaimedEscrow) MarketID() string     { return c.Market }
