package event

import (
	fpmath "PerpSettle/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// OrderFilled is emitted when a whitelisted trader executes an order.
// The maker takes the order's side and the taker the opposite.
type OrderFilled struct {
	Market      string         `json:"market"`
	Trader      common.Address `json:"trader"`
	OrderID     common.Hash    `json:"order_id"`
	Maker       common.Address `json:"maker"`
	Taker       common.Address `json:"taker"`
	Amount      fpmath.Wad     `json:"amount"`
	Price       fpmath.Wad     `json:"price"`
	FilledTotal fpmath.Wad     `json:"filled_total"`
	AvgPrice    fpmath.Wad     `json:"avg_price"`
}

func (o *OrderFilled) EventType() EventType { return EventTypeOrderFilled }
func (o *OrderFilled) MarketID() string     { return o.Market }

// CommandRejected is emitted when a command fails validation or a
// precondition. Nothing else is emitted for that command.
type CommandRejected struct {
	Market      string `json:"market"`
	CommandType string `json:"command_type"`
	Kind        string `json:"kind"`
	Code        string `json:"code"`
	Reason      string `json:"reason"`
}

func (c *CommandRejected) EventType() EventType { return EventTypeCommandRejected }
func (c *CommandRejected) MarketID() string     { return c.Market }
