package trader

import (
	"PerpSettle/internal/apperr"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrInvalidFill = apperr.New(apperr.KindValidation, "invalid_fill", "fill amount and price must be > 0")
	ErrOverfill    = apperr.New(apperr.KindPrecondition, "overfill", "fill exceeds order amount")
)

// Order is a limit order as submitted to the trader contract
type Order struct {
	Maker   common.Address `json:"maker"`
	Market  string         `json:"market"`
	Price   fpmath.Wad     `json:"price"`
	Amount  fpmath.Wad     `json:"amount"`
	Side    state.Side     `json:"side"`
	Expires time.Time      `json:"expires"`
	Created time.Time      `json:"created"`
}

// ID is keccak256 over the fixed-width packed order fields: maker, market
// hash, price and amount as 32-byte words, side, then expiry and creation
// in Unix nanoseconds.
func (o Order) ID() common.Hash {
	price := o.Price.Bytes32()
	amount := o.Amount.Bytes32()
	var ts [16]byte
	binary.BigEndian.PutUint64(ts[:8], unixNano(o.Expires))
	binary.BigEndian.PutUint64(ts[8:], unixNano(o.Created))

	return crypto.Keccak256Hash(
		o.Maker.Bytes(),
		crypto.Keccak256([]byte(o.Market)),
		price[:],
		amount[:],
		[]byte{byte(o.Side)},
		ts[:],
	)
}

func unixNano(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UnixNano())
}

// ExpiredAt reports whether the order can no longer trade at t.
// A zero Expires never expires.
func (o Order) ExpiredAt(t time.Time) bool {
	return !o.Expires.IsZero() && o.Expires.Before(t)
}

type fill struct {
	filled   fpmath.Wad
	notional fpmath.Wad
}

// Book records executions per order id.
// Not thread-safe: only accessed from the single-threaded processor.
type Book struct {
	address common.Address
	orders  map[common.Hash]Order
	fills   map[common.Hash]*fill
}

func NewBook(address common.Address) *Book {
	return &Book{
		address: address,
		orders:  make(map[common.Hash]Order),
		fills:   make(map[common.Hash]*fill),
	}
}

// Address identifies this trader in claims
func (b *Book) Address() common.Address { return b.address }

func (b *Book) OrderID(o Order) common.Hash { return o.ID() }

// CheckFill reports whether RecordFill would accept the execution
func (b *Book) CheckFill(o Order, amount, price fpmath.Wad) error {
	if !amount.IsPositive() || !price.IsPositive() {
		return fmt.Errorf("%w: amount=%s price=%s", ErrInvalidFill, amount, price)
	}

	id := o.ID()
	filled := b.FilledAmount(id)
	if filled.Add(amount).Gt(o.Amount) {
		return fmt.Errorf("%w: order %s filled %s of %s, fill %s",
			ErrOverfill, id.Hex(), filled, o.Amount, amount)
	}
	return nil
}

// RecordFill registers an execution of amount units at price against the
// order. Total fills may not exceed the order amount.
func (b *Book) RecordFill(o Order, amount, price fpmath.Wad) (common.Hash, error) {
	if err := b.CheckFill(o, amount, price); err != nil {
		return common.Hash{}, err
	}

	id := o.ID()
	f, ok := b.fills[id]
	if !ok {
		f = &fill{}
	}

	f.filled = f.filled.Add(amount)
	f.notional = f.notional.Add(amount.Mul(price))
	b.fills[id] = f
	b.orders[id] = o
	return id, nil
}

// FilledAmount is the total executed against the order
func (b *Book) FilledAmount(id common.Hash) fpmath.Wad {
	if f, ok := b.fills[id]; ok {
		return f.filled
	}
	return fpmath.Zero()
}

// AverageExecutionPrice is the fill-weighted price, zero if unfilled
func (b *Book) AverageExecutionPrice(id common.Hash) fpmath.Wad {
	f, ok := b.fills[id]
	if !ok || f.filled.IsZero() {
		return fpmath.Zero()
	}
	return f.notional.Div(f.filled)
}

// Order returns a previously filled order
func (b *Book) Order(id common.Hash) (Order, bool) {
	o, ok := b.orders[id]
	return o, ok
}
