package liquidation

import (
	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"
	"PerpSettle/internal/trader"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Pricing supplies the fair price liquidations execute at
type Pricing interface {
	FairPrice() fpmath.Wad
}

// GasOracle supplies the gas price ceiling for liquidations
type GasOracle interface {
	FastGasPrice() fpmath.Wad
}

// Trader reports executions of orders by id
type Trader interface {
	OrderID(o trader.Order) common.Hash
	FilledAmount(id common.Hash) fpmath.Wad
	AverageExecutionPrice(id common.Hash) fpmath.Wad
}

// InsurancePool is the part of the insurance fund liquidations depend on
type InsurancePool interface {
	Holdings() fpmath.Wad
	Target() fpmath.Wad
	BufferCollateral() fpmath.Wad
	DrainBuffer(amount fpmath.Wad) fpmath.Wad
}

// LiquidateRequest is a liquidator's request to take over part of an
// under-margined position
type LiquidateRequest struct {
	Liquidator common.Address
	Liquidatee common.Address
	Amount     fpmath.Wad // Base units, unsigned
	GasPrice   fpmath.Wad
}

// LiquidationResult describes a completed liquidation
type LiquidationResult struct {
	Receipt           Receipt
	Settled           []ledger.SettleResult
	QuoteTransferred  fpmath.Wad
	LiquidateeMargin  fpmath.Wad
	LiquidateeMinimum fpmath.Wad
}

// Engine runs liquidations and claim settlement for one market.
// Not thread-safe: only accessed from the single-threaded processor.
type Engine struct {
	params  *state.Params
	ledger  *ledger.Ledger
	funding ledger.FundingSource
	pricing Pricing
	gas     GasOracle
	pool    InsurancePool

	traders       map[common.Address]Trader
	receipts      map[uint64]*Receipt
	nextID        uint64
	claimedOrders map[common.Hash]uint64 // order id -> receipt it was claimed against
}

func NewEngine(
	params *state.Params,
	l *ledger.Ledger,
	funding ledger.FundingSource,
	pricing Pricing,
	gas GasOracle,
	pool InsurancePool,
) *Engine {
	return &Engine{
		params:        params,
		ledger:        l,
		funding:       funding,
		pricing:       pricing,
		gas:           gas,
		pool:          pool,
		traders:       make(map[common.Address]Trader),
		receipts:      make(map[uint64]*Receipt),
		claimedOrders: make(map[common.Hash]uint64),
	}
}

// WhitelistTrader allows claims against orders executed by t
func (e *Engine) WhitelistTrader(addr common.Address, t Trader) {
	e.traders[addr] = t
}

// Receipt returns a copy of the receipt with the given id
func (e *Engine) Receipt(id uint64) (Receipt, bool) {
	r, ok := e.receipts[id]
	if !ok {
		return Receipt{}, false
	}
	return *r, true
}

// Receipts returns every receipt in id order
func (e *Engine) Receipts() []Receipt {
	out := make([]Receipt, 0, len(e.receipts))
	for _, r := range e.receipts {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// NextReceiptID is the id the next liquidation will be assigned
func (e *Engine) NextReceiptID() uint64 { return e.nextID }

// MaxLeverage is the leverage the insurance pool currently permits
func (e *Engine) MaxLeverage() fpmath.Wad {
	return state.TrueMaxLeverage(e.pool.Holdings(), e.pool.Target(), e.params)
}

// Liquidate transfers req.Amount of the liquidatee's position and the same
// fraction of its quote to the liquidator. Part of the liquidatee's surplus
// margin is held in escrow on the receipt, to cover the liquidator's
// slippage when closing the position or to be returned to the liquidatee.
//
// Both accounts are settled to the current funding index first. Nothing is
// applied unless every check passes.
func (e *Engine) Liquidate(now time.Time, req LiquidateRequest) (LiquidationResult, error) {
	if !req.Amount.IsPositive() {
		return LiquidationResult{}, fmt.Errorf("%w: %s", ErrInvalidAmount, req.Amount)
	}
	if req.Liquidator == req.Liquidatee {
		return LiquidationResult{}, fmt.Errorf("%w: %s", ErrSelfLiquidation, req.Liquidator.Hex())
	}
	fastGas := e.gas.FastGasPrice()
	if req.GasPrice.Gt(fastGas) {
		return LiquidationResult{}, fmt.Errorf("%w: %s > %s", ErrGasPriceTooHigh, req.GasPrice, fastGas)
	}
	price := e.pricing.FairPrice()
	if !price.IsPositive() {
		return LiquidationResult{}, fmt.Errorf("%w: %s", ErrInvalidPrice, price)
	}

	id := e.nextID
	b := ledger.NewBatch(e.ledger.MarketID(), fmt.Sprintf("liquidate:%d", id), now)

	settled, v, err := e.ledger.PlanSettleAll(b, e.funding, fastGas, req.Liquidatee, req.Liquidator)
	if err != nil {
		return LiquidationResult{}, err
	}

	target := v.Balance(req.Liquidatee)
	size := target.Base.Abs()
	if req.Amount.Gt(size) {
		return LiquidationResult{}, fmt.Errorf("%w: amount %s, position %s",
			ErrAmountExceedsPosition, req.Amount, target.Base)
	}

	maxLev := e.MaxLeverage()
	margin := state.Margin(target.Position, price)
	minMargin := state.MinMargin(target.Position, price, target.LastUpdatedGasPrice, e.params, maxLev)
	if state.MarginIsValid(target.Position, price, target.LastUpdatedGasPrice, e.params, maxLev) {
		return LiquidationResult{}, fmt.Errorf("%w: margin %s, minimum %s", ErrAboveMargin, margin, minMargin)
	}

	fraction := req.Amount.Div(size)
	escrow := fpmath.Max(fpmath.Zero(), margin.Sub(minMargin.Sub(margin))).Mul(fraction)
	baseMoved := req.Amount
	if target.Base.IsNegative() {
		baseMoved = baseMoved.Neg()
	}
	quoteMoved := target.Quote.Mul(fraction)

	b.Add(ledger.Delta{
		Account: req.Liquidatee,
		Type:    ledger.DeltaTypeLiquidationTransfer,
		Base:    baseMoved.Neg(),
		Quote:   quoteMoved.Neg(),
		Leveraged: target.TotalLeveragedValue.
			Mul(fpmath.One().Sub(fraction)).
			Sub(target.TotalLeveragedValue),
	})
	b.Add(ledger.Delta{
		Account: req.Liquidator,
		Type:    ledger.DeltaTypeLiquidationTransfer,
		Base:    baseMoved,
		Quote:   quoteMoved,
	})
	b.Add(ledger.Delta{
		Account: req.Liquidator,
		Type:    ledger.DeltaTypeEscrowHold,
		Quote:   escrow.Neg(),
	})

	liquidator := v.Balance(req.Liquidator)
	liquidatorPos := state.Position{
		Base:  liquidator.Base.Add(baseMoved),
		Quote: liquidator.Quote.Add(quoteMoved).Sub(escrow),
	}
	ledger.PlanLeverage(v, b, req.Liquidator, liquidatorPos, price)

	if !state.MarginIsValid(liquidatorPos, price, liquidator.LastUpdatedGasPrice, e.params, maxLev) {
		return LiquidationResult{}, fmt.Errorf("%w: %s", ErrLiquidatorUnderMargin, req.Liquidator.Hex())
	}

	if err := e.ledger.ApplyBatch(b); err != nil {
		return LiquidationResult{}, fmt.Errorf("apply liquidation: %w", err)
	}

	side := state.SideLong
	if target.Base.IsNegative() {
		side = state.SideShort
	}
	r := &Receipt{
		ID:               id,
		Market:           e.ledger.MarketID(),
		Liquidator:       req.Liquidator,
		Liquidatee:       req.Liquidatee,
		Price:            price,
		Time:             now,
		EscrowedAmount:   escrow,
		ReleaseTime:      now.Add(e.params.ReleaseDelay),
		AmountLiquidated: req.Amount,
		Side:             side,
	}
	e.receipts[id] = r
	e.nextID++

	return LiquidationResult{
		Receipt:           *r,
		Settled:           settled,
		QuoteTransferred:  quoteMoved,
		LiquidateeMargin:  margin,
		LiquidateeMinimum: minMargin,
	}, nil
}
