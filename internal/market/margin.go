package market

import (
	"PerpSettle/internal/event"
	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"
	"PerpSettle/internal/trader"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DepositMargin moves collateral from the account's wallet into its margin
// account. Amounts below token precision are dropped before the transfer.
func (m *Market) DepositMargin(ref string, now time.Time, addr common.Address, amount fpmath.Wad) ([]event.Event, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	kept, _ := amount.TruncateToDecimals(m.params.TokenDecimals)
	if kept.IsZero() {
		return nil, fmt.Errorf("%w: %s is below token precision", ErrInvalidAmount, amount)
	}

	b := ledger.NewBatch(m.id, ref, now)
	acct := m.ledger.Balance(addr)
	b.Add(ledger.Delta{Account: addr, Type: ledger.DeltaTypeMarginDeposit, Quote: kept})
	m.planLeverage(m.ledger, b, addr, state.Position{Base: acct.Base, Quote: acct.Quote.Add(kept)})

	if _, err := m.ledger.Preview(b); err != nil {
		return nil, err
	}
	if _, _, err := m.vault.TransferIn(addr, kept); err != nil {
		return nil, err
	}
	if err := m.ledger.ApplyBatch(b); err != nil {
		return nil, fmt.Errorf("apply deposit: %w", err)
	}

	return []event.Event{&event.MarginDeposited{Market: m.id, Account: addr, Amount: kept}}, nil
}

// WithdrawMargin pays collateral out of the margin account. The account is
// settled first and must stay margin-valid at the fair price.
func (m *Market) WithdrawMargin(ref string, now time.Time, addr common.Address, amount fpmath.Wad) ([]event.Event, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	kept, dust := amount.TruncateToDecimals(m.params.TokenDecimals)
	if kept.IsZero() {
		return nil, fmt.Errorf("%w: %s is below token precision", ErrInvalidAmount, amount)
	}

	b := ledger.NewBatch(m.id, ref, now)
	settled, v, err := m.ledger.PlanSettleAll(b, m.oracle, m.oracle.FastGasPrice(), addr)
	if err != nil {
		return nil, err
	}

	acct := v.Balance(addr)
	pos := state.Position{Base: acct.Base, Quote: acct.Quote.Sub(kept)}
	price := m.oracle.FairPrice()
	if !pos.IsFlat() && !price.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPrice, price)
	}

	b.Add(ledger.Delta{Account: addr, Type: ledger.DeltaTypeMarginWithdrawal, Quote: kept.Neg()})
	m.planLeverage(v, b, addr, pos)

	if !state.MarginIsValid(pos, price, acct.LastUpdatedGasPrice, m.params, m.engine.MaxLeverage()) {
		return nil, fmt.Errorf("%w: %s withdrawing %s", ErrUnderMargin, addr.Hex(), kept)
	}
	if _, err := m.ledger.Preview(b); err != nil {
		return nil, err
	}
	if _, _, err := m.vault.TransferOut(addr, kept); err != nil {
		return nil, err
	}
	if err := m.ledger.ApplyBatch(b); err != nil {
		return nil, fmt.Errorf("apply withdrawal: %w", err)
	}

	events := settledEvents(m.id, settled)
	events = append(events, &event.MarginWithdrawn{Market: m.id, Account: addr, Amount: kept, Dust: dust})
	return events, nil
}

// Settle brings an account to the current funding index
func (m *Market) Settle(ref string, now time.Time, addr common.Address) ([]event.Event, error) {
	res, err := m.ledger.Settle(addr, m.oracle, m.oracle.FastGasPrice(), ref, now)
	if err != nil {
		return nil, err
	}
	if !res.Changed {
		return nil, nil
	}
	return settledEvents(m.id, []ledger.SettleResult{res}), nil
}

// FillRequest is an execution reported by a whitelisted trader
type FillRequest struct {
	Trader common.Address
	Order  trader.Order
	Taker  common.Address
	Amount fpmath.Wad
	Price  fpmath.Wad
}

// ExecuteFill trades Amount at Price between the order's maker, on the
// order's side, and the taker, on the other. Both accounts are settled
// first and must stay margin-valid at the fair price.
func (m *Market) ExecuteFill(ref string, now time.Time, req FillRequest) ([]event.Event, error) {
	book, ok := m.traders[req.Trader]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTrader, req.Trader.Hex())
	}
	maker := req.Order.Maker
	if req.Order.Market != m.id {
		return nil, fmt.Errorf("%w: %s", ErrWrongMarket, req.Order.Market)
	}
	if maker == req.Taker {
		return nil, fmt.Errorf("%w: %s", ErrSelfTrade, maker.Hex())
	}
	if err := book.CheckFill(req.Order, req.Amount, req.Price); err != nil {
		return nil, err
	}
	fair := m.oracle.FairPrice()
	if !fair.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPrice, fair)
	}

	b := ledger.NewBatch(m.id, ref, now)
	settled, v, err := m.ledger.PlanSettleAll(b, m.oracle, m.oracle.FastGasPrice(), maker, req.Taker)
	if err != nil {
		return nil, err
	}

	base := req.Amount
	if req.Order.Side == state.SideShort {
		base = base.Neg()
	}
	quote := base.Mul(req.Price).Neg()

	maxLev := m.engine.MaxLeverage()
	for _, leg := range []struct {
		addr        common.Address
		base, quote fpmath.Wad
	}{
		{maker, base, quote},
		{req.Taker, base.Neg(), quote.Neg()},
	} {
		acct := v.Balance(leg.addr)
		pos := state.Position{Base: acct.Base.Add(leg.base), Quote: acct.Quote.Add(leg.quote)}

		b.Add(ledger.Delta{Account: leg.addr, Type: ledger.DeltaTypeTrade, Base: leg.base, Quote: leg.quote})
		m.planLeverage(v, b, leg.addr, pos)

		if !state.MarginIsValid(pos, fair, acct.LastUpdatedGasPrice, m.params, maxLev) {
			return nil, fmt.Errorf("%w: %s", ErrUnderMargin, leg.addr.Hex())
		}
	}

	if err := m.ledger.ApplyBatch(b); err != nil {
		return nil, fmt.Errorf("apply fill: %w", err)
	}
	id, err := book.RecordFill(req.Order, req.Amount, req.Price)
	if err != nil {
		return nil, fmt.Errorf("record fill: %w", err)
	}

	events := settledEvents(m.id, settled)
	events = append(events, &event.OrderFilled{
		Market:      m.id,
		Trader:      req.Trader,
		OrderID:     id,
		Maker:       maker,
		Taker:       req.Taker,
		Amount:      req.Amount,
		Price:       req.Price,
		FilledTotal: book.FilledAmount(id),
		AvgPrice:    book.AverageExecutionPrice(id),
	})
	return events, nil
}

// planLeverage recomputes the account's leveraged value at the fair price.
// Without a price there is nothing to value.
func (m *Market) planLeverage(r ledger.Reader, b *ledger.Batch, addr common.Address, pos state.Position) {
	price := m.oracle.FairPrice()
	if !price.IsPositive() {
		return
	}
	ledger.PlanLeverage(r, b, addr, pos, price)
}
