package market

import (
	"PerpSettle/internal/custody"
	"PerpSettle/internal/event"
	"PerpSettle/internal/insurance"
	"PerpSettle/internal/ledger"
	"PerpSettle/internal/liquidation"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/state"
	"PerpSettle/internal/trader"
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Market wires the ledger, oracle, custody, insurance fund and liquidation
// engine of one market. Every mutating method either returns the events of
// the transition or an error with nothing applied.
// Not thread-safe: only accessed from the single-threaded processor.
type Market struct {
	id      string
	params  *state.Params
	ledger  *ledger.Ledger
	oracle  *oracle.Static
	vault   *custody.Vault
	fund    *insurance.Fund
	engine  *liquidation.Engine
	traders map[common.Address]*trader.Book
}

// New builds a market. Each address in traders gets its own order book and
// is whitelisted for claims.
func New(params *state.Params, insuranceAccount common.Address, traders []common.Address) (*Market, error) {
	if err := state.ValidateParams(params); err != nil {
		return nil, fmt.Errorf("%w: market %s: %v", ErrInvalidParams, params.MarketID, err)
	}

	l := ledger.NewLedger(params.MarketID, insuranceAccount)
	o := oracle.NewStatic(params.MarketID)
	v := custody.NewVault(params.TokenDecimals)
	f := insurance.NewFund(params, l, v)
	e := liquidation.NewEngine(params, l, o, o, o, f)

	m := &Market{
		id:      params.MarketID,
		params:  params,
		ledger:  l,
		oracle:  o,
		vault:   v,
		fund:    f,
		engine:  e,
		traders: make(map[common.Address]*trader.Book, len(traders)),
	}
	for _, addr := range traders {
		book := trader.NewBook(addr)
		m.traders[addr] = book
		e.WhitelistTrader(addr, book)
	}
	return m, nil
}

func (m *Market) ID() string                      { return m.id }
func (m *Market) Params() state.Params            { return *m.params }
func (m *Market) Ledger() *ledger.Ledger          { return m.ledger }
func (m *Market) Oracle() *oracle.Static          { return m.oracle }
func (m *Market) Vault() *custody.Vault           { return m.vault }
func (m *Market) Fund() *insurance.Fund           { return m.fund }
func (m *Market) Engine() *liquidation.Engine     { return m.engine }
func (m *Market) Trader(addr common.Address) bool { _, ok := m.traders[addr]; return ok }

// Traders returns the whitelisted trader addresses in byte order
func (m *Market) Traders() []common.Address {
	out := make([]common.Address, 0, len(m.traders))
	for addr := range m.traders {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// AccountView is an account with its margin figures at the fair price
type AccountView struct {
	Market    string         `json:"market"`
	Address   common.Address `json:"address"`
	Account   state.Account  `json:"account"`
	Margin    fpmath.Wad     `json:"margin"`
	MinMargin fpmath.Wad     `json:"min_margin"`
	Notional  fpmath.Wad     `json:"notional"`
	Valid     bool           `json:"valid"`
}

func (m *Market) Account(addr common.Address) AccountView {
	acct := m.ledger.Balance(addr)
	price := m.oracle.FairPrice()
	maxLev := m.engine.MaxLeverage()

	return AccountView{
		Market:    m.id,
		Address:   addr,
		Account:   acct,
		Margin:    state.Margin(acct.Position, price),
		MinMargin: state.MinMargin(acct.Position, price, acct.LastUpdatedGasPrice, m.params, maxLev),
		Notional:  state.NotionalValue(acct.Position, price),
		Valid:     state.MarginIsValid(acct.Position, price, acct.LastUpdatedGasPrice, m.params, maxLev),
	}
}

// UpdatePrice sets the fair price
func (m *Market) UpdatePrice(price fpmath.Wad) ([]event.Event, error) {
	if err := m.oracle.SetFairPrice(price); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrice, err)
	}
	return []event.Event{&event.PriceUpdated{Market: m.id, FairPrice: price}}, nil
}

// UpdateGasPrice sets the fast gas price ceiling
func (m *Market) UpdateGasPrice(price fpmath.Wad) ([]event.Event, error) {
	if err := m.oracle.SetFastGasPrice(price); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrice, err)
	}
	return []event.Event{&event.GasPriceUpdated{Market: m.id, FastGasPrice: price}}, nil
}

// RecordFundingRate appends a funding index. Replays of an index already
// stored emit nothing.
func (m *Market) RecordFundingRate(now time.Time, index int64, rate, insuranceRate fpmath.Wad) ([]event.Event, error) {
	stored, err := m.oracle.RecordFundingRate(index, rate, insuranceRate, now)
	if err != nil {
		return nil, err
	}
	if !stored {
		return nil, nil
	}

	f := m.oracle.FundingRate(index)
	ins := m.oracle.InsuranceFundingRate(index)
	return []event.Event{&event.FundingRateRecorded{
		Market:                         m.id,
		Index:                          index,
		FundingRate:                    f.FundingRate,
		CumulativeFundingRate:          f.CumulativeFundingRate,
		InsuranceFundingRate:           ins.FundingRate,
		CumulativeInsuranceFundingRate: ins.CumulativeFundingRate,
		RecordTime:                     now,
	}}, nil
}

// UpdateParams replaces the governance parameters of the market. Token
// decimals are fixed at creation.
func (m *Market) UpdateParams(next state.Params) ([]event.Event, error) {
	next.MarketID = m.id
	next.TokenDecimals = m.params.TokenDecimals
	if err := state.ValidateParams(&next); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}

	*m.params = next
	return []event.Event{&event.ParamsUpdated{
		Market:                   m.id,
		MaxLeverage:              next.MaxLeverage,
		LowestMaxLeverage:        next.LowestMaxLeverage,
		DeleveragingCliff:        next.DeleveragingCliff,
		InsurancePoolSwitchStage: next.InsurancePoolSwitchStage,
		LiquidationGasCost:       next.LiquidationGasCost,
		GasCostMultiplier:        next.GasCostMultiplier,
		MaxSlippage:              next.MaxSlippage,
		InsuranceTargetRatio:     next.InsuranceTargetRatio,
		ReleaseDelaySeconds:      int64(next.ReleaseDelay / time.Second),
		ClaimWindowSeconds:       int64(next.ClaimWindow / time.Second),
	}}, nil
}

// CreditWallet mints tokens into an external wallet
func (m *Market) CreditWallet(addr common.Address, amount fpmath.Wad) ([]event.Event, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	if err := m.vault.Credit(addr, amount); err != nil {
		return nil, err
	}
	return []event.Event{&event.WalletCredited{Market: m.id, Account: addr, Amount: amount}}, nil
}

func settledEvents(marketID string, results []ledger.SettleResult) []event.Event {
	out := make([]event.Event, 0, len(results))
	for _, r := range results {
		out = append(out, &event.Settled{
			Market:        marketID,
			Account:       r.Account,
			FromIndex:     r.FromIndex,
			ToIndex:       r.ToIndex,
			FundingPaid:   r.FundingPaid,
			InsurancePaid: r.InsurancePaid,
		})
	}
	return out
}
