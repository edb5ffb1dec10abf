package liquidation_test

import (
	"PerpSettle/internal/ledger"
	"PerpSettle/internal/liquidation"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/state"
	"PerpSettle/internal/trader"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	insuranceAddr = common.HexToAddress("0x00000000000000000000000000000000000000ff")
	alice         = common.HexToAddress("0x000000000000000000000000000000000000a11c") // liquidator
	bob           = common.HexToAddress("0x0000000000000000000000000000000000000b0b") // liquidatee
	traderAddr    = common.HexToAddress("0x0000000000000000000000000000000000007777")

	t0 = time.Unix(1_700_000_000, 0)
)

func wad(s string) fpmath.Wad { return fpmath.MustParse(s) }

type fakePool struct {
	holdings, target, buffer fpmath.Wad
}

func (p *fakePool) Holdings() fpmath.Wad         { return p.holdings }
func (p *fakePool) Target() fpmath.Wad           { return p.target }
func (p *fakePool) BufferCollateral() fpmath.Wad { return p.buffer }
func (p *fakePool) DrainBuffer(amount fpmath.Wad) fpmath.Wad {
	paid := fpmath.Min(amount, p.buffer)
	p.buffer = p.buffer.Sub(paid)
	return paid
}

type fixture struct {
	params *state.Params
	ledger *ledger.Ledger
	oracle *oracle.Static
	pool   *fakePool
	book   *trader.Book
	engine *liquidation.Engine
}

// newFixture uses an empty insurance pool (max leverage 12.5), zero gas
// and a fair price of 100.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	params := state.DefaultParams("ETH-USD")
	l := ledger.NewLedger("ETH-USD", insuranceAddr)
	o := oracle.NewStatic("ETH-USD")
	if err := o.SetFairPrice(wad("100")); err != nil {
		t.Fatalf("price: %v", err)
	}
	pool := &fakePool{}
	book := trader.NewBook(traderAddr)

	e := liquidation.NewEngine(params, l, o, o, o, pool)
	e.WhitelistTrader(traderAddr, book)

	return &fixture{params: params, ledger: l, oracle: o, pool: pool, book: book, engine: e}
}

func (fx *fixture) seed(t *testing.T, addr common.Address, base, quote string) {
	t.Helper()
	b := ledger.NewBatch("ETH-USD", "seed:"+addr.Hex(), t0)
	p := state.Position{Base: wad(base), Quote: wad(quote)}
	b.Add(ledger.Delta{Account: addr, Base: p.Base, Quote: p.Quote})
	ledger.PlanLeverage(fx.ledger, b, addr, p, wad("100"))
	if err := fx.ledger.ApplyBatch(b); err != nil {
		t.Fatalf("seed %s: %v", addr.Hex(), err)
	}
}

// standard: bob long 10 @ margin 50 (minimum 80), alice flat with 1000
func (fx *fixture) standard(t *testing.T) {
	fx.seed(t, bob, "10", "-950")
	fx.seed(t, alice, "0", "1000")
}

func (fx *fixture) liquidate(t *testing.T, amount string) liquidation.LiquidationResult {
	t.Helper()
	res, err := fx.engine.Liquidate(t0, liquidation.LiquidateRequest{
		Liquidator: alice,
		Liquidatee: bob,
		Amount:     wad(amount),
		GasPrice:   fpmath.Zero(),
	})
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	return res
}

// ============================================================================
// Test: Liquidate
// ============================================================================

func TestLiquidate_Full(t *testing.T) {
	fx := newFixture(t)
	fx.standard(t)

	res := fx.liquidate(t, "10")
	r := res.Receipt

	// escrow = max(0, 50 - (80 - 50)) * 1
	if !r.EscrowedAmount.Eq(wad("20")) {
		t.Errorf("escrow: got %s, want 20", r.EscrowedAmount)
	}
	if r.ID != 0 || fx.engine.NextReceiptID() != 1 {
		t.Errorf("id=%d next=%d", r.ID, fx.engine.NextReceiptID())
	}
	if r.Side != state.SideLong || !r.AmountLiquidated.Eq(wad("10")) || !r.Price.Eq(wad("100")) {
		t.Errorf("receipt: %+v", r)
	}
	if !r.ReleaseTime.Equal(t0.Add(15 * time.Minute)) {
		t.Errorf("release: got %s", r.ReleaseTime)
	}

	liquidatee := fx.ledger.Balance(bob)
	if !liquidatee.Base.IsZero() || !liquidatee.Quote.IsZero() || !liquidatee.TotalLeveragedValue.IsZero() {
		t.Errorf("liquidatee: %+v", liquidatee)
	}

	liquidator := fx.ledger.Balance(alice)
	if !liquidator.Base.Eq(wad("10")) || !liquidator.Quote.Eq(wad("30")) {
		t.Errorf("liquidator base=%s quote=%s", liquidator.Base, liquidator.Quote)
	}

	if err := ledger.NewInvariantValidator(fx.ledger).ValidateAll(); err != nil {
		t.Errorf("invariants: %v", err)
	}
}

func TestLiquidate_Partial(t *testing.T) {
	fx := newFixture(t)
	fx.standard(t)

	res := fx.liquidate(t, "5")
	if !res.Receipt.EscrowedAmount.Eq(wad("10")) {
		t.Errorf("escrow: got %s, want 10", res.Receipt.EscrowedAmount)
	}

	liquidatee := fx.ledger.Balance(bob)
	if !liquidatee.Base.Eq(wad("5")) || !liquidatee.Quote.Eq(wad("-475")) {
		t.Errorf("liquidatee base=%s quote=%s", liquidatee.Base, liquidatee.Quote)
	}
	if !liquidatee.TotalLeveragedValue.Eq(wad("475")) {
		t.Errorf("liquidatee leverage: got %s, want 475", liquidatee.TotalLeveragedValue)
	}

	liquidator := fx.ledger.Balance(alice)
	if !liquidator.Base.Eq(wad("5")) || !liquidator.Quote.Eq(wad("515")) {
		t.Errorf("liquidator base=%s quote=%s", liquidator.Base, liquidator.Quote)
	}
	if err := ledger.NewInvariantValidator(fx.ledger).ValidateLeveragedNotional(); err != nil {
		t.Errorf("invariants: %v", err)
	}
}

func TestLiquidate_ShortPosition(t *testing.T) {
	fx := newFixture(t)
	// margin = 1050 - 1000 = 50, minimum 80
	fx.seed(t, bob, "-10", "1050")
	fx.seed(t, alice, "0", "1000")

	res := fx.liquidate(t, "10")
	if res.Receipt.Side != state.SideShort {
		t.Errorf("side: got %s", res.Receipt.Side)
	}
	if !fx.ledger.Balance(alice).Base.Eq(wad("-10")) {
		t.Errorf("liquidator base: got %s", fx.ledger.Balance(alice).Base)
	}
	if !fx.ledger.Balance(alice).Quote.Eq(wad("2030")) {
		t.Errorf("liquidator quote: got %s, want 2030", fx.ledger.Balance(alice).Quote)
	}
}

func TestLiquidate_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(fx *fixture, req *liquidation.LiquidateRequest)
		wantErr error
	}{
		{
			name:    "zero amount",
			mutate:  func(_ *fixture, req *liquidation.LiquidateRequest) { req.Amount = fpmath.Zero() },
			wantErr: liquidation.ErrInvalidAmount,
		},
		{
			name:    "self liquidation",
			mutate:  func(_ *fixture, req *liquidation.LiquidateRequest) { req.Liquidator = bob },
			wantErr: liquidation.ErrSelfLiquidation,
		},
		{
			name:    "gas above fast gas",
			mutate:  func(_ *fixture, req *liquidation.LiquidateRequest) { req.GasPrice = wad("0.000000001") },
			wantErr: liquidation.ErrGasPriceTooHigh,
		},
		{
			name:    "amount exceeds position",
			mutate:  func(_ *fixture, req *liquidation.LiquidateRequest) { req.Amount = wad("10.5") },
			wantErr: liquidation.ErrAmountExceedsPosition,
		},
		{
			name: "above margin",
			mutate: func(fx *fixture, _ *liquidation.LiquidateRequest) {
				_ = fx.ledger.ApplyDelta(bob, wad("100"), fpmath.Zero())
			},
			wantErr: liquidation.ErrAboveMargin,
		},
		{
			name: "liquidator under margin",
			mutate: func(fx *fixture, _ *liquidation.LiquidateRequest) {
				_ = fx.ledger.ApplyDelta(alice, wad("-1000"), fpmath.Zero())
			},
			wantErr: liquidation.ErrLiquidatorUnderMargin,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t)
			fx.standard(t)

			req := liquidation.LiquidateRequest{Liquidator: alice, Liquidatee: bob, Amount: wad("10"), GasPrice: fpmath.Zero()}
			tt.mutate(fx, &req)
			beforeBob, beforeAlice := fx.ledger.Balance(bob), fx.ledger.Balance(alice)

			_, err := fx.engine.Liquidate(t0, req)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if fx.ledger.Balance(bob) != beforeBob || fx.ledger.Balance(alice) != beforeAlice {
				t.Error("rejected liquidation must not mutate accounts")
			}
			if fx.engine.NextReceiptID() != 0 {
				t.Error("rejected liquidation must not create a receipt")
			}
		})
	}
}

func TestLiquidate_SettlesBeforeMarginCheck(t *testing.T) {
	fx := newFixture(t)
	// margin 82 is above the minimum of 80 until funding of 5 is charged
	fx.seed(t, bob, "10", "-918")
	fx.seed(t, alice, "0", "1000")

	if _, err := fx.oracle.RecordFundingRate(1, wad("0.5"), fpmath.Zero(), t0); err != nil {
		t.Fatalf("funding: %v", err)
	}

	res := fx.liquidate(t, "10")

	if len(res.Settled) != 2 {
		t.Fatalf("expected both accounts settled, got %d", len(res.Settled))
	}
	if !res.LiquidateeMargin.Eq(wad("77")) {
		t.Errorf("margin: got %s, want 77", res.LiquidateeMargin)
	}
	// escrow = 77 - (80 - 77)
	if !res.Receipt.EscrowedAmount.Eq(wad("74")) {
		t.Errorf("escrow: got %s, want 74", res.Receipt.EscrowedAmount)
	}
	if fx.ledger.Balance(alice).LastUpdatedIndex != 1 || fx.ledger.Balance(bob).LastUpdatedIndex != 1 {
		t.Error("both accounts should be at index 1")
	}
}

func TestLiquidate_EscrowZeroWhenDeeplyUnderwater(t *testing.T) {
	fx := newFixture(t)
	// margin 10, minimum 80: 10 - 70 < 0
	fx.seed(t, bob, "10", "-990")
	fx.seed(t, alice, "0", "1000")

	res := fx.liquidate(t, "10")
	if !res.Receipt.EscrowedAmount.IsZero() {
		t.Errorf("escrow: got %s, want 0", res.Receipt.EscrowedAmount)
	}
}
