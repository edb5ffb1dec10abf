package insurance_test

import (
	"PerpSettle/internal/custody"
	"PerpSettle/internal/insurance"
	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	insuranceAddr = common.HexToAddress("0x00000000000000000000000000000000000000ff")
	alice         = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	bob           = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	trader        = common.HexToAddress("0x0000000000000000000000000000000000007777")

	t0 = time.Unix(1_700_000_000, 0)
)

func wad(s string) fpmath.Wad { return fpmath.MustParse(s) }

type fixture struct {
	ledger *ledger.Ledger
	vault  *custody.Vault
	fund   *insurance.Fund
}

// newFixture builds a fund whose target is leveragedNotional * 1%
func newFixture(t *testing.T, leveragedNotional string, decimals uint8) *fixture {
	t.Helper()

	l := ledger.NewLedger("ETH-USD", insuranceAddr)
	if leveragedNotional != "0" {
		b := ledger.NewBatch("ETH-USD", "seed-leverage", t0)
		b.Add(ledger.Delta{Account: trader, Type: ledger.DeltaTypeLeverageUpdate, Leveraged: wad(leveragedNotional)})
		if err := l.ApplyBatch(b); err != nil {
			t.Fatalf("seed leverage: %v", err)
		}
	}

	params := state.DefaultParams("ETH-USD")
	params.TokenDecimals = decimals
	v := custody.NewVault(decimals)
	_ = v.Credit(alice, wad("1000"))
	_ = v.Credit(bob, wad("1000"))

	return &fixture{ledger: l, vault: v, fund: insurance.NewFund(params, l, v)}
}

func (fx *fixture) deposit(t *testing.T, addr common.Address, amount string) insurance.DepositResult {
	t.Helper()
	res, err := fx.fund.Deposit(t0, addr, wad(amount))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	return res
}

// ============================================================================
// Test: Fee curve
// ============================================================================

func TestWithdrawalFees(t *testing.T) {
	tests := []struct {
		name                              string
		target, holdings, pending, amount string
		wantDelayed, wantImmediate        string
	}{
		{"reference", "100", "90", "20", "15", "0.6075", "3.0375"},
		{"zero target", "0", "90", "20", "15", "0", "0"},
		{"zero amount", "100", "90", "20", "0", "0", "0"},
		{"healthy pool", "10", "100", "0", "5", "0", "0"},
		{"drains pool", "100", "50", "0", "50", "10", "50"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delayed, err := insurance.DelayedWithdrawalFee(wad(tt.target), wad(tt.holdings), wad(tt.pending), wad(tt.amount))
			if err != nil {
				t.Fatalf("delayed: %v", err)
			}
			immediate, err := insurance.ImmediateWithdrawalFee(wad(tt.target), wad(tt.holdings), wad(tt.pending), wad(tt.amount))
			if err != nil {
				t.Fatalf("immediate: %v", err)
			}

			if !delayed.Eq(wad(tt.wantDelayed)) {
				t.Errorf("delayed: got %s, want %s", delayed, tt.wantDelayed)
			}
			if !immediate.Eq(wad(tt.wantImmediate)) {
				t.Errorf("immediate: got %s, want %s", immediate, tt.wantImmediate)
			}
		})
	}
}

func TestWithdrawalFees_OverWithdrawal(t *testing.T) {
	_, err := insurance.ImmediateWithdrawalFee(wad("100"), wad("90"), wad("20"), wad("80"))
	if !errors.Is(err, insurance.ErrInsufficientPool) {
		t.Errorf("immediate: expected ErrInsufficientPool, got %v", err)
	}
	_, err = insurance.DelayedWithdrawalFee(wad("100"), wad("90"), wad("20"), wad("80"))
	if !errors.Is(err, insurance.ErrInsufficientPool) {
		t.Errorf("delayed: expected ErrInsufficientPool, got %v", err)
	}
}

// ============================================================================
// Test: Deposit / Withdraw
// ============================================================================

func TestDeposit_MintsShares(t *testing.T) {
	fx := newFixture(t, "0", 18)

	first := fx.deposit(t, alice, "100")
	if !first.PoolTokens.Eq(wad("100")) {
		t.Errorf("first deposit: got %s tokens, want 100", first.PoolTokens)
	}

	second := fx.deposit(t, bob, "50")
	if !second.PoolTokens.Eq(wad("50")) {
		t.Errorf("second deposit: got %s tokens, want 50", second.PoolTokens)
	}

	if !fx.fund.PoolTokenSupply().Eq(wad("150")) || !fx.fund.PublicCollateral().Eq(wad("150")) {
		t.Errorf("supply=%s public=%s", fx.fund.PoolTokenSupply(), fx.fund.PublicCollateral())
	}
	if !fx.vault.Held().Eq(wad("150")) {
		t.Errorf("custody held: got %s", fx.vault.Held())
	}
}

func TestDeposit_ZeroIsNoop(t *testing.T) {
	fx := newFixture(t, "0", 18)

	res := fx.deposit(t, alice, "0")
	if !res.PoolTokens.IsZero() || !fx.fund.PoolTokenSupply().IsZero() {
		t.Error("zero deposit should mint nothing")
	}
}

func TestDeposit_InsufficientWalletNoMutation(t *testing.T) {
	fx := newFixture(t, "0", 18)

	_, err := fx.fund.Deposit(t0, alice, wad("1001"))
	if !errors.Is(err, custody.ErrInsufficientWallet) {
		t.Fatalf("expected ErrInsufficientWallet, got %v", err)
	}
	if !fx.fund.PublicCollateral().IsZero() || !fx.fund.PoolTokenBalance(alice).IsZero() {
		t.Error("failed deposit must not change the fund")
	}
}

func TestDepositWithdraw_RoundTrip(t *testing.T) {
	fx := newFixture(t, "0", 18)
	fx.deposit(t, alice, "100")

	res, err := fx.fund.Withdraw(t0, alice, wad("100"))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	if !res.Fee.IsZero() || !res.Paid.Eq(wad("100")) {
		t.Errorf("fee=%s paid=%s", res.Fee, res.Paid)
	}
	if !fx.vault.WalletBalance(alice).Eq(wad("1000")) {
		t.Errorf("wallet: got %s", fx.vault.WalletBalance(alice))
	}
	if !fx.fund.Holdings().IsZero() || !fx.fund.PoolTokenSupply().IsZero() {
		t.Errorf("holdings=%s supply=%s", fx.fund.Holdings(), fx.fund.PoolTokenSupply())
	}
}

func TestDepositWithdraw_FeeVanishesAsPoolHeals(t *testing.T) {
	// target 100; alice's 10 comes back out on top of bob's depth
	tests := []struct {
		depth, wantFee string
	}{
		{"20", "6.4"},
		{"50", "2.5"},
		{"90", "0.1"},
		{"99", "0.001"},
		{"100", "0"},
		{"150", "0"},
	}

	prev := wad("10")
	for _, tt := range tests {
		t.Run("depth "+tt.depth, func(t *testing.T) {
			fx := newFixture(t, "10000", 18)
			fx.deposit(t, bob, tt.depth)
			fx.deposit(t, alice, "10")

			res, err := fx.fund.Withdraw(t0, alice, wad("10"))
			if err != nil {
				t.Fatalf("withdraw: %v", err)
			}
			if !res.Fee.Eq(wad(tt.wantFee)) {
				t.Errorf("fee: got %s, want %s", res.Fee, tt.wantFee)
			}
			if !res.Paid.Add(res.Fee).Eq(wad("10")) {
				t.Errorf("paid %s + fee %s should return the deposit", res.Paid, res.Fee)
			}
			if res.Fee.Gt(prev) {
				t.Errorf("fee %s grew from %s as the pool healed", res.Fee, prev)
			}
			prev = res.Fee
		})
	}
}

func TestWithdraw_ChargesImmediateFee(t *testing.T) {
	fx := newFixture(t, "10000", 18) // target 100
	fx.deposit(t, alice, "90")

	res, err := fx.fund.Withdraw(t0, alice, wad("15"))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	// ratioAfter = 75/100, fee = 0.25^2 * 15
	if !res.Fee.Eq(wad("0.9375")) || !res.Paid.Eq(wad("14.0625")) {
		t.Errorf("fee=%s paid=%s", res.Fee, res.Paid)
	}
	if !fx.fund.PublicCollateral().Eq(wad("75")) || !fx.fund.BufferCollateral().Eq(wad("0.9375")) {
		t.Errorf("public=%s buffer=%s", fx.fund.PublicCollateral(), fx.fund.BufferCollateral())
	}
	if !fx.fund.PoolTokenBalance(alice).Eq(wad("75")) {
		t.Errorf("tokens: got %s", fx.fund.PoolTokenBalance(alice))
	}
}

func TestWithdraw_InsufficientTokens(t *testing.T) {
	fx := newFixture(t, "0", 18)
	fx.deposit(t, alice, "10")

	if _, err := fx.fund.Withdraw(t0, alice, wad("11")); !errors.Is(err, insurance.ErrInsufficientPoolTokens) {
		t.Errorf("expected ErrInsufficientPoolTokens, got %v", err)
	}
	if _, err := fx.fund.Withdraw(t0, bob, wad("1")); !errors.Is(err, insurance.ErrInsufficientPoolTokens) {
		t.Errorf("expected ErrInsufficientPoolTokens for non-holder, got %v", err)
	}
	if _, err := fx.fund.Withdraw(t0, alice, fpmath.Zero()); !errors.Is(err, insurance.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestWithdraw_DustGoesToBuffer(t *testing.T) {
	fx := newFixture(t, "30000", 6) // target 300
	fx.deposit(t, alice, "90")

	res, err := fx.fund.Withdraw(t0, alice, wad("10"))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	if !res.Dust.IsPositive() {
		t.Fatalf("expected dust, got %s", res.Dust)
	}
	if !res.Paid.Add(res.Dust).Eq(res.Collateral.Sub(res.Fee)) {
		t.Errorf("paid %s + dust %s != net %s", res.Paid, res.Dust, res.Collateral.Sub(res.Fee))
	}
	if !fx.fund.BufferCollateral().Eq(res.Fee.Add(res.Dust)) {
		t.Errorf("buffer: got %s", fx.fund.BufferCollateral())
	}
	if !fx.fund.Holdings().Eq(wad("90").Sub(res.Paid)) {
		t.Errorf("holdings %s should fall by exactly what custody paid", fx.fund.Holdings())
	}
	if !fx.fund.Holdings().Eq(fx.vault.Held()) {
		t.Errorf("holdings %s != custody %s", fx.fund.Holdings(), fx.vault.Held())
	}
}

// ============================================================================
// Test: Delayed withdrawals
// ============================================================================

func TestDelayedWithdrawal_CommitAndExecute(t *testing.T) {
	fx := newFixture(t, "10000", 18) // target 100
	fx.deposit(t, alice, "90")

	commit, err := fx.fund.CommitToDelayedWithdrawal(t0, alice, wad("15"), 1)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	// ratioAfter = 75/100, fee = 0.2 * 0.25^2 * 15
	w := commit.Withdrawal
	if !w.Fee.Eq(wad("0.1875")) || !w.Amount.Eq(wad("14.8125")) {
		t.Errorf("fee=%s amount=%s", w.Fee, w.Amount)
	}
	if commit.Superseded != nil {
		t.Error("first commit supersedes nothing")
	}
	if !fx.fund.TotalPendingWithdrawals().Eq(wad("14.8125")) {
		t.Errorf("pending: got %s", fx.fund.TotalPendingWithdrawals())
	}
	if !fx.fund.PublicCollateral().Eq(wad("89.8125")) || !fx.fund.BufferCollateral().Eq(wad("0.1875")) {
		t.Errorf("public=%s buffer=%s", fx.fund.PublicCollateral(), fx.fund.BufferCollateral())
	}
	if !fx.fund.PoolTokenBalance(alice).Eq(wad("75")) {
		t.Errorf("unlocked tokens: got %s", fx.fund.PoolTokenBalance(alice))
	}

	early := t0.Add(insurance.WithdrawalDelay - time.Second)
	if _, err := fx.fund.ExecuteDelayedWithdrawal(early, alice, 1); !errors.Is(err, insurance.ErrWithdrawalTooEarly) {
		t.Fatalf("expected ErrWithdrawalTooEarly, got %v", err)
	}

	ready := t0.Add(insurance.WithdrawalDelay)
	if _, err := fx.fund.ExecuteDelayedWithdrawal(ready, alice, 2); !errors.Is(err, insurance.ErrNoWithdrawalPending) {
		t.Fatalf("wrong id: expected ErrNoWithdrawalPending, got %v", err)
	}

	exec, err := fx.fund.ExecuteDelayedWithdrawal(ready, alice, 1)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !exec.Paid.Eq(wad("14.8125")) {
		t.Errorf("paid: got %s", exec.Paid)
	}
	if !fx.fund.TotalPendingWithdrawals().IsZero() {
		t.Errorf("pending: got %s", fx.fund.TotalPendingWithdrawals())
	}
	if !fx.fund.PublicCollateral().Eq(wad("75")) || !fx.fund.PoolTokenSupply().Eq(wad("75")) {
		t.Errorf("public=%s supply=%s", fx.fund.PublicCollateral(), fx.fund.PoolTokenSupply())
	}
	if _, ok := fx.fund.PendingWithdrawal(alice); ok {
		t.Error("record should be cleared")
	}
}

func TestDelayedWithdrawal_Supersede(t *testing.T) {
	fx := newFixture(t, "10000", 18)
	fx.deposit(t, alice, "90")

	if _, err := fx.fund.CommitToDelayedWithdrawal(t0, alice, wad("15"), 1); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	second, err := fx.fund.CommitToDelayedWithdrawal(t0.Add(time.Hour), alice, wad("10"), 2)
	if err != nil {
		t.Fatalf("second commit: %v", err)
	}

	if second.Superseded == nil || second.Superseded.ID != 1 {
		t.Fatalf("expected commit 1 superseded, got %+v", second.Superseded)
	}
	if !fx.fund.TotalPendingWithdrawals().Eq(second.Withdrawal.Amount) {
		t.Errorf("pending %s should only hold the new commit %s",
			fx.fund.TotalPendingWithdrawals(), second.Withdrawal.Amount)
	}
	if !fx.fund.PoolTokenBalance(alice).Eq(wad("80")) {
		t.Errorf("unlocked tokens: got %s, want 80", fx.fund.PoolTokenBalance(alice))
	}
	// The first commit's fee is not refunded
	if !fx.fund.BufferCollateral().Eq(wad("0.1875").Add(second.Withdrawal.Fee)) {
		t.Errorf("buffer: got %s", fx.fund.BufferCollateral())
	}
}

func TestDelayedWithdrawal_Expiry(t *testing.T) {
	fx := newFixture(t, "10000", 18)
	fx.deposit(t, alice, "90")
	if _, err := fx.fund.CommitToDelayedWithdrawal(t0, alice, wad("15"), 1); err != nil {
		t.Fatalf("commit: %v", err)
	}
	pendingBefore := fx.fund.TotalPendingWithdrawals()

	expired := t0.Add(insurance.WithdrawalExpiry)
	if _, err := fx.fund.ExecuteDelayedWithdrawal(expired, alice, 1); !errors.Is(err, insurance.ErrNoWithdrawalPending) {
		t.Fatalf("expected ErrNoWithdrawalPending, got %v", err)
	}
	if !fx.fund.TotalPendingWithdrawals().Eq(pendingBefore) {
		t.Error("rejected execute must not mutate")
	}

	if got := fx.fund.ScanDelayedWithdrawals(expired.Add(-time.Second)); len(got) != 0 {
		t.Fatalf("scan before expiry dropped %d", len(got))
	}

	dropped := fx.fund.ScanDelayedWithdrawals(expired)
	if len(dropped) != 1 || dropped[0].Account != alice {
		t.Fatalf("expected alice dropped, got %+v", dropped)
	}
	if !fx.fund.TotalPendingWithdrawals().IsZero() {
		t.Errorf("pending: got %s", fx.fund.TotalPendingWithdrawals())
	}
	if !fx.fund.PoolTokenBalance(alice).Eq(wad("90")) {
		t.Errorf("tokens: got %s", fx.fund.PoolTokenBalance(alice))
	}
	if !fx.fund.BufferCollateral().Eq(wad("0.1875")) {
		t.Errorf("commit fee should stay in buffer, got %s", fx.fund.BufferCollateral())
	}
}

func TestWithdraw_CancelsPendingWithdrawal(t *testing.T) {
	fx := newFixture(t, "0", 18)
	fx.deposit(t, alice, "90")
	if _, err := fx.fund.CommitToDelayedWithdrawal(t0, alice, wad("15"), 1); err != nil {
		t.Fatalf("commit: %v", err)
	}

	res, err := fx.fund.Withdraw(t0, alice, wad("90"))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if res.Superseded == nil || res.Superseded.ID != 1 {
		t.Error("withdraw should cancel the pending commit")
	}
	if !fx.fund.TotalPendingWithdrawals().IsZero() || !fx.fund.PoolTokenSupply().IsZero() {
		t.Errorf("pending=%s supply=%s", fx.fund.TotalPendingWithdrawals(), fx.fund.PoolTokenSupply())
	}
	if _, ok := fx.fund.PendingWithdrawal(alice); ok {
		t.Error("record should be gone")
	}
}

func TestPendingNeverExceedsPublic(t *testing.T) {
	fx := newFixture(t, "10000", 18)
	fx.deposit(t, alice, "60")
	fx.deposit(t, bob, "40")

	if _, err := fx.fund.CommitToDelayedWithdrawal(t0, alice, wad("60"), 1); err != nil {
		t.Fatalf("alice commit: %v", err)
	}
	if _, err := fx.fund.CommitToDelayedWithdrawal(t0, bob, wad("40"), 1); err != nil {
		t.Fatalf("bob commit: %v", err)
	}

	if fx.fund.TotalPendingWithdrawals().Gt(fx.fund.PublicCollateral()) {
		t.Errorf("pending %s > public %s", fx.fund.TotalPendingWithdrawals(), fx.fund.PublicCollateral())
	}
	if err := fx.fund.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}

	ready := t0.Add(insurance.WithdrawalDelay)
	if _, err := fx.fund.ExecuteDelayedWithdrawal(ready, alice, 1); err != nil {
		t.Fatalf("alice execute: %v", err)
	}
	if err := fx.fund.Validate(); err != nil {
		t.Errorf("validate after execute: %v", err)
	}
}

// ============================================================================
// Test: Buffer
// ============================================================================

func TestDrainBuffer_Clamps(t *testing.T) {
	fx := newFixture(t, "10000", 18)
	fx.deposit(t, alice, "90")
	_, _ = fx.fund.Withdraw(t0, alice, wad("15")) // buffer 0.9375

	if paid := fx.fund.DrainBuffer(wad("0.5")); !paid.Eq(wad("0.5")) {
		t.Errorf("partial drain: got %s", paid)
	}
	if paid := fx.fund.DrainBuffer(wad("10")); !paid.Eq(wad("0.4375")) {
		t.Errorf("clamped drain: got %s", paid)
	}
	if !fx.fund.BufferCollateral().IsZero() {
		t.Errorf("buffer: got %s", fx.fund.BufferCollateral())
	}
	if paid := fx.fund.DrainBuffer(wad("1")); !paid.IsZero() {
		t.Errorf("empty buffer paid %s", paid)
	}
	if err := fx.fund.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestSyncPoolAmount(t *testing.T) {
	fx := newFixture(t, "0", 18)
	if err := fx.ledger.ApplyDelta(insuranceAddr, wad("5"), fpmath.Zero()); err != nil {
		t.Fatalf("seed: %v", err)
	}

	moved, err := fx.fund.SyncPoolAmount("sync-1", t0)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !moved.Eq(wad("5")) || !fx.fund.BufferCollateral().Eq(wad("5")) {
		t.Errorf("moved=%s buffer=%s", moved, fx.fund.BufferCollateral())
	}
	if !fx.ledger.Balance(insuranceAddr).Quote.IsZero() {
		t.Errorf("insurance quote: got %s", fx.ledger.Balance(insuranceAddr).Quote)
	}

	moved, err = fx.fund.SyncPoolAmount("sync-2", t0)
	if err != nil || !moved.IsZero() {
		t.Errorf("second sync: moved=%s err=%v", moved, err)
	}
}

func TestFund_Target(t *testing.T) {
	fx := newFixture(t, "25000", 18)
	if !fx.fund.Target().Eq(wad("250")) {
		t.Errorf("target: got %s, want 250", fx.fund.Target())
	}
}
