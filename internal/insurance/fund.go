package insurance

import (
	"PerpSettle/internal/apperr"
	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidAmount          = apperr.New(apperr.KindValidation, "invalid_amount", "amount must be > 0")
	ErrInsufficientPoolTokens = apperr.New(apperr.KindSolvency, "insufficient_pool_tokens", "not enough pool tokens")
	ErrInsufficientPool       = apperr.New(apperr.KindSolvency, "insufficient_pool", "withdrawal exceeds available pool collateral")
	ErrNoWithdrawalPending    = apperr.New(apperr.KindPrecondition, "no_withdrawal_pending", "no withdrawal pending")
	ErrWithdrawalTooEarly     = apperr.New(apperr.KindPrecondition, "withdrawal_too_early", "withdrawal delay has not elapsed")
)

// Ledger is the part of the market ledger the fund reads and writes
type Ledger interface {
	ledger.Reader
	InsuranceAccount() common.Address
	MarketID() string
	ApplyBatch(b *ledger.Batch) error
}

// Custody moves the quote token between wallets and the protocol.
// Returned amounts are what actually moved after token-decimal truncation.
type Custody interface {
	TransferIn(addr common.Address, amount fpmath.Wad) (moved, dust fpmath.Wad, err error)
	TransferOut(addr common.Address, amount fpmath.Wad) (moved, dust fpmath.Wad, err error)
}

// State is a read-only copy of the fund counters
type State struct {
	MarketID                string     `json:"market_id"`
	PublicCollateral        fpmath.Wad `json:"public_collateral"`
	BufferCollateral        fpmath.Wad `json:"buffer_collateral"`
	PoolTokenSupply         fpmath.Wad `json:"pool_token_supply"`
	TotalPendingWithdrawals fpmath.Wad `json:"total_pending_withdrawals"`
	Holdings                fpmath.Wad `json:"holdings"`
	Target                  fpmath.Wad `json:"target"`
}

// Fund is the insurance pool of one market. Depositors hold pool tokens
// redeemable against PublicCollateral; fees accumulate in BufferCollateral,
// which also covers liquidation slippage.
// Not thread-safe: only accessed from the single-threaded processor.
type Fund struct {
	marketID string
	params   *state.Params
	ledger   Ledger
	custody  Custody

	public  fpmath.Wad
	buffer  fpmath.Wad
	supply  fpmath.Wad
	pending fpmath.Wad

	balances    map[common.Address]fpmath.Wad
	withdrawals map[common.Address]*PendingWithdrawal
}

func NewFund(params *state.Params, l Ledger, c Custody) *Fund {
	return &Fund{
		marketID:    params.MarketID,
		params:      params,
		ledger:      l,
		custody:     c,
		balances:    make(map[common.Address]fpmath.Wad),
		withdrawals: make(map[common.Address]*PendingWithdrawal),
	}
}

func (f *Fund) PublicCollateral() fpmath.Wad        { return f.public }
func (f *Fund) BufferCollateral() fpmath.Wad        { return f.buffer }
func (f *Fund) PoolTokenSupply() fpmath.Wad         { return f.supply }
func (f *Fund) TotalPendingWithdrawals() fpmath.Wad { return f.pending }

// Holdings is everything the pool owns outside the margin ledger
func (f *Fund) Holdings() fpmath.Wad {
	return f.public.Add(f.buffer)
}

// Target is the pool size the market's open leverage calls for
func (f *Fund) Target() fpmath.Wad {
	return f.ledger.LeveragedNotional().Mul(f.params.InsuranceTargetRatio)
}

// PoolTokenBalance is the unlocked pool tokens held by addr
func (f *Fund) PoolTokenBalance(addr common.Address) fpmath.Wad {
	return f.balances[addr]
}

// PendingWithdrawal returns the open delayed withdrawal of addr, if any.
// Expired records are returned until ScanDelayedWithdrawals drops them.
func (f *Fund) PendingWithdrawal(addr common.Address) (PendingWithdrawal, bool) {
	w, ok := f.withdrawals[addr]
	if !ok {
		return PendingWithdrawal{}, false
	}
	return *w, true
}

func (f *Fund) State() State {
	return State{
		MarketID:                f.marketID,
		PublicCollateral:        f.public,
		BufferCollateral:        f.buffer,
		PoolTokenSupply:         f.supply,
		TotalPendingWithdrawals: f.pending,
		Holdings:                f.Holdings(),
		Target:                  f.Target(),
	}
}

// Validate checks the fund counters: none negative, and pending delayed
// withdrawals covered by public collateral.
func (f *Fund) Validate() error {
	for _, c := range []struct {
		name  string
		value fpmath.Wad
	}{
		{"public collateral", f.public},
		{"buffer collateral", f.buffer},
		{"pool token supply", f.supply},
		{"pending withdrawals", f.pending},
	} {
		if c.value.IsNegative() {
			return fmt.Errorf("insurance fund %s: %s is negative: %s", f.marketID, c.name, c.value)
		}
	}
	if f.pending.Gt(f.public) {
		return fmt.Errorf("insurance fund %s: pending withdrawals %s exceed public collateral %s",
			f.marketID, f.pending, f.public)
	}
	return nil
}

// DepositResult describes a completed deposit
type DepositResult struct {
	Account    common.Address
	Amount     fpmath.Wad // Collateral actually received
	PoolTokens fpmath.Wad
}

// Deposit pulls amount from the account's wallet and mints pool tokens at
// the current public collateral per token, 1:1 when the pool is empty.
func (f *Fund) Deposit(now time.Time, addr common.Address, amount fpmath.Wad) (DepositResult, error) {
	res := DepositResult{Account: addr, Amount: fpmath.Zero(), PoolTokens: fpmath.Zero()}
	if amount.IsNegative() {
		return res, fmt.Errorf("%w: deposit %s", ErrInvalidAmount, amount)
	}
	if amount.IsZero() {
		return res, nil
	}

	moved, _, err := f.custody.TransferIn(addr, amount)
	if err != nil {
		return res, fmt.Errorf("deposit transfer: %w", err)
	}

	tokens := moved
	if !f.supply.IsZero() && !f.public.IsZero() {
		tokens = f.supply.MulDiv(moved, f.public)
	}

	f.public = f.public.Add(moved)
	f.supply = f.supply.Add(tokens)
	f.balances[addr] = f.balances[addr].Add(tokens)

	res.Amount = moved
	res.PoolTokens = tokens
	return res, nil
}

// WithdrawResult describes a completed immediate withdrawal
type WithdrawResult struct {
	Account    common.Address
	PoolTokens fpmath.Wad
	Collateral fpmath.Wad // Redemption value before fee
	Fee        fpmath.Wad
	Paid       fpmath.Wad // What custody sent after truncation
	Dust       fpmath.Wad
	Superseded *PendingWithdrawal
}

// Withdraw burns pool tokens for their share of public collateral minus the
// immediate fee. Any open delayed withdrawal of the account is cancelled
// first and its reservation released.
func (f *Fund) Withdraw(now time.Time, addr common.Address, poolTokens fpmath.Wad) (WithdrawResult, error) {
	res := WithdrawResult{Account: addr, PoolTokens: poolTokens}
	if !poolTokens.IsPositive() {
		return res, fmt.Errorf("%w: pool tokens %s", ErrInvalidAmount, poolTokens)
	}

	balance, pending, prior := f.withoutPending(addr)
	if balance.Lt(poolTokens) {
		return res, fmt.Errorf("%w: %s holds %s, wants %s",
			ErrInsufficientPoolTokens, addr.Hex(), balance, poolTokens)
	}

	collateral := poolTokens.MulDiv(f.public, f.supply)
	if collateral.Gt(f.public.Sub(pending)) {
		return res, fmt.Errorf("%w: collateral %s exceeds available %s",
			ErrInsufficientPool, collateral, f.public.Sub(pending))
	}

	fee, err := ImmediateWithdrawalFee(f.Target(), f.Holdings(), pending, collateral)
	if err != nil {
		return res, err
	}

	paid, dust, err := f.custody.TransferOut(addr, collateral.Sub(fee))
	if err != nil {
		return res, fmt.Errorf("withdraw transfer: %w", err)
	}

	if prior != nil {
		delete(f.withdrawals, addr)
	}
	f.pending = pending
	f.balances[addr] = balance.Sub(poolTokens)
	f.supply = f.supply.Sub(poolTokens)
	f.public = f.public.Sub(collateral)
	f.buffer = f.buffer.Add(fee).Add(dust)

	res.Collateral = collateral
	res.Fee = fee
	res.Paid = paid
	res.Dust = dust
	res.Superseded = prior
	return res, nil
}

// withoutPending returns the account's token balance and the fund's pending
// total as they would be with the account's open withdrawal cancelled.
func (f *Fund) withoutPending(addr common.Address) (fpmath.Wad, fpmath.Wad, *PendingWithdrawal) {
	balance := f.balances[addr]
	pending := f.pending

	w, ok := f.withdrawals[addr]
	if !ok {
		return balance, pending, nil
	}
	prior := *w
	return balance.Add(w.PoolTokens), pending.Sub(w.Amount), &prior
}

// DrainBuffer pays up to amount out of the buffer and returns what was paid
func (f *Fund) DrainBuffer(amount fpmath.Wad) fpmath.Wad {
	if !amount.IsPositive() {
		return fpmath.Zero()
	}
	paid := fpmath.Min(amount, f.buffer)
	f.buffer = f.buffer.Sub(paid)
	return paid
}

// SyncPoolAmount moves the positive quote of the insurance margin account
// into the buffer. Returns the amount moved.
func (f *Fund) SyncPoolAmount(ref string, now time.Time) (fpmath.Wad, error) {
	insurance := f.ledger.InsuranceAccount()
	quote := f.ledger.Balance(insurance).Quote
	if !quote.IsPositive() {
		return fpmath.Zero(), nil
	}

	b := ledger.NewBatch(f.ledger.MarketID(), ref, now)
	b.Add(ledger.Delta{Account: insurance, Type: ledger.DeltaTypePoolSync, Quote: quote.Neg()})
	if err := f.ledger.ApplyBatch(b); err != nil {
		return fpmath.Zero(), fmt.Errorf("pool sync: %w", err)
	}

	f.buffer = f.buffer.Add(quote)
	return quote, nil
}
