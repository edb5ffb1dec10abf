package insurance

import (
	fpmath "PerpSettle/internal/math"
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	WithdrawalDelay  = 6 * 24 * time.Hour
	WithdrawalExpiry = 15 * 24 * time.Hour
)

// PendingWithdrawal is a committed two-phase withdrawal. Amount is already
// net of the fee charged at commit time.
type PendingWithdrawal struct {
	ID         uint64         `json:"id"`
	Account    common.Address `json:"account"`
	PoolTokens fpmath.Wad     `json:"pool_tokens"`
	Collateral fpmath.Wad     `json:"collateral"`
	Amount     fpmath.Wad     `json:"amount"`
	Fee        fpmath.Wad     `json:"fee"`
	CommitTime time.Time      `json:"commit_time"`
}

// ExecutableAt is the first instant the withdrawal can be executed
func (w PendingWithdrawal) ExecutableAt() time.Time {
	return w.CommitTime.Add(WithdrawalDelay)
}

// ExpiresAt is the first instant the withdrawal no longer exists
func (w PendingWithdrawal) ExpiresAt() time.Time {
	return w.CommitTime.Add(WithdrawalExpiry)
}

func (w PendingWithdrawal) expired(now time.Time) bool {
	return !now.Before(w.ExpiresAt())
}

// CommitResult describes a new delayed withdrawal
type CommitResult struct {
	Withdrawal PendingWithdrawal
	Superseded *PendingWithdrawal
}

// CommitToDelayedWithdrawal locks pool tokens for a withdrawal executable
// after WithdrawalDelay. The delayed fee moves from public collateral to the
// buffer now and the net amount is reserved. A previous commit by the same
// account is cancelled first, so the fee is computed against the state
// without it.
func (f *Fund) CommitToDelayedWithdrawal(now time.Time, addr common.Address, poolTokens fpmath.Wad, id uint64) (CommitResult, error) {
	if !poolTokens.IsPositive() {
		return CommitResult{}, fmt.Errorf("%w: pool tokens %s", ErrInvalidAmount, poolTokens)
	}

	balance, pending, prior := f.withoutPending(addr)
	if balance.Lt(poolTokens) {
		return CommitResult{}, fmt.Errorf("%w: %s holds %s, wants %s",
			ErrInsufficientPoolTokens, addr.Hex(), balance, poolTokens)
	}

	collateral := poolTokens.MulDiv(f.public, f.supply)
	if collateral.Gt(f.public.Sub(pending)) {
		return CommitResult{}, fmt.Errorf("%w: collateral %s exceeds available %s",
			ErrInsufficientPool, collateral, f.public.Sub(pending))
	}

	fee, err := DelayedWithdrawalFee(f.Target(), f.Holdings(), pending, collateral)
	if err != nil {
		return CommitResult{}, err
	}
	net := collateral.Sub(fee)

	w := &PendingWithdrawal{
		ID:         id,
		Account:    addr,
		PoolTokens: poolTokens,
		Collateral: collateral,
		Amount:     net,
		Fee:        fee,
		CommitTime: now,
	}

	f.balances[addr] = balance.Sub(poolTokens)
	f.public = f.public.Sub(fee)
	f.buffer = f.buffer.Add(fee)
	f.pending = pending.Add(net)
	f.withdrawals[addr] = w

	return CommitResult{Withdrawal: *w, Superseded: prior}, nil
}

// ExecuteResult describes a paid-out delayed withdrawal
type ExecuteResult struct {
	Withdrawal PendingWithdrawal
	Paid       fpmath.Wad
	Dust       fpmath.Wad
}

// ExecuteDelayedWithdrawal pays out a committed withdrawal inside its
// [commit+WithdrawalDelay, commit+WithdrawalExpiry) window and burns the
// locked pool tokens. An expired record reads as absent.
func (f *Fund) ExecuteDelayedWithdrawal(now time.Time, addr common.Address, id uint64) (ExecuteResult, error) {
	w, ok := f.withdrawals[addr]
	if !ok || w.ID != id || w.expired(now) {
		return ExecuteResult{}, fmt.Errorf("%w: account %s id %d", ErrNoWithdrawalPending, addr.Hex(), id)
	}
	if now.Before(w.ExecutableAt()) {
		return ExecuteResult{}, fmt.Errorf("%w: executable at %s", ErrWithdrawalTooEarly, w.ExecutableAt().UTC())
	}

	paid, dust, err := f.custody.TransferOut(addr, w.Amount)
	if err != nil {
		return ExecuteResult{}, fmt.Errorf("withdraw transfer: %w", err)
	}

	delete(f.withdrawals, addr)
	f.pending = f.pending.Sub(w.Amount)
	f.public = f.public.Sub(w.Amount)
	f.buffer = f.buffer.Add(dust)
	f.supply = f.supply.Sub(w.PoolTokens)

	return ExecuteResult{Withdrawal: *w, Paid: paid, Dust: dust}, nil
}

// ScanDelayedWithdrawals drops every expired withdrawal, releasing its
// reservation and returning its locked tokens. The commit fee is not
// refunded. Results are in address order.
func (f *Fund) ScanDelayedWithdrawals(now time.Time) []PendingWithdrawal {
	var expired []PendingWithdrawal
	for _, w := range f.withdrawals {
		if w.expired(now) {
			expired = append(expired, *w)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return bytes.Compare(expired[i].Account[:], expired[j].Account[:]) < 0
	})

	for _, w := range expired {
		delete(f.withdrawals, w.Account)
		f.pending = f.pending.Sub(w.Amount)
		f.balances[w.Account] = f.balances[w.Account].Add(w.PoolTokens)
	}
	return expired
}

// PendingWithdrawals returns every open record in address order
func (f *Fund) PendingWithdrawals() []PendingWithdrawal {
	out := make([]PendingWithdrawal, 0, len(f.withdrawals))
	for _, w := range f.withdrawals {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Account[:], out[j].Account[:]) < 0
	})
	return out
}
