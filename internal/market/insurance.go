package market

import (
	"PerpSettle/internal/event"
	fpmath "PerpSettle/internal/math"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DepositInsurance mints pool tokens for collateral from the account's wallet
func (m *Market) DepositInsurance(now time.Time, addr common.Address, amount fpmath.Wad) ([]event.Event, error) {
	res, err := m.fund.Deposit(now, addr, amount)
	if err != nil {
		return nil, err
	}
	if res.PoolTokens.IsZero() {
		return nil, nil
	}
	return []event.Event{&event.InsuranceDeposit{
		Market:     m.id,
		Account:    addr,
		Amount:     res.Amount,
		PoolTokens: res.PoolTokens,
	}}, nil
}

// WithdrawInsurance redeems pool tokens immediately at the steeper fee
func (m *Market) WithdrawInsurance(now time.Time, addr common.Address, poolTokens fpmath.Wad) ([]event.Event, error) {
	res, err := m.fund.Withdraw(now, addr, poolTokens)
	if err != nil {
		return nil, err
	}
	return []event.Event{&event.InsuranceWithdraw{
		Market:     m.id,
		Account:    addr,
		PoolTokens: res.PoolTokens,
		Collateral: res.Collateral,
		Fee:        res.Fee,
		Paid:       res.Paid,
	}}, nil
}

// CommitToDelayedWithdrawal reserves a withdrawal at the delayed fee
func (m *Market) CommitToDelayedWithdrawal(now time.Time, addr common.Address, poolTokens fpmath.Wad, id uint64) ([]event.Event, error) {
	res, err := m.fund.CommitToDelayedWithdrawal(now, addr, poolTokens, id)
	if err != nil {
		return nil, err
	}

	w := res.Withdrawal
	ev := &event.WithdrawalCommitted{
		Market:       m.id,
		Account:      addr,
		WithdrawalID: w.ID,
		PoolTokens:   w.PoolTokens,
		Amount:       w.Amount,
		Fee:          w.Fee,
		ExecutableAt: w.ExecutableAt(),
		ExpiresAt:    w.ExpiresAt(),
	}
	if res.Superseded != nil {
		prior := res.Superseded.ID
		ev.Superseded = &prior
	}
	return []event.Event{ev}, nil
}

// ExecuteDelayedWithdrawal pays out a matured withdrawal
func (m *Market) ExecuteDelayedWithdrawal(now time.Time, addr common.Address, id uint64) ([]event.Event, error) {
	res, err := m.fund.ExecuteDelayedWithdrawal(now, addr, id)
	if err != nil {
		return nil, err
	}
	return []event.Event{&event.WithdrawalExecuted{
		Market:       m.id,
		Account:      addr,
		WithdrawalID: id,
		Paid:         res.Paid,
	}}, nil
}

// ScanDelayedWithdrawals drops expired withdrawals
func (m *Market) ScanDelayedWithdrawals(now time.Time) ([]event.Event, error) {
	expired := m.fund.ScanDelayedWithdrawals(now)
	events := make([]event.Event, 0, len(expired))
	for _, w := range expired {
		events = append(events, &event.WithdrawalExpired{
			Market:       m.id,
			Account:      w.Account,
			WithdrawalID: w.ID,
			Amount:       w.Amount,
		})
	}
	return events, nil
}

// SyncPool moves the insurance margin account's surplus into the buffer
func (m *Market) SyncPool(ref string, now time.Time) ([]event.Event, error) {
	moved, err := m.fund.SyncPoolAmount(ref, now)
	if err != nil {
		return nil, err
	}
	if moved.IsZero() {
		return nil, nil
	}
	return []event.Event{&event.PoolSynced{Market: m.id, Amount: moved}}, nil
}
