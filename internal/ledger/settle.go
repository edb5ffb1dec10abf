package ledger

import (
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// FundingSource supplies the cumulative funding history of a market
type FundingSource interface {
	CurrentFundingIndex() int64
	FundingRate(index int64) state.FundingRateInstant
	InsuranceFundingRate(index int64) state.FundingRateInstant
}

// SettleResult describes what a settlement moved
type SettleResult struct {
	Account       common.Address
	FromIndex     int64
	ToIndex       int64
	FundingPaid   fpmath.Wad // Positive: account paid
	InsurancePaid fpmath.Wad
	Changed       bool
}

// PlanSettle stages the funding settlement of addr into b, reading the
// account from r. Settling an account already at the current index stages
// nothing; the recorded gas price only moves with the index.
//
// Funding owed is (global cumulative - account cumulative) * base. The
// insurance premium accrues on TotalLeveragedValue and moves to the
// insurance account; it is never charged to the insurance account itself.
func PlanSettle(r Reader, b *Batch, addr, insurance common.Address, funding FundingSource, gasPrice fpmath.Wad) SettleResult {
	acct := r.Balance(addr)
	current := funding.CurrentFundingIndex()

	res := SettleResult{
		Account:       addr,
		FromIndex:     acct.LastUpdatedIndex,
		ToIndex:       acct.LastUpdatedIndex,
		FundingPaid:   fpmath.Zero(),
		InsurancePaid: fpmath.Zero(),
	}

	if acct.LastUpdatedIndex >= current {
		return res
	}
	toIndex := current

	if !acct.IsFlat() {
		global := funding.FundingRate(current)
		user := funding.FundingRate(acct.LastUpdatedIndex)
		res.FundingPaid = state.FundingOwed(acct.Base, user.CumulativeFundingRate, global.CumulativeFundingRate)

		b.Add(Delta{
			Account: addr,
			Type:    DeltaTypeFunding,
			Quote:   res.FundingPaid.Neg(),
		})
	}

	if addr != insurance {
		insGlobal := funding.InsuranceFundingRate(current)
		insUser := funding.InsuranceFundingRate(acct.LastUpdatedIndex)
		res.InsurancePaid = state.InsuranceFundingOwed(
			acct.TotalLeveragedValue, insUser.CumulativeFundingRate, insGlobal.CumulativeFundingRate)

		if res.InsurancePaid.IsPositive() {
			b.Add(Delta{Account: addr, Type: DeltaTypeInsuranceFunding, Quote: res.InsurancePaid.Neg()})
			b.Add(Delta{Account: insurance, Type: DeltaTypeInsuranceFunding, Quote: res.InsurancePaid})
		}
	}

	b.Add(Delta{
		Account: addr,
		Type:    DeltaTypeIndexSync,
		Sync:    &IndexSync{FundingIndex: toIndex, GasPrice: gasPrice},
	})

	res.ToIndex = toIndex
	res.Changed = true
	return res
}

// Settle applies PlanSettle to the ledger immediately
func (l *Ledger) Settle(addr common.Address, funding FundingSource, gasPrice fpmath.Wad, ref string, ts time.Time) (SettleResult, error) {
	b := NewBatch(l.marketID, ref, ts)

	res := PlanSettle(l, b, addr, l.insurance, funding, gasPrice)
	if !res.Changed {
		return res, nil
	}
	if err := l.ApplyBatch(b); err != nil {
		return SettleResult{}, err
	}
	return res, nil
}

// PlanLeverage stages the change that brings the account's recorded
// leveraged value to its value for the given position and price.
func PlanLeverage(r Reader, b *Batch, addr common.Address, p state.Position, price fpmath.Wad) fpmath.Wad {
	current := r.Balance(addr).TotalLeveragedValue
	next := state.LeveragedNotionalValue(p, price)
	b.Add(Delta{Account: addr, Type: DeltaTypeLeverageUpdate, Leveraged: next.Sub(current)})
	return next
}

// PlanSettleAll stages the settlement of each address in turn, each reading
// the state left by the previous one, and returns the staged view.
func (l *Ledger) PlanSettleAll(b *Batch, funding FundingSource, gasPrice fpmath.Wad, addrs ...common.Address) ([]SettleResult, Reader, error) {
	var settled []SettleResult

	var v Reader = l
	for _, addr := range addrs {
		res := PlanSettle(v, b, addr, l.insurance, funding, gasPrice)
		if res.Changed {
			settled = append(settled, res)
		}

		staged, err := l.Stage(b)
		if err != nil {
			return nil, nil, fmt.Errorf("settle %s: %w", addr.Hex(), err)
		}
		v = staged
	}
	return settled, v, nil
}
