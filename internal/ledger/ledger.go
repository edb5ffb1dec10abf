package ledger

import (
	"PerpSettle/internal/apperr"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNegativeLeverage   = apperr.New(apperr.KindSolvency, "negative_leverage", "leveraged value would go negative")
	ErrInsuranceOverdrawn = apperr.New(apperr.KindSolvency, "insurance_overdrawn", "insurance account quote would go negative")
	ErrIndexRegression    = apperr.New(apperr.KindValidation, "index_regression", "funding index would move backwards")
)

// Reader is the read side shared by Ledger and View
type Reader interface {
	Balance(addr common.Address) state.Account
	LeveragedNotional() fpmath.Wad
}

// Ledger holds the margin accounts of one market.
// Not thread-safe: only accessed from the single-threaded processor.
type Ledger struct {
	marketID          string
	insurance         common.Address
	accounts          map[common.Address]*state.Account
	leveragedNotional fpmath.Wad

	applied     []*Batch // Applied since the last DrainJournal
	adjustments int64
}

func NewLedger(marketID string, insurance common.Address) *Ledger {
	return &Ledger{
		marketID:  marketID,
		insurance: insurance,
		accounts:  make(map[common.Address]*state.Account),
	}
}

func (l *Ledger) MarketID() string { return l.marketID }

// InsuranceAccount is the margin account owned by the insurance pool
func (l *Ledger) InsuranceAccount() common.Address { return l.insurance }

// Balance returns a copy of the account. Unknown addresses read as empty.
func (l *Ledger) Balance(addr common.Address) state.Account {
	if acct, ok := l.accounts[addr]; ok {
		return *acct
	}
	return state.Account{}
}

// LeveragedNotional is the market-wide sum of TotalLeveragedValue
func (l *Ledger) LeveragedNotional() fpmath.Wad {
	return l.leveragedNotional
}

// Accounts returns every known address in byte order
func (l *Ledger) Accounts() []common.Address {
	out := make([]common.Address, 0, len(l.accounts))
	for addr := range l.accounts {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}

// Preview applies the batch to a scratch view without touching the ledger.
func (l *Ledger) Preview(b *Batch) (*View, error) {
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("invalid batch: %w", err)
	}

	v := newView(l)
	for _, d := range b.Deltas {
		if err := v.apply(d); err != nil {
			return nil, err
		}
	}
	if err := v.check(); err != nil {
		return nil, err
	}
	return v, nil
}

// Stage is Preview for batches still being built: an empty batch reads
// through to the ledger itself.
func (l *Ledger) Stage(b *Batch) (Reader, error) {
	if len(b.Deltas) == 0 {
		return l, nil
	}
	return l.Preview(b)
}

// ApplyBatch validates every delta and the resulting account constraints,
// then commits all of them or none.
func (l *Ledger) ApplyBatch(b *Batch) error {
	v, err := l.Preview(b)
	if err != nil {
		return err
	}
	l.commit(v)
	l.applied = append(l.applied, b)
	return nil
}

// ApplyDelta applies a single adjustment outside any command batch
func (l *Ledger) ApplyDelta(addr common.Address, quote, base fpmath.Wad) error {
	l.adjustments++
	b := NewBatch(l.marketID, fmt.Sprintf("adjustment:%d", l.adjustments), time.Unix(0, 0))
	b.Add(Delta{Account: addr, Type: DeltaTypeAdjustment, Quote: quote, Base: base})
	if len(b.Deltas) == 0 {
		return nil
	}
	return l.ApplyBatch(b)
}

// DrainJournal returns and clears the batches applied since the last call
func (l *Ledger) DrainJournal() []*Batch {
	out := l.applied
	l.applied = nil
	return out
}

func (l *Ledger) commit(v *View) {
	for addr, acct := range v.accounts {
		a := acct
		l.accounts[addr] = &a
	}
	l.leveragedNotional = v.leveragedNotional
}

// View is a ledger with a batch staged on top
type View struct {
	base              *Ledger
	accounts          map[common.Address]state.Account
	leveragedNotional fpmath.Wad
}

func newView(l *Ledger) *View {
	return &View{
		base:              l,
		accounts:          make(map[common.Address]state.Account),
		leveragedNotional: l.leveragedNotional,
	}
}

func (v *View) Balance(addr common.Address) state.Account {
	if acct, ok := v.accounts[addr]; ok {
		return acct
	}
	return v.base.Balance(addr)
}

func (v *View) LeveragedNotional() fpmath.Wad {
	return v.leveragedNotional
}

func (v *View) apply(d Delta) error {
	acct := v.Balance(d.Account)

	acct.Base = acct.Base.Add(d.Base)
	acct.Quote = acct.Quote.Add(d.Quote)
	acct.TotalLeveragedValue = acct.TotalLeveragedValue.Add(d.Leveraged)

	if d.Sync != nil {
		if d.Sync.FundingIndex < acct.LastUpdatedIndex {
			return fmt.Errorf("%w: account %s from %d to %d",
				ErrIndexRegression, d.Account.Hex(), acct.LastUpdatedIndex, d.Sync.FundingIndex)
		}
		acct.LastUpdatedIndex = d.Sync.FundingIndex
		acct.LastUpdatedGasPrice = d.Sync.GasPrice
	}

	v.accounts[d.Account] = acct
	v.leveragedNotional = v.leveragedNotional.Add(d.Leveraged)
	return nil
}

// check enforces the account constraints on the final staged state
func (v *View) check() error {
	v.leveragedNotional = fpmath.Max(fpmath.Zero(), v.leveragedNotional)
	for addr, acct := range v.accounts {
		if acct.TotalLeveragedValue.IsNegative() {
			return fmt.Errorf("%w: account %s", ErrNegativeLeverage, addr.Hex())
		}
		if addr == v.base.insurance && acct.Quote.IsNegative() {
			return fmt.Errorf("%w: %s", ErrInsuranceOverdrawn, acct.Quote)
		}
	}
	return nil
}
