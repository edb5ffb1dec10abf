package ledger

import (
	fpmath "PerpSettle/internal/math"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// DeltaType represents the purpose of a delta
type DeltaType int32

const (
	DeltaTypeMarginDeposit DeltaType = iota
	DeltaTypeMarginWithdrawal
	DeltaTypeFunding
	DeltaTypeInsuranceFunding
	DeltaTypeIndexSync
	DeltaTypeLeverageUpdate
	DeltaTypeLiquidationTransfer
	DeltaTypeEscrowHold
	DeltaTypeEscrowRelease
	DeltaTypeClaimPayout
	DeltaTypeInsuranceCover
	DeltaTypePoolSync
	DeltaTypeAdjustment
	DeltaTypeTrade
)

func (t DeltaType) String() string {
	switch t {
	case DeltaTypeMarginDeposit:
		return "margin_deposit"
	case DeltaTypeMarginWithdrawal:
		return "margin_withdrawal"
	case DeltaTypeFunding:
		return "funding"
	case DeltaTypeInsuranceFunding:
		return "insurance_funding"
	case DeltaTypeIndexSync:
		return "index_sync"
	case DeltaTypeLeverageUpdate:
		return "leverage_update"
	case DeltaTypeLiquidationTransfer:
		return "liquidation_transfer"
	case DeltaTypeEscrowHold:
		return "escrow_hold"
	case DeltaTypeEscrowRelease:
		return "escrow_release"
	case DeltaTypeClaimPayout:
		return "claim_payout"
	case DeltaTypeInsuranceCover:
		return "insurance_cover"
	case DeltaTypePoolSync:
		return "pool_sync"
	case DeltaTypeAdjustment:
		return "adjustment"
	case DeltaTypeTrade:
		return "trade"
	default:
		return "unknown"
	}
}

// IndexSync moves an account to a funding index and refreshes the gas price
// its min margin is computed with.
type IndexSync struct {
	FundingIndex int64
	GasPrice     fpmath.Wad
}

// Delta is a signed change to one account. Deltas are not balanced against
// each other: value entering or leaving the market (escrow, custody, the
// insurance buffer) shows up as a net quote change in the batch.
type Delta struct {
	DeltaID   uuid.UUID
	Account   common.Address
	Type      DeltaType
	Base      fpmath.Wad
	Quote     fpmath.Wad
	Leveraged fpmath.Wad // Change in TotalLeveragedValue
	Sync      *IndexSync
}

// IsNoop reports whether applying the delta changes nothing.
func (d Delta) IsNoop() bool {
	return d.Base.IsZero() && d.Quote.IsZero() && d.Leveraged.IsZero() && d.Sync == nil
}

// Batch is a set of deltas applied atomically
type Batch struct {
	BatchID   uuid.UUID
	MarketID  string
	Ref       string // Idempotency key of the source command
	Sequence  int64
	Timestamp int64 // Epoch microseconds
	Deltas    []Delta
}

// NewBatch creates an empty batch. IDs are derived from ref so a replayed
// command produces identical journal rows.
func NewBatch(marketID, ref string, ts time.Time) *Batch {
	return &Batch{
		BatchID:   uuid.NewSHA1(uuid.NameSpaceOID, []byte(marketID+"|"+ref)),
		MarketID:  marketID,
		Ref:       ref,
		Timestamp: ts.UnixMicro(),
	}
}

// Add appends a delta unless it is a no-op
func (b *Batch) Add(d Delta) {
	if d.IsNoop() {
		return
	}
	d.DeltaID = uuid.NewSHA1(b.BatchID, []byte(fmt.Sprintf("%d", len(b.Deltas))))
	b.Deltas = append(b.Deltas, d)
}

// NetQuote sums the quote changes of all deltas
func (b *Batch) NetQuote() fpmath.Wad {
	total := fpmath.Zero()
	for _, d := range b.Deltas {
		total = total.Add(d.Quote)
	}
	return total
}

// Touched returns the distinct accounts in delta order
func (b *Batch) Touched() []common.Address {
	seen := make(map[common.Address]bool, len(b.Deltas))
	out := make([]common.Address, 0, len(b.Deltas))
	for _, d := range b.Deltas {
		if !seen[d.Account] {
			seen[d.Account] = true
			out = append(out, d.Account)
		}
	}
	return out
}

// Validate ensures the batch is well-formed
func (b *Batch) Validate() error {
	if len(b.Deltas) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, d := range b.Deltas {
		if d.Account == (common.Address{}) {
			return fmt.Errorf("delta %s has zero account", d.DeltaID)
		}
		if d.IsNoop() {
			return fmt.Errorf("delta %s changes nothing", d.DeltaID)
		}
		if d.Sync != nil && d.Sync.FundingIndex < 0 {
			return fmt.Errorf("delta %s has negative funding index %d", d.DeltaID, d.Sync.FundingIndex)
		}
	}

	return nil
}
