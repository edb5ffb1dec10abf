package projection_test

import (
	"PerpSettle/internal/core"
	"PerpSettle/internal/event"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/projection"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

var t0 = time.Unix(1_700_000_000, 0).UTC()

func out(seq int64) core.Output {
	return core.Output{
		Command: core.CommandRecord{Sequence: seq, MarketID: "ETH-USD"},
		Snapshot: core.MarketSnapshot{
			MarketID:  "ETH-USD",
			Sequence:  seq,
			FairPrice: fpmath.MustParse("100"),
		},
	}
}

// ============================================================================
// Test: Read model shapes
// ============================================================================

func TestKeys(t *testing.T) {
	addr := common.HexToAddress("0xa11c")
	tests := []struct {
		got, want string
	}{
		{projection.SummaryKey("ETH-USD"), "settle:ETH-USD:summary"},
		{projection.ReceiptKey("ETH-USD", 7), "settle:ETH-USD:receipt:7"},
		{projection.AccountKey("ETH-USD", addr), "settle:ETH-USD:account:" + addr.Hex()},
		{projection.WatermarkKey(), "settle:watermark"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}

func TestFundingEntries(t *testing.T) {
	env, err := event.Wrap(12, 0, "fund-3", t0, &event.FundingRateRecorded{
		Market:                "ETH-USD",
		Index:                 3,
		FundingRate:           fpmath.MustParse("0.001"),
		CumulativeFundingRate: fpmath.MustParse("0.004"),
		RecordTime:            t0,
	})
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	other, _ := event.Wrap(12, 1, "fund-3", t0, &event.PriceUpdated{Market: "ETH-USD"})

	o := out(12)
	o.Events = []event.Envelope{env, other}

	entries, err := projection.FundingEntries(o)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Index != 3 || e.Sequence != 12 || !e.CumulativeFundingRate.Eq(fpmath.MustParse("0.004")) {
		t.Errorf("entry: %+v", e)
	}
}

func TestSummaryFrom(t *testing.T) {
	s := projection.SummaryFrom(out(4).Snapshot)
	if s.MarketID != "ETH-USD" || s.Sequence != 4 || !s.FairPrice.Eq(fpmath.MustParse("100")) {
		t.Errorf("summary: %+v", s)
	}
}

// ============================================================================
// Test: Worker
// ============================================================================

type fakeProjector struct {
	applied []int64
	fail    map[int64]bool
}

func (f *fakeProjector) Apply(ctx context.Context, o core.Output) error {
	if f.fail[o.Command.Sequence] {
		return errors.New("redis down")
	}
	f.applied = append(f.applied, o.Command.Sequence)
	return nil
}

func TestProjectionWorker(t *testing.T) {
	tests := []struct {
		name     string
		resume   int64
		input    []int64
		fail     map[int64]bool
		applied  []int64
		lastSeen int64
	}{
		{"in order", -1, []int64{0, 1, 2}, nil, []int64{0, 1, 2}, 2},
		{"skips already projected", 1, []int64{0, 1, 2, 3}, nil, []int64{2, 3}, 3},
		{"ignores replayed older output", -1, []int64{0, 1, 1, 0, 2}, nil, []int64{0, 1, 2}, 2},
		{"failure does not stall", -1, []int64{0, 1, 2}, map[int64]bool{1: true}, []int64{0, 2}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := make(chan core.Output, len(tt.input))
			for _, seq := range tt.input {
				in <- out(seq)
			}
			close(in)

			p := &fakeProjector{fail: tt.fail}
			w := projection.NewProjectionWorker(p, in, nil, zerolog.Nop())
			w.ResumeFrom(tt.resume)
			if err := w.Run(context.Background()); err != nil {
				t.Fatalf("run: %v", err)
			}

			if len(p.applied) != len(tt.applied) {
				t.Fatalf("applied %v, want %v", p.applied, tt.applied)
			}
			for i := range tt.applied {
				if p.applied[i] != tt.applied[i] {
					t.Fatalf("applied %v, want %v", p.applied, tt.applied)
				}
			}
			if w.LastSequence() != tt.lastSeen {
				t.Errorf("last sequence %d, want %d", w.LastSequence(), tt.lastSeen)
			}
		})
	}
}
