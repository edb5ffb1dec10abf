package insurance

import (
	"PerpSettle/internal/custody"
	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestFund_ValidateCounters(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(f *Fund)
		wantErr string
	}{
		{"empty", func(f *Fund) {}, ""},
		{"pending covered", func(f *Fund) {
			f.public = fpmath.MustParse("10")
			f.pending = fpmath.MustParse("10")
		}, ""},
		{"pending exceeds public", func(f *Fund) {
			f.public = fpmath.MustParse("10")
			f.pending = fpmath.MustParse("10.000000000000000001")
		}, "exceed public collateral"},
		{"negative public", func(f *Fund) { f.public = fpmath.MustParse("-1") }, "public collateral is negative"},
		{"negative buffer", func(f *Fund) { f.buffer = fpmath.MustParse("-1") }, "buffer collateral is negative"},
		{"negative supply", func(f *Fund) { f.supply = fpmath.MustParse("-1") }, "pool token supply is negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := ledger.NewLedger("ETH-USD", common.HexToAddress("0xff"))
			f := NewFund(state.DefaultParams("ETH-USD"), l, custody.NewVault(18))
			tt.mutate(f)

			err := f.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("got %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}
