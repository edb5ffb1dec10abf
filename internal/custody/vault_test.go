package custody_test

import (
	"PerpSettle/internal/custody"
	fpmath "PerpSettle/internal/math"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var alice = common.HexToAddress("0x000000000000000000000000000000000000a11c")

func wad(s string) fpmath.Wad { return fpmath.MustParse(s) }

func TestVault_TransferInTruncates(t *testing.T) {
	v := custody.NewVault(6)
	_ = v.Credit(alice, wad("100"))

	moved, dust, err := v.TransferIn(alice, wad("12.3456789"))
	if err != nil {
		t.Fatalf("transfer in: %v", err)
	}
	if !moved.Eq(wad("12.345678")) || !dust.Eq(wad("0.0000009")) {
		t.Errorf("moved=%s dust=%s", moved, dust)
	}
	if !v.Held().Eq(wad("12.345678")) {
		t.Errorf("held: got %s", v.Held())
	}
	if !v.WalletBalance(alice).Eq(wad("87.654322")) {
		t.Errorf("wallet: got %s", v.WalletBalance(alice))
	}
}

func TestVault_TransferInInsufficientWallet(t *testing.T) {
	v := custody.NewVault(18)
	_ = v.Credit(alice, wad("5"))

	_, _, err := v.TransferIn(alice, wad("6"))
	if !errors.Is(err, custody.ErrInsufficientWallet) {
		t.Fatalf("expected ErrInsufficientWallet, got %v", err)
	}
	if !v.WalletBalance(alice).Eq(wad("5")) || !v.Held().IsZero() {
		t.Error("failed transfer must not move funds")
	}
}

func TestVault_TransferOut(t *testing.T) {
	v := custody.NewVault(18)
	_ = v.Credit(alice, wad("10"))
	_, _, _ = v.TransferIn(alice, wad("10"))

	if _, _, err := v.TransferOut(alice, wad("11")); !errors.Is(err, custody.ErrInsufficientCustody) {
		t.Fatalf("expected ErrInsufficientCustody, got %v", err)
	}

	moved, _, err := v.TransferOut(alice, wad("4"))
	if err != nil || !moved.Eq(wad("4")) {
		t.Fatalf("moved=%s err=%v", moved, err)
	}
	if !v.Held().Eq(wad("6")) || !v.WalletBalance(alice).Eq(wad("4")) {
		t.Errorf("held=%s wallet=%s", v.Held(), v.WalletBalance(alice))
	}
}

func TestVault_NegativeRejected(t *testing.T) {
	v := custody.NewVault(18)
	if err := v.Credit(alice, wad("-1")); !errors.Is(err, custody.ErrNegativeAmount) {
		t.Errorf("credit: got %v", err)
	}
	if _, _, err := v.TransferOut(alice, wad("-1")); !errors.Is(err, custody.ErrNegativeAmount) {
		t.Errorf("transfer out: got %v", err)
	}
}
