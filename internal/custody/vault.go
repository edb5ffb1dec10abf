package custody

import (
	"PerpSettle/internal/apperr"
	fpmath "PerpSettle/internal/math"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInsufficientWallet  = apperr.New(apperr.KindSolvency, "insufficient_wallet", "wallet balance too low")
	ErrInsufficientCustody = apperr.New(apperr.KindSolvency, "insufficient_custody", "custody balance too low")
	ErrNegativeAmount      = apperr.New(apperr.KindValidation, "negative_amount", "transfer amount must be >= 0")
)

// Vault holds the quote token on behalf of the protocol. Amounts are WAD
// internally but the token only carries Decimals places, so every transfer
// truncates and reports the remainder as dust.
// Not thread-safe: only accessed from the single-threaded processor.
type Vault struct {
	decimals uint8
	wallets  map[common.Address]fpmath.Wad
	held     fpmath.Wad
}

func NewVault(decimals uint8) *Vault {
	return &Vault{
		decimals: decimals,
		wallets:  make(map[common.Address]fpmath.Wad),
	}
}

func (v *Vault) Decimals() uint8 { return v.decimals }

// Held is the token balance owned by the protocol
func (v *Vault) Held() fpmath.Wad { return v.held }

// WalletBalance is the token balance an address holds outside the protocol
func (v *Vault) WalletBalance(addr common.Address) fpmath.Wad {
	return v.wallets[addr]
}

// Credit mints tokens into an external wallet
func (v *Vault) Credit(addr common.Address, amount fpmath.Wad) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: %s", ErrNegativeAmount, amount)
	}
	kept, _ := amount.TruncateToDecimals(v.decimals)
	v.wallets[addr] = v.wallets[addr].Add(kept)
	return nil
}

// TransferIn pulls amount from the wallet into custody. The returned value
// is what actually moved after truncation.
func (v *Vault) TransferIn(addr common.Address, amount fpmath.Wad) (moved, dust fpmath.Wad, err error) {
	if amount.IsNegative() {
		return fpmath.Zero(), fpmath.Zero(), fmt.Errorf("%w: %s", ErrNegativeAmount, amount)
	}
	moved, dust = amount.TruncateToDecimals(v.decimals)

	balance := v.wallets[addr]
	if balance.Lt(moved) {
		return fpmath.Zero(), fpmath.Zero(), fmt.Errorf("%w: %s has %s, needs %s",
			ErrInsufficientWallet, addr.Hex(), balance, moved)
	}

	v.wallets[addr] = balance.Sub(moved)
	v.held = v.held.Add(moved)
	return moved, dust, nil
}

// TransferOut pays amount from custody to the wallet. Dust stays in custody.
func (v *Vault) TransferOut(addr common.Address, amount fpmath.Wad) (moved, dust fpmath.Wad, err error) {
	if amount.IsNegative() {
		return fpmath.Zero(), fpmath.Zero(), fmt.Errorf("%w: %s", ErrNegativeAmount, amount)
	}
	moved, dust = amount.TruncateToDecimals(v.decimals)

	if v.held.Lt(moved) {
		return fpmath.Zero(), fpmath.Zero(), fmt.Errorf("%w: holds %s, needs %s",
			ErrInsufficientCustody, v.held, moved)
	}

	v.held = v.held.Sub(moved)
	v.wallets[addr] = v.wallets[addr].Add(moved)
	return moved, dust, nil
}
