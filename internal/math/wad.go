// Package math implements the 18-decimal signed fixed-point type used for
// every balance, price and rate in the settlement core.
package math

import (
	"PerpSettle/internal/apperr"
	"database/sql/driver"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Decimals is the number of fractional digits carried by a Wad.
const Decimals = 18

var (
	scale  = uint256.NewInt(1_000_000_000_000_000_000)
	maxWad = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(1))
	// Parsed values stay below 2^127 raw (about 1.7e20 whole units) so the
	// product of any two of them fits the signed range.
	maxInput = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
)

// ErrOverflow is returned by Parse for out-of-range input and is the panic
// value of Mul, Div and MulDiv when a result leaves the signed 256-bit range.
var ErrOverflow = apperr.New(apperr.KindValidation, "wad_overflow", "wad overflow")

// Wad is a signed fixed-point number scaled by 10^18, stored as a 256-bit
// two's complement integer. The zero value is 0.
//
// Multiplication and division truncate toward zero.
type Wad struct {
	v uint256.Int
}

// Zero returns 0.
func Zero() Wad { return Wad{} }

// One returns 1.0.
func One() Wad { return Wad{v: *scale} }

// NewWad returns n whole units (n * 10^18).
func NewWad(n int64) Wad {
	return FromRaw(n).mulRaw(scale)
}

// FromRaw returns the Wad whose raw scaled integer is n (n * 10^-18).
func FromRaw(n int64) Wad {
	var w Wad
	if n < 0 {
		w.v.SetUint64(uint64(-n))
		w.v.Neg(&w.v)
		return w
	}
	w.v.SetUint64(uint64(n))
	return w
}

// FromBig converts a raw scaled integer. Values outside the signed 256-bit
// range are rejected.
func FromBig(b *big.Int) (Wad, error) {
	abs := new(big.Int).Abs(b)
	if abs.Cmp(maxWad) > 0 {
		return Wad{}, fmt.Errorf("%w: %s", ErrOverflow, b.String())
	}
	var w Wad
	w.v.SetFromBig(abs)
	if b.Sign() < 0 {
		w.v.Neg(&w.v)
	}
	return w, nil
}

// FromDecimal converts a decimal, truncating digits past the 18th place.
// Magnitudes of 2^127 raw or more are rejected.
func FromDecimal(d decimal.Decimal) (Wad, error) {
	raw := d.Shift(Decimals).BigInt()
	if new(big.Int).Abs(raw).Cmp(maxInput) > 0 {
		return Wad{}, fmt.Errorf("%w: %s exceeds input range", ErrOverflow, d.String())
	}
	return FromBig(raw)
}

// Parse reads a decimal string such as "1500.25" or "-0.000001".
func Parse(s string) (Wad, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Wad{}, fmt.Errorf("parse wad %q: %w", s, err)
	}
	return FromDecimal(d)
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Wad {
	w, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return w
}

// --- Arithmetic ---

func (w Wad) Add(o Wad) Wad {
	var r Wad
	r.v.Add(&w.v, &o.v)
	return r
}

func (w Wad) Sub(o Wad) Wad {
	var r Wad
	r.v.Sub(&w.v, &o.v)
	return r
}

// Mul returns w*o / 10^18. Mul panics with ErrOverflow if the result does
// not fit.
func (w Wad) Mul(o Wad) Wad {
	return Wad{v: mulDiv(&w.v, &o.v, scale)}
}

// Div returns w*10^18 / o. Div panics if o is zero or with ErrOverflow if
// the result does not fit.
func (w Wad) Div(o Wad) Wad {
	if o.IsZero() {
		panic("wad: division by zero")
	}
	return Wad{v: mulDiv(&w.v, scale, &o.v)}
}

// MulDiv returns w*m/d with a single truncation. MulDiv panics if d is zero
// or with ErrOverflow if the result does not fit.
func (w Wad) MulDiv(m, d Wad) Wad {
	if d.IsZero() {
		panic("wad: division by zero")
	}
	return Wad{v: mulDiv(&w.v, &m.v, &d.v)}
}

// mulDiv computes a*b/d over magnitudes with a 512-bit intermediate and
// truncates toward zero.
func mulDiv(a, b, d *uint256.Int) uint256.Int {
	var x, y, z, r uint256.Int
	x.Abs(a)
	y.Abs(b)
	z.Abs(d)
	if _, overflow := r.MulDivOverflow(&x, &y, &z); overflow || r.Sign() < 0 {
		panic(ErrOverflow)
	}
	if (a.Sign() < 0) != (b.Sign() < 0) != (d.Sign() < 0) {
		r.Neg(&r)
	}
	return r
}

func (w Wad) mulRaw(m *uint256.Int) Wad {
	var r Wad
	r.v.Mul(&w.v, m)
	return r
}

func (w Wad) Neg() Wad {
	var r Wad
	r.v.Neg(&w.v)
	return r
}

func (w Wad) Abs() Wad {
	if w.Sign() < 0 {
		return w.Neg()
	}
	return w
}

// Sign returns -1, 0 or +1.
func (w Wad) Sign() int { return w.v.Sign() }

func (w Wad) IsZero() bool     { return w.v.IsZero() }
func (w Wad) IsNegative() bool { return w.v.Sign() < 0 }
func (w Wad) IsPositive() bool { return w.v.Sign() > 0 }

// Cmp returns -1, 0 or +1 comparing w with o as signed values.
func (w Wad) Cmp(o Wad) int {
	switch {
	case w.v.Slt(&o.v):
		return -1
	case w.v.Sgt(&o.v):
		return 1
	default:
		return 0
	}
}

func (w Wad) Eq(o Wad) bool  { return w.v.Eq(&o.v) }
func (w Wad) Lt(o Wad) bool  { return w.Cmp(o) < 0 }
func (w Wad) Lte(o Wad) bool { return w.Cmp(o) <= 0 }
func (w Wad) Gt(o Wad) bool  { return w.Cmp(o) > 0 }
func (w Wad) Gte(o Wad) bool { return w.Cmp(o) >= 0 }

func Min(a, b Wad) Wad {
	if a.Lt(b) {
		return a
	}
	return b
}

func Max(a, b Wad) Wad {
	if a.Gt(b) {
		return a
	}
	return b
}

// Clamp limits w to [lo, hi].
func Clamp(w, lo, hi Wad) Wad {
	return Min(Max(w, lo), hi)
}

// TruncateToDecimals drops precision below the given number of decimals,
// as a token with fewer decimals would. It returns the kept amount and the
// dropped remainder (dust). Both carry the sign of w.
func (w Wad) TruncateToDecimals(decimals uint8) (kept, dust Wad) {
	if decimals >= Decimals {
		return w, Zero()
	}
	unit := new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(Decimals-decimals)))
	kept.v.SDiv(&w.v, unit)
	kept.v.Mul(&kept.v, unit)
	dust = w.Sub(kept)
	return kept, dust
}

// --- Conversion ---

// BigInt returns the raw scaled integer.
func (w Wad) BigInt() *big.Int {
	if w.Sign() < 0 {
		var abs uint256.Int
		abs.Neg(&w.v)
		b := abs.ToBig()
		return b.Neg(b)
	}
	return w.v.ToBig()
}

// Bytes32 is the raw value as a 32-byte big-endian two's complement word.
func (w Wad) Bytes32() [32]byte { return w.v.Bytes32() }

func (w Wad) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(w.BigInt(), -Decimals)
}

// Float64 is lossy; only for metrics.
func (w Wad) Float64() float64 {
	return w.Decimal().InexactFloat64()
}

func (w Wad) String() string {
	return w.Decimal().String()
}

func (w Wad) MarshalText() ([]byte, error) {
	return []byte(w.String()), nil
}

func (w *Wad) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}

// Value stores a Wad in a NUMERIC column.
func (w Wad) Value() (driver.Value, error) {
	return w.String(), nil
}

// Scan reads a NUMERIC column.
func (w *Wad) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*w = Zero()
		return nil
	case []byte:
		return w.UnmarshalText(v)
	case string:
		return w.UnmarshalText([]byte(v))
	case int64:
		*w = NewWad(v)
		return nil
	default:
		return fmt.Errorf("scan wad: unsupported type %T", src)
	}
}
