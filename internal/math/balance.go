package math

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// Balance is an unsigned currency or token amount bounded to 128 bits.
// The zero value is a zero balance. Values are immutable.
type Balance struct {
	v *big.Int // nil means zero
}

// ZeroBalance returns a zero amount.
func ZeroBalance() Balance {
	return Balance{}
}

// NewBalance creates a balance from a uint64.
func NewBalance(v uint64) Balance {
	if v == 0 {
		return Balance{}
	}
	return Balance{v: new(big.Int).SetUint64(v)}
}

// BalanceFromBig copies v into a Balance. ok is false if v is negative or
// does not fit in 128 bits.
func BalanceFromBig(v *big.Int) (Balance, bool) {
	if v == nil {
		return Balance{}, true
	}
	if !fitsU128(v) {
		return Balance{}, false
	}
	if v.Sign() == 0 {
		return Balance{}, true
	}
	return Balance{v: new(big.Int).Set(v)}, true
}

// MaxBalance returns 2^128-1.
func MaxBalance() Balance {
	return Balance{v: new(big.Int).Set(maxU128)}
}

// ParseBalance parses a base-10 integer amount.
func ParseBalance(s string) (Balance, error) {
	s = strings.TrimSpace(s)
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Balance{}, fmt.Errorf("invalid balance %q", s)
	}
	b, ok := BalanceFromBig(v)
	if !ok {
		return Balance{}, fmt.Errorf("balance %q out of range", s)
	}
	return b, nil
}

// MustParseBalance is ParseBalance for constants and tests.
func MustParseBalance(s string) Balance {
	b, err := ParseBalance(s)
	if err != nil {
		panic(err)
	}
	return b
}

func (b Balance) int() *big.Int {
	if b.v == nil {
		return bigZero
	}
	return b.v
}

// Big returns a copy of the underlying integer.
func (b Balance) Big() *big.Int {
	return new(big.Int).Set(b.int())
}

func (b Balance) IsZero() bool {
	return b.v == nil || b.v.Sign() == 0
}

// Cmp compares b and o and returns -1, 0 or +1.
func (b Balance) Cmp(o Balance) int {
	return b.int().Cmp(o.int())
}

func (b Balance) Equal(o Balance) bool {
	return b.Cmp(o) == 0
}

func (b Balance) LessThan(o Balance) bool {
	return b.Cmp(o) < 0
}

func (b Balance) GreaterThan(o Balance) bool {
	return b.Cmp(o) > 0
}

// CheckedAdd returns b + o, or ok=false on overflow.
func (b Balance) CheckedAdd(o Balance) (Balance, bool) {
	return BalanceFromBig(new(big.Int).Add(b.int(), o.int()))
}

// CheckedSub returns b - o, or ok=false on underflow.
func (b Balance) CheckedSub(o Balance) (Balance, bool) {
	return BalanceFromBig(new(big.Int).Sub(b.int(), o.int()))
}

// CheckedMul returns b * o, or ok=false on overflow.
func (b Balance) CheckedMul(o Balance) (Balance, bool) {
	return BalanceFromBig(new(big.Int).Mul(b.int(), o.int()))
}

// CheckedMulDiv returns floor(b * num / den). ok is false when den is zero
// or the quotient does not fit.
func (b Balance) CheckedMulDiv(num, den Balance) (Balance, bool) {
	if den.IsZero() {
		return Balance{}, false
	}
	return BalanceFromBig(mulDivFloor(b.int(), num.int(), den.int()))
}

// SaturatingSub returns b - o floored at zero.
func (b Balance) SaturatingSub(o Balance) Balance {
	if b.Cmp(o) <= 0 {
		return Balance{}
	}
	diff, _ := b.CheckedSub(o)
	return diff
}

// MinBalance returns the smaller of a and b.
func MinBalance(a, b Balance) Balance {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

// Uint64 returns the value as a uint64 if it fits.
func (b Balance) Uint64() (uint64, bool) {
	v := b.int()
	if !v.IsUint64() {
		return 0, false
	}
	return v.Uint64(), true
}

func (b Balance) String() string {
	return b.int().String()
}

// MarshalJSON encodes the amount as a decimal string so 128-bit values
// survive JSON consumers that parse numbers as float64.
func (b Balance) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

// UnmarshalJSON accepts both a decimal string and a bare JSON number.
func (b *Balance) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*b = Balance{}
		return nil
	}
	parsed, err := ParseBalance(s)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

func (b Balance) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

func (b *Balance) UnmarshalText(text []byte) error {
	parsed, err := ParseBalance(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}
