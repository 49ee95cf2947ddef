package math

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Perquintill is a ratio in [0, 1] expressed in parts per 10^18.
// Used for fulfillment ratios, per-second interest and subordination ratios.
type Perquintill uint64

const PerquintillOne Perquintill = 1_000_000_000_000_000_000

// PerquintillFromPercent converts a whole percentage, saturating at 100.
func PerquintillFromPercent(pct uint64) Perquintill {
	if pct >= 100 {
		return PerquintillOne
	}
	return Perquintill(pct * (uint64(PerquintillOne) / 100))
}

// PerquintillFromParts validates a raw parts value.
func PerquintillFromParts(parts uint64) (Perquintill, bool) {
	if parts > uint64(PerquintillOne) {
		return 0, false
	}
	return Perquintill(parts), true
}

// PerquintillFromRational returns floor(p/q). It saturates at one when
// p >= q and returns one when q is zero.
func PerquintillFromRational(p, q Balance) Perquintill {
	if q.IsZero() || p.Cmp(q) >= 0 {
		return PerquintillOne
	}
	parts := mulDivFloor(p.int(), bigScale, q.int())
	return Perquintill(parts.Uint64())
}

// MulFloor returns floor(b * p). The result never exceeds b.
func (p Perquintill) MulFloor(b Balance) Balance {
	if p == 0 || b.IsZero() {
		return Balance{}
	}
	if p == PerquintillOne {
		return b
	}
	parts := new(big.Int).SetUint64(uint64(p))
	out, _ := BalanceFromBig(mulDivFloor(b.int(), parts, bigScale))
	return out
}

// MulCeil returns ceil(b * p). The result never exceeds b.
func (p Perquintill) MulCeil(b Balance) Balance {
	if p == 0 || b.IsZero() {
		return Balance{}
	}
	if p == PerquintillOne {
		return b
	}
	prod := new(big.Int).Mul(b.int(), new(big.Int).SetUint64(uint64(p)))
	q, r := new(big.Int).QuoRem(prod, bigScale, new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, bigOne)
	}
	out, _ := BalanceFromBig(q)
	return out
}

// DivInt divides the ratio by an integer, rounding down. Division by zero
// yields zero.
func (p Perquintill) DivInt(n uint64) Perquintill {
	if n == 0 {
		return 0
	}
	return p / Perquintill(n)
}

// SaturatingAdd returns p + o capped at one.
func (p Perquintill) SaturatingAdd(o Perquintill) Perquintill {
	sum := p + o
	if sum > PerquintillOne || sum < p {
		return PerquintillOne
	}
	return sum
}

// SaturatingSub returns p - o floored at zero.
func (p Perquintill) SaturatingSub(o Perquintill) Perquintill {
	if o >= p {
		return 0
	}
	return p - o
}

func (p Perquintill) Parts() uint64 {
	return uint64(p)
}

func (p Perquintill) IsZero() bool {
	return p == 0
}

// Decimal renders the ratio as an exact decimal.
func (p Perquintill) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(uint64(p)), -Precision)
}

func (p Perquintill) String() string {
	return p.Decimal().String()
}

// ParsePerquintill parses a decimal such as "0.25". Digits beyond 18
// decimal places are truncated.
func ParsePerquintill(s string) (Perquintill, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid ratio %q: %w", s, err)
	}
	return PerquintillFromDecimal(d)
}

// PerquintillFromDecimal converts a decimal in [0, 1].
func PerquintillFromDecimal(d decimal.Decimal) (Perquintill, error) {
	if d.IsNegative() || d.GreaterThan(decimal.NewFromInt(1)) {
		return 0, fmt.Errorf("ratio %s outside [0, 1]", d.String())
	}
	parts := d.Shift(Precision).BigInt()
	return Perquintill(parts.Uint64()), nil
}

// MustParsePerquintill is ParsePerquintill for constants and tests.
func MustParsePerquintill(s string) Perquintill {
	p, err := ParsePerquintill(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Perquintill) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Perquintill) UnmarshalJSON(data []byte) error {
	parsed, err := ParsePerquintill(strings.Trim(string(data), `"`))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
