package math

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Rate is an unsigned fixed-point number with 18 decimal places whose inner
// value is bounded to 128 bits. Token prices and compounding factors are
// Rates. The zero value is zero. Values are immutable.
type Rate struct {
	v *big.Int // inner value scaled by 10^18; nil means zero
}

// RateOne returns 1.0.
func RateOne() Rate {
	return Rate{v: new(big.Int).Set(bigScale)}
}

// RateFromInteger returns n as a Rate.
func RateFromInteger(n uint64) Rate {
	if n == 0 {
		return Rate{}
	}
	return Rate{v: new(big.Int).Mul(new(big.Int).SetUint64(n), bigScale)}
}

// RateFromPerquintill widens a ratio to a Rate without loss.
func RateFromPerquintill(p Perquintill) Rate {
	if p == 0 {
		return Rate{}
	}
	return Rate{v: new(big.Int).SetUint64(uint64(p))}
}

func rateFromInner(v *big.Int) (Rate, bool) {
	if !fitsU128(v) {
		return Rate{}, false
	}
	if v.Sign() == 0 {
		return Rate{}, true
	}
	return Rate{v: v}, true
}

// CheckedRateFromRational returns floor(n/d). ok is false when d is zero or
// the quotient does not fit.
func CheckedRateFromRational(n, d Balance) (Rate, bool) {
	if d.IsZero() {
		return Rate{}, false
	}
	return rateFromInner(mulDivFloor(n.int(), bigScale, d.int()))
}

func (r Rate) inner() *big.Int {
	if r.v == nil {
		return bigZero
	}
	return r.v
}

func (r Rate) IsZero() bool {
	return r.v == nil || r.v.Sign() == 0
}

func (r Rate) Cmp(o Rate) int {
	return r.inner().Cmp(o.inner())
}

func (r Rate) Equal(o Rate) bool {
	return r.Cmp(o) == 0
}

// CheckedAdd returns r + o.
func (r Rate) CheckedAdd(o Rate) (Rate, bool) {
	return rateFromInner(new(big.Int).Add(r.inner(), o.inner()))
}

// CheckedMul returns floor(r * o).
func (r Rate) CheckedMul(o Rate) (Rate, bool) {
	return rateFromInner(mulDivFloor(r.inner(), o.inner(), bigScale))
}

// CheckedMulInt returns floor(r * b) as a balance.
func (r Rate) CheckedMulInt(b Balance) (Balance, bool) {
	return BalanceFromBig(mulDivFloor(r.inner(), b.int(), bigScale))
}

// CheckedDivInt returns floor(b / r). ok is false when r is zero.
func (r Rate) CheckedDivInt(b Balance) (Balance, bool) {
	if r.IsZero() {
		return Balance{}, false
	}
	return BalanceFromBig(mulDivFloor(b.int(), bigScale, r.inner()))
}

// CheckedPow raises r to exp by square-and-multiply. Each product is floored,
// so the result can sit a few units of 10^-18 below a step-by-step product.
func (r Rate) CheckedPow(exp uint64) (Rate, bool) {
	result := RateOne()
	base := r
	for exp > 0 {
		var ok bool
		if exp&1 == 1 {
			if result, ok = result.CheckedMul(base); !ok {
				return Rate{}, false
			}
		}
		exp >>= 1
		if exp > 0 {
			if base, ok = base.CheckedMul(base); !ok {
				return Rate{}, false
			}
		}
	}
	return result, true
}

// Decimal renders the rate as an exact decimal.
func (r Rate) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(r.inner(), -Precision)
}

func (r Rate) String() string {
	return r.Decimal().String()
}

// ParseRate parses a non-negative decimal. Digits beyond 18 decimal places
// are truncated.
func ParseRate(s string) (Rate, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Rate{}, fmt.Errorf("invalid rate %q: %w", s, err)
	}
	if d.IsNegative() {
		return Rate{}, fmt.Errorf("rate %q is negative", s)
	}
	r, ok := rateFromInner(d.Shift(Precision).BigInt())
	if !ok {
		return Rate{}, fmt.Errorf("rate %q out of range", s)
	}
	return r, nil
}

// MustParseRate is ParseRate for constants and tests.
func MustParseRate(s string) Rate {
	r, err := ParseRate(s)
	if err != nil {
		panic(err)
	}
	return r
}

func (r Rate) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

func (r *Rate) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*r = Rate{}
		return nil
	}
	parsed, err := ParseRate(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
