package math

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// powLoop compounds by repeated multiplication, one step per unit of exp.
func powLoop(r Rate, exp uint64) (Rate, bool) {
	result := RateOne()
	for i := uint64(0); i < exp; i++ {
		var ok bool
		if result, ok = result.CheckedMul(r); !ok {
			return Rate{}, false
		}
	}
	return result, true
}

// ============================================================================
// Balance
// ============================================================================

func TestBalance_CheckedArithmetic(t *testing.T) {
	a := NewBalance(700)
	b := NewBalance(300)

	sum, ok := a.CheckedAdd(b)
	require.True(t, ok)
	assert.Equal(t, "1000", sum.String())

	diff, ok := a.CheckedSub(b)
	require.True(t, ok)
	assert.Equal(t, "400", diff.String())

	_, ok = b.CheckedSub(a)
	assert.False(t, ok, "underflow must be reported")

	_, ok = MaxBalance().CheckedAdd(NewBalance(1))
	assert.False(t, ok, "overflow past 2^128-1 must be reported")

	assert.True(t, b.SaturatingSub(a).IsZero())
	assert.True(t, ZeroBalance().IsZero())
	assert.Equal(t, b, MinBalance(a, b))
}

func TestBalance_JSON(t *testing.T) {
	var b Balance
	require.NoError(t, b.UnmarshalJSON([]byte(`"340282366920938463463374607431768211455"`)))
	assert.True(t, b.Equal(MaxBalance()))

	require.NoError(t, b.UnmarshalJSON([]byte(`42`)))
	assert.Equal(t, "42", b.String())

	assert.Error(t, b.UnmarshalJSON([]byte(`"-1"`)))
	assert.Error(t, b.UnmarshalJSON([]byte(`"340282366920938463463374607431768211456"`)))

	out, err := NewBalance(5).MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"5"`, string(out))
}

// ============================================================================
// Perquintill
// ============================================================================

func TestPerquintill_FromRational(t *testing.T) {
	assert.Equal(t, Perquintill(333_333_333_333_333_333), PerquintillFromRational(NewBalance(1), NewBalance(3)))
	assert.Equal(t, PerquintillOne, PerquintillFromRational(NewBalance(5), NewBalance(3)), "saturates at one")
	assert.Equal(t, PerquintillOne, PerquintillFromRational(NewBalance(0), NewBalance(0)), "zero denominator is one")
	assert.Equal(t, Perquintill(0), PerquintillFromRational(NewBalance(0), NewBalance(7)))
}

func TestPerquintill_MulFloor(t *testing.T) {
	half := MustParsePerquintill("0.5")
	assert.Equal(t, "500", half.MulFloor(NewBalance(1001)).String())
	assert.Equal(t, "1001", PerquintillOne.MulFloor(NewBalance(1001)).String())
	assert.True(t, Perquintill(0).MulFloor(NewBalance(1001)).IsZero())
}

func TestPerquintill_MulCeil(t *testing.T) {
	half := MustParsePerquintill("0.5")
	assert.Equal(t, "501", half.MulCeil(NewBalance(1001)).String())
	assert.Equal(t, "500", half.MulCeil(NewBalance(1000)).String())
	assert.Equal(t, "1001", PerquintillOne.MulCeil(NewBalance(1001)).String())
	assert.True(t, Perquintill(0).MulCeil(NewBalance(1001)).IsZero())
}

func TestPerquintill_Parse(t *testing.T) {
	p, err := ParsePerquintill("0.25")
	require.NoError(t, err)
	assert.Equal(t, PerquintillFromPercent(25), p)
	assert.Equal(t, "0.25", p.String())

	_, err = ParsePerquintill("1.01")
	assert.Error(t, err)
	_, err = ParsePerquintill("-0.1")
	assert.Error(t, err)

	assert.Equal(t, PerquintillOne, PerquintillFromPercent(150))
}

// ============================================================================
// Rate
// ============================================================================

func TestRate_FromRational(t *testing.T) {
	r, ok := CheckedRateFromRational(NewBalance(1000), NewBalance(3))
	require.True(t, ok)
	assert.Equal(t, "333.333333333333333333", r.String())

	_, ok = CheckedRateFromRational(NewBalance(1), ZeroBalance())
	assert.False(t, ok, "division by zero is undefined")
}

func TestRate_MulAndDivInt(t *testing.T) {
	price := MustParseRate("2")
	minted, ok := price.CheckedDivInt(NewBalance(1000))
	require.True(t, ok)
	assert.Equal(t, "500", minted.String())

	value, ok := price.CheckedMulInt(NewBalance(1000))
	require.True(t, ok)
	assert.Equal(t, "2000", value.String())

	_, ok = Rate{}.CheckedDivInt(NewBalance(1))
	assert.False(t, ok)
}

func TestRate_PowExact(t *testing.T) {
	cases := []struct {
		base string
		exp  uint64
		want string
	}{
		{"1.5", 0, "1"},
		{"1.5", 1, "1.5"},
		{"1.5", 10, "57.6650390625"},
		{"1.1", 18, "5.559917313492231481"},
		{"0", 3, "0"},
	}

	for _, tc := range cases {
		got, ok := MustParseRate(tc.base).CheckedPow(tc.exp)
		require.True(t, ok, "%s^%d", tc.base, tc.exp)
		assert.Equal(t, tc.want, got.String(), "%s^%d", tc.base, tc.exp)
	}
}

func TestRate_PowMatchesLoop(t *testing.T) {
	// Exact bases must agree digit for digit.
	for _, base := range []string{"1.1", "1.5", "2", "0.5"} {
		r := MustParseRate(base)
		for exp := uint64(0); exp <= 18; exp++ {
			fast, ok := r.CheckedPow(exp)
			require.True(t, ok)
			slow, ok := powLoop(r, exp)
			require.True(t, ok)
			assert.Equal(t, slow.String(), fast.String(), "%s^%d", base, exp)
		}
	}

	// Per-second interest rounds at every step; the two orders of
	// multiplication may differ by one unit per product at most.
	perSec := RateOne()
	perSec, _ = perSec.CheckedAdd(RateFromPerquintill(InterestPerSecond(10)))
	for exp := uint64(1); exp <= 64; exp++ {
		fast, ok := perSec.CheckedPow(exp)
		require.True(t, ok)
		slow, ok := powLoop(perSec, exp)
		require.True(t, ok)

		diff := new(big.Int).Sub(fast.inner(), slow.inner())
		diff.Abs(diff)
		assert.LessOrEqual(t, diff.Int64(), int64(exp+8), "exp=%d", exp)
	}
}

func TestRate_PowOverflow(t *testing.T) {
	_, ok := RateFromInteger(1 << 32).CheckedPow(5)
	assert.False(t, ok)
}

// ============================================================================
// Interest
// ============================================================================

func TestInterestPerSecond(t *testing.T) {
	assert.Equal(t, Perquintill(3_170_979_198), InterestPerSecond(10))
	assert.Equal(t, Perquintill(0), InterestPerSecond(0))
}

func TestAccrue_ThirtyDays(t *testing.T) {
	debt, ok := Accrue(NewBalance(250), InterestPerSecond(10), 30*24*3600)
	require.True(t, ok)
	assert.Equal(t, "252", debt.String())

	debt, ok = Accrue(NewBalance(1000), InterestPerSecond(10), 30*24*3600)
	require.True(t, ok)
	assert.Equal(t, "1008", debt.String())
}

func TestAccrue_NoElapsedOrRate(t *testing.T) {
	debt, ok := Accrue(NewBalance(250), InterestPerSecond(10), 0)
	require.True(t, ok)
	assert.Equal(t, "250", debt.String())

	debt, ok = Accrue(NewBalance(250), 0, 1_000_000)
	require.True(t, ok)
	assert.Equal(t, "250", debt.String())
}
