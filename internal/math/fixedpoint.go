// Package math holds the fixed-point and checked integer types used by the
// pool accounting core. All values are unsigned; every operation that can
// leave the representable range reports it instead of wrapping.
package math

import (
	"math/big"
	"sync"
)

// Precision is the number of decimal places carried by Perquintill and Rate.
const Precision = 18

var (
	bigZero  = big.NewInt(0)
	bigOne   = big.NewInt(1)
	bigScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(Precision), nil)

	// maxU128 bounds balances and the inner value of a Rate.
	maxU128 = new(big.Int).Sub(new(big.Int).Lsh(bigOne, 128), bigOne)
)

// Scratch big.Ints for intermediate products
var intPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt() *big.Int {
	return intPool.Get().(*big.Int)
}

func putInt(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	intPool.Put(v)
}

// mulDivFloor returns floor(a * b / den). den must be positive.
func mulDivFloor(a, b, den *big.Int) *big.Int {
	num := getInt()
	num.Mul(a, b)

	quotient := new(big.Int)
	remainder := getInt()
	quotient.QuoRem(num, den, remainder)

	putInt(num)
	putInt(remainder)

	return quotient
}

// fitsU128 reports whether v is within [0, 2^128-1].
func fitsU128(v *big.Int) bool {
	return v.Sign() >= 0 && v.Cmp(maxU128) <= 0
}
