package ledger

import (
	"fmt"
	"strconv"
	"strings"
)

// CurrencyID names a fungible asset: a settlement currency such as "USD",
// or the token of one pool tranche.
type CurrencyID string

const trancheCurrencyPrefix = "TRANCHE"

// TrancheCurrency is the token currency of tranche index tranche in pool.
func TrancheCurrency(poolID uint64, tranche uint8) CurrencyID {
	return CurrencyID(fmt.Sprintf("%s-%d-%d", trancheCurrencyPrefix, poolID, tranche))
}

// IsTranche reports whether c is a tranche token and returns its owner.
func (c CurrencyID) IsTranche() (poolID uint64, tranche uint8, ok bool) {
	parts := strings.Split(string(c), "-")
	if len(parts) != 3 || parts[0] != trancheCurrencyPrefix {
		return 0, 0, false
	}
	poolID, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	idx, err := strconv.ParseUint(parts[2], 10, 8)
	if err != nil {
		return 0, 0, false
	}
	return poolID, uint8(idx), true
}

// ValidateSettlementCurrency rejects empty ids and tranche tokens, which can
// never back a pool.
func ValidateSettlementCurrency(c CurrencyID) error {
	if c == "" {
		return fmt.Errorf("currency id is empty")
	}
	if strings.ContainsAny(string(c), "/ ") {
		return fmt.Errorf("currency id %q contains reserved characters", c)
	}
	if _, _, ok := c.IsTranche(); ok {
		return fmt.Errorf("currency id %q is a tranche token", c)
	}
	return nil
}
