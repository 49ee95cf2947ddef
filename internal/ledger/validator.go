package ledger

import (
	"fmt"

	fpmath "TrancheLedger/internal/math"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies every journal in the batch is well-formed.
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateIssuance verifies the holder balances of currency add up to its
// total issuance.
func (v *InvariantValidator) ValidateIssuance(currency CurrencyID) error {
	holders, err := v.tracker.Holders(currency)
	if err != nil {
		return err
	}
	sum := fpmath.ZeroBalance()
	for path, b := range holders {
		var ok bool
		if sum, ok = sum.CheckedAdd(b); !ok {
			return fmt.Errorf("holder sum of %s overflows at %s", currency, path)
		}
	}
	issuance, err := v.tracker.TotalIssuance(currency)
	if err != nil {
		return err
	}
	if !sum.Equal(issuance) {
		return fmt.Errorf("holders of %s sum to %s, issuance is %s", currency, sum, issuance)
	}
	return nil
}
