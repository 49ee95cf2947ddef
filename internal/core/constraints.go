package core

import (
	"fmt"

	fpmath "TrancheLedger/internal/math"
	"TrancheLedger/internal/state"
)

// EpochExecutionInfo is everything IsEpochValid needs to judge a solution.
// It is a snapshot; validation never touches the pool.
type EpochExecutionInfo struct {
	Targets          []state.TrancheTarget
	TotalReserve     fpmath.Balance
	MaxReserve       fpmath.Balance
	MinSubordination []fpmath.Perquintill
	// TrancheValues are the post-execution book values, senior first.
	TrancheValues []fpmath.Balance
}

// CheckCoreConstraint verifies the executed redemptions can be paid from
// executed supply plus the reserve. Sums run over target/solution pairs.
// It returns the currency available and the currency paid out.
func CheckCoreConstraint(targets []state.TrancheTarget, solution []state.Fulfillment, totalReserve fpmath.Balance) (available, out fpmath.Balance, err error) {
	supply, redeem, err := executedTotals(targets, solution)
	if err != nil {
		return fpmath.Balance{}, fpmath.Balance{}, err
	}
	available, ok := supply.CheckedAdd(totalReserve)
	if !ok {
		return fpmath.Balance{}, fpmath.Balance{}, fmt.Errorf("currency available: %w", ErrOverflow)
	}
	if redeem.GreaterThan(available) {
		return available, redeem, fmt.Errorf("redeem %s exceeds available %s: %w", redeem, available, ErrInsufficientCurrency)
	}
	return available, redeem, nil
}

// CheckPoolConstraints verifies the reserve ceiling and, senior to junior,
// that strictly more junior tranches hold at least each tranche's minimum
// subordination share of its value.
func CheckPoolConstraints(minSub []fpmath.Perquintill, values []fpmath.Balance, newReserve, maxReserve fpmath.Balance) error {
	if len(minSub) != len(values) {
		return fmt.Errorf("%d ratios for %d tranche values: %w", len(minSub), len(values), ErrInvalidData)
	}

	if newReserve.GreaterThan(maxReserve) {
		return fmt.Errorf("new reserve %s above max %s: %w", newReserve, maxReserve, ErrInsufficientReserve)
	}

	for i := range values {
		subordinate := fpmath.ZeroBalance()
		for _, v := range values[i+1:] {
			var ok bool
			if subordinate, ok = subordinate.CheckedAdd(v); !ok {
				return fmt.Errorf("subordinate value below tranche %d: %w", i, ErrOverflow)
			}
		}
		if got := fpmath.PerquintillFromRational(subordinate, values[i]); got < minSub[i] {
			return fmt.Errorf("tranche %d subordination %s below %s: %w", i, got, minSub[i], ErrSubordinationRatioViolated)
		}
	}
	return nil
}

// IsEpochValid runs the core constraint, then the pool constraints.
func IsEpochValid(info *EpochExecutionInfo, solution []state.Fulfillment) error {
	coreErr, poolErr := validateSolution(info, solution)
	if coreErr != nil {
		return coreErr
	}
	return poolErr
}

// validateSolution evaluates both constraint layers independently so a
// solver may under-fill liquidity while still honoring solvency.
func validateSolution(info *EpochExecutionInfo, solution []state.Fulfillment) (coreErr, poolErr error) {
	available, out, coreErr := CheckCoreConstraint(info.Targets, solution, info.TotalReserve)
	if coreErr != nil && KindOf(coreErr) == KindArithmetic {
		return coreErr, nil
	}

	if len(solution) != len(info.Targets) {
		return coreErr, fmt.Errorf("solution has %d entries for %d tranches: %w", len(solution), len(info.Targets), ErrInvalidData)
	}

	newReserve := available.SaturatingSub(out)
	return coreErr, CheckPoolConstraints(info.MinSubordination, info.TrancheValues, newReserve, info.MaxReserve)
}

func executedTotals(targets []state.TrancheTarget, solution []state.Fulfillment) (supply, redeem fpmath.Balance, err error) {
	n := len(targets)
	if len(solution) < n {
		n = len(solution)
	}
	for i := 0; i < n; i++ {
		var ok bool
		if supply, ok = supply.CheckedAdd(solution[i].Supply.MulFloor(targets[i].Supply)); !ok {
			return fpmath.Balance{}, fpmath.Balance{}, fmt.Errorf("executed supply: %w", ErrOverflow)
		}
		if redeem, ok = redeem.CheckedAdd(solution[i].Redeem.MulFloor(targets[i].Redeem)); !ok {
			return fpmath.Balance{}, fpmath.Balance{}, fmt.Errorf("executed redeem: %w", ErrOverflow)
		}
	}
	return supply, redeem, nil
}

// executionInfo snapshots p for validating solution against targets.
// Tranches past the end of solution are valued as if nothing executed.
func executionInfo(p *state.Pool, targets []state.TrancheTarget, solution []state.Fulfillment) (*EpochExecutionInfo, error) {
	info := &EpochExecutionInfo{
		Targets:          targets,
		TotalReserve:     p.TotalReserve,
		MaxReserve:       p.MaxReserve,
		MinSubordination: make([]fpmath.Perquintill, len(p.Tranches)),
		TrancheValues:    make([]fpmath.Balance, len(p.Tranches)),
	}
	for i := range p.Tranches {
		t := &p.Tranches[i]
		info.MinSubordination[i] = t.MinSubordinationRatio

		value, ok := t.Value()
		if !ok {
			return nil, fmt.Errorf("tranche %d value: %w", i, ErrOverflow)
		}
		if i < len(solution) && i < len(targets) {
			supply := solution[i].Supply.MulFloor(targets[i].Supply)
			redeem := solution[i].Redeem.MulFloor(targets[i].Redeem)
			if value, ok = value.CheckedAdd(supply); !ok {
				return nil, fmt.Errorf("tranche %d value: %w", i, ErrOverflow)
			}
			value = value.SaturatingSub(redeem)
		}
		info.TrancheValues[i] = value
	}
	return info, nil
}
