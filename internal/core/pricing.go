package core

import (
	"fmt"

	fpmath "TrancheLedger/internal/math"
	"TrancheLedger/internal/state"
)

// AccrueInterest compounds the tranche's debt from last_updated_interest to
// now. A clock that moved backwards counts as zero elapsed time.
func AccrueInterest(t *state.Tranche, now int64) error {
	var elapsed uint64
	if now > t.LastUpdatedInterest {
		elapsed = uint64(now - t.LastUpdatedInterest)
	}
	debt, ok := fpmath.Accrue(t.Debt, t.InterestPerSec, elapsed)
	if !ok {
		return fmt.Errorf("accrue %s debt over %ds: %w", t.Debt, elapsed, ErrOverflow)
	}
	t.Debt = debt
	if now > t.LastUpdatedInterest {
		t.LastUpdatedInterest = now
	}
	return nil
}

// ComputePrices prices every tranche of p. issuance[i] is the outstanding
// token supply of tranche i. Non-junior tranches are accrued to now first.
//
// With total assets nav+reserve, tranches are valued senior to junior at
// min(remaining, debt+reserve); the junior tranche takes whatever remains.
// A tranche with no issuance, or a pool with no assets, is priced at one.
func ComputePrices(p *state.Pool, nav, reserve fpmath.Balance, issuance []fpmath.Balance, now int64) ([]fpmath.Rate, error) {
	if len(issuance) != len(p.Tranches) {
		return nil, fmt.Errorf("%d issuance values for %d tranches: %w", len(issuance), len(p.Tranches), ErrInvalidData)
	}

	junior := p.JuniorIndex()
	for i := 0; i < junior; i++ {
		if err := AccrueInterest(&p.Tranches[i], now); err != nil {
			return nil, err
		}
	}

	totalAssets, ok := nav.CheckedAdd(reserve)
	if !ok {
		return nil, fmt.Errorf("total assets: %w", ErrOverflow)
	}
	remaining := totalAssets

	prices := make([]fpmath.Rate, len(p.Tranches))
	for i := range p.Tranches {
		if totalAssets.IsZero() || issuance[i].IsZero() {
			prices[i] = fpmath.RateOne()
			continue
		}

		var value fpmath.Balance
		if i == junior {
			value = remaining
		} else {
			bookValue, ok := p.Tranches[i].Value()
			if !ok {
				return nil, fmt.Errorf("tranche %d value: %w", i, ErrOverflow)
			}
			value = fpmath.MinBalance(bookValue, remaining)
			remaining = remaining.SaturatingSub(value)
		}

		price, ok := fpmath.CheckedRateFromRational(value, issuance[i])
		if !ok {
			return nil, fmt.Errorf("tranche %d price %s/%s: %w", i, value, issuance[i], ErrOverflow)
		}
		prices[i] = price
	}
	return prices, nil
}

// recomputeRatios sets each tranche's share of total book value. The junior
// tranche takes one minus the others so the shares sum to exactly one. With
// no value in the pool every ratio is zero.
func recomputeRatios(p *state.Pool) error {
	values := make([]fpmath.Balance, len(p.Tranches))
	total := fpmath.ZeroBalance()
	for i := range p.Tranches {
		v, ok := p.Tranches[i].Value()
		if !ok {
			return fmt.Errorf("tranche %d value: %w", i, ErrOverflow)
		}
		values[i] = v
		if total, ok = total.CheckedAdd(v); !ok {
			return fmt.Errorf("pool value: %w", ErrOverflow)
		}
	}

	if total.IsZero() {
		for i := range p.Tranches {
			p.Tranches[i].Ratio = 0
		}
		return nil
	}

	junior := p.JuniorIndex()
	var assigned fpmath.Perquintill
	for i := 0; i < junior; i++ {
		r := fpmath.PerquintillFromRational(values[i], total)
		p.Tranches[i].Ratio = r
		assigned = assigned.SaturatingAdd(r)
	}
	p.Tranches[junior].Ratio = fpmath.PerquintillOne.SaturatingSub(assigned)
	return nil
}
