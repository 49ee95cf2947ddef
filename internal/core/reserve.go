package core

import (
	"fmt"

	"TrancheLedger/internal/event"
	"TrancheLedger/internal/ledger"
	fpmath "TrancheLedger/internal/math"
	"TrancheLedger/internal/state"
)

// Borrow and Payback stand in for a borrower-accounting module: they move
// reserve cash to debt and back without any loan bookkeeping.

func (e *Engine) handleBorrow(tx *txContext, c *event.Borrow) error {
	p, err := tx.loadPool(c.PoolID)
	if err != nil {
		return err
	}

	total, ok := p.TotalReserve.CheckedSub(c.Amount)
	if !ok {
		return fmt.Errorf("borrow %s from total reserve %s: %w", c.Amount, p.TotalReserve, ErrOverflow)
	}
	available, ok := p.AvailableReserve.CheckedSub(c.Amount)
	if !ok {
		return fmt.Errorf("borrow %s from available reserve %s: %w", c.Amount, p.AvailableReserve, ErrOverflow)
	}
	p.TotalReserve = total
	p.AvailableReserve = available

	if err := accrueAll(p, tx.now); err != nil {
		return err
	}

	shares, err := BorrowShares(p, c.Amount)
	if err != nil {
		return err
	}
	for i, share := range shares {
		t := &p.Tranches[i]
		t.Reserve, _ = t.Reserve.CheckedSub(share)
		if t.Debt, ok = t.Debt.CheckedAdd(share); !ok {
			return fmt.Errorf("tranche %d debt: %w", i, ErrOverflow)
		}
	}

	if err := recomputeRatios(p); err != nil {
		return err
	}
	if err := tx.ledger.Transfer(p.Currency, p.EscrowAccount(), ledger.NewInvestorAccount(c.Borrower), c.Amount); err != nil {
		return err
	}
	return tx.savePool(p)
}

func (e *Engine) handlePayback(tx *txContext, c *event.Payback) error {
	p, err := tx.loadPool(c.PoolID)
	if err != nil {
		return err
	}

	total, ok := p.TotalReserve.CheckedAdd(c.Amount)
	if !ok {
		return fmt.Errorf("payback %s into total reserve %s: %w", c.Amount, p.TotalReserve, ErrOverflow)
	}
	p.TotalReserve = total

	if err := accrueAll(p, tx.now); err != nil {
		return err
	}

	junior := p.JuniorIndex()
	remaining := c.Amount
	for i := range p.Tranches {
		t := &p.Tranches[i]
		repaid := fpmath.MinBalance(remaining, t.Debt)
		if i == junior {
			// The junior tranche keeps whatever is left after its own debt.
			repaid = remaining
			t.Debt = t.Debt.SaturatingSub(remaining)
		} else {
			t.Debt, _ = t.Debt.CheckedSub(repaid)
		}
		remaining = remaining.SaturatingSub(repaid)

		if t.Reserve, ok = t.Reserve.CheckedAdd(repaid); !ok {
			return fmt.Errorf("tranche %d reserve: %w", i, ErrOverflow)
		}
	}

	if err := recomputeRatios(p); err != nil {
		return err
	}
	if err := tx.ledger.Transfer(p.Currency, ledger.NewInvestorAccount(c.Payer), p.EscrowAccount(), c.Amount); err != nil {
		return err
	}
	return tx.savePool(p)
}

// BorrowShares splits amount across the tranche reserves. Non-junior
// tranches take their value ratio of amount and the junior tranche the rest,
// each capped at its own reserve; what the caps leave over goes to the
// non-junior tranches with reserve to spare, senior first.
func BorrowShares(p *state.Pool, amount fpmath.Balance) ([]fpmath.Balance, error) {
	shares := make([]fpmath.Balance, len(p.Tranches))
	junior := p.JuniorIndex()
	remaining := amount
	for i := range p.Tranches {
		share := remaining
		if i != junior {
			share = fpmath.MinBalance(p.Tranches[i].Ratio.MulFloor(amount), remaining)
		}
		share = fpmath.MinBalance(share, p.Tranches[i].Reserve)
		shares[i] = share
		remaining, _ = remaining.CheckedSub(share)
	}

	for i := range p.Tranches {
		if remaining.IsZero() {
			break
		}
		if i == junior {
			continue
		}
		spare, _ := p.Tranches[i].Reserve.CheckedSub(shares[i])
		extra := fpmath.MinBalance(spare, remaining)
		shares[i], _ = shares[i].CheckedAdd(extra)
		remaining, _ = remaining.CheckedSub(extra)
	}

	if !remaining.IsZero() {
		return nil, fmt.Errorf("tranche reserves short of borrow %s by %s: %w", amount, remaining, ErrOverflow)
	}
	return shares, nil
}

func accrueAll(p *state.Pool, now int64) error {
	for i := range p.Tranches {
		if err := AccrueInterest(&p.Tranches[i], now); err != nil {
			return err
		}
	}
	return nil
}
