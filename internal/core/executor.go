package core

import (
	"fmt"

	fpmath "TrancheLedger/internal/math"
	"TrancheLedger/internal/state"
)

// executeEpoch applies solution to the targets of one epoch: pending
// accumulators shrink by what executed, tranche tokens are minted or burned
// on the pool escrow, outcomes are recorded and reserves rebalanced.
//
// Supply targets are currency and redeem accumulators are tokens, so the
// redeem accumulator shrinks by redeem_ratio * epoch_redeem tokens. A full
// solution therefore zeroes both accumulators exactly. What executed is
// parked in a Settlement that the tranche's orders draw down on collect.
func (e *Engine) executeEpoch(tx *txContext, p *state.Pool, pending *state.PendingTargets, solution []state.Fulfillment) ([]state.EpochOutcome, error) {
	targets := pending.Tranches
	if len(solution) != len(targets) || len(targets) != len(p.Tranches) {
		return nil, fmt.Errorf("%d solutions, %d targets, %d tranches: %w",
			len(solution), len(targets), len(p.Tranches), ErrInvalidData)
	}

	supplies := make([]fpmath.Balance, len(targets))
	redeems := make([]fpmath.Balance, len(targets))
	totalSupply := fpmath.ZeroBalance()
	totalRedeem := fpmath.ZeroBalance()
	for i, target := range targets {
		supplies[i] = solution[i].Supply.MulFloor(target.Supply)
		redeems[i] = solution[i].Redeem.MulFloor(target.Redeem)

		var ok bool
		if totalSupply, ok = totalSupply.CheckedAdd(supplies[i]); !ok {
			return nil, fmt.Errorf("total executed supply: %w", ErrOverflow)
		}
		if totalRedeem, ok = totalRedeem.CheckedAdd(redeems[i]); !ok {
			return nil, fmt.Errorf("total executed redeem: %w", ErrOverflow)
		}
	}

	escrow := p.EscrowAccount()
	outcomes := make([]state.EpochOutcome, len(targets))
	for i := range p.Tranches {
		t := &p.Tranches[i]
		idx := state.TrancheIndex(i)
		price := targets[i].Price

		redeemedTokens := solution[i].Redeem.MulFloor(t.EpochRedeem)
		settlement := &state.Settlement{
			PoolID:         p.ID,
			Tranche:        idx,
			Epoch:          pending.Epoch,
			SupplyBase:     t.EpochSupply,
			SupplyExecuted: supplies[i],
			RedeemBase:     t.EpochRedeem,
			RedeemBurned:   redeemedTokens,
			Paid:           redeems[i],
		}

		var ok bool
		if t.EpochSupply, ok = t.EpochSupply.CheckedSub(supplies[i]); !ok {
			return nil, fmt.Errorf("tranche %d epoch supply: %w", i, ErrOverflow)
		}
		if t.EpochRedeem, ok = t.EpochRedeem.CheckedSub(redeemedTokens); !ok {
			return nil, fmt.Errorf("tranche %d epoch redeem: %w", i, ErrOverflow)
		}

		minted, ok := price.CheckedDivInt(supplies[i])
		if !ok {
			return nil, fmt.Errorf("tranche %d mint at price %s: %w", i, price, ErrOverflow)
		}
		settlement.Minted = minted
		if err := tx.repo.PutSettlement(settlement); err != nil {
			return nil, err
		}

		currency := p.TrancheCurrency(idx)
		switch minted.Cmp(redeemedTokens) {
		case 1:
			net, _ := minted.CheckedSub(redeemedTokens)
			if err := tx.ledger.Deposit(currency, escrow, net); err != nil {
				return nil, err
			}
		case -1:
			net, _ := redeemedTokens.CheckedSub(minted)
			if err := tx.ledger.Withdraw(currency, escrow, net); err != nil {
				return nil, err
			}
		}

		outcomes[i] = state.EpochOutcome{
			PoolID:            p.ID,
			Tranche:           idx,
			Epoch:             pending.Epoch,
			SupplyFulfillment: solution[i].Supply,
			RedeemFulfillment: solution[i].Redeem,
			TokenPrice:        price,
		}
		if err := tx.repo.InsertEpochOutcome(&outcomes[i]); err != nil {
			return nil, err
		}

		if err := rebalanceTranche(t, supplies[i], redeems[i]); err != nil {
			return nil, fmt.Errorf("tranche %d: %w", i, err)
		}
	}

	reserve, ok := p.TotalReserve.CheckedAdd(totalSupply)
	if ok {
		reserve, ok = reserve.CheckedSub(totalRedeem)
	}
	if !ok {
		return nil, fmt.Errorf("total reserve %s + %s - %s: %w", p.TotalReserve, totalSupply, totalRedeem, ErrOverflow)
	}
	p.TotalReserve = reserve
	p.AvailableReserve = reserve
	p.LastEpochExecuted++

	if err := recomputeRatios(p); err != nil {
		return nil, err
	}
	if err := tx.savePool(p); err != nil {
		return nil, err
	}
	return outcomes, nil
}

// rebalanceTranche moves executed supply into the tranche reserve and pays
// executed redemptions out of it. A redemption beyond reserve plus supply
// is drawn from the tranche's debt claim.
func rebalanceTranche(t *state.Tranche, supply, redeem fpmath.Balance) error {
	reserve, ok := t.Reserve.CheckedAdd(supply)
	if !ok {
		return fmt.Errorf("reserve: %w", ErrOverflow)
	}
	if reserve.Cmp(redeem) >= 0 {
		t.Reserve, _ = reserve.CheckedSub(redeem)
		return nil
	}
	shortfall, _ := redeem.CheckedSub(reserve)
	t.Reserve = fpmath.ZeroBalance()
	t.Debt = t.Debt.SaturatingSub(shortfall)
	return nil
}
