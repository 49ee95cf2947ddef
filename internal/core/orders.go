package core

import (
	"errors"
	"fmt"

	"TrancheLedger/internal/event"
	"TrancheLedger/internal/ledger"
	fpmath "TrancheLedger/internal/math"
	"TrancheLedger/internal/state"
	"TrancheLedger/internal/store"

	"github.com/google/uuid"
)

func (e *Engine) handleOrderSupply(tx *txContext, c *event.OrderSupply) error {
	return e.updateOrder(tx, c.PoolID, c.Tranche, c.Investor, c.Amount, false)
}

func (e *Engine) handleOrderRedeem(tx *txContext, c *event.OrderRedeem) error {
	return e.updateOrder(tx, c.PoolID, c.Tranche, c.Investor, c.Amount, true)
}

// openOrder loads the pool and the investor's order, checking in order:
// pool exists, pool not closing, tranche exists.
func openOrder(tx *txContext, poolID state.PoolID, idx state.TrancheIndex, investor uuid.UUID, allowClosing bool) (*state.Pool, *state.Order, error) {
	p, err := tx.loadPool(poolID)
	if err != nil {
		return nil, nil, err
	}
	if !allowClosing && p.IsClosing() {
		return nil, nil, fmt.Errorf("pool %d: %w", poolID, ErrPoolClosing)
	}
	if _, ok := p.Tranche(idx); !ok {
		return nil, nil, fmt.Errorf("pool %d tranche %d: %w", poolID, idx, ErrNoSuchPool)
	}
	order, err := tx.repo.Order(poolID, idx, investor)
	if err != nil {
		return nil, nil, err
	}
	return p, order, nil
}

// updateOrder replaces the investor's standing supply (or redeem) amount.
// The delta moves between the investor and the pool escrow right away and
// the tranche accumulator follows it.
func (e *Engine) updateOrder(tx *txContext, poolID state.PoolID, idx state.TrancheIndex, investor uuid.UUID, amount fpmath.Balance, redeem bool) error {
	p, order, err := openOrder(tx, poolID, idx, investor, false)
	if err != nil {
		return err
	}
	if err := collectOrder(tx, p, order); err != nil {
		return err
	}

	tranche, _ := p.Tranche(idx)
	standing, accumulator, currency := &order.Supply, &tranche.EpochSupply, p.Currency
	if redeem {
		standing, accumulator, currency = &order.Redeem, &tranche.EpochRedeem, p.TrancheCurrency(idx)
	}

	investorAcct := ledger.NewInvestorAccount(investor)
	escrow := p.EscrowAccount()

	switch amount.Cmp(*standing) {
	case 1:
		delta, _ := amount.CheckedSub(*standing)
		next, ok := accumulator.CheckedAdd(delta)
		if !ok {
			return fmt.Errorf("tranche %d accumulator: %w", idx, ErrOverflow)
		}
		*accumulator = next
		if err := tx.ledger.Transfer(currency, investorAcct, escrow, delta); err != nil {
			return err
		}
	case -1:
		delta, _ := standing.CheckedSub(amount)
		next, ok := accumulator.CheckedSub(delta)
		if !ok {
			return fmt.Errorf("tranche %d accumulator: %w", idx, ErrOverflow)
		}
		*accumulator = next
		if err := tx.ledger.Transfer(currency, escrow, investorAcct, delta); err != nil {
			return err
		}
	}

	*standing = amount
	order.Epoch = p.CurrentEpoch

	if err := tx.repo.PutOrder(order); err != nil {
		return err
	}
	if err := tx.savePool(p); err != nil {
		return err
	}
	tx.emit(&event.OrderUpdated{Order: *order, Timestamp: tx.ts})
	return nil
}

func (e *Engine) handleCollect(tx *txContext, c *event.Collect) error {
	p, order, err := openOrder(tx, c.PoolID, c.Tranche, c.Investor, true)
	if err != nil {
		return err
	}
	return collectOrder(tx, p, order)
}

// collectOrder settles every executed epoch since the order was last
// touched. Per epoch the order draws its pro-rata floor share of the
// settlement, and the last order to collect takes what is left, so the
// standing orders always sum to the tranche accumulators and the unexecuted
// remainder stays on each order.
func collectOrder(tx *txContext, p *state.Pool, order *state.Order) error {
	if order.Supply.IsZero() && order.Redeem.IsZero() {
		return nil
	}
	if order.Epoch > p.LastEpochExecuted {
		return nil
	}

	tokens := fpmath.ZeroBalance()
	paid := fpmath.ZeroBalance()
	epochs := 0
	for epoch := order.Epoch; epoch <= p.LastEpochExecuted; epoch++ {
		if order.Supply.IsZero() && order.Redeem.IsZero() {
			break
		}
		s, err := tx.repo.Settlement(p.ID, order.Tranche, epoch)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		epochs++

		if !order.Supply.IsZero() {
			debit, minted, err := settle(&s.SupplyBase, &s.SupplyExecuted, &s.Minted, order.Supply)
			if err != nil {
				return fmt.Errorf("collect epoch %d supply: %w", epoch, err)
			}
			var ok bool
			if tokens, ok = tokens.CheckedAdd(minted); !ok {
				return fmt.Errorf("collect tokens: %w", ErrOverflow)
			}
			order.Supply, _ = order.Supply.CheckedSub(debit)
		}

		if !order.Redeem.IsZero() {
			burned, payout, err := settle(&s.RedeemBase, &s.RedeemBurned, &s.Paid, order.Redeem)
			if err != nil {
				return fmt.Errorf("collect epoch %d redeem: %w", epoch, err)
			}
			var ok bool
			if paid, ok = paid.CheckedAdd(payout); !ok {
				return fmt.Errorf("collect payout: %w", ErrOverflow)
			}
			order.Redeem, _ = order.Redeem.CheckedSub(burned)
		}

		if err := tx.repo.PutSettlement(s); err != nil {
			return err
		}
	}
	order.Epoch = p.LastEpochExecuted + 1

	investor := ledger.NewInvestorAccount(order.Investor)
	escrow := p.EscrowAccount()
	if err := tx.ledger.Transfer(p.TrancheCurrency(order.Tranche), escrow, investor, tokens); err != nil {
		return fmt.Errorf("collect tokens: %w", err)
	}
	if err := tx.ledger.Transfer(p.Currency, escrow, investor, paid); err != nil {
		return fmt.Errorf("collect currency: %w", err)
	}

	if err := tx.repo.PutOrder(order); err != nil {
		return err
	}
	if epochs > 0 {
		tx.emit(&event.OrderCollected{
			Order:     *order,
			Tokens:    tokens,
			Currency:  paid,
			Epochs:    epochs,
			Timestamp: tx.ts,
		})
	}
	return nil
}

// settle draws part's pro-rata share of debit and of credit, then removes
// part from base. The part that empties base takes whatever is left. debit
// never exceeds base, so the drawn debit never exceeds part.
func settle(base, debit, credit *fpmath.Balance, part fpmath.Balance) (debited, credited fpmath.Balance, err error) {
	rest, ok := base.CheckedSub(part)
	if !ok {
		return debited, credited, fmt.Errorf("order %s above unsettled base %s: %w", part, *base, ErrOverflow)
	}
	if rest.IsZero() {
		debited, credited = *debit, *credit
	} else {
		if debited, ok = debit.CheckedMulDiv(part, *base); !ok {
			return debited, credited, ErrOverflow
		}
		if credited, ok = credit.CheckedMulDiv(part, *base); !ok {
			return debited, credited, ErrOverflow
		}
	}
	*debit, _ = debit.CheckedSub(debited)
	*credit, _ = credit.CheckedSub(credited)
	*base = rest
	return debited, credited, nil
}
