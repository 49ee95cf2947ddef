package core

import (
	"fmt"

	"TrancheLedger/internal/event"
	"TrancheLedger/internal/ledger"
	fpmath "TrancheLedger/internal/math"
	"TrancheLedger/internal/state"
)

func (e *Engine) handleCreatePool(tx *txContext, c *event.CreatePool) error {
	exists, err := tx.repo.PoolExists(c.PoolID)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("pool %d: %w", c.PoolID, ErrPoolInUse)
	}

	if len(c.Tranches) == 0 || !c.Tranches[len(c.Tranches)-1].IsJunior() {
		return ErrNoJuniorTranche
	}
	if len(c.Tranches) > state.MaxTranches {
		return fmt.Errorf("%d tranches: %w", len(c.Tranches), ErrTrancheID)
	}
	if err := ledger.ValidateSettlementCurrency(c.Currency); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidData, err)
	}

	tranches := make([]state.Tranche, len(c.Tranches))
	for i, spec := range c.Tranches {
		tranches[i] = state.Tranche{
			InterestPerSec:        fpmath.InterestPerSecond(uint64(spec.InterestPct)),
			MinSubordinationRatio: fpmath.PerquintillFromPercent(uint64(spec.MinSubPct)),
			LastUpdatedInterest:   tx.now,
		}
	}

	p := &state.Pool{
		ID:              c.PoolID,
		Owner:           c.Owner,
		Currency:        c.Currency,
		Tranches:        tranches,
		CurrentEpoch:    1,
		LastEpochClosed: tx.now,
		MaxReserve:      c.MaxReserve,
	}
	if err := tx.savePool(p); err != nil {
		return err
	}

	tx.emit(&event.PoolCreated{
		PoolID:     p.ID,
		Owner:      p.Owner,
		Currency:   p.Currency,
		Tranches:   len(p.Tranches),
		MaxReserve: p.MaxReserve,
		Timestamp:  tx.ts,
	})
	return nil
}

// handleMint seeds settlement currency for development setups.
func (e *Engine) handleMint(tx *txContext, c *event.Mint) error {
	if !e.allowMint {
		return ErrMintDisabled
	}
	if err := ledger.ValidateSettlementCurrency(c.Currency); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return tx.ledger.Deposit(c.Currency, ledger.NewInvestorAccount(c.Investor), c.Amount)
}

// issuance reads the outstanding token supply of every tranche of p.
func issuance(tx *txContext, p *state.Pool) ([]fpmath.Balance, error) {
	out := make([]fpmath.Balance, len(p.Tranches))
	for i := range p.Tranches {
		v, err := tx.ledger.TotalIssuance(p.TrancheCurrency(state.TrancheIndex(i)))
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
