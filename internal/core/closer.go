package core

import (
	"errors"
	"fmt"

	"TrancheLedger/internal/event"
	fpmath "TrancheLedger/internal/math"
	"TrancheLedger/internal/state"
	"TrancheLedger/internal/store"
)

// EpochStatus is where a close or solve left the pool.
type EpochStatus int

const (
	EpochStatusExecuted EpochStatus = iota
	EpochStatusClosing
)

func (s EpochStatus) String() string {
	if s == EpochStatusClosing {
		return "closing"
	}
	return "executed"
}

// EpochResult describes the epoch a close or solve acted on.
type EpochResult struct {
	PoolID   state.PoolID
	Epoch    uint64
	Status   EpochStatus
	Outcomes []state.EpochOutcome
	Targets  []state.TrancheTarget
	// Reason is why the full solution was rejected; empty when executed.
	Reason string
}

func (e *Engine) handleCloseEpoch(tx *txContext, c *event.CloseEpoch) (*EpochResult, error) {
	p, err := tx.loadPool(c.PoolID)
	if err != nil {
		return nil, err
	}
	if p.IsClosing() {
		return nil, fmt.Errorf("pool %d: %w", p.ID, ErrPoolClosing)
	}

	closing := p.CurrentEpoch
	p.CurrentEpoch++
	p.LastEpochClosed = tx.now
	p.AvailableReserve = fpmath.ZeroBalance()
	epochReserve := p.TotalReserve

	supply, err := issuance(tx, p)
	if err != nil {
		return nil, err
	}
	// No NAV source is wired yet, so every asset is reserve cash.
	prices, err := ComputePrices(p, fpmath.ZeroBalance(), epochReserve, supply, tx.now)
	if err != nil {
		return nil, err
	}

	if !hasPendingOrders(p) {
		return e.executeNoop(tx, p, closing, prices, epochReserve)
	}

	for i, price := range prices {
		if price.IsZero() {
			return nil, fmt.Errorf("pool %d tranche %d: %w", p.ID, i, ErrWipedOut)
		}
	}

	targets, err := epochTargets(p, prices)
	if err != nil {
		return nil, err
	}
	pending := &state.PendingTargets{PoolID: p.ID, Epoch: closing, Tranches: targets}

	full := state.FullFulfillment(len(targets))
	info, err := executionInfo(p, targets, full)
	if err != nil {
		return nil, err
	}

	if verr := IsEpochValid(info, full); verr != nil {
		p.ClosingEpoch = &closing
		if err := tx.repo.PutPendingTargets(pending); err != nil {
			return nil, err
		}
		if err := tx.savePool(p); err != nil {
			return nil, err
		}
		tx.emit(&event.EpochClosed{
			PoolID:    p.ID,
			Epoch:     closing,
			Reason:    verr.Error(),
			Targets:   targets,
			Timestamp: tx.ts,
		})
		if e.metrics != nil {
			e.metrics.EpochsClosing.Inc()
		}
		e.logger.Info().Uint64("pool", uint64(p.ID)).Uint64("epoch", closing).
			Str("reason", verr.Error()).Msg("epoch closing, awaiting solution")
		return &EpochResult{
			PoolID:  p.ID,
			Epoch:   closing,
			Status:  EpochStatusClosing,
			Targets: targets,
			Reason:  verr.Error(),
		}, nil
	}

	outcomes, err := e.executeEpoch(tx, p, pending, full)
	if err != nil {
		return nil, err
	}
	e.recordExecuted(tx, p, closing, outcomes, "close")
	return &EpochResult{PoolID: p.ID, Epoch: closing, Status: EpochStatusExecuted, Outcomes: outcomes, Targets: targets}, nil
}

// executeNoop finishes an epoch with nothing to settle.
func (e *Engine) executeNoop(tx *txContext, p *state.Pool, closing uint64, prices []fpmath.Rate, epochReserve fpmath.Balance) (*EpochResult, error) {
	outcomes := make([]state.EpochOutcome, len(p.Tranches))
	for i := range p.Tranches {
		outcomes[i] = state.EpochOutcome{
			PoolID:     p.ID,
			Tranche:    state.TrancheIndex(i),
			Epoch:      closing,
			TokenPrice: prices[i],
		}
		if err := tx.repo.InsertEpochOutcome(&outcomes[i]); err != nil {
			return nil, err
		}
	}

	p.AvailableReserve = epochReserve
	p.LastEpochExecuted++
	if err := recomputeRatios(p); err != nil {
		return nil, err
	}
	if err := tx.savePool(p); err != nil {
		return nil, err
	}

	e.recordExecuted(tx, p, closing, outcomes, "noop")
	return &EpochResult{PoolID: p.ID, Epoch: closing, Status: EpochStatusExecuted, Outcomes: outcomes}, nil
}

func (e *Engine) handleSolveEpoch(tx *txContext, c *event.SolveEpoch) (*EpochResult, error) {
	p, err := tx.loadPool(c.PoolID)
	if err != nil {
		return nil, err
	}
	if !p.IsClosing() {
		return nil, fmt.Errorf("pool %d: %w", p.ID, ErrNotClosing)
	}
	pending, err := tx.repo.PendingTargets(p.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("pool %d targets: %w", p.ID, ErrNoSuchPool)
	}
	if err != nil {
		return nil, err
	}

	info, err := executionInfo(p, pending.Tranches, c.Solution)
	if err != nil {
		return nil, err
	}
	coreErr, poolErr := validateSolution(info, c.Solution)
	if coreErr != nil && !errors.Is(coreErr, ErrInsufficientCurrency) {
		e.recordSolve("rejected")
		return nil, fmt.Errorf("%w: %w", ErrInvalidSolution, coreErr)
	}
	if poolErr != nil {
		e.recordSolve("rejected")
		return nil, fmt.Errorf("%w: %w", ErrInvalidSolution, poolErr)
	}

	p.ClosingEpoch = nil
	outcomes, err := e.executeEpoch(tx, p, pending, c.Solution)
	if err != nil {
		return nil, err
	}
	if err := tx.repo.DeletePendingTargets(p.ID); err != nil {
		return nil, err
	}

	e.recordSolve("accepted")
	e.recordExecuted(tx, p, pending.Epoch, outcomes, "solve")
	return &EpochResult{PoolID: p.ID, Epoch: pending.Epoch, Status: EpochStatusExecuted, Outcomes: outcomes, Targets: pending.Tranches}, nil
}

func hasPendingOrders(p *state.Pool) bool {
	for i := range p.Tranches {
		if p.Tranches[i].HasPendingOrders() {
			return true
		}
	}
	return false
}

// epochTargets converts each tranche's pending redeem from tokens into
// settlement currency at its price.
func epochTargets(p *state.Pool, prices []fpmath.Rate) ([]state.TrancheTarget, error) {
	targets := make([]state.TrancheTarget, len(p.Tranches))
	for i := range p.Tranches {
		redeem, ok := prices[i].CheckedMulInt(p.Tranches[i].EpochRedeem)
		if !ok {
			return nil, fmt.Errorf("tranche %d redeem target: %w", i, ErrOverflow)
		}
		targets[i] = state.TrancheTarget{
			Supply: p.Tranches[i].EpochSupply,
			Redeem: redeem,
			Price:  prices[i],
		}
	}
	return targets, nil
}

func (e *Engine) recordExecuted(tx *txContext, p *state.Pool, epoch uint64, outcomes []state.EpochOutcome, path string) {
	snapshot := *p
	snapshot.Tranches = append([]state.Tranche(nil), p.Tranches...)
	tx.emit(&event.EpochExecuted{
		PoolID:    p.ID,
		Epoch:     epoch,
		Outcomes:  outcomes,
		State:     &snapshot,
		Timestamp: tx.ts,
	})
	if e.metrics != nil {
		e.metrics.EpochsExecuted.WithLabelValues(path).Inc()
	}
	e.logger.Info().Uint64("pool", uint64(p.ID)).Uint64("epoch", epoch).
		Str("path", path).Str("total_reserve", p.TotalReserve.String()).Msg("epoch executed")
}

func (e *Engine) recordSolve(result string) {
	if e.metrics != nil {
		e.metrics.SolveAttempts.WithLabelValues(result).Inc()
	}
}
