package state

import (
	fpmath "TrancheLedger/internal/math"
	"TrancheLedger/internal/ledger"

	"github.com/google/uuid"
)

// PoolID is assigned by the caller of CreatePool and never reused.
type PoolID uint64

// TrancheIndex orders tranches by seniority: 0 is the most senior, the last
// index is the junior (residual) tranche.
type TrancheIndex uint8

// MaxTranches is the most tranches a pool may have given TrancheIndex.
const MaxTranches = 255

// TrancheSpec is the creation-time description of one tranche.
type TrancheSpec struct {
	InterestPct uint8 `json:"interest_pct"` // whole percent per year
	MinSubPct   uint8 `json:"min_sub_pct"`  // whole percent of pool value
}

// IsJunior reports whether the spec can serve as the residual tranche.
func (s TrancheSpec) IsJunior() bool {
	return s.InterestPct == 0 && s.MinSubPct == 0
}

// Tranche is one risk slice of a pool.
type Tranche struct {
	InterestPerSec        fpmath.Perquintill `json:"interest_per_sec"`
	MinSubordinationRatio fpmath.Perquintill `json:"min_subordination_ratio"`

	EpochSupply fpmath.Balance `json:"epoch_supply"` // escrowed currency awaiting mint
	EpochRedeem fpmath.Balance `json:"epoch_redeem"` // escrowed tokens awaiting burn

	Debt    fpmath.Balance `json:"debt"`
	Reserve fpmath.Balance `json:"reserve"`

	Ratio               fpmath.Perquintill `json:"ratio"`
	LastUpdatedInterest int64              `json:"last_updated_interest"` // unix seconds
}

// Value is the tranche's book value, debt plus reserve.
func (t *Tranche) Value() (fpmath.Balance, bool) {
	return t.Debt.CheckedAdd(t.Reserve)
}

// HasPendingOrders reports whether any supply or redeem awaits execution.
func (t *Tranche) HasPendingOrders() bool {
	return !t.EpochSupply.IsZero() || !t.EpochRedeem.IsZero()
}

// Pool is the durable record of one investment pool.
type Pool struct {
	ID       PoolID            `json:"id"`
	Owner    uuid.UUID         `json:"owner"`
	Currency ledger.CurrencyID `json:"currency"`
	Tranches []Tranche         `json:"tranches"`

	CurrentEpoch      uint64  `json:"current_epoch"`
	LastEpochClosed   int64   `json:"last_epoch_closed"` // unix seconds
	LastEpochExecuted uint64  `json:"last_epoch_executed"`
	ClosingEpoch      *uint64 `json:"closing_epoch,omitempty"`

	MaxReserve       fpmath.Balance `json:"max_reserve"`
	AvailableReserve fpmath.Balance `json:"available_reserve"`
	TotalReserve     fpmath.Balance `json:"total_reserve"`

	Version int64 `json:"version"` // bumped on every write
}

// IsClosing reports whether an epoch awaits a solution.
func (p *Pool) IsClosing() bool {
	return p.ClosingEpoch != nil
}

// JuniorIndex is the index of the residual tranche.
func (p *Pool) JuniorIndex() int {
	return len(p.Tranches) - 1
}

// Tranche returns a pointer into the pool's tranche slice.
func (p *Pool) Tranche(idx TrancheIndex) (*Tranche, bool) {
	if int(idx) >= len(p.Tranches) {
		return nil, false
	}
	return &p.Tranches[idx], true
}

// TrancheCurrency is the token currency of tranche idx.
func (p *Pool) TrancheCurrency(idx TrancheIndex) ledger.CurrencyID {
	return ledger.TrancheCurrency(uint64(p.ID), uint8(idx))
}

// EscrowAccount is the pool-owned account holding escrow and reserve.
func (p *Pool) EscrowAccount() ledger.AccountKey {
	return ledger.NewPoolAccount(uint64(p.ID))
}
