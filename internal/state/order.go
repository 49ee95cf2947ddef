package state

import (
	fpmath "TrancheLedger/internal/math"

	"github.com/google/uuid"
)

// Order is an investor's standing supply and redeem for one tranche.
// Amounts are cumulative: unfilled remainders roll into later epochs.
type Order struct {
	PoolID   PoolID       `json:"pool_id"`
	Tranche  TrancheIndex `json:"tranche"`
	Investor uuid.UUID    `json:"investor"`

	Supply fpmath.Balance `json:"supply"` // currency
	Redeem fpmath.Balance `json:"redeem"` // tranche tokens
	Epoch  uint64         `json:"epoch"`  // epoch of the last change
}

// EpochOutcome is the immutable settlement record of one tranche in one
// executed epoch.
type EpochOutcome struct {
	PoolID  PoolID       `json:"pool_id"`
	Tranche TrancheIndex `json:"tranche"`
	Epoch   uint64       `json:"epoch"`

	SupplyFulfillment fpmath.Perquintill `json:"supply_fulfillment"`
	RedeemFulfillment fpmath.Perquintill `json:"redeem_fulfillment"`
	TokenPrice        fpmath.Rate        `json:"token_price"`
}

// Settlement tracks what one tranche's executed epoch still owes the
// orders that have not collected it yet. Each collector takes its pro-rata
// floor share of the remaining amounts and leaves the base; the last
// collector takes the remainder, so nothing executed is left unowned.
type Settlement struct {
	PoolID  PoolID       `json:"pool_id"`
	Tranche TrancheIndex `json:"tranche"`
	Epoch   uint64       `json:"epoch"`

	SupplyBase     fpmath.Balance `json:"supply_base"`     // currency still ordered
	SupplyExecuted fpmath.Balance `json:"supply_executed"` // currency still to debit from orders
	Minted         fpmath.Balance `json:"minted"`          // tokens still to hand out

	RedeemBase   fpmath.Balance `json:"redeem_base"`   // tokens still ordered
	RedeemBurned fpmath.Balance `json:"redeem_burned"` // tokens still to debit from orders
	Paid         fpmath.Balance `json:"paid"`          // currency still to hand out
}

// Settled reports whether every order has collected its share.
func (s *Settlement) Settled() bool {
	return s.SupplyBase.IsZero() && s.RedeemBase.IsZero()
}

// TrancheTarget is the currency needed to fill a tranche completely.
type TrancheTarget struct {
	Supply fpmath.Balance `json:"supply"`
	Redeem fpmath.Balance `json:"redeem"`
	Price  fpmath.Rate    `json:"price"`
}

// PendingTargets exist only while a pool is closing.
type PendingTargets struct {
	PoolID   PoolID          `json:"pool_id"`
	Epoch    uint64          `json:"epoch"`
	Tranches []TrancheTarget `json:"tranches"`
}

// Fulfillment is the share of one tranche's targets a solution executes.
type Fulfillment struct {
	Supply fpmath.Perquintill `json:"supply"`
	Redeem fpmath.Perquintill `json:"redeem"`
}

// FullFulfillment fills every one of n tranches completely.
func FullFulfillment(n int) []Fulfillment {
	out := make([]Fulfillment, n)
	for i := range out {
		out[i] = Fulfillment{Supply: fpmath.PerquintillOne, Redeem: fpmath.PerquintillOne}
	}
	return out
}
