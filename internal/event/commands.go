package event

import (
	"time"

	"TrancheLedger/internal/ledger"
	fpmath "TrancheLedger/internal/math"
	"TrancheLedger/internal/state"

	"github.com/google/uuid"
)

// CreatePool registers a pool under a caller-chosen id.
type CreatePool struct {
	CommandID  string              `json:"command_id"`
	PoolID     state.PoolID        `json:"pool_id"`
	Owner      uuid.UUID           `json:"owner"`
	Tranches   []state.TrancheSpec `json:"tranches"`
	Currency   ledger.CurrencyID   `json:"currency"`
	MaxReserve fpmath.Balance      `json:"max_reserve"`
	Timestamp  time.Time           `json:"timestamp"`
}

func (c *CreatePool) IdempotencyKey() string { return c.CommandID }
func (c *CreatePool) EventType() EventType   { return EventTypeCreatePool }
func (c *CreatePool) Pool() *state.PoolID    { return poolRef(c.PoolID) }
func (c *CreatePool) Time() time.Time        { return c.Timestamp }

// OrderSupply replaces the investor's standing supply for a tranche.
type OrderSupply struct {
	CommandID string             `json:"command_id"`
	PoolID    state.PoolID       `json:"pool_id"`
	Tranche   state.TrancheIndex `json:"tranche"`
	Investor  uuid.UUID          `json:"investor"`
	Amount    fpmath.Balance     `json:"amount"`
	Timestamp time.Time          `json:"timestamp"`
}

func (c *OrderSupply) IdempotencyKey() string { return c.CommandID }
func (c *OrderSupply) EventType() EventType   { return EventTypeOrderSupply }
func (c *OrderSupply) Pool() *state.PoolID    { return poolRef(c.PoolID) }
func (c *OrderSupply) Time() time.Time        { return c.Timestamp }

// OrderRedeem replaces the investor's standing redeem for a tranche.
type OrderRedeem struct {
	CommandID string             `json:"command_id"`
	PoolID    state.PoolID       `json:"pool_id"`
	Tranche   state.TrancheIndex `json:"tranche"`
	Investor  uuid.UUID          `json:"investor"`
	Amount    fpmath.Balance     `json:"amount"` // tranche tokens
	Timestamp time.Time          `json:"timestamp"`
}

func (c *OrderRedeem) IdempotencyKey() string { return c.CommandID }
func (c *OrderRedeem) EventType() EventType   { return EventTypeOrderRedeem }
func (c *OrderRedeem) Pool() *state.PoolID    { return poolRef(c.PoolID) }
func (c *OrderRedeem) Time() time.Time        { return c.Timestamp }

// CloseEpoch ends the pool's current epoch.
type CloseEpoch struct {
	CommandID string       `json:"command_id"`
	PoolID    state.PoolID `json:"pool_id"`
	Timestamp time.Time    `json:"timestamp"`
}

func (c *CloseEpoch) IdempotencyKey() string { return c.CommandID }
func (c *CloseEpoch) EventType() EventType   { return EventTypeCloseEpoch }
func (c *CloseEpoch) Pool() *state.PoolID    { return poolRef(c.PoolID) }
func (c *CloseEpoch) Time() time.Time        { return c.Timestamp }

// SolveEpoch proposes per-tranche fulfillment for a closing epoch.
type SolveEpoch struct {
	CommandID string              `json:"command_id"`
	PoolID    state.PoolID        `json:"pool_id"`
	Solution  []state.Fulfillment `json:"solution"`
	Timestamp time.Time           `json:"timestamp"`
}

func (c *SolveEpoch) IdempotencyKey() string { return c.CommandID }
func (c *SolveEpoch) EventType() EventType   { return EventTypeSolveEpoch }
func (c *SolveEpoch) Pool() *state.PoolID    { return poolRef(c.PoolID) }
func (c *SolveEpoch) Time() time.Time        { return c.Timestamp }

// Borrow draws reserve out of the pool as debt. Integration scaffolding
// standing in for a borrower-accounting module.
type Borrow struct {
	CommandID string         `json:"command_id"`
	PoolID    state.PoolID   `json:"pool_id"`
	Borrower  uuid.UUID      `json:"borrower"`
	Amount    fpmath.Balance `json:"amount"`
	Timestamp time.Time      `json:"timestamp"`
}

func (c *Borrow) IdempotencyKey() string { return c.CommandID }
func (c *Borrow) EventType() EventType   { return EventTypeBorrow }
func (c *Borrow) Pool() *state.PoolID    { return poolRef(c.PoolID) }
func (c *Borrow) Time() time.Time        { return c.Timestamp }

// Payback returns currency to the pool, repaying debt. Integration
// scaffolding like Borrow.
type Payback struct {
	CommandID string         `json:"command_id"`
	PoolID    state.PoolID   `json:"pool_id"`
	Payer     uuid.UUID      `json:"payer"`
	Amount    fpmath.Balance `json:"amount"`
	Timestamp time.Time      `json:"timestamp"`
}

func (c *Payback) IdempotencyKey() string { return c.CommandID }
func (c *Payback) EventType() EventType   { return EventTypePayback }
func (c *Payback) Pool() *state.PoolID    { return poolRef(c.PoolID) }
func (c *Payback) Time() time.Time        { return c.Timestamp }

// Mint credits settlement currency to an investor. Development only; the
// engine rejects it unless minting is enabled.
type Mint struct {
	CommandID string            `json:"command_id"`
	Currency  ledger.CurrencyID `json:"currency"`
	Investor  uuid.UUID         `json:"investor"`
	Amount    fpmath.Balance    `json:"amount"`
	Timestamp time.Time         `json:"timestamp"`
}

func (c *Mint) IdempotencyKey() string { return c.CommandID }
func (c *Mint) EventType() EventType   { return EventTypeMint }
func (c *Mint) Pool() *state.PoolID    { return nil }
func (c *Mint) Time() time.Time        { return c.Timestamp }

// Collect settles an investor's executed orders: minted tokens and redeemed
// currency move from the pool escrow to the investor and the order keeps
// only its unexecuted remainder.
type Collect struct {
	CommandID string             `json:"command_id"`
	PoolID    state.PoolID       `json:"pool_id"`
	Tranche   state.TrancheIndex `json:"tranche"`
	Investor  uuid.UUID          `json:"investor"`
	Timestamp time.Time          `json:"timestamp"`
}

func (c *Collect) IdempotencyKey() string { return c.CommandID }
func (c *Collect) EventType() EventType   { return EventTypeCollect }
func (c *Collect) Pool() *state.PoolID    { return poolRef(c.PoolID) }
func (c *Collect) Time() time.Time        { return c.Timestamp }
