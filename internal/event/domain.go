package event

import (
	"time"

	"TrancheLedger/internal/ledger"
	fpmath "TrancheLedger/internal/math"
	"TrancheLedger/internal/state"

	"github.com/google/uuid"
)

// PoolCreated is emitted once per successful CreatePool.
type PoolCreated struct {
	PoolID     state.PoolID      `json:"pool_id"`
	Owner      uuid.UUID         `json:"owner"`
	Currency   ledger.CurrencyID `json:"currency"`
	Tranches   int               `json:"tranches"`
	MaxReserve fpmath.Balance    `json:"max_reserve"`
	Timestamp  time.Time         `json:"timestamp"`
}

func (e *PoolCreated) EventType() EventType { return EventTypePoolCreated }
func (e *PoolCreated) Pool() *state.PoolID  { return poolRef(e.PoolID) }

// OrderUpdated carries an investor's order after a supply or redeem change.
type OrderUpdated struct {
	Order     state.Order `json:"order"`
	Timestamp time.Time   `json:"timestamp"`
}

func (e *OrderUpdated) EventType() EventType { return EventTypeOrderUpdated }
func (e *OrderUpdated) Pool() *state.PoolID  { return poolRef(e.Order.PoolID) }

// EpochClosed means the full solution failed and the pool awaits a solve.
type EpochClosed struct {
	PoolID    state.PoolID          `json:"pool_id"`
	Epoch     uint64                `json:"epoch"`
	Reason    string                `json:"reason"`
	Targets   []state.TrancheTarget `json:"targets"`
	Timestamp time.Time             `json:"timestamp"`
}

func (e *EpochClosed) EventType() EventType { return EventTypeEpochClosed }
func (e *EpochClosed) Pool() *state.PoolID  { return poolRef(e.PoolID) }

// EpochExecuted reports an executed epoch with the pool state after it.
type EpochExecuted struct {
	PoolID    state.PoolID         `json:"pool_id"`
	Epoch     uint64               `json:"epoch"`
	Outcomes  []state.EpochOutcome `json:"outcomes"`
	State     *state.Pool          `json:"pool"`
	Timestamp time.Time            `json:"timestamp"`
}

func (e *EpochExecuted) EventType() EventType { return EventTypeEpochExecuted }
func (e *EpochExecuted) Pool() *state.PoolID  { return poolRef(e.PoolID) }

// OrderCollected reports what an investor received from executed epochs.
type OrderCollected struct {
	Order     state.Order    `json:"order"`
	Tokens    fpmath.Balance `json:"tokens"`
	Currency  fpmath.Balance `json:"currency"`
	Epochs    int            `json:"epochs"`
	Timestamp time.Time      `json:"timestamp"`
}

func (e *OrderCollected) EventType() EventType { return EventTypeOrderCollected }
func (e *OrderCollected) Pool() *state.PoolID  { return poolRef(e.Order.PoolID) }
