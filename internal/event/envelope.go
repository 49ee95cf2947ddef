package event

import (
	"fmt"
	"time"

	"TrancheLedger/internal/state"
)

// EventType discriminator for commands and domain events
type EventType int32

const (
	EventTypeUnknown EventType = iota

	// Inbound commands
	EventTypeCreatePool
	EventTypeOrderSupply
	EventTypeOrderRedeem
	EventTypeCloseEpoch
	EventTypeSolveEpoch
	EventTypeBorrow
	EventTypePayback
	EventTypeMint
	EventTypeCollect

	// Outbound domain events
	EventTypePoolCreated
	EventTypeOrderUpdated
	EventTypeEpochClosed
	EventTypeEpochExecuted
	EventTypeOrderCollected
)

// EventEnvelope wraps every applied command in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Command type discriminator
	EventType EventType

	// Pool context (nil for global commands such as Mint)
	PoolID *state.PoolID

	// Versioned input timestamp stamped at ingress
	Timestamp time.Time

	// JSON-encoded command
	Payload []byte

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all inbound commands implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Pool returns the pool the command targets (nil for global commands)
	Pool() *state.PoolID

	// Time is the versioned input timestamp; the core never reads the clock
	Time() time.Time
}

// DomainEvent is an outbound fact emitted after a command commits.
type DomainEvent interface {
	EventType() EventType
	Pool() *state.PoolID
}

var eventTypeNames = map[EventType]string{
	EventTypeCreatePool:     "CreatePool",
	EventTypeOrderSupply:    "OrderSupply",
	EventTypeOrderRedeem:    "OrderRedeem",
	EventTypeCloseEpoch:     "CloseEpoch",
	EventTypeSolveEpoch:     "SolveEpoch",
	EventTypeBorrow:         "Borrow",
	EventTypePayback:        "Payback",
	EventTypeMint:           "Mint",
	EventTypeCollect:        "Collect",
	EventTypePoolCreated:    "PoolCreated",
	EventTypeOrderUpdated:   "OrderUpdated",
	EventTypeEpochClosed:    "EpochClosed",
	EventTypeEpochExecuted:  "EpochExecuted",
	EventTypeOrderCollected: "OrderCollected",
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "Unknown"
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(name string) (EventType, error) {
	for et, n := range eventTypeNames {
		if n == name {
			return et, nil
		}
	}
	return EventTypeUnknown, fmt.Errorf("unknown event type: %s", name)
}

func poolRef(id state.PoolID) *state.PoolID {
	return &id
}
