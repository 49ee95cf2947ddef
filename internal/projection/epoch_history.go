package projection

import (
	"sync"
	"time"

	"TrancheLedger/internal/event"
	"TrancheLedger/internal/state"
)

// EpochHistoryEntry is one executed epoch of one pool.
type EpochHistoryEntry struct {
	PoolID     state.PoolID         `json:"pool_id"`
	Epoch      uint64               `json:"epoch"`
	Outcomes   []state.EpochOutcome `json:"outcomes"`
	ExecutedAt time.Time            `json:"executed_at"`
}

// EpochHistory keeps the most recent executed epochs per pool in memory
// for hot reads. Older entries live in event_log.epoch_outcomes.
type EpochHistory struct {
	mu      sync.RWMutex
	perPool int
	entries map[state.PoolID][]EpochHistoryEntry
}

func NewEpochHistory(perPool int) *EpochHistory {
	if perPool <= 0 {
		perPool = 64
	}
	return &EpochHistory{
		perPool: perPool,
		entries: make(map[state.PoolID][]EpochHistoryEntry),
	}
}

// Record appends an executed epoch, evicting the oldest entry of the pool
// once it holds perPool entries.
func (h *EpochHistory) Record(e *event.EpochExecuted) {
	entry := EpochHistoryEntry{
		PoolID:     e.PoolID,
		Epoch:      e.Epoch,
		Outcomes:   append([]state.EpochOutcome(nil), e.Outcomes...),
		ExecutedAt: e.Timestamp,
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	list := append(h.entries[e.PoolID], entry)
	if len(list) > h.perPool {
		list = append([]EpochHistoryEntry(nil), list[len(list)-h.perPool:]...)
	}
	h.entries[e.PoolID] = list
}

// QueryByPool returns up to limit entries, newest first.
func (h *EpochHistory) QueryByPool(id state.PoolID, limit int) []EpochHistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	list := h.entries[id]
	result := make([]EpochHistoryEntry, 0, min(limit, len(list)))
	for i := len(list) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, list[i])
	}
	return result
}
