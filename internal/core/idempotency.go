package core

import (
	"container/list"
	"time"

	"TrancheLedger/internal/observability"

	"github.com/rs/zerolog"
)

// DBIdempotencyChecker looks a command up in the durable event log.
type DBIdempotencyChecker interface {
	IsDuplicate(eventType string, idempotencyKey string) (bool, error)
}

// IdempotencyChecker deduplicates commands in two tiers: an in-memory LRU
// of recently applied keys, then the event log in Postgres.
// Only accessed from the engine's writer goroutine.
type IdempotencyChecker struct {
	lru       *IdempotencyLRU
	dbChecker DBIdempotencyChecker
	metrics   *observability.Metrics
	logger    zerolog.Logger

	stats IdempotencyStats
}

// IdempotencyStats counts duplicates per tier for tests and diagnostics.
type IdempotencyStats struct {
	LRUHits      int64
	DBHits       int64
	Tier2Errors  int64
	LRUEvictions int64
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics, logger zerolog.Logger) *IdempotencyChecker {
	if capacity <= 0 {
		capacity = 100_000
	}
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   metrics,
		logger:    logger,
	}
}

func compositeKey(eventType, idempotencyKey string) string {
	return eventType + ":" + idempotencyKey
}

// IsDuplicate reports whether the command was already applied.
func (ic *IdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) bool {
	key := compositeKey(eventType, idempotencyKey)

	if ic.lru.Contains(key) {
		ic.stats.LRUHits++
		ic.recordDuplicate(eventType, "lru")
		return true
	}

	if ic.dbChecker == nil {
		return false
	}

	start := time.Now()
	isDup, err := ic.dbChecker.IsDuplicate(eventType, idempotencyKey)
	if ic.metrics != nil {
		ic.metrics.DedupTier2Duration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		// A lookup failure must not stall the writer; the unique index on
		// event_log rejects a true duplicate at persist time.
		ic.stats.Tier2Errors++
		ic.logger.Warn().Err(err).Str("key", key).Msg("idempotency tier-2 lookup failed")
		return false
	}

	if isDup {
		ic.stats.DBHits++
		ic.recordDuplicate(eventType, "postgres")
		ic.add(key)
		return true
	}
	return false
}

// MarkProcessed remembers a committed command.
func (ic *IdempotencyChecker) MarkProcessed(eventType string, idempotencyKey string) {
	ic.add(compositeKey(eventType, idempotencyKey))
}

// Warm loads composite keys recovered from the event log.
func (ic *IdempotencyChecker) Warm(keys []string) {
	for _, k := range keys {
		ic.add(k)
	}
}

// Stats returns a copy of the counters.
func (ic *IdempotencyChecker) Stats() IdempotencyStats {
	s := ic.stats
	s.LRUEvictions = ic.lru.Evictions()
	return s
}

func (ic *IdempotencyChecker) add(key string) {
	evicted := ic.lru.Add(key)
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Size()))
		if evicted {
			ic.metrics.DedupLRUEvictions.Inc()
		}
	}
}

func (ic *IdempotencyChecker) recordDuplicate(eventType, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(eventType, tier).Inc()
	}
}

// --- LRU ---

// IdempotencyLRU is a fixed-capacity set with least-recently-used eviction.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	order    *list.List

	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, ok := lru.cache[key]
	if ok {
		lru.order.MoveToFront(elem)
	}
	return ok
}

// Add inserts key and reports whether an older key was evicted.
func (lru *IdempotencyLRU) Add(key string) bool {
	if elem, ok := lru.cache[key]; ok {
		lru.order.MoveToFront(elem)
		return false
	}

	lru.cache[key] = lru.order.PushFront(key)
	if lru.order.Len() <= lru.capacity {
		return false
	}

	oldest := lru.order.Back()
	lru.order.Remove(oldest)
	delete(lru.cache, oldest.Value.(string))
	lru.evictions++
	return true
}

func (lru *IdempotencyLRU) Size() int {
	return lru.order.Len()
}

func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}
