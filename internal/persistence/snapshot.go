package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"TrancheLedger/internal/observability"
	"TrancheLedger/internal/state"
	"TrancheLedger/internal/store"

	"github.com/rs/zerolog"
)

// SnapshotData is a point-in-time copy of the whole KV store. Sequence is
// the last command the copy includes.
type SnapshotData struct {
	Sequence  int64      `json:"sequence"`
	StateHash [32]byte   `json:"state_hash"`
	Pairs     []store.KV `json:"pairs"`
	CreatedAt time.Time  `json:"created_at"`
}

// SnapshotManager exports the KV store into event_log.state_snapshots and
// restores it into an empty store on startup.
type SnapshotManager struct {
	db      *sql.DB
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewSnapshotManager(db *sql.DB, metrics *observability.Metrics, logger zerolog.Logger) *SnapshotManager {
	return &SnapshotManager{db: db, metrics: metrics, logger: logger}
}

// Capture copies kv in a single scan, so the pairs and the embedded
// sequence always agree. A store that never committed a command yields
// Sequence 0.
func Capture(kv store.DB) (*SnapshotData, error) {
	txn, err := kv.Begin()
	if err != nil {
		return nil, err
	}
	defer txn.Discard()

	snap := &SnapshotData{CreatedAt: time.Now().UTC()}
	var meta state.CoreMeta
	err = txn.Scan(nil, func(key, value []byte) error {
		if state.IsMetaKey(key) {
			if err := json.Unmarshal(value, &meta); err != nil {
				return fmt.Errorf("decode core meta: %w", err)
			}
		}
		snap.Pairs = append(snap.Pairs, store.KV{Key: key, Value: value})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan store: %w", err)
	}
	if meta.Sequence > 0 {
		snap.Sequence = meta.Sequence - 1
	}
	snap.StateHash = meta.StateHash
	return snap, nil
}

// Save writes snap. Re-saving a sequence overwrites it.
func (sm *SnapshotManager) Save(ctx context.Context, snap *SnapshotData) error {
	start := time.Now()
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.state_snapshots (sequence, state_hash, key_count, data, verified, created_at)
		VALUES ($1, $2, $3, $4, TRUE, $5)
		ON CONFLICT (sequence) DO UPDATE SET state_hash = $2, key_count = $3, data = $4, created_at = $5
	`, snap.Sequence, snap.StateHash[:], len(snap.Pairs), data, snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}

	if sm.metrics != nil {
		sm.metrics.SnapshotTaken.Inc()
		sm.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		sm.metrics.SnapshotSizeBytes.Set(float64(len(data)))
		sm.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	sm.logger.Info().Int64("sequence", snap.Sequence).Int("keys", len(snap.Pairs)).
		Int("bytes", len(data)).Msg("snapshot saved")
	return nil
}

// LoadLatest returns the newest verified snapshot, or nil when none exists.
func (sm *SnapshotManager) LoadLatest(ctx context.Context) (*SnapshotData, error) {
	return sm.loadOne(ctx, `
		SELECT data FROM event_log.state_snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)
}

// LoadAtOrBefore returns the newest verified snapshot whose sequence does
// not exceed seq, or nil when none exists.
func (sm *SnapshotManager) LoadAtOrBefore(ctx context.Context, seq int64) (*SnapshotData, error) {
	return sm.loadOne(ctx, `
		SELECT data FROM event_log.state_snapshots
		WHERE verified = TRUE AND sequence <= $1
		ORDER BY sequence DESC
		LIMIT 1
	`, seq)
}

func (sm *SnapshotManager) loadOne(ctx context.Context, query string, args ...interface{}) (*SnapshotData, error) {
	var data []byte
	err := sm.db.QueryRowContext(ctx, query, args...).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// Restore imports the latest snapshot into kv when kv is empty. It
// returns the restored snapshot, or nil when nothing was imported.
func (sm *SnapshotManager) Restore(ctx context.Context, kv store.DB) (*SnapshotData, error) {
	local, err := Capture(kv)
	if err != nil {
		return nil, err
	}
	if len(local.Pairs) > 0 {
		sm.logger.Info().Int64("sequence", local.Sequence).Msg("local store not empty, skipping restore")
		return nil, nil
	}

	snap, err := sm.LoadLatest(ctx)
	if err != nil || snap == nil {
		return nil, err
	}
	if err := store.Import(kv, snap.Pairs); err != nil {
		return nil, fmt.Errorf("import snapshot %d: %w", snap.Sequence, err)
	}

	if sm.metrics != nil {
		sm.metrics.RestoreKeys.Set(float64(len(snap.Pairs)))
	}
	sm.logger.Info().Int64("sequence", snap.Sequence).Int("keys", len(snap.Pairs)).Msg("store restored from snapshot")
	return snap, nil
}

// RunPeriodic saves a snapshot whenever at least interval commands were
// applied since the last one. next reports the engine's next sequence and
// is polled every tick. Blocks until ctx is cancelled.
func (sm *SnapshotManager) RunPeriodic(ctx context.Context, kv store.DB, next func() int64, interval int64, tick time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	last := next() - 1

	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if next()-1-last < interval {
				continue
			}
			snap, err := Capture(kv)
			if err != nil {
				sm.logger.Warn().Err(err).Msg("snapshot capture failed")
				continue
			}
			if err := sm.Save(ctx, snap); err != nil {
				sm.logger.Warn().Err(err).Msg("periodic snapshot failed")
				continue
			}
			last = snap.Sequence
		}
	}
}
