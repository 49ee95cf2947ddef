package persistence

import (
	"bytes"
	"context"
	"fmt"

	"TrancheLedger/internal/store"

	"github.com/rs/zerolog"
)

// LogHeadSource reports the last command the event log holds.
type LogHeadSource interface {
	LogHead(ctx context.Context) (int64, []byte, error)
}

// SnapshotSource finds a snapshot that the event log fully covers.
type SnapshotSource interface {
	LoadAtOrBefore(ctx context.Context, seq int64) (*SnapshotData, error)
}

// Reconcile makes kv replayable from the event log. The engine commits to
// kv before the persistence worker logs the command, so a crash can leave
// kv (or a snapshot restored into it) ahead of the log. When kv is ahead,
// or sits at the log head with a different state hash, kv is cleared and
// reloaded from the newest snapshot at or below the log head; Replay then
// re-applies and verifies the rest. Commands that never reached the log are
// dropped and their submitters see them as new on retry.
func Reconcile(ctx context.Context, kv store.DB, log LogHeadSource, snaps SnapshotSource, logger zerolog.Logger) (bool, error) {
	local, err := Capture(kv)
	if err != nil {
		return false, err
	}
	head, headHash, err := log.LogHead(ctx)
	if err != nil {
		return false, err
	}

	switch {
	case local.Sequence > head:
		logger.Warn().Int64("store_sequence", local.Sequence).Int64("log_head", head).
			Msg("store ahead of event log, rebuilding")
	case local.Sequence == head && head > 0 && !bytes.Equal(local.StateHash[:], headHash):
		logger.Warn().Int64("sequence", head).Hex("store_hash", local.StateHash[:]).Hex("log_hash", headHash).
			Msg("store diverges from event log head, rebuilding")
	default:
		return false, nil
	}

	if err := store.Clear(kv); err != nil {
		return false, fmt.Errorf("clear store: %w", err)
	}
	snap, err := snaps.LoadAtOrBefore(ctx, head)
	if err != nil {
		return false, err
	}
	if snap == nil {
		logger.Info().Msg("no snapshot covered by the log, replaying from the start")
		return true, nil
	}
	if err := store.Import(kv, snap.Pairs); err != nil {
		return false, fmt.Errorf("import snapshot %d: %w", snap.Sequence, err)
	}
	logger.Info().Int64("sequence", snap.Sequence).Msg("store reloaded from snapshot")
	return true, nil
}
