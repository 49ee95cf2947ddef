package persistence

import (
	"context"
	"testing"

	"TrancheLedger/internal/core"
	"TrancheLedger/internal/store"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (m *memoryLog) LogHead(context.Context) (int64, []byte, error) {
	if len(m.events) == 0 {
		return 0, nil, nil
	}
	last := m.events[len(m.events)-1]
	return last.Sequence, last.StateHash, nil
}

type memorySnapshots struct {
	snaps []*SnapshotData
}

func (m *memorySnapshots) LoadAtOrBefore(_ context.Context, seq int64) (*SnapshotData, error) {
	var best *SnapshotData
	for _, s := range m.snaps {
		if s.Sequence <= seq && (best == nil || s.Sequence > best.Sequence) {
			best = s
		}
	}
	return best, nil
}

// replayInto rebuilds an engine over kv from log and returns it.
func replayInto(t *testing.T, kv store.DB, log *memoryLog) (*core.Engine, int64) {
	t.Helper()
	engine, err := core.NewEngine(kv, nil, nil, core.Options{AllowMint: true})
	require.NoError(t, err)
	applied, err := Replay(context.Background(), log, engine, engine.GetSequence(), zerolog.Nop())
	require.NoError(t, err)
	return engine, applied
}

func TestReconcile_StoreInSyncIsKept(t *testing.T) {
	kv := store.NewMemoryDB()
	_, outputs := runCommands(t, kv)

	rebuilt, err := Reconcile(context.Background(), kv, logFromOutputs(outputs), &memorySnapshots{}, zerolog.Nop())
	require.NoError(t, err)
	assert.False(t, rebuilt)

	snap, err := Capture(kv)
	require.NoError(t, err)
	assert.Equal(t, int64(len(outputs)), snap.Sequence)
}

func TestReconcile_StoreAheadOfLogReplaysFromStart(t *testing.T) {
	kv := store.NewMemoryDB()
	_, outputs := runCommands(t, kv)
	// The last two commands committed to the store but never reached the log.
	log := logFromOutputs(outputs[:2])

	rebuilt, err := Reconcile(context.Background(), kv, log, &memorySnapshots{}, zerolog.Nop())
	require.NoError(t, err)
	assert.True(t, rebuilt)

	engine, applied := replayInto(t, kv, log)
	assert.Equal(t, int64(2), applied)
	assert.Equal(t, int64(3), engine.GetSequence())
	tip := engine.GetStateHash()
	assert.Equal(t, log.events[1].StateHash, tip[:])
}

func TestReconcile_StoreAheadReloadsCoveredSnapshot(t *testing.T) {
	_, outputs := runCommands(t, store.NewMemoryDB())
	log := logFromOutputs(outputs[:3])

	covered := store.NewMemoryDB()
	replayInto(t, covered, logFromOutputs(outputs[:2]))
	atTwo, err := Capture(covered)
	require.NoError(t, err)
	require.Equal(t, int64(2), atTwo.Sequence)

	aheadDB := store.NewMemoryDB()
	runCommands(t, aheadDB)
	ahead, err := Capture(aheadDB)
	require.NoError(t, err)
	snaps := &memorySnapshots{snaps: []*SnapshotData{atTwo, ahead}}

	kv := store.NewMemoryDB()
	require.NoError(t, store.Import(kv, ahead.Pairs))

	rebuilt, err := Reconcile(context.Background(), kv, log, snaps, zerolog.Nop())
	require.NoError(t, err)
	assert.True(t, rebuilt)

	engine, applied := replayInto(t, kv, log)
	assert.Equal(t, int64(1), applied, "only the command after the snapshot is replayed")
	tip := engine.GetStateHash()
	assert.Equal(t, log.events[2].StateHash, tip[:])
}

func TestReconcile_DivergentHeadRebuilds(t *testing.T) {
	kv := store.NewMemoryDB()
	_, outputs := runCommands(t, kv)
	log := logFromOutputs(outputs)
	log.events[len(log.events)-1].StateHash = make([]byte, 32)

	rebuilt, err := Reconcile(context.Background(), kv, log, &memorySnapshots{}, zerolog.Nop())
	require.NoError(t, err)
	assert.True(t, rebuilt)

	pairs, err := store.Export(kv)
	require.NoError(t, err)
	assert.Empty(t, pairs)
}
