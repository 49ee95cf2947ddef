package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"TrancheLedger/internal/core"
	"TrancheLedger/internal/event"
	"TrancheLedger/internal/ledger"
	fpmath "TrancheLedger/internal/math"
	"TrancheLedger/internal/state"
	"TrancheLedger/internal/store"
	"TrancheLedger/migrations"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testTime     = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	testInvestor = uuid.MustParse("11111111-1111-1111-1111-111111111111")
)

// runCommands applies a small pool lifecycle and returns the engine outputs.
func runCommands(t *testing.T, db store.DB) (*core.Engine, []core.CoreOutput) {
	t.Helper()
	out := make(chan core.CoreOutput, 64)
	engine, err := core.NewEngine(db, out, nil, core.Options{AllowMint: true})
	require.NoError(t, err)

	cmds := []event.Event{
		&event.CreatePool{CommandID: "c1", PoolID: 4, Owner: testInvestor,
			Tranches: []state.TrancheSpec{{InterestPct: 5, MinSubPct: 10}, {}}, Currency: "USD",
			MaxReserve: fpmath.NewBalance(1_000_000), Timestamp: testTime},
		&event.Mint{CommandID: "c2", Currency: "USD", Investor: testInvestor, Amount: fpmath.NewBalance(1_000), Timestamp: testTime},
		&event.OrderSupply{CommandID: "c3", PoolID: 4, Tranche: 1, Investor: testInvestor, Amount: fpmath.NewBalance(400), Timestamp: testTime},
		&event.CloseEpoch{CommandID: "c4", PoolID: 4, Timestamp: testTime},
	}
	for _, cmd := range cmds {
		_, err := engine.ProcessCommand(cmd)
		require.NoError(t, err, "%s", cmd.EventType())
	}

	var outputs []core.CoreOutput
	for len(out) > 0 {
		outputs = append(outputs, <-out)
	}
	require.Len(t, outputs, len(cmds))
	return engine, outputs
}

// ============================================================================
// Row conversion
// ============================================================================

func TestRowsFromOutput(t *testing.T) {
	_, outputs := runCommands(t, store.NewMemoryDB())

	mint := RowsFromOutput(outputs[1])
	assert.Equal(t, "Mint", mint.Event.EventType)
	assert.Nil(t, mint.Event.PoolID)
	require.Len(t, mint.Journals, 1)
	assert.Equal(t, "1000", mint.Journals[0].Amount)
	assert.Equal(t, ledger.IssuanceAccount.AccountPath(), mint.Journals[0].CreditAccount)
	assert.Equal(t, int32(ledger.JournalTypeMint), mint.Journals[0].JournalType)

	closeRows := RowsFromOutput(outputs[3])
	require.NotNil(t, closeRows.Event.PoolID)
	assert.Equal(t, int64(4), *closeRows.Event.PoolID)
	assert.Equal(t, int64(4), closeRows.Event.Sequence)
	assert.Len(t, closeRows.Event.StateHash, 32)
	assert.Equal(t, outputs[2].Envelope.StateHash[:], closeRows.Event.PrevHash)

	require.Len(t, closeRows.Outcomes, 2)
	junior := closeRows.Outcomes[1]
	assert.Equal(t, int16(1), junior.Tranche)
	assert.Equal(t, int64(1), junior.Epoch)
	assert.Equal(t, "1", junior.SupplyFulfillment)
	assert.Equal(t, "1", junior.TokenPrice)
	assert.Equal(t, int64(4), junior.Sequence)
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "($1, $2)", placeholders(1, 2))
	assert.Equal(t, "($1, $2, $3), ($4, $5, $6)", placeholders(2, 3))
}

// ============================================================================
// Migrations
// ============================================================================

func TestListMigrations(t *testing.T) {
	src := fstest.MapFS{
		"000002_b.up.sql":   {Data: []byte("select 2")},
		"000001_a.up.sql":   {Data: []byte("select 1")},
		"000001_a.down.sql": {Data: []byte("select -1")},
		"README.md":         {Data: []byte("docs")},
	}
	files, err := listMigrations(src, ".up.sql")
	require.NoError(t, err)
	assert.Equal(t, []string{"000001_a.up.sql", "000002_b.up.sql"}, files)

	assert.Equal(t, "000002", migrationVersion("000002_b.up.sql"))
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	ups, err := listMigrations(migrations.FS, ".up.sql")
	require.NoError(t, err)
	downs, err := listMigrations(migrations.FS, ".down.sql")
	require.NoError(t, err)

	require.NotEmpty(t, ups)
	require.Len(t, downs, len(ups))
	for i := range ups {
		assert.Equal(t, migrationVersion(ups[i]), migrationVersion(downs[i]))
	}
}

// ============================================================================
// Snapshot capture
// ============================================================================

func TestCapture(t *testing.T) {
	db := store.NewMemoryDB()
	empty, err := Capture(db)
	require.NoError(t, err)
	assert.Zero(t, empty.Sequence)
	assert.Empty(t, empty.Pairs)

	engine, _ := runCommands(t, db)
	snap, err := Capture(db)
	require.NoError(t, err)
	assert.Equal(t, engine.GetSequence()-1, snap.Sequence)
	assert.Equal(t, engine.GetStateHash(), snap.StateHash)

	restored := store.NewMemoryDB()
	require.NoError(t, store.Import(restored, snap.Pairs))
	resumed, err := core.NewEngine(restored, nil, nil, core.Options{})
	require.NoError(t, err)
	assert.Equal(t, engine.GetSequence(), resumed.GetSequence())
	assert.Equal(t, engine.GetStateHash(), resumed.GetStateHash())
}

// ============================================================================
// Worker
// ============================================================================

type fakeWriter struct {
	mu      sync.Mutex
	fails   int
	calls   int
	batches [][]Rows
}

func (f *fakeWriter) WriteBatch(_ context.Context, batch []Rows) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fails > 0 {
		f.fails--
		return errors.New("connection reset")
	}
	f.batches = append(f.batches, append([]Rows(nil), batch...))
	return nil
}

func TestWorker_FlushesFullBatchesAndRemainderOnClose(t *testing.T) {
	_, outputs := runCommands(t, store.NewMemoryDB())

	in := make(chan core.CoreOutput, len(outputs))
	for _, o := range outputs[:3] {
		in <- o
	}
	close(in)

	writer := &fakeWriter{}
	var flushed []int64
	w := newPersistenceWorker(writer, in, 2, time.Hour, nil, zerolog.Nop())
	w.OnFlush(func(batch []Rows) {
		for _, r := range batch {
			flushed = append(flushed, r.Event.Sequence)
		}
	})

	require.NoError(t, w.Run(context.Background()))
	require.Len(t, writer.batches, 2)
	assert.Len(t, writer.batches[0], 2)
	assert.Len(t, writer.batches[1], 1)
	assert.Equal(t, []int64{1, 2, 3}, flushed)
}

func TestWorker_RetriesFailedFlush(t *testing.T) {
	_, outputs := runCommands(t, store.NewMemoryDB())

	in := make(chan core.CoreOutput, 1)
	in <- outputs[0]
	close(in)

	writer := &fakeWriter{fails: 1}
	w := newPersistenceWorker(writer, in, 10, time.Hour, nil, zerolog.Nop())
	require.NoError(t, w.Run(context.Background()))

	assert.Equal(t, 2, writer.calls)
	require.Len(t, writer.batches, 1)
	assert.Equal(t, int64(1), writer.batches[0][0].Event.Sequence)
}
