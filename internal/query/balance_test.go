package query

import (
	"testing"
	"time"

	"TrancheLedger/internal/core"
	"TrancheLedger/internal/event"
	"TrancheLedger/internal/ledger"
	fpmath "TrancheLedger/internal/math"
	"TrancheLedger/internal/state"
	"TrancheLedger/internal/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testTime     = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	testInvestor = uuid.MustParse("33333333-3333-3333-3333-333333333333")
)

func executedPool(t *testing.T) *core.Engine {
	t.Helper()
	engine, err := core.NewEngine(store.NewMemoryDB(), nil, nil, core.Options{AllowMint: true})
	require.NoError(t, err)

	cmds := []event.Event{
		&event.CreatePool{CommandID: "q1", PoolID: 3, Owner: testInvestor,
			Tranches: []state.TrancheSpec{{InterestPct: 5, MinSubPct: 10}, {}}, Currency: "USD",
			MaxReserve: fpmath.NewBalance(1_000_000), Timestamp: testTime},
		&event.Mint{CommandID: "q2", Currency: "USD", Investor: testInvestor, Amount: fpmath.NewBalance(1_000), Timestamp: testTime},
		&event.OrderSupply{CommandID: "q3", PoolID: 3, Tranche: 1, Investor: testInvestor, Amount: fpmath.NewBalance(400), Timestamp: testTime},
		&event.CloseEpoch{CommandID: "q4", PoolID: 3, Timestamp: testTime},
		&event.Collect{CommandID: "q5", PoolID: 3, Tranche: 1, Investor: testInvestor, Timestamp: testTime},
	}
	for _, cmd := range cmds {
		_, err := engine.ProcessCommand(cmd)
		require.NoError(t, err, "%s", cmd.EventType())
	}
	return engine
}

func TestBalanceReader_GetBalance(t *testing.T) {
	reader := NewBalanceReader(executedPool(t))

	resp, err := reader.GetBalance(testInvestor, 3)
	require.NoError(t, err)

	assert.Equal(t, ledger.CurrencyID("USD"), resp.Currency)
	assert.Equal(t, "600", resp.Free.String())
	require.Len(t, resp.Tranches, 2)
	assert.True(t, resp.Tranches[0].Tokens.IsZero())
	assert.Equal(t, "400", resp.Tranches[1].Tokens.String(), "junior tokens minted at price one")
	assert.Equal(t, int64(5), resp.AsOfSequence)
}

func TestBalanceReader_UnknownPool(t *testing.T) {
	reader := NewBalanceReader(executedPool(t))

	_, err := reader.GetBalance(testInvestor, 99)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestBalanceReader_CheckIssuance(t *testing.T) {
	reader := NewBalanceReader(executedPool(t))

	mismatches, err := reader.CheckIssuance(3)
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}
