package state_test

import (
	"errors"
	"testing"

	fpmath "TrancheLedger/internal/math"
	"TrancheLedger/internal/state"
	"TrancheLedger/internal/store"

	"github.com/google/uuid"
)

func newRepo(t *testing.T) *state.Repository {
	t.Helper()
	txn, err := store.NewMemoryDB().Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	t.Cleanup(txn.Discard)
	return state.NewRepository(txn)
}

func TestRepository_PoolRoundTrip(t *testing.T) {
	repo := newRepo(t)
	closing := uint64(3)
	pool := &state.Pool{
		ID:       7,
		Owner:    uuid.New(),
		Currency: "USD",
		Tranches: []state.Tranche{
			{InterestPerSec: fpmath.InterestPerSecond(10), Reserve: fpmath.NewBalance(500)},
			{Debt: fpmath.NewBalance(20)},
		},
		CurrentEpoch: 4,
		ClosingEpoch: &closing,
		TotalReserve: fpmath.MustParseBalance("340282366920938463463374607431768211455"),
	}
	if err := repo.PutPool(pool); err != nil {
		t.Fatalf("PutPool: %v", err)
	}

	got, err := repo.Pool(7)
	if err != nil {
		t.Fatalf("Pool: %v", err)
	}
	if !got.IsClosing() || *got.ClosingEpoch != 3 {
		t.Errorf("closing epoch lost: %+v", got.ClosingEpoch)
	}
	if !got.TotalReserve.Equal(fpmath.MaxBalance()) {
		t.Errorf("total reserve: got %s", got.TotalReserve)
	}
	if got.Tranches[0].InterestPerSec != fpmath.InterestPerSecond(10) {
		t.Errorf("interest: got %s", got.Tranches[0].InterestPerSec)
	}
	if got.Version != 1 {
		t.Errorf("version: got %d, want 1", got.Version)
	}
}

func TestRepository_PoolNotFound(t *testing.T) {
	repo := newRepo(t)
	if _, err := repo.Pool(1); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected store.ErrNotFound, got %v", err)
	}
	exists, err := repo.PoolExists(1)
	if err != nil || exists {
		t.Errorf("PoolExists = %v, %v", exists, err)
	}
}

func TestRepository_PoolIDsOrdered(t *testing.T) {
	repo := newRepo(t)
	for _, id := range []state.PoolID{12, 3, 100} {
		repo.PutPool(&state.Pool{ID: id})
	}
	ids, err := repo.PoolIDs()
	if err != nil {
		t.Fatalf("PoolIDs: %v", err)
	}
	want := []state.PoolID{3, 12, 100}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("got %v, want %v", ids, want)
		}
	}
}

func TestRepository_MissingOrderIsZero(t *testing.T) {
	repo := newRepo(t)
	investor := uuid.New()
	o, err := repo.Order(1, 0, investor)
	if err != nil {
		t.Fatalf("Order: %v", err)
	}
	if !o.Supply.IsZero() || !o.Redeem.IsZero() || o.Investor != investor {
		t.Errorf("unexpected order: %+v", o)
	}
}

func TestRepository_OutcomeWrittenOnce(t *testing.T) {
	repo := newRepo(t)
	outcome := &state.EpochOutcome{PoolID: 1, Tranche: 0, Epoch: 1, TokenPrice: fpmath.RateOne()}

	if err := repo.InsertEpochOutcome(outcome); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := repo.InsertEpochOutcome(outcome); !errors.Is(err, state.ErrOutcomeExists) {
		t.Errorf("expected ErrOutcomeExists, got %v", err)
	}
}

func TestRepository_PendingTargetsLifecycle(t *testing.T) {
	repo := newRepo(t)
	targets := &state.PendingTargets{
		PoolID: 2,
		Epoch:  1,
		Tranches: []state.TrancheTarget{
			{Supply: fpmath.NewBalance(10), Redeem: fpmath.NewBalance(5), Price: fpmath.RateOne()},
		},
	}
	if err := repo.PutPendingTargets(targets); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := repo.PendingTargets(2)
	if err != nil || len(got.Tranches) != 1 || got.Tranches[0].Redeem.String() != "5" {
		t.Fatalf("PendingTargets = %+v, %v", got, err)
	}
	if err := repo.DeletePendingTargets(2); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := repo.PendingTargets(2); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("targets should be gone, got %v", err)
	}
}
