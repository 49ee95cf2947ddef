package core_test

import (
	"errors"
	"testing"

	"TrancheLedger/internal/core"
	fpmath "TrancheLedger/internal/math"
	"TrancheLedger/internal/state"
)

func bal(v uint64) fpmath.Balance { return fpmath.NewBalance(v) }

func twoTranchePool(seniorDebt, seniorReserve, juniorDebt, juniorReserve uint64) *state.Pool {
	return &state.Pool{
		ID: 1,
		Tranches: []state.Tranche{
			{
				InterestPerSec:        fpmath.InterestPerSecond(10),
				MinSubordinationRatio: fpmath.PerquintillFromPercent(10),
				Debt:                  bal(seniorDebt),
				Reserve:               bal(seniorReserve),
			},
			{Debt: bal(juniorDebt), Reserve: bal(juniorReserve)},
		},
	}
}

func expectString(t *testing.T, name string, got interface{ String() string }, want string) {
	t.Helper()
	if got.String() != want {
		t.Errorf("%s: expected %s, got %s", name, want, got)
	}
}

func mustNoErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// ============================================================================
// AccrueInterest
// ============================================================================

func TestAccrueInterest_ThirtyDays(t *testing.T) {
	tr := &state.Tranche{InterestPerSec: fpmath.InterestPerSecond(10), Debt: bal(250)}
	mustNoErr(t, core.AccrueInterest(tr, 30*24*3600))
	expectString(t, "debt", tr.Debt, "252")
	if tr.LastUpdatedInterest != 30*24*3600 {
		t.Errorf("last updated: %d", tr.LastUpdatedInterest)
	}
}

func TestAccrueInterest_ClockBackwards(t *testing.T) {
	tr := &state.Tranche{InterestPerSec: fpmath.InterestPerSecond(10), Debt: bal(250), LastUpdatedInterest: 1000}
	mustNoErr(t, core.AccrueInterest(tr, 10))
	expectString(t, "debt", tr.Debt, "250")
	if tr.LastUpdatedInterest != 1000 {
		t.Errorf("timestamp moved backwards to %d", tr.LastUpdatedInterest)
	}
}

// ============================================================================
// ComputePrices
// ============================================================================

func TestComputePrices_Waterfall(t *testing.T) {
	p := twoTranchePool(300, 200, 300, 200)

	// 400 of assets: the senior claim of 500 is capped, junior is wiped.
	prices, err := core.ComputePrices(p, bal(0), bal(400), []fpmath.Balance{bal(500), bal(500)}, 0)
	mustNoErr(t, err)
	expectString(t, "senior price", prices[0], "0.8")
	if !prices[1].IsZero() {
		t.Errorf("junior price: expected 0, got %s", prices[1])
	}

	// NAV above book value flows to the junior tranche.
	prices, err = core.ComputePrices(p, bal(600), bal(400), []fpmath.Balance{bal(500), bal(250)}, 0)
	mustNoErr(t, err)
	expectString(t, "senior price", prices[0], "1")
	expectString(t, "junior price", prices[1], "2")
}

func TestComputePrices_Bootstrap(t *testing.T) {
	p := twoTranchePool(0, 0, 0, 0)
	prices, err := core.ComputePrices(p, bal(0), bal(0), []fpmath.Balance{bal(0), bal(0)}, 0)
	mustNoErr(t, err)
	for i, price := range prices {
		if !price.Equal(fpmath.RateOne()) {
			t.Errorf("tranche %d bootstrap price: %s", i, price)
		}
	}

	// No issuance prices at one even with assets.
	prices, err = core.ComputePrices(p, bal(0), bal(100), []fpmath.Balance{bal(0), bal(100)}, 0)
	mustNoErr(t, err)
	expectString(t, "senior price", prices[0], "1")
	expectString(t, "junior price", prices[1], "1")
}

func TestComputePrices_AccruesSeniorOnly(t *testing.T) {
	p := twoTranchePool(250, 250, 250, 250)
	p.Tranches[1].InterestPerSec = fpmath.InterestPerSecond(10)

	_, err := core.ComputePrices(p, bal(0), bal(500), []fpmath.Balance{bal(500), bal(500)}, 30*24*3600)
	mustNoErr(t, err)
	expectString(t, "senior debt", p.Tranches[0].Debt, "252")
	// Junior tranche is not accrued.
	expectString(t, "junior debt", p.Tranches[1].Debt, "250")
}

func TestComputePrices_IssuanceLength(t *testing.T) {
	p := twoTranchePool(0, 0, 0, 0)
	_, err := core.ComputePrices(p, bal(0), bal(0), []fpmath.Balance{bal(0)}, 0)
	expectErr(t, err, core.ErrInvalidData)
}

// ============================================================================
// BorrowShares
// ============================================================================

func TestBorrowShares_SplitsByRatio(t *testing.T) {
	p := twoTranchePool(0, 500, 0, 500)
	p.Tranches[0].Ratio = fpmath.MustParsePerquintill("0.5")
	p.Tranches[1].Ratio = fpmath.MustParsePerquintill("0.5")

	shares, err := core.BorrowShares(p, bal(500))
	mustNoErr(t, err)
	expectString(t, "senior share", shares[0], "250")
	expectString(t, "junior share", shares[1], "250")
}

func TestBorrowShares_JuniorShortfallMovesToSenior(t *testing.T) {
	p := twoTranchePool(0, 500, 250, 250)
	p.Tranches[0].Ratio = fpmath.MustParsePerquintill("0.5")
	p.Tranches[1].Ratio = fpmath.MustParsePerquintill("0.5")

	shares, err := core.BorrowShares(p, bal(750))
	mustNoErr(t, err)
	expectString(t, "senior share", shares[0], "500")
	expectString(t, "junior share", shares[1], "250")
}

func TestBorrowShares_SeniorCapMovesToJunior(t *testing.T) {
	p := twoTranchePool(400, 100, 0, 500)
	p.Tranches[0].Ratio = fpmath.MustParsePerquintill("0.5")
	p.Tranches[1].Ratio = fpmath.MustParsePerquintill("0.5")

	shares, err := core.BorrowShares(p, bal(400))
	mustNoErr(t, err)
	expectString(t, "senior share", shares[0], "100")
	expectString(t, "junior share", shares[1], "300")
}

func TestBorrowShares_ReservesShortFails(t *testing.T) {
	p := twoTranchePool(0, 100, 0, 100)
	p.Tranches[0].Ratio = fpmath.MustParsePerquintill("0.5")
	p.Tranches[1].Ratio = fpmath.MustParsePerquintill("0.5")

	_, err := core.BorrowShares(p, bal(201))
	expectErr(t, err, core.ErrOverflow)
	if core.KindOf(err) != core.KindArithmetic {
		t.Errorf("kind: %s", core.KindOf(err))
	}
}

// ============================================================================
// Constraints
// ============================================================================

func TestCheckCoreConstraint(t *testing.T) {
	targets := []state.TrancheTarget{
		{Supply: bal(100), Redeem: bal(300)},
		{Supply: bal(0), Redeem: bal(0)},
	}
	full := state.FullFulfillment(2)

	available, out, err := core.CheckCoreConstraint(targets, full, bal(200))
	mustNoErr(t, err)
	expectString(t, "available", available, "300")
	expectString(t, "out", out, "300")

	_, _, err = core.CheckCoreConstraint(targets, full, bal(199))
	expectErr(t, err, core.ErrInsufficientCurrency)
	if core.KindOf(err) != core.KindSolvency {
		t.Errorf("kind: %s", core.KindOf(err))
	}

	// Pairs beyond the shorter slice are ignored.
	_, out, err = core.CheckCoreConstraint(targets, nil, bal(0))
	mustNoErr(t, err)
	if !out.IsZero() {
		t.Errorf("out: expected 0, got %s", out)
	}
}

func TestCheckPoolConstraints(t *testing.T) {
	minSub := []fpmath.Perquintill{fpmath.PerquintillFromPercent(20), 0}

	mustNoErr(t, core.CheckPoolConstraints(minSub, []fpmath.Balance{bal(800), bal(200)}, bal(100), bal(100)))

	err := core.CheckPoolConstraints(minSub, []fpmath.Balance{bal(800), bal(200)}, bal(101), bal(100))
	expectErr(t, err, core.ErrInsufficientReserve)

	err = core.CheckPoolConstraints(minSub, []fpmath.Balance{bal(900), bal(100)}, bal(0), bal(100))
	expectErr(t, err, core.ErrSubordinationRatioViolated)

	// A tranche with no value is trivially subordinated.
	mustNoErr(t, core.CheckPoolConstraints(minSub, []fpmath.Balance{bal(0), bal(0)}, bal(0), bal(0)))

	err = core.CheckPoolConstraints(minSub, []fpmath.Balance{bal(1)}, bal(0), bal(0))
	if !errors.Is(err, core.ErrInvalidData) {
		t.Errorf("expected %v, got %v", core.ErrInvalidData, err)
	}
}

func TestIsEpochValid_CoreBeforePool(t *testing.T) {
	info := &core.EpochExecutionInfo{
		Targets:          []state.TrancheTarget{{Redeem: bal(500)}, {}},
		TotalReserve:     bal(0),
		MaxReserve:       bal(0),
		MinSubordination: []fpmath.Perquintill{fpmath.PerquintillFromPercent(50), 0},
		TrancheValues:    []fpmath.Balance{bal(100), bal(0)},
	}

	err := core.IsEpochValid(info, state.FullFulfillment(2))
	expectErr(t, err, core.ErrInsufficientCurrency)

	info.Targets[0].Redeem = bal(0)
	err = core.IsEpochValid(info, state.FullFulfillment(2))
	expectErr(t, err, core.ErrSubordinationRatioViolated)

	err = core.IsEpochValid(info, state.FullFulfillment(1))
	expectErr(t, err, core.ErrInvalidData)
}
