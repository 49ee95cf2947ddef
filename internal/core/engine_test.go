package core_test

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"testing"
	"time"

	"TrancheLedger/internal/core"
	"TrancheLedger/internal/event"
	"TrancheLedger/internal/ledger"
	fpmath "TrancheLedger/internal/math"
	"TrancheLedger/internal/state"
	"TrancheLedger/internal/store"

	"github.com/google/uuid"
)

// --- Test helpers ---

const usd = ledger.CurrencyID("USD")

var (
	t0       = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	investA  = uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	investB  = uuid.MustParse("00000000-0000-0000-0000-00000000000b")
	borrower = uuid.MustParse("00000000-0000-0000-0000-0000000000cc")

	seniorJunior = []state.TrancheSpec{{InterestPct: 10, MinSubPct: 10}, {}}
)

type harness struct {
	engine    *core.Engine
	db        store.DB
	persistCh chan core.CoreOutput
	projCh    chan core.CoreOutput
	now       time.Time
	n         int
}

// newHarness creates an Engine over an in-memory store with minting enabled.
func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessOn(t, store.NewMemoryDB())
}

func newHarnessOn(t *testing.T, db store.DB) *harness {
	t.Helper()
	persistCh := make(chan core.CoreOutput, 1024)
	projCh := make(chan core.CoreOutput, 1024)
	e, err := core.NewEngine(db, persistCh, projCh, core.Options{AllowMint: true})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return &harness{engine: e, db: db, persistCh: persistCh, projCh: projCh, now: t0}
}

func (h *harness) key() string {
	h.n++
	return fmt.Sprintf("cmd-%d", h.n)
}

func (h *harness) advance(d time.Duration) {
	h.now = h.now.Add(d)
}

func (h *harness) apply(cmd event.Event) (*core.Result, error) {
	return h.engine.ProcessCommand(cmd)
}

func (h *harness) mustApply(t *testing.T, cmd event.Event) *core.Result {
	t.Helper()
	res, err := h.apply(cmd)
	if err != nil {
		t.Fatalf("%s failed: %v", cmd.EventType(), err)
	}
	return res
}

func (h *harness) mustCreatePool(t *testing.T, id state.PoolID, specs []state.TrancheSpec) {
	t.Helper()
	h.mustApply(t, h.createPool(id, specs))
}

func (h *harness) createPool(id state.PoolID, specs []state.TrancheSpec) *event.CreatePool {
	return &event.CreatePool{
		CommandID:  h.key(),
		PoolID:     id,
		Owner:      investA,
		Tranches:   specs,
		Currency:   usd,
		MaxReserve: fpmath.NewBalance(1_000_000),
		Timestamp:  h.now,
	}
}

func (h *harness) mustMint(t *testing.T, who uuid.UUID, amount uint64) {
	t.Helper()
	h.mustApply(t, &event.Mint{CommandID: h.key(), Currency: usd, Investor: who, Amount: fpmath.NewBalance(amount), Timestamp: h.now})
}

func (h *harness) supply(pool state.PoolID, tranche state.TrancheIndex, who uuid.UUID, amount uint64) error {
	_, err := h.apply(&event.OrderSupply{
		CommandID: h.key(), PoolID: pool, Tranche: tranche, Investor: who,
		Amount: fpmath.NewBalance(amount), Timestamp: h.now,
	})
	return err
}

func (h *harness) redeem(pool state.PoolID, tranche state.TrancheIndex, who uuid.UUID, amount uint64) error {
	_, err := h.apply(&event.OrderRedeem{
		CommandID: h.key(), PoolID: pool, Tranche: tranche, Investor: who,
		Amount: fpmath.NewBalance(amount), Timestamp: h.now,
	})
	return err
}

func (h *harness) mustSupply(t *testing.T, pool state.PoolID, tranche state.TrancheIndex, who uuid.UUID, amount uint64) {
	t.Helper()
	if err := h.supply(pool, tranche, who, amount); err != nil {
		t.Fatalf("order supply %d: %v", amount, err)
	}
}

func (h *harness) closeEpoch(pool state.PoolID) (*core.EpochResult, error) {
	res, err := h.apply(&event.CloseEpoch{CommandID: h.key(), PoolID: pool, Timestamp: h.now})
	if err != nil {
		return nil, err
	}
	return res.Epoch, nil
}

func (h *harness) mustClose(t *testing.T, pool state.PoolID) *core.EpochResult {
	t.Helper()
	r, err := h.closeEpoch(pool)
	if err != nil {
		t.Fatalf("close epoch: %v", err)
	}
	return r
}

func (h *harness) solve(pool state.PoolID, solution ...state.Fulfillment) (*core.EpochResult, error) {
	res, err := h.apply(&event.SolveEpoch{CommandID: h.key(), PoolID: pool, Solution: solution, Timestamp: h.now})
	if err != nil {
		return nil, err
	}
	return res.Epoch, nil
}

func (h *harness) borrow(t *testing.T, pool state.PoolID, amount uint64) {
	t.Helper()
	h.mustApply(t, &event.Borrow{CommandID: h.key(), PoolID: pool, Borrower: borrower, Amount: fpmath.NewBalance(amount), Timestamp: h.now})
}

func (h *harness) payback(t *testing.T, pool state.PoolID, amount uint64) {
	t.Helper()
	h.mustApply(t, &event.Payback{CommandID: h.key(), PoolID: pool, Payer: borrower, Amount: fpmath.NewBalance(amount), Timestamp: h.now})
}

func (h *harness) collect(t *testing.T, pool state.PoolID, tranche state.TrancheIndex, who uuid.UUID) {
	t.Helper()
	h.mustApply(t, &event.Collect{CommandID: h.key(), PoolID: pool, Tranche: tranche, Investor: who, Timestamp: h.now})
}

func (h *harness) pool(t *testing.T, id state.PoolID) *state.Pool {
	t.Helper()
	p, err := h.engine.Pool(id)
	if err != nil {
		t.Fatalf("load pool %d: %v", id, err)
	}
	return p
}

func (h *harness) order(t *testing.T, pool state.PoolID, tranche state.TrancheIndex, who uuid.UUID) *state.Order {
	t.Helper()
	var out *state.Order
	err := h.engine.View(func(repo *state.Repository, _ ledger.Currencies) error {
		o, err := repo.Order(pool, tranche, who)
		out = o
		return err
	})
	if err != nil {
		t.Fatalf("load order: %v", err)
	}
	return out
}

func (h *harness) balance(t *testing.T, currency ledger.CurrencyID, acct ledger.AccountKey) string {
	t.Helper()
	var out fpmath.Balance
	err := h.engine.View(func(_ *state.Repository, balances ledger.Currencies) error {
		b, err := balances.FreeBalance(currency, acct)
		out = b
		return err
	})
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return out.String()
}

func (h *harness) issuance(t *testing.T, currency ledger.CurrencyID) string {
	t.Helper()
	var out fpmath.Balance
	err := h.engine.View(func(_ *state.Repository, balances ledger.Currencies) error {
		b, err := balances.TotalIssuance(currency)
		out = b
		return err
	})
	if err != nil {
		t.Fatalf("issuance: %v", err)
	}
	return out.String()
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

func expectErr(t *testing.T, err, want error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func expectBalance(t *testing.T, name string, got fpmath.Balance, want uint64) {
	t.Helper()
	if got.String() != fpmath.NewBalance(want).String() {
		t.Errorf("%s: expected %d, got %s", name, want, got)
	}
}

// fundedPool is the two-tranche pool after one executed epoch: investor A
// holds 500 in the junior tranche, investor B 500 in the senior tranche.
func fundedPool(t *testing.T) *harness {
	t.Helper()
	h := newHarness(t)
	h.mustCreatePool(t, 1, seniorJunior)
	h.mustMint(t, investA, 10_000)
	h.mustMint(t, investB, 10_000)
	h.mustSupply(t, 1, 1, investA, 500)
	h.mustSupply(t, 1, 0, investB, 500)
	if r := h.mustClose(t, 1); r.Status != core.EpochStatusExecuted {
		t.Fatalf("expected first epoch to execute, got %s (%s)", r.Status, r.Reason)
	}
	return h
}

// ============================================================================
// Test: Pool Creation
// ============================================================================

func TestCreatePool_Initializes(t *testing.T) {
	h := newHarness(t)
	h.mustCreatePool(t, 7, seniorJunior)

	p := h.pool(t, 7)
	if p.CurrentEpoch != 1 || p.LastEpochExecuted != 0 || p.IsClosing() {
		t.Errorf("unexpected epoch state: current=%d executed=%d closing=%v", p.CurrentEpoch, p.LastEpochExecuted, p.IsClosing())
	}
	if p.Tranches[0].InterestPerSec != fpmath.InterestPerSecond(10) {
		t.Errorf("senior rate: got %s", p.Tranches[0].InterestPerSec)
	}
	if p.Tranches[0].MinSubordinationRatio != fpmath.PerquintillFromPercent(10) {
		t.Errorf("senior min sub: got %s", p.Tranches[0].MinSubordinationRatio)
	}
	if !p.Tranches[1].InterestPerSec.IsZero() || !p.Tranches[1].MinSubordinationRatio.IsZero() {
		t.Error("junior tranche must carry zero rate and zero min sub")
	}
	if p.Tranches[0].LastUpdatedInterest != t0.Unix() || p.LastEpochClosed != t0.Unix() {
		t.Error("timestamps must be the creation time")
	}

	outputs := drainOutputs(h.projCh)
	if len(outputs) != 1 || len(outputs[0].Events) != 1 {
		t.Fatalf("expected one output with one event, got %d", len(outputs))
	}
	if _, ok := outputs[0].Events[0].(*event.PoolCreated); !ok {
		t.Errorf("expected PoolCreated, got %T", outputs[0].Events[0])
	}
}

func TestCreatePool_Errors(t *testing.T) {
	h := newHarness(t)
	h.mustCreatePool(t, 1, seniorJunior)

	// Pool in use is reported before spec problems.
	_, err := h.apply(h.createPool(1, nil))
	expectErr(t, err, core.ErrPoolInUse)

	_, err = h.apply(h.createPool(2, nil))
	expectErr(t, err, core.ErrNoJuniorTranche)

	_, err = h.apply(h.createPool(2, []state.TrancheSpec{{}, {InterestPct: 5}}))
	expectErr(t, err, core.ErrNoJuniorTranche)

	tooMany := make([]state.TrancheSpec, state.MaxTranches+1)
	_, err = h.apply(h.createPool(2, tooMany))
	expectErr(t, err, core.ErrTrancheID)

	tooMany[len(tooMany)-1] = state.TrancheSpec{InterestPct: 1}
	_, err = h.apply(h.createPool(2, tooMany))
	expectErr(t, err, core.ErrNoJuniorTranche)

	if core.KindOf(err) != core.KindInputValidity {
		t.Errorf("expected input validity kind, got %s", core.KindOf(err))
	}
}

// ============================================================================
// Test: Order Book
// ============================================================================

func TestOrderSupply_EscrowsDelta(t *testing.T) {
	h := newHarness(t)
	h.mustCreatePool(t, 1, seniorJunior)
	h.mustMint(t, investA, 1_000)

	investor := ledger.NewInvestorAccount(investA)
	escrow := ledger.NewPoolAccount(1)

	h.mustSupply(t, 1, 1, investA, 500)
	if got := h.balance(t, usd, investor); got != "500" {
		t.Errorf("investor balance after supply: %s", got)
	}
	if got := h.balance(t, usd, escrow); got != "500" {
		t.Errorf("escrow balance after supply: %s", got)
	}
	expectBalance(t, "epoch supply", h.pool(t, 1).Tranches[1].EpochSupply, 500)

	h.mustSupply(t, 1, 1, investA, 200)
	if got := h.balance(t, usd, investor); got != "800" {
		t.Errorf("investor balance after reduce: %s", got)
	}
	expectBalance(t, "epoch supply", h.pool(t, 1).Tranches[1].EpochSupply, 200)

	o := h.order(t, 1, 1, investA)
	expectBalance(t, "order supply", o.Supply, 200)
	if o.Epoch != 1 {
		t.Errorf("order epoch: got %d", o.Epoch)
	}
}

func TestOrderSupply_SameAmountMovesNothing(t *testing.T) {
	h := newHarness(t)
	h.mustCreatePool(t, 1, seniorJunior)
	h.mustMint(t, investA, 1_000)
	h.mustSupply(t, 1, 0, investA, 300)
	drainOutputs(h.persistCh)

	h.mustSupply(t, 1, 0, investA, 300)
	outputs := drainOutputs(h.persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	if n := len(outputs[0].Batch.Journals); n != 0 {
		t.Errorf("second identical order moved funds: %d journals", n)
	}
	expectBalance(t, "epoch supply", h.pool(t, 1).Tranches[0].EpochSupply, 300)
}

func TestOrder_CheckOrder(t *testing.T) {
	h := newHarness(t)
	h.mustCreatePool(t, 1, seniorJunior)
	h.mustMint(t, investA, 1_000)

	expectErr(t, h.supply(9, 0, investA, 1), core.ErrNoSuchPool)
	expectErr(t, h.redeem(9, 0, investA, 1), core.ErrNoSuchPool)
	expectErr(t, h.supply(1, 5, investA, 1), core.ErrNoSuchPool)

	// Only the senior tranche is funded, so the full solution violates the
	// senior subordination ratio and the pool waits for a solve.
	h.mustSupply(t, 1, 0, investA, 100)
	if r := h.mustClose(t, 1); r.Status != core.EpochStatusClosing {
		t.Fatalf("expected closing, got %s", r.Status)
	}

	// Closing is reported before the unknown tranche.
	expectErr(t, h.supply(1, 5, investA, 1), core.ErrPoolClosing)
	expectErr(t, h.redeem(1, 0, investA, 1), core.ErrPoolClosing)
}

func TestOrderSupply_InsufficientBalanceRollsBack(t *testing.T) {
	h := newHarness(t)
	h.mustCreatePool(t, 1, seniorJunior)
	h.mustMint(t, investA, 100)
	seq := h.engine.GetSequence()

	err := h.supply(1, 0, investA, 500)
	expectErr(t, err, ledger.ErrInsufficientBalance)

	if !h.pool(t, 1).Tranches[0].EpochSupply.IsZero() {
		t.Error("accumulator must roll back with the failed transfer")
	}
	if !h.order(t, 1, 0, investA).Supply.IsZero() {
		t.Error("order must roll back with the failed transfer")
	}
	if h.engine.GetSequence() != seq {
		t.Errorf("failed command consumed a sequence: %d -> %d", seq, h.engine.GetSequence())
	}
}

// ============================================================================
// Test: Epoch Scenarios
// ============================================================================

func TestScenario_TwoTranchesFullExecution(t *testing.T) {
	h := fundedPool(t)
	p := h.pool(t, 1)

	expectBalance(t, "senior reserve", p.Tranches[0].Reserve, 500)
	expectBalance(t, "junior reserve", p.Tranches[1].Reserve, 500)
	expectBalance(t, "total reserve", p.TotalReserve, 1000)
	expectBalance(t, "available reserve", p.AvailableReserve, 1000)
	for i, tr := range p.Tranches {
		if tr.HasPendingOrders() {
			t.Errorf("tranche %d still has pending orders", i)
		}
	}
	if p.LastEpochExecuted != 1 || p.CurrentEpoch != 2 {
		t.Errorf("epochs: executed=%d current=%d", p.LastEpochExecuted, p.CurrentEpoch)
	}
	if p.Tranches[0].Ratio != fpmath.MustParsePerquintill("0.5") || p.Tranches[1].Ratio != fpmath.MustParsePerquintill("0.5") {
		t.Errorf("ratios: %s / %s", p.Tranches[0].Ratio, p.Tranches[1].Ratio)
	}

	escrow := ledger.NewPoolAccount(1)
	for i := state.TrancheIndex(0); i < 2; i++ {
		cur := p.TrancheCurrency(i)
		if got := h.issuance(t, cur); got != "500" {
			t.Errorf("tranche %d issuance: %s", i, got)
		}
		if got := h.balance(t, cur, escrow); got != "500" {
			t.Errorf("tranche %d escrow tokens: %s", i, got)
		}
	}
}

func TestScenario_BorrowThenNoopAfterThirtyDays(t *testing.T) {
	h := fundedPool(t)
	h.borrow(t, 1, 500)

	p := h.pool(t, 1)
	expectBalance(t, "senior reserve", p.Tranches[0].Reserve, 250)
	expectBalance(t, "senior debt", p.Tranches[0].Debt, 250)
	expectBalance(t, "junior reserve", p.Tranches[1].Reserve, 250)
	expectBalance(t, "junior debt", p.Tranches[1].Debt, 250)
	expectBalance(t, "total reserve", p.TotalReserve, 500)
	if got := h.balance(t, usd, ledger.NewInvestorAccount(borrower)); got != "500" {
		t.Errorf("borrower balance: %s", got)
	}

	h.advance(30 * 24 * time.Hour)
	r := h.mustClose(t, 1)
	if r.Status != core.EpochStatusExecuted {
		t.Fatalf("expected no-op execution, got %s", r.Status)
	}

	p = h.pool(t, 1)
	if p.IsClosing() {
		t.Fatal("no-op epoch must not enter closing")
	}
	expectBalance(t, "total reserve", p.TotalReserve, 500)
	expectBalance(t, "available reserve", p.AvailableReserve, 500)
	expectBalance(t, "senior debt", p.Tranches[0].Debt, 252)
	expectBalance(t, "junior debt", p.Tranches[1].Debt, 250)
	if p.LastEpochExecuted != 2 {
		t.Errorf("last executed: %d", p.LastEpochExecuted)
	}
	for _, o := range r.Outcomes {
		if !o.SupplyFulfillment.IsZero() || !o.RedeemFulfillment.IsZero() {
			t.Errorf("no-op outcome has fulfillment: %+v", o)
		}
	}
}

func TestScenario_RedeemBeyondLiquidityEntersClosing(t *testing.T) {
	h := fundedPool(t)
	h.collect(t, 1, 0, investB)
	senior := ledger.TrancheCurrency(1, 0)
	if got := h.balance(t, senior, ledger.NewInvestorAccount(investB)); got != "500" {
		t.Fatalf("collected senior tokens: %s", got)
	}

	// Lend out everything so nothing is left to pay redemptions with.
	h.borrow(t, 1, 1000)
	if err := h.redeem(1, 0, investB, 500); err != nil {
		t.Fatalf("order redeem: %v", err)
	}

	r := h.mustClose(t, 1)
	if r.Status != core.EpochStatusClosing {
		t.Fatalf("expected closing, got %s", r.Status)
	}
	if r.Epoch != 2 {
		t.Errorf("closing epoch: %d", r.Epoch)
	}
	expectBalance(t, "redeem target", r.Targets[0].Redeem, 500)

	p := h.pool(t, 1)
	if !p.IsClosing() || *p.ClosingEpoch != 2 {
		t.Fatalf("pool must be closing epoch 2")
	}
	expectBalance(t, "order redeem", h.order(t, 1, 0, investB).Redeem, 500)
	expectBalance(t, "epoch redeem", p.Tranches[0].EpochRedeem, 500)

	_, err := h.closeEpoch(1)
	expectErr(t, err, core.ErrPoolClosing)
}

// ============================================================================
// Test: Solve
// ============================================================================

func TestSolveEpoch_CheckOrder(t *testing.T) {
	h := newHarness(t)
	_, err := h.solve(1)
	expectErr(t, err, core.ErrNoSuchPool)

	h.mustCreatePool(t, 1, seniorJunior)
	_, err = h.solve(1, state.FullFulfillment(2)...)
	expectErr(t, err, core.ErrNotClosing)
}

func TestSolveEpoch_ToleratesInsufficientCurrency(t *testing.T) {
	h := fundedPool(t)
	h.collect(t, 1, 0, investB)
	h.borrow(t, 1, 1000)
	if err := h.redeem(1, 0, investB, 500); err != nil {
		t.Fatalf("order redeem: %v", err)
	}
	h.mustClose(t, 1)

	// Wrong length is an invalid solution.
	_, err := h.solve(1, state.Fulfillment{})
	expectErr(t, err, core.ErrInvalidSolution)
	expectErr(t, err, core.ErrInvalidData)

	// A liquidity shortfall passes validation but the reserve cannot cover
	// the payout, so execution fails and nothing is applied.
	_, err = h.solve(1, state.FullFulfillment(2)...)
	expectErr(t, err, core.ErrOverflow)
	if !h.pool(t, 1).IsClosing() {
		t.Fatal("failed solve must leave the pool closing")
	}

	// With the loan repaid the redemption is payable.
	h.payback(t, 1, 600)
	r, err := h.solve(1, state.FullFulfillment(2)...)
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	if r.Status != core.EpochStatusExecuted || r.Epoch != 2 {
		t.Fatalf("unexpected result: %+v", r)
	}

	p := h.pool(t, 1)
	if p.IsClosing() {
		t.Error("solve must clear closing")
	}
	expectBalance(t, "total reserve", p.TotalReserve, 100)
	expectBalance(t, "available reserve", p.AvailableReserve, 100)
	expectBalance(t, "epoch redeem", p.Tranches[0].EpochRedeem, 0)
	if got := h.issuance(t, ledger.TrancheCurrency(1, 0)); got != "0" {
		t.Errorf("senior issuance after full redemption: %s", got)
	}

	var targetsErr error
	h.engine.View(func(repo *state.Repository, _ ledger.Currencies) error {
		_, targetsErr = repo.PendingTargets(1)
		return nil
	})
	expectErr(t, targetsErr, store.ErrNotFound)
}

func TestSolveEpoch_SubordinationRejectedThenEmptySolution(t *testing.T) {
	h := newHarness(t)
	h.mustCreatePool(t, 1, seniorJunior)
	h.mustMint(t, investB, 1_000)
	h.mustSupply(t, 1, 0, investB, 500)

	r := h.mustClose(t, 1)
	if r.Status != core.EpochStatusClosing {
		t.Fatalf("expected closing, got %s", r.Status)
	}

	_, err := h.solve(1, state.FullFulfillment(2)...)
	expectErr(t, err, core.ErrInvalidSolution)
	expectErr(t, err, core.ErrSubordinationRatioViolated)
	if core.KindOf(err) != core.KindSolutionRejected {
		t.Errorf("kind: %s", core.KindOf(err))
	}

	// Executing nothing is always solvent; the order rolls into epoch 2.
	if _, err := h.solve(1, state.Fulfillment{}, state.Fulfillment{}); err != nil {
		t.Fatalf("empty solve: %v", err)
	}
	p := h.pool(t, 1)
	expectBalance(t, "rolled supply", p.Tranches[0].EpochSupply, 500)
	if p.LastEpochExecuted != 1 || p.CurrentEpoch != 2 || p.IsClosing() {
		t.Errorf("epochs: executed=%d current=%d closing=%v", p.LastEpochExecuted, p.CurrentEpoch, p.IsClosing())
	}
}

func TestSolveEpoch_PartialFillAndCollect(t *testing.T) {
	h := newHarness(t)
	cmd := h.createPool(1, seniorJunior)
	cmd.MaxReserve = fpmath.NewBalance(600)
	h.mustApply(t, cmd)
	h.mustMint(t, investA, 1_000)
	h.mustMint(t, investB, 1_000)
	h.mustSupply(t, 1, 1, investA, 500)
	h.mustSupply(t, 1, 0, investB, 500)

	r := h.mustClose(t, 1)
	if r.Status != core.EpochStatusClosing {
		t.Fatalf("reserve ceiling should force closing, got %s", r.Status)
	}

	half := fpmath.MustParsePerquintill("0.5")
	_, err := h.solve(1, state.Fulfillment{Supply: half}, state.Fulfillment{Supply: half})
	if err != nil {
		t.Fatalf("partial solve: %v", err)
	}

	p := h.pool(t, 1)
	expectBalance(t, "total reserve", p.TotalReserve, 500)
	expectBalance(t, "senior pending", p.Tranches[0].EpochSupply, 250)
	expectBalance(t, "junior pending", p.Tranches[1].EpochSupply, 250)

	h.collect(t, 1, 0, investB)
	if got := h.balance(t, ledger.TrancheCurrency(1, 0), ledger.NewInvestorAccount(investB)); got != "250" {
		t.Errorf("collected tokens: %s", got)
	}
	o := h.order(t, 1, 0, investB)
	expectBalance(t, "remaining order", o.Supply, 250)
	if o.Epoch != 2 {
		t.Errorf("order epoch after collect: %d", o.Epoch)
	}
}

func TestCollect_RoundingRemainderGoesToLastCollector(t *testing.T) {
	investC := uuid.MustParse("00000000-0000-0000-0000-00000000000c")
	investors := []uuid.UUID{investA, investB, investC}

	h := newHarness(t)
	cmd := h.createPool(1, []state.TrancheSpec{{}})
	cmd.MaxReserve = fpmath.NewBalance(1)
	h.mustApply(t, cmd)
	for _, who := range investors {
		h.mustMint(t, who, 10)
		h.mustSupply(t, 1, 0, who, 1)
	}

	if r := h.mustClose(t, 1); r.Status != core.EpochStatusClosing {
		t.Fatalf("reserve ceiling should force closing, got %s", r.Status)
	}
	if _, err := h.solve(1, state.Fulfillment{Supply: fpmath.MustParsePerquintill("0.5")}); err != nil {
		t.Fatalf("partial solve: %v", err)
	}
	expectBalance(t, "pending supply", h.pool(t, 1).Tranches[0].EpochSupply, 2)

	token := ledger.TrancheCurrency(1, 0)
	var pending, minted fpmath.Balance
	for _, who := range investors {
		h.collect(t, 1, 0, who)
		pending, _ = pending.CheckedAdd(h.order(t, 1, 0, who).Supply)
		got, err := fpmath.ParseBalance(h.balance(t, token, ledger.NewInvestorAccount(who)))
		if err != nil {
			t.Fatalf("parse balance: %v", err)
		}
		minted, _ = minted.CheckedAdd(got)
	}

	expectBalance(t, "standing orders", pending, 2)
	expectBalance(t, "collected tokens", minted, 1)
	expectBalance(t, "first order", h.order(t, 1, 0, investA).Supply, 1)
	expectBalance(t, "last order", h.order(t, 1, 0, investC).Supply, 0)
	if got := h.balance(t, token, ledger.NewInvestorAccount(investC)); got != "1" {
		t.Errorf("last collector tokens: %s", got)
	}
}

// ============================================================================
// Test: Close edge cases
// ============================================================================

func TestCloseEpoch_NoopOnFreshPool(t *testing.T) {
	h := newHarness(t)
	h.mustCreatePool(t, 1, seniorJunior)

	r := h.mustClose(t, 1)
	if r.Status != core.EpochStatusExecuted || len(r.Outcomes) != 2 {
		t.Fatalf("unexpected result: %+v", r)
	}
	for _, o := range r.Outcomes {
		if !o.TokenPrice.Equal(fpmath.RateOne()) {
			t.Errorf("bootstrap price: %s", o.TokenPrice)
		}
	}
	p := h.pool(t, 1)
	if !p.TotalReserve.IsZero() || p.LastEpochExecuted != 1 || p.CurrentEpoch != 2 {
		t.Errorf("unexpected pool after no-op: %+v", p)
	}
}

func TestCloseEpoch_WipedOutLeavesPoolUntouched(t *testing.T) {
	h := fundedPool(t)
	h.borrow(t, 1, 600)
	h.mustSupply(t, 1, 1, investA, 600)

	_, err := h.closeEpoch(1)
	expectErr(t, err, core.ErrWipedOut)

	p := h.pool(t, 1)
	if p.CurrentEpoch != 2 || p.IsClosing() {
		t.Errorf("wiped out close must not progress: current=%d closing=%v", p.CurrentEpoch, p.IsClosing())
	}
	expectBalance(t, "available reserve", p.AvailableReserve, 400)
}

func TestCloseEpoch_UnknownPool(t *testing.T) {
	h := newHarness(t)
	_, err := h.closeEpoch(3)
	expectErr(t, err, core.ErrNoSuchPool)
	if core.KindOf(err) != core.KindNotFound {
		t.Errorf("kind: %s", core.KindOf(err))
	}
}

// ============================================================================
// Test: Reserve operations
// ============================================================================

func TestBorrow_BeyondReserveFails(t *testing.T) {
	h := fundedPool(t)
	_, err := h.apply(&event.Borrow{CommandID: h.key(), PoolID: 1, Borrower: borrower, Amount: fpmath.NewBalance(1001), Timestamp: h.now})
	expectErr(t, err, core.ErrOverflow)
	expectBalance(t, "total reserve", h.pool(t, 1).TotalReserve, 1000)
}

func TestBorrow_UnevenReservesConserveValue(t *testing.T) {
	h := fundedPool(t)
	h.borrow(t, 1, 500)
	h.payback(t, 1, 250)
	if r := h.mustClose(t, 1); r.Status != core.EpochStatusExecuted {
		t.Fatalf("expected no-op execution, got %s", r.Status)
	}

	p := h.pool(t, 1)
	expectBalance(t, "senior reserve", p.Tranches[0].Reserve, 500)
	expectBalance(t, "junior reserve", p.Tranches[1].Reserve, 250)
	before := trancheValue(p)

	h.borrow(t, 1, 750)

	p = h.pool(t, 1)
	expectBalance(t, "total reserve", p.TotalReserve, 0)
	expectBalance(t, "senior reserve", p.Tranches[0].Reserve, 0)
	expectBalance(t, "senior debt", p.Tranches[0].Debt, 500)
	expectBalance(t, "junior reserve", p.Tranches[1].Reserve, 0)
	expectBalance(t, "junior debt", p.Tranches[1].Debt, 500)
	if after := trancheValue(p); after.String() != before.String() {
		t.Errorf("tranche value changed by borrow: %s -> %s", before, after)
	}
}

// trancheValue sums debt and reserve over every tranche of p.
func trancheValue(p *state.Pool) fpmath.Balance {
	var sum fpmath.Balance
	for _, tr := range p.Tranches {
		sum, _ = sum.CheckedAdd(tr.Debt)
		sum, _ = sum.CheckedAdd(tr.Reserve)
	}
	return sum
}

func TestPayback_SeniorFirstJuniorAbsorbsExcess(t *testing.T) {
	h := fundedPool(t)
	h.borrow(t, 1, 500)
	h.payback(t, 1, 400)

	p := h.pool(t, 1)
	expectBalance(t, "senior debt", p.Tranches[0].Debt, 0)
	expectBalance(t, "senior reserve", p.Tranches[0].Reserve, 500)
	expectBalance(t, "junior debt", p.Tranches[1].Debt, 100)
	expectBalance(t, "junior reserve", p.Tranches[1].Reserve, 400)
	expectBalance(t, "total reserve", p.TotalReserve, 900)
	// Payback does not release reserve for borrowing until the next epoch.
	expectBalance(t, "available reserve", p.AvailableReserve, 500)

	h.payback(t, 1, 100)
	p = h.pool(t, 1)
	expectBalance(t, "junior debt", p.Tranches[1].Debt, 0)
	expectBalance(t, "junior reserve", p.Tranches[1].Reserve, 500)
}

func TestMint_DisabledByDefault(t *testing.T) {
	e, err := core.NewEngine(store.NewMemoryDB(), nil, nil, core.Options{})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	_, err = e.ProcessCommand(&event.Mint{CommandID: "m", Currency: usd, Investor: investA, Amount: fpmath.NewBalance(1), Timestamp: t0})
	expectErr(t, err, core.ErrMintDisabled)
}

// ============================================================================
// Test: Idempotency, hash chain and restart
// ============================================================================

func TestIdempotency_DuplicateCommandIgnored(t *testing.T) {
	h := newHarness(t)
	h.mustCreatePool(t, 1, seniorJunior)
	h.mustMint(t, investA, 1_000)

	cmd := &event.OrderSupply{CommandID: "dup", PoolID: 1, Tranche: 1, Investor: investA, Amount: fpmath.NewBalance(100), Timestamp: h.now}
	h.mustApply(t, cmd)
	drainOutputs(h.persistCh)

	res := h.mustApply(t, cmd)
	if !res.Duplicate {
		t.Error("expected duplicate result")
	}
	if n := len(drainOutputs(h.persistCh)); n != 0 {
		t.Errorf("expected 0 outputs for duplicate, got %d", n)
	}
	if stats := h.engine.IdempotencyStats(); stats.LRUHits != 1 {
		t.Errorf("lru hits: %d", stats.LRUHits)
	}
}

func TestStateHashChain_DeterministicAndLinked(t *testing.T) {
	run := func() []core.CoreOutput {
		h := fundedPool(t)
		h.borrow(t, 1, 100)
		return drainOutputs(h.persistCh)
	}

	first, second := run(), run()
	if len(first) != len(second) {
		t.Fatalf("different number of outputs: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Envelope.StateHash != second[i].Envelope.StateHash {
			t.Errorf("hash %d differs", i)
		}
	}

	if first[0].Envelope.PrevHash != sha256.Sum256([]byte(core.GenesisHashSeed)) {
		t.Error("first envelope must link to genesis")
	}
	if first[0].Envelope.Sequence != 1 {
		t.Errorf("first sequence: %d", first[0].Envelope.Sequence)
	}
	for i := 1; i < len(first); i++ {
		if first[i].Envelope.PrevHash != first[i-1].Envelope.StateHash {
			t.Errorf("envelope %d does not link to its predecessor", i)
		}
		if first[i].Envelope.Sequence != first[i-1].Envelope.Sequence+1 {
			t.Errorf("sequence gap at %d", i)
		}
	}
}

func TestEngine_ResumesFromStore(t *testing.T) {
	db := store.NewMemoryDB()
	h := newHarnessOn(t, db)
	h.mustCreatePool(t, 1, seniorJunior)
	h.mustMint(t, investA, 10)

	restarted := newHarnessOn(t, db)
	if restarted.engine.GetSequence() != h.engine.GetSequence() {
		t.Errorf("sequence: %d vs %d", restarted.engine.GetSequence(), h.engine.GetSequence())
	}
	if restarted.engine.GetStateHash() != h.engine.GetStateHash() {
		t.Error("state hash tip not resumed")
	}
}

func TestProjectionChannel_DropsOnFull(t *testing.T) {
	persistCh := make(chan core.CoreOutput, 1024)
	projCh := make(chan core.CoreOutput, 1)
	e, err := core.NewEngine(store.NewMemoryDB(), persistCh, projCh, core.Options{AllowMint: true})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	for i := 0; i < 5; i++ {
		_, err := e.ProcessCommand(&event.Mint{CommandID: fmt.Sprintf("m-%d", i), Currency: usd, Investor: investA, Amount: fpmath.NewBalance(1), Timestamp: t0})
		if err != nil {
			t.Fatalf("mint %d: %v", i, err)
		}
	}

	if n := len(drainOutputs(persistCh)); n != 5 {
		t.Errorf("expected 5 persist outputs, got %d", n)
	}
	if n := len(drainOutputs(projCh)); n != 1 {
		t.Errorf("expected 1 projection output, got %d", n)
	}
}
