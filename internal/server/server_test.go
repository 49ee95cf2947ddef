package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"TrancheLedger/internal/core"
	"TrancheLedger/internal/event"
	"TrancheLedger/internal/ingestion"
	fpmath "TrancheLedger/internal/math"
	"TrancheLedger/internal/observability"
	"TrancheLedger/internal/state"
	"TrancheLedger/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

var (
	testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	investor = uuid.MustParse("44444444-4444-4444-4444-444444444444")
	specs    = []state.TrancheSpec{{InterestPct: 5, MinSubPct: 10}, {}}
)

type fixture struct {
	engine  *core.Engine
	server  *Server
	checker *observability.HealthChecker
	client  *PoolClient
	conn    *grpc.ClientConn
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	engine, err := core.NewEngine(store.NewMemoryDB(), nil, nil, core.Options{AllowMint: true})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	subs := make(chan ingestion.Submission, 16)
	go ingestion.RunCommandLoop(ctx, subs, engine, zerolog.Nop())

	checker := observability.NewHealthChecker()
	srv := New("", "", Deps{
		Backend: Backend{Ingest: ingestion.NewGRPCIngestService(subs), State: engine},
		Health:  checker,
		Logger:  zerolog.Nop(),
	})

	lis := bufconn.Listen(1 << 20)
	go srv.GRPC().Serve(lis)
	t.Cleanup(srv.GRPC().Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &fixture{engine: engine, server: srv, checker: checker, client: NewPoolClient(conn), conn: conn}
}

func (f *fixture) seed(t *testing.T, ctx context.Context) {
	t.Helper()
	_, err := f.client.CreatePool(ctx, &event.CreatePool{PoolID: 9, Owner: investor, Tranches: specs,
		Currency: "USD", MaxReserve: fpmath.NewBalance(1_000_000), Timestamp: testTime})
	require.NoError(t, err)
	_, err = f.client.Mint(ctx, &event.Mint{Currency: "USD", Investor: investor, Amount: fpmath.NewBalance(1_000), Timestamp: testTime})
	require.NoError(t, err)
	_, err = f.client.OrderSupply(ctx, &event.OrderSupply{PoolID: 9, Tranche: 1, Investor: investor,
		Amount: fpmath.NewBalance(400), Timestamp: testTime})
	require.NoError(t, err)
}

// ============================================================================
// gRPC
// ============================================================================

func TestGRPC_CommandsAndReads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, ctx)

	closed, err := f.client.CloseEpoch(ctx, &event.CloseEpoch{PoolID: 9, Timestamp: testTime.Add(time.Hour)})
	require.NoError(t, err)
	require.NotNil(t, closed.Epoch)
	assert.Equal(t, "executed", closed.Epoch.Status)
	assert.Len(t, closed.Epoch.Outcomes, 2)
	assert.Equal(t, int64(4), closed.Sequence)
	assert.Len(t, closed.StateHash, 64)

	pool, err := f.client.GetPool(ctx, &GetPoolRequest{PoolID: 9})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), pool.Pool.CurrentEpoch)
	assert.Equal(t, "400", pool.Pool.TotalReserve.String())
	assert.Equal(t, int64(4), pool.AsOfSequence)

	order, err := f.client.GetOrder(ctx, &GetOrderRequest{PoolID: 9, Tranche: 1, Investor: investor})
	require.NoError(t, err)
	assert.Equal(t, "400", order.Order.Supply.String())

	outcome, err := f.client.GetEpochOutcome(ctx, &GetEpochOutcomeRequest{PoolID: 9, Tranche: 1, Epoch: 1})
	require.NoError(t, err)
	assert.Equal(t, fpmath.PerquintillOne, outcome.Outcome.SupplyFulfillment)

	bal, err := f.client.GetBalance(ctx, &GetBalanceRequest{PoolID: 9, Investor: investor})
	require.NoError(t, err)
	assert.Equal(t, "600", bal.Free.String())

	list, err := f.client.ListEpochOutcomes(ctx, &ListEpochOutcomesRequest{PoolID: 9})
	require.NoError(t, err)
	require.Len(t, list.Outcomes, 2)
	assert.Equal(t, uint64(1), list.Outcomes[0].Epoch)
	assert.Equal(t, state.TrancheIndex(0), list.Outcomes[0].Tranche)
}

func TestGRPC_ErrorCodes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.client.GetPool(ctx, &GetPoolRequest{PoolID: 77})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = f.client.CloseEpoch(ctx, &event.CloseEpoch{PoolID: 77, Timestamp: testTime})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = f.client.SolveEpoch(ctx, &event.SolveEpoch{PoolID: 77})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	f.seed(t, ctx)
	_, err = f.client.CreatePool(ctx, &event.CreatePool{PoolID: 9, Owner: investor, Tranches: specs,
		Currency: "USD", MaxReserve: fpmath.NewBalance(1), Timestamp: testTime})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err), "pool id in use")
}

func TestGRPC_HealthFollowsReadiness(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	hc := healthpb.NewHealthClient(f.conn)

	resp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	f.checker.SetReady(true)
	resp, err = hc.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

// ============================================================================
// HTTP gateway
// ============================================================================

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGateway_Routes(t *testing.T) {
	f := newFixture(t)
	h, err := f.server.Handler()
	require.NoError(t, err)

	create := fmt.Sprintf(`{"pool_id":5,"owner":%q,"currency":"USD","max_reserve":"5000",
		"tranches":[{"interest_pct":5,"min_sub_pct":10},{}]}`, investor)
	rec := do(t, h, "POST", "/v1/pools", create)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var cmd CommandResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cmd))
	assert.Equal(t, int64(1), cmd.Sequence)

	rec = do(t, h, "POST", "/v1/pools/5/close", `{}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, "GET", "/v1/pools/5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var pool PoolStateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pool))
	assert.Equal(t, uint64(2), pool.Pool.CurrentEpoch)

	rec = do(t, h, "GET", "/v1/pools/5/epochs?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list ListEpochOutcomesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Outcomes, 1)
}

func TestGateway_Errors(t *testing.T) {
	f := newFixture(t)
	h, err := f.server.Handler()
	require.NoError(t, err)

	cases := []struct {
		method, path, body string
		want               int
	}{
		{"GET", "/v1/pools/abc", "", http.StatusBadRequest},
		{"GET", "/v1/pools/42", "", http.StatusNotFound},
		{"GET", "/v1/pools/42/balances/not-a-uuid", "", http.StatusBadRequest},
		{"POST", "/v1/pools/42/close", `{"command_id":`, http.StatusBadRequest},
		{"GET", "/v1/admin/integrity", "", http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		rec := do(t, h, tc.method, tc.path, tc.body)
		assert.Equal(t, tc.want, rec.Code, "%s %s: %s", tc.method, tc.path, rec.Body.String())
	}
}

func TestGateway_Health(t *testing.T) {
	f := newFixture(t)
	h, err := f.server.Handler()
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, do(t, h, "GET", "/healthz", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, "GET", "/readyz", "").Code)
	f.checker.SetReady(true)
	assert.Equal(t, http.StatusOK, do(t, h, "GET", "/readyz", "").Code)
}

// ============================================================================
// Error mapping
// ============================================================================

func TestToStatus(t *testing.T) {
	cases := []struct {
		err  error
		want codes.Code
	}{
		{fmt.Errorf("pool 1: %w", core.ErrNoSuchPool), codes.NotFound},
		{fmt.Errorf("pool 1: %w", store.ErrNotFound), codes.NotFound},
		{core.ErrPoolClosing, codes.FailedPrecondition},
		{core.ErrInsufficientReserve, codes.FailedPrecondition},
		{fmt.Errorf("solve: %w", core.ErrSubordinationRatioViolated), codes.FailedPrecondition},
		{core.ErrInvalidSolution, codes.InvalidArgument},
		{core.ErrOverflow, codes.OutOfRange},
		{core.ErrTrancheID, codes.InvalidArgument},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{errors.New("disk on fire"), codes.Internal},
		{status.Error(codes.Unavailable, "down"), codes.Unavailable},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, status.Code(toStatus(tc.err)), "%v", tc.err)
	}
	assert.NoError(t, toStatus(nil))
}
