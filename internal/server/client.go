package server

import (
	"context"

	"TrancheLedger/internal/event"
	"TrancheLedger/internal/query"

	"google.golang.org/grpc"
)

// PoolClient calls PoolService over a gRPC connection.
type PoolClient struct {
	cc grpc.ClientConnInterface
}

func NewPoolClient(cc grpc.ClientConnInterface) *PoolClient {
	return &PoolClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, req any) (*Resp, error) {
	out := new(Resp)
	if err := cc.Invoke(ctx, FullMethod(method), req, out, grpc.CallContentSubtype(CodecName)); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *PoolClient) CreatePool(ctx context.Context, req *event.CreatePool) (*CommandResponse, error) {
	return invoke[CommandResponse](ctx, c.cc, "CreatePool", req)
}

func (c *PoolClient) OrderSupply(ctx context.Context, req *event.OrderSupply) (*CommandResponse, error) {
	return invoke[CommandResponse](ctx, c.cc, "OrderSupply", req)
}

func (c *PoolClient) OrderRedeem(ctx context.Context, req *event.OrderRedeem) (*CommandResponse, error) {
	return invoke[CommandResponse](ctx, c.cc, "OrderRedeem", req)
}

func (c *PoolClient) Collect(ctx context.Context, req *event.Collect) (*CommandResponse, error) {
	return invoke[CommandResponse](ctx, c.cc, "Collect", req)
}

func (c *PoolClient) CloseEpoch(ctx context.Context, req *event.CloseEpoch) (*CommandResponse, error) {
	return invoke[CommandResponse](ctx, c.cc, "CloseEpoch", req)
}

func (c *PoolClient) SolveEpoch(ctx context.Context, req *event.SolveEpoch) (*CommandResponse, error) {
	return invoke[CommandResponse](ctx, c.cc, "SolveEpoch", req)
}

func (c *PoolClient) Borrow(ctx context.Context, req *event.Borrow) (*CommandResponse, error) {
	return invoke[CommandResponse](ctx, c.cc, "Borrow", req)
}

func (c *PoolClient) Payback(ctx context.Context, req *event.Payback) (*CommandResponse, error) {
	return invoke[CommandResponse](ctx, c.cc, "Payback", req)
}

func (c *PoolClient) Mint(ctx context.Context, req *event.Mint) (*CommandResponse, error) {
	return invoke[CommandResponse](ctx, c.cc, "Mint", req)
}

func (c *PoolClient) GetPool(ctx context.Context, req *GetPoolRequest) (*PoolStateResponse, error) {
	return invoke[PoolStateResponse](ctx, c.cc, "GetPool", req)
}

func (c *PoolClient) GetOrder(ctx context.Context, req *GetOrderRequest) (*OrderStateResponse, error) {
	return invoke[OrderStateResponse](ctx, c.cc, "GetOrder", req)
}

func (c *PoolClient) GetEpochOutcome(ctx context.Context, req *GetEpochOutcomeRequest) (*EpochOutcomeStateResponse, error) {
	return invoke[EpochOutcomeStateResponse](ctx, c.cc, "GetEpochOutcome", req)
}

func (c *PoolClient) GetBalance(ctx context.Context, req *GetBalanceRequest) (*query.BalanceResponse, error) {
	return invoke[query.BalanceResponse](ctx, c.cc, "GetBalance", req)
}

func (c *PoolClient) ListEpochOutcomes(ctx context.Context, req *ListEpochOutcomesRequest) (*ListEpochOutcomesResponse, error) {
	return invoke[ListEpochOutcomesResponse](ctx, c.cc, "ListEpochOutcomes", req)
}

var _ PoolService = (*PoolClient)(nil)
