package server

import (
	"context"

	"TrancheLedger/internal/event"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "trancheledger.v1.PoolService"

// FullMethod returns the gRPC method path for name.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func unary[Req, Resp any](name string, call func(PoolService, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "decode %s: %v", name, err)
			}
			svc := srv.(PoolService)
			if interceptor == nil {
				return call(svc, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(svc, ctx, req.(*Req))
			})
		},
	}
}

// PoolServiceDesc describes PoolService for grpc.Server.RegisterService.
// Messages are JSON; see CodecName.
var PoolServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PoolService)(nil),
	Methods: []grpc.MethodDesc{
		unary[event.CreatePool]("CreatePool", PoolService.CreatePool),
		unary[event.OrderSupply]("OrderSupply", PoolService.OrderSupply),
		unary[event.OrderRedeem]("OrderRedeem", PoolService.OrderRedeem),
		unary[event.Collect]("Collect", PoolService.Collect),
		unary[event.CloseEpoch]("CloseEpoch", PoolService.CloseEpoch),
		unary[event.SolveEpoch]("SolveEpoch", PoolService.SolveEpoch),
		unary[event.Borrow]("Borrow", PoolService.Borrow),
		unary[event.Payback]("Payback", PoolService.Payback),
		unary[event.Mint]("Mint", PoolService.Mint),
		unary[GetPoolRequest]("GetPool", PoolService.GetPool),
		unary[GetOrderRequest]("GetOrder", PoolService.GetOrder),
		unary[GetEpochOutcomeRequest]("GetEpochOutcome", PoolService.GetEpochOutcome),
		unary[GetBalanceRequest]("GetBalance", PoolService.GetBalance),
		unary[ListEpochOutcomesRequest]("ListEpochOutcomes", PoolService.ListEpochOutcomes),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "trancheledger/v1/pool.json",
}
