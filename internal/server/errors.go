package server

import (
	"context"
	"errors"

	"TrancheLedger/internal/core"
	"TrancheLedger/internal/store"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// toStatus maps engine and storage errors onto gRPC codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}
	if errors.Is(err, store.ErrNotFound) {
		return status.Error(codes.NotFound, err.Error())
	}
	return status.Error(codeForKind(core.KindOf(err)), err.Error())
}

func codeForKind(k core.Kind) codes.Code {
	switch k {
	case core.KindNotFound:
		return codes.NotFound
	case core.KindStateConflict, core.KindSolvency:
		return codes.FailedPrecondition
	case core.KindArithmetic:
		return codes.OutOfRange
	case core.KindInputValidity, core.KindSolutionRejected:
		return codes.InvalidArgument
	default:
		return codes.Internal
	}
}
