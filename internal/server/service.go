package server

import (
	"context"
	"fmt"
	"sort"

	"TrancheLedger/internal/core"
	"TrancheLedger/internal/event"
	"TrancheLedger/internal/ledger"
	"TrancheLedger/internal/projection"
	"TrancheLedger/internal/query"
	"TrancheLedger/internal/state"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultOutcomeLimit = 50
	maxOutcomeLimit     = 500
)

// PoolService is the RPC surface of the engine. Writes go through the
// single command loop; point reads come straight from engine state.
type PoolService interface {
	CreatePool(ctx context.Context, req *event.CreatePool) (*CommandResponse, error)
	OrderSupply(ctx context.Context, req *event.OrderSupply) (*CommandResponse, error)
	OrderRedeem(ctx context.Context, req *event.OrderRedeem) (*CommandResponse, error)
	Collect(ctx context.Context, req *event.Collect) (*CommandResponse, error)
	CloseEpoch(ctx context.Context, req *event.CloseEpoch) (*CommandResponse, error)
	SolveEpoch(ctx context.Context, req *event.SolveEpoch) (*CommandResponse, error)
	Borrow(ctx context.Context, req *event.Borrow) (*CommandResponse, error)
	Payback(ctx context.Context, req *event.Payback) (*CommandResponse, error)
	Mint(ctx context.Context, req *event.Mint) (*CommandResponse, error)

	GetPool(ctx context.Context, req *GetPoolRequest) (*PoolStateResponse, error)
	GetOrder(ctx context.Context, req *GetOrderRequest) (*OrderStateResponse, error)
	GetEpochOutcome(ctx context.Context, req *GetEpochOutcomeRequest) (*EpochOutcomeStateResponse, error)
	GetBalance(ctx context.Context, req *GetBalanceRequest) (*query.BalanceResponse, error)
	ListEpochOutcomes(ctx context.Context, req *ListEpochOutcomesRequest) (*ListEpochOutcomesResponse, error)
}

// Submitter queues a command and waits for the engine's answer.
type Submitter interface {
	Submit(ctx context.Context, cmd event.Event) (*core.Result, error)
}

// Backend is everything a PoolService reads and writes through.
type Backend struct {
	Ingest Submitter
	State  query.StateView
	// Query and History are optional; without them epoch listings are
	// served from engine state.
	Query   *query.QueryService
	History *projection.EpochHistory
}

type poolService struct {
	ingest   Submitter
	state    query.StateView
	balances *query.BalanceReader
	query    *query.QueryService
	history  *projection.EpochHistory
}

// NewPoolService builds the service over b.
func NewPoolService(b Backend) PoolService {
	return &poolService{
		ingest:   b.Ingest,
		state:    b.State,
		balances: query.NewBalanceReader(b.State),
		query:    b.Query,
		history:  b.History,
	}
}

func (s *poolService) submit(ctx context.Context, cmd event.Event) (*CommandResponse, error) {
	res, err := s.ingest.Submit(ctx, cmd)
	if err != nil {
		return nil, toStatus(err)
	}
	return commandResponse(res), nil
}

func (s *poolService) CreatePool(ctx context.Context, req *event.CreatePool) (*CommandResponse, error) {
	return s.submit(ctx, req)
}

func (s *poolService) OrderSupply(ctx context.Context, req *event.OrderSupply) (*CommandResponse, error) {
	return s.submit(ctx, req)
}

func (s *poolService) OrderRedeem(ctx context.Context, req *event.OrderRedeem) (*CommandResponse, error) {
	return s.submit(ctx, req)
}

func (s *poolService) Collect(ctx context.Context, req *event.Collect) (*CommandResponse, error) {
	return s.submit(ctx, req)
}

func (s *poolService) CloseEpoch(ctx context.Context, req *event.CloseEpoch) (*CommandResponse, error) {
	return s.submit(ctx, req)
}

func (s *poolService) SolveEpoch(ctx context.Context, req *event.SolveEpoch) (*CommandResponse, error) {
	if len(req.Solution) == 0 {
		return nil, status.Error(codes.InvalidArgument, "solution is required")
	}
	return s.submit(ctx, req)
}

func (s *poolService) Borrow(ctx context.Context, req *event.Borrow) (*CommandResponse, error) {
	return s.submit(ctx, req)
}

func (s *poolService) Payback(ctx context.Context, req *event.Payback) (*CommandResponse, error) {
	return s.submit(ctx, req)
}

func (s *poolService) Mint(ctx context.Context, req *event.Mint) (*CommandResponse, error) {
	return s.submit(ctx, req)
}

// --- Reads ---

func (s *poolService) asOf() int64 {
	return s.state.GetSequence() - 1
}

func (s *poolService) GetPool(ctx context.Context, req *GetPoolRequest) (*PoolStateResponse, error) {
	resp := &PoolStateResponse{}
	err := s.state.View(func(repo *state.Repository, _ ledger.Currencies) error {
		resp.AsOfSequence = s.asOf()
		p, err := repo.Pool(req.PoolID)
		if err != nil {
			return fmt.Errorf("pool %d: %w", req.PoolID, err)
		}
		resp.Pool = p
		return nil
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *poolService) GetOrder(ctx context.Context, req *GetOrderRequest) (*OrderStateResponse, error) {
	resp := &OrderStateResponse{}
	err := s.state.View(func(repo *state.Repository, _ ledger.Currencies) error {
		resp.AsOfSequence = s.asOf()
		o, err := repo.Order(req.PoolID, req.Tranche, req.Investor)
		if err != nil {
			return fmt.Errorf("order %d/%d/%s: %w", req.PoolID, req.Tranche, req.Investor, err)
		}
		resp.Order = o
		return nil
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *poolService) GetEpochOutcome(ctx context.Context, req *GetEpochOutcomeRequest) (*EpochOutcomeStateResponse, error) {
	resp := &EpochOutcomeStateResponse{}
	err := s.state.View(func(repo *state.Repository, _ ledger.Currencies) error {
		resp.AsOfSequence = s.asOf()
		o, err := repo.EpochOutcome(req.PoolID, req.Tranche, req.Epoch)
		if err != nil {
			return fmt.Errorf("outcome %d/%d/%d: %w", req.PoolID, req.Tranche, req.Epoch, err)
		}
		resp.Outcome = o
		return nil
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *poolService) GetBalance(ctx context.Context, req *GetBalanceRequest) (*query.BalanceResponse, error) {
	resp, err := s.balances.GetBalance(req.Investor, req.PoolID)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *poolService) ListEpochOutcomes(ctx context.Context, req *ListEpochOutcomesRequest) (*ListEpochOutcomesResponse, error) {
	limit := req.Limit
	if limit <= 0 || limit > maxOutcomeLimit {
		limit = defaultOutcomeLimit
	}

	var (
		outcomes []query.EpochOutcomeResponse
		err      error
	)
	switch {
	case s.query != nil && req.BeforeEpoch == nil:
		outcomes, err = s.query.RecentEpochs(ctx, s.history, req.PoolID, limit)
	case s.query != nil:
		outcomes, err = s.query.GetEpochHistory(ctx, req.PoolID, limit, req.BeforeEpoch)
	default:
		outcomes, err = s.outcomesFromState(req.PoolID, limit, req.BeforeEpoch)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListEpochOutcomesResponse{Outcomes: outcomes}, nil
}

// outcomesFromState lists outcomes newest epoch first, tranches ascending.
func (s *poolService) outcomesFromState(id state.PoolID, limit int, before *uint64) ([]query.EpochOutcomeResponse, error) {
	var all []*state.EpochOutcome
	err := s.state.View(func(repo *state.Repository, _ ledger.Currencies) error {
		if _, err := repo.Pool(id); err != nil {
			return fmt.Errorf("pool %d: %w", id, err)
		}
		var err error
		all, err = repo.EpochOutcomes(id)
		return err
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Epoch != all[j].Epoch {
			return all[i].Epoch > all[j].Epoch
		}
		return all[i].Tranche < all[j].Tranche
	})

	out := make([]query.EpochOutcomeResponse, 0, limit)
	for _, o := range all {
		if before != nil && o.Epoch >= *before {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, query.EpochOutcomeResponse{
			PoolID:            o.PoolID,
			Tranche:           o.Tranche,
			Epoch:             o.Epoch,
			SupplyFulfillment: o.SupplyFulfillment,
			RedeemFulfillment: o.RedeemFulfillment,
			TokenPrice:        o.TokenPrice,
		})
	}
	return out, nil
}
