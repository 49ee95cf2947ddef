package server

import (
	"encoding/hex"

	"TrancheLedger/internal/core"
	"TrancheLedger/internal/query"
	"TrancheLedger/internal/state"

	"github.com/google/uuid"
)

// Commands travel as the event structs themselves (event.CreatePool,
// event.OrderSupply, ...). Missing command ids and timestamps are filled
// in on arrival.

// CommandResponse reports an applied or deduplicated command.
type CommandResponse struct {
	Sequence  int64          `json:"sequence"`
	StateHash string         `json:"state_hash"`
	Duplicate bool           `json:"duplicate"`
	Epoch     *EpochResponse `json:"epoch,omitempty"`
}

// EpochResponse describes the epoch a close or solve acted on.
type EpochResponse struct {
	PoolID   state.PoolID          `json:"pool_id"`
	Epoch    uint64                `json:"epoch"`
	Status   string                `json:"status"`
	Outcomes []state.EpochOutcome  `json:"outcomes,omitempty"`
	Targets  []state.TrancheTarget `json:"targets,omitempty"`
	Reason   string                `json:"reason,omitempty"`
}

func commandResponse(r *core.Result) *CommandResponse {
	resp := &CommandResponse{
		Sequence:  r.Sequence,
		StateHash: hex.EncodeToString(r.StateHash[:]),
		Duplicate: r.Duplicate,
	}
	if e := r.Epoch; e != nil {
		resp.Epoch = &EpochResponse{
			PoolID:   e.PoolID,
			Epoch:    e.Epoch,
			Status:   e.Status.String(),
			Outcomes: e.Outcomes,
			Targets:  e.Targets,
			Reason:   e.Reason,
		}
	}
	return resp
}

type GetPoolRequest struct {
	PoolID state.PoolID `json:"pool_id"`
}

// PoolStateResponse is the pool as the engine holds it.
type PoolStateResponse struct {
	Pool         *state.Pool `json:"pool"`
	AsOfSequence int64       `json:"as_of_sequence"`
}

type GetOrderRequest struct {
	PoolID   state.PoolID       `json:"pool_id"`
	Tranche  state.TrancheIndex `json:"tranche"`
	Investor uuid.UUID          `json:"investor"`
}

type OrderStateResponse struct {
	Order        *state.Order `json:"order"`
	AsOfSequence int64        `json:"as_of_sequence"`
}

type GetEpochOutcomeRequest struct {
	PoolID  state.PoolID       `json:"pool_id"`
	Tranche state.TrancheIndex `json:"tranche"`
	Epoch   uint64             `json:"epoch"`
}

type EpochOutcomeStateResponse struct {
	Outcome      *state.EpochOutcome `json:"outcome"`
	AsOfSequence int64               `json:"as_of_sequence"`
}

type GetBalanceRequest struct {
	PoolID   state.PoolID `json:"pool_id"`
	Investor uuid.UUID    `json:"investor"`
}

type ListEpochOutcomesRequest struct {
	PoolID      state.PoolID `json:"pool_id"`
	Limit       int          `json:"limit"`
	BeforeEpoch *uint64      `json:"before_epoch,omitempty"`
}

type ListEpochOutcomesResponse struct {
	Outcomes []query.EpochOutcomeResponse `json:"outcomes"`
}
