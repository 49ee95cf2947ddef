package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"TrancheLedger/internal/event"
	"TrancheLedger/internal/query"
	"TrancheLedger/internal/state"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const maxBodyBytes = 1 << 20

var marshaler = &runtime.JSONBuiltin{}

// Handler builds the HTTP surface: PoolService under /v1 on a
// grpc-gateway mux, plus /healthz and /readyz.
func (s *Server) Handler() (http.Handler, error) {
	mux := runtime.NewServeMux(runtime.WithMarshalerOption(runtime.MIMEWildcard, marshaler))

	routes := []struct {
		method, pattern string
		h               runtime.HandlerFunc
	}{
		{"POST", "/v1/pools", command(s.svc.CreatePool, nil)},
		{"POST", "/v1/pools/{pool_id}/orders/supply", command(s.svc.OrderSupply, func(c *event.OrderSupply, id state.PoolID) { c.PoolID = id })},
		{"POST", "/v1/pools/{pool_id}/orders/redeem", command(s.svc.OrderRedeem, func(c *event.OrderRedeem, id state.PoolID) { c.PoolID = id })},
		{"POST", "/v1/pools/{pool_id}/collect", command(s.svc.Collect, func(c *event.Collect, id state.PoolID) { c.PoolID = id })},
		{"POST", "/v1/pools/{pool_id}/close", command(s.svc.CloseEpoch, func(c *event.CloseEpoch, id state.PoolID) { c.PoolID = id })},
		{"POST", "/v1/pools/{pool_id}/solve", command(s.svc.SolveEpoch, func(c *event.SolveEpoch, id state.PoolID) { c.PoolID = id })},
		{"POST", "/v1/pools/{pool_id}/borrow", command(s.svc.Borrow, func(c *event.Borrow, id state.PoolID) { c.PoolID = id })},
		{"POST", "/v1/pools/{pool_id}/payback", command(s.svc.Payback, func(c *event.Payback, id state.PoolID) { c.PoolID = id })},
		{"POST", "/v1/mint", command(s.svc.Mint, nil)},

		{"GET", "/v1/pools/{pool_id}", s.getPool},
		{"GET", "/v1/pools/{pool_id}/tranches/{tranche}/orders/{investor}", s.getOrder},
		{"GET", "/v1/pools/{pool_id}/tranches/{tranche}/epochs/{epoch}", s.getEpochOutcome},
		{"GET", "/v1/pools/{pool_id}/balances/{investor}", s.getBalance},
		{"GET", "/v1/pools/{pool_id}/epochs", s.listEpochOutcomes},
		{"GET", "/v1/admin/integrity", s.verifyIntegrity},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, r.h); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", r.method, r.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	if s.checker != nil {
		httpMux.HandleFunc("/healthz", s.checker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.checker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	httpMux.Handle("/", mux)
	return httpMux, nil
}

// command decodes the body into a command, lets setPool apply the path's
// pool id and submits it.
func command[T any](call func(context.Context, *T) (*CommandResponse, error), setPool func(*T, state.PoolID)) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		cmd := new(T)
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, status.Errorf(codes.InvalidArgument, "read body: %v", err))
			return
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, cmd); err != nil {
				writeError(w, status.Errorf(codes.InvalidArgument, "decode body: %v", err))
				return
			}
		}
		if setPool != nil {
			id, err := poolParam(params)
			if err != nil {
				writeError(w, err)
				return
			}
			setPool(cmd, id)
		}

		resp, err := call(r.Context(), cmd)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) getPool(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := poolParam(params)
	if err != nil {
		writeError(w, err)
		return
	}
	respond[PoolStateResponse](w)(s.svc.GetPool(r.Context(), &GetPoolRequest{PoolID: id}))
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := poolParam(params)
	if err != nil {
		writeError(w, err)
		return
	}
	tranche, err := trancheParam(params)
	if err != nil {
		writeError(w, err)
		return
	}
	investor, err := uuidParam(params, "investor")
	if err != nil {
		writeError(w, err)
		return
	}
	respond[OrderStateResponse](w)(s.svc.GetOrder(r.Context(), &GetOrderRequest{PoolID: id, Tranche: tranche, Investor: investor}))
}

func (s *Server) getEpochOutcome(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := poolParam(params)
	if err != nil {
		writeError(w, err)
		return
	}
	tranche, err := trancheParam(params)
	if err != nil {
		writeError(w, err)
		return
	}
	epoch, err := strconv.ParseUint(params["epoch"], 10, 64)
	if err != nil {
		writeError(w, status.Errorf(codes.InvalidArgument, "invalid epoch %q", params["epoch"]))
		return
	}
	respond[EpochOutcomeStateResponse](w)(s.svc.GetEpochOutcome(r.Context(), &GetEpochOutcomeRequest{PoolID: id, Tranche: tranche, Epoch: epoch}))
}

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := poolParam(params)
	if err != nil {
		writeError(w, err)
		return
	}
	investor, err := uuidParam(params, "investor")
	if err != nil {
		writeError(w, err)
		return
	}
	respond[query.BalanceResponse](w)(s.svc.GetBalance(r.Context(), &GetBalanceRequest{PoolID: id, Investor: investor}))
}

func (s *Server) listEpochOutcomes(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := poolParam(params)
	if err != nil {
		writeError(w, err)
		return
	}
	req := &ListEpochOutcomesRequest{PoolID: id}
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		if req.Limit, err = strconv.Atoi(v); err != nil {
			writeError(w, status.Errorf(codes.InvalidArgument, "invalid limit %q", v))
			return
		}
	}
	if v := q.Get("before_epoch"); v != "" {
		before, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, status.Errorf(codes.InvalidArgument, "invalid before_epoch %q", v))
			return
		}
		req.BeforeEpoch = &before
	}
	respond[ListEpochOutcomesResponse](w)(s.svc.ListEpochOutcomes(r.Context(), req))
}

func (s *Server) verifyIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if s.query == nil {
		writeError(w, status.Error(codes.Unavailable, "query database not configured"))
		return
	}
	report, err := s.query.VerifyIntegrity(r.Context())
	if err != nil {
		writeError(w, toStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- helpers ---

func respond[T any](w http.ResponseWriter) func(*T, error) {
	return func(resp *T, err error) {
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func poolParam(params map[string]string) (state.PoolID, error) {
	id, err := strconv.ParseUint(params["pool_id"], 10, 64)
	if err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "invalid pool_id %q", params["pool_id"])
	}
	return state.PoolID(id), nil
}

func trancheParam(params map[string]string) (state.TrancheIndex, error) {
	t, err := strconv.ParseUint(params["tranche"], 10, 8)
	if err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "invalid tranche %q", params["tranche"])
	}
	return state.TrancheIndex(t), nil
}

func uuidParam(params map[string]string, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(params[name])
	if err != nil {
		return uuid.Nil, status.Errorf(codes.InvalidArgument, "invalid %s %q", name, params[name])
	}
	return id, nil
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	st := status.Convert(toStatus(err))
	writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), errorBody{Code: st.Code().String(), Message: st.Message()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := marshaler.Marshal(v)
	if err != nil {
		code = http.StatusInternalServerError
		data = []byte(`{"code":"Internal","message":"encode response"}`)
	}
	w.Header().Set("Content-Type", marshaler.ContentType(v))
	w.WriteHeader(code)
	w.Write(data)
}
