package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"TrancheLedger/internal/event"
	"TrancheLedger/internal/ledger"
	fpmath "TrancheLedger/internal/math"
	"TrancheLedger/internal/state"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ParseRawEvent converts a RawEvent (JSON bytes + command type name) into
// a typed event.Event. Payloads without a timestamp are stamped with the
// time the message was received.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch eventType {
	case "CreatePool":
		return parseCreatePool(raw)
	case "OrderSupply":
		return parseOrderSupply(raw)
	case "OrderRedeem":
		return parseOrderRedeem(raw)
	case "Collect":
		return parseCollect(raw)
	case "CloseEpoch":
		return parseCloseEpoch(raw)
	case "SolveEpoch":
		return parseSolveEpoch(raw)
	case "Borrow":
		return parseBorrow(raw)
	case "Payback":
		return parsePayback(raw)
	case "Mint":
		return parseMint(raw)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// --- JSON wire formats ---
// Amounts travel as base-10 strings so 128-bit values survive producers
// that decode numbers as float64. Ratios are decimals in [0, 1].

type commandJSON struct {
	CommandID   string `json:"command_id" validate:"required,max=128"`
	TimestampUs int64  `json:"timestamp_us" validate:"gte=0"`
}

func (c commandJSON) stamp(received time.Time) time.Time {
	if c.TimestampUs == 0 {
		return received.UTC()
	}
	return time.UnixMicro(c.TimestampUs).UTC()
}

type trancheJSON struct {
	InterestPct uint8 `json:"interest_pct"`
	MinSubPct   uint8 `json:"min_sub_pct" validate:"lte=100"`
}

type createPoolJSON struct {
	commandJSON
	PoolID     uint64        `json:"pool_id"`
	Owner      string        `json:"owner" validate:"required,uuid"`
	Currency   string        `json:"currency" validate:"required"`
	MaxReserve string        `json:"max_reserve" validate:"required,number"`
	Tranches   []trancheJSON `json:"tranches" validate:"required,min=1,max=255,dive"`
}

type orderJSON struct {
	commandJSON
	PoolID   uint64 `json:"pool_id"`
	Tranche  uint8  `json:"tranche"`
	Investor string `json:"investor" validate:"required,uuid"`
	Amount   string `json:"amount" validate:"required,number"`
}

type collectJSON struct {
	commandJSON
	PoolID   uint64 `json:"pool_id"`
	Tranche  uint8  `json:"tranche"`
	Investor string `json:"investor" validate:"required,uuid"`
}

type poolJSON struct {
	commandJSON
	PoolID uint64 `json:"pool_id"`
}

type fulfillmentJSON struct {
	Supply string `json:"supply" validate:"required"`
	Redeem string `json:"redeem" validate:"required"`
}

type solveJSON struct {
	commandJSON
	PoolID   uint64            `json:"pool_id"`
	Solution []fulfillmentJSON `json:"solution" validate:"required,min=1,max=255,dive"`
}

type reserveJSON struct {
	commandJSON
	PoolID  uint64 `json:"pool_id"`
	Account string `json:"account" validate:"required,uuid"`
	Amount  string `json:"amount" validate:"required,number"`
}

type mintJSON struct {
	commandJSON
	Currency string `json:"currency" validate:"required"`
	Investor string `json:"investor" validate:"required,uuid"`
	Amount   string `json:"amount" validate:"required,number"`
}

func decode(name string, data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("validate %s: %w", name, err)
	}
	return nil
}

func parseCreatePool(raw RawEvent) (*event.CreatePool, error) {
	var j createPoolJSON
	if err := decode("CreatePool", raw.Data, &j); err != nil {
		return nil, err
	}
	currency := ledger.CurrencyID(j.Currency)
	if err := ledger.ValidateSettlementCurrency(currency); err != nil {
		return nil, fmt.Errorf("parse currency: %w", err)
	}
	maxReserve, err := fpmath.ParseBalance(j.MaxReserve)
	if err != nil {
		return nil, fmt.Errorf("parse max_reserve: %w", err)
	}
	specs := make([]state.TrancheSpec, len(j.Tranches))
	for i, t := range j.Tranches {
		specs[i] = state.TrancheSpec{InterestPct: t.InterestPct, MinSubPct: t.MinSubPct}
	}
	return &event.CreatePool{
		CommandID:  j.CommandID,
		PoolID:     state.PoolID(j.PoolID),
		Owner:      uuid.MustParse(j.Owner),
		Tranches:   specs,
		Currency:   currency,
		MaxReserve: maxReserve,
		Timestamp:  j.stamp(raw.Timestamp),
	}, nil
}

func parseOrder(name string, raw RawEvent) (orderJSON, uuid.UUID, fpmath.Balance, error) {
	var j orderJSON
	if err := decode(name, raw.Data, &j); err != nil {
		return j, uuid.Nil, fpmath.Balance{}, err
	}
	amount, err := fpmath.ParseBalance(j.Amount)
	if err != nil {
		return j, uuid.Nil, fpmath.Balance{}, fmt.Errorf("parse amount: %w", err)
	}
	return j, uuid.MustParse(j.Investor), amount, nil
}

func parseOrderSupply(raw RawEvent) (*event.OrderSupply, error) {
	j, investor, amount, err := parseOrder("OrderSupply", raw)
	if err != nil {
		return nil, err
	}
	return &event.OrderSupply{
		CommandID: j.CommandID,
		PoolID:    state.PoolID(j.PoolID),
		Tranche:   state.TrancheIndex(j.Tranche),
		Investor:  investor,
		Amount:    amount,
		Timestamp: j.stamp(raw.Timestamp),
	}, nil
}

func parseOrderRedeem(raw RawEvent) (*event.OrderRedeem, error) {
	j, investor, amount, err := parseOrder("OrderRedeem", raw)
	if err != nil {
		return nil, err
	}
	return &event.OrderRedeem{
		CommandID: j.CommandID,
		PoolID:    state.PoolID(j.PoolID),
		Tranche:   state.TrancheIndex(j.Tranche),
		Investor:  investor,
		Amount:    amount,
		Timestamp: j.stamp(raw.Timestamp),
	}, nil
}

func parseCollect(raw RawEvent) (*event.Collect, error) {
	var j collectJSON
	if err := decode("Collect", raw.Data, &j); err != nil {
		return nil, err
	}
	return &event.Collect{
		CommandID: j.CommandID,
		PoolID:    state.PoolID(j.PoolID),
		Tranche:   state.TrancheIndex(j.Tranche),
		Investor:  uuid.MustParse(j.Investor),
		Timestamp: j.stamp(raw.Timestamp),
	}, nil
}

func parseCloseEpoch(raw RawEvent) (*event.CloseEpoch, error) {
	var j poolJSON
	if err := decode("CloseEpoch", raw.Data, &j); err != nil {
		return nil, err
	}
	return &event.CloseEpoch{
		CommandID: j.CommandID,
		PoolID:    state.PoolID(j.PoolID),
		Timestamp: j.stamp(raw.Timestamp),
	}, nil
}

func parseSolveEpoch(raw RawEvent) (*event.SolveEpoch, error) {
	var j solveJSON
	if err := decode("SolveEpoch", raw.Data, &j); err != nil {
		return nil, err
	}
	solution := make([]state.Fulfillment, len(j.Solution))
	for i, f := range j.Solution {
		supply, err := fpmath.ParsePerquintill(f.Supply)
		if err != nil {
			return nil, fmt.Errorf("parse solution[%d].supply: %w", i, err)
		}
		redeem, err := fpmath.ParsePerquintill(f.Redeem)
		if err != nil {
			return nil, fmt.Errorf("parse solution[%d].redeem: %w", i, err)
		}
		solution[i] = state.Fulfillment{Supply: supply, Redeem: redeem}
	}
	return &event.SolveEpoch{
		CommandID: j.CommandID,
		PoolID:    state.PoolID(j.PoolID),
		Solution:  solution,
		Timestamp: j.stamp(raw.Timestamp),
	}, nil
}

func parseReserve(name string, raw RawEvent) (reserveJSON, uuid.UUID, fpmath.Balance, error) {
	var j reserveJSON
	if err := decode(name, raw.Data, &j); err != nil {
		return j, uuid.Nil, fpmath.Balance{}, err
	}
	amount, err := fpmath.ParseBalance(j.Amount)
	if err != nil {
		return j, uuid.Nil, fpmath.Balance{}, fmt.Errorf("parse amount: %w", err)
	}
	return j, uuid.MustParse(j.Account), amount, nil
}

func parseBorrow(raw RawEvent) (*event.Borrow, error) {
	j, account, amount, err := parseReserve("Borrow", raw)
	if err != nil {
		return nil, err
	}
	return &event.Borrow{
		CommandID: j.CommandID,
		PoolID:    state.PoolID(j.PoolID),
		Borrower:  account,
		Amount:    amount,
		Timestamp: j.stamp(raw.Timestamp),
	}, nil
}

func parsePayback(raw RawEvent) (*event.Payback, error) {
	j, account, amount, err := parseReserve("Payback", raw)
	if err != nil {
		return nil, err
	}
	return &event.Payback{
		CommandID: j.CommandID,
		PoolID:    state.PoolID(j.PoolID),
		Payer:     account,
		Amount:    amount,
		Timestamp: j.stamp(raw.Timestamp),
	}, nil
}

func parseMint(raw RawEvent) (*event.Mint, error) {
	var j mintJSON
	if err := decode("Mint", raw.Data, &j); err != nil {
		return nil, err
	}
	currency := ledger.CurrencyID(j.Currency)
	if err := ledger.ValidateSettlementCurrency(currency); err != nil {
		return nil, fmt.Errorf("parse currency: %w", err)
	}
	amount, err := fpmath.ParseBalance(j.Amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	return &event.Mint{
		CommandID: j.CommandID,
		Currency:  currency,
		Investor:  uuid.MustParse(j.Investor),
		Amount:    amount,
		Timestamp: j.stamp(raw.Timestamp),
	}, nil
}
