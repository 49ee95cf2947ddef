package query

import (
	"time"

	"TrancheLedger/internal/ledger"
	fpmath "TrancheLedger/internal/math"
	"TrancheLedger/internal/state"

	"github.com/google/uuid"
)

// PoolResponse is a pool as seen by the projections.
type PoolResponse struct {
	PoolID            state.PoolID      `json:"pool_id"`
	Owner             uuid.UUID         `json:"owner"`
	Currency          ledger.CurrencyID `json:"currency"`
	CurrentEpoch      uint64            `json:"current_epoch"`
	LastEpochExecuted uint64            `json:"last_epoch_executed"`
	ClosingEpoch      *uint64           `json:"closing_epoch,omitempty"`
	MaxReserve        fpmath.Balance    `json:"max_reserve"`
	AvailableReserve  fpmath.Balance    `json:"available_reserve"`
	TotalReserve      fpmath.Balance    `json:"total_reserve"`
	Tranches          []TrancheResponse `json:"tranches"`
	UpdatedAt         time.Time         `json:"updated_at"`
	AsOfSequence      int64             `json:"as_of_sequence"`
}

// TrancheResponse is one tranche row. TokenPrice is nil until the first
// epoch executes.
type TrancheResponse struct {
	Tranche     state.TrancheIndex `json:"tranche"`
	Debt        fpmath.Balance     `json:"debt"`
	Reserve     fpmath.Balance     `json:"reserve"`
	EpochSupply fpmath.Balance     `json:"epoch_supply"`
	EpochRedeem fpmath.Balance     `json:"epoch_redeem"`
	Ratio       fpmath.Perquintill `json:"ratio"`
	TokenPrice  *fpmath.Rate       `json:"token_price,omitempty"`
}

// OrderResponse is an investor's standing order.
type OrderResponse struct {
	PoolID       state.PoolID       `json:"pool_id"`
	Tranche      state.TrancheIndex `json:"tranche"`
	Investor     uuid.UUID          `json:"investor"`
	Supply       fpmath.Balance     `json:"supply"`
	Redeem       fpmath.Balance     `json:"redeem"`
	Epoch        uint64             `json:"epoch"`
	UpdatedAt    time.Time          `json:"updated_at"`
	AsOfSequence int64              `json:"as_of_sequence"`
}

// EpochOutcomeResponse is one tranche's settlement in one executed epoch.
type EpochOutcomeResponse struct {
	PoolID            state.PoolID       `json:"pool_id"`
	Tranche           state.TrancheIndex `json:"tranche"`
	Epoch             uint64             `json:"epoch"`
	SupplyFulfillment fpmath.Perquintill `json:"supply_fulfillment"`
	RedeemFulfillment fpmath.Perquintill `json:"redeem_fulfillment"`
	TokenPrice        fpmath.Rate        `json:"token_price"`
	Sequence          int64              `json:"sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     uuid.UUID         `json:"journal_id"`
	BatchID       uuid.UUID         `json:"batch_id"`
	EventRef      string            `json:"event_ref"`
	Sequence      int64             `json:"sequence"`
	DebitAccount  string            `json:"debit_account"`
	CreditAccount string            `json:"credit_account"`
	Currency      ledger.CurrencyID `json:"currency"`
	Amount        fpmath.Balance    `json:"amount"`
	JournalType   string            `json:"journal_type"`
	Timestamp     int64             `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	NegativeAccounts []NegativeAccount `json:"negative_accounts,omitempty"`
}

// NegativeAccount is an account whose journals net below zero.
type NegativeAccount struct {
	Account  string            `json:"account"`
	Currency ledger.CurrencyID `json:"currency"`
	Net      string            `json:"net"`
}
