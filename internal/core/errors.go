package core

import (
	"errors"

	"TrancheLedger/internal/ledger"
	"TrancheLedger/internal/state"
)

// Kind groups pool errors by how a caller should react to them.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindStateConflict
	KindArithmetic
	KindSolvency
	KindInputValidity
	KindSolutionRejected
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindStateConflict:
		return "state_conflict"
	case KindArithmetic:
		return "arithmetic"
	case KindSolvency:
		return "solvency"
	case KindInputValidity:
		return "input_validity"
	case KindSolutionRejected:
		return "solution_rejected"
	default:
		return "unknown"
	}
}

// PoolError is a sentinel error carrying its Kind. Match with errors.Is.
type PoolError struct {
	kind Kind
	msg  string
}

func (e *PoolError) Error() string { return e.msg }

// Kind returns the error's category.
func (e *PoolError) Kind() Kind { return e.kind }

func newPoolError(kind Kind, msg string) *PoolError {
	return &PoolError{kind: kind, msg: msg}
}

var (
	ErrNoSuchPool = newPoolError(KindNotFound, "no such pool")

	ErrPoolInUse    = newPoolError(KindStateConflict, "pool id already in use")
	ErrPoolClosing  = newPoolError(KindStateConflict, "pool is closing an epoch")
	ErrNotClosing   = newPoolError(KindStateConflict, "pool is not closing an epoch")
	ErrMintDisabled = newPoolError(KindStateConflict, "minting is disabled")

	ErrOverflow = newPoolError(KindArithmetic, "fixed-point overflow")

	ErrWipedOut                   = newPoolError(KindSolvency, "tranche wiped out")
	ErrInsufficientCurrency       = newPoolError(KindSolvency, "insufficient currency")
	ErrInsufficientReserve        = newPoolError(KindSolvency, "insufficient reserve")
	ErrSubordinationRatioViolated = newPoolError(KindSolvency, "subordination ratio violated")

	ErrNoJuniorTranche = newPoolError(KindInputValidity, "no junior tranche")
	ErrTrancheID       = newPoolError(KindInputValidity, "tranche id out of range")
	ErrInvalidData     = newPoolError(KindInputValidity, "invalid data")

	ErrInvalidSolution = newPoolError(KindSolutionRejected, "invalid solution")
)

// KindOf classifies err. Ledger rejections count as solvency failures and
// ledger overflow as arithmetic.
func KindOf(err error) Kind {
	var pe *PoolError
	switch {
	case err == nil:
		return KindUnknown
	case errors.As(err, &pe):
		return pe.kind
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return KindSolvency
	case errors.Is(err, ledger.ErrBalanceOverflow):
		return KindArithmetic
	case errors.Is(err, state.ErrOutcomeExists):
		return KindStateConflict
	default:
		return KindUnknown
	}
}
