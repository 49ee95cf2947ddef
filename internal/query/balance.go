package query

import (
	"fmt"

	"TrancheLedger/internal/ledger"
	fpmath "TrancheLedger/internal/math"
	"TrancheLedger/internal/state"

	"github.com/google/uuid"
)

// StateView reads a consistent snapshot of engine state. *core.Engine
// implements it.
type StateView interface {
	View(fn func(repo *state.Repository, balances ledger.Currencies) error) error
	GetSequence() int64
}

// BalanceResponse is an investor's holdings relevant to one pool, read
// straight from engine state rather than the projections.
type BalanceResponse struct {
	Investor uuid.UUID         `json:"investor"`
	PoolID   state.PoolID      `json:"pool_id"`
	Currency ledger.CurrencyID `json:"currency"`
	Free     fpmath.Balance    `json:"free"`

	Tranches []TrancheHolding `json:"tranches"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// TrancheHolding is a balance of one tranche token.
type TrancheHolding struct {
	Tranche  state.TrancheIndex `json:"tranche"`
	Currency ledger.CurrencyID  `json:"currency"`
	Tokens   fpmath.Balance     `json:"tokens"`
}

// IssuanceMismatch reports a currency whose holders do not sum to its
// total issuance.
type IssuanceMismatch struct {
	Currency ledger.CurrencyID `json:"currency"`
	Issuance fpmath.Balance    `json:"issuance"`
	Held     fpmath.Balance    `json:"held"`
}

type holderLister interface {
	Holders(currency ledger.CurrencyID) (map[string]fpmath.Balance, error)
}

// BalanceReader answers balance queries from the engine's own store.
type BalanceReader struct {
	view StateView
}

func NewBalanceReader(view StateView) *BalanceReader {
	return &BalanceReader{view: view}
}

// GetBalance returns the investor's free settlement currency and tranche
// token balances for the pool.
func (br *BalanceReader) GetBalance(investor uuid.UUID, poolID state.PoolID) (*BalanceResponse, error) {
	resp := &BalanceResponse{Investor: investor, PoolID: poolID}
	acct := ledger.NewInvestorAccount(investor)

	err := br.view.View(func(repo *state.Repository, balances ledger.Currencies) error {
		resp.AsOfSequence = br.view.GetSequence() - 1

		p, err := repo.Pool(poolID)
		if err != nil {
			return fmt.Errorf("pool %d: %w", poolID, err)
		}
		resp.Currency = p.Currency
		if resp.Free, err = balances.FreeBalance(p.Currency, acct); err != nil {
			return err
		}

		for i := range p.Tranches {
			idx := state.TrancheIndex(i)
			currency := p.TrancheCurrency(idx)
			tokens, err := balances.FreeBalance(currency, acct)
			if err != nil {
				return err
			}
			resp.Tranches = append(resp.Tranches, TrancheHolding{Tranche: idx, Currency: currency, Tokens: tokens})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// CheckIssuance verifies, for the settlement currency and every tranche
// token of the pool, that the holders sum to the recorded issuance.
func (br *BalanceReader) CheckIssuance(poolID state.PoolID) ([]IssuanceMismatch, error) {
	var out []IssuanceMismatch

	err := br.view.View(func(repo *state.Repository, balances ledger.Currencies) error {
		lister, ok := balances.(holderLister)
		if !ok {
			return fmt.Errorf("balances of type %T cannot list holders", balances)
		}
		p, err := repo.Pool(poolID)
		if err != nil {
			return fmt.Errorf("pool %d: %w", poolID, err)
		}

		currencies := []ledger.CurrencyID{p.Currency}
		for i := range p.Tranches {
			currencies = append(currencies, p.TrancheCurrency(state.TrancheIndex(i)))
		}

		for _, c := range currencies {
			issuance, err := balances.TotalIssuance(c)
			if err != nil {
				return err
			}
			holders, err := lister.Holders(c)
			if err != nil {
				return err
			}
			held := fpmath.ZeroBalance()
			for _, b := range holders {
				if held, ok = held.CheckedAdd(b); !ok {
					return fmt.Errorf("sum of %s holders overflows", c)
				}
			}
			if !held.Equal(issuance) {
				out = append(out, IssuanceMismatch{Currency: c, Issuance: issuance, Held: held})
			}
		}
		return nil
	})
	return out, err
}
