package ledger

import (
	"errors"
	"fmt"

	fpmath "TrancheLedger/internal/math"
	"TrancheLedger/internal/store"
)

var (
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrBalanceOverflow     = errors.New("ledger: balance overflow")
)

// Currencies is the transfer/mint/burn capability the pool core settles
// through. Amounts are unsigned; zero amounts are no-ops.
type Currencies interface {
	FreeBalance(currency CurrencyID, who AccountKey) (fpmath.Balance, error)
	TotalIssuance(currency CurrencyID) (fpmath.Balance, error)
	Transfer(currency CurrencyID, from, to AccountKey, amount fpmath.Balance) error
	Deposit(currency CurrencyID, to AccountKey, amount fpmath.Balance) error
	Withdraw(currency CurrencyID, from AccountKey, amount fpmath.Balance) error
}

// KV is the slice of a store transaction the tracker needs.
type KV interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Scan(prefix []byte, fn func(key, value []byte) error) error
}

// BalanceTracker keeps balances and issuance in the same transaction as the
// pool state, so a failed command rolls back its transfers too. Every
// movement is also recorded as a journal in the tracker's batch.
type BalanceTracker struct {
	kv    KV
	batch *Batch
}

var _ Currencies = (*BalanceTracker)(nil)

func NewBalanceTracker(kv KV, ctx JournalContext) *BalanceTracker {
	return &BalanceTracker{
		kv:    kv,
		batch: NewBatch(ctx),
	}
}

// Batch returns the journals recorded so far.
func (bt *BalanceTracker) Batch() *Batch {
	return bt.batch
}

func balanceKey(currency CurrencyID, who AccountKey) []byte {
	return []byte(fmt.Sprintf("bal/%s/%s", currency, who.AccountPath()))
}

func balancePrefix(currency CurrencyID) []byte {
	return []byte(fmt.Sprintf("bal/%s/", currency))
}

func issuanceKey(currency CurrencyID) []byte {
	return []byte(fmt.Sprintf("iss/%s", currency))
}

func (bt *BalanceTracker) read(key []byte) (fpmath.Balance, error) {
	raw, err := bt.kv.Get(key)
	if errors.Is(err, store.ErrNotFound) {
		return fpmath.ZeroBalance(), nil
	}
	if err != nil {
		return fpmath.Balance{}, fmt.Errorf("read %s: %w", key, err)
	}
	var b fpmath.Balance
	if err := b.UnmarshalText(raw); err != nil {
		return fpmath.Balance{}, fmt.Errorf("decode %s: %w", key, err)
	}
	return b, nil
}

func (bt *BalanceTracker) write(key []byte, b fpmath.Balance) error {
	raw, _ := b.MarshalText()
	return bt.kv.Set(key, raw)
}

// FreeBalance returns the balance of who in currency.
func (bt *BalanceTracker) FreeBalance(currency CurrencyID, who AccountKey) (fpmath.Balance, error) {
	return bt.read(balanceKey(currency, who))
}

// TotalIssuance returns the outstanding supply of currency.
func (bt *BalanceTracker) TotalIssuance(currency CurrencyID) (fpmath.Balance, error) {
	return bt.read(issuanceKey(currency))
}

func (bt *BalanceTracker) credit(currency CurrencyID, who AccountKey, amount fpmath.Balance) error {
	key := balanceKey(currency, who)
	current, err := bt.read(key)
	if err != nil {
		return err
	}
	next, ok := current.CheckedAdd(amount)
	if !ok {
		return fmt.Errorf("%w: %s %s", ErrBalanceOverflow, who, currency)
	}
	return bt.write(key, next)
}

func (bt *BalanceTracker) debit(currency CurrencyID, who AccountKey, amount fpmath.Balance) error {
	key := balanceKey(currency, who)
	current, err := bt.read(key)
	if err != nil {
		return err
	}
	next, ok := current.CheckedSub(amount)
	if !ok {
		return fmt.Errorf("%w: %s has %s %s, needs %s",
			ErrInsufficientBalance, who, current, currency, amount)
	}
	return bt.write(key, next)
}

// Transfer moves amount of currency from one account to another.
func (bt *BalanceTracker) Transfer(currency CurrencyID, from, to AccountKey, amount fpmath.Balance) error {
	if amount.IsZero() || from == to {
		return nil
	}
	if err := bt.debit(currency, from, amount); err != nil {
		return err
	}
	if err := bt.credit(currency, to, amount); err != nil {
		return err
	}
	bt.batch.append(to, from, currency, amount, JournalTypeTransfer)
	return nil
}

// Deposit mints amount of currency into to.
func (bt *BalanceTracker) Deposit(currency CurrencyID, to AccountKey, amount fpmath.Balance) error {
	if amount.IsZero() {
		return nil
	}
	issuance, err := bt.TotalIssuance(currency)
	if err != nil {
		return err
	}
	next, ok := issuance.CheckedAdd(amount)
	if !ok {
		return fmt.Errorf("%w: issuance of %s", ErrBalanceOverflow, currency)
	}
	if err := bt.credit(currency, to, amount); err != nil {
		return err
	}
	if err := bt.write(issuanceKey(currency), next); err != nil {
		return err
	}
	bt.batch.append(to, IssuanceAccount, currency, amount, JournalTypeMint)
	return nil
}

// Withdraw burns amount of currency held by from.
func (bt *BalanceTracker) Withdraw(currency CurrencyID, from AccountKey, amount fpmath.Balance) error {
	if amount.IsZero() {
		return nil
	}
	if err := bt.debit(currency, from, amount); err != nil {
		return err
	}
	issuance, err := bt.TotalIssuance(currency)
	if err != nil {
		return err
	}
	next, ok := issuance.CheckedSub(amount)
	if !ok {
		return fmt.Errorf("%w: issuance of %s below burn", ErrInsufficientBalance, currency)
	}
	if err := bt.write(issuanceKey(currency), next); err != nil {
		return err
	}
	bt.batch.append(IssuanceAccount, from, currency, amount, JournalTypeBurn)
	return nil
}

// Holders returns every account holding currency, keyed by account path.
func (bt *BalanceTracker) Holders(currency CurrencyID) (map[string]fpmath.Balance, error) {
	prefix := balancePrefix(currency)
	out := make(map[string]fpmath.Balance)
	err := bt.kv.Scan(prefix, func(key, value []byte) error {
		var b fpmath.Balance
		if err := b.UnmarshalText(value); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		if !b.IsZero() {
			out[string(key[len(prefix):])] = b
		}
		return nil
	})
	return out, err
}
