package ledger

import (
	"fmt"

	fpmath "TrancheLedger/internal/math"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeTransfer JournalType = iota
	JournalTypeMint
	JournalTypeBurn
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeTransfer:
		return "transfer"
	case JournalTypeMint:
		return "mint"
	case JournalTypeBurn:
		return "burn"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID      // Unique identifier
	BatchID       uuid.UUID      // Groups entries of one command
	EventRef      string         // Idempotency key of source command
	Sequence      int64          // Global command sequence
	DebitAccount  AccountKey     // Account receiving debit (balance increases)
	CreditAccount AccountKey     // Account receiving credit (balance decreases)
	Currency      CurrencyID     // Asset being moved
	Amount        fpmath.Balance // Always positive
	JournalType   JournalType
	Timestamp     int64 // Command timestamp (epoch microseconds)
}

// Batch represents the journal entries produced by one command
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// JournalContext stamps every journal created while handling one command.
type JournalContext struct {
	EventRef  string
	Sequence  int64
	Timestamp int64
}

// NewBatch starts an empty batch for ctx.
func NewBatch(ctx JournalContext) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		EventRef:  ctx.EventRef,
		Sequence:  ctx.Sequence,
		Timestamp: ctx.Timestamp,
	}
}

func (b *Batch) append(debit, credit AccountKey, currency CurrencyID, amount fpmath.Balance, jt JournalType) {
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		Sequence:      b.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Currency:      currency,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	})
}

// Validate ensures the batch is well-formed.
// Each journal moves one positive amount from the credit account to the
// debit account, so every entry is balanced by construction.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if j.Amount.IsZero() {
			return fmt.Errorf("journal %s has zero amount", j.JournalID)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		switch j.JournalType {
		case JournalTypeMint:
			if j.CreditAccount != IssuanceAccount {
				return fmt.Errorf("mint journal %s not credited to issuance", j.JournalID)
			}
		case JournalTypeBurn:
			if j.DebitAccount != IssuanceAccount {
				return fmt.Errorf("burn journal %s not debited to issuance", j.JournalID)
			}
		}
	}

	return nil
}
