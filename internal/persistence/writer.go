package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"TrancheLedger/internal/core"
	"TrancheLedger/internal/event"
)

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// EventRow is one row of event_log.events.
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	PoolID         *int64
	Payload        []byte
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

// JournalRow is one row of event_log.journal. Amount is a decimal string
// so 128-bit values survive the driver.
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Currency      string
	Amount        string
	JournalType   int32
	Timestamp     int64
}

// OutcomeRow is one row of event_log.epoch_outcomes.
type OutcomeRow struct {
	PoolID            int64
	Tranche           int16
	Epoch             int64
	SupplyFulfillment string
	RedeemFulfillment string
	TokenPrice        string
	Sequence          int64
}

// Rows is everything one committed command writes to Postgres.
type Rows struct {
	Event    EventRow
	Journals []JournalRow
	Outcomes []OutcomeRow
	// EmittedAt is when the engine handed the output over; used for the
	// apply-to-persist latency metric.
	EmittedAt time.Time
	// Source is the output the rows were built from, kept for OnFlush
	// observers that publish domain events.
	Source core.CoreOutput
}

// RowsFromOutput flattens a core output into table rows.
func RowsFromOutput(out core.CoreOutput) Rows {
	env := out.Envelope
	rows := Rows{
		Event: EventRow{
			Sequence:       env.Sequence,
			EventType:      env.EventType.String(),
			IdempotencyKey: env.IdempotencyKey,
			Payload:        env.Payload,
			StateHash:      append([]byte(nil), env.StateHash[:]...),
			PrevHash:       append([]byte(nil), env.PrevHash[:]...),
			Timestamp:      env.Timestamp,
		},
		EmittedAt: time.Now(),
		Source:    out,
	}
	if env.PoolID != nil {
		id := int64(*env.PoolID)
		rows.Event.PoolID = &id
	}
	if len(rows.Event.Payload) == 0 {
		rows.Event.Payload = []byte("{}")
	}

	if out.Batch != nil {
		for _, j := range out.Batch.Journals {
			rows.Journals = append(rows.Journals, JournalRow{
				JournalID:     j.JournalID.String(),
				BatchID:       j.BatchID.String(),
				EventRef:      j.EventRef,
				Sequence:      j.Sequence,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				Currency:      string(j.Currency),
				Amount:        j.Amount.String(),
				JournalType:   int32(j.JournalType),
				Timestamp:     j.Timestamp,
			})
		}
	}

	for _, evt := range out.Events {
		executed, ok := evt.(*event.EpochExecuted)
		if !ok {
			continue
		}
		for _, o := range executed.Outcomes {
			rows.Outcomes = append(rows.Outcomes, OutcomeRow{
				PoolID:            int64(o.PoolID),
				Tranche:           int16(o.Tranche),
				Epoch:             int64(o.Epoch),
				SupplyFulfillment: o.SupplyFulfillment.String(),
				RedeemFulfillment: o.RedeemFulfillment.String(),
				TokenPrice:        o.TokenPrice.String(),
				Sequence:          env.Sequence,
			})
		}
	}
	return rows
}

// EventLogWriter batch-inserts rows with multi-row INSERT statements. Every
// insert ignores conflicts on its key so a retried flush is harmless.
type EventLogWriter struct {
	db *sql.DB
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteBatch writes events, journals and outcomes in one transaction.
func (w *EventLogWriter) WriteBatch(ctx context.Context, batch []Rows) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var (
		events   []EventRow
		journals []JournalRow
		outcomes []OutcomeRow
	)
	for _, r := range batch {
		events = append(events, r.Event)
		journals = append(journals, r.Journals...)
		outcomes = append(outcomes, r.Outcomes...)
	}

	if err := w.WriteEvents(ctx, tx, events); err != nil {
		return fmt.Errorf("write events: %w", err)
	}
	if err := w.WriteJournals(ctx, tx, journals); err != nil {
		return fmt.Errorf("write journals: %w", err)
	}
	if err := w.WriteOutcomes(ctx, tx, outcomes); err != nil {
		return fmt.Errorf("write outcomes: %w", err)
	}
	return tx.Commit()
}

// WriteEvents inserts into event_log.events.
func (w *EventLogWriter) WriteEvents(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(events)*8)
	for _, e := range events {
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.PoolID,
			string(e.Payload), e.StateHash, e.PrevHash, e.Timestamp,
		)
	}
	query := `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, pool_id, payload, state_hash, prev_hash, timestamp)
		VALUES ` + placeholders(len(events), 8) + ` ON CONFLICT (sequence) DO NOTHING`
	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteJournals inserts into event_log.journal.
func (w *EventLogWriter) WriteJournals(ctx context.Context, ex execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(journals)*10)
	for _, j := range journals {
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.Currency, j.Amount,
			j.JournalType, j.Timestamp,
		)
	}
	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, currency, amount, journal_type, timestamp)
		VALUES ` + placeholders(len(journals), 10) + ` ON CONFLICT (journal_id) DO NOTHING`
	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteOutcomes inserts into event_log.epoch_outcomes.
func (w *EventLogWriter) WriteOutcomes(ctx context.Context, ex execer, outcomes []OutcomeRow) error {
	if len(outcomes) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(outcomes)*7)
	for _, o := range outcomes {
		args = append(args,
			o.PoolID, o.Tranche, o.Epoch,
			o.SupplyFulfillment, o.RedeemFulfillment, o.TokenPrice, o.Sequence,
		)
	}
	query := `INSERT INTO event_log.epoch_outcomes
		(pool_id, tranche, epoch, supply_fulfillment, redeem_fulfillment, token_price, sequence)
		VALUES ` + placeholders(len(outcomes), 7) + ` ON CONFLICT (pool_id, tranche, epoch) DO NOTHING`
	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// placeholders renders "($1, $2), ($3, $4)" for rows of width columns.
func placeholders(rows, width int) string {
	var sb strings.Builder
	n := 1
	for r := 0; r < rows; r++ {
		if r > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for c := 0; c < width; c++ {
			if c > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", n)
			n++
		}
		sb.WriteByte(')')
	}
	return sb.String()
}

// StoredEvent is an event_log row read back for replay or audit.
type StoredEvent struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Payload        []byte
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

// LogHead returns the last logged sequence and its state hash, or zero
// and nil for an empty log.
func (w *EventLogWriter) LogHead(ctx context.Context) (int64, []byte, error) {
	var (
		seq  int64
		hash []byte
	)
	err := w.db.QueryRowContext(ctx, `
		SELECT sequence, state_hash
		FROM event_log.events
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&seq, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("query log head: %w", err)
	}
	return seq, hash, nil
}

// LoadEventsFrom reads up to limit events starting at fromSequence.
func (w *EventLogWriter) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]StoredEvent, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, payload, state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var e StoredEvent
		if err := rows.Scan(&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
