package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"TrancheLedger/internal/ledger"
	fpmath "TrancheLedger/internal/math"
	"TrancheLedger/internal/projection"
	"TrancheLedger/internal/state"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when a projection row does not exist.
var ErrNotFound = errors.New("not found")

// Querier is satisfied by *pgxpool.Pool and *pgx.Conn.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// QueryService provides read-only access to the projection tables and the
// event log. Every projection response carries as_of_sequence, the
// projection watermark at read time.
type QueryService struct {
	db Querier
}

func NewQueryService(db Querier) *QueryService {
	return &QueryService{db: db}
}

// GetPool returns a pool with its tranches.
func (qs *QueryService) GetPool(ctx context.Context, id state.PoolID) (*PoolResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var (
		p                          PoolResponse
		pool, current, executed    int64
		currency                   string
		closing                    *int64
		maxRes, availRes, totalRes string
	)
	err = qs.db.QueryRow(ctx, `
		SELECT pool_id, owner, currency, current_epoch, last_epoch_executed, closing_epoch,
		       max_reserve::text, available_reserve::text, total_reserve::text, updated_at
		FROM projections.pools
		WHERE pool_id = $1
	`, int64(id)).Scan(
		&pool, &p.Owner, &currency, &current, &executed, &closing,
		&maxRes, &availRes, &totalRes, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("pool %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select pool: %w", err)
	}

	p.PoolID = state.PoolID(pool)
	p.Currency = ledger.CurrencyID(currency)
	p.CurrentEpoch = uint64(current)
	p.LastEpochExecuted = uint64(executed)
	if closing != nil {
		v := uint64(*closing)
		p.ClosingEpoch = &v
	}
	if p.MaxReserve, err = fpmath.ParseBalance(maxRes); err != nil {
		return nil, err
	}
	if p.AvailableReserve, err = fpmath.ParseBalance(availRes); err != nil {
		return nil, err
	}
	if p.TotalReserve, err = fpmath.ParseBalance(totalRes); err != nil {
		return nil, err
	}

	if p.Tranches, err = qs.tranches(ctx, id); err != nil {
		return nil, err
	}
	p.AsOfSequence = asOfSeq
	return &p, nil
}

func (qs *QueryService) tranches(ctx context.Context, id state.PoolID) ([]TrancheResponse, error) {
	rows, err := qs.db.Query(ctx, `
		SELECT tranche, debt::text, reserve::text, epoch_supply::text, epoch_redeem::text,
		       ratio::text, token_price::text
		FROM projections.tranches
		WHERE pool_id = $1
		ORDER BY tranche
	`, int64(id))
	if err != nil {
		return nil, fmt.Errorf("select tranches: %w", err)
	}
	defer rows.Close()

	var out []TrancheResponse
	for rows.Next() {
		var (
			t                                  TrancheResponse
			idx                                int16
			debt, reserve, supply, redeem, rat string
			price                              *string
		)
		if err := rows.Scan(&idx, &debt, &reserve, &supply, &redeem, &rat, &price); err != nil {
			return nil, err
		}
		t.Tranche = state.TrancheIndex(idx)
		if err := parseBalances(
			[]string{debt, reserve, supply, redeem},
			[]*fpmath.Balance{&t.Debt, &t.Reserve, &t.EpochSupply, &t.EpochRedeem},
		); err != nil {
			return nil, err
		}
		if t.Ratio, err = fpmath.ParsePerquintill(rat); err != nil {
			return nil, err
		}
		if price != nil {
			r, err := fpmath.ParseRate(*price)
			if err != nil {
				return nil, err
			}
			t.TokenPrice = &r
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetOrders returns every standing order of an investor, optionally
// restricted to one pool.
func (qs *QueryService) GetOrders(ctx context.Context, investor uuid.UUID, poolID *state.PoolID) ([]OrderResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT pool_id, tranche, supply::text, redeem::text, epoch, updated_at
		FROM projections.orders
		WHERE investor = $1
	`
	args := []any{investor}
	if poolID != nil {
		query += " AND pool_id = $2"
		args = append(args, int64(*poolID))
	}
	query += " ORDER BY pool_id, tranche"

	rows, err := qs.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []OrderResponse
	for rows.Next() {
		var (
			o              OrderResponse
			pool, epoch    int64
			tranche        int16
			supply, redeem string
		)
		if err := rows.Scan(&pool, &tranche, &supply, &redeem, &epoch, &o.UpdatedAt); err != nil {
			return nil, err
		}
		o.PoolID = state.PoolID(pool)
		o.Tranche = state.TrancheIndex(tranche)
		o.Investor = investor
		o.Epoch = uint64(epoch)
		o.AsOfSequence = asOfSeq
		if err := parseBalances([]string{supply, redeem}, []*fpmath.Balance{&o.Supply, &o.Redeem}); err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// GetEpochHistory returns executed epoch outcomes of a pool, newest epoch
// first. beforeEpoch is an exclusive cursor.
func (qs *QueryService) GetEpochHistory(ctx context.Context, id state.PoolID, limit int, beforeEpoch *uint64) ([]EpochOutcomeResponse, error) {
	query := `
		SELECT tranche, epoch, supply_fulfillment::text, redeem_fulfillment::text,
		       token_price::text, sequence
		FROM event_log.epoch_outcomes
		WHERE pool_id = $1
	`
	args := []any{int64(id)}
	argIdx := 2

	if beforeEpoch != nil {
		query += fmt.Sprintf(" AND epoch < $%d", argIdx)
		args = append(args, int64(*beforeEpoch))
		argIdx++
	}

	query += " ORDER BY epoch DESC, tranche"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []EpochOutcomeResponse
	for rows.Next() {
		var (
			h                     EpochOutcomeResponse
			tranche               int16
			epoch                 int64
			supply, redeem, price string
		)
		if err := rows.Scan(&tranche, &epoch, &supply, &redeem, &price, &h.Sequence); err != nil {
			return nil, err
		}
		h.PoolID = id
		h.Tranche = state.TrancheIndex(tranche)
		h.Epoch = uint64(epoch)
		if h.SupplyFulfillment, err = fpmath.ParsePerquintill(supply); err != nil {
			return nil, err
		}
		if h.RedeemFulfillment, err = fpmath.ParsePerquintill(redeem); err != nil {
			return nil, err
		}
		if h.TokenPrice, err = fpmath.ParseRate(price); err != nil {
			return nil, err
		}
		history = append(history, h)
	}
	return history, rows.Err()
}

// RecentEpochs serves the in-memory history when it holds enough entries
// and falls back to the event log otherwise.
func (qs *QueryService) RecentEpochs(ctx context.Context, hot *projection.EpochHistory, id state.PoolID, limit int) ([]EpochOutcomeResponse, error) {
	if hot != nil {
		entries := hot.QueryByPool(id, limit)
		if len(entries) == limit {
			var out []EpochOutcomeResponse
			for _, e := range entries {
				for _, o := range e.Outcomes {
					out = append(out, EpochOutcomeResponse{
						PoolID:            o.PoolID,
						Tranche:           o.Tranche,
						Epoch:             o.Epoch,
						SupplyFulfillment: o.SupplyFulfillment,
						RedeemFulfillment: o.RedeemFulfillment,
						TokenPrice:        o.TokenPrice,
					})
				}
			}
			return out, nil
		}
	}
	if qs == nil {
		return nil, nil
	}
	return qs.GetEpochHistory(ctx, id, limit, nil)
}

// GetJournalHistory returns journal entries touching an account, newest
// first. afterSequence is an exclusive cursor.
func (qs *QueryService) GetJournalHistory(ctx context.Context, account ledger.AccountKey, limit int, afterSequence *int64) ([]JournalHistoryEntry, error) {
	query := `
		SELECT journal_id, batch_id, event_ref, sequence, debit_account, credit_account,
		       currency, amount::text, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account = $1 OR credit_account = $1)
	`
	args := []any{account.AccountPath()}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var (
			e        JournalHistoryEntry
			currency string
			amount   string
			jt       int16
		)
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &currency, &amount, &jt, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.Currency = ledger.CurrencyID(currency)
		e.JournalType = ledger.JournalType(jt).String()
		if e.Amount, err = fpmath.ParseBalance(amount); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity of the event log and that
// no account nets below zero across its journals. The issuance account is
// the counterpart of every mint and is excluded.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.Query(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash <> e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			rows.Close()
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := qs.db.Query(ctx, `
		SELECT account, currency, SUM(delta)::text AS net
		FROM (
			SELECT debit_account AS account, currency, amount AS delta FROM event_log.journal
			UNION ALL
			SELECT credit_account, currency, -amount FROM event_log.journal
		) moves
		WHERE account <> $1
		GROUP BY account, currency
		HAVING SUM(delta) < 0
	`, ledger.IssuanceAccount.AccountPath())
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var n NegativeAccount
		var currency string
		if err := balanceRows.Scan(&n.Account, &currency, &n.Net); err != nil {
			return nil, err
		}
		n.Currency = ledger.CurrencyID(currency)
		report.NegativeAccounts = append(report.NegativeAccounts, n)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.NegativeAccounts) == 0
	return report, nil
}

// Watermark returns the last sequence applied to the projections and when.
func (qs *QueryService) Watermark(ctx context.Context) (int64, time.Time, error) {
	var (
		seq int64
		at  time.Time
	)
	err := qs.db.QueryRow(ctx, `
		SELECT last_sequence, updated_at FROM projections.watermark WHERE projection = $1
	`, projection.WatermarkName).Scan(&seq, &at)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, time.Time{}, nil
	}
	return seq, at, err
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	seq, _, err := qs.Watermark(ctx)
	return seq, err
}

func parseBalances(raw []string, dst []*fpmath.Balance) error {
	for i, s := range raw {
		b, err := fpmath.ParseBalance(s)
		if err != nil {
			return err
		}
		*dst[i] = b
	}
	return nil
}
