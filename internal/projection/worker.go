package projection

import (
	"context"
	"fmt"
	"time"

	"TrancheLedger/internal/core"
	"TrancheLedger/internal/event"
	"TrancheLedger/internal/observability"
	"TrancheLedger/internal/state"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// WatermarkName is the row in projections.watermark this worker owns.
const WatermarkName = "main"

// TxBeginner is satisfied by *pgxpool.Pool and *pgx.Conn.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Statement is one parameterized write against the projection schema.
type Statement struct {
	SQL  string
	Args []any
}

// Worker keeps the projections schema in step with the engine.
// The projection channel drops on overflow; Rebuild restores the tables
// from the engine store when they fall behind.
type Worker struct {
	db      TxBeginner
	input   <-chan core.CoreOutput
	history *EpochHistory
	metrics *observability.Metrics
	logger  zerolog.Logger
	lastSeq int64
}

func NewWorker(db TxBeginner, input <-chan core.CoreOutput, history *EpochHistory, metrics *observability.Metrics, logger zerolog.Logger) *Worker {
	return &Worker{
		db:      db,
		input:   input,
		history: history,
		metrics: metrics,
		logger:  logger.With().Str("component", "projection").Logger(),
	}
}

// Run consumes outputs until the channel closes or ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-w.input:
			if !ok {
				return nil
			}
			w.record(output)

			start := time.Now()
			if err := w.apply(ctx, output); err != nil {
				// Eventually consistent: keep going, a rebuild repairs gaps.
				w.logger.Warn().Err(err).
					Int64("sequence", output.Envelope.Sequence).
					Msg("projection update failed")
				continue
			}
			if w.metrics != nil {
				w.metrics.ProjectionUpdateDur.WithLabelValues(WatermarkName).Observe(time.Since(start).Seconds())
			}
			w.lastSeq = output.Envelope.Sequence
		}
	}
}

// LastSequence is the newest sequence written to the projections.
func (w *Worker) LastSequence() int64 {
	return w.lastSeq
}

func (w *Worker) record(output core.CoreOutput) {
	if w.history == nil {
		return
	}
	for _, evt := range output.Events {
		if executed, ok := evt.(*event.EpochExecuted); ok {
			w.history.Record(executed)
		}
	}
}

func (w *Worker) apply(ctx context.Context, output core.CoreOutput) error {
	return execAll(ctx, w.db, Plan(output))
}

func execAll(ctx context.Context, db TxBeginner, stmts []Statement) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, s := range stmts {
		if _, err := tx.Exec(ctx, s.SQL, s.Args...); err != nil {
			return fmt.Errorf("exec %.40q: %w", s.SQL, err)
		}
	}
	return tx.Commit(ctx)
}

const (
	upsertPoolSQL = `
		INSERT INTO projections.pools (pool_id, owner, currency, tranche_count, current_epoch,
			last_epoch_executed, closing_epoch, max_reserve, available_reserve, total_reserve,
			last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (pool_id) DO UPDATE SET
			current_epoch = EXCLUDED.current_epoch,
			last_epoch_executed = EXCLUDED.last_epoch_executed,
			closing_epoch = EXCLUDED.closing_epoch,
			max_reserve = EXCLUDED.max_reserve,
			available_reserve = EXCLUDED.available_reserve,
			total_reserve = EXCLUDED.total_reserve,
			last_sequence = EXCLUDED.last_sequence,
			updated_at = EXCLUDED.updated_at`

	upsertTrancheSQL = `
		INSERT INTO projections.tranches (pool_id, tranche, debt, reserve, epoch_supply,
			epoch_redeem, ratio, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (pool_id, tranche) DO UPDATE SET
			debt = EXCLUDED.debt,
			reserve = EXCLUDED.reserve,
			epoch_supply = EXCLUDED.epoch_supply,
			epoch_redeem = EXCLUDED.epoch_redeem,
			ratio = EXCLUDED.ratio,
			updated_at = EXCLUDED.updated_at`

	tokenPriceSQL = `
		UPDATE projections.tranches SET token_price = $3
		WHERE pool_id = $1 AND tranche = $2`

	upsertOrderSQL = `
		INSERT INTO projections.orders (pool_id, tranche, investor, supply, redeem, epoch, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (pool_id, tranche, investor) DO UPDATE SET
			supply = EXCLUDED.supply,
			redeem = EXCLUDED.redeem,
			epoch = EXCLUDED.epoch,
			updated_at = EXCLUDED.updated_at`

	watermarkSQL = `
		INSERT INTO projections.watermark (projection, last_sequence, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (projection) DO UPDATE SET
			last_sequence = GREATEST(projections.watermark.last_sequence, EXCLUDED.last_sequence),
			updated_at = EXCLUDED.updated_at`
)

// Plan lists the writes that bring the projections up to output. Pool
// rows come from the post-command snapshots, orders and prices from the
// domain events.
func Plan(output core.CoreOutput) []Statement {
	env := output.Envelope
	at := env.Timestamp

	var stmts []Statement
	for _, p := range output.Pools {
		stmts = append(stmts, poolStatements(p, env.Sequence, at)...)
	}

	for _, evt := range output.Events {
		switch e := evt.(type) {
		case *event.OrderUpdated:
			stmts = append(stmts, orderStatement(&e.Order, at))
		case *event.OrderCollected:
			stmts = append(stmts, orderStatement(&e.Order, at))
		case *event.EpochExecuted:
			for _, o := range e.Outcomes {
				stmts = append(stmts, Statement{
					SQL:  tokenPriceSQL,
					Args: []any{int64(o.PoolID), int16(o.Tranche), o.TokenPrice.String()},
				})
			}
		}
	}

	stmts = append(stmts, Statement{SQL: watermarkSQL, Args: []any{WatermarkName, env.Sequence, at}})
	return stmts
}

func poolStatements(p *state.Pool, seq int64, at time.Time) []Statement {
	var closing *int64
	if p.ClosingEpoch != nil {
		v := int64(*p.ClosingEpoch)
		closing = &v
	}

	stmts := []Statement{{
		SQL: upsertPoolSQL,
		Args: []any{
			int64(p.ID), p.Owner, string(p.Currency), int16(len(p.Tranches)),
			int64(p.CurrentEpoch), int64(p.LastEpochExecuted), closing,
			p.MaxReserve.String(), p.AvailableReserve.String(), p.TotalReserve.String(),
			seq, at,
		},
	}}

	for i := range p.Tranches {
		t := &p.Tranches[i]
		stmts = append(stmts, Statement{
			SQL: upsertTrancheSQL,
			Args: []any{
				int64(p.ID), int16(i), t.Debt.String(), t.Reserve.String(),
				t.EpochSupply.String(), t.EpochRedeem.String(), t.Ratio.String(), at,
			},
		})
	}
	return stmts
}

func orderStatement(o *state.Order, at time.Time) Statement {
	return Statement{
		SQL: upsertOrderSQL,
		Args: []any{
			int64(o.PoolID), int16(o.Tranche), o.Investor,
			o.Supply.String(), o.Redeem.String(), int64(o.Epoch), at,
		},
	}
}
