package projection

import (
	"context"
	"fmt"
	"time"

	"TrancheLedger/internal/ledger"
	"TrancheLedger/internal/state"

	"github.com/rs/zerolog"
)

// StateView reads a consistent snapshot of engine state. *core.Engine
// implements it.
type StateView interface {
	View(fn func(repo *state.Repository, balances ledger.Currencies) error) error
	GetSequence() int64
}

var truncateStatements = []Statement{
	{SQL: `TRUNCATE projections.pools, projections.tranches, projections.orders`},
	{SQL: `DELETE FROM projections.watermark WHERE projection = $1`, Args: []any{WatermarkName}},
}

// RebuildPlan renders every pool and order in view as projection writes,
// preceded by a truncate of the projection tables.
func RebuildPlan(view StateView, at time.Time) ([]Statement, int64, error) {
	stmts := append([]Statement(nil), truncateStatements...)
	seq := view.GetSequence() - 1

	err := view.View(func(repo *state.Repository, _ ledger.Currencies) error {
		ids, err := repo.PoolIDs()
		if err != nil {
			return err
		}
		for _, id := range ids {
			p, err := repo.Pool(id)
			if err != nil {
				return fmt.Errorf("pool %d: %w", id, err)
			}
			stmts = append(stmts, poolStatements(p, seq, at)...)

			outcomes, err := repo.EpochOutcomes(id)
			if err != nil {
				return fmt.Errorf("outcomes %d: %w", id, err)
			}
			latest := make(map[state.TrancheIndex]*state.EpochOutcome)
			for _, o := range outcomes {
				if cur, ok := latest[o.Tranche]; !ok || o.Epoch > cur.Epoch {
					latest[o.Tranche] = o
				}
			}
			for i := range p.Tranches {
				if o, ok := latest[state.TrancheIndex(i)]; ok {
					stmts = append(stmts, Statement{
						SQL:  tokenPriceSQL,
						Args: []any{int64(id), int16(i), o.TokenPrice.String()},
					})
				}
			}

			orders, err := repo.Orders(id)
			if err != nil {
				return fmt.Errorf("orders %d: %w", id, err)
			}
			for _, o := range orders {
				stmts = append(stmts, orderStatement(o, at))
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	if seq > 0 {
		stmts = append(stmts, Statement{SQL: watermarkSQL, Args: []any{WatermarkName, seq, at}})
	}
	return stmts, seq, nil
}

// Rebuild replaces the projection tables with the current engine state in
// one transaction.
func Rebuild(ctx context.Context, db TxBeginner, view StateView, logger zerolog.Logger) error {
	stmts, seq, err := RebuildPlan(view, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("plan rebuild: %w", err)
	}
	if err := execAll(ctx, db, stmts); err != nil {
		return fmt.Errorf("rebuild: %w", err)
	}
	logger.Info().Int64("sequence", seq).Int("statements", len(stmts)).Msg("projection rebuild complete")
	return nil
}
