package persistence

import (
	"bytes"
	"context"
	"fmt"

	"TrancheLedger/internal/core"
	"TrancheLedger/internal/event"

	"github.com/rs/zerolog"
)

const replayPageSize = 500

// EventSource is the read side of the event log.
type EventSource interface {
	LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]StoredEvent, error)
}

// Applier re-executes a decoded command.
type Applier interface {
	ProcessCommand(cmd event.Event) (*core.Result, error)
}

// Replay re-applies every logged command from sequence `from` onward and
// checks that each one lands on the sequence and state hash recorded in
// the log. It returns the number of commands applied.
func Replay(ctx context.Context, src EventSource, engine Applier, from int64, logger zerolog.Logger) (int64, error) {
	var applied int64
	next := from

	for {
		page, err := src.LoadEventsFrom(ctx, next, replayPageSize)
		if err != nil {
			return applied, fmt.Errorf("load events from %d: %w", next, err)
		}
		if len(page) == 0 {
			break
		}

		for _, stored := range page {
			if err := ctx.Err(); err != nil {
				return applied, err
			}
			if stored.Sequence != next {
				return applied, fmt.Errorf("event log gap: expected sequence %d, found %d", next, stored.Sequence)
			}

			cmd, err := event.DecodeCommand(stored.EventType, stored.Payload)
			if err != nil {
				return applied, fmt.Errorf("sequence %d: %w", stored.Sequence, err)
			}
			result, err := engine.ProcessCommand(cmd)
			if err != nil {
				return applied, fmt.Errorf("sequence %d: replay rejected: %w", stored.Sequence, err)
			}
			if result.Duplicate {
				return applied, fmt.Errorf("sequence %d: command %s already applied", stored.Sequence, stored.IdempotencyKey)
			}
			if result.Sequence != stored.Sequence {
				return applied, fmt.Errorf("sequence %d: replay assigned %d", stored.Sequence, result.Sequence)
			}
			if !bytes.Equal(result.StateHash[:], stored.StateHash) {
				return applied, fmt.Errorf("sequence %d: state hash mismatch: log %x, replay %x",
					stored.Sequence, stored.StateHash, result.StateHash)
			}

			applied++
			next++
		}

		if len(page) < replayPageSize {
			break
		}
	}

	if applied > 0 {
		logger.Info().Int64("from", from).Int64("applied", applied).Msg("event log replayed")
	}
	return applied, nil
}
