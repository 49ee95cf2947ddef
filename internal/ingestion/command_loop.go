package ingestion

import (
	"context"

	"TrancheLedger/internal/core"
	"TrancheLedger/internal/event"

	"github.com/rs/zerolog"
)

// Submission is one command queued for the engine. Reply, when set,
// receives exactly one Reply and must be buffered.
type Submission struct {
	Command event.Event
	Reply   chan<- Reply
}

// Reply is the engine's answer to a submission.
type Reply struct {
	Result *core.Result
	Err    error
}

// Processor is the single-writer command sink; *core.Engine implements it.
type Processor interface {
	ProcessCommand(cmd event.Event) (*core.Result, error)
}

// RunCommandLoop is the only goroutine that calls proc. Rejected commands
// are logged by the engine; the loop keeps going.
func RunCommandLoop(ctx context.Context, in <-chan Submission, proc Processor, logger zerolog.Logger) error {
	processed := 0
	defer func() {
		logger.Info().Int("processed", processed).Msg("command loop stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sub, ok := <-in:
			if !ok {
				return nil
			}
			res, err := proc.ProcessCommand(sub.Command)
			processed++
			if sub.Reply != nil {
				sub.Reply <- Reply{Result: res, Err: err}
			}
		}
	}
}
