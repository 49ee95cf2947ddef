package ingestion

import (
	"context"
	"fmt"
	"time"

	"TrancheLedger/internal/core"
	"TrancheLedger/internal/event"

	"github.com/google/uuid"
)

// GRPCIngestService injects commands from the RPC surface and waits for
// the engine's answer. NATS remains the high-throughput path.
type GRPCIngestService struct {
	out chan<- Submission
	now func() time.Time
}

func NewGRPCIngestService(out chan<- Submission) *GRPCIngestService {
	return &GRPCIngestService{out: out, now: time.Now}
}

// Submit stamps a missing command id and timestamp, queues the command
// and blocks until it is applied or rejected.
func (s *GRPCIngestService) Submit(ctx context.Context, cmd event.Event) (*core.Result, error) {
	if err := s.stamp(cmd); err != nil {
		return nil, err
	}

	reply := make(chan Reply, 1)
	select {
	case s.out <- Submission{Command: cmd, Reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-reply:
		return r.Result, r.Err
	case <-ctx.Done():
		// The command may still be applied; its id makes a retry safe.
		return nil, ctx.Err()
	}
}

func (s *GRPCIngestService) stamp(cmd event.Event) error {
	now := s.now().UTC()
	fill := func(id *string, ts *time.Time) {
		if *id == "" {
			*id = uuid.NewString()
		}
		if ts.IsZero() {
			*ts = now
		}
	}

	switch c := cmd.(type) {
	case *event.CreatePool:
		fill(&c.CommandID, &c.Timestamp)
	case *event.OrderSupply:
		fill(&c.CommandID, &c.Timestamp)
	case *event.OrderRedeem:
		fill(&c.CommandID, &c.Timestamp)
	case *event.Collect:
		fill(&c.CommandID, &c.Timestamp)
	case *event.CloseEpoch:
		fill(&c.CommandID, &c.Timestamp)
	case *event.SolveEpoch:
		fill(&c.CommandID, &c.Timestamp)
	case *event.Borrow:
		fill(&c.CommandID, &c.Timestamp)
	case *event.Payback:
		fill(&c.CommandID, &c.Timestamp)
	case *event.Mint:
		fill(&c.CommandID, &c.Timestamp)
	default:
		return fmt.Errorf("unsupported command %T", cmd)
	}
	return nil
}
