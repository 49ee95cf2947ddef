package scheduler

import (
	"context"
	"fmt"
	"time"

	"TrancheLedger/internal/event"
	"TrancheLedger/internal/ingestion"
	"TrancheLedger/internal/ledger"
	"TrancheLedger/internal/observability"
	"TrancheLedger/internal/state"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// StateView reads a consistent snapshot of engine state.
type StateView interface {
	View(fn func(repo *state.Repository, balances ledger.Currencies) error) error
}

// EpochScheduler closes the current epoch of every open pool on a cron
// schedule. Closes go through the command channel like any other command.
type EpochScheduler struct {
	cron    *cron.Cron
	view    StateView
	out     chan<- ingestion.Submission
	timeout time.Duration
	now     func() time.Time
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewEpochScheduler(view StateView, out chan<- ingestion.Submission, metrics *observability.Metrics, logger zerolog.Logger) *EpochScheduler {
	return &EpochScheduler{
		cron:    cron.New(cron.WithSeconds()),
		view:    view,
		out:     out,
		timeout: 30 * time.Second,
		now:     time.Now,
		metrics: metrics,
		logger:  logger.With().Str("component", "scheduler").Logger(),
	}
}

// Register adds the close job. spec uses the six-field cron format with
// a leading seconds field.
func (s *EpochScheduler) Register(spec string) error {
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return fmt.Errorf("register epoch close %q: %w", spec, err)
	}
	return nil
}

func (s *EpochScheduler) Start() {
	s.cron.Start()
	s.logger.Info().Int("jobs", len(s.cron.Entries())).Msg("scheduler started")
}

// Stop waits for a running tick to finish.
func (s *EpochScheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("scheduler stopped")
}

func (s *EpochScheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error().Err(err).Msg("scheduled close failed")
	}
}

// Due lists the pools whose current epoch can be closed: everything not
// already waiting on a solution.
func (s *EpochScheduler) Due() ([]*state.Pool, error) {
	var due []*state.Pool
	err := s.view.View(func(repo *state.Repository, _ ledger.Currencies) error {
		ids, err := repo.PoolIDs()
		if err != nil {
			return err
		}
		for _, id := range ids {
			p, err := repo.Pool(id)
			if err != nil {
				return fmt.Errorf("pool %d: %w", id, err)
			}
			if !p.IsClosing() {
				due = append(due, p)
			}
		}
		return nil
	})
	return due, err
}

// RunOnce submits one CloseEpoch per due pool and waits for each answer.
// Command ids name the pool and epoch, so a tick that is retried after a
// restart is deduplicated by the engine.
func (s *EpochScheduler) RunOnce(ctx context.Context) error {
	if s.metrics != nil {
		s.metrics.SchedulerRuns.Inc()
	}
	due, err := s.Due()
	if err != nil {
		return fmt.Errorf("list pools: %w", err)
	}

	now := s.now().UTC()
	for _, p := range due {
		cmd := &event.CloseEpoch{
			CommandID: fmt.Sprintf("scheduler-close-%d-%d", p.ID, p.CurrentEpoch),
			PoolID:    p.ID,
			Timestamp: now,
		}

		reply := make(chan ingestion.Reply, 1)
		select {
		case s.out <- ingestion.Submission{Command: cmd, Reply: reply}:
		case <-ctx.Done():
			return ctx.Err()
		}

		var r ingestion.Reply
		select {
		case r = <-reply:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.observe(p, r)
	}
	return nil
}

func (s *EpochScheduler) observe(p *state.Pool, r ingestion.Reply) {
	result := "executed"
	switch {
	case r.Err != nil:
		result = "rejected"
		s.logger.Warn().Err(r.Err).Uint64("pool_id", uint64(p.ID)).Msg("epoch close rejected")
	case r.Result != nil && r.Result.Duplicate:
		result = "duplicate"
	case r.Result != nil && r.Result.Epoch != nil:
		result = r.Result.Epoch.Status.String()
	}
	if s.metrics != nil {
		s.metrics.SchedulerSubmitted.WithLabelValues(result).Inc()
	}
	s.logger.Debug().Uint64("pool_id", uint64(p.ID)).Uint64("epoch", p.CurrentEpoch).Str("result", result).Msg("epoch close submitted")
}
