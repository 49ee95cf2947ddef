package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"TrancheLedger/internal/core"
	"TrancheLedger/internal/observability"

	"github.com/rs/zerolog"
)

// BatchWriter is the sink a PersistenceWorker flushes into.
type BatchWriter interface {
	WriteBatch(ctx context.Context, batch []Rows) error
}

// PersistenceWorker drains the engine's persist channel and batch-writes
// to Postgres. The engine sends to that channel with a blocking send, so a
// worker that falls behind stalls the writer instead of losing events.
type PersistenceWorker struct {
	writer       BatchWriter
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	maxBackoff   time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger

	// onFlush, when set, observes every successfully written batch.
	onFlush func(batch []Rows)
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	return newPersistenceWorker(NewEventLogWriter(db), inputChan, batchSize, flushTimeout, metrics, logger)
}

func newPersistenceWorker(writer BatchWriter, inputChan <-chan core.CoreOutput, batchSize int, flushTimeout time.Duration, metrics *observability.Metrics, logger zerolog.Logger) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 50
	}
	if flushTimeout <= 0 {
		flushTimeout = 10 * time.Millisecond
	}
	return &PersistenceWorker{
		writer:       writer,
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		maxBackoff:   30 * time.Second,
		metrics:      metrics,
		logger:       logger,
	}
}

// OnFlush registers fn to observe written batches, e.g. to forward them
// to outbound feeds only once they are durable.
func (pw *PersistenceWorker) OnFlush(fn func(batch []Rows)) {
	pw.onFlush = fn
}

// Run batches outputs and flushes when the batch is full or the flush
// timeout expires. It returns nil when the input channel is closed and
// ctx.Err() on cancellation, flushing what it holds either way.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := make([]Rows, 0, pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	flush := func(ctx context.Context, reason string) {
		if len(batch) == 0 {
			return
		}
		if err := pw.flushWithRetry(ctx, batch); err != nil {
			pw.logger.Error().Err(err).Str("reason", reason).Int("events", len(batch)).Msg("batch flush failed")
		}
		batch = make([]Rows, 0, pw.batchSize)
	}

	for {
		select {
		case <-ctx.Done():
			flush(context.Background(), "shutdown")
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				flush(context.Background(), "closed")
				return nil
			}
			batch = append(batch, RowsFromOutput(output))
			if len(batch) >= pw.batchSize {
				flush(ctx, "full")
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			flush(ctx, "timeout")
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds.
// On cancellation it makes one last attempt with a background context.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch []Rows) error {
	backoff := 100 * time.Millisecond

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			pw.logger.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("events", len(batch)).Msg("persistence retry")
			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background(), batch); err != nil {
					return fmt.Errorf("final flush on shutdown: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > pw.maxBackoff {
				backoff = pw.maxBackoff
			}
		}

		err := pw.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush recovered")
			}
			return nil
		}
		pw.logger.Warn().Err(err).Msg("persistence flush failed")
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("write").Inc()
		}
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, batch []Rows) error {
	start := time.Now()
	if err := pw.writer.WriteBatch(ctx, batch); err != nil {
		return err
	}

	if pw.metrics != nil {
		journals, outcomes := 0, 0
		for _, r := range batch {
			journals += len(r.Journals)
			outcomes += len(r.Outcomes)
			pw.metrics.ApplyToPersist.Observe(time.Since(r.EmittedAt).Seconds())
		}
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(batch)))
		pw.metrics.PersistEventsWritten.Add(float64(len(batch)))
		pw.metrics.PersistJournalsWritten.Add(float64(journals))
		pw.metrics.PersistOutcomesWritten.Add(float64(outcomes))
		pw.metrics.PersistLastSequence.Set(float64(batch[len(batch)-1].Event.Sequence))
	}

	if pw.onFlush != nil {
		pw.onFlush(batch)
	}
	return nil
}
