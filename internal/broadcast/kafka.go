package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"TrancheLedger/internal/core"
	"TrancheLedger/internal/event"
	fpmath "TrancheLedger/internal/math"
	"TrancheLedger/internal/observability"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

const sinkKafka = "kafka"

// MessageWriter is the part of *kafka.Writer the feed needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter returns a synchronous writer that waits for all in-sync
// replicas. Messages are partitioned by key so each pool stays ordered.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// OutcomeRecord is one executed tranche on the feed.
type OutcomeRecord struct {
	Sequence          int64              `json:"sequence"`
	PoolID            uint64             `json:"pool_id"`
	Epoch             uint64             `json:"epoch"`
	Tranche           uint8              `json:"tranche"`
	SupplyFulfillment fpmath.Perquintill `json:"supply_fulfillment"`
	RedeemFulfillment fpmath.Perquintill `json:"redeem_fulfillment"`
	TokenPrice        fpmath.Rate        `json:"token_price"`
	ExecutedAt        time.Time          `json:"executed_at"`
}

// OutcomeFeed streams executed epoch outcomes of durable outputs to Kafka.
type OutcomeFeed struct {
	w       MessageWriter
	input   <-chan core.CoreOutput
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewOutcomeFeed(w MessageWriter, input <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *OutcomeFeed {
	return &OutcomeFeed{
		w:       w,
		input:   input,
		metrics: metrics,
		logger:  logger.With().Str("component", "outcome_feed").Logger(),
	}
}

// Run writes until the channel closes or ctx is cancelled, then closes
// the writer. A failed write is logged and the output skipped.
func (f *OutcomeFeed) Run(ctx context.Context) error {
	defer func() {
		if err := f.w.Close(); err != nil {
			f.logger.Warn().Err(err).Msg("kafka writer close failed")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-f.input:
			if !ok {
				return nil
			}
			msgs, err := OutcomeMessages(output)
			if err != nil {
				f.logger.Error().Err(err).Int64("sequence", output.Envelope.Sequence).Msg("encode outcomes")
				continue
			}
			if len(msgs) == 0 {
				continue
			}
			if err := f.w.WriteMessages(ctx, msgs...); err != nil {
				f.logger.Warn().Err(err).Int64("sequence", output.Envelope.Sequence).Msg("kafka write failed")
				if f.metrics != nil {
					f.metrics.BroadcastErrors.WithLabelValues(sinkKafka).Inc()
				}
				continue
			}
			if f.metrics != nil {
				f.metrics.BroadcastMessages.WithLabelValues(sinkKafka).Add(float64(len(msgs)))
			}
		}
	}
}

// OutcomeMessages builds one message per tranche outcome, keyed by pool.
func OutcomeMessages(output core.CoreOutput) ([]kafka.Message, error) {
	var msgs []kafka.Message
	for _, evt := range output.Events {
		executed, ok := evt.(*event.EpochExecuted)
		if !ok {
			continue
		}
		key := []byte(strconv.FormatUint(uint64(executed.PoolID), 10))
		for _, o := range executed.Outcomes {
			value, err := json.Marshal(OutcomeRecord{
				Sequence:          output.Envelope.Sequence,
				PoolID:            uint64(o.PoolID),
				Epoch:             o.Epoch,
				Tranche:           uint8(o.Tranche),
				SupplyFulfillment: o.SupplyFulfillment,
				RedeemFulfillment: o.RedeemFulfillment,
				TokenPrice:        o.TokenPrice,
				ExecutedAt:        executed.Timestamp,
			})
			if err != nil {
				return nil, fmt.Errorf("marshal outcome %d/%d: %w", o.Epoch, o.Tranche, err)
			}
			msgs = append(msgs, kafka.Message{
				Key:   key,
				Value: value,
				Time:  executed.Timestamp,
			})
		}
	}
	return msgs, nil
}
