package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"TrancheLedger/internal/core"
	"TrancheLedger/internal/event"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	EventStream  = "TRANCHE_EVENTS"
	EventSubject = "tranche.events"
)

// JetStreamPublisher is the slice of jetstream.JetStream the publisher uses.
type JetStreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes domain events of durable outputs to NATS.
// Subjects follow tranche.events.<EventType>[.<pool>].
type OutboundPublisher struct {
	js        JetStreamPublisher
	inputChan <-chan core.CoreOutput
	logger    zerolog.Logger
}

// PublishableEvent is the outbound wire format.
type PublishableEvent struct {
	Sequence       int64             `json:"sequence"`
	Index          int               `json:"index"` // position within the command's events
	EventType      string            `json:"event_type"`
	IdempotencyKey string            `json:"idempotency_key"`
	PoolID         *uint64           `json:"pool_id,omitempty"`
	Payload        event.DomainEvent `json:"payload"`
	StateHash      []byte            `json:"state_hash"`
	Timestamp      time.Time         `json:"timestamp"`
}

func NewOutboundPublisher(js JetStreamPublisher, inputChan <-chan core.CoreOutput, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    logger.With().Str("component", "outbound_publisher").Logger(),
	}
}

// Run publishes until the channel closes or ctx is cancelled. Failures are
// logged and skipped; consumers can always read the event log.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			for _, evt := range Publishable(output) {
				if err := op.publish(ctx, evt); err != nil {
					op.logger.Warn().Err(err).Int64("sequence", evt.Sequence).Str("event_type", evt.EventType).Msg("outbound publish failed")
				}
			}
		}
	}
}

// Publishable flattens an output into one message per domain event.
func Publishable(output core.CoreOutput) []PublishableEvent {
	env := output.Envelope
	out := make([]PublishableEvent, 0, len(output.Events))
	for i, evt := range output.Events {
		pe := PublishableEvent{
			Sequence:       env.Sequence,
			Index:          i,
			EventType:      evt.EventType().String(),
			IdempotencyKey: env.IdempotencyKey,
			Payload:        evt,
			StateHash:      env.StateHash[:],
			Timestamp:      env.Timestamp,
		}
		if p := evt.Pool(); p != nil {
			id := uint64(*p)
			pe.PoolID = &id
		}
		out = append(out, pe)
	}
	return out
}

// Subject is where evt is published.
func (evt PublishableEvent) Subject() string {
	subject := fmt.Sprintf("%s.%s", EventSubject, evt.EventType)
	if evt.PoolID != nil {
		subject = fmt.Sprintf("%s.%d", subject, *evt.PoolID)
	}
	return subject
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	// Dedups republishes inside the stream's duplicate window.
	msgID := fmt.Sprintf("%d-%d", evt.Sequence, evt.Index)
	_, err = op.js.Publish(ctx, evt.Subject(), data, jetstream.WithMsgID(msgID))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       EventStream,
		Subjects:   []string{EventSubject + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}
