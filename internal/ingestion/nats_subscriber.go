package ingestion

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"TrancheLedger/internal/event"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// CommandStream holds every inbound command subject.
const (
	CommandStream  = "TRANCHE_COMMANDS"
	CommandSubject = "tranche.commands"
)

// NATSSubscriber consumes JetStream command subjects and hands raw
// messages to the router.
type NATSSubscriber struct {
	js        jetstream.JetStream
	stream    string
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawEvent is an undecoded command message. Ack, Nak and Term settle the
// underlying JetStream message.
type RawEvent struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func()
	NakFunc   func()
	TermFunc  func() // poison message, never redeliver
}

// SubjectConfig maps one operation token to a command type. Subjects are
// tranche.commands.<op>.<pool>; Mint uses the currency as last token.
type SubjectConfig struct {
	Op           string
	EventType    string
	ConsumerName string
}

func (c SubjectConfig) Subject() string {
	return fmt.Sprintf("%s.%s.>", CommandSubject, c.Op)
}

// DefaultSubjects returns one consumer per operation.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Op: "create", EventType: "CreatePool", ConsumerName: "tranche-create"},
		{Op: "supply", EventType: "OrderSupply", ConsumerName: "tranche-supply"},
		{Op: "redeem", EventType: "OrderRedeem", ConsumerName: "tranche-redeem"},
		{Op: "collect", EventType: "Collect", ConsumerName: "tranche-collect"},
		{Op: "close", EventType: "CloseEpoch", ConsumerName: "tranche-close"},
		{Op: "solve", EventType: "SolveEpoch", ConsumerName: "tranche-solve"},
		{Op: "borrow", EventType: "Borrow", ConsumerName: "tranche-borrow"},
		{Op: "payback", EventType: "Payback", ConsumerName: "tranche-payback"},
		{Op: "mint", EventType: "Mint", ConsumerName: "tranche-mint"},
	}
}

// CommandSubjectFor builds the subject a producer publishes cmd on.
func CommandSubjectFor(cmd event.Event) (string, error) {
	for _, s := range DefaultSubjects() {
		if s.EventType != cmd.EventType().String() {
			continue
		}
		if m, ok := cmd.(*event.Mint); ok {
			return fmt.Sprintf("%s.%s.%s", CommandSubject, s.Op, m.Currency), nil
		}
		if p := cmd.Pool(); p != nil {
			return fmt.Sprintf("%s.%s.%d", CommandSubject, s.Op, *p), nil
		}
	}
	return "", fmt.Errorf("no subject for %s", cmd.EventType())
}

func NewNATSSubscriber(js jetstream.JetStream, stream string, eventChan chan<- RawEvent, logger zerolog.Logger) *NATSSubscriber {
	if stream == "" {
		stream = CommandStream
	}
	return &NATSSubscriber{
		js:        js,
		stream:    stream,
		eventChan: eventChan,
		logger:    logger.With().Str("component", "nats_subscriber").Logger(),
	}
}

// Subscribe creates durable consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, ns.stream, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject(),
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { _ = msg.Ack() },
				NakFunc:   func() { _ = msg.Nak() },
				TermFunc:  func() { _ = msg.Term() },
			}

			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				_ = msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().Str("subject", cfg.Subject()).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}
	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// EnsureStreams creates the command stream if it doesn't exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, stream string) error {
	if stream == "" {
		stream = CommandStream
	}
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      stream,
		Subjects:  []string{CommandSubject + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", stream, err)
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("trancheledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}

// Router turns raw messages into typed submissions. Messages are acked
// once the typed command is queued for the engine, not after it is
// applied, so slow processing never trips AckWait and a full queue pushes
// back on NATS.
type Router struct {
	byOp   map[string]string
	out    chan<- Submission
	logger zerolog.Logger
}

func NewRouter(subjects []SubjectConfig, out chan<- Submission, logger zerolog.Logger) *Router {
	byOp := make(map[string]string, len(subjects))
	for _, s := range subjects {
		byOp[s.Op] = s.EventType
	}
	return &Router{byOp: byOp, out: out, logger: logger.With().Str("component", "router").Logger()}
}

// Resolve parses subject and payload into a command. The pool token of
// the subject must match the payload.
func (r *Router) Resolve(raw RawEvent) (event.Event, error) {
	rest, ok := strings.CutPrefix(raw.Subject, CommandSubject+".")
	if !ok {
		return nil, fmt.Errorf("subject %q outside %s", raw.Subject, CommandSubject)
	}
	op, target, _ := strings.Cut(rest, ".")
	eventType, ok := r.byOp[op]
	if !ok {
		return nil, fmt.Errorf("unknown operation %q", op)
	}

	cmd, err := ParseRawEvent(raw, eventType)
	if err != nil {
		return nil, err
	}

	if p := cmd.Pool(); p != nil && target != "" {
		id, err := strconv.ParseUint(target, 10, 64)
		if err != nil || id != uint64(*p) {
			return nil, fmt.Errorf("subject pool %q does not match payload pool %d", target, *p)
		}
	}
	return cmd, nil
}

// Run forwards until in closes or ctx is cancelled.
func (r *Router) Run(ctx context.Context, in <-chan RawEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-in:
			if !ok {
				return nil
			}

			cmd, err := r.Resolve(raw)
			if err != nil {
				r.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping invalid command")
				settle(raw.TermFunc, raw.AckFunc)
				continue
			}

			select {
			case r.out <- Submission{Command: cmd}:
				settle(raw.AckFunc)
			case <-ctx.Done():
				settle(raw.NakFunc)
				return ctx.Err()
			}
		}
	}
}

// settle calls the first non-nil func.
func settle(fns ...func()) {
	for _, fn := range fns {
		if fn != nil {
			fn()
			return
		}
	}
}
