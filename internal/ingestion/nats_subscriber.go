package ingestion

import (
	"context"
	"fmt"
	"time"

	"PerpStats/internal/event"
	"PerpStats/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	ChainStream   = "PERP_CHAIN"
	ChainSubjects = "perp.chain.>"
)

// RawEvent is a relay message before parsing.
type RawEvent struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // Call to ACK the NATS message after successful processing
	NakFunc   func() // Call to NAK on failure (will be redelivered)
	TermFunc  func() // Call to stop redelivery of a message that can never parse
}

// SubscriberConfig names the durable consumer reading the relay stream.
type SubscriberConfig struct {
	Stream   string
	Subject  string
	Consumer string
	AckWait  time.Duration
}

func DefaultSubscriberConfig() SubscriberConfig {
	return SubscriberConfig{
		Stream:   ChainStream,
		Subject:  ChainSubjects,
		Consumer: "perpstats-reducer",
		AckWait:  30 * time.Second,
	}
}

// NATSSubscriber feeds relayed chain events to the processor. All three
// event kinds share one durable consumer with a single message in flight,
// so the stream order is the order the processor sees.
type NATSSubscriber struct {
	js       jetstream.JetStream
	out      chan<- event.Delivery
	consumer jetstream.ConsumeContext
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func NewNATSSubscriber(js jetstream.JetStream, out chan<- event.Delivery, metrics *observability.Metrics, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:      js,
		out:     out,
		metrics: metrics,
		logger:  logger,
	}
}

// Subscribe creates the durable consumer and starts consuming.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, cfg SubscriberConfig) error {
	consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.Stream, jetstream.ConsumerConfig{
		Durable:       cfg.Consumer,
		FilterSubject: cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxAckPending: 1,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", cfg.Consumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		raw := RawEvent{
			Subject:   msg.Subject(),
			Data:      msg.Data(),
			Timestamp: time.Now(),
			AckFunc:   func() { msg.Ack() },
			NakFunc:   func() { msg.Nak() },
			TermFunc:  func() { msg.Term() },
		}
		ns.handle(ctx, raw)
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", cfg.Consumer, err)
	}
	ns.consumer = cc

	ns.logger.Info().
		Str("stream", cfg.Stream).
		Str("subject", cfg.Subject).
		Str("consumer", cfg.Consumer).
		Msg("subscribed")
	return nil
}

// handle parses raw and queues it. Unparseable messages are terminated:
// redelivery cannot fix them.
func (ns *NATSSubscriber) handle(ctx context.Context, raw RawEvent) {
	evt, err := parseSubject(raw)
	if err != nil {
		ns.logger.Error().Err(err).Str("subject", raw.Subject).Msg("dropping unparseable relay message")
		if ns.metrics != nil {
			ns.metrics.IngestParseErrors.WithLabelValues(raw.Subject).Inc()
		}
		raw.TermFunc()
		return
	}

	select {
	case ns.out <- event.Delivery{Event: evt, Ack: raw.AckFunc, Nak: raw.NakFunc}:
	case <-ctx.Done():
		raw.NakFunc()
	}
}

func parseSubject(raw RawEvent) (event.Event, error) {
	et, err := EventTypeForSubject(raw.Subject)
	if err != nil {
		return nil, err
	}
	return ParseRawEvent(raw, et)
}

// EnsureStreams creates the relay stream if it doesn't exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      ChainStream,
		Subjects:  []string{ChainSubjects},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", ChainStream, err)
	}
	return nil
}

// Stop gracefully stops the consumer.
func (ns *NATSSubscriber) Stop() {
	if ns.consumer != nil {
		ns.consumer.Stop()
	}
	ns.logger.Info().Msg("NATS subscriber stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
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
