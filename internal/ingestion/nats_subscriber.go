package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber consumes the inbound JetStream subjects and hands raw
// messages to the router through eventChan.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	log       zerolog.Logger
}

// RawEvent is an inbound message before parsing. Exactly one of AckFunc,
// NakFunc or TermFunc is called once the router is done with it.
type RawEvent struct {
	Subject   string
	Kind      Kind
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // processed, or rejected for good
	NakFunc   func() // transient failure, redeliver
	TermFunc  func() // unparseable, never redeliver
}

// SubjectConfig maps a subject filter to a payload kind.
type SubjectConfig struct {
	Subject      string
	Kind         Kind
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the inbound subjects of the engine.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "memeperp.prices.>", Kind: KindMarkPrice, ConsumerName: "engine-prices", StreamName: "MEMEPERP_PRICES"},
		{Subject: "memeperp.chain.deposits.>", Kind: KindDeposit, ConsumerName: "engine-deposits", StreamName: "MEMEPERP_CHAIN"},
		{Subject: "memeperp.chain.withdrawals.>", Kind: KindWithdrawal, ConsumerName: "engine-withdrawals", StreamName: "MEMEPERP_CHAIN"},
		{Subject: "memeperp.orders.submit", Kind: KindOrderSubmit, ConsumerName: "engine-orders", StreamName: "MEMEPERP_ORDERS"},
		{Subject: "memeperp.risk.params.>", Kind: KindRiskParam, ConsumerName: "engine-risk-params", StreamName: "MEMEPERP_RISK"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		log:       logger,
	}
}

// Subscribe creates a durable consumer per subject.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		cfg := cfg
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
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
				Kind:      cfg.Kind,
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
				TermFunc:  func() { msg.Term() },
			}

			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.log.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// Stop stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, c := range ns.consumers {
		c.Stop()
	}
	ns.consumers = nil
}

// EnsureStreams creates the inbound streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{Name: "MEMEPERP_PRICES", Subjects: []string{"memeperp.prices.>"}, MaxAge: time.Hour},
		{Name: "MEMEPERP_CHAIN", Subjects: []string{"memeperp.chain.>"}, MaxAge: 72 * time.Hour},
		{Name: "MEMEPERP_ORDERS", Subjects: []string{"memeperp.orders.>"}, MaxAge: 72 * time.Hour},
		{Name: "MEMEPERP_RISK", Subjects: []string{"memeperp.risk.>"}, MaxAge: 72 * time.Hour},
	}

	for _, cfg := range streams {
		cfg.Storage = jetstream.FileStorage
		cfg.Retention = jetstream.LimitsPolicy
		cfg.Replicas = 1
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("memeperp"),
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
