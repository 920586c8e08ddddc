package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	StreamName    = "MEMEPERP_MARKETDATA"
	subjectPrefix = "memeperp.md."
)

// Subject maps a topic to its JetStream subject: "kline:0xab.." becomes
// "memeperp.md.kline.0xab..".
func Subject(topic string) string {
	return subjectPrefix + strings.ReplaceAll(topic, ":", ".")
}

// AsyncPublisher is the part of jetstream.JetStream the publisher uses.
type AsyncPublisher interface {
	PublishAsync(subject string, payload []byte, opts ...jetstream.PublishOpt) (jetstream.PubAckFuture, error)
}

// JetStreamPublisher mirrors push messages onto JetStream for consumers
// that are not WebSocket clients. Publishing is asynchronous; failures are
// logged and the message is lost.
type JetStreamPublisher struct {
	js  AsyncPublisher
	log zerolog.Logger
}

func NewJetStreamPublisher(js AsyncPublisher, logger zerolog.Logger) *JetStreamPublisher {
	return &JetStreamPublisher{js: js, log: logger}
}

func (p *JetStreamPublisher) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		p.log.Error().Err(err).Str("topic", msg.Topic).Msg("marshal market data")
		return
	}
	if _, err := p.js.PublishAsync(Subject(msg.Topic), data); err != nil {
		p.log.Warn().Err(err).Str("topic", msg.Topic).Msg("market data publish failed")
	}
}

// EnsureStream creates the market data stream. Market data is short-lived,
// so it is kept in memory for one hour.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{subjectPrefix + ">"},
		Storage:   jetstream.MemoryStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create market data stream: %w", err)
	}
	return nil
}
