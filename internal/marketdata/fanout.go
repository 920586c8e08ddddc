package marketdata

import (
	"MemePerp/internal/core"
	"MemePerp/internal/event"
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Sink receives every push message. Implementations must not block and must
// be safe for concurrent use.
type Sink interface {
	Broadcast(msg Message)
}

// Fanout reads the market data channel of the market workers, aggregates
// klines and forwards push messages to every sink.
type Fanout struct {
	in     <-chan event.Envelope
	klines *KlineAggregator
	sinks  []Sink
	log    zerolog.Logger
}

func NewFanout(in <-chan event.Envelope, klines *KlineAggregator, logger zerolog.Logger, sinks ...Sink) *Fanout {
	if klines == nil {
		klines = NewKlineAggregator(nil, 0)
	}
	return &Fanout{in: in, klines: klines, sinks: sinks, log: logger}
}

// Klines exposes the aggregator for queries.
func (f *Fanout) Klines() *KlineAggregator { return f.klines }

func (f *Fanout) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-f.in:
			if !ok {
				return nil
			}
			for _, msg := range f.translate(env) {
				f.broadcast(msg)
			}
		}
	}
}

// PublishPositionRisks pushes one market's risk snapshot.
func (f *Fanout) PublishPositionRisks(snap *core.RiskSnapshot) {
	f.broadcast(newMessage("position_risks", TopicPositionRisks, positionRisksData(snap), time.Now()))
}

func (f *Fanout) broadcast(msg Message) {
	for _, s := range f.sinks {
		s.Broadcast(msg)
	}
}

func (f *Fanout) translate(env event.Envelope) []Message {
	ts := env.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	switch e := env.Event.(type) {
	case *event.Trade:
		out := []Message{newMessage("trade", TopicTrade, tradeData(e), ts)}
		for _, k := range f.klines.Update(e) {
			out = append(out, newMessage("kline", KlineTopic(e.Token), k.Data(), ts))
		}
		return out
	case *event.Liquidation:
		return []Message{newMessage("liquidation", TopicLiquidation, liquidationData(e), ts)}
	case *event.FundingRateRecord:
		return []Message{newMessage("funding", TopicFunding, NewFundingData(e), ts)}
	default:
		return nil
	}
}
