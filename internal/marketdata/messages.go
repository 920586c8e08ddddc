// Package marketdata turns engine events into push messages and delivers
// them to WebSocket subscribers and, optionally, NATS JetStream.
package marketdata

import (
	"MemePerp/internal/core"
	"MemePerp/internal/event"
	"math/big"
	"strings"
	"time"
)

// Topics. Kline topics are per token: "kline:<token>".
const (
	TopicTrade         = "trade"
	TopicPositionRisks = "position_risks"
	TopicLiquidation   = "liquidation"
	TopicFunding       = "funding"
	topicKlinePrefix   = "kline:"
)

func KlineTopic(token event.Address) string { return topicKlinePrefix + token.Hex() }

// ValidTopic reports whether a client may subscribe to topic.
func ValidTopic(topic string) bool {
	switch topic {
	case TopicTrade, TopicPositionRisks, TopicLiquidation, TopicFunding:
		return true
	}
	if strings.HasPrefix(topic, topicKlinePrefix) {
		_, err := event.ParseAddress(strings.TrimPrefix(topic, topicKlinePrefix))
		return err == nil
	}
	return false
}

// Message is the push envelope: {type, topic, data, timestamp}.
type Message struct {
	Type      string `json:"type"`
	Topic     string `json:"topic,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func newMessage(typ, topic string, data any, ts time.Time) Message {
	return Message{Type: typ, Topic: topic, Data: data, Timestamp: ts.UnixMilli()}
}

// --- DTOs: integers travel as decimal strings ---

type TradeData struct {
	TradeID     string        `json:"tradeId"`
	Token       event.Address `json:"token"`
	LongTrader  event.Address `json:"longTrader"`
	ShortTrader event.Address `json:"shortTrader"`
	Price       string        `json:"price"`
	Size        string        `json:"size"`
	TakerSide   string        `json:"takerSide"`
	Sequence    int64         `json:"sequence"`
}

type LiquidationData struct {
	LiquidationID  string        `json:"liquidationId"`
	PairID         string        `json:"pairId"`
	Trader         event.Address `json:"trader"`
	Token          event.Address `json:"token"`
	Side           string        `json:"side"`
	Size           string        `json:"size"`
	MarkPrice      string        `json:"markPrice"`
	Penalty        string        `json:"penalty"`
	Shortfall      string        `json:"shortfall"`
	MarginRatioBps int64         `json:"marginRatioBps"`
	AutoDeleverage bool          `json:"autoDeleverage"`
}

type PositionRisk struct {
	Trader           event.Address `json:"trader"`
	IsLong           bool          `json:"isLong"`
	Size             string        `json:"size"`
	EntryPrice       string        `json:"entryPrice"`
	Collateral       string        `json:"collateral"`
	UnrealizedPnL    string        `json:"unrealizedPnl"`
	MarginRatioBps   int64         `json:"marginRatioBps"`
	LiquidationPrice string        `json:"liquidationPrice"`
	RiskLevel        string        `json:"riskLevel"`
}

type PositionRisksData struct {
	Token     event.Address  `json:"token"`
	MarkPrice string         `json:"markPrice"`
	Positions []PositionRisk `json:"positions"`
}

type FundingData struct {
	Token            event.Address `json:"token"`
	Epoch            int64         `json:"epoch"`
	Rate             int64         `json:"rate"`
	LongSize         string        `json:"longSize"`
	ShortSize        string        `json:"shortSize"`
	MarkPrice        string        `json:"markPrice"`
	PositionsSettled int           `json:"positionsSettled"`
}

func dec(x *big.Int) string {
	if x == nil {
		return "0"
	}
	return x.String()
}

func tradeData(t *event.Trade) TradeData {
	return TradeData{
		TradeID:     t.TradeID.String(),
		Token:       t.Token,
		LongTrader:  t.LongTrader,
		ShortTrader: t.ShortTrader,
		Price:       dec(t.Price),
		Size:        dec(t.Size),
		TakerSide:   t.TakerSide.String(),
		Sequence:    t.MatchSequence,
	}
}

func liquidationData(l *event.Liquidation) LiquidationData {
	return LiquidationData{
		LiquidationID:  l.LiquidationID.String(),
		PairID:         l.PairID,
		Trader:         l.Trader,
		Token:          l.Token,
		Side:           l.Side.String(),
		Size:           dec(l.Size),
		MarkPrice:      dec(l.MarkPrice),
		Penalty:        dec(l.Penalty),
		Shortfall:      dec(l.Shortfall),
		MarginRatioBps: l.MarginRatioBps,
		AutoDeleverage: l.AutoDeleverage,
	}
}

func positionRisksData(snap *core.RiskSnapshot) PositionRisksData {
	out := PositionRisksData{
		Token:     snap.Token,
		MarkPrice: dec(snap.MarkPrice),
		Positions: make([]PositionRisk, 0, len(snap.Assessments)),
	}
	for _, a := range snap.Assessments {
		out.Positions = append(out.Positions, PositionRisk{
			Trader:           a.Trader,
			IsLong:           a.IsLong,
			Size:             dec(a.Size),
			EntryPrice:       dec(a.EntryPrice),
			Collateral:       dec(a.Collateral),
			UnrealizedPnL:    dec(a.UnrealizedPnL),
			MarginRatioBps:   a.MarginRatioBps,
			LiquidationPrice: dec(a.LiquidationPrice),
			RiskLevel:        a.Level.String(),
		})
	}
	return out
}

// NewFundingData converts a settled funding epoch for clients.
func NewFundingData(r *event.FundingRateRecord) FundingData {
	return FundingData{
		Token:            r.Token,
		Epoch:            r.Epoch,
		Rate:             r.Rate,
		LongSize:         dec(r.LongSize),
		ShortSize:        dec(r.ShortSize),
		MarkPrice:        dec(r.MarkPrice),
		PositionsSettled: r.PositionsSettled,
	}
}
