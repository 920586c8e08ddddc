package marketdata

import (
	"MemePerp/internal/event"
	fpmath "MemePerp/internal/math"
	"math/big"
	"strconv"
	"sync"
	"time"
)

// DefaultKlineIntervals are aggregated for every token.
var DefaultKlineIntervals = []time.Duration{time.Minute, 5 * time.Minute, time.Hour}

const defaultKlineHistory = 500

// Kline is one OHLCV candle. Volume is in token base units.
type Kline struct {
	Token    event.Address
	Interval time.Duration
	OpenTime time.Time
	Open     *big.Int
	High     *big.Int
	Low      *big.Int
	Close    *big.Int
	Volume   *big.Int
	Trades   int
}

func (k *Kline) clone() *Kline {
	c := *k
	c.Open = fpmath.Clone(k.Open)
	c.High = fpmath.Clone(k.High)
	c.Low = fpmath.Clone(k.Low)
	c.Close = fpmath.Clone(k.Close)
	c.Volume = fpmath.Clone(k.Volume)
	return &c
}

type KlineData struct {
	Token     event.Address `json:"token"`
	Interval  string        `json:"interval"`
	OpenTime  int64         `json:"openTime"`
	CloseTime int64         `json:"closeTime"`
	Open      string        `json:"open"`
	High      string        `json:"high"`
	Low       string        `json:"low"`
	Close     string        `json:"close"`
	Volume    string        `json:"volume"`
	Trades    int           `json:"trades"`
}

func (k *Kline) Data() KlineData {
	return KlineData{
		Token:     k.Token,
		Interval:  intervalName(k.Interval),
		OpenTime:  k.OpenTime.UnixMilli(),
		CloseTime: k.OpenTime.Add(k.Interval).UnixMilli() - 1,
		Open:      dec(k.Open),
		High:      dec(k.High),
		Low:       dec(k.Low),
		Close:     dec(k.Close),
		Volume:    dec(k.Volume),
		Trades:    k.Trades,
	}
}

func intervalName(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		return strconv.FormatInt(int64(d/time.Hour), 10) + "h"
	case d >= time.Minute && d%time.Minute == 0:
		return strconv.FormatInt(int64(d/time.Minute), 10) + "m"
	default:
		return d.String()
	}
}

type seriesKey struct {
	token    event.Address
	interval time.Duration
}

// KlineAggregator builds candles from trades. Closed candles are kept up to
// a fixed history per series.
type KlineAggregator struct {
	mu        sync.Mutex
	intervals []time.Duration
	history   int
	series    map[seriesKey][]*Kline // oldest first, last is current
}

func NewKlineAggregator(intervals []time.Duration, history int) *KlineAggregator {
	if len(intervals) == 0 {
		intervals = DefaultKlineIntervals
	}
	if history <= 0 {
		history = defaultKlineHistory
	}
	return &KlineAggregator{
		intervals: intervals,
		history:   history,
		series:    make(map[seriesKey][]*Kline),
	}
}

// Update folds t into the current candle of every interval and returns
// copies of the updated candles. A trade older than the current candle is
// ignored for that interval.
func (a *KlineAggregator) Update(t *event.Trade) []*Kline {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]*Kline, 0, len(a.intervals))
	for _, iv := range a.intervals {
		key := seriesKey{t.Token, iv}
		open := t.Timestamp.Truncate(iv)
		s := a.series[key]

		var cur *Kline
		if n := len(s); n > 0 {
			last := s[n-1]
			switch {
			case open.Equal(last.OpenTime):
				cur = last
			case open.Before(last.OpenTime):
				continue
			}
		}
		if cur == nil {
			cur = &Kline{
				Token:    t.Token,
				Interval: iv,
				OpenTime: open,
				Open:     fpmath.Clone(t.Price),
				High:     fpmath.Clone(t.Price),
				Low:      fpmath.Clone(t.Price),
				Close:    fpmath.Clone(t.Price),
				Volume:   new(big.Int),
			}
			s = append(s, cur)
			if len(s) > a.history {
				s = s[len(s)-a.history:]
			}
			a.series[key] = s
		}

		if t.Price.Cmp(cur.High) > 0 {
			cur.High.Set(t.Price)
		}
		if t.Price.Cmp(cur.Low) < 0 {
			cur.Low.Set(t.Price)
		}
		cur.Close.Set(t.Price)
		cur.Volume.Add(cur.Volume, t.Size)
		cur.Trades++
		out = append(out, cur.clone())
	}
	return out
}

// Recent returns up to n candles of token at interval, newest first.
func (a *KlineAggregator) Recent(token event.Address, interval time.Duration, n int) []*Kline {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.series[seriesKey{token, interval}]
	if n <= 0 || n > len(s) {
		n = len(s)
	}
	out := make([]*Kline, 0, n)
	for i := len(s) - 1; i >= len(s)-n; i-- {
		out = append(out, s[i].clone())
	}
	return out
}
