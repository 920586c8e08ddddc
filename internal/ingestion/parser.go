package ingestion

import (
	"MemePerp/internal/event"
	"MemePerp/internal/order"
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// Kind names the payload carried on a subject.
type Kind string

const (
	KindMarkPrice   Kind = "MarkPriceUpdate"
	KindDeposit     Kind = "Deposit"
	KindWithdrawal  Kind = "Withdrawal"
	KindOrderSubmit Kind = "OrderSubmit"
	KindRiskParam   Kind = "RiskParamUpdate"
)

// ParseRawEvent converts a RawEvent into a typed value: an event.Event for
// chain, price and risk messages, an *order.SubmitRequest for orders.
// When the subject ends in an address it must match the payload.
func ParseRawEvent(raw RawEvent, kind Kind) (any, error) {
	switch kind {
	case KindMarkPrice:
		u, err := parseMarkPriceUpdate(raw.Data)
		if err != nil {
			return nil, err
		}
		return u, checkSubject(raw.Subject, u.Token)
	case KindDeposit:
		d, err := parseDeposit(raw.Data)
		if err != nil {
			return nil, err
		}
		return d, checkSubject(raw.Subject, d.Trader)
	case KindWithdrawal:
		w, err := parseWithdrawal(raw.Data)
		if err != nil {
			return nil, err
		}
		return w, checkSubject(raw.Subject, w.Trader)
	case KindRiskParam:
		r, err := parseRiskParamUpdate(raw.Data)
		if err != nil {
			return nil, err
		}
		return r, checkSubject(raw.Subject, r.Token)
	case KindOrderSubmit:
		return order.DecodeSubmitRequest(bytes.NewReader(raw.Data))
	default:
		return nil, fmt.Errorf("unknown event kind: %s", kind)
	}
}

// checkSubject compares the last subject token with want when it looks like
// an address. Wildcard-free subjects without an address are accepted.
func checkSubject(subject string, want event.Address) error {
	i := strings.LastIndexByte(subject, '.')
	last := subject[i+1:]
	if !strings.HasPrefix(last, "0x") {
		return nil
	}
	got, err := event.ParseAddress(last)
	if err != nil {
		return fmt.Errorf("subject %s: %w", subject, err)
	}
	if got != want {
		return fmt.Errorf("subject %s does not match payload address %s", subject, want.Hex())
	}
	return nil
}

// --- JSON wire formats ---
// Integers that may exceed 64 bits travel as decimal strings.

type markPriceJSON struct {
	Token     event.Address `json:"token"`
	MarkPrice string        `json:"markPrice"`
	Source    string        `json:"source"`
	Sequence  int64         `json:"sequence"`
	Timestamp int64         `json:"timestamp"` // epoch ms
}

func parseMarkPriceUpdate(data []byte) (*event.MarkPriceUpdate, error) {
	var j markPriceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse MarkPriceUpdate: %w", err)
	}
	price, err := positive("markPrice", j.MarkPrice)
	if err != nil {
		return nil, err
	}
	if j.Source == "" {
		return nil, fmt.Errorf("parse MarkPriceUpdate: source is required")
	}
	return &event.MarkPriceUpdate{
		Token:          j.Token,
		MarkPrice:      price,
		Source:         j.Source,
		PriceSequence:  j.Sequence,
		PriceTimestamp: j.Timestamp,
	}, nil
}

type chainTransferJSON struct {
	TxHash   string        `json:"txHash"`
	LogIndex int64         `json:"logIndex"`
	Trader   event.Address `json:"trader"`
	Amount   string        `json:"amount"`
	Block    int64         `json:"block"`
}

func (j *chainTransferJSON) validate(what string) (*big.Int, error) {
	if j.TxHash == "" {
		return nil, fmt.Errorf("parse %s: txHash is required", what)
	}
	return positive("amount", j.Amount)
}

func parseDeposit(data []byte) (*event.Deposit, error) {
	var j chainTransferJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Deposit: %w", err)
	}
	amount, err := j.validate("Deposit")
	if err != nil {
		return nil, err
	}
	return &event.Deposit{TxHash: j.TxHash, LogIndex: j.LogIndex, Trader: j.Trader, Amount: amount, Block: j.Block}, nil
}

func parseWithdrawal(data []byte) (*event.Withdrawal, error) {
	var j chainTransferJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Withdrawal: %w", err)
	}
	amount, err := j.validate("Withdrawal")
	if err != nil {
		return nil, err
	}
	return &event.Withdrawal{TxHash: j.TxHash, LogIndex: j.LogIndex, Trader: j.Trader, Amount: amount, Block: j.Block}, nil
}

type riskParamJSON struct {
	Token             event.Address `json:"token"`
	MMRBps            int64         `json:"mmrBps"`
	MaxLeverage       int64         `json:"maxLeverage"`
	LiquidationFeeBps int64         `json:"liquidationFeeBps"`
	Active            *bool         `json:"active"`
	Sequence          int64         `json:"sequence"`
}

func parseRiskParamUpdate(data []byte) (*event.RiskParamUpdate, error) {
	var j riskParamJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse RiskParamUpdate: %w", err)
	}
	if j.MMRBps < 0 || j.MaxLeverage < 0 || j.LiquidationFeeBps < 0 {
		return nil, fmt.Errorf("parse RiskParamUpdate: negative parameter")
	}
	return &event.RiskParamUpdate{
		Token:          j.Token,
		MMRBps:         j.MMRBps,
		MaxLeverage:    j.MaxLeverage,
		LiquidationFee: j.LiquidationFeeBps,
		Active:         j.Active,
		UpdateSequence: j.Sequence,
	}, nil
}

func positive(field, s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%s: invalid decimal %q", field, s)
	}
	if v.Sign() <= 0 {
		return nil, fmt.Errorf("%s must be positive", field)
	}
	return v, nil
}
