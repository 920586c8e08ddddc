package order

import (
	"MemePerp/internal/apperr"
	"MemePerp/internal/event"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// SubmitRequest is the wire form of POST /order/submit and the
// memeperp.orders.submit subject. Integers travel as decimal strings.
type SubmitRequest struct {
	Trader    string `json:"trader"`
	Token     string `json:"token"`
	IsLong    bool   `json:"isLong"`
	Size      string `json:"size"`
	Leverage  string `json:"leverage"`
	Price     string `json:"price"`
	Deadline  string `json:"deadline"`
	Nonce     string `json:"nonce"`
	OrderType string `json:"orderType"`
	Signature string `json:"signature"`
}

// CancelRequest is the wire form of POST /order/cancel.
type CancelRequest struct {
	OrderID string `json:"orderId"`
	Token   string `json:"token"`
	Trader  string `json:"trader"`
}

// DecodeSubmitRequest strictly decodes a submit payload: unknown fields,
// trailing data and missing fields are rejected.
func DecodeSubmitRequest(r io.Reader) (*SubmitRequest, error) {
	var req SubmitRequest
	if err := decodeStrict(r, &req); err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidOrderParameters, err, "decode order")
	}
	return &req, nil
}

// DecodeCancelRequest strictly decodes a cancel payload.
func DecodeCancelRequest(r io.Reader) (*CancelRequest, error) {
	var req CancelRequest
	if err := decodeStrict(r, &req); err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidOrderParameters, err, "decode cancel")
	}
	return &req, nil
}

func decodeStrict(r io.Reader, v interface{}) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	var extra json.RawMessage
	if err := dec.Decode(&extra); err != io.EOF {
		return fmt.Errorf("trailing data after JSON object")
	}
	return nil
}

// ToOrder converts the wire form into an Order with a fresh id. Numeric
// fields must be plain decimal strings that fit uint256; leverage, deadline
// and nonce must additionally fit 63/64 bits.
func (r *SubmitRequest) ToOrder(now time.Time) (*Order, error) {
	trader, err := event.ParseAddress(r.Trader)
	if err != nil {
		return nil, invalid("trader", err)
	}
	token, err := event.ParseAddress(r.Token)
	if err != nil {
		return nil, invalid("token", err)
	}

	size, err := parseUint256("size", r.Size)
	if err != nil {
		return nil, err
	}
	leverage, err := parseUint256("leverage", r.Leverage)
	if err != nil {
		return nil, err
	}
	price, err := parseUint256("price", r.Price)
	if err != nil {
		return nil, err
	}
	deadline, err := parseUint256("deadline", r.Deadline)
	if err != nil {
		return nil, err
	}
	nonce, err := parseUint256("nonce", r.Nonce)
	if err != nil {
		return nil, err
	}

	if !leverage.IsUint64() || leverage.Uint64() > math.MaxInt64 {
		return nil, apperr.New(apperr.CodeInvalidOrderParameters, "leverage out of range")
	}
	if !deadline.IsUint64() || deadline.Uint64() > math.MaxInt64 {
		return nil, apperr.New(apperr.CodeInvalidOrderParameters, "deadline out of range")
	}
	if !nonce.IsUint64() || nonce.Uint64() == math.MaxUint64 {
		return nil, apperr.New(apperr.CodeInvalidOrderParameters, "nonce out of range")
	}

	orderType, err := ParseType(r.OrderType)
	if err != nil {
		return nil, err
	}

	sig, err := decodeSignature(r.Signature)
	if err != nil {
		return nil, err
	}

	return &Order{
		ID:        uuid.New(),
		Trader:    trader,
		Token:     token,
		IsLong:    r.IsLong,
		Size:      size.ToBig(),
		Leverage:  int64(leverage.Uint64()),
		Price:     price.ToBig(),
		Type:      orderType,
		Deadline:  int64(deadline.Uint64()),
		Nonce:     nonce.Uint64(),
		Signature: sig,
		Status:    StatusPending,
		Filled:    new(big.Int),
		Reserved:  new(big.Int),
		CreatedAt: now,
	}, nil
}

// ParseType accepts "MARKET"/"LIMIT" (any case) or the signed numeric form.
func ParseType(s string) (Type, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "MARKET", "0":
		return TypeMarket, nil
	case "LIMIT", "1":
		return TypeLimit, nil
	default:
		return 0, apperr.New(apperr.CodeInvalidOrderParameters, "unknown orderType %q", s)
	}
}

// ValidateParams checks the trader-controlled parameters that do not depend
// on account or book state.
func (o *Order) ValidateParams(maxLeverage int64) error {
	if o.Size == nil || o.Size.Sign() <= 0 {
		return apperr.New(apperr.CodeInvalidOrderParameters, "size must be positive")
	}
	if o.Leverage < 10_000 {
		return apperr.New(apperr.CodeInvalidOrderParameters, "leverage %d below 1x", o.Leverage)
	}
	if maxLeverage > 0 && o.Leverage > maxLeverage {
		return apperr.New(apperr.CodeInvalidOrderParameters, "leverage %d above market max %d", o.Leverage, maxLeverage)
	}
	if o.Type == TypeLimit && (o.Price == nil || o.Price.Sign() <= 0) {
		return apperr.New(apperr.CodeInvalidOrderParameters, "limit order needs a positive price")
	}
	if o.Deadline <= 0 {
		return apperr.New(apperr.CodeInvalidOrderParameters, "deadline must be set")
	}
	if len(o.Signature) != 65 {
		return apperr.New(apperr.CodeInvalidOrderParameters, "signature must be 65 bytes")
	}
	return nil
}

func parseUint256(field, s string) (*uint256.Int, error) {
	if s == "" {
		return nil, apperr.New(apperr.CodeInvalidOrderParameters, "%s is required", field)
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return nil, apperr.New(apperr.CodeInvalidOrderParameters, "%s must be a decimal integer string", field)
		}
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, invalid(field, err)
	}
	return v, nil
}

func decodeSignature(s string) ([]byte, error) {
	body := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	sig, err := hex.DecodeString(body)
	if err != nil {
		return nil, invalid("signature", err)
	}
	if len(sig) != 65 {
		return nil, apperr.New(apperr.CodeInvalidOrderParameters, "signature must be 65 bytes, got %d", len(sig))
	}
	return sig, nil
}

func invalid(field string, err error) error {
	return apperr.Wrap(apperr.CodeInvalidOrderParameters, err, "invalid %s", field)
}
