package order_test

import (
	"MemePerp/internal/apperr"
	"MemePerp/internal/order"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"
)

var validJSON = `{
	"trader": "0x1111111111111111111111111111111111111111",
	"token": "0x2222222222222222222222222222222222222222",
	"isLong": true,
	"size": "100000000000000000000",
	"leverage": "50000",
	"price": "1000000000000",
	"deadline": "4102444800",
	"nonce": "0",
	"orderType": "LIMIT",
	"signature": "0x` + sig65 + `"
}`

var sig65 = strings.Repeat("ab", 65)

func mustDecode(t *testing.T, body string) *order.SubmitRequest {
	t.Helper()
	req, err := order.DecodeSubmitRequest(strings.NewReader(body))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return req
}

// ============================================================================
// Test: strict decoding
// ============================================================================

func TestDecodeSubmitRequest_Valid(t *testing.T) {
	req := mustDecode(t, validJSON)
	o, err := req.ToOrder(time.Unix(1_700_000_000, 0))
	if err != nil {
		t.Fatalf("ToOrder: %v", err)
	}
	if !o.IsLong || o.Type != order.TypeLimit {
		t.Errorf("unexpected side/type: %v %v", o.IsLong, o.Type)
	}
	if o.Size.String() != "100000000000000000000" {
		t.Errorf("size = %s", o.Size)
	}
	if o.Leverage != 50_000 || o.Nonce != 0 || o.Deadline != 4_102_444_800 {
		t.Errorf("leverage/nonce/deadline = %d/%d/%d", o.Leverage, o.Nonce, o.Deadline)
	}
	if o.Status != order.StatusPending {
		t.Errorf("status = %s, want PENDING", o.Status)
	}
	if err := o.ValidateParams(1_000_000); err != nil {
		t.Errorf("ValidateParams: %v", err)
	}
}

func TestDecodeSubmitRequest_UnknownFieldRejected(t *testing.T) {
	body := strings.Replace(validJSON, `"isLong": true,`, `"isLong": true, "extra": 1,`, 1)
	_, err := order.DecodeSubmitRequest(strings.NewReader(body))
	if !errors.Is(err, apperr.ErrInvalidOrderParameters) {
		t.Fatalf("expected InvalidOrderParameters, got %v", err)
	}
}

func TestDecodeSubmitRequest_TrailingDataRejected(t *testing.T) {
	_, err := order.DecodeSubmitRequest(strings.NewReader(validJSON + `{}`))
	if !errors.Is(err, apperr.ErrInvalidOrderParameters) {
		t.Fatalf("expected InvalidOrderParameters, got %v", err)
	}
}

func TestToOrder_RejectsMalformedNumbers(t *testing.T) {
	cases := map[string]string{
		"negative":   `"size": "-1"`,
		"float":      `"size": "1.5"`,
		"hex":        `"size": "0x10"`,
		"empty":      `"size": ""`,
		"overflow":   `"size": "` + strings.Repeat("9", 80) + `"`,
		"whitespace": `"size": " 1"`,
	}
	for name, repl := range cases {
		t.Run(name, func(t *testing.T) {
			body := strings.Replace(validJSON, `"size": "100000000000000000000"`, repl, 1)
			req := mustDecode(t, body)
			if _, err := req.ToOrder(time.Now()); !errors.Is(err, apperr.ErrInvalidOrderParameters) {
				t.Errorf("expected InvalidOrderParameters, got %v", err)
			}
		})
	}
}

func TestToOrder_BadSignatureLength(t *testing.T) {
	body := strings.Replace(validJSON, sig65, "abcd", 1)
	req := mustDecode(t, body)
	if _, err := req.ToOrder(time.Now()); !errors.Is(err, apperr.ErrInvalidOrderParameters) {
		t.Fatalf("expected InvalidOrderParameters, got %v", err)
	}
}

// ============================================================================
// Test: parameter validation
// ============================================================================

func TestValidateParams(t *testing.T) {
	base := func() *order.Order {
		o, err := mustDecode(t, validJSON).ToOrder(time.Now())
		if err != nil {
			t.Fatalf("ToOrder: %v", err)
		}
		return o
	}

	zero := base()
	zero.Size.SetInt64(0)
	if err := zero.ValidateParams(0); !errors.Is(err, apperr.ErrInvalidOrderParameters) {
		t.Errorf("zero size: got %v", err)
	}

	lowLev := base()
	lowLev.Leverage = 5_000
	if err := lowLev.ValidateParams(0); !errors.Is(err, apperr.ErrInvalidOrderParameters) {
		t.Errorf("leverage below 1x: got %v", err)
	}

	highLev := base()
	highLev.Leverage = 2_000_000
	if err := highLev.ValidateParams(1_000_000); !errors.Is(err, apperr.ErrInvalidOrderParameters) {
		t.Errorf("leverage above max: got %v", err)
	}

	noPrice := base()
	noPrice.Price.SetInt64(0)
	if err := noPrice.ValidateParams(0); !errors.Is(err, apperr.ErrInvalidOrderParameters) {
		t.Errorf("limit without price: got %v", err)
	}

	market := base()
	market.Type = order.TypeMarket
	market.Price.SetInt64(0)
	if err := market.ValidateParams(0); err != nil {
		t.Errorf("market without price should be valid: %v", err)
	}
}

func TestParseType(t *testing.T) {
	for in, want := range map[string]order.Type{"MARKET": order.TypeMarket, "limit": order.TypeLimit, "0": order.TypeMarket, "1": order.TypeLimit} {
		got, err := order.ParseType(in)
		if err != nil || got != want {
			t.Errorf("ParseType(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := order.ParseType("STOP"); err == nil {
		t.Error("expected error for STOP")
	}
}

func TestOrder_ApplyAndRevertFill(t *testing.T) {
	o, err := mustDecode(t, validJSON).ToOrder(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	half := mustHalf(o)
	o.ApplyFill(half)
	if o.Status != order.StatusPartiallyFilled {
		t.Fatalf("status = %s", o.Status)
	}
	o.ApplyFill(half)
	if o.Status != order.StatusFilled || o.Remaining().Sign() != 0 {
		t.Fatalf("status = %s remaining = %s", o.Status, o.Remaining())
	}
	o.RevertFill(half)
	if o.Status != order.StatusPending || o.Remaining().Cmp(half) != 0 {
		t.Errorf("after revert: status=%s remaining=%s", o.Status, o.Remaining())
	}
}

func mustHalf(o *order.Order) *big.Int {
	return new(big.Int).Rsh(o.Size, 1)
}
