// Package order holds the order model shared by intake, the book and the
// matching workers.
package order

import (
	"MemePerp/internal/event"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// Type is the signed orderType field: 0 = MARKET, 1 = LIMIT.
type Type uint8

const (
	TypeMarket Type = 0
	TypeLimit  Type = 1
)

func (t Type) String() string {
	switch t {
	case TypeMarket:
		return "MARKET"
	case TypeLimit:
		return "LIMIT"
	default:
		return "UNKNOWN"
	}
}

// Status is the order lifecycle state.
type Status int32

const (
	StatusPending Status = iota
	StatusPartiallyFilled
	StatusFilled
	StatusCancelled
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusPartiallyFilled:
		return "PARTIALLY_FILLED"
	case StatusFilled:
		return "FILLED"
	case StatusCancelled:
		return "CANCELLED"
	case StatusExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether no further fills are possible.
func (s Status) IsTerminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusExpired
}

// Order is a signed trader instruction plus the engine's bookkeeping.
// The signed fields are Trader through Nonce and Type.
type Order struct {
	ID        uuid.UUID
	Trader    event.Address
	Token     event.Address
	IsLong    bool
	Size      *big.Int // token base units
	Leverage  int64    // LeveragePrecision scale
	Price     *big.Int // limit price; for MARKET a margin estimate, zero when absent
	Type      Type
	Deadline  int64 // unix seconds
	Nonce     uint64
	Signature []byte

	Status    Status
	Filled    *big.Int
	Reserved  *big.Int // Margin still held in locked for the unfilled part
	Sequence  int64    // Arrival order inside the owning market worker
	CreatedAt time.Time
}

// Side returns the order direction.
func (o *Order) Side() event.Side {
	return event.SideOf(o.IsLong)
}

// Remaining returns size - filled.
func (o *Order) Remaining() *big.Int {
	if o.Filled == nil {
		return new(big.Int).Set(o.Size)
	}
	return new(big.Int).Sub(o.Size, o.Filled)
}

// IsExpired reports whether now is past the deadline.
func (o *Order) IsExpired(now time.Time) bool {
	return now.Unix() > o.Deadline
}

// ApplyFill records a fill of qty and updates the status.
func (o *Order) ApplyFill(qty *big.Int) {
	if o.Filled == nil {
		o.Filled = new(big.Int)
	}
	o.Filled.Add(o.Filled, qty)
	if o.Filled.Cmp(o.Size) >= 0 {
		o.Status = StatusFilled
	} else {
		o.Status = StatusPartiallyFilled
	}
}

// RevertFill undoes ApplyFill after a failed settlement. The order goes back
// to PENDING even if it was partially filled before.
func (o *Order) RevertFill(qty *big.Int) {
	if o.Filled == nil {
		o.Filled = new(big.Int)
	}
	o.Filled.Sub(o.Filled, qty)
	if o.Filled.Sign() < 0 {
		o.Filled.SetInt64(0)
	}
	o.Status = StatusPending
}

// Clone returns a deep copy, safe to hand to other goroutines.
func (o *Order) Clone() *Order {
	c := *o
	c.Size = cloneBig(o.Size)
	c.Price = cloneBig(o.Price)
	c.Filled = cloneBig(o.Filled)
	c.Reserved = cloneBig(o.Reserved)
	c.Signature = append([]byte(nil), o.Signature...)
	return &c
}

func cloneBig(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(x)
}
