package testutil

import (
	"MemePerp/internal/event"
	"MemePerp/internal/order"
	"MemePerp/internal/signing"
	"context"
	"encoding/hex"
	"math/big"
	"strconv"
	"sync"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/google/uuid"
)

// Common test constants.
var (
	SettlementAddress = event.MustParseAddress("0x5fbdb2315678afecb367f032d93f642f64180aa3")
	TokenA            = event.MustParseAddress("0x1111111111111111111111111111111111111111")
	TokenB            = event.MustParseAddress("0x2222222222222222222222222222222222222222")

	// One whole token / one ether in base units.
	One = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

// Tokens returns n whole tokens in base units.
func Tokens(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), One)
}

// Trader is a test account with a signing key.
type Trader struct {
	Key     *secp256k1.PrivateKey
	Address event.Address
}

// NewTrader derives a deterministic key from seed.
func NewTrader(seed byte) Trader {
	var b [32]byte
	b[31] = seed
	key := secp256k1.PrivKeyFromBytes(b[:])
	return Trader{Key: key, Address: signing.PubkeyToAddress(key.PubKey())}
}

// NewVerifier returns a verifier for chain id 31337 and SettlementAddress.
func NewVerifier() *signing.Verifier {
	return signing.NewVerifier(signing.NewDomain(big.NewInt(31337), SettlementAddress))
}

// OrderSpec describes an order before signing. Zero fields take defaults:
// 5x leverage and a deadline far in the future.
type OrderSpec struct {
	Token    event.Address
	IsLong   bool
	Size     *big.Int
	Leverage int64
	Price    *big.Int
	Type     order.Type
	Deadline int64
	Nonce    uint64
}

// SignedOrder builds and signs an order for tr.
func SignedOrder(t *testing.T, v *signing.Verifier, tr Trader, spec OrderSpec) *order.Order {
	t.Helper()
	if spec.Leverage == 0 {
		spec.Leverage = 50_000
	}
	if spec.Deadline == 0 {
		spec.Deadline = 4_000_000_000
	}
	if spec.Price == nil {
		spec.Price = new(big.Int)
	}
	o := &order.Order{
		ID:       uuid.New(),
		Trader:   tr.Address,
		Token:    spec.Token,
		IsLong:   spec.IsLong,
		Size:     new(big.Int).Set(spec.Size),
		Leverage: spec.Leverage,
		Price:    new(big.Int).Set(spec.Price),
		Type:     spec.Type,
		Deadline: spec.Deadline,
		Nonce:    spec.Nonce,
		Filled:   new(big.Int),
		Reserved: new(big.Int),
	}
	sig, err := signing.Sign(tr.Key, v.OrderDigest(o))
	if err != nil {
		t.Fatalf("sign order: %v", err)
	}
	o.Signature = sig
	return o
}

// Request returns the wire form of a signed order.
func Request(o *order.Order) *order.SubmitRequest {
	return &order.SubmitRequest{
		Trader:    o.Trader.Hex(),
		Token:     o.Token.Hex(),
		IsLong:    o.IsLong,
		Size:      o.Size.String(),
		Leverage:  strconv.FormatInt(o.Leverage, 10),
		Price:     o.Price.String(),
		Deadline:  strconv.FormatInt(o.Deadline, 10),
		Nonce:     strconv.FormatUint(o.Nonce, 10),
		OrderType: o.Type.String(),
		Signature: "0x" + hex.EncodeToString(o.Signature),
	}
}

// StaticNonces is an in-memory chain nonce reader.
type StaticNonces struct {
	mu     sync.Mutex
	nonces map[event.Address]uint64
}

func NewStaticNonces() *StaticNonces {
	return &StaticNonces{nonces: make(map[event.Address]uint64)}
}

func (s *StaticNonces) Set(trader event.Address, n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonces[trader] = n
}

func (s *StaticNonces) Nonces(ctx context.Context, trader event.Address) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonces[trader], nil
}
