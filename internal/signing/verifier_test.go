package signing_test

import (
	"MemePerp/internal/apperr"
	"MemePerp/internal/event"
	"MemePerp/internal/order"
	"MemePerp/internal/signing"
	"encoding/hex"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/google/uuid"
)

var settlementAddr = event.MustParseAddress("0x5fbdb2315678afecb367f032d93f642f64180aa3")

func mustKey(t *testing.T, seed byte) *secp256k1.PrivateKey {
	t.Helper()
	var b [32]byte
	b[31] = seed
	return secp256k1.PrivKeyFromBytes(b[:])
}

func mustSignedOrder(t *testing.T, v *signing.Verifier, key *secp256k1.PrivateKey) *order.Order {
	t.Helper()
	o := &order.Order{
		ID:       uuid.New(),
		Trader:   signing.PubkeyToAddress(key.PubKey()),
		Token:    event.MustParseAddress("0x2222222222222222222222222222222222222222"),
		IsLong:   true,
		Size:     new(big.Int).Mul(big.NewInt(100), big.NewInt(1_000_000_000_000_000_000)),
		Leverage: 50_000,
		Price:    big.NewInt(1_000_000_000_000),
		Type:     order.TypeLimit,
		Deadline: 2_000_000_000,
		Nonce:    7,
	}
	sig, err := signing.Sign(key, v.OrderDigest(o))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	o.Signature = sig
	return o
}

// ============================================================================
// Test: hashing vectors
// ============================================================================

func TestDomainTypeHash_KnownVector(t *testing.T) {
	want := "8b73c3c69bb8fe3d512ecc4cf759cc79239f7b179b0ffacaa9a75d522b39400f"
	if got := hex.EncodeToString(signing.DomainTypeHash[:]); got != want {
		t.Errorf("domain type hash = %s, want %s", got, want)
	}
}

func TestKeccak256_Empty(t *testing.T) {
	want := "c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470"
	h := signing.Keccak256()
	if got := hex.EncodeToString(h[:]); got != want {
		t.Errorf("keccak256('') = %s, want %s", got, want)
	}
}

func TestPubkeyToAddress_KeyOne(t *testing.T) {
	addr := signing.PubkeyToAddress(mustKey(t, 1).PubKey())
	want := event.MustParseAddress("0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf")
	if addr != want {
		t.Errorf("address = %s, want %s", addr.Hex(), want.Hex())
	}
}

func TestDomainSeparator_DependsOnChain(t *testing.T) {
	a := signing.NewDomain(big.NewInt(1), settlementAddr).Separator()
	b := signing.NewDomain(big.NewInt(8453), settlementAddr).Separator()
	if a == b {
		t.Error("separators for different chains must differ")
	}
}

// ============================================================================
// Test: Verify
// ============================================================================

func TestVerify_ValidSignature(t *testing.T) {
	v := signing.NewVerifier(signing.NewDomain(big.NewInt(31337), settlementAddr))
	o := mustSignedOrder(t, v, mustKey(t, 9))

	if err := v.Verify(o, time.Unix(1_900_000_000, 0)); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerify_AcceptsZeroOneRecoveryID(t *testing.T) {
	v := signing.NewVerifier(signing.NewDomain(big.NewInt(31337), settlementAddr))
	o := mustSignedOrder(t, v, mustKey(t, 9))
	o.Signature[64] -= 27

	if err := v.Verify(o, time.Unix(1_900_000_000, 0)); err != nil {
		t.Fatalf("Verify with v in {0,1}: %v", err)
	}
}

func TestVerify_TamperedFieldIsInvalidSignature(t *testing.T) {
	v := signing.NewVerifier(signing.NewDomain(big.NewInt(31337), settlementAddr))
	o := mustSignedOrder(t, v, mustKey(t, 9))
	o.Size.Add(o.Size, big.NewInt(1))

	err := v.Verify(o, time.Unix(1_900_000_000, 0))
	if !errors.Is(err, apperr.ErrInvalidSignature) {
		t.Fatalf("expected InvalidSignature, got %v", err)
	}
}

func TestVerify_WrongTraderIsInvalidSignature(t *testing.T) {
	v := signing.NewVerifier(signing.NewDomain(big.NewInt(31337), settlementAddr))
	o := mustSignedOrder(t, v, mustKey(t, 9))
	sig, err := signing.Sign(mustKey(t, 10), v.OrderDigest(o))
	if err != nil {
		t.Fatal(err)
	}
	o.Signature = sig

	if err := v.Verify(o, time.Unix(1_900_000_000, 0)); !errors.Is(err, apperr.ErrInvalidSignature) {
		t.Fatalf("expected InvalidSignature, got %v", err)
	}
}

func TestVerify_OtherDomainIsInvalidSignature(t *testing.T) {
	signer := signing.NewVerifier(signing.NewDomain(big.NewInt(1), settlementAddr))
	o := mustSignedOrder(t, signer, mustKey(t, 9))

	v := signing.NewVerifier(signing.NewDomain(big.NewInt(31337), settlementAddr))
	if err := v.Verify(o, time.Unix(1_900_000_000, 0)); !errors.Is(err, apperr.ErrInvalidSignature) {
		t.Fatalf("expected InvalidSignature, got %v", err)
	}
}

func TestVerify_Expired(t *testing.T) {
	v := signing.NewVerifier(signing.NewDomain(big.NewInt(31337), settlementAddr))
	o := mustSignedOrder(t, v, mustKey(t, 9))

	err := v.Verify(o, time.Unix(o.Deadline+1, 0))
	if !errors.Is(err, apperr.ErrOrderExpired) {
		t.Fatalf("expected OrderExpired, got %v", err)
	}
}

func TestRecoverSigner_RejectsHighS(t *testing.T) {
	v := signing.NewVerifier(signing.NewDomain(big.NewInt(31337), settlementAddr))
	o := mustSignedOrder(t, v, mustKey(t, 9))

	// s' = N - s is the malleable twin of a valid signature
	n, _ := new(big.Int).SetString("fffffffffffffffffffffffffffffffebaaedce6af48a03bbfd25e8cd0364141", 16)
	s := new(big.Int).SetBytes(o.Signature[32:64])
	highS := new(big.Int).Sub(n, s).FillBytes(make([]byte, 32))
	sig := append(append(append([]byte{}, o.Signature[:32]...), highS...), o.Signature[64]^1)

	if _, err := signing.RecoverSigner(v.OrderDigest(o), sig); !errors.Is(err, apperr.ErrInvalidSignature) {
		t.Fatalf("expected InvalidSignature for high s, got %v", err)
	}
}
