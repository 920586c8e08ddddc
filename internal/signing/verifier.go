package signing

import (
	"MemePerp/internal/apperr"
	"MemePerp/internal/event"
	"MemePerp/internal/order"
	"fmt"
	"math/big"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// secp256k1 group order / 2. Signatures with s above it are malleable copies
// and are rejected.
var halfOrder, _ = new(big.Int).SetString("7fffffffffffffffffffffffffffffff5d576e7357a4501ddfe92f46681b20a0", 16)

// Verifier checks order signatures against one domain.
type Verifier struct {
	domain    Domain
	separator [32]byte
}

func NewVerifier(domain Domain) *Verifier {
	return &Verifier{
		domain:    domain,
		separator: domain.Separator(),
	}
}

// Domain returns the domain this verifier was built for.
func (v *Verifier) Domain() Domain {
	return v.domain
}

// OrderDigest returns the EIP-712 digest a trader signs for o.
func (v *Verifier) OrderDigest(o *order.Order) [32]byte {
	return TypedDataDigest(v.separator, HashOrder(o))
}

// Verify fails with InvalidSignature when the recovered signer is not
// o.Trader, and with OrderExpired when now is past the deadline.
func (v *Verifier) Verify(o *order.Order, now time.Time) error {
	signer, err := RecoverSigner(v.OrderDigest(o), o.Signature)
	if err != nil {
		return err
	}
	if signer != o.Trader {
		return apperr.New(apperr.CodeInvalidSignature, "signer %s is not trader %s", signer.Hex(), o.Trader.Hex())
	}
	if o.IsExpired(now) {
		return apperr.New(apperr.CodeOrderExpired, "deadline %d passed", o.Deadline)
	}
	return nil
}

// RecoverSigner recovers the address that produced sig (r ‖ s ‖ v, v in
// {0, 1, 27, 28}) over digest.
func RecoverSigner(digest [32]byte, sig []byte) (event.Address, error) {
	if len(sig) != 65 {
		return event.Address{}, apperr.New(apperr.CodeInvalidSignature, "signature length %d", len(sig))
	}

	v := sig[64]
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return event.Address{}, apperr.New(apperr.CodeInvalidSignature, "bad recovery id %d", sig[64])
	}
	if new(big.Int).SetBytes(sig[32:64]).Cmp(halfOrder) > 0 {
		return event.Address{}, apperr.New(apperr.CodeInvalidSignature, "non-canonical s value")
	}

	// decred compact form: header byte 27 + recid (uncompressed), then r, s
	compact := make([]byte, 65)
	compact[0] = 27 + v
	copy(compact[1:], sig[:64])

	pub, _, err := ecdsa.RecoverCompact(compact, digest[:])
	if err != nil {
		return event.Address{}, apperr.Wrap(apperr.CodeInvalidSignature, err, "recover")
	}
	return PubkeyToAddress(pub), nil
}

// PubkeyToAddress returns the last 20 bytes of keccak256 of the uncompressed
// public key without its 0x04 prefix.
func PubkeyToAddress(pub *secp256k1.PublicKey) event.Address {
	raw := pub.SerializeUncompressed()
	h := Keccak256(raw[1:])
	var a event.Address
	copy(a[:], h[12:])
	return a
}

// Sign produces an Ethereum-style r ‖ s ‖ v signature (v in {27, 28}).
// Used by tooling and tests; the engine never holds trader keys.
func Sign(key *secp256k1.PrivateKey, digest [32]byte) ([]byte, error) {
	compact := ecdsa.SignCompact(key, digest[:], false)
	if len(compact) != 65 {
		return nil, fmt.Errorf("unexpected compact signature length %d", len(compact))
	}
	sig := make([]byte, 65)
	copy(sig, compact[1:])
	sig[64] = compact[0]
	return sig, nil
}
