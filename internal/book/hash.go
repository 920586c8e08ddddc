package book

import (
	"crypto/sha256"
	"encoding/binary"
	"math/big"

	"github.com/holiman/uint256"
)

// StateHash returns SHA-256 over the canonical encoding of the resting
// orders in priority order. Two books holding the same orders in the same
// queue positions hash equal regardless of how they got there. Order ids
// are random per process and left out; (trader, nonce) names an order.
func (b *Book) StateHash() [32]byte {
	h := sha256.New()
	h.Write(b.token[:])

	for _, o := range b.Orders() {
		h.Write(o.Trader[:])
		if o.IsLong {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
		h.Write(word(o.Price))
		h.Write(word(o.Remaining()))

		var nonce [8]byte
		binary.BigEndian.PutUint64(nonce[:], o.Nonce)
		h.Write(nonce[:])
	}

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// word encodes a non-negative value as a 32-byte big-endian word.
func word(v *big.Int) []byte {
	u, overflow := uint256.FromBig(v)
	if overflow || v.Sign() < 0 {
		u = new(uint256.Int)
	}
	b := u.Bytes32()
	return b[:]
}
