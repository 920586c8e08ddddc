package core

import (
	"MemePerp/internal/event"
	"crypto/sha256"
	"encoding/binary"
	"math/big"

	"github.com/holiman/uint256"
)

const GenesisHashSeed = "MemePerp:genesis:v1"

// StateHasher chains the trades of one market:
// hash[N] = SHA-256(hash[N-1] || matchSequence || tradeDigest).
// Two replicas that matched the same orders end on the same tip.
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher starts a chain at the genesis hash of token.
func NewStateHasher(token event.Address) *StateHasher {
	genesis := sha256.Sum256(append([]byte(GenesisHashSeed), token[:]...))
	return &StateHasher{prevHash: genesis}
}

// ComputeHash appends digest at sequence and returns the new tip.
func (h *StateHasher) ComputeHash(sequence int64, digest []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])
	hasher.Write(digest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	h.prevHash = hash
	return hash
}

// Tip returns the current chain tip.
func (h *StateHasher) Tip() [32]byte {
	return h.prevHash
}

// TradeDigest is the canonical byte form of a trade for the hash chain.
// Trade and order ids are random and excluded; (trader, nonce) names an order.
func TradeDigest(t *event.Trade) []byte {
	buf := make([]byte, 0, 20*2+8*2+32*2+1)
	buf = append(buf, t.LongTrader[:]...)
	buf = append(buf, t.ShortTrader[:]...)
	buf = binary.BigEndian.AppendUint64(buf, t.LongNonce)
	buf = binary.BigEndian.AppendUint64(buf, t.ShortNonce)
	buf = appendWord(buf, t.Price)
	buf = appendWord(buf, t.Size)
	buf = append(buf, byte(t.TakerSide))
	return buf
}

func appendWord(buf []byte, x *big.Int) []byte {
	var w [32]byte
	if x != nil && x.Sign() > 0 {
		if v, overflow := uint256.FromBig(x); !overflow {
			w = v.Bytes32()
		}
	}
	return append(buf, w[:]...)
}
