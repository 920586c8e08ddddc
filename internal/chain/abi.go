package chain

import (
	"MemePerp/internal/event"
	"MemePerp/internal/settlement"
	"MemePerp/internal/signing"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

// SettleBatchSignature is the Solidity signature of the settlement entry point.
//
//	struct Trade       { address token; address longTrader; address shortTrader;
//	                     uint256 longNonce; uint256 shortNonce; uint256 price; uint256 size; }
//	struct Liquidation { address trader; address token; bool isLong;
//	                     uint256 size; uint256 markPrice; uint256 penalty; uint256 returned; }
const SettleBatchSignature = "settleBatch(bytes32,(address,address,address,uint256,uint256,uint256,uint256)[],(address,address,bool,uint256,uint256,uint256,uint256)[])"

const tupleWords = 7

// SettleBatchSelector returns the 4-byte function selector.
func SettleBatchSelector() [4]byte {
	h := signing.Keccak256([]byte(SettleBatchSignature))
	var sel [4]byte
	copy(sel[:], h[:4])
	return sel
}

// EncodeSettleBatch ABI-encodes the calldata of settleBatch for b.
func EncodeSettleBatch(b *settlement.Batch) ([]byte, error) {
	trades := b.Trades()
	liqs := b.Liquidations()

	var batchID [32]byte
	copy(batchID[:], b.ID[:])

	tradesOffset := uint64(3 * 32)
	liqsOffset := tradesOffset + 32 + uint64(len(trades)*tupleWords*32)

	enc := &encoder{buf: make([]byte, 0, 4+int(liqsOffset)+32+len(liqs)*tupleWords*32)}
	sel := SettleBatchSelector()
	enc.buf = append(enc.buf, sel[:]...)
	enc.raw(batchID)
	enc.uint(tradesOffset)
	enc.uint(liqsOffset)

	enc.uint(uint64(len(trades)))
	for _, t := range trades {
		enc.address(t.Token)
		enc.address(t.LongTrader)
		enc.address(t.ShortTrader)
		enc.uint(t.LongNonce)
		enc.uint(t.ShortNonce)
		enc.big("price", t.Price)
		enc.big("size", t.Size)
	}

	enc.uint(uint64(len(liqs)))
	for _, l := range liqs {
		enc.address(l.Trader)
		enc.address(l.Token)
		enc.bool(l.Side == event.SideLong)
		enc.big("size", l.Size)
		enc.big("markPrice", l.MarkPrice)
		enc.big("penalty", l.Penalty)
		enc.big("returned", l.Returned)
	}

	if enc.err != nil {
		return nil, fmt.Errorf("encode batch %s: %w", b.ID, enc.err)
	}
	return enc.buf, nil
}

type encoder struct {
	buf []byte
	err error
}

func (e *encoder) raw(w [32]byte) { e.buf = append(e.buf, w[:]...) }

func (e *encoder) uint(v uint64) {
	w := uint256.NewInt(v).Bytes32()
	e.raw(w)
}

func (e *encoder) address(a event.Address) {
	var w [32]byte
	copy(w[12:], a[:])
	e.raw(w)
}

func (e *encoder) bool(b bool) {
	var w [32]byte
	if b {
		w[31] = 1
	}
	e.raw(w)
}

func (e *encoder) big(field string, x *big.Int) {
	var w [32]byte
	if x != nil {
		if x.Sign() < 0 {
			e.fail(fmt.Errorf("%s is negative: %s", field, x))
		} else if v, overflow := uint256.FromBig(x); overflow {
			e.fail(fmt.Errorf("%s overflows uint256", field))
		} else {
			w = v.Bytes32()
		}
	}
	e.raw(w)
}

func (e *encoder) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}
