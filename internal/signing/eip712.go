// Package signing verifies EIP-712 typed-data signatures over orders. It has
// no transport or clock dependencies; callers pass the current time.
package signing

import (
	"MemePerp/internal/event"
	"MemePerp/internal/order"
	"math/big"

	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"
)

const (
	DomainName    = "MemePerp"
	DomainVersion = "1"

	domainTypeString = "EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"
	orderTypeString  = "Order(address trader,address token,bool isLong,uint256 size,uint256 leverage,uint256 price,uint256 deadline,uint256 nonce,uint8 orderType)"
)

var (
	DomainTypeHash = Keccak256([]byte(domainTypeString))
	OrderTypeHash  = Keccak256([]byte(orderTypeString))
)

// Domain is the EIP-712 domain of the Settlement contract.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract event.Address
}

// NewDomain returns the MemePerp domain for a chain and Settlement address.
func NewDomain(chainID *big.Int, settlement event.Address) Domain {
	return Domain{
		Name:              DomainName,
		Version:           DomainVersion,
		ChainID:           new(big.Int).Set(chainID),
		VerifyingContract: settlement,
	}
}

// Separator returns hashStruct(EIP712Domain).
func (d Domain) Separator() [32]byte {
	nameHash := Keccak256([]byte(d.Name))
	versionHash := Keccak256([]byte(d.Version))
	chainID := uint256.MustFromBig(d.ChainID).Bytes32()
	contract := addressWord(d.VerifyingContract)

	return Keccak256(DomainTypeHash[:], nameHash[:], versionHash[:], chainID[:], contract[:])
}

// HashOrder returns hashStruct(Order) over the signed fields.
func HashOrder(o *order.Order) [32]byte {
	trader := addressWord(o.Trader)
	token := addressWord(o.Token)
	isLong := boolWord(o.IsLong)
	size := bigWord(o.Size)
	leverage := uint256.NewInt(uint64(o.Leverage)).Bytes32()
	price := bigWord(o.Price)
	deadline := uint256.NewInt(uint64(o.Deadline)).Bytes32()
	nonce := uint256.NewInt(o.Nonce).Bytes32()
	orderType := uint256.NewInt(uint64(o.Type)).Bytes32()

	return Keccak256(
		OrderTypeHash[:],
		trader[:], token[:], isLong[:],
		size[:], leverage[:], price[:], deadline[:], nonce[:],
		orderType[:],
	)
}

// TypedDataDigest returns keccak256(0x19 0x01 ‖ domainSeparator ‖ structHash).
func TypedDataDigest(separator, structHash [32]byte) [32]byte {
	return Keccak256([]byte{0x19, 0x01}, separator[:], structHash[:])
}

// Keccak256 hashes the concatenation of data with legacy Keccak-256.
func Keccak256(data ...[]byte) [32]byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	var out [32]byte
	h.Sum(out[:0])
	return out
}

func addressWord(a event.Address) [32]byte {
	var w [32]byte
	copy(w[12:], a[:])
	return w
}

func boolWord(b bool) [32]byte {
	var w [32]byte
	if b {
		w[31] = 1
	}
	return w
}

func bigWord(x *big.Int) [32]byte {
	if x == nil {
		return [32]byte{}
	}
	return uint256.MustFromBig(x).Bytes32()
}
