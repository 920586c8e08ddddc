package event

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Address is a 20-byte EVM account or contract address.
type Address [20]byte

// ZeroAddress is the all-zero address, used for global (market-less) events.
var ZeroAddress Address

// ParseAddress decodes a 0x-prefixed 40 hex digit address. Mixed case is
// accepted; the checksum is not verified.
func ParseAddress(s string) (Address, error) {
	var a Address
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return a, fmt.Errorf("address %q: missing 0x prefix", s)
	}
	body := s[2:]
	if len(body) != 40 {
		return a, fmt.Errorf("address %q: want 40 hex digits, got %d", s, len(body))
	}
	if _, err := hex.Decode(a[:], []byte(body)); err != nil {
		return a, fmt.Errorf("address %q: %w", s, err)
	}
	return a, nil
}

// MustParseAddress is ParseAddress for constants and tests.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Hex returns the lowercase 0x-prefixed form.
func (a Address) Hex() string {
	return "0x" + hex.EncodeToString(a[:])
}

func (a Address) String() string { return a.Hex() }

func (a Address) IsZero() bool { return a == ZeroAddress }

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.Hex()), nil
}

func (a *Address) UnmarshalText(b []byte) error {
	parsed, err := ParseAddress(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
