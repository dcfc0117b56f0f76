// Package felt provides the Starknet field-element primitive used for every
// hash and address in this indexer. A felt252 is at most 252 bits; once
// normalized it is always 32 bytes / 64 hex digits with a 0x prefix (§4.2),
// which is exactly the shape of go-ethereum's common.Hash. Addresses and
// hashes share this one type — Starknet has no separate 20-byte address
// representation.
package felt

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Felt is a normalized 32-byte field element.
type Felt common.Hash

// Zero is the additive identity.
var Zero = Felt{}

// FromHex parses a possibly short hex string (as returned by the RPC,
// without leading zero padding) into a normalized Felt. It accepts values
// with or without the 0x prefix and pads on the left.
func FromHex(s string) (Felt, error) {
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")
	if s == "" {
		return Zero, nil
	}
	if len(s)%2 != 0 {
		s = "0" + s
	}
	if len(s) > 64 {
		return Zero, fmt.Errorf("felt: hex value %q exceeds 32 bytes", s)
	}
	s = strings.Repeat("0", 64-len(s)) + s
	b, err := hexutil.Decode("0x" + s)
	if err != nil {
		return Zero, fmt.Errorf("felt: decode %q: %w", s, err)
	}
	var f Felt
	copy(f[32-len(b):], b)
	return f, nil
}

// MustFromHex panics on malformed input; reserved for constants/tests.
func MustFromHex(s string) Felt {
	f, err := FromHex(s)
	if err != nil {
		panic(err)
	}
	return f
}

// FromBigInt converts a big.Int into a Felt, truncating/left-padding to 32 bytes.
func FromBigInt(n *big.Int) Felt {
	var f Felt
	b := n.Bytes()
	if len(b) > 32 {
		b = b[len(b)-32:]
	}
	copy(f[32-len(b):], b)
	return f
}

// Big returns the Felt as a big.Int, for numeric comparisons (block filter
// modulus, child-address offset decoding).
func (f Felt) Big() *big.Int {
	return new(big.Int).SetBytes(f[:])
}

// Hex returns the canonical 0x + 64-hex-digit representation. Hex
// normalization is idempotent: Hex(FromHex(Hex(f))) == Hex(f).
func (f Felt) Hex() string {
	return common.Hash(f).Hex()
}

// String implements fmt.Stringer.
func (f Felt) String() string {
	return f.Hex()
}

// IsZero reports whether f is the zero felt.
func (f Felt) IsZero() bool {
	return f == Zero
}

// Less provides a total order for sorting/determinism (not a field-element
// comparison, just big-endian byte order).
func (f Felt) Less(g Felt) bool {
	for i := range f {
		if f[i] != g[i] {
			return f[i] < g[i]
		}
	}
	return false
}

// MarshalJSON renders the canonical hex form.
func (f Felt) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.Hex())
}

// UnmarshalJSON accepts hex strings in either padded or short form.
func (f *Felt) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := FromHex(s)
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// PadHex normalizes a raw hex string (with or without 0x prefix) to the
// canonical 64-hex-digit + 0x-prefixed form, for fields that are
// logically byte strings rather than field elements. No other package in
// this repository calls it; the normalizer and the factory child-address
// extractor work with Felt values directly.
func PadHex(s string) (string, error) {
	f, err := FromHex(s)
	if err != nil {
		return "", err
	}
	return f.Hex(), nil
}
