// Package bloom implements the 2048-bit log digest stored in every block header.
//
// The bit layout is the one go-ethereum uses for receipts: each element is
// hashed with Keccak-256 and three 11-bit indices are taken from the first
// six bytes of the hash. A digest built here is therefore interchangeable
// with the LogsBloom field of an EVM header.
package bloom

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

const (
	// ByteLength is the size of a digest in bytes.
	ByteLength = types.BloomByteLength
	// BitLength is the number of addressable bits.
	BitLength = types.BloomBitLength
)

// Bloom is a fixed-size probabilistic set. The zero value is an empty digest.
// Bits only ever go from 0 to 1.
type Bloom [ByteLength]byte

// FromBytes converts a byte slice into a digest. Shorter input is left-padded
// the same way go-ethereum does it; longer input is rejected.
func FromBytes(b []byte) (Bloom, error) {
	var bl Bloom
	if err := bl.SetBytes(b); err != nil {
		return Bloom{}, err
	}
	return bl, nil
}

// Of returns a digest containing every given element.
func Of(elements ...[]byte) Bloom {
	var bl Bloom
	for _, e := range elements {
		bl.Add(e)
	}
	return bl
}

// Add sets the three bits selected by the hash of data.
func (b *Bloom) Add(data []byte) {
	(*types.Bloom)(b).Add(data)
}

// Merge ORs other into b.
func (b *Bloom) Merge(other Bloom) {
	for i := range b {
		b[i] |= other[i]
	}
}

// Test reports whether every bit set in other is also set in b, that is
// whether b could contain everything other claims. It is not symmetric.
func (b Bloom) Test(other Bloom) bool {
	for i := range b {
		if b[i]&other[i] != other[i] {
			return false
		}
	}
	return true
}

// MayContain reports whether data might have been added to b.
func (b Bloom) MayContain(data []byte) bool {
	return types.Bloom(b).Test(data)
}

// IsEmpty reports whether no bit is set. An empty digest passes every Test.
func (b Bloom) IsEmpty() bool {
	return b == Bloom{}
}

// SetBytes copies d into the low end of the digest.
func (b *Bloom) SetBytes(d []byte) error {
	if len(d) > ByteLength {
		return fmt.Errorf("bloom: %d bytes exceeds digest size %d", len(d), ByteLength)
	}
	*b = Bloom{}
	copy(b[ByteLength-len(d):], d)
	return nil
}

// Bytes returns a copy of the raw digest.
func (b Bloom) Bytes() []byte {
	out := make([]byte, ByteLength)
	copy(out, b[:])
	return out
}

// Hex returns the digest as 0x-prefixed hex.
func (b Bloom) Hex() string {
	return hexutil.Encode(b[:])
}

// MarshalText encodes the digest as 0x-prefixed hex.
func (b Bloom) MarshalText() ([]byte, error) {
	return hexutil.Bytes(b[:]).MarshalText()
}

// UnmarshalText decodes 0x-prefixed hex of exactly ByteLength bytes.
func (b *Bloom) UnmarshalText(input []byte) error {
	return hexutil.UnmarshalFixedText("Bloom", input, b[:])
}
