package types

import (
	"github.com/emberchain/ember/crypto"
)

// BloomByteLength represents the number of bytes used in a header log bloom.
const BloomByteLength = 256

// Bloom represents a 2048 bit bloom filter.
type Bloom [BloomByteLength]byte

// BytesToBloom converts a byte slice to a bloom filter.
// It panics if b is not of suitable size.
func BytesToBloom(b []byte) Bloom {
	var bloom Bloom
	bloom.SetBytes(b)
	return bloom
}

// SetBytes sets the content of b to the given bytes.
// It panics if d is not of suitable size.
func (b *Bloom) SetBytes(d []byte) {
	if len(d) > len(b) {
		panic("bloom bytes too big")
	}
	copy(b[BloomByteLength-len(d):], d)
}

// Bytes returns the backing byte slice of the bloom.
func (b Bloom) Bytes() []byte {
	return b[:]
}

// Or merges other into b byte-wise. The block bloom is the OR of the blooms
// of every transaction it contains.
func (b *Bloom) Or(other Bloom) {
	for i := range b {
		b[i] |= other[i]
	}
}

// Add adds d to the filter.
func (b *Bloom) Add(d []byte) {
	i1, v1, i2, v2, i3, v3 := bloomValues(d)
	b[i1] |= v1
	b[i2] |= v2
	b[i3] |= v3
}

// Test checks if the given data is present in the filter.
func (b Bloom) Test(d []byte) bool {
	i1, v1, i2, v2, i3, v3 := bloomValues(d)
	return v1 == v1&b[i1] && v2 == v2&b[i2] && v3 == v3&b[i3]
}

// LogsBloom returns the bloom filter for the given logs.
func LogsBloom(logs []*Log) Bloom {
	var b Bloom
	for _, log := range logs {
		b.Add(log.Address.Bytes())
		for _, topic := range log.Topics {
			b.Add(topic.Bytes())
		}
	}
	return b
}

// bloomValues returns the bytes (index-value pairs) to set for the given data.
func bloomValues(data []byte) (uint, byte, uint, byte, uint, byte) {
	hash := crypto.Keccak256(data)
	// The actual bits to flip
	v1 := byte(1 << (hash[1] & 0x7))
	v2 := byte(1 << (hash[3] & 0x7))
	v3 := byte(1 << (hash[5] & 0x7))
	// The indices for the bytes to OR in
	i1 := BloomByteLength - uint((uint16(hash[0])<<8|uint16(hash[1]))&0x7ff)>>3 - 1
	i2 := BloomByteLength - uint((uint16(hash[2])<<8|uint16(hash[3]))&0x7ff)>>3 - 1
	i3 := BloomByteLength - uint((uint16(hash[4])<<8|uint16(hash[5]))&0x7ff)>>3 - 1

	return i1, v1, i2, v2, i3, v3
}
