package rlp

import (
	"encoding/binary"
	"math/bits"
)

// Append-style RLP encoding. The miner only ever produces RLP (trie keys,
// transaction wire bytes, receipt bytes), so there is no decoder here.
//
// RLP has two data types: String (byte array) and List. Each Append function
// appends the encoding of one item to buf and returns the extended buffer.

// AppendUint64 appends the RLP encoding of i as a canonical big-endian
// integer string.
func AppendUint64(buf []byte, i uint64) []byte {
	switch {
	case i == 0:
		return append(buf, 0x80)
	case i < 0x80:
		return append(buf, byte(i))
	default:
		beLen := (bits.Len64(i) + 7) / 8
		var be [8]byte
		binary.BigEndian.PutUint64(be[:], i)
		buf = append(buf, 0x80+byte(beLen))
		return append(buf, be[8-beLen:]...)
	}
}

// AppendString appends the RLP encoding of s as a string item.
func AppendString(buf, s []byte) []byte {
	if len(s) == 1 && s[0] < 0x80 {
		return append(buf, s[0])
	}
	buf = appendStringPrefix(buf, len(s))
	return append(buf, s...)
}

// AppendListPrefix appends the list prefix for a payload of dataLen bytes.
// The caller appends the already-encoded payload afterwards.
func AppendListPrefix(buf []byte, dataLen int) []byte {
	if dataLen < 56 {
		return append(buf, 0xc0+byte(dataLen))
	}
	beLen := (bits.Len64(uint64(dataLen)) + 7) / 8
	var be [8]byte
	binary.BigEndian.PutUint64(be[:], uint64(dataLen))
	buf = append(buf, 0xf7+byte(beLen))
	return append(buf, be[8-beLen:]...)
}

func appendStringPrefix(buf []byte, dataLen int) []byte {
	if dataLen < 56 {
		return append(buf, 0x80+byte(dataLen))
	}
	beLen := (bits.Len64(uint64(dataLen)) + 7) / 8
	var be [8]byte
	binary.BigEndian.PutUint64(be[:], uint64(dataLen))
	buf = append(buf, 0xb7+byte(beLen))
	return append(buf, be[8-beLen:]...)
}

// EncodeUint64 returns the RLP encoding of i.
func EncodeUint64(i uint64) []byte {
	return AppendUint64(nil, i)
}

// EncodeString returns the RLP encoding of s.
func EncodeString(s []byte) []byte {
	return AppendString(nil, s)
}

// EncodeList wraps an already-encoded payload into a list item.
func EncodeList(payload []byte) []byte {
	buf := AppendListPrefix(make([]byte, 0, len(payload)+9), len(payload))
	return append(buf, payload...)
}
