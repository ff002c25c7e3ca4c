package sortedindex

import (
	"bytes"
	"encoding/binary"
	"math"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// BytesComparer orders raw encoded key columns lexicographically; the
// default for fixed-width numeric columns encoded big-endian so that byte
// order matches numeric order.
func BytesComparer(a, b []byte) int { return bytes.Compare(a, b) }

// StringComparer orders UTF-8 string key columns using locale-aware
// collation instead of raw byte comparison, so "typed multi-column key"
// indexes over string properties sort the way an end user expects (§4.4).
type StringComparer struct {
	col *collate.Collation
}

func NewStringComparer(tag language.Tag) *StringComparer {
	return &StringComparer{col: collate.New(tag)}
}

func (c *StringComparer) Compare(a, b []byte) int {
	return c.col.Compare(a, b)
}

// EncodeInt64 produces a big-endian, sign-flipped encoding of v so that
// BytesComparer's lexicographic order matches signed numeric order.
func EncodeInt64(v int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v)^(1<<63))
	return buf
}

func DecodeInt64(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b) ^ (1 << 63))
}

// EncodeFloat64 produces an order-preserving encoding of v: for
// non-negative floats flipping the sign bit suffices; for negative floats
// every bit must also be flipped to reverse their (otherwise descending)
// bit-pattern order.
func EncodeFloat64(v float64) []byte {
	bits := math.Float64bits(v)
	if v >= 0 {
		bits ^= 1 << 63
	} else {
		bits = ^bits
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, bits)
	return buf
}

func DecodeFloat64(b []byte) float64 {
	bits := binary.BigEndian.Uint64(b)
	if bits&(1<<63) != 0 {
		bits ^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits)
}

// CompositeKey concatenates already-encoded columns with a length prefix
// per column so that comparison stays lexicographic across the whole
// composite without a column boundary being confused for a value byte.
func CompositeKey(columns ...[]byte) []byte {
	var out []byte
	for _, c := range columns {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(c)))
		out = append(out, lenBuf[:]...)
		out = append(out, c...)
	}
	return out
}
