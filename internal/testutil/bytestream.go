// Package testutil turns fuzz input into deterministic store operation
// sequences and tracks the expected contents in an in-memory model.
package testutil

// ByteStream reads bytes sequentially from a byte slice.
//
// When the stream is exhausted, all reads return zero values, so the same
// input always produces the same sequence of values.
type ByteStream struct {
	bytes []byte
	pos   int
}

// NewByteStream creates a stream over the given bytes.
func NewByteStream(b []byte) *ByteStream {
	return &ByteStream{bytes: b}
}

// HasMore reports whether unread bytes remain.
func (s *ByteStream) HasMore() bool {
	return s.pos < len(s.bytes)
}

// NextByte returns the next byte, or 0 if exhausted.
func (s *ByteStream) NextByte() byte {
	if s.pos >= len(s.bytes) {
		return 0
	}

	v := s.bytes[s.pos]
	s.pos++

	return v
}

// NextInt returns a value in [0, maxVal) derived from the next byte.
func (s *ByteStream) NextInt(maxVal int) int {
	if maxVal <= 0 {
		return 0
	}

	return int(s.NextByte()) % maxVal
}

// NextUint16 returns the next two bytes as a big-endian value.
func (s *ByteStream) NextUint16() uint16 {
	hi := uint16(s.NextByte())

	return hi<<8 | uint16(s.NextByte())
}

// NextBool returns a boolean derived from the next byte.
func (s *ByteStream) NextBool() bool {
	return s.NextByte()&1 == 1
}
