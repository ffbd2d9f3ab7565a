package dbm

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/calvinalkan/logstore/internal/errs"
)

// Block layout inside a data extent:
//
//	block_id u64 | payload_size u32 | crc32c(payload) u32 | payload
//
// Blocks start on Alignment boundaries.
const (
	HeaderSize = 16
	Alignment  = 64

	offBlockID   = 0
	offBlockSize = 8
	offBlockCRC  = 12
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// SerializedSize returns the size recorded for a payload of n bytes.
func SerializedSize(n int) uint32 { return uint32(HeaderSize + n) }

func alignUp(n int64) int64 { return (n + Alignment - 1) &^ (Alignment - 1) }

func encodeBlock(blockID uint64, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint64(buf[offBlockID:], blockID)
	binary.LittleEndian.PutUint32(buf[offBlockSize:], uint32(len(payload)))
	binary.LittleEndian.PutUint32(buf[offBlockCRC:], crc32.Checksum(payload, crcTable))
	copy(buf[HeaderSize:], payload)

	return buf
}

// decodeBlock validates buf as one serialized block at offset and returns
// its id and payload. The payload aliases buf.
func decodeBlock(buf []byte, offset int64) (uint64, []byte, error) {
	if len(buf) < HeaderSize {
		return 0, nil, fmt.Errorf("block at %d: %d bytes is shorter than the header: %w", offset, len(buf), errs.ErrCorrupt)
	}

	id := binary.LittleEndian.Uint64(buf[offBlockID:])
	n := int(binary.LittleEndian.Uint32(buf[offBlockSize:]))

	if HeaderSize+n != len(buf) {
		return 0, nil, fmt.Errorf("block %d at %d: payload size %d, want %d: %w", id, offset, n, len(buf)-HeaderSize, errs.ErrCorrupt)
	}

	payload := buf[HeaderSize:]

	if got, want := crc32.Checksum(payload, crcTable), binary.LittleEndian.Uint32(buf[offBlockCRC:]); got != want {
		return 0, nil, fmt.Errorf("block %d at %d: checksum 0x%08x, want 0x%08x: %w", id, offset, got, want, errs.ErrCorrupt)
	}

	return id, payload, nil
}
