package lba

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/calvinalkan/logstore/internal/errs"
)

// On-disk structures.
//
// LBA extent:   header, then EntrySize entries appended in commit order.
// Superblock:   header, then recordSize records, one per sealed LBA extent,
//               in sealing order.
const (
	headerSize = 32
	recordSize = 16

	offHeaderMagic = 0 // [8]byte
	offHeaderShard = 8 // uint32

	offRecordOffset = 0  // int64
	offRecordCount  = 8  // uint32
	offRecordCRC    = 12 // uint32
)

var (
	magicExtent = [8]byte{'l', 'b', 'a', 'e', 'x', 't', 'n', 't'}
	magicSuper  = [8]byte{'l', 'b', 'a', 's', 'u', 'p', 'e', 'r'}
)

func encodeHeader(magic [8]byte, shard int) []byte {
	buf := make([]byte, headerSize)
	copy(buf[offHeaderMagic:], magic[:])
	binary.LittleEndian.PutUint32(buf[offHeaderShard:], uint32(shard))

	return buf
}

func checkHeader(buf []byte, magic [8]byte, shard int, offset int64) error {
	if [8]byte(buf[offHeaderMagic:offHeaderMagic+8]) != magic {
		return fmt.Errorf("lba extent %d: bad magic %q, want %q: %w", offset, buf[:8], magic[:], errs.ErrCorrupt)
	}

	if got := binary.LittleEndian.Uint32(buf[offHeaderShard:]); got != uint32(shard) {
		return fmt.Errorf("lba extent %d: belongs to shard %d, want %d: %w", offset, got, shard, errs.ErrCorrupt)
	}

	return nil
}

type record struct {
	offset int64
	count  uint32
}

func encodeRecord(buf []byte, r record) {
	binary.LittleEndian.PutUint64(buf[offRecordOffset:], uint64(r.offset))
	binary.LittleEndian.PutUint32(buf[offRecordCount:], r.count)
	binary.LittleEndian.PutUint32(buf[offRecordCRC:], crc32.Checksum(buf[:offRecordCRC], crcTable))
}

func decodeRecord(buf []byte) (record, error) {
	if got, want := binary.LittleEndian.Uint32(buf[offRecordCRC:]), crc32.Checksum(buf[:offRecordCRC], crcTable); got != want {
		return record{}, fmt.Errorf("lba superblock record checksum 0x%08x, want 0x%08x: %w", got, want, errs.ErrCorrupt)
	}

	return record{
		offset: int64(binary.LittleEndian.Uint64(buf[offRecordOffset:])),
		count:  binary.LittleEndian.Uint32(buf[offRecordCount:]),
	}, nil
}
