package logstore

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"slices"

	"github.com/google/uuid"
)

// Disk format versions.
const (
	// FormatV1 files carry no instance id.
	FormatV1 uint32 = 1

	// FormatV2 adds the instance id. Files are migrated to it by their first
	// index write.
	FormatV2 uint32 = 2

	// CurrentFormat is written by [Create].
	CurrentFormat = FormatV2
)

// supportedFormats is the allow-list checked on open.
var supportedFormats = []uint32{FormatV1, FormatV2}

// Static header field offsets (bytes from file start).
const (
	offHeaderMagic         = 0x00 // [8]byte
	offHeaderFormat        = 0x08 // uint32
	offHeaderMetablockSize = 0x0C // uint32
	offHeaderExtentSize    = 0x10 // uint64
	offHeaderInstanceID    = 0x18 // [16]byte
	offHeaderCRC32C        = 0x28 // uint32
)

var headerMagic = [8]byte{'L', 'S', 'T', 'O', 'R', 'H', 'D', 'R'}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

type staticHeader struct {
	format     uint32
	extentSize int64
	instanceID uuid.UUID
}

func encodeStaticHeader(h staticHeader) []byte {
	buf := make([]byte, MetablockSize)

	copy(buf[offHeaderMagic:], headerMagic[:])
	binary.LittleEndian.PutUint32(buf[offHeaderFormat:], h.format)
	binary.LittleEndian.PutUint32(buf[offHeaderMetablockSize:], MetablockSize)
	binary.LittleEndian.PutUint64(buf[offHeaderExtentSize:], uint64(h.extentSize))
	copy(buf[offHeaderInstanceID:], h.instanceID[:])
	binary.LittleEndian.PutUint32(buf[offHeaderCRC32C:], crc32.Checksum(buf[:offHeaderCRC32C], crcTable))

	return buf
}

func decodeStaticHeader(buf []byte) (staticHeader, error) {
	if len(buf) < offHeaderCRC32C+4 {
		return staticHeader{}, fmt.Errorf("static header truncated to %d bytes: %w", len(buf), ErrCorrupt)
	}

	if [8]byte(buf[offHeaderMagic:offHeaderMagic+8]) != headerMagic {
		return staticHeader{}, fmt.Errorf("bad magic %q: %w", buf[:8], ErrCorrupt)
	}

	if got, want := binary.LittleEndian.Uint32(buf[offHeaderCRC32C:]), crc32.Checksum(buf[:offHeaderCRC32C], crcTable); got != want {
		return staticHeader{}, fmt.Errorf("static header checksum 0x%08x, want 0x%08x: %w", got, want, ErrCorrupt)
	}

	h := staticHeader{
		format:     binary.LittleEndian.Uint32(buf[offHeaderFormat:]),
		extentSize: int64(binary.LittleEndian.Uint64(buf[offHeaderExtentSize:])),
		instanceID: uuid.UUID(buf[offHeaderInstanceID : offHeaderInstanceID+16]),
	}

	if !slices.Contains(supportedFormats, h.format) {
		return staticHeader{}, fmt.Errorf("disk format %d (supported %v): %w", h.format, supportedFormats, ErrUnsupportedFormat)
	}

	if size := binary.LittleEndian.Uint32(buf[offHeaderMetablockSize:]); size != MetablockSize {
		return staticHeader{}, fmt.Errorf("metablock size %d, want %d: %w", size, MetablockSize, ErrCorrupt)
	}

	if err := (StaticConfig{ExtentSize: h.extentSize}).validate(); err != nil {
		return staticHeader{}, fmt.Errorf("static header: %w: %w", err, ErrCorrupt)
	}

	return h, nil
}
