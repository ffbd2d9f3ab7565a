package lba

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/calvinalkan/logstore/internal/errs"
)

const (
	// ShardFactor is the number of independent shards; a block belongs to
	// shard blockID % ShardFactor.
	ShardFactor = 4

	// NumInlineEntries is the capacity of the inline entry array carried in
	// the metablock.
	NumInlineEntries = 64

	// EntrySize is the encoded size of one [Entry].
	EntrySize = 32
)

// Entry field offsets.
const (
	offEntryBlockID = 0  // uint64
	offEntryRecency = 8  // uint64
	offEntryOffset  = 16 // int64
	offEntrySize    = 24 // uint32
	offEntryCRC     = 28 // uint32
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// FlaggedOffset is a physical offset or [NoOffset].
type FlaggedOffset int64

// NoOffset marks a deleted or never-written block.
const NoOffset FlaggedOffset = -1

// HasValue reports whether f names a real offset.
func (f FlaggedOffset) HasValue() bool { return f >= 0 }

// Entry is the index record for one block.
type Entry struct {
	BlockID uint64
	Recency uint64
	Offset  FlaggedOffset
	Size    uint32
}

func shardOf(blockID uint64) int { return int(blockID % ShardFactor) }

// encodeEntry writes e into buf[:EntrySize].
func encodeEntry(buf []byte, e Entry) {
	binary.LittleEndian.PutUint64(buf[offEntryBlockID:], e.BlockID)
	binary.LittleEndian.PutUint64(buf[offEntryRecency:], e.Recency)
	binary.LittleEndian.PutUint64(buf[offEntryOffset:], uint64(e.Offset))
	binary.LittleEndian.PutUint32(buf[offEntrySize:], e.Size)
	binary.LittleEndian.PutUint32(buf[offEntryCRC:], crc32.Checksum(buf[:offEntryCRC], crcTable))
}

// decodeEntry parses buf[:EntrySize]. The checksum must match.
func decodeEntry(buf []byte) (Entry, error) {
	if got, want := binary.LittleEndian.Uint32(buf[offEntryCRC:]), crc32.Checksum(buf[:offEntryCRC], crcTable); got != want {
		return Entry{}, fmt.Errorf("lba entry checksum 0x%08x, want 0x%08x: %w", got, want, errs.ErrCorrupt)
	}

	e := Entry{
		BlockID: binary.LittleEndian.Uint64(buf[offEntryBlockID:]),
		Recency: binary.LittleEndian.Uint64(buf[offEntryRecency:]),
		Offset:  FlaggedOffset(int64(binary.LittleEndian.Uint64(buf[offEntryOffset:]))),
		Size:    binary.LittleEndian.Uint32(buf[offEntrySize:]),
	}

	if e.Offset < NoOffset {
		return Entry{}, fmt.Errorf("lba entry for block %d has offset %d: %w", e.BlockID, e.Offset, errs.ErrCorrupt)
	}

	return e, nil
}
