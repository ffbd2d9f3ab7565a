package lba

import (
	"encoding/binary"
	"fmt"

	"github.com/calvinalkan/logstore/internal/errs"
)

// ShardMixin records where one shard's on-disk structures end.
type ShardMixin struct {
	SuperOffset  int64 // -1 when the shard has no sealed extents
	SuperCount   uint32
	ActiveOffset int64 // -1 when the shard has no active extent
	ActiveCount  uint32
}

// Mixin is the index's part of the metablock.
type Mixin struct {
	Shards [ShardFactor]ShardMixin
	Inline []Entry
}

const (
	shardMixinSize = 32

	// MixinSize is the encoded size of a [Mixin].
	MixinSize = ShardFactor*shardMixinSize + 8 + NumInlineEntries*EntrySize
)

// EmptyMixin describes an index with nothing on disk.
func EmptyMixin() Mixin {
	var m Mixin
	for i := range m.Shards {
		m.Shards[i] = ShardMixin{SuperOffset: -1, ActiveOffset: -1}
	}

	return m
}

// Encode writes the mixin into buf[:MixinSize].
func (m Mixin) Encode(buf []byte) {
	clear(buf[:MixinSize])

	for i, s := range m.Shards {
		b := buf[i*shardMixinSize:]
		binary.LittleEndian.PutUint64(b[0:], uint64(s.SuperOffset))
		binary.LittleEndian.PutUint32(b[8:], s.SuperCount)
		binary.LittleEndian.PutUint64(b[16:], uint64(s.ActiveOffset))
		binary.LittleEndian.PutUint32(b[24:], s.ActiveCount)
	}

	inline := buf[ShardFactor*shardMixinSize:]
	binary.LittleEndian.PutUint32(inline[0:], uint32(len(m.Inline)))

	for i, e := range m.Inline {
		encodeEntry(inline[8+i*EntrySize:], e)
	}
}

// DecodeMixin parses buf[:MixinSize].
func DecodeMixin(buf []byte) (Mixin, error) {
	var m Mixin

	for i := range m.Shards {
		b := buf[i*shardMixinSize:]
		m.Shards[i] = ShardMixin{
			SuperOffset:  int64(binary.LittleEndian.Uint64(b[0:])),
			SuperCount:   binary.LittleEndian.Uint32(b[8:]),
			ActiveOffset: int64(binary.LittleEndian.Uint64(b[16:])),
			ActiveCount:  binary.LittleEndian.Uint32(b[24:]),
		}
	}

	inline := buf[ShardFactor*shardMixinSize:]

	n := binary.LittleEndian.Uint32(inline[0:])
	if n > NumInlineEntries {
		return Mixin{}, fmt.Errorf("lba mixin has %d inline entries: %w", n, errs.ErrCorrupt)
	}

	m.Inline = make([]Entry, 0, n)

	for i := range int(n) {
		e, err := decodeEntry(inline[8+i*EntrySize:])
		if err != nil {
			return Mixin{}, fmt.Errorf("inline entry %d: %w", i, err)
		}

		m.Inline = append(m.Inline, e)
	}

	return m, nil
}
