// Package lba maps logical block ids to their current physical location.
//
// The in-memory index is authoritative. Changes are recorded in two places:
// a small inline array that travels inside every metablock, and per-shard
// append-only LBA extents. When the inline array is full its entries are
// appended to their shard's active extent. Full extents are sealed and
// listed in the shard's superblock extent. A shard whose on-disk entries are
// mostly stale is rewritten from the in-memory index and its old extents are
// released through the caller's extent transaction.
//
// Index is not safe for concurrent use.
package lba

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/calvinalkan/logstore/internal/extent"
	"github.com/calvinalkan/logstore/pkg/fs"
)

// gcLiveRatio is the live/on-disk ratio below which a shard is collected.
const gcLiveRatio = 0.5

var errShardFull = errors.New("lba shard superblock is full")

type diskExtent struct {
	ref   *extent.Ref
	count int
}

type pendingWrite struct {
	off  int64
	data []byte
}

type shard struct {
	id      int
	entries map[uint64]Entry

	super  *diskExtent
	sealed []diskExtent
	active *diskExtent
	ondisk int

	pending []pendingWrite
}

func newShard(id int) *shard {
	return &shard{id: id, entries: make(map[uint64]Entry)}
}

func (s *shard) queue(off int64, data []byte) {
	s.pending = append(s.pending, pendingWrite{off: off, data: data})
}

func (s *shard) refs() []*extent.Ref {
	var refs []*extent.Ref

	if s.super != nil {
		refs = append(refs, s.super.ref)
	}

	for _, d := range s.sealed {
		refs = append(refs, d.ref)
	}

	if s.active != nil {
		refs = append(refs, s.active.ref)
	}

	return refs
}

// Index is the logical block address index.
type Index struct {
	em         *extent.Manager
	file       fs.File
	extentSize int64
	perExtent  int
	perSuper   int
	log        *slog.Logger

	shards     [ShardFactor]*shard
	inline     []Entry
	maxBlockID uint64
	gcs        int
}

// New returns an empty index that allocates its extents from em.
func New(em *extent.Manager, file fs.File, log *slog.Logger) *Index {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	ix := &Index{
		em:         em,
		file:       file,
		extentSize: em.ExtentSize(),
		perExtent:  int((em.ExtentSize() - headerSize) / EntrySize),
		perSuper:   int((em.ExtentSize() - headerSize) / recordSize),
		log:        log,
		inline:     make([]Entry, 0, NumInlineEntries),
	}

	for i := range ix.shards {
		ix.shards[i] = newShard(i)
	}

	return ix
}

// Get returns the current entry for blockID. Deleted and never-written
// blocks report false.
func (ix *Index) Get(blockID uint64) (Entry, bool) {
	e, ok := ix.shards[shardOf(blockID)].entries[blockID]

	return e, ok
}

// Len returns the number of live blocks.
func (ix *Index) Len() int {
	n := 0
	for _, s := range ix.shards {
		n += len(s.entries)
	}

	return n
}

// MaxBlockID returns one past the highest block id the index has seen.
func (ix *Index) MaxBlockID() uint64 { return ix.maxBlockID }

// Entries returns every live entry ordered by block id.
func (ix *Index) Entries() []Entry {
	out := make([]Entry, 0, ix.Len())
	for _, s := range ix.shards {
		for _, e := range s.entries {
			out = append(out, e)
		}
	}

	slices.SortFunc(out, func(a, b Entry) int { return cmp.Compare(a.BlockID, b.BlockID) })

	return out
}

// ExtentCount returns the number of extents the index holds on disk.
func (ix *Index) ExtentCount() int {
	n := 0
	for _, s := range ix.shards {
		n += len(s.refs())
	}

	return n
}

// GCs returns how many shard collections ran.
func (ix *Index) GCs() int { return ix.gcs }

// SetBlockInfo records e as the current entry for e.BlockID. An entry
// without offset deletes the block.
//
// The change is durable only after [Index.Sync] and a metablock write.
// Extents obsoleted on the way are pushed into txn.
func (ix *Index) SetBlockInfo(e Entry, txn *extent.Txn) error {
	if e.BlockID >= ix.maxBlockID {
		ix.maxBlockID = e.BlockID + 1
	}

	i := slices.IndexFunc(ix.inline, func(x Entry) bool { return x.BlockID == e.BlockID })

	if i < 0 && len(ix.inline) == NumInlineEntries {
		if err := ix.flushInline(txn); err != nil {
			return err
		}
	}

	s := ix.shards[shardOf(e.BlockID)]
	if e.Offset.HasValue() {
		s.entries[e.BlockID] = e
	} else {
		delete(s.entries, e.BlockID)
	}

	if i >= 0 {
		ix.inline[i] = e
	} else {
		ix.inline = append(ix.inline, e)
	}

	return nil
}

// flushInline appends every inline entry to its shard's active extent.
func (ix *Index) flushInline(txn *extent.Txn) error {
	for _, e := range ix.inline {
		if err := ix.appendEntry(ix.shards[shardOf(e.BlockID)], e, txn, true); err != nil {
			return fmt.Errorf("flushing inline entries: %w", err)
		}
	}

	ix.inline = ix.inline[:0]

	return nil
}

func (ix *Index) appendEntry(s *shard, e Entry, txn *extent.Txn, mayCollect bool) error {
	if s.active != nil && s.active.count == ix.perExtent {
		err := ix.seal(s)
		if errors.Is(err, errShardFull) && mayCollect {
			// Collecting rewrites the shard, which covers e if it is current.
			if err := ix.collect(s, txn); err != nil {
				return err
			}

			return ix.appendEntry(s, e, txn, false)
		}

		if err != nil {
			return err
		}
	}

	if s.active == nil {
		ref, err := ix.em.GenExtent()
		if err != nil {
			return fmt.Errorf("allocating lba extent for shard %d: %w", s.id, err)
		}

		s.active = &diskExtent{ref: ref}
		s.queue(ref.Offset(), encodeHeader(magicExtent, s.id))
	}

	buf := make([]byte, EntrySize)
	encodeEntry(buf, e)
	s.queue(s.active.ref.Offset()+headerSize+int64(s.active.count)*EntrySize, buf)

	s.active.count++
	s.ondisk++

	return nil
}

// seal moves the full active extent into the superblock.
func (ix *Index) seal(s *shard) error {
	if s.super != nil && s.super.count == ix.perSuper {
		return fmt.Errorf("shard %d: %w", s.id, errShardFull)
	}

	if s.super == nil {
		ref, err := ix.em.GenExtent()
		if err != nil {
			return fmt.Errorf("allocating lba superblock for shard %d: %w", s.id, err)
		}

		s.super = &diskExtent{ref: ref}
		s.queue(ref.Offset(), encodeHeader(magicSuper, s.id))
	}

	buf := make([]byte, recordSize)
	encodeRecord(buf, record{offset: s.active.ref.Offset(), count: uint32(s.active.count)})
	s.queue(s.super.ref.Offset()+headerSize+int64(s.super.count)*recordSize, buf)

	s.super.count++
	s.sealed = append(s.sealed, *s.active)
	s.active = nil

	return nil
}

func (ix *Index) wantGC(s *shard) bool {
	if s.ondisk <= ix.perExtent {
		return false
	}

	return float64(len(s.entries))/float64(s.ondisk) < gcLiveRatio
}

// ConsiderGC collects every shard whose on-disk entries are mostly stale and
// returns how many shards were collected.
func (ix *Index) ConsiderGC(txn *extent.Txn) (int, error) {
	n := 0

	for _, s := range ix.shards {
		if !ix.wantGC(s) {
			continue
		}

		if err := ix.collect(s, txn); err != nil {
			return n, err
		}

		n++
	}

	return n, nil
}

// collect rewrites shard s from the in-memory index into fresh extents.
func (ix *Index) collect(s *shard, txn *extent.Txn) error {
	old := s.refs()
	ondisk := s.ondisk

	s.super, s.sealed, s.active, s.ondisk = nil, nil, nil, 0
	// Pending writes target the old extents only.
	s.pending = nil

	for _, id := range slices.Sorted(maps.Keys(s.entries)) {
		if err := ix.appendEntry(s, s.entries[id], txn, false); err != nil {
			return fmt.Errorf("collecting shard %d: %w", s.id, err)
		}
	}

	for _, ref := range old {
		txn.Push(ref)
	}

	ix.gcs++

	ix.log.Debug("lba shard collected",
		slog.Int("shard", s.id),
		slog.Int("live", len(s.entries)),
		slog.Int("ondisk", ondisk),
		slog.Int("released", len(old)))

	return nil
}

// Sync writes every pending change and syncs the file. Data blocks written
// earlier to the same file become durable with it.
func (ix *Index) Sync() error {
	var writes []pendingWrite
	for _, s := range ix.shards {
		writes = append(writes, s.pending...)
	}

	slices.SortFunc(writes, func(a, b pendingWrite) int { return cmp.Compare(a.off, b.off) })

	for i := 0; i < len(writes); {
		off := writes[i].off
		buf := writes[i].data

		j := i + 1
		for j < len(writes) && writes[j].off == off+int64(len(buf)) {
			buf = append(buf[:len(buf):len(buf)], writes[j].data...)
			j++
		}

		if _, err := ix.file.WriteAt(buf, off); err != nil {
			return fmt.Errorf("writing lba at %d: %w", off, err)
		}

		i = j
	}

	if err := ix.file.Sync(); err != nil {
		return fmt.Errorf("syncing lba: %w", err)
	}

	for _, s := range ix.shards {
		s.pending = nil
	}

	return nil
}

// PrepareMixin captures the state the next metablock must describe. It must
// follow a successful [Index.Sync].
func (ix *Index) PrepareMixin() Mixin {
	m := EmptyMixin()

	for i, s := range ix.shards {
		if len(s.pending) > 0 {
			panic(fmt.Sprintf("lba: mixin prepared with %d unsynced writes in shard %d", len(s.pending), i))
		}

		if s.super != nil {
			m.Shards[i].SuperOffset = s.super.ref.Offset()
			m.Shards[i].SuperCount = uint32(s.super.count)
		}

		if s.active != nil {
			m.Shards[i].ActiveOffset = s.active.ref.Offset()
			m.Shards[i].ActiveCount = uint32(s.active.count)
		}
	}

	m.Inline = slices.Clone(ix.inline)

	return m
}

// Close drops the index without releasing its extents.
func (ix *Index) Close() {
	for i := range ix.shards {
		ix.shards[i] = newShard(i)
	}

	ix.inline = ix.inline[:0]
}
