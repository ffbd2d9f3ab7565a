// Package dbm is the data block manager: it packs block payloads into data
// extents and decides when a data extent holds nothing live anymore.
//
// Each block carries two liveness bits. The index bit is set while the LBA
// index points at the block; the token bit is set while any block token
// references it. A block with both bits clear is garbage. A sealed extent
// without live blocks is handed back to the extent manager, through the
// caller's extent transaction when the last index bit was cleared in one.
//
// All methods except the read paths require the serializer mutex the
// manager was built with.
package dbm

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/calvinalkan/logstore/internal/errs"
	"github.com/calvinalkan/logstore/internal/extent"
	"github.com/calvinalkan/logstore/internal/token"
	"github.com/calvinalkan/logstore/pkg/fs"
)

type block struct {
	size  uint32
	index bool
	token bool
}

type dataExtent struct {
	offset    int64
	ref       *extent.Ref
	blocks    map[int64]*block
	indexLive int64
	sealed    bool
}

// Options configures a [Manager].
type Options struct {
	Logger *slog.Logger

	// GCHighRatio is the garbage ratio above which a sealed extent is
	// compacted.
	GCHighRatio float64

	// GCLowRatio is the overall garbage ratio below which compaction stops.
	GCLowRatio float64
}

// Manager is the data block manager.
type Manager struct {
	mu         *sync.Mutex
	file       fs.File
	em         *extent.Manager
	tokens     *token.Registry
	extentSize int64
	log        *slog.Logger

	extents map[int64]*dataExtent
	active  *dataExtent
	fill    int64

	pending []*extent.Ref

	reconstructing bool

	gcHigh    float64
	gcLow     float64
	gcEnabled bool
	gcActive  bool
	gcs       int

	reads singleflight.Group
}

var _ token.Listener = (*Manager)(nil)

// New returns a manager with no data extents.
func New(mu *sync.Mutex, file fs.File, em *extent.Manager, tokens *token.Registry, opts Options) *Manager {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	return &Manager{
		mu:         mu,
		file:       file,
		em:         em,
		tokens:     tokens,
		extentSize: em.ExtentSize(),
		log:        log,
		extents:    make(map[int64]*dataExtent),
		gcHigh:     opts.GCHighRatio,
		gcLow:      opts.GCLowRatio,
	}
}

func (m *Manager) extentOf(offset int64) int64 { return offset - offset%m.extentSize }

func (m *Manager) blockAt(offset int64, op string) (*dataExtent, *block) {
	de := m.extents[m.extentOf(offset)]
	if de == nil {
		panic(fmt.Sprintf("dbm: %s of offset %d in unknown extent", op, offset))
	}

	b := de.blocks[offset]
	if b == nil {
		panic(fmt.Sprintf("dbm: %s of unknown block at %d", op, offset))
	}

	return de, b
}

// MarkLive sets the index bit of the block at offset.
//
// During reconstruction the block becomes known here; otherwise it must
// have been written through [Manager.ManyWrites].
func (m *Manager) MarkLive(offset int64, size uint32) {
	if m.reconstructing {
		m.reconstructLive(offset, size)

		return
	}

	de, b := m.blockAt(offset, "mark live")
	if b.size != size {
		panic(fmt.Sprintf("dbm: mark live of block at %d with size %d, recorded %d", offset, size, b.size))
	}

	if !b.index {
		b.index = true
		de.indexLive += int64(b.size)
	}
}

// MarkGarbage clears the index bit of the block at offset. If that frees
// the block's extent, the extent reference goes into txn.
func (m *Manager) MarkGarbage(offset int64, txn *extent.Txn) {
	de, b := m.blockAt(offset, "mark garbage")
	if !b.index {
		panic(fmt.Sprintf("dbm: mark garbage of block at %d which is not index live", offset))
	}

	b.index = false
	de.indexLive -= int64(b.size)
	m.maybeFree(de, offset, b, txn)
}

// MarkLiveTokenwise sets the token bit. Called by the token registry.
func (m *Manager) MarkLiveTokenwise(offset int64) {
	_, b := m.blockAt(offset, "mark live tokenwise")
	b.token = true
}

// MarkGarbageTokenwise clears the token bit. Called by the token registry.
func (m *Manager) MarkGarbageTokenwise(offset int64) {
	de, b := m.blockAt(offset, "mark garbage tokenwise")
	b.token = false
	m.maybeFree(de, offset, b, nil)
}

func (m *Manager) maybeFree(de *dataExtent, offset int64, b *block, txn *extent.Txn) {
	if b.index || b.token {
		return
	}

	delete(de.blocks, offset)

	if de.sealed && len(de.blocks) == 0 {
		m.releaseExtent(de, txn)
	}
}

// releaseExtent returns an empty sealed extent. Without a transaction the
// reference waits for the next one.
func (m *Manager) releaseExtent(de *dataExtent, txn *extent.Txn) {
	delete(m.extents, de.offset)

	if txn != nil {
		txn.Push(de.ref)
	} else {
		m.pending = append(m.pending, de.ref)
	}

	m.log.Debug("data extent emptied", slog.Int64("extent", de.offset), slog.Bool("deferred", txn == nil))
}

// DrainPending moves extents emptied outside a transaction into txn.
func (m *Manager) DrainPending(txn *extent.Txn) {
	for _, ref := range m.pending {
		txn.Push(ref)
	}

	m.pending = nil
}

// IsLive reports the two liveness bits of the block at offset.
func (m *Manager) IsLive(offset int64) (index, token bool) {
	de := m.extents[m.extentOf(offset)]
	if de == nil {
		return false, false
	}

	b := de.blocks[offset]
	if b == nil {
		return false, false
	}

	return b.index, b.token
}

// sealActive retires the active extent. An active extent without blocks is
// released right away.
func (m *Manager) sealActive() {
	if m.active == nil {
		return
	}

	de := m.active
	m.active = nil
	m.fill = 0
	de.sealed = true

	if len(de.blocks) == 0 {
		m.releaseExtent(de, nil)
	}
}

// allocate reserves space for a block of size bytes and returns its offset.
func (m *Manager) allocate(size uint32) (int64, error) {
	need := alignUp(int64(size))
	if need > m.extentSize {
		return 0, fmt.Errorf("block of %d bytes exceeds extent size %d: %w", size, m.extentSize, errs.ErrBlockTooLarge)
	}

	if m.active != nil && m.fill+need > m.extentSize {
		m.sealActive()
	}

	if m.active == nil {
		ref, err := m.em.GenExtent()
		if err != nil {
			return 0, fmt.Errorf("allocating data extent: %w", err)
		}

		m.active = &dataExtent{offset: ref.Offset(), ref: ref, blocks: make(map[int64]*block)}
		m.extents[ref.Offset()] = m.active
		m.fill = 0
	}

	offset := m.active.offset + m.fill
	m.fill += need
	m.active.blocks[offset] = &block{size: size}

	return offset, nil
}

// StartReconstruct enters replay mode. [Manager.MarkLive] then registers
// every block the index references.
func (m *Manager) StartReconstruct() { m.reconstructing = true }

func (m *Manager) reconstructLive(offset int64, size uint32) {
	base := m.extentOf(offset)

	de := m.extents[base]
	if de == nil {
		de = &dataExtent{offset: base, blocks: make(map[int64]*block), sealed: true}
		m.extents[base] = de
	}

	if _, dup := de.blocks[offset]; dup {
		panic(fmt.Sprintf("dbm: two index entries point at offset %d", offset))
	}

	de.blocks[offset] = &block{size: size, index: true}
	de.indexLive += int64(size)
}

// EndReconstruct reserves every extent holding a live block plus the active
// extent named by mixin.
func (m *Manager) EndReconstruct(mixin Mixin) error {
	m.reconstructing = false

	if mixin.ActiveOffset >= 0 {
		de := m.extents[mixin.ActiveOffset]
		if de == nil {
			de = &dataExtent{offset: mixin.ActiveOffset, blocks: make(map[int64]*block)}
			m.extents[mixin.ActiveOffset] = de
		}

		if int64(mixin.Fill) > m.extentSize {
			return fmt.Errorf("active data extent fill %d exceeds extent size: %w", mixin.Fill, errs.ErrCorrupt)
		}

		de.sealed = false
		m.active = de
		m.fill = int64(mixin.Fill)
	}

	for off, de := range m.extents {
		if de.offset != m.extentOf(de.offset) {
			return fmt.Errorf("data extent offset %d not aligned: %w", de.offset, errs.ErrCorrupt)
		}

		for boff, b := range de.blocks {
			end := boff + int64(b.size)
			if end > off+m.extentSize || (de == m.active && end > off+m.fill) {
				return fmt.Errorf("block at %d of size %d lies outside its extent: %w", boff, b.size, errs.ErrCorrupt)
			}
		}

		ref, err := m.em.ReserveExtent(off)
		if err != nil {
			return fmt.Errorf("reserving data extent: %w", err)
		}

		de.ref = ref
	}

	m.log.Debug("data blocks reconstructed", slog.Int("extents", len(m.extents)))

	return nil
}

// Counts summarizes the manager state.
type Counts struct {
	Extents   int
	Blocks    int
	LiveBytes int64
	GCs       int
}

// Counts returns the current summary.
func (m *Manager) Counts() Counts {
	c := Counts{Extents: len(m.extents), GCs: m.gcs}

	for _, de := range m.extents {
		c.Blocks += len(de.blocks)
		c.LiveBytes += de.indexLive
	}

	return c
}

// HasPending reports whether extents emptied outside a transaction wait for
// the next one.
func (m *Manager) HasPending() bool { return len(m.pending) > 0 }

// Shutdown stops compaction. Extents still pending stay allocated: the last
// durable metablock may name one of them, so they go back only through a
// transaction.
func (m *Manager) Shutdown() {
	m.gcEnabled = false
	m.pending = nil
}

// MixinSize is the encoded size of a [Mixin].
const MixinSize = 16

// Mixin is the data block manager's part of the metablock.
type Mixin struct {
	ActiveOffset int64 // -1 without an active extent
	Fill         uint64
}

// PrepareMixin captures the active extent position.
func (m *Manager) PrepareMixin() Mixin {
	if m.active == nil {
		return Mixin{ActiveOffset: -1}
	}

	return Mixin{ActiveOffset: m.active.offset, Fill: uint64(m.fill)}
}

// Encode writes the mixin into buf[:MixinSize].
func (x Mixin) Encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:], uint64(x.ActiveOffset))
	binary.LittleEndian.PutUint64(buf[8:], x.Fill)
}

// DecodeMixin reads a mixin from buf[:MixinSize].
func DecodeMixin(buf []byte) Mixin {
	return Mixin{
		ActiveOffset: int64(binary.LittleEndian.Uint64(buf[0:])),
		Fill:         binary.LittleEndian.Uint64(buf[8:]),
	}
}
