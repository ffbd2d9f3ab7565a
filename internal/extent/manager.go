// Package extent owns the allocation state of the fixed-size extents that
// make up a store file.
//
// Every extent is unreserved, in use or free. In-use extents carry a
// reference count; references are handed out as [*Ref] values and returned
// with [Manager.ReleaseExtent]. A [Txn] collects references whose release
// must wait until a metablock naming their obsolescence is durable.
//
// Manager is not safe for concurrent use. The serializer calls it with its
// own mutex held.
package extent

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/calvinalkan/logstore/internal/errs"
	"github.com/calvinalkan/logstore/pkg/fs"
)

type state uint8

const (
	stateUnreserved state = iota
	stateInUse
	stateFree
)

func (s state) String() string {
	switch s {
	case stateUnreserved:
		return "unreserved"
	case stateInUse:
		return "in_use"
	case stateFree:
		return "free"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

type slot struct {
	state state
	refs  uint32
}

// Observer is notified about extent lifecycle transitions.
type Observer interface {
	ExtentAllocated(offset int64)
	ExtentFreed(offset int64)
}

// Options configures a [Manager].
type Options struct {
	// Logger receives shrink and growth events. Nil discards.
	Logger *slog.Logger

	// Observer is optional.
	Observer Observer
}

// Manager tracks the state of every extent in one file.
type Manager struct {
	file       fs.File
	extentSize int64

	slots     []slot
	free      freeList
	freeCount int

	reconstructed bool

	log      *slog.Logger
	observer Observer
}

// Ref is one unit of an in-use extent's reference count.
//
// A Ref must be released exactly once, either directly through
// [Manager.ReleaseExtent] or by handing it to a [Txn]. Duplicate it with
// [Manager.CopyExtentReference], never by copying the struct.
type Ref struct {
	m      *Manager
	offset int64
}

// Offset returns the byte offset of the referenced extent.
func (r *Ref) Offset() int64 { return r.offset }

// NewManager returns a manager for a file currently fileSize bytes long.
//
// All extents covered by fileSize start out unreserved. During startup the
// caller reserves every extent the durable state references and then calls
// [Manager.ReconstructFreeList]. A new store passes fileSize 0 and calls
// ReconstructFreeList right away.
func NewManager(file fs.File, extentSize int64, fileSize int64, opts Options) (*Manager, error) {
	if extentSize <= 0 {
		return nil, fmt.Errorf("extent size %d must be positive: %w", extentSize, errs.ErrInvalidInput)
	}

	if fileSize < 0 {
		return nil, fmt.Errorf("file size %d is negative: %w", fileSize, errs.ErrInvalidInput)
	}

	count := int((fileSize + extentSize - 1) / extentSize)

	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	return &Manager{
		file:       file,
		extentSize: extentSize,
		slots:      make([]slot, count),
		log:        log,
		observer:   opts.Observer,
	}, nil
}

// ExtentSize returns the configured extent size in bytes.
func (m *Manager) ExtentSize() int64 { return m.extentSize }

// ExtentCount returns the number of extents the file currently spans.
func (m *Manager) ExtentCount() int { return len(m.slots) }

// ReserveExtent claims the extent at offset during recovery.
//
// It returns [errs.ErrCorrupt] if offset is not an extent boundary inside the
// file. Reserving an extent twice, or after [Manager.ReconstructFreeList],
// panics.
func (m *Manager) ReserveExtent(offset int64) (*Ref, error) {
	if m.reconstructed {
		panic(fmt.Sprintf("extent: reserve of %d after free list reconstruction", offset))
	}

	id, err := m.idOf(offset)
	if err != nil {
		return nil, err
	}

	if m.slots[id].state != stateUnreserved {
		panic(fmt.Sprintf("extent: reserve of %d in state %s", offset, m.slots[id].state))
	}

	m.slots[id] = slot{state: stateInUse, refs: 1}

	return &Ref{m: m, offset: offset}, nil
}

// ReconstructFreeList marks every extent left unreserved as free.
//
// Called once at the end of startup. Shrinking of a free tail is enabled
// afterwards.
func (m *Manager) ReconstructFreeList() {
	if m.reconstructed {
		panic("extent: free list reconstructed twice")
	}

	m.reconstructed = true

	ids := make([]int, 0)

	for id := range m.slots {
		if m.slots[id].state == stateUnreserved {
			m.slots[id].state = stateFree
			ids = append(ids, id)
		}
	}

	m.free.rebuild(ids)
	m.freeCount = len(ids)

	m.log.Debug("extent free list reconstructed",
		slog.Int("extents", len(m.slots)),
		slog.Int("free", m.freeCount))

	m.shrink()
}

// GenExtent allocates an extent.
//
// The lowest free extent is reused. When none exists, when the lowest free
// id lies past the end of the file, the file grows by one extent. The only
// error is a failed grow.
func (m *Manager) GenExtent() (*Ref, error) {
	if !m.reconstructed {
		panic("extent: gen before free list reconstruction")
	}

	for m.free.Len() > 0 {
		if m.free.peek() >= len(m.slots) {
			// Every remaining id is stale.
			m.free.rebuild(nil)

			break
		}

		id := m.free.pop()
		if m.slots[id].state != stateFree {
			continue
		}

		m.freeCount--
		m.slots[id] = slot{state: stateInUse, refs: 1}

		return m.allocated(id), nil
	}

	id := len(m.slots)
	newSize := int64(id+1) * m.extentSize

	if err := m.file.Truncate(newSize); err != nil {
		return nil, fmt.Errorf("growing file to %d bytes: %w", newSize, err)
	}

	m.slots = append(m.slots, slot{state: stateInUse, refs: 1})

	return m.allocated(id), nil
}

func (m *Manager) allocated(id int) *Ref {
	offset := int64(id) * m.extentSize

	if m.observer != nil {
		m.observer.ExtentAllocated(offset)
	}

	return &Ref{m: m, offset: offset}
}

// CopyExtentReference duplicates ref by incrementing the refcount.
func (m *Manager) CopyExtentReference(ref *Ref) *Ref {
	id := m.mustLive(ref, "copy")
	m.slots[id].refs++

	return &Ref{m: m, offset: ref.offset}
}

// ReleaseExtent gives up ref. When the last reference goes away the extent
// becomes free and a free tail of the file is truncated away.
//
// Releasing the same Ref twice panics.
func (m *Manager) ReleaseExtent(ref *Ref) {
	id := m.mustLive(ref, "release")
	ref.m = nil

	m.slots[id].refs--
	if m.slots[id].refs > 0 {
		return
	}

	m.slots[id].state = stateFree
	m.free.push(id)
	m.freeCount++

	if m.observer != nil {
		m.observer.ExtentFreed(ref.offset)
	}

	m.shrink()
}

// shrink truncates trailing free extents off the file.
func (m *Manager) shrink() {
	if !m.reconstructed {
		return
	}

	n := len(m.slots)
	for n > 0 && m.slots[n-1].state == stateFree {
		n--
	}

	if n == len(m.slots) {
		return
	}

	newSize := int64(n) * m.extentSize

	if err := m.file.Truncate(newSize); err != nil {
		// The extents stay free and the file keeps its size.
		m.log.Warn("extent shrink failed",
			slog.Int64("size", newSize),
			slog.String("error", err.Error()))

		return
	}

	m.log.Debug("extent file shrunk",
		slog.Int("from", len(m.slots)),
		slog.Int("to", n))

	m.freeCount -= len(m.slots) - n
	m.slots = m.slots[:n]

	if m.free.Len() > 2*m.freeCount+16 {
		m.rebuildFreeList()
	}
}

func (m *Manager) rebuildFreeList() {
	ids := make([]int, 0, m.freeCount)

	for id := range m.slots {
		if m.slots[id].state == stateFree {
			ids = append(ids, id)
		}
	}

	m.free.rebuild(ids)
}

func (m *Manager) mustLive(ref *Ref, op string) int {
	if ref == nil || ref.m == nil {
		panic(fmt.Sprintf("extent: %s of a released reference", op))
	}

	if ref.m != m {
		panic(fmt.Sprintf("extent: %s of a reference owned by another manager", op))
	}

	id := int(ref.offset / m.extentSize)
	if id >= len(m.slots) || m.slots[id].state != stateInUse || m.slots[id].refs == 0 {
		panic(fmt.Sprintf("extent: %s of extent %d which is not in use", op, ref.offset))
	}

	return id
}

func (m *Manager) idOf(offset int64) (int, error) {
	if offset < 0 || offset%m.extentSize != 0 {
		return 0, fmt.Errorf("extent offset %d is not aligned to %d: %w", offset, m.extentSize, errs.ErrCorrupt)
	}

	id := offset / m.extentSize
	if id >= int64(len(m.slots)) {
		return 0, fmt.Errorf("extent offset %d is past the end of the file (%d extents): %w", offset, len(m.slots), errs.ErrCorrupt)
	}

	return int(id), nil
}

// Refcount returns the number of live references to the extent at offset.
func (m *Manager) Refcount(offset int64) uint32 {
	id, err := m.idOf(offset)
	if err != nil {
		return 0
	}

	return m.slots[id].refs
}

// IsFree reports whether the extent at offset is free.
func (m *Manager) IsFree(offset int64) bool {
	id, err := m.idOf(offset)
	if err != nil {
		return false
	}

	return m.slots[id].state == stateFree
}

// Counts summarizes the manager state.
type Counts struct {
	Extents    int
	InUse      int
	Free       int
	Unreserved int
}

// Counts returns how many extents are in each state.
func (m *Manager) Counts() Counts {
	c := Counts{Extents: len(m.slots)}

	for _, s := range m.slots {
		switch s.state {
		case stateInUse:
			c.InUse++
		case stateFree:
			c.Free++
		case stateUnreserved:
			c.Unreserved++
		}
	}

	return c
}

// CheckInvariants verifies the refcount/state relation of every extent and
// that no extent lies past the end of the file.
func (m *Manager) CheckInvariants() error {
	free := 0

	for id, s := range m.slots {
		switch s.state {
		case stateInUse:
			if s.refs == 0 {
				return fmt.Errorf("extent %d in use with zero refs", int64(id)*m.extentSize)
			}
		case stateFree, stateUnreserved:
			if s.refs != 0 {
				return fmt.Errorf("extent %d %s with %d refs", int64(id)*m.extentSize, s.state, s.refs)
			}

			if s.state == stateFree {
				free++
			}
		}
	}

	if free != m.freeCount {
		return fmt.Errorf("free count %d, want %d", m.freeCount, free)
	}

	info, err := m.file.Stat()
	if err != nil {
		return fmt.Errorf("stat: %w", err)
	}

	if want := int64(len(m.slots)) * m.extentSize; info.Size() < want {
		return fmt.Errorf("file size %d is smaller than %d extents", info.Size(), len(m.slots))
	}

	return nil
}

// MixinSize is the encoded size of a [Mixin].
const MixinSize = 8

// Mixin is the extent manager's part of the metablock.
type Mixin struct {
	// ExtentCount is the number of extents the file spanned at commit time.
	ExtentCount uint64
}

// PrepareMixin captures the current state for the next metablock.
func (m *Manager) PrepareMixin() Mixin {
	return Mixin{ExtentCount: uint64(len(m.slots))}
}

// Encode writes the mixin into buf[:MixinSize].
func (x Mixin) Encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], x.ExtentCount)
}

// DecodeMixin reads a mixin from buf[:MixinSize].
func DecodeMixin(buf []byte) Mixin {
	return Mixin{ExtentCount: binary.LittleEndian.Uint64(buf[0:8])}
}
