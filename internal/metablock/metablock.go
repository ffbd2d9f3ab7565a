// Package metablock maintains the ring of versioned, checksummed root
// records stored in the first extent of a store file.
//
// Slot i lives at byte Size*(i+1); the first Size bytes belong to the static
// header. Every commit writes the next slot with a higher version, so
// recovery picks the valid slot with the highest version.
package metablock

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/calvinalkan/logstore/internal/errs"
	"github.com/calvinalkan/logstore/pkg/fs"
)

const (
	// Size is the size of one metablock slot and of the static header.
	Size = 4096

	// MaxSlots caps how many Size-sized regions of extent 0 are used.
	MaxSlots = 256

	// StartVersion is the version of the metablock written by [Create].
	StartVersion uint64 = 1

	// PayloadSize is the number of payload bytes carried per slot.
	PayloadSize = Size - offPayload - crcSize
)

// Slot field offsets.
const (
	offFormat   = 0  // uint32
	offMagic    = 4  // [8]byte
	offReserved = 12 // uint32
	offVersion  = 16 // uint64
	offPayload  = 24
	offCRC      = Size - crcSize

	crcSize = 4
)

var magic = [8]byte{'m', 'e', 't', 'a', 'b', 'l', 'c', 'k'}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// SlotCount returns the ring size for the given extent size.
func SlotCount(extentSize int64) int {
	n := extentSize / Size
	if n > MaxSlots {
		n = MaxSlots
	}

	return int(n) - 1
}

func slotOffset(i int) int64 { return Size * int64(i+1) }

// Encode builds one slot image into buf[:Size].
func Encode(buf []byte, format uint32, version uint64, payload []byte) {
	if len(payload) > PayloadSize {
		panic(fmt.Sprintf("metablock: payload of %d bytes exceeds %d", len(payload), PayloadSize))
	}

	clear(buf[:Size])
	binary.LittleEndian.PutUint32(buf[offFormat:], format)
	copy(buf[offMagic:offMagic+8], magic[:])
	binary.LittleEndian.PutUint32(buf[offReserved:], 0)
	binary.LittleEndian.PutUint64(buf[offVersion:], version)
	copy(buf[offPayload:], payload)
	binary.LittleEndian.PutUint32(buf[offCRC:], crc32.Checksum(buf[:offCRC], crcTable))
}

// Slot is a decoded metablock.
type Slot struct {
	Format  uint32
	Version uint64
	Payload []byte
}

// Decode validates buf[:Size] and returns its contents. ok is false when the
// checksum or magic does not match.
func Decode(buf []byte) (Slot, bool) {
	if len(buf) < Size {
		return Slot{}, false
	}

	if binary.LittleEndian.Uint32(buf[offCRC:]) != crc32.Checksum(buf[:offCRC], crcTable) {
		return Slot{}, false
	}

	if [8]byte(buf[offMagic:offMagic+8]) != magic {
		return Slot{}, false
	}

	payload := make([]byte, PayloadSize)
	copy(payload, buf[offPayload:offCRC])

	return Slot{
		Format:  binary.LittleEndian.Uint32(buf[offFormat:]),
		Version: binary.LittleEndian.Uint64(buf[offVersion:]),
		Payload: payload,
	}, true
}

// Manager writes metablocks into the ring. WriteMetablock is safe for
// concurrent use; physical writes are serialized by an internal mutex.
type Manager struct {
	file  fs.File
	slots int
	log   *slog.Logger

	format atomic.Uint32

	mu     sync.Mutex
	cursor int
	next   uint64
	buf    []byte
}

func newManager(file fs.File, extentSize int64, log *slog.Logger) (*Manager, error) {
	slots := SlotCount(extentSize)
	if slots < 1 {
		return nil, fmt.Errorf("extent size %d leaves no metablock slots: %w", extentSize, errs.ErrInvalidInput)
	}

	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	return &Manager{
		file:  file,
		slots: slots,
		log:   log,
		buf:   make([]byte, Size),
	}, nil
}

// Create zero-fills the ring and writes payload into slot 0 with
// [StartVersion]. The slot is durable when Create returns.
func Create(file fs.File, extentSize int64, format uint32, payload []byte, log *slog.Logger) (*Manager, error) {
	m, err := newManager(file, extentSize, log)
	if err != nil {
		return nil, err
	}

	if _, err := file.WriteAt(make([]byte, m.slots*Size), slotOffset(0)); err != nil {
		return nil, fmt.Errorf("zeroing metablock ring: %w", err)
	}

	m.format.Store(format)
	m.next = StartVersion

	if _, err := m.WriteMetablock(payload); err != nil {
		return nil, err
	}

	return m, nil
}

// Recovered describes the metablock chosen at startup.
type Recovered struct {
	Slot
	Index int
}

// StartExisting scans the ring and returns the valid slot with the highest
// version. It returns [errs.ErrNoMetablock] when no slot validates.
//
// The next write goes to the slot after the winner.
func StartExisting(file fs.File, extentSize int64, log *slog.Logger) (*Manager, Recovered, error) {
	m, err := newManager(file, extentSize, log)
	if err != nil {
		return nil, Recovered{}, err
	}

	ring := make([]byte, m.slots*Size)

	n, err := file.ReadAt(ring, slotOffset(0))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, Recovered{}, fmt.Errorf("reading metablock ring: %w", err)
	}

	clear(ring[n:])

	best := Recovered{Index: -1}

	for i := range m.slots {
		slot, ok := Decode(ring[i*Size : (i+1)*Size])
		if !ok {
			m.log.Debug("metablock slot skipped", slog.Int("slot", i))

			continue
		}

		if best.Index < 0 || slot.Version > best.Version {
			best = Recovered{Slot: slot, Index: i}
		}
	}

	if best.Index < 0 {
		return nil, Recovered{}, fmt.Errorf("scanned %d slots: %w", m.slots, errs.ErrNoMetablock)
	}

	m.cursor = (best.Index + 1) % m.slots
	m.next = best.Version + 1
	m.format.Store(best.Format)

	m.log.Info("metablock recovered",
		slog.Int("slot", best.Index),
		slog.Uint64("version", best.Version))

	return m, best, nil
}

// SetFormat changes the disk format version stamped into later slots.
func (m *Manager) SetFormat(format uint32) { m.format.Store(format) }

// Slots returns the ring size.
func (m *Manager) Slots() int { return m.slots }

// NextVersion returns the version the next write will carry.
func (m *Manager) NextVersion() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.next
}

// WriteMetablock stamps payload with the next version, writes it to the
// cursor slot and syncs the file. It returns the version written.
//
// A failed write still consumes the version and slot.
func (m *Manager) WriteMetablock(payload []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	version := m.next
	slot := m.cursor

	m.next++
	m.cursor = (m.cursor + 1) % m.slots

	Encode(m.buf, m.format.Load(), version, payload)

	if _, err := m.file.WriteAt(m.buf, slotOffset(slot)); err != nil {
		return 0, fmt.Errorf("writing metablock %d to slot %d: %w", version, slot, err)
	}

	if err := m.file.Sync(); err != nil {
		return 0, fmt.Errorf("syncing metablock %d: %w", version, err)
	}

	return version, nil
}
