package dbm

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"

	"golang.org/x/sync/semaphore"

	"github.com/calvinalkan/logstore/internal/errs"
	"github.com/calvinalkan/logstore/internal/extent"
	"github.com/calvinalkan/logstore/internal/token"
)

// IOAccount is a named I/O class with a bound on outstanding operations.
// Callers with different priorities use different accounts so one class
// cannot starve another of slots.
type IOAccount struct {
	name string
	sem  *semaphore.Weighted
}

// NewIOAccount returns an account allowing maxOutstanding concurrent
// operations. Values below 1 are treated as 1.
func NewIOAccount(name string, maxOutstanding int64) *IOAccount {
	if maxOutstanding < 1 {
		maxOutstanding = 1
	}

	return &IOAccount{name: name, sem: semaphore.NewWeighted(maxOutstanding)}
}

// Name returns the account name.
func (a *IOAccount) Name() string { return a.name }

func (a *IOAccount) acquire(ctx context.Context) error {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("io account %s: %w", a.name, err)
	}

	return nil
}

func (a *IOAccount) release() { a.sem.Release(1) }

// Write is one block payload to store.
type Write struct {
	BlockID uint64
	Data    []byte
}

type placed struct {
	offset int64
	buf    []byte
}

// ManyWrites stores every payload and returns one token per write, in
// order. The data is not synced; the next index sync makes it durable.
//
// On error no token is returned and the space becomes garbage.
func (m *Manager) ManyWrites(ctx context.Context, writes []Write, acct *IOAccount) ([]*token.Token, error) {
	for _, w := range writes {
		if need := alignUp(int64(SerializedSize(len(w.Data)))); need > m.extentSize {
			return nil, fmt.Errorf("block %d of %d bytes exceeds extent size %d: %w", w.BlockID, len(w.Data), m.extentSize, errs.ErrBlockTooLarge)
		}
	}

	m.mu.Lock()

	tokens := make([]*token.Token, 0, len(writes))
	plan := make([]placed, 0, len(writes))

	for _, w := range writes {
		size := SerializedSize(len(w.Data))

		offset, err := m.allocate(size)
		if err != nil {
			for _, tok := range tokens {
				tok.ReleaseLocked()
			}
			m.mu.Unlock()

			return nil, err
		}

		tokens = append(tokens, m.tokens.NewLocked(w.BlockID, offset, size))
		plan = append(plan, placed{offset: offset, buf: encodeBlock(w.BlockID, w.Data)})
	}

	m.mu.Unlock()

	if err := m.writePlan(ctx, plan, acct); err != nil {
		m.mu.Lock()
		for _, tok := range tokens {
			tok.ReleaseLocked()
		}
		m.mu.Unlock()

		return nil, err
	}

	return tokens, nil
}

func (m *Manager) writePlan(ctx context.Context, plan []placed, acct *IOAccount) error {
	if err := acct.acquire(ctx); err != nil {
		return err
	}
	defer acct.release()

	for _, p := range plan {
		if _, err := m.file.WriteAt(p.buf, p.offset); err != nil {
			return fmt.Errorf("writing block at %d: %w", p.offset, err)
		}
	}

	return nil
}

// pin keeps the extent holding offset allocated while I/O runs unlocked.
// Requires the serializer mutex.
func (m *Manager) pin(offset int64) *extent.Ref {
	de := m.extents[m.extentOf(offset)]
	if de == nil || de.ref == nil {
		panic(fmt.Sprintf("dbm: read of offset %d outside any data extent", offset))
	}

	return m.em.CopyExtentReference(de.ref)
}

func (m *Manager) unpin(ref *extent.Ref) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.em.ReleaseExtent(ref)
}

// Read returns the payload of the block tok refers to. Concurrent reads of
// the same offset share one physical read.
func (m *Manager) Read(ctx context.Context, tok *token.Token, acct *IOAccount) ([]byte, error) {
	m.mu.Lock()
	offset := tok.OffsetLocked()
	pin := m.pin(offset)
	m.mu.Unlock()

	defer m.unpin(pin)

	size := tok.Size()

	v, err, _ := m.reads.Do(strconv.FormatInt(offset, 10), func() (any, error) {
		if err := acct.acquire(ctx); err != nil {
			return nil, err
		}
		defer acct.release()

		return m.readBlock(offset, size)
	})
	if err != nil {
		return nil, err
	}

	got := v.(blockData)
	if got.id != tok.BlockID() {
		return nil, fmt.Errorf("block at %d has id %d, want %d: %w", offset, got.id, tok.BlockID(), errs.ErrCorrupt)
	}

	return slices.Clone(got.payload), nil
}

type blockData struct {
	id      uint64
	payload []byte
}

func (m *Manager) readBlock(offset int64, size uint32) (blockData, error) {
	buf := make([]byte, size)

	if _, err := m.file.ReadAt(buf, offset); err != nil {
		if errors.Is(err, io.EOF) {
			return blockData{}, fmt.Errorf("block at %d is past the end of the file: %w", offset, errs.ErrCorrupt)
		}

		return blockData{}, fmt.Errorf("reading block at %d: %w", offset, err)
	}

	id, payload, err := decodeBlock(buf, offset)
	if err != nil {
		return blockData{}, err
	}

	return blockData{id: id, payload: payload}, nil
}

// Neighbor is a block read alongside another one.
type Neighbor struct {
	Offset  int64
	Size    uint32
	BlockID uint64
	Data    []byte
}

// ReadAhead returns index-live blocks that start after offset within window
// bytes and inside the same extent. Blocks that fail validation are skipped.
func (m *Manager) ReadAhead(ctx context.Context, offset int64, window int64, acct *IOAccount) ([]Neighbor, error) {
	m.mu.Lock()

	de := m.extents[m.extentOf(offset)]
	if de == nil || window <= 0 {
		m.mu.Unlock()

		return nil, nil
	}

	var found []Neighbor

	for boff, b := range de.blocks {
		if boff > offset && boff < offset+window && b.index {
			found = append(found, Neighbor{Offset: boff, Size: b.size})
		}
	}

	if len(found) == 0 {
		m.mu.Unlock()

		return nil, nil
	}

	pin := m.pin(offset)
	m.mu.Unlock()

	defer m.unpin(pin)

	slices.SortFunc(found, func(a, b Neighbor) int { return cmp.Compare(a.Offset, b.Offset) })

	first := found[0].Offset
	last := found[len(found)-1]
	buf := make([]byte, last.Offset+int64(last.Size)-first)

	if err := acct.acquire(ctx); err != nil {
		return nil, err
	}

	_, err := m.file.ReadAt(buf, first)
	acct.release()

	if err != nil {
		return nil, fmt.Errorf("reading ahead at %d: %w", first, err)
	}

	out := found[:0]

	for _, n := range found {
		rel := n.Offset - first

		id, payload, err := decodeBlock(buf[rel:rel+int64(n.Size)], n.Offset)
		if err != nil {
			continue
		}

		n.BlockID = id
		n.Data = slices.Clone(payload)
		out = append(out, n)
	}

	return out, nil
}

// VerifyBlock reads and validates the block at offset.
func (m *Manager) VerifyBlock(offset int64, size uint32, blockID uint64) error {
	got, err := m.readBlock(offset, size)
	if err != nil {
		return err
	}

	if got.id != blockID {
		return fmt.Errorf("block at %d has id %d, want %d: %w", offset, got.id, blockID, errs.ErrCorrupt)
	}

	return nil
}
