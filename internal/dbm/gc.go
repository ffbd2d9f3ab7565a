package dbm

import (
	"context"
	"fmt"
	"log/slog"
)

// Relocation describes one block copied by compaction.
type Relocation struct {
	BlockID   uint64
	OldOffset int64
	// NewOffset is where the copy lives. The copy is held by a token until
	// the relocation was applied or rejected.
	NewOffset int64
	Size      uint32
}

// Relocator repoints the index at relocated copies, but only for blocks
// whose entry still names OldOffset. It reports which relocations applied.
type Relocator func(ctx context.Context, rels []Relocation) ([]bool, error)

// StartGC enables compaction. Requires the serializer mutex.
func (m *Manager) StartGC() { m.gcEnabled = true }

// DisableGC stops new compaction passes. A running pass finishes.
func (m *Manager) DisableGC() { m.gcEnabled = false }

// IsGCActive reports whether a compaction pass is running.
func (m *Manager) IsGCActive() bool { return m.gcActive }

// WantGC reports whether a compaction pass would find a victim.
func (m *Manager) WantGC() bool { return m.victim() != nil }

// garbageRatio is the fraction of a sealed extent not referenced by the
// index.
func (m *Manager) garbageRatio(de *dataExtent) float64 {
	return 1 - float64(de.indexLive)/float64(m.extentSize)
}

func (m *Manager) victim() *dataExtent {
	if !m.gcEnabled || m.gcActive {
		return nil
	}

	var (
		total, live int64
		best        *dataExtent
	)

	for _, de := range m.extents {
		if !de.sealed || de.ref == nil {
			continue
		}

		total += m.extentSize
		live += de.indexLive

		if de.indexLive == 0 {
			// Token-only blocks cannot be moved; the extent frees itself.
			continue
		}

		if m.garbageRatio(de) <= m.gcHigh {
			continue
		}

		if best == nil || de.indexLive < best.indexLive || (de.indexLive == best.indexLive && de.offset < best.offset) {
			best = de
		}
	}

	if total == 0 || 1-float64(live)/float64(total) < m.gcLow {
		return nil
	}

	return best
}

// CompactOnce relocates the live blocks of the most garbage-heavy sealed
// extent. It reports false when there was nothing to do.
func (m *Manager) CompactOnce(ctx context.Context, acct *IOAccount, relocate Relocator) (bool, error) {
	m.mu.Lock()

	de := m.victim()
	if de == nil {
		m.mu.Unlock()

		return false, nil
	}

	m.gcActive = true

	type candidate struct {
		offset int64
		size   uint32
	}

	var cands []candidate

	for off, b := range de.blocks {
		if b.index {
			cands = append(cands, candidate{offset: off, size: b.size})
		}
	}

	pin := m.em.CopyExtentReference(de.ref)
	victim := de.offset
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.gcActive = false
		m.em.ReleaseExtent(pin)
		m.mu.Unlock()
	}()

	writes := make([]Write, 0, len(cands))
	olds := make([]int64, 0, len(cands))

	for _, c := range cands {
		if err := acct.acquire(ctx); err != nil {
			return false, err
		}

		got, err := m.readBlock(c.offset, c.size)
		acct.release()

		if err != nil {
			return false, fmt.Errorf("compacting extent %d: %w", victim, err)
		}

		writes = append(writes, Write{BlockID: got.id, Data: got.payload})
		olds = append(olds, c.offset)
	}

	tokens, err := m.ManyWrites(ctx, writes, acct)
	if err != nil {
		return false, fmt.Errorf("compacting extent %d: %w", victim, err)
	}

	rels := make([]Relocation, len(tokens))

	m.mu.Lock()
	for i, tok := range tokens {
		rels[i] = Relocation{BlockID: tok.BlockID(), OldOffset: olds[i], NewOffset: tok.OffsetLocked(), Size: tok.Size()}
	}
	m.mu.Unlock()

	applied, relocErr := relocate(ctx, rels)

	m.mu.Lock()
	moved := 0

	for i, ok := range applied {
		if ok {
			m.tokens.RemapLocked(rels[i].OldOffset, rels[i].NewOffset)
			moved++
		}
	}

	for _, tok := range tokens {
		tok.ReleaseLocked()
	}

	m.gcs++
	m.mu.Unlock()

	if relocErr != nil {
		return false, fmt.Errorf("compacting extent %d: %w", victim, relocErr)
	}

	m.log.Debug("data extent compacted",
		slog.Int64("extent", victim),
		slog.Int("blocks", len(rels)),
		slog.Int("moved", moved))

	return true, nil
}
