package logstore

import (
	"context"
	"log/slog"

	"github.com/calvinalkan/logstore/internal/dbm"
	"github.com/calvinalkan/logstore/internal/lba"
)

// kickGC wakes the compaction loop. Requires s.mu.
func (s *Serializer) kickGC() {
	select {
	case s.gcKick <- struct{}{}:
	default:
	}
}

func (s *Serializer) gcLoop() {
	defer close(s.gcDone)

	for {
		select {
		case <-s.gcStop:
			return
		case <-s.gcKick:
		}

		for s.compactOnce() {
			select {
			case <-s.gcStop:
				return
			default:
			}
		}
	}
}

// Compact runs compaction passes in the caller's goroutine until none finds
// work and returns how many ran. A pass already running in the background
// ends the loop early.
func (s *Serializer) Compact() int {
	n := 0
	for s.compactOnce() {
		n++
	}

	return n
}

// compactOnce runs one compaction pass and reports whether another one may
// find work.
func (s *Serializer) compactOnce() bool {
	s.mu.Lock()
	if s.usableLocked() != nil || !s.dbm.WantGC() {
		s.mu.Unlock()

		return false
	}

	s.inflight++
	s.mu.Unlock()

	defer s.endOp()

	ran, err := s.dbm.CompactOnce(context.Background(), s.gcAcct, s.relocate)
	if err != nil {
		s.log.Warn("data compaction failed", slog.Any("error", err))

		return false
	}

	if ran {
		s.stats.DataGCs.Add(1)
	}

	return ran
}

// relocate repoints blocks at their compacted copies through a regular
// index write. Blocks overwritten or deleted meanwhile are left alone.
func (s *Serializer) relocate(_ context.Context, rels []dbm.Relocation) ([]bool, error) {
	ops := make([]indexOp, len(rels))

	for i, r := range rels {
		ops[i] = indexOp{
			blockID:     r.BlockID,
			offset:      lba.FlaggedOffset(r.NewOffset),
			size:        r.Size,
			keepRecency: true,
			expect:      r.OldOffset,
		}
	}

	s.mu.Lock()

	return s.indexWriteLocked(ops, nil)
}
