package logstore

import (
	"sync/atomic"

	"github.com/calvinalkan/logstore/internal/extent"
)

// Stats is a sink of serializer counters. The zero value is ready to use and
// may be shared by several serializers.
type Stats struct {
	BlockWrites      atomic.Int64
	BlockReads       atomic.Int64
	ReadAheadOffers  atomic.Int64
	IndexWrites      atomic.Int64
	MetablockWrites  atomic.Int64
	ExtentsAllocated atomic.Int64
	ExtentsFreed     atomic.Int64
	LBAGCs           atomic.Int64
	DataGCs          atomic.Int64
}

var _ extent.Observer = (*Stats)(nil)

// ExtentAllocated implements extent.Observer.
func (s *Stats) ExtentAllocated(int64) { s.ExtentsAllocated.Add(1) }

// ExtentFreed implements extent.Observer.
func (s *Stats) ExtentFreed(int64) { s.ExtentsFreed.Add(1) }

// StatsSnapshot is a point-in-time copy of [Stats].
type StatsSnapshot struct {
	BlockWrites      int64
	BlockReads       int64
	ReadAheadOffers  int64
	IndexWrites      int64
	MetablockWrites  int64
	ExtentsAllocated int64
	ExtentsFreed     int64
	LBAGCs           int64
	DataGCs          int64
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		BlockWrites:      s.BlockWrites.Load(),
		BlockReads:       s.BlockReads.Load(),
		ReadAheadOffers:  s.ReadAheadOffers.Load(),
		IndexWrites:      s.IndexWrites.Load(),
		MetablockWrites:  s.MetablockWrites.Load(),
		ExtentsAllocated: s.ExtentsAllocated.Load(),
		ExtentsFreed:     s.ExtentsFreed.Load(),
		LBAGCs:           s.LBAGCs.Load(),
		DataGCs:          s.DataGCs.Load(),
	}
}
