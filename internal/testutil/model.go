package testutil

import (
	"maps"
	"slices"
)

// Model is the expected contents of a store: the last payload written for
// every live block id.
type Model struct {
	blocks map[uint64][]byte
	maxID  uint64
}

// NewModel returns an empty model.
func NewModel() *Model {
	return &Model{blocks: make(map[uint64][]byte)}
}

// Apply updates the model with one committed index write.
func (m *Model) Apply(writes []Write) {
	for _, w := range writes {
		if w.Delete {
			delete(m.blocks, w.ID)

			continue
		}

		m.blocks[w.ID] = slices.Clone(w.Data)
		m.maxID = max(m.maxID, w.ID+1)
	}
}

// Get returns the payload of id and whether it is live.
func (m *Model) Get(id uint64) ([]byte, bool) {
	data, ok := m.blocks[id]

	return data, ok
}

// IDs returns the live block ids in ascending order.
func (m *Model) IDs() []uint64 {
	return slices.Sorted(maps.Keys(m.blocks))
}

// Len returns the number of live blocks.
func (m *Model) Len() int { return len(m.blocks) }

// MaxBlockID is one past the highest id ever written.
func (m *Model) MaxBlockID() uint64 { return m.maxID }

// Snapshot returns a copy of the live blocks as strings.
func (m *Model) Snapshot() map[uint64]string {
	out := make(map[uint64]string, len(m.blocks))
	for id, data := range m.blocks {
		out[id] = string(data)
	}

	return out
}
