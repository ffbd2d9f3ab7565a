package extent

import "fmt"

// Txn defers extent releases until the metablock that obsoletes them is
// durable.
//
// A Txn is owned by one in-flight index write. Refs pushed into it are
// released by [Manager.CommitTxn], which the owner calls only after its
// metablock write completed.
type Txn struct {
	m    *Manager
	refs []*Ref
	done bool
}

// BeginTxn starts an empty extent transaction.
func (m *Manager) BeginTxn() *Txn {
	return &Txn{m: m}
}

// Push hands ownership of ref to the transaction.
func (t *Txn) Push(ref *Ref) {
	if t.done {
		panic("extent: push into a committed transaction")
	}

	t.m.mustLive(ref, "txn push")
	t.refs = append(t.refs, ref)
}

// Len returns the number of deferred releases.
func (t *Txn) Len() int { return len(t.refs) }

// CommitTxn releases every reference held by t. Committing twice panics.
func (m *Manager) CommitTxn(t *Txn) {
	if t.m != m {
		panic("extent: commit of a transaction owned by another manager")
	}

	if t.done {
		panic("extent: transaction committed twice")
	}

	t.done = true

	for _, ref := range t.refs {
		m.ReleaseExtent(ref)
	}

	t.refs = nil
}

// String implements fmt.Stringer for log attributes.
func (t *Txn) String() string {
	return fmt.Sprintf("txn{refs=%d done=%t}", len(t.refs), t.done)
}
