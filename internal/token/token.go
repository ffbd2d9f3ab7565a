// Package token implements reference-counted block tokens.
//
// A token binds one logical block to the physical offset of its data. The
// registry keeps a multimap from offset to the live tokens there and emits a
// liveness event to its [Listener] when the first token for an offset
// appears and when the last one goes away.
//
// The registry is guarded by the serializer mutex it is constructed with.
// Methods with a Locked suffix require the caller to hold it.
package token

import (
	"fmt"
	"sync"
)

// Listener receives token liveness transitions.
type Listener interface {
	// MarkLiveTokenwise is called when the first token at offset is created.
	MarkLiveTokenwise(offset int64)

	// MarkGarbageTokenwise is called when the last token at offset is gone.
	MarkGarbageTokenwise(offset int64)
}

// Registry tracks live tokens by offset.
type Registry struct {
	mu   *sync.Mutex
	zero *sync.Cond

	byOffset map[int64]map[*Token]struct{}
	count    int
	listener Listener
	closed   bool
}

// NewRegistry returns a registry guarded by mu.
func NewRegistry(mu *sync.Mutex, listener Listener) *Registry {
	return &Registry{
		mu:       mu,
		zero:     sync.NewCond(mu),
		byOffset: make(map[int64]map[*Token]struct{}),
		listener: listener,
	}
}

// SetListener replaces the liveness listener. Used while wiring subsystems
// that reference each other.
func (r *Registry) SetListener(l Listener) { r.listener = l }

// Token is a reference-counted handle to a block location.
//
// A new token carries one reference. [Token.Retain] adds one, [Token.Release]
// drops one; the token deregisters when the count reaches zero. Using a
// token after that panics.
type Token struct {
	r       *Registry
	blockID uint64
	size    uint32
	offset  int64
	refs    int
}

// NewLocked registers a token for blockID located at offset.
func (r *Registry) NewLocked(blockID uint64, offset int64, size uint32) *Token {
	if r.closed {
		panic(fmt.Sprintf("token: new token for block %d after registry close", blockID))
	}

	t := &Token{r: r, blockID: blockID, size: size, offset: offset, refs: 1}
	r.insert(t)
	r.count++

	return t
}

func (r *Registry) insert(t *Token) {
	set, ok := r.byOffset[t.offset]
	if !ok {
		set = make(map[*Token]struct{})
		r.byOffset[t.offset] = set
	}

	set[t] = struct{}{}

	if len(set) == 1 && r.listener != nil {
		r.listener.MarkLiveTokenwise(t.offset)
	}
}

// remove deregisters t and reports whether t was the last token at its
// offset. The listener is not called.
func (r *Registry) remove(t *Token) bool {
	set := r.byOffset[t.offset]
	delete(set, t)

	if len(set) > 0 {
		return false
	}

	delete(r.byOffset, t.offset)

	return true
}

// BlockID returns the logical block id.
func (t *Token) BlockID() uint64 { return t.blockID }

// Size returns the serialized block size.
func (t *Token) Size() uint32 { return t.size }

// Offset returns the current physical offset. The offset changes when the
// block is relocated by compaction.
func (t *Token) Offset() int64 {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()

	return t.OffsetLocked()
}

// OffsetLocked is [Token.Offset] for callers holding the registry mutex.
func (t *Token) OffsetLocked() int64 {
	t.mustLive("offset")

	return t.offset
}

// Retain adds a reference.
func (t *Token) Retain() {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()

	t.RetainLocked()
}

// RetainLocked is [Token.Retain] for callers holding the registry mutex.
func (t *Token) RetainLocked() {
	t.mustLive("retain")
	t.refs++
}

// Release drops a reference.
func (t *Token) Release() {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()

	t.ReleaseLocked()
}

// ReleaseLocked is [Token.Release] for callers holding the registry mutex.
func (t *Token) ReleaseLocked() {
	t.mustLive("release")

	t.refs--
	if t.refs > 0 {
		return
	}

	r := t.r
	if r.remove(t) && r.listener != nil {
		r.listener.MarkGarbageTokenwise(t.offset)
	}

	r.count--
	if r.count == 0 {
		r.zero.Broadcast()
	}
}

func (t *Token) mustLive(op string) {
	if t.refs <= 0 {
		panic(fmt.Sprintf("token: %s of released token for block %d", op, t.blockID))
	}
}

// RemapLocked moves every token at oldOffset to newOffset.
//
// The liveness flip happens in one step: newOffset becomes live (if it had
// no tokens) before oldOffset becomes garbage.
func (r *Registry) RemapLocked(oldOffset, newOffset int64) {
	if oldOffset == newOffset {
		return
	}

	moving, ok := r.byOffset[oldOffset]
	if !ok {
		return
	}

	delete(r.byOffset, oldOffset)

	target, existed := r.byOffset[newOffset]
	if !existed {
		target = make(map[*Token]struct{}, len(moving))
		r.byOffset[newOffset] = target
	}

	for t := range moving {
		t.offset = newOffset
		target[t] = struct{}{}
	}

	if r.listener == nil {
		return
	}

	if !existed {
		r.listener.MarkLiveTokenwise(newOffset)
	}

	r.listener.MarkGarbageTokenwise(oldOffset)
}

// HasTokensLocked reports whether any token references offset.
func (r *Registry) HasTokensLocked(offset int64) bool {
	return len(r.byOffset[offset]) > 0
}

// CountLocked returns the number of live tokens.
func (r *Registry) CountLocked() int { return r.count }

// WaitZeroLocked blocks until no live token remains. The mutex is released
// while waiting.
func (r *Registry) WaitZeroLocked() {
	for r.count > 0 {
		r.zero.Wait()
	}
}

// CloseLocked forbids new tokens. Intended for shutdown after
// [Registry.WaitZeroLocked].
func (r *Registry) CloseLocked() { r.closed = true }
