package logstore

import (
	"context"
	"iter"
	"log/slog"
	"maps"
	"slices"

	"github.com/calvinalkan/logstore/internal/dbm"
)

// NewIOAccount returns an account bounded by the configured
// MaxOutstandingReads.
func (s *Serializer) NewIOAccount(name string) *IOAccount {
	return dbm.NewIOAccount(name, s.cfg.MaxOutstandingReads)
}

// IndexRead returns a token for the current version of blockID, or false if
// the block does not exist. The caller releases the token.
func (s *Serializer) IndexRead(blockID uint64) (*Token, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usableLocked(); err != nil {
		return nil, false, err
	}

	if blockID >= s.lba.MaxBlockID() {
		return nil, false, nil
	}

	e, ok := s.lba.Get(blockID)
	if !ok {
		return nil, false, nil
	}

	return s.tokens.NewLocked(blockID, int64(e.Offset), e.Size), true, nil
}

// BlockInfo describes one live block.
type BlockInfo struct {
	BlockID uint64
	Offset  int64
	Size    uint32
	Recency uint64
}

// Blocks returns the live blocks in ascending id order. The sequence is a
// snapshot taken by the call; later index writes do not affect it.
func (s *Serializer) Blocks() (iter.Seq[BlockInfo], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usableLocked(); err != nil {
		return nil, err
	}

	entries := s.lba.Entries()

	return func(yield func(BlockInfo) bool) {
		for _, e := range entries {
			if !yield(BlockInfo{BlockID: e.BlockID, Offset: int64(e.Offset), Size: e.Size, Recency: e.Recency}) {
				return
			}
		}
	}, nil
}

// MaxBlockID returns one past the highest block id ever written.
func (s *Serializer) MaxBlockID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lba.MaxBlockID()
}

// BlockRead returns the payload tok names. Neighboring blocks are offered to
// the registered read-ahead callbacks before BlockRead returns.
func (s *Serializer) BlockRead(ctx context.Context, tok *Token, acct *IOAccount) ([]byte, error) {
	s.mu.Lock()
	if err := s.beginOpLocked(); err != nil {
		s.mu.Unlock()

		return nil, err
	}
	s.mu.Unlock()

	defer s.endOp()

	data, err := s.dbm.Read(ctx, tok, acct)
	if err != nil {
		return nil, err
	}

	s.stats.BlockReads.Add(1)

	if s.cfg.ReadAheadWindow > 0 {
		s.offerReadAhead(ctx, tok.Offset(), acct)
	}

	return data, nil
}

type readAheadOffer struct {
	blockID uint64
	tok     *Token
	data    []byte
}

func (s *Serializer) offerReadAhead(ctx context.Context, offset int64, acct *IOAccount) {
	s.mu.Lock()
	if len(s.readAhead) == 0 {
		s.mu.Unlock()

		return
	}
	s.mu.Unlock()

	neighbors, err := s.dbm.ReadAhead(ctx, offset, s.cfg.ReadAheadWindow, acct)
	if err != nil {
		s.log.Debug("read-ahead failed", slog.Int64("offset", offset), slog.Any("error", err))

		return
	}

	if len(neighbors) == 0 {
		return
	}

	s.mu.Lock()

	ids := slices.Sorted(maps.Keys(s.readAhead))
	callbacks := make([]ReadAheadFunc, len(ids))

	for i, id := range ids {
		callbacks[i] = s.readAhead[id]
	}

	offers := make([]readAheadOffer, 0, len(neighbors))

	for _, n := range neighbors {
		// Only blocks the index still points at are offered.
		e, ok := s.lba.Get(n.BlockID)
		if !ok || int64(e.Offset) != n.Offset {
			continue
		}

		offers = append(offers, readAheadOffer{
			blockID: n.BlockID,
			tok:     s.tokens.NewLocked(n.BlockID, n.Offset, n.Size),
			data:    n.Data,
		})
	}

	s.mu.Unlock()

	for _, o := range offers {
		taken := false

		for _, cb := range callbacks {
			if cb(o.blockID, o.tok, o.data) {
				taken = true

				break
			}
		}

		if !taken {
			o.tok.Release()
		}
	}

	s.stats.ReadAheadOffers.Add(int64(len(offers)))
}

// ReadAheadID identifies a registered read-ahead callback.
type ReadAheadID uint64

// RegisterReadAhead adds a callback for blocks read alongside others.
// Callbacks are consulted in registration order.
func (s *Serializer) RegisterReadAhead(cb ReadAheadFunc) ReadAheadID {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextReadAhead++
	s.readAhead[s.nextReadAhead] = cb

	return ReadAheadID(s.nextReadAhead)
}

// UnregisterReadAhead removes a callback. It may still be running when
// UnregisterReadAhead returns.
func (s *Serializer) UnregisterReadAhead(id ReadAheadID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.readAhead, uint64(id))
}
