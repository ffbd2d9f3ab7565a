package logstore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/calvinalkan/logstore/internal/extent"
	"github.com/calvinalkan/logstore/internal/lba"
)

// IndexWriteOp changes the index entry of one block.
type IndexWriteOp struct {
	BlockID uint64

	// Token names the new block version. Nil deletes the block. The caller
	// keeps its reference and releases it when done.
	Token *Token

	// Recency is stored with the entry.
	Recency uint64

	// ExpectOffset, when non-zero, skips the op unless the block currently
	// lives at that offset. No block lives at offset 0.
	ExpectOffset int64
}

// indexOp is an IndexWriteOp resolved under the home thread.
type indexOp struct {
	blockID     uint64
	offset      lba.FlaggedOffset
	size        uint32
	recency     uint64
	keepRecency bool
	expect      int64
}

// BlockWrites stores payloads and returns one token per write, in order.
// The data becomes durable with the next index write.
func (s *Serializer) BlockWrites(ctx context.Context, writes []BlockWrite, acct *IOAccount) ([]*Token, error) {
	s.mu.Lock()
	if err := s.beginOpLocked(); err != nil {
		s.mu.Unlock()

		return nil, err
	}
	s.mu.Unlock()

	defer s.endOp()

	tokens, err := s.dbm.ManyWrites(ctx, writes, acct)
	if err != nil {
		return nil, err
	}

	s.stats.BlockWrites.Add(int64(len(writes)))

	return tokens, nil
}

// IndexWrite applies ops to the index and commits them in a new metablock.
//
// The ops are visible to [Serializer.IndexRead] once reflected is called,
// which happens exactly once and before the commit is durable. IndexWrite
// returns after the metablock holding the ops was written and synced.
// Concurrent index writes commit in the order in which they were applied.
func (s *Serializer) IndexWrite(ops []IndexWriteOp, reflected func()) error {
	s.mu.Lock()

	resolved := make([]indexOp, len(ops))

	for i, op := range ops {
		r := indexOp{blockID: op.BlockID, offset: lba.NoOffset, recency: op.Recency, expect: op.ExpectOffset}

		if op.Token != nil {
			if op.Token.BlockID() != op.BlockID {
				s.mu.Unlock()

				return fmt.Errorf("op %d: token for block %d used for block %d: %w", i, op.Token.BlockID(), op.BlockID, ErrInvalidInput)
			}

			r.offset = lba.FlaggedOffset(op.Token.OffsetLocked())
			r.size = op.Token.Size()
		}

		resolved[i] = r
	}

	_, err := s.indexWriteLocked(resolved, reflected)

	return err
}

// indexWriteLocked is entered with s.mu held and returns with it released.
func (s *Serializer) indexWriteLocked(ops []indexOp, reflected func()) ([]bool, error) {
	if err := s.beginOpLocked(); err != nil {
		s.mu.Unlock()

		return nil, err
	}

	txn := s.em.BeginTxn()
	s.dbm.DrainPending(txn)

	applied, payload, err := s.applyLocked(ops, txn)
	if err != nil {
		s.failLocked(err)
		s.endOpLocked()
		s.mu.Unlock()

		return nil, fmt.Errorf("%w: %w", ErrFailed, err)
	}

	prev := s.mbTail
	mine := make(chan struct{})
	s.mbTail = mine
	s.mbSeq++
	seq := s.mbSeq

	s.mu.Unlock()

	if reflected != nil {
		reflected()
	}

	err = s.migrateFormat()

	<-prev

	var version uint64

	// An earlier writer failed and records its own cause.
	earlier := err == nil && s.failed.Load()
	if earlier {
		err = ErrFailed
	}

	if err == nil && s.hooks.beforeMetablockWrite != nil {
		err = s.hooks.beforeMetablockWrite(seq)
	}

	if err == nil {
		version, err = s.mb.WriteMetablock(payload)
	}

	// Later writers check the flag after waiting on mine. Their payloads
	// include this write's changes.
	if err != nil {
		s.failed.Store(true)
	}

	close(mine)

	if err == nil && s.hooks.afterMetablockWrite != nil {
		s.hooks.afterMetablockWrite(seq, version)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.endOpLocked()

	if earlier {
		return nil, fmt.Errorf("earlier commit failed: %w", ErrFailed)
	}

	if err != nil {
		s.failLocked(err)

		return nil, fmt.Errorf("%w: %w", ErrFailed, err)
	}

	s.em.CommitTxn(txn)

	s.stats.IndexWrites.Add(1)
	s.stats.MetablockWrites.Add(1)
	s.kickGC()

	return applied, nil
}

// applyLocked updates the in-memory index and the liveness bits, pushes the
// LBA changes to disk and prepares the next metablock payload. It does not
// block on anything but the file.
func (s *Serializer) applyLocked(ops []indexOp, txn *extent.Txn) ([]bool, []byte, error) {
	applied := make([]bool, len(ops))

	for i, op := range ops {
		cur, ok := s.lba.Get(op.blockID)

		if op.expect != 0 && (!ok || int64(cur.Offset) != op.expect) {
			continue
		}

		applied[i] = true

		if !op.offset.HasValue() && !ok {
			continue
		}

		recency := op.recency
		if op.keepRecency && ok {
			recency = cur.Recency
		}

		moved := !ok || cur.Offset != op.offset

		if op.offset.HasValue() && moved {
			s.dbm.MarkLive(int64(op.offset), op.size)
		}

		if ok && moved {
			s.dbm.MarkGarbage(int64(cur.Offset), txn)
		}

		e := lba.Entry{BlockID: op.blockID, Recency: recency, Offset: op.offset, Size: op.size}
		if err := s.lba.SetBlockInfo(e, txn); err != nil {
			return nil, nil, err
		}
	}

	collected, err := s.lba.ConsiderGC(txn)
	if err != nil {
		return nil, nil, err
	}

	s.stats.LBAGCs.Add(int64(collected))

	if err := s.lba.Sync(); err != nil {
		return nil, nil, err
	}

	payload := metaPayload{
		extents: s.em.PrepareMixin(),
		data:    s.dbm.PrepareMixin(),
		lba:     s.lba.PrepareMixin(),
	}

	return applied, payload.encode(), nil
}

// migrateFormat rewrites a v1 header as v2 before the first metablock of
// this process is written.
func (s *Serializer) migrateFormat() error {
	s.migrateMu.Lock()
	defer s.migrateMu.Unlock()

	if !s.migrationPending {
		return nil
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generating instance id: %w", err)
	}

	from := s.header.format
	h := s.header
	h.format = CurrentFormat
	h.instanceID = id

	if _, err := s.file.WriteAt(encodeStaticHeader(h), 0); err != nil {
		return fmt.Errorf("migrating static header: %w", err)
	}

	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("syncing migrated header: %w", err)
	}

	s.mb.SetFormat(h.format)
	s.header = h
	s.migrationPending = false

	s.log.Info("disk format migrated",
		slog.Uint64("from", uint64(from)),
		slog.Uint64("to", uint64(h.format)),
		slog.String("instance_id", id.String()))

	return nil
}
