package lba

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/calvinalkan/logstore/internal/errs"
	"github.com/calvinalkan/logstore/internal/extent"
	"github.com/calvinalkan/logstore/pkg/fs"
)

type shardScan struct {
	records []record
	active  []Entry
	sealed  [][]Entry
}

// StartExisting rebuilds the index described by mixin.
//
// Shards are read in parallel. Each shard replays its sealed extents in
// sealing order, then its active extent; inline entries are applied last.
// Every extent the index references is reserved in em.
func StartExisting(ctx context.Context, em *extent.Manager, file fs.File, mixin Mixin, log *slog.Logger) (*Index, error) {
	ix := New(em, file, log)

	var scans [ShardFactor]shardScan

	g, gctx := errgroup.WithContext(ctx)

	for i := range ix.shards {
		g.Go(func() error {
			scan, err := ix.scanShard(gctx, i, mixin.Shards[i])
			if err != nil {
				return fmt.Errorf("replaying lba shard %d: %w", i, err)
			}

			scans[i] = scan

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, s := range ix.shards {
		if err := ix.adopt(s, mixin.Shards[i], scans[i]); err != nil {
			return nil, fmt.Errorf("reserving lba extents of shard %d: %w", i, err)
		}
	}

	if len(mixin.Inline) > NumInlineEntries {
		return nil, fmt.Errorf("%d inline entries: %w", len(mixin.Inline), errs.ErrCorrupt)
	}

	for _, e := range mixin.Inline {
		ix.apply(e)
		ix.inline = append(ix.inline, e)
	}

	ix.log.Debug("lba replayed",
		slog.Int("blocks", ix.Len()),
		slog.Int("extents", ix.ExtentCount()),
		slog.Int("inline", len(ix.inline)))

	return ix, nil
}

func (ix *Index) apply(e Entry) {
	if e.BlockID >= ix.maxBlockID {
		ix.maxBlockID = e.BlockID + 1
	}

	s := ix.shards[shardOf(e.BlockID)]
	if e.Offset.HasValue() {
		s.entries[e.BlockID] = e
	} else {
		delete(s.entries, e.BlockID)
	}
}

func (ix *Index) adopt(s *shard, sm ShardMixin, scan shardScan) error {
	if sm.SuperOffset >= 0 {
		ref, err := ix.em.ReserveExtent(sm.SuperOffset)
		if err != nil {
			return err
		}

		s.super = &diskExtent{ref: ref, count: int(sm.SuperCount)}
	}

	for i, rec := range scan.records {
		ref, err := ix.em.ReserveExtent(rec.offset)
		if err != nil {
			return err
		}

		s.sealed = append(s.sealed, diskExtent{ref: ref, count: int(rec.count)})
		s.ondisk += int(rec.count)

		for _, e := range scan.sealed[i] {
			ix.apply(e)
		}
	}

	if sm.ActiveOffset >= 0 {
		ref, err := ix.em.ReserveExtent(sm.ActiveOffset)
		if err != nil {
			return err
		}

		s.active = &diskExtent{ref: ref, count: int(sm.ActiveCount)}
		s.ondisk += int(sm.ActiveCount)

		for _, e := range scan.active {
			ix.apply(e)
		}
	}

	return nil
}

func (ix *Index) scanShard(ctx context.Context, id int, sm ShardMixin) (shardScan, error) {
	var scan shardScan

	if sm.SuperOffset >= 0 {
		if int(sm.SuperCount) > ix.perSuper {
			return scan, fmt.Errorf("superblock lists %d extents, capacity %d: %w", sm.SuperCount, ix.perSuper, errs.ErrCorrupt)
		}

		buf, err := ix.readPrefix(sm.SuperOffset, headerSize+int(sm.SuperCount)*recordSize)
		if err != nil {
			return scan, err
		}

		if err := checkHeader(buf, magicSuper, id, sm.SuperOffset); err != nil {
			return scan, err
		}

		for i := range int(sm.SuperCount) {
			rec, err := decodeRecord(buf[headerSize+i*recordSize:])
			if err != nil {
				return scan, fmt.Errorf("superblock %d record %d: %w", sm.SuperOffset, i, err)
			}

			scan.records = append(scan.records, rec)
		}
	}

	for _, rec := range scan.records {
		if err := ctx.Err(); err != nil {
			return scan, err
		}

		entries, err := ix.readExtent(id, rec.offset, int(rec.count))
		if err != nil {
			return scan, err
		}

		scan.sealed = append(scan.sealed, entries)
	}

	if sm.ActiveOffset >= 0 {
		entries, err := ix.readExtent(id, sm.ActiveOffset, int(sm.ActiveCount))
		if err != nil {
			return scan, err
		}

		scan.active = entries
	}

	return scan, nil
}

func (ix *Index) readExtent(shard int, offset int64, count int) ([]Entry, error) {
	if count > ix.perExtent {
		return nil, fmt.Errorf("lba extent %d holds %d entries, capacity %d: %w", offset, count, ix.perExtent, errs.ErrCorrupt)
	}

	buf, err := ix.readPrefix(offset, headerSize+count*EntrySize)
	if err != nil {
		return nil, err
	}

	if err := checkHeader(buf, magicExtent, shard, offset); err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, count)

	for i := range count {
		e, err := decodeEntry(buf[headerSize+i*EntrySize:])
		if err != nil {
			return nil, fmt.Errorf("lba extent %d entry %d: %w", offset, i, err)
		}

		if shardOf(e.BlockID) != shard {
			return nil, fmt.Errorf("lba extent %d entry %d: block %d in shard %d: %w", offset, i, e.BlockID, shard, errs.ErrCorrupt)
		}

		entries = append(entries, e)
	}

	return entries, nil
}

func (ix *Index) readPrefix(offset int64, n int) ([]byte, error) {
	if offset < 0 || offset%ix.extentSize != 0 {
		return nil, fmt.Errorf("lba extent offset %d is not extent aligned: %w", offset, errs.ErrCorrupt)
	}

	buf := make([]byte, n)

	if _, err := ix.file.ReadAt(buf, offset); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("lba extent %d is past the end of the file: %w", offset, errs.ErrCorrupt)
		}

		return nil, fmt.Errorf("reading lba extent %d: %w", offset, err)
	}

	return buf, nil
}
