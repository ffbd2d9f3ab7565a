// Package logstore is a log-structured block store kept in a single file.
//
// A store maps 64-bit block ids to variable-sized payloads. Payloads are
// packed into fixed-size extents; an LBA index maps ids to offsets and is
// committed through a ring of checksummed metablocks. Recovery picks the
// metablock with the highest valid version and replays the index it names.
//
// # File layout
//
// The file is a sequence of extents of [StaticConfig.ExtentSize] bytes.
// Extent 0 holds the static header in its first [MetablockSize] bytes and the
// metablock ring after it. Every other extent is either free, an LBA extent,
// an LBA superblock or a data extent.
//
// # Writing
//
// Writes happen in two steps. [Serializer.BlockWrites] stores payloads and
// returns one [Token] per block. [Serializer.IndexWrite] then points block
// ids at those tokens and commits the change with a metablock write:
//
//	toks, err := s.BlockWrites(ctx, []logstore.BlockWrite{{BlockID: 7, Data: data}}, acct)
//	if err != nil {
//	    return err
//	}
//	defer toks[0].Release()
//
//	err = s.IndexWrite([]logstore.IndexWriteOp{{BlockID: 7, Token: toks[0]}}, nil)
//
// An op without a token deletes the block.
//
// # Reading
//
// [Serializer.IndexRead] returns a token for the current version of a block.
// The token keeps that version readable even if the block is overwritten or
// compacted meanwhile. Release it when done:
//
//	tok, ok, err := s.IndexRead(7)
//	if err != nil || !ok {
//	    return err
//	}
//	defer tok.Release()
//
//	data, err := s.BlockRead(ctx, tok, acct)
//
// # Concurrency
//
// A [Serializer] is safe for concurrent use. Index writes are applied in the
// order they acquire the serializer and their metablocks are written in that
// same order. [Serializer.Shutdown] waits for running operations and for
// every token to be released.
//
// Only one serializer may own a store at a time. A second [Open] of the same
// path returns [ErrBusy].
package logstore
