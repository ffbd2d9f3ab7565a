package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/calvinalkan/logstore/pkg/logstore"
)

// store is an open serializer plus the I/O account commands read through.
type store struct {
	*logstore.Serializer

	acct *logstore.IOAccount
}

// withStore opens path, runs fn and shuts the store down again.
func (g *globals) withStore(path string, fn func(*store) error) error {
	opts, err := g.options()
	if err != nil {
		return err
	}

	s, err := logstore.Open(path, opts)
	if err != nil {
		return err
	}

	fnErr := fn(&store{Serializer: s, acct: s.NewIOAccount("lsctl")})

	return errors.Join(fnErr, s.Shutdown())
}

func parseBlockID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid block id %q", s)
	}

	return id, nil
}

func (s *store) put(ctx context.Context, id uint64, data []byte, recency uint64) (int64, error) {
	toks, err := s.BlockWrites(ctx, []logstore.BlockWrite{{BlockID: id, Data: data}}, s.acct)
	if err != nil {
		return 0, err
	}

	defer toks[0].Release()

	if err := s.IndexWrite([]logstore.IndexWriteOp{{BlockID: id, Token: toks[0], Recency: recency}}, nil); err != nil {
		return 0, err
	}

	return toks[0].Offset(), nil
}

func (s *store) get(ctx context.Context, id uint64) ([]byte, error) {
	tok, ok, err := s.IndexRead(id)
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, fmt.Errorf("%w: %d", errBlockNotFound, id)
	}

	defer tok.Release()

	return s.BlockRead(ctx, tok, s.acct)
}

func (s *store) del(ids []uint64) error {
	ops := make([]logstore.IndexWriteOp, len(ids))
	for i, id := range ids {
		ops[i] = logstore.IndexWriteOp{BlockID: id}
	}

	return s.IndexWrite(ops, nil)
}

// list returns up to limit live blocks in id order. A limit of zero means
// no limit.
func (s *store) list(limit int) ([]logstore.BlockInfo, error) {
	blocks, err := s.Blocks()
	if err != nil {
		return nil, err
	}

	var out []logstore.BlockInfo

	for b := range blocks {
		if limit > 0 && len(out) == limit {
			break
		}

		out = append(out, b)
	}

	return out, nil
}

func printInfo(o *IO, info logstore.Info) {
	id := "none"
	if info.Format >= logstore.FormatV2 {
		id = info.InstanceID.String()
	}

	o.Printf("path:              %s\n", info.Path)
	o.Printf("format:            %d\n", info.Format)
	o.Printf("instance id:       %s\n", id)
	o.Printf("extent size:       %d\n", info.ExtentSize)
	o.Printf("metablock slots:   %d\n", info.MetablockSlots)
	o.Printf("metablock version: %d\n", info.MetablockVersion)
	o.Printf("blocks:            %d\n", info.Blocks)
	o.Printf("max block id:      %d\n", info.MaxBlockID)
	o.Printf("live bytes:        %d\n", info.LiveBytes)
	o.Printf("extents:           %d (in use %d, free %d)\n", info.Extents.Extents, info.Extents.InUse, info.Extents.Free)
	o.Printf("lba extents:       %d\n", info.LBAExtents)
	o.Printf("data extents:      %d\n", info.DataExtents)
}
