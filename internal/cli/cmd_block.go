package cli

import (
	"context"
	"fmt"
	"io"

	flag "github.com/spf13/pflag"
)

func putCmd(g *globals) *Command {
	fs := flag.NewFlagSet("put", flag.ContinueOnError)
	recency := fs.Uint64P("recency", "r", 0, "Recency stored with the entry")

	return &Command{
		Flags: fs,
		Usage: "put [flags] <store> <id> [data]",
		Short: "Write a block",
		Long: `Write a block. Without data, or with "-", the payload is read
from stdin.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) < 2 {
				return errBlockIDRequired
			}

			if len(args) > 3 {
				return errTooManyArgs
			}

			id, err := parseBlockID(args[1])
			if err != nil {
				return err
			}

			var data []byte

			if len(args) == 3 && args[2] != "-" {
				data = []byte(args[2])
			} else {
				data, err = io.ReadAll(o.In())
				if err != nil {
					return fmt.Errorf("reading stdin: %w", err)
				}
			}

			return g.withStore(args[0], func(s *store) error {
				off, err := s.put(ctx, id, data, *recency)
				if err != nil {
					return err
				}

				o.Printf("put %d (%d bytes at %d)\n", id, len(data), off)

				return nil
			})
		},
	}
}

func getCmd(g *globals) *Command {
	return &Command{
		Flags: flag.NewFlagSet("get", flag.ContinueOnError),
		Usage: "get <store> <id>",
		Short: "Print a block's payload",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) < 2 {
				return errBlockIDRequired
			}

			if len(args) > 2 {
				return errTooManyArgs
			}

			id, err := parseBlockID(args[1])
			if err != nil {
				return err
			}

			return g.withStore(args[0], func(s *store) error {
				data, err := s.get(ctx, id)
				if err != nil {
					return err
				}

				_, err = o.Out().Write(data)

				return err
			})
		},
	}
}

func delCmd(g *globals) *Command {
	return &Command{
		Flags: flag.NewFlagSet("del", flag.ContinueOnError),
		Usage: "del <store> <id>...",
		Short: "Delete blocks in one commit",
		Exec: func(_ context.Context, o *IO, args []string) error {
			if len(args) < 2 {
				return errBlockIDRequired
			}

			ids := make([]uint64, 0, len(args)-1)

			for _, arg := range args[1:] {
				id, err := parseBlockID(arg)
				if err != nil {
					return err
				}

				ids = append(ids, id)
			}

			return g.withStore(args[0], func(s *store) error {
				if err := s.del(ids); err != nil {
					return err
				}

				o.Println("Deleted", len(ids), "blocks")

				return nil
			})
		},
	}
}

func lsCmd(g *globals) *Command {
	fs := flag.NewFlagSet("ls", flag.ContinueOnError)
	limit := fs.IntP("limit", "n", 0, "Maximum blocks to list (0 = all)")

	return &Command{
		Flags: fs,
		Usage: "ls [flags] <store>",
		Short: "List live blocks",
		Long:  `List live blocks as "id offset stored-size" lines in id order.`,
		Exec: func(_ context.Context, o *IO, args []string) error {
			if len(args) != 1 {
				return errStoreRequired
			}

			return g.withStore(args[0], func(s *store) error {
				blocks, err := s.list(*limit)
				if err != nil {
					return err
				}

				for _, b := range blocks {
					o.Printf("%d\t%d\t%d\n", b.BlockID, b.Offset, b.Size)
				}

				return nil
			})
		},
	}
}
