package cli

import (
	"context"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/logstore/pkg/logstore"
)

func createCmd(g *globals) *Command {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	extentSize := fs.Int64P("extent-size", "e", logstore.DefaultExtentSize, "Extent size in bytes (multiple of 4096)")

	return &Command{
		Flags: fs,
		Usage: "create [flags] <store>",
		Short: "Create a new store file",
		Long: `Create a new store file. The extent size is fixed for the lifetime
of the store.`,
		Exec: func(_ context.Context, o *IO, args []string) error {
			if len(args) == 0 {
				return errStoreRequired
			}

			if len(args) > 1 {
				return errTooManyArgs
			}

			opts, err := g.options()
			if err != nil {
				return err
			}

			if err := logstore.Create(args[0], logstore.StaticConfig{ExtentSize: *extentSize}, opts); err != nil {
				return err
			}

			o.Println("Created", args[0])

			return nil
		},
	}
}

func infoCmd(g *globals) *Command {
	return &Command{
		Flags: flag.NewFlagSet("info", flag.ContinueOnError),
		Usage: "info <store>",
		Short: "Show store layout",
		Exec: func(_ context.Context, o *IO, args []string) error {
			if len(args) != 1 {
				return errStoreRequired
			}

			return g.withStore(args[0], func(s *store) error {
				printInfo(o, s.Info())

				return nil
			})
		},
	}
}

func gcCmd(g *globals) *Command {
	return &Command{
		Flags: flag.NewFlagSet("gc", flag.ContinueOnError),
		Usage: "gc <store>",
		Short: "Compact data extents",
		Long: `Compact data extents until no sealed extent is above the
configured garbage ratio.`,
		Exec: func(_ context.Context, o *IO, args []string) error {
			if len(args) != 1 {
				return errStoreRequired
			}

			return g.withStore(args[0], func(s *store) error {
				before := s.Info()
				passes := s.Compact()
				after := s.Info()

				o.Printf("compacted %d extents, data extents %d -> %d\n", passes, before.DataExtents, after.DataExtents)

				return nil
			})
		},
	}
}
