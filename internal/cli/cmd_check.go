package cli

import (
	"context"
	"errors"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/logstore/pkg/logstore"
)

func checkCmd(g *globals) *Command {
	return &Command{
		Flags: flag.NewFlagSet("check", flag.ContinueOnError),
		Usage: "check <store>",
		Short: "Verify every live block",
		Long: `Replay the store read-only and verify the checksum of every live
block. The store must not be open elsewhere. Exits 1 when damage is found.`,
		Exec: func(_ context.Context, o *IO, args []string) error {
			if len(args) != 1 {
				return errStoreRequired
			}

			opts, err := g.options()
			if err != nil {
				return err
			}

			report, err := logstore.Check(args[0], opts)
			// Damaged blocks are reported as warnings, anything else aborts.
			if err != nil && (!errors.Is(err, logstore.ErrCorrupt) || len(report.Problems) == 0) {
				return err
			}

			o.Printf("format:            %d\n", report.Format)
			o.Printf("extent size:       %d\n", report.ExtentSize)
			o.Printf("file size:         %d\n", report.FileSize)
			o.Printf("metablock:         slot %d, version %d\n", report.MetablockSlot, report.MetablockVersion)
			o.Printf("blocks:            %d\n", report.Blocks)
			o.Printf("max block id:      %d\n", report.MaxBlockID)
			o.Printf("lba extents:       %d\n", report.LBAExtents)
			o.Printf("data extents:      %d\n", report.DataExtents)
			o.Printf("unused extents:    %d\n", report.UnusedExtents)

			for _, p := range report.Problems {
				o.Warn(p.Error(), "restore the block from another copy")
			}

			if len(report.Problems) == 0 {
				o.Println("OK")
			}

			return nil
		},
	}
}
