package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/natefinch/atomic"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/logstore/pkg/logstore"
)

const defaultConfigFile = "logstore.jsonc"

func initConfigCmd() *Command {
	fs := flag.NewFlagSet("init-config", flag.ContinueOnError)
	force := fs.BoolP("force", "f", false, "Overwrite an existing file")

	return &Command{
		Flags: fs,
		Usage: "init-config [flags] [file]",
		Short: "Write a commented config file with the defaults",
		Long: `Write a commented config file with the default tunables to file
(default ` + defaultConfigFile + `). Pass it to other commands with --config.`,
		Exec: func(_ context.Context, o *IO, args []string) error {
			path := defaultConfigFile
			if len(args) > 0 {
				path = args[0]
			}

			if len(args) > 1 {
				return errTooManyArgs
			}

			if _, err := os.Stat(path); err == nil && !*force {
				return fmt.Errorf("%w: %s", errConfigExists, path)
			}

			if err := atomic.WriteFile(path, strings.NewReader(logstore.DynamicConfigTemplate)); err != nil {
				return fmt.Errorf("writing config: %w", err)
			}

			o.Println("Wrote", path)

			return nil
		},
	}
}
