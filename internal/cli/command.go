package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	flag "github.com/spf13/pflag"
)

// Command is one lsctl subcommand.
type Command struct {
	// Flags holds the command's own flags. Parse output is discarded.
	Flags *flag.FlagSet

	// Usage starts with the command name, e.g. "get <store> <id>".
	Usage string

	// Short is the line shown in the command list.
	Short string

	// Long is shown by "lsctl <cmd> --help". Short is used when empty.
	Long string

	// Exec runs with the arguments left after flag parsing.
	Exec func(ctx context.Context, o *IO, args []string) error
}

// Name returns the first word of Usage.
func (c *Command) Name() string {
	name, _, _ := strings.Cut(c.Usage, " ")

	return name
}

// HelpLine returns the command's entry in the command list.
func (c *Command) HelpLine() string {
	return fmt.Sprintf("  %-30s %s", c.Usage, c.Short)
}

// printHelp prints usage, description and flag defaults.
func (c *Command) printHelp(o *IO) {
	desc := c.Long
	if desc == "" {
		desc = c.Short
	}

	o.Printf("Usage: lsctl %s\n\n%s\n", c.Usage, desc)

	if !c.Flags.HasFlags() {
		return
	}

	var buf strings.Builder

	c.Flags.SetOutput(&buf)
	c.Flags.PrintDefaults()
	o.Printf("\nFlags:\n%s", buf.String())
}

// Run parses args, runs Exec and returns the exit code. Errors and usage
// problems go to stderr.
func (c *Command) Run(ctx context.Context, o *IO, args []string) int {
	c.Flags.SetOutput(&strings.Builder{})

	if err := c.Flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			c.printHelp(o)

			return 0
		}

		o.ErrPrintln("error:", err)
		o.ErrPrintln("run 'lsctl", c.Name(), "--help' for usage")

		return 1
	}

	if err := c.Exec(ctx, o, c.Flags.Args()); err != nil {
		o.ErrPrintln("error:", err)

		return 1
	}

	return o.Finish()
}
