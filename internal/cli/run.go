// Package cli implements lsctl, the command line front end of a logstore
// file.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/logstore/pkg/logstore"
)

// configEnv names the dynamic config file when --config is not given.
const configEnv = "LSCTL_CONFIG"

var (
	errStoreRequired   = errors.New("store path required")
	errBlockIDRequired = errors.New("block id required")
	errBlockNotFound   = errors.New("block not found")
	errConfigExists    = errors.New("config file exists (use --force to overwrite)")
	errTooManyArgs     = errors.New("too many arguments")
)

// globals carries what every command needs besides its own flags.
type globals struct {
	log        *slog.Logger
	configPath string
}

func (g *globals) options() (logstore.Options, error) {
	opts := logstore.Options{Logger: g.log}

	if g.configPath == "" {
		return opts, nil
	}

	cfg, err := logstore.LoadDynamicConfig(g.configPath)
	if err != nil {
		return logstore.Options{}, fmt.Errorf("config %s: %w", g.configPath, err)
	}

	opts.Config = &cfg

	return opts, nil
}

func allCommands(g *globals) []*Command {
	return []*Command{
		createCmd(g),
		infoCmd(g),
		checkCmd(g),
		putCmd(g),
		getCmd(g),
		delCmd(g),
		lsCmd(g),
		gcCmd(g),
		shellCmd(g),
		initConfigCmd(),
	}
}

// Run is the main entry point. Returns exit code.
func Run(in io.Reader, out io.Writer, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	globalFlags := flag.NewFlagSet("lsctl", flag.ContinueOnError)
	globalFlags.SetInterspersed(false)
	globalFlags.SetOutput(io.Discard)

	configPath := globalFlags.StringP("config", "c", env[configEnv], "Dynamic config file (JSONC)")
	verbose := globalFlags.BoolP("verbose", "v", false, "Log debug events to stderr")
	help := globalFlags.BoolP("help", "h", false, "Show help")

	if len(args) > 0 {
		args = args[1:]
	}

	if err := globalFlags.Parse(args); err != nil {
		fprintln(errOut, "error:", err)
		printUsage(errOut, allCommands(&globals{}))

		return 1
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}

	g := &globals{
		log:        slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level})),
		configPath: *configPath,
	}

	commands := allCommands(g)
	rest := globalFlags.Args()

	if *help || len(rest) == 0 {
		printUsage(out, commands)

		return 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if sigCh != nil {
		go func() {
			select {
			case <-sigCh:
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	name := rest[0]

	for _, cmd := range commands {
		if cmd.Name() == name {
			return cmd.Run(ctx, NewIO(in, out, errOut), rest[1:])
		}
	}

	fprintln(errOut, "error: unknown command:", name)
	printUsage(errOut, commands)

	return 1
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}

func printUsage(w io.Writer, commands []*Command) {
	var b strings.Builder

	b.WriteString(`lsctl - inspect and edit logstore files

Usage: lsctl [options] <command> [args]

Options:
  -c, --config <file>    Dynamic config file (default $` + configEnv + `)
  -v, --verbose          Log debug events to stderr

Commands:
`)

	for _, cmd := range commands {
		b.WriteString(cmd.HelpLine())
		b.WriteString("\n")
	}

	fprintln(w, strings.TrimRight(b.String(), "\n"))
}
