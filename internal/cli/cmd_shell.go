package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"
)

func shellCmd(g *globals) *Command {
	return &Command{
		Flags: flag.NewFlagSet("shell", flag.ContinueOnError),
		Usage: "shell <store>",
		Short: "Open the store in an interactive shell",
		Long: `Open the store and read commands interactively. When stdin is not
a terminal, commands are read from it one per line.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 1 {
				return errStoreRequired
			}

			return g.withStore(args[0], func(s *store) error {
				sh := &shell{s: s, o: o}

				if f, ok := o.In().(*os.File); ok && f == os.Stdin && liner.TerminalSupported() {
					return sh.interactive(ctx)
				}

				return sh.script(ctx, o.In())
			})
		},
	}
}

type shell struct {
	s *store
	o *IO
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".lsctl_history")
}

func (sh *shell) interactive(ctx context.Context) error {
	line := liner.NewLiner()
	defer line.Close()

	line.SetCtrlCAborts(true)
	line.SetCompleter(completeShell)

	if f, err := os.Open(historyFile()); err == nil {
		_, _ = line.ReadHistory(f)
		_ = f.Close()
	}

	defer func() {
		if path := historyFile(); path != "" {
			if f, err := os.Create(path); err == nil {
				_, _ = line.WriteHistory(f)
				_ = f.Close()
			}
		}
	}()

	info := sh.s.Info()
	sh.o.Printf("lsctl shell (%s, %d blocks)\n", info.Path, info.Blocks)
	sh.o.Println("Type 'help' for available commands.")

	for ctx.Err() == nil {
		input, err := line.Prompt("lsctl> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}

			return fmt.Errorf("reading input: %w", err)
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		line.AppendHistory(input)

		if sh.eval(ctx, input) {
			return nil
		}
	}

	return ctx.Err()
}

func (sh *shell) script(ctx context.Context, r io.Reader) error {
	if r == nil {
		return nil
	}

	sc := bufio.NewScanner(r)

	for sc.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		input := strings.TrimSpace(sc.Text())
		if input == "" || strings.HasPrefix(input, "#") {
			continue
		}

		if sh.eval(ctx, input) {
			return nil
		}
	}

	return sc.Err()
}

var shellCommands = []string{"put", "get", "del", "ls", "seq", "info", "stats", "gc", "help", "exit", "quit"}

func completeShell(line string) []string {
	var out []string

	lower := strings.ToLower(line)
	for _, cmd := range shellCommands {
		if strings.HasPrefix(cmd, lower) {
			out = append(out, cmd)
		}
	}

	return out
}

// eval runs one shell line and reports whether the shell should exit.
// Errors are printed and do not end the session.
func (sh *shell) eval(ctx context.Context, input string) bool {
	parts := strings.Fields(input)
	cmd, args := strings.ToLower(parts[0]), parts[1:]

	var err error

	switch cmd {
	case "exit", "quit", "q":
		return true
	case "help", "?":
		sh.help()
	case "put":
		err = sh.put(ctx, args)
	case "get":
		err = sh.get(ctx, args)
	case "del":
		err = sh.del(args)
	case "ls":
		err = sh.ls(args)
	case "seq":
		err = sh.seq(ctx, args)
	case "info":
		printInfo(sh.o, sh.s.Info())
	case "stats":
		sh.stats()
	case "gc":
		sh.o.Printf("compacted %d extents\n", sh.s.Compact())
	default:
		err = fmt.Errorf("unknown command %q (try 'help')", cmd)
	}

	if err != nil {
		sh.o.Println("error:", err)
	}

	return false
}

func (sh *shell) help() {
	sh.o.Println("Commands:")
	sh.o.Println("  put <id> <data>        Write a block")
	sh.o.Println("  get <id>               Print a block")
	sh.o.Println("  del <id>...            Delete blocks")
	sh.o.Println("  ls [limit]             List live blocks")
	sh.o.Println("  seq <count> [start]    Write count sequential blocks")
	sh.o.Println("  info                   Show store layout")
	sh.o.Println("  stats                  Show counters")
	sh.o.Println("  gc                     Compact data extents")
	sh.o.Println("  help                   Show this help")
	sh.o.Println("  exit / quit / q        Exit")
}

func (sh *shell) put(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: put <id> <data>")
	}

	id, err := parseBlockID(args[0])
	if err != nil {
		return err
	}

	data := strings.Join(args[1:], " ")

	off, err := sh.s.put(ctx, id, []byte(data), 0)
	if err != nil {
		return err
	}

	sh.o.Printf("put %d at %d\n", id, off)

	return nil
}

func (sh *shell) get(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: get <id>")
	}

	id, err := parseBlockID(args[0])
	if err != nil {
		return err
	}

	data, err := sh.s.get(ctx, id)
	if err != nil {
		return err
	}

	sh.o.Printf("%q\n", data)

	return nil
}

func (sh *shell) del(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: del <id>...")
	}

	ids := make([]uint64, 0, len(args))

	for _, a := range args {
		id, err := parseBlockID(a)
		if err != nil {
			return err
		}

		ids = append(ids, id)
	}

	if err := sh.s.del(ids); err != nil {
		return err
	}

	sh.o.Printf("deleted %d\n", len(ids))

	return nil
}

func (sh *shell) ls(args []string) error {
	limit := 0

	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 0 {
			return errors.New("limit must be a non-negative integer")
		}

		limit = n
	}

	blocks, err := sh.s.list(limit)
	if err != nil {
		return err
	}

	for _, b := range blocks {
		sh.o.Printf("%d\t%d\t%d\n", b.BlockID, b.Offset, b.Size)
	}

	sh.o.Printf("(%d blocks)\n", len(blocks))

	return nil
}

// seq writes count blocks with ids starting at start, one index write each.
func (sh *shell) seq(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: seq <count> [start]")
	}

	count, err := strconv.Atoi(args[0])
	if err != nil || count < 1 {
		return errors.New("count must be a positive integer")
	}

	var start uint64

	if len(args) > 1 {
		start, err = parseBlockID(args[1])
		if err != nil {
			return err
		}
	}

	began := time.Now()

	for i := range uint64(count) {
		id := start + i
		if _, err := sh.s.put(ctx, id, []byte("block-"+strconv.FormatUint(id, 10)), 0); err != nil {
			return fmt.Errorf("block %d: %w", id, err)
		}
	}

	elapsed := time.Since(began)
	sh.o.Printf("wrote %d blocks in %v (%.0f ops/sec)\n", count, elapsed.Round(time.Millisecond), float64(count)/elapsed.Seconds())

	return nil
}

func (sh *shell) stats() {
	st := sh.s.Stats().Snapshot()

	sh.o.Printf("block writes:      %d\n", st.BlockWrites)
	sh.o.Printf("block reads:       %d\n", st.BlockReads)
	sh.o.Printf("read-ahead offers: %d\n", st.ReadAheadOffers)
	sh.o.Printf("index writes:      %d\n", st.IndexWrites)
	sh.o.Printf("metablock writes:  %d\n", st.MetablockWrites)
	sh.o.Printf("extents allocated: %d\n", st.ExtentsAllocated)
	sh.o.Printf("extents freed:     %d\n", st.ExtentsFreed)
	sh.o.Printf("lba gcs:           %d\n", st.LBAGCs)
	sh.o.Printf("data gcs:          %d\n", st.DataGCs)
}
