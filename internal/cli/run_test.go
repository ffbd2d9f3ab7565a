package cli_test

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/logstore/internal/cli"
)

func newStoreCLI(t *testing.T) (*cli.CLI, string) {
	t.Helper()

	c := cli.NewCLI(t)
	path := c.Path("blocks.lst")
	c.MustRun("create", "--extent-size", "65536", path)

	return c, path
}

func TestRunUsage(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	for _, args := range [][]string{nil, {"--help"}, {"-h"}} {
		stdout, _, code := c.Run(args...)
		assert.Equal(t, 0, code, "args %v", args)
		cli.AssertContains(t, stdout, "Usage: lsctl [options] <command> [args]")
		cli.AssertContains(t, stdout, "init-config")
	}
}

func TestRunUnknownCommand(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	stderr := c.MustFail("frobnicate")
	cli.AssertContains(t, stderr, "unknown command: frobnicate")
}

func TestCommandHelp(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	stdout := c.MustRun("put", "--help")
	cli.AssertContains(t, stdout, "Usage: lsctl put [flags] <store> <id> [data]")
	cli.AssertContains(t, stdout, "--recency")

	stdout = c.MustRun("get", "--help")
	cli.AssertContains(t, stdout, "Print a block's payload")
	cli.AssertNotContains(t, stdout, "Flags:")

	stderr := c.MustFail("put", "--bogus")
	cli.AssertContains(t, stderr, "unknown flag: --bogus")
	cli.AssertContains(t, stderr, "run 'lsctl put --help' for usage")
}

func TestBlockCommands(t *testing.T) {
	t.Parallel()

	c, path := newStoreCLI(t)

	out := c.MustRun("put", path, "1", "hello")
	cli.AssertContains(t, out, "put 1 (5 bytes at ")

	stdout, _, code := c.RunWithInput("from stdin", "put", path, "2")
	require.Equal(t, 0, code)
	cli.AssertContains(t, stdout, "put 2 (10 bytes")

	c.MustRun("put", path, "7", "-")

	assert.Equal(t, "hello", c.MustRun("get", path, "1"))
	assert.Equal(t, "from stdin", c.MustRun("get", path, "2"))

	lines := strings.Split(c.MustRun("ls", path), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "1\t"))
	assert.True(t, strings.HasPrefix(lines[2], "7\t"))

	limited := strings.Split(c.MustRun("ls", "--limit", "1", path), "\n")
	assert.Len(t, limited, 1)

	c.MustRun("del", path, "1", "7")

	stderr := c.MustFail("get", path, "1")
	cli.AssertContains(t, stderr, "block not found")

	info := c.MustRun("info", path)
	cli.AssertContains(t, info, "blocks:            1")
	cli.AssertContains(t, info, "max block id:      8")
	cli.AssertContains(t, info, "format:            2")
}

func TestBlockCommandArgs(t *testing.T) {
	t.Parallel()

	c, path := newStoreCLI(t)

	for _, tt := range []struct {
		args []string
		want string
	}{
		{[]string{"get", path}, "block id required"},
		{[]string{"get", path, "x"}, `invalid block id "x"`},
		{[]string{"get", path, "1", "2"}, "too many arguments"},
		{[]string{"del", path}, "block id required"},
		{[]string{"ls"}, "store path required"},
		{[]string{"info", c.Path("missing.lst")}, "missing.lst"},
	} {
		stderr := c.MustFail(tt.args...)
		cli.AssertContains(t, stderr, tt.want)
	}
}

func TestCreateExistingStoreFails(t *testing.T) {
	t.Parallel()

	c, path := newStoreCLI(t)

	c.MustFail("create", path)
	c.MustFail("create", "--extent-size", "1000", c.Path("odd.lst"))
}

func TestCheckCommand(t *testing.T) {
	t.Parallel()

	c, path := newStoreCLI(t)

	c.MustRun("put", path, "3", "payload")

	out := c.MustRun("check", path)
	cli.AssertContains(t, out, "blocks:            1")
	cli.AssertContains(t, out, "OK")
}

func TestCheckCommandReportsDamage(t *testing.T) {
	t.Parallel()

	c, path := newStoreCLI(t)

	c.MustRun("put", path, "3", "a payload that will be damaged")

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	idx := strings.Index(string(data), "a payload that will be damaged")
	require.Positive(t, idx)
	data[idx] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o600))

	stdout, stderr, code := c.Run("check", path)
	assert.Equal(t, 1, code)
	cli.AssertContains(t, stdout, "blocks:            1")
	cli.AssertNotContains(t, stdout, "OK")
	cli.AssertContains(t, stderr, "warning:")
}

func TestGCCommand(t *testing.T) {
	t.Parallel()

	c, path := newStoreCLI(t)

	c.MustRun("put", path, "1", "one")

	out := c.MustRun("gc", path)
	cli.AssertContains(t, out, "compacted")
	assert.Equal(t, "one", c.MustRun("get", path, "1"))
}

func TestInitConfig(t *testing.T) {
	t.Parallel()

	c, path := newStoreCLI(t)
	cfg := c.Path("tuning.jsonc")

	c.MustRun("init-config", cfg)

	data, err := os.ReadFile(cfg)
	require.NoError(t, err)
	cli.AssertContains(t, string(data), `"gc_high_ratio"`)

	stderr := c.MustFail("init-config", cfg)
	cli.AssertContains(t, stderr, "config file exists")

	c.MustRun("init-config", "--force", cfg)

	c.MustRun("--config", cfg, "put", path, "1", "tuned")

	c.Env["LSCTL_CONFIG"] = cfg
	assert.Equal(t, "tuned", c.MustRun("get", path, "1"))
}

func TestInvalidConfigFails(t *testing.T) {
	t.Parallel()

	c, path := newStoreCLI(t)
	cfg := c.Path("bad.jsonc")

	require.NoError(t, os.WriteFile(cfg, []byte(`{"gc_high_ratio": 0.1, "gc_low_ratio": 0.9}`), 0o600))

	stderr := c.MustFail("-c", cfg, "info", path)
	cli.AssertContains(t, stderr, "bad.jsonc")
}

func TestShellScript(t *testing.T) {
	t.Parallel()

	c, path := newStoreCLI(t)

	script := strings.Join([]string{
		"# comment lines are skipped",
		"put 1 hello world",
		"get 1",
		"seq 3 10",
		"ls",
		"del 10",
		"get 10",
		"bogus",
		"exit",
		"put 99 never",
	}, "\n")

	stdout, stderr, code := c.RunWithInput(script, "shell", path)
	require.Equal(t, 0, code, stderr)

	cli.AssertContains(t, stdout, `"hello world"`)
	cli.AssertContains(t, stdout, "wrote 3 blocks")
	cli.AssertContains(t, stdout, "(4 blocks)")
	cli.AssertContains(t, stdout, "error: block not found: 10")
	cli.AssertContains(t, stdout, `unknown command "bogus"`)

	c.MustFail("get", path, "99")
	assert.Equal(t, "block-11", c.MustRun("get", path, "11"))
}

func TestLsWithSparseIDs(t *testing.T) {
	t.Parallel()

	c, path := newStoreCLI(t)

	c.MustRun("put", path, "1000000000000", "far")
	c.MustRun("put", path, "2", "near")

	lines := strings.Split(c.MustRun("ls", path), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "2\t"), lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "1000000000000\t"), lines[1])

	cli.AssertContains(t, c.MustRun("info", path), "max block id:      1000000000001")
}
