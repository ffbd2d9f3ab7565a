package fs

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_Crash_Drops_Unsynced_Writes_When_Crash_Is_Simulated(t *testing.T) {
	t.Parallel()

	crash, err := NewCrash(t, NewReal())
	require.NoError(t, err, "new crash")

	f, err := crash.OpenFile("data.lst", os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err, "open")

	_, err = f.WriteAt([]byte("durable"), 0)
	require.NoError(t, err, "write durable")
	require.NoError(t, f.Sync(), "sync")

	_, err = f.WriteAt([]byte("LOST"), 0)
	require.NoError(t, err, "write volatile")

	require.NoError(t, crash.SimulateCrash(), "simulate crash")

	got, err := crash.ReadFile("data.lst")
	require.NoError(t, err, "read after crash")
	require.Equal(t, "durable", string(got), "content after crash")
}

func Test_Crash_Forgets_File_When_It_Was_Never_Synced(t *testing.T) {
	t.Parallel()

	crash, err := NewCrash(t, NewReal())
	require.NoError(t, err, "new crash")

	f, err := crash.OpenFile("never.lst", os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err, "open")

	_, err = f.WriteAt([]byte("x"), 0)
	require.NoError(t, err, "write")

	require.NoError(t, crash.SimulateCrash(), "simulate crash")

	exists, err := crash.Exists("never.lst")
	require.NoError(t, err, "exists")
	require.False(t, exists, "unsynced file survived crash")
}

func Test_Crash_Closes_Old_Handles_When_Crash_Is_Simulated(t *testing.T) {
	t.Parallel()

	crash, err := NewCrash(t, NewReal())
	require.NoError(t, err, "new crash")

	f, err := crash.OpenFile("h.lst", os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err, "open")

	require.NoError(t, crash.SimulateCrash(), "simulate crash")

	_, err = f.WriteAt([]byte("x"), 0)
	require.Error(t, err, "write on pre-crash handle")
	require.NoError(t, f.Close(), "close is idempotent after crash")
}

func Test_Crash_Panics_With_CrashPanicError_When_Failpoint_Is_Reached(t *testing.T) {
	t.Parallel()

	crash, err := NewCrash(t, NewReal())
	require.NoError(t, err, "new crash")

	f, err := crash.OpenFile("fp.lst", os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err, "open")

	_, err = f.WriteAt([]byte("first"), 0)
	require.NoError(t, err, "write")
	require.NoError(t, f.Sync(), "first sync")

	crash.SetFailpoint(CrashOpSync, 1)

	_, err = f.WriteAt([]byte("second"), 0)
	require.NoError(t, err, "write")

	var recovered any

	func() {
		defer func() { recovered = recover() }()

		_ = f.Sync()
	}()

	var panicErr *CrashPanicError

	asErr, ok := recovered.(error)
	require.True(t, ok, "panic value %T is not an error", recovered)
	require.True(t, errors.As(asErr, &panicErr), "panic value %v", recovered)
	require.Equal(t, CrashOpSync, panicErr.Op)
	require.Equal(t, uint64(1), panicErr.Seq)

	got, err := crash.ReadFile("fp.lst")
	require.NoError(t, err, "read after crash")
	require.Equal(t, "first", string(got), "content after failpoint crash")

	size, ok := crash.DurableSize("fp.lst")
	require.True(t, ok, "durable snapshot missing")
	require.Equal(t, int64(len("first")), size)
}

func Test_Crash_Treats_Truncate_As_Volatile_Until_Sync(t *testing.T) {
	t.Parallel()

	crash, err := NewCrash(t, NewReal())
	require.NoError(t, err, "new crash")

	f, err := crash.OpenFile("t.lst", os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err, "open")

	_, err = f.WriteAt(make([]byte, 8192), 0)
	require.NoError(t, err, "write")
	require.NoError(t, f.Sync(), "sync")

	require.NoError(t, f.Truncate(4096), "truncate")
	require.NoError(t, crash.SimulateCrash(), "simulate crash")

	size, ok := crash.DurableSize("t.lst")
	require.True(t, ok)
	require.Equal(t, int64(8192), size, "truncate without sync must not be durable")
}

func Test_VirtualRel_Rejects_Paths_That_Escape_The_Root(t *testing.T) {
	t.Parallel()

	_, err := virtualRel("../outside")
	require.Error(t, err)

	rel, err := virtualRel("/a/b")
	require.NoError(t, err)
	require.Equal(t, "a/b", rel)
}
