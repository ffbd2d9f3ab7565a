package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
)

// TempDirer is the minimal subset of *testing.T/*testing.B that [NewCrash] needs.
//
// It is intentionally tiny so crashfs can remain in non-test packages without
// importing the standard library testing package.
type TempDirer interface {
	// TempDir returns a temporary directory path.
	TempDir() string
}

// ErrCrashFS marks errors originating from crashfs internals.
//
// Use [errors.Is] with this sentinel to detect crashfs-generated errors.
var ErrCrashFS = errors.New("crashfs")

type crashFSError struct {
	op  string
	err error
}

func (e *crashFSError) Error() string {
	return fmt.Sprintf("crashfs: %s: %v", e.op, e.err)
}

func (e *crashFSError) Unwrap() error { return e.err }

func (*crashFSError) Is(target error) bool { return target == ErrCrashFS }

// CrashFSErr wraps a crashfs-internal error with a consistent prefix.
//
// op must be a static, verb-first description of the action being attempted.
// It panics if err is nil.
func CrashFSErr(op string, err error) error {
	if err == nil {
		panic(fmt.Sprintf("crashfs: internal error: nil error for %q", op))
	}

	return &crashFSError{op: op, err: err}
}

// CrashOp names a [File] operation that a crash failpoint can trigger on.
type CrashOp string

// Failpoint-eligible operations.
const (
	CrashOpWriteAt  CrashOp = "write_at"
	CrashOpSync     CrashOp = "sync"
	CrashOpTruncate CrashOp = "truncate"
)

// CrashPanicError is the panic value used for crash injection.
//
// By the time it is raised the crash has already happened: the durable
// snapshot is restored and every handle opened before the crash is dead.
// Tests recover it, then reopen through [Crash] to assert on the post-crash
// view.
type CrashPanicError struct {
	// Op is the operation that triggered the crash.
	Op CrashOp

	// Rel is the crashfs root-relative path of the file.
	Rel string

	// Seq is the 1-indexed count of eligible operations observed.
	Seq uint64

	// Cause is an internal error encountered while restoring. It is usually nil.
	Cause error
}

// Error implements [error].
func (p *CrashPanicError) Error() string {
	msg := fmt.Sprintf("crashfs: injected crash op=%s seq=%d rel=%q", p.Op, p.Seq, p.Rel)
	if p.Cause != nil {
		msg += fmt.Sprintf(" cause=%v", p.Cause)
	}

	return msg
}

// Unwrap returns the internal Cause, if any.
func (p *CrashPanicError) Unwrap() error { return p.Cause }

// Crash is a test-only filesystem wrapper that simulates crash consistency.
//
// Crash runs operations against a real on-disk working directory (so returned
// [File] values have real OS file descriptors), while tracking an in-memory
// durable snapshot of every file.
//
// Durability model (strict, pessimistic):
//   - File contents, including size changes, become durable only when
//     [File.Sync] succeeds on a handle for that file.
//   - A file that was never synced does not survive a crash.
//   - Removing a file is durable immediately.
//
// Calling [Crash.SimulateCrash] closes every open handle, rotates to a fresh
// working directory and restores only the durable snapshot. Paths passed to
// Crash are root-relative; absolute paths are treated as relative to the root.
//
// Crash is not meant for production use.
type Crash struct {
	baseDir string
	fs      FS

	mu      sync.Mutex
	live    string
	open    map[*crashFile]struct{}
	durable map[string]fileSnapshot

	failOp    CrashOp
	failAfter uint64
	failCount uint64
}

type fileSnapshot struct {
	data []byte
	perm os.FileMode
}

// NewCrash creates a new crash-simulating filesystem.
//
// tb is typically a *testing.T and is used only to obtain an owned temporary
// directory. fs should be OS-backed; in practice [NewReal].
func NewCrash(tb TempDirer, fs FS) (*Crash, error) {
	if tb == nil {
		return nil, errors.New("crashfs: tb is nil")
	}

	if fs == nil {
		return nil, errors.New("crashfs: fs is nil")
	}

	baseDir := tb.TempDir()
	if baseDir == "" {
		return nil, errors.New("crashfs: temp dir is empty")
	}

	crash := &Crash{
		baseDir: baseDir,
		fs:      fs,
		open:    make(map[*crashFile]struct{}),
		durable: make(map[string]fileSnapshot),
	}

	crash.mu.Lock()
	err := crash.rotateLocked()
	crash.mu.Unlock()

	if err != nil {
		return nil, err
	}

	return crash, nil
}

// SetFailpoint arms a crash on the n-th (1-indexed) future occurrence of op.
// The crash is simulated and then raised as a [*CrashPanicError] panic from
// inside the triggering call, before the operation itself runs.
// n == 0 disarms the failpoint.
func (c *Crash) SetFailpoint(op CrashOp, n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failOp = op
	c.failAfter = n
	c.failCount = 0
}

// SimulateCrash simulates a crash/power loss.
//
// It closes all open files, rotates to a fresh empty working directory, and
// restores the durable snapshot.
func (c *Crash) SimulateCrash() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.rotateLocked()
}

// DurableSize returns the size of path in the durable snapshot.
func (c *Crash) DurableSize(path string) (int64, bool) {
	rel, err := virtualRel(path)
	if err != nil {
		return 0, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	snap, ok := c.durable[rel]

	return int64(len(snap.data)), ok
}

var _ FS = (*Crash)(nil)

// OpenFile implements [FS.OpenFile].
func (c *Crash) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	abs, rel, live, err := c.resolve(path)
	if err != nil {
		return nil, err
	}

	file, err := c.fs.OpenFile(abs, flag, perm)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.live != live {
		_ = file.Close()

		return nil, CrashFSErr("open", errors.New("crashfs rotated during open"))
	}

	cf := &crashFile{c: c, f: file, rel: rel, live: live}
	c.open[cf] = struct{}{}

	return cf, nil
}

// ReadFile implements [FS.ReadFile].
func (c *Crash) ReadFile(path string) ([]byte, error) {
	abs, _, _, err := c.resolve(path)
	if err != nil {
		return nil, err
	}

	return c.fs.ReadFile(abs)
}

// MkdirAll implements [FS.MkdirAll].
func (c *Crash) MkdirAll(path string, perm os.FileMode) error {
	abs, _, _, err := c.resolve(path)
	if err != nil {
		return err
	}

	return c.fs.MkdirAll(abs, perm)
}

// Stat implements [FS.Stat].
func (c *Crash) Stat(path string) (os.FileInfo, error) {
	abs, _, _, err := c.resolve(path)
	if err != nil {
		return nil, err
	}

	return c.fs.Stat(abs)
}

// Exists implements [FS.Exists].
func (c *Crash) Exists(path string) (bool, error) {
	abs, _, _, err := c.resolve(path)
	if err != nil {
		return false, err
	}

	return c.fs.Exists(abs)
}

// Remove implements [FS.Remove].
func (c *Crash) Remove(path string) error {
	abs, rel, live, err := c.resolve(path)
	if err != nil {
		return err
	}

	err = c.fs.Remove(abs)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.live == live {
		delete(c.durable, rel)
	}

	return nil
}

func (c *Crash) resolve(path string) (abs, rel, live string, err error) {
	rel, err = virtualRel(path)
	if err != nil {
		return "", "", "", err
	}

	c.mu.Lock()
	live = c.live
	c.mu.Unlock()

	if rel == "" {
		return live, "", live, nil
	}

	return filepath.Join(live, rel), rel, live, nil
}

// guard counts eligible operations and injects the armed crash.
func (c *Crash) guard(op CrashOp, rel string) {
	c.mu.Lock()

	if c.failAfter == 0 || c.failOp != op {
		c.mu.Unlock()

		return
	}

	c.failCount++
	if c.failCount < c.failAfter {
		c.mu.Unlock()

		return
	}

	seq := c.failCount
	c.failAfter = 0
	rotateErr := c.rotateLocked()
	c.mu.Unlock()

	panic(&CrashPanicError{Op: op, Rel: rel, Seq: seq, Cause: rotateErr})
}

// rotateLocked closes all open files, creates a fresh work dir, and restores
// the durable snapshot into it. Callers must hold [Crash.mu].
func (c *Crash) rotateLocked() error {
	oldLive := c.live

	for f := range c.open {
		_ = f.closeUnderlying()
	}

	c.open = make(map[*crashFile]struct{})

	workDir, err := os.MkdirTemp(c.baseDir, "crashfs-*")
	if err != nil {
		return CrashFSErr("create work dir", err)
	}

	for rel, snap := range c.durable {
		abs := filepath.Join(workDir, rel)

		err := os.MkdirAll(filepath.Dir(abs), 0o755)
		if err != nil {
			_ = os.RemoveAll(workDir)

			return CrashFSErr("restore parent dir", err)
		}

		err = os.WriteFile(abs, snap.data, snap.perm)
		if err != nil {
			_ = os.RemoveAll(workDir)

			return CrashFSErr("restore file", fmt.Errorf("path %q: %w", rel, err))
		}
	}

	c.live = workDir

	if oldLive != "" {
		_ = os.RemoveAll(oldLive)
	}

	return nil
}

type crashFile struct {
	c    *Crash
	f    File
	rel  string
	live string

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

var _ File = (*crashFile)(nil)

func (cf *crashFile) Read(buf []byte) (int, error) { return cf.f.Read(buf) }

func (cf *crashFile) Write(buf []byte) (int, error) { return cf.f.Write(buf) }

func (cf *crashFile) ReadAt(buf []byte, off int64) (int, error) { return cf.f.ReadAt(buf, off) }

func (cf *crashFile) WriteAt(buf []byte, off int64) (int, error) {
	cf.c.guard(CrashOpWriteAt, cf.rel)

	return cf.f.WriteAt(buf, off)
}

func (cf *crashFile) Truncate(size int64) error {
	cf.c.guard(CrashOpTruncate, cf.rel)

	return cf.f.Truncate(size)
}

func (cf *crashFile) Fd() uintptr { return cf.f.Fd() }

func (cf *crashFile) Stat() (os.FileInfo, error) { return cf.f.Stat() }

// Sync records durability after the underlying file Sync succeeds.
//
// Handles from older work dirs are ignored to avoid recording stale state
// after a crash.
func (cf *crashFile) Sync() error {
	cf.c.guard(CrashOpSync, cf.rel)

	err := cf.f.Sync()
	if err != nil {
		return err
	}

	info, err := cf.f.Stat()
	if err != nil {
		return err
	}

	if info.IsDir() {
		return nil
	}

	data, err := readAllFromFD(cf.f.Fd(), info.Size())
	if err != nil {
		return CrashFSErr("snapshot file", fmt.Errorf("path %q: %w", cf.rel, err))
	}

	cf.c.mu.Lock()
	defer cf.c.mu.Unlock()

	if cf.c.live != cf.live {
		return nil
	}

	cf.c.durable[cf.rel] = fileSnapshot{data: data, perm: info.Mode().Perm()}

	return nil
}

func (cf *crashFile) Close() error {
	cf.mu.Lock()

	if cf.closed {
		cf.mu.Unlock()

		return nil
	}

	cf.mu.Unlock()

	err := cf.closeUnderlying()

	cf.c.mu.Lock()
	delete(cf.c.open, cf)
	cf.c.mu.Unlock()

	return err
}

func (cf *crashFile) closeUnderlying() error {
	cf.closeOnce.Do(func() {
		cf.closeErr = cf.f.Close()
	})

	cf.mu.Lock()
	cf.closed = true
	cf.mu.Unlock()

	return cf.closeErr
}

func readAllFromFD(fd uintptr, size int64) ([]byte, error) {
	if size <= 0 {
		return nil, nil
	}

	if size > int64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("file too large (%d bytes)", size)
	}

	buf := make([]byte, int(size))

	read := 0
	for read < len(buf) {
		bytesRead, err := syscall.Pread(int(fd), buf[read:], int64(read))
		if bytesRead > 0 {
			read += bytesRead
		}

		if err != nil {
			return nil, err
		}

		if bytesRead == 0 {
			break
		}
	}

	return buf[:read], nil
}

// virtualRel normalizes a user path into root-relative form.
//
// Absolute paths become root-relative ("/a" -> "a"). "." and "" refer to the
// root, and relative paths that clean to a leading ".." are rejected.
func virtualRel(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	clean := filepath.Clean(path)
	if clean == "." {
		return "", nil
	}

	if filepath.IsAbs(clean) {
		return strings.TrimPrefix(clean, string(os.PathSeparator)), nil
	}

	if clean == ".." || strings.HasPrefix(clean, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("relative path %q escapes crashfs root", path)
	}

	return clean, nil
}
