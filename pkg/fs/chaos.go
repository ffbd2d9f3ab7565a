package fs

import (
	"errors"
	iofs "io/fs"
	"math/rand/v2"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
)

// ChaosConfig controls fault injection probabilities.
// Each rate is a float64 from 0.0 (never) to 1.0 (always).
//
// The zero value disables all fault injection.
type ChaosConfig struct {
	// OpenFailRate controls how often [Chaos.OpenFile] fails. Returns EACCES,
	// EIO, EMFILE or ENFILE.
	OpenFailRate float64

	// ReadFailRate controls how often File.Read and File.ReadAt fail
	// entirely, returning zero bytes and EIO.
	ReadFailRate float64

	// WriteFailRate controls how often File.Write and File.WriteAt fail
	// entirely, writing zero bytes and returning EIO, ENOSPC, EDQUOT or EROFS.
	WriteFailRate float64

	// PartialWriteRate controls how often File.WriteAt writes only a prefix
	// before failing. Returns n > 0 bytes written along with EIO.
	PartialWriteRate float64

	// SyncFailRate controls how often File.Sync (fsync) fails. Returns EIO,
	// ENOSPC, EDQUOT or EROFS.
	SyncFailRate float64

	// TruncateFailRate controls how often File.Truncate fails. Returns EIO
	// or EROFS.
	TruncateFailRate float64
}

// ChaosMode controls how [Chaos] behaves.
type ChaosMode uint8

const (
	// ChaosModeActive enables fault-rate injection.
	// This is the default mode for a new [Chaos].
	ChaosModeActive ChaosMode = iota

	// ChaosModeNoOp passes every operation directly to the underlying FS.
	ChaosModeNoOp
)

// ChaosStats contains counts of injected faults.
type ChaosStats struct {
	OpenFails     int64
	ReadFails     int64
	WriteFails    int64
	PartialWrites int64
	SyncFails     int64
	TruncateFails int64
}

// chaosError marks an error as intentionally injected by [Chaos].
//
// It wraps the underlying error so errors.Is/As continue to work.
type chaosError struct {
	Err error
}

func (e *chaosError) Error() string {
	return "chaos: " + e.Err.Error()
}

func (e *chaosError) Unwrap() error {
	return e.Err
}

// IsChaosErr reports whether err (or any wrapped error) was injected by [Chaos].
func IsChaosErr(err error) bool {
	var injected *chaosError

	return errors.As(err, &injected)
}

// Chaos wraps an [FS] and injects random failures for testing.
//
// Injected filesystem errors are returned as an [*iofs.PathError] with a real
// [syscall.Errno] in PathError.Err, so [errors.Is] behaves like it does for
// real OS errors. [IsChaosErr] distinguishes injected from real failures.
// Chaos never injects ENOENT and does not maintain per-path fault state;
// each call independently decides whether to inject.
type Chaos struct {
	fs   FS
	rng  *rand.Rand
	cfg  ChaosConfig
	mode atomic.Uint32

	rngMu sync.Mutex

	openFails     atomic.Int64
	readFails     atomic.Int64
	writeFails    atomic.Int64
	partialWrites atomic.Int64
	syncFails     atomic.Int64
	truncateFails atomic.Int64
}

// NewChaos creates a new [Chaos] filesystem wrapping the given [FS].
// The seed controls random fault injection for reproducibility.
// Panics if underlying is nil.
func NewChaos(underlying FS, seed int64, config *ChaosConfig) *Chaos {
	if underlying == nil {
		panic("underlying fs is nil")
	}

	return &Chaos{
		fs:  underlying,
		rng: rand.New(rand.NewPCG(uint64(seed), uint64(seed))),
		cfg: *config,
	}
}

// SetMode updates [Chaos] behavior. Safe to call concurrently with
// filesystem operations.
func (c *Chaos) SetMode(m ChaosMode) { c.mode.Store(uint32(m)) }

// Stats returns the current fault injection counts.
func (c *Chaos) Stats() ChaosStats {
	return ChaosStats{
		OpenFails:     c.openFails.Load(),
		ReadFails:     c.readFails.Load(),
		WriteFails:    c.writeFails.Load(),
		PartialWrites: c.partialWrites.Load(),
		SyncFails:     c.syncFails.Load(),
		TruncateFails: c.truncateFails.Load(),
	}
}

// TotalFaults returns the total number of injected faults.
func (c *Chaos) TotalFaults() int64 {
	s := c.Stats()

	return s.OpenFails + s.ReadFails + s.WriteFails + s.PartialWrites + s.SyncFails + s.TruncateFails
}

var _ FS = (*Chaos)(nil)

// OpenFile opens a file with fault injection.
func (c *Chaos) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	if c.should(c.cfg.OpenFailRate) {
		c.openFails.Add(1)

		return nil, pathError("open", path, c.pick(syscall.EACCES, syscall.EIO, syscall.EMFILE, syscall.ENFILE))
	}

	f, err := c.fs.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}

	return &chaosFile{c: c, f: f, path: path}, nil
}

// ReadFile passes through to the underlying filesystem.
func (c *Chaos) ReadFile(path string) ([]byte, error) { return c.fs.ReadFile(path) }

// MkdirAll passes through to the underlying filesystem.
func (c *Chaos) MkdirAll(path string, perm os.FileMode) error { return c.fs.MkdirAll(path, perm) }

// Stat passes through to the underlying filesystem.
func (c *Chaos) Stat(path string) (os.FileInfo, error) { return c.fs.Stat(path) }

// Exists passes through to the underlying filesystem.
func (c *Chaos) Exists(path string) (bool, error) { return c.fs.Exists(path) }

// Remove passes through to the underlying filesystem.
func (c *Chaos) Remove(path string) error { return c.fs.Remove(path) }

func (c *Chaos) should(rate float64) bool {
	if rate <= 0 || ChaosMode(c.mode.Load()) == ChaosModeNoOp {
		return false
	}

	c.rngMu.Lock()
	defer c.rngMu.Unlock()

	return c.rng.Float64() < rate
}

func (c *Chaos) pick(errnos ...syscall.Errno) syscall.Errno {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()

	return errnos[c.rng.IntN(len(errnos))]
}

func (c *Chaos) prefixLen(n int) int {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()

	return c.rng.IntN(n-1) + 1
}

func pathError(op, path string, errno syscall.Errno) error {
	return &chaosError{Err: &iofs.PathError{Op: op, Path: path, Err: errno}}
}

type chaosFile struct {
	c    *Chaos
	f    File
	path string
}

var _ File = (*chaosFile)(nil)

func (cf *chaosFile) Read(buf []byte) (int, error) {
	if cf.c.should(cf.c.cfg.ReadFailRate) {
		cf.c.readFails.Add(1)

		return 0, pathError("read", cf.path, syscall.EIO)
	}

	return cf.f.Read(buf)
}

func (cf *chaosFile) ReadAt(buf []byte, off int64) (int, error) {
	if cf.c.should(cf.c.cfg.ReadFailRate) {
		cf.c.readFails.Add(1)

		return 0, pathError("read", cf.path, syscall.EIO)
	}

	return cf.f.ReadAt(buf, off)
}

func (cf *chaosFile) Write(buf []byte) (int, error) {
	if cf.c.should(cf.c.cfg.WriteFailRate) {
		cf.c.writeFails.Add(1)

		return 0, pathError("write", cf.path, cf.c.pick(syscall.EIO, syscall.ENOSPC, syscall.EDQUOT, syscall.EROFS))
	}

	return cf.f.Write(buf)
}

func (cf *chaosFile) WriteAt(buf []byte, off int64) (int, error) {
	if cf.c.should(cf.c.cfg.WriteFailRate) {
		cf.c.writeFails.Add(1)

		return 0, pathError("write", cf.path, cf.c.pick(syscall.EIO, syscall.ENOSPC, syscall.EDQUOT, syscall.EROFS))
	}

	if len(buf) > 1 && cf.c.should(cf.c.cfg.PartialWriteRate) {
		cf.c.partialWrites.Add(1)

		n, err := cf.f.WriteAt(buf[:cf.c.prefixLen(len(buf))], off)
		if err != nil {
			return n, err
		}

		return n, pathError("write", cf.path, syscall.EIO)
	}

	return cf.f.WriteAt(buf, off)
}

func (cf *chaosFile) Sync() error {
	if cf.c.should(cf.c.cfg.SyncFailRate) {
		cf.c.syncFails.Add(1)

		return pathError("sync", cf.path, cf.c.pick(syscall.EIO, syscall.ENOSPC, syscall.EDQUOT, syscall.EROFS))
	}

	return cf.f.Sync()
}

func (cf *chaosFile) Truncate(size int64) error {
	if cf.c.should(cf.c.cfg.TruncateFailRate) {
		cf.c.truncateFails.Add(1)

		return pathError("truncate", cf.path, cf.c.pick(syscall.EIO, syscall.EROFS))
	}

	return cf.f.Truncate(size)
}

func (cf *chaosFile) Close() error { return cf.f.Close() }

func (cf *chaosFile) Fd() uintptr { return cf.f.Fd() }

func (cf *chaosFile) Stat() (os.FileInfo, error) { return cf.f.Stat() }
