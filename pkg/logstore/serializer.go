package logstore

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/calvinalkan/logstore/internal/dbm"
	"github.com/calvinalkan/logstore/internal/extent"
	"github.com/calvinalkan/logstore/internal/lba"
	"github.com/calvinalkan/logstore/internal/metablock"
	"github.com/calvinalkan/logstore/internal/token"
	"github.com/calvinalkan/logstore/pkg/fs"
)

// Token pins one block version. See [Serializer.IndexRead].
type Token = token.Token

// IOAccount bounds concurrent device I/O of one kind of caller.
type IOAccount = dbm.IOAccount

// BlockWrite is one payload handed to [Serializer.BlockWrites].
type BlockWrite = dbm.Write

type state uint8

const (
	stateUnstarted state = iota
	stateStartingUp
	stateReady
	stateShuttingDown
	stateShutDown
)

func (s state) String() string {
	switch s {
	case stateUnstarted:
		return "unstarted"
	case stateStartingUp:
		return "starting_up"
	case stateReady:
		return "ready"
	case stateShuttingDown:
		return "shutting_down"
	case stateShutDown:
		return "shut_down"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Options configures [Create], [Open] and [Check].
type Options struct {
	// FS opens the store and lock files. Nil uses the real filesystem.
	FS fs.FS

	// Logger receives lifecycle events. Nil discards.
	Logger *slog.Logger

	// Config holds tunables. Nil uses [DefaultDynamicConfig].
	Config *DynamicConfig

	// Stats receives counters. Nil allocates a private sink.
	Stats *Stats
}

func (o Options) fsys() fs.FS {
	if o.FS == nil {
		return fs.NewReal()
	}

	return o.FS
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}

	return o.Logger
}

func (o Options) config() (DynamicConfig, error) {
	if o.Config == nil {
		return DefaultDynamicConfig(), nil
	}

	if err := o.Config.Validate(); err != nil {
		return DynamicConfig{}, err
	}

	return *o.Config, nil
}

// ReadAheadFunc is offered blocks found next to a read block. Returning true
// takes ownership of tok; the callee must release it. Returning false lets
// the next callback see it.
type ReadAheadFunc func(blockID uint64, tok *Token, data []byte) bool

type testHooks struct {
	beforeMetablockWrite func(seq uint64) error
	afterMetablockWrite  func(seq, version uint64)
}

// Serializer owns one store file. It orders index writes into metablock
// commits and arbitrates between the extent manager, the LBA index and the
// data block manager.
//
// A Serializer is safe for concurrent use.
type Serializer struct {
	path  string
	fsys  fs.FS
	file  fs.File
	lock  *fs.Lock
	log   *slog.Logger
	cfg   DynamicConfig
	stats *Stats

	// mu is the home thread. It guards every field below and the state of
	// em, lba, dbm and tokens.
	mu       sync.Mutex
	state    state
	failErr  error
	em       *extent.Manager
	lba      *lba.Index
	dbm      *dbm.Manager
	tokens   *token.Registry
	inflight int
	idle     *sync.Cond

	mb     *metablock.Manager
	mbTail chan struct{}
	mbSeq  uint64

	failed atomic.Bool

	// migrateMu guards header and migrationPending.
	migrateMu        sync.Mutex
	header           staticHeader
	migrationPending bool

	readAhead     map[uint64]ReadAheadFunc
	nextReadAhead uint64

	gcAcct *IOAccount
	gcKick chan struct{}
	gcStop chan struct{}
	gcDone chan struct{}

	hooks testHooks
}

// Create initializes a new store at path. The file must not exist.
func Create(path string, cfg StaticConfig, opts Options) error {
	return create(path, cfg, opts, CurrentFormat)
}

func create(path string, cfg StaticConfig, opts Options, format uint32) error {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return err
	}

	fsys := opts.fsys()
	log := opts.logger()

	lock, err := lockStore(fsys, path)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Close() }()

	file, err := fsys.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("creating store: %w", err)
	}

	err = initialize(file, cfg, format, log)
	closeErr := file.Close()

	if err != nil {
		return err
	}

	if closeErr != nil {
		return fmt.Errorf("closing store: %w", closeErr)
	}

	log.Info("store created",
		slog.String("path", path),
		slog.Int64("extent_size", cfg.ExtentSize),
		slog.Uint64("format", uint64(format)))

	return nil
}

func initialize(file fs.File, cfg StaticConfig, format uint32, log *slog.Logger) error {
	em, err := extent.NewManager(file, cfg.ExtentSize, 0, extent.Options{Logger: log})
	if err != nil {
		return err
	}

	em.ReconstructFreeList()

	if _, err := em.GenExtent(); err != nil {
		return fmt.Errorf("allocating header extent: %w", err)
	}

	h := staticHeader{format: format, extentSize: cfg.ExtentSize}

	if format >= FormatV2 {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generating instance id: %w", err)
		}

		h.instanceID = id
	}

	if _, err := file.WriteAt(encodeStaticHeader(h), 0); err != nil {
		return fmt.Errorf("writing static header: %w", err)
	}

	payload := metaPayload{
		extents: em.PrepareMixin(),
		data:    dbm.Mixin{ActiveOffset: -1},
		lba:     lba.EmptyMixin(),
	}

	// Create syncs, which also covers the header.
	if _, err := metablock.Create(file, cfg.ExtentSize, format, payload.encode(), log); err != nil {
		return err
	}

	return nil
}

func lockStore(fsys fs.FS, path string) (*fs.Lock, error) {
	lock, err := fs.NewLocker(fsys).TryLock(path + ".lock")
	if err != nil {
		if errors.Is(err, fs.ErrWouldBlock) {
			return nil, fmt.Errorf("locking %s: %w", path, ErrBusy)
		}

		return nil, fmt.Errorf("locking %s: %w", path, err)
	}

	return lock, nil
}

// Open starts a serializer on an existing store. It blocks until startup
// finished and the serializer is ready.
func Open(path string, opts Options) (*Serializer, error) {
	cfg, err := opts.config()
	if err != nil {
		return nil, err
	}

	stats := opts.Stats
	if stats == nil {
		stats = &Stats{}
	}

	s := &Serializer{
		path:      path,
		fsys:      opts.fsys(),
		log:       opts.logger().With(slog.String("store", path)),
		cfg:       cfg,
		stats:     stats,
		readAhead: make(map[uint64]ReadAheadFunc),
		gcKick:    make(chan struct{}, 1),
		gcStop:    make(chan struct{}),
		gcDone:    make(chan struct{}),
	}
	s.idle = sync.NewCond(&s.mu)

	// Nothing precedes the first metablock write.
	s.mbTail = make(chan struct{})
	close(s.mbTail)

	if err := s.start(); err != nil {
		s.abortStart()

		return nil, err
	}

	s.gcAcct = dbm.NewIOAccount("gc", cfg.MaxOutstandingReads)

	go s.gcLoop()

	return s, nil
}

func (s *Serializer) abortStart() {
	if s.lba != nil {
		s.lba.Close()
	}

	if s.file != nil {
		_ = s.file.Close()
	}

	if s.lock != nil {
		_ = s.lock.Close()
	}

	s.state = stateShutDown
}

// Path returns the store file path.
func (s *Serializer) Path() string { return s.path }

// usableLocked reports why new operations are refused.
func (s *Serializer) usableLocked() error {
	if s.failErr != nil {
		return fmt.Errorf("%w: %w", ErrFailed, s.failErr)
	}

	if s.state != stateReady {
		return fmt.Errorf("serializer is %s: %w", s.state, ErrClosed)
	}

	return nil
}

// beginOpLocked admits one operation that shutdown must wait for.
func (s *Serializer) beginOpLocked() error {
	if err := s.usableLocked(); err != nil {
		return err
	}

	s.inflight++

	return nil
}

func (s *Serializer) endOpLocked() {
	s.inflight--
	if s.inflight == 0 {
		s.idle.Broadcast()
	}
}

func (s *Serializer) endOp() {
	s.mu.Lock()
	s.endOpLocked()
	s.mu.Unlock()
}

// failLocked poisons the serializer after a commit-path I/O error.
func (s *Serializer) failLocked(err error) {
	if s.failErr != nil {
		return
	}

	s.failErr = err
	s.failed.Store(true)
	s.log.Error("commit failed, serializer poisoned", slog.Any("error", err))
}

// Info describes an open store.
type Info struct {
	Path             string
	Format           uint32
	InstanceID       uuid.UUID
	ExtentSize       int64
	MetablockSlots   int
	MetablockVersion uint64
	Blocks           int
	MaxBlockID       uint64
	Extents          extent.Counts
	LBAExtents       int
	DataExtents      int
	LiveBytes        int64
	State            string
}

// Info returns a snapshot of the store layout.
func (s *Serializer) Info() Info {
	s.migrateMu.Lock()
	h := s.header
	s.migrateMu.Unlock()

	info := Info{
		Path:             s.path,
		Format:           h.format,
		InstanceID:       h.instanceID,
		ExtentSize:       h.extentSize,
		MetablockSlots:   s.mb.Slots(),
		MetablockVersion: s.mb.NextVersion() - 1,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	info.State = s.state.String()
	if s.state == stateShutDown {
		return info
	}

	dc := s.dbm.Counts()
	info.Blocks = s.lba.Len()
	info.MaxBlockID = s.lba.MaxBlockID()
	info.Extents = s.em.Counts()
	info.LBAExtents = s.lba.ExtentCount()
	info.DataExtents = dc.Extents
	info.LiveBytes = dc.LiveBytes

	return info
}

// Stats returns the counter sink.
func (s *Serializer) Stats() *Stats { return s.stats }
