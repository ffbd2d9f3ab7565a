package logstore_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/logstore/pkg/fs"
	"github.com/calvinalkan/logstore/pkg/logstore"
)

const testExtentSize = 4 * logstore.MetablockSize

type store struct {
	*logstore.Serializer

	acct *logstore.IOAccount
}

func createStore(t *testing.T, opts logstore.Options) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "store.lst")
	require.NoError(t, logstore.Create(path, logstore.StaticConfig{ExtentSize: testExtentSize}, opts), "create")

	return path
}

func openStore(t *testing.T, path string, opts logstore.Options) *store {
	t.Helper()

	s, err := logstore.Open(path, opts)
	require.NoError(t, err, "open")

	t.Cleanup(func() { _ = s.Shutdown() })

	return &store{Serializer: s, acct: s.NewIOAccount("test")}
}

func newStore(t *testing.T) (*store, string) {
	t.Helper()

	path := createStore(t, logstore.Options{})

	return openStore(t, path, logstore.Options{}), path
}

func (s *store) put(t *testing.T, id uint64, data string) int64 {
	t.Helper()

	toks, err := s.BlockWrites(context.Background(), []logstore.BlockWrite{{BlockID: id, Data: []byte(data)}}, s.acct)
	require.NoError(t, err, "block write %d", id)

	defer toks[0].Release()

	require.NoError(t, s.IndexWrite([]logstore.IndexWriteOp{{BlockID: id, Token: toks[0]}}, nil), "index write %d", id)

	return toks[0].Offset()
}

func (s *store) del(t *testing.T, id uint64) {
	t.Helper()

	require.NoError(t, s.IndexWrite([]logstore.IndexWriteOp{{BlockID: id}}, nil), "delete %d", id)
}

func (s *store) get(t *testing.T, id uint64) (string, bool) {
	t.Helper()

	tok, ok, err := s.IndexRead(id)
	require.NoError(t, err, "index read %d", id)

	if !ok {
		return "", false
	}

	defer tok.Release()

	data, err := s.BlockRead(context.Background(), tok, s.acct)
	require.NoError(t, err, "block read %d", id)

	return string(data), true
}

func (s *store) snapshot(t *testing.T) map[uint64]string {
	t.Helper()

	out := make(map[uint64]string)

	blocks, err := s.Blocks()
	require.NoError(t, err, "blocks")

	for b := range blocks {
		data, ok := s.get(t, b.BlockID)
		require.True(t, ok, "listed block %d is absent", b.BlockID)

		out[b.BlockID] = data
	}

	return out
}

func payload(id uint64, version int) string {
	return fmt.Sprintf("block %d version %d %0100d", id, version, id)
}

func TestBlocksSurviveReopen(t *testing.T) {
	t.Parallel()

	s, path := newStore(t)

	s.put(t, 1, "one")
	s.put(t, 2, "two")
	s.put(t, 7, "seven")

	require.NoError(t, s.Shutdown())

	s = openStore(t, path, logstore.Options{})

	got, ok := s.get(t, 2)
	require.True(t, ok)
	assert.Equal(t, "two", got)

	got, ok = s.get(t, 7)
	require.True(t, ok)
	assert.Equal(t, "seven", got)

	_, ok = s.get(t, 3)
	assert.False(t, ok, "never written block exists")

	assert.Equal(t, uint64(8), s.MaxBlockID())
}

func TestDeletedBlockStaysAbsent(t *testing.T) {
	t.Parallel()

	s, path := newStore(t)

	s.put(t, 4, "four")
	s.del(t, 4)

	_, ok := s.get(t, 4)
	require.False(t, ok, "deleted block still readable")

	// Deleting an absent block is a no-op.
	s.del(t, 9)

	require.NoError(t, s.Shutdown())

	s = openStore(t, path, logstore.Options{})

	_, ok = s.get(t, 4)
	assert.False(t, ok, "deleted block came back after reopen")
	assert.Equal(t, uint64(5), s.MaxBlockID(), "no-op delete moved max block id")
}

func TestManyBlocksSurviveReopen(t *testing.T) {
	t.Parallel()

	s, path := newStore(t)

	want := make(map[uint64]string)

	for round := range 4 {
		for id := uint64(0); id < 300; id++ {
			switch {
			case id%7 == uint64(round):
				s.del(t, id)
				delete(want, id)
			case id%3 != uint64(round%3):
				data := payload(id, round)
				s.put(t, id, data)
				want[id] = data
			}
		}
	}

	require.NoError(t, logstore.CheckInvariants(s.Serializer))

	before := s.Info()
	require.NoError(t, s.Shutdown())

	s = openStore(t, path, logstore.Options{})

	if diff := cmp.Diff(want, s.snapshot(t)); diff != "" {
		t.Fatalf("blocks after reopen (-want +got):\n%s", diff)
	}

	after := s.Info()
	assert.Equal(t, before.Blocks, after.Blocks)
	assert.Equal(t, before.MaxBlockID, after.MaxBlockID)
	assert.Equal(t, before.MetablockVersion, after.MetablockVersion)
}

func TestIndexWriteReflectsBeforeReturn(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t)

	s.put(t, 1, "old")

	toks, err := s.BlockWrites(context.Background(), []logstore.BlockWrite{{BlockID: 1, Data: []byte("new")}}, s.acct)
	require.NoError(t, err)

	defer toks[0].Release()

	calls := 0

	err = s.IndexWrite([]logstore.IndexWriteOp{{BlockID: 1, Token: toks[0]}}, func() {
		calls++

		got, ok := s.get(t, 1)
		assert.True(t, ok)
		assert.Equal(t, "new", got, "reflected before the index changed")
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestConcurrentIndexWritesCommitInOrder(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t)

	var (
		mu      sync.Mutex
		commits = make(map[uint64]uint64)
	)

	logstore.SetAfterMetablockWrite(s.Serializer, func(seq, version uint64) {
		mu.Lock()
		commits[seq] = version
		mu.Unlock()
	})

	const (
		writers = 8
		each    = 25
	)

	var wg sync.WaitGroup

	for w := range writers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for i := range each {
				id := uint64(w*each + i)

				toks, err := s.BlockWrites(context.Background(), []logstore.BlockWrite{{BlockID: id, Data: []byte(payload(id, 0))}}, s.acct)
				if !assert.NoError(t, err) {
					return
				}

				assert.NoError(t, s.IndexWrite([]logstore.IndexWriteOp{{BlockID: id, Token: toks[0]}}, nil))
				toks[0].Release()
			}
		}()
	}

	wg.Wait()

	require.Len(t, commits, writers*each)

	// Create wrote version 1.
	for seq, version := range commits {
		assert.Equal(t, seq+1, version, "commit %d got version %d", seq, version)
	}

	assert.Equal(t, int64(writers*each), s.Stats().MetablockWrites.Load())
}

func TestIndexWriteSkipsStaleExpectation(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t)

	off := s.put(t, 1, "first")

	toks, err := s.BlockWrites(context.Background(), []logstore.BlockWrite{{BlockID: 1, Data: []byte("second")}}, s.acct)
	require.NoError(t, err)

	defer toks[0].Release()

	require.NoError(t, s.IndexWrite([]logstore.IndexWriteOp{{BlockID: 1, Token: toks[0], ExpectOffset: off + 64}}, nil))

	got, _ := s.get(t, 1)
	assert.Equal(t, "first", got, "op with stale expectation applied")

	require.NoError(t, s.IndexWrite([]logstore.IndexWriteOp{{BlockID: 1, Token: toks[0], ExpectOffset: off}}, nil))

	got, _ = s.get(t, 1)
	assert.Equal(t, "second", got)
}

func TestIndexWriteRejectsForeignToken(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t)

	toks, err := s.BlockWrites(context.Background(), []logstore.BlockWrite{{BlockID: 1, Data: []byte("x")}}, s.acct)
	require.NoError(t, err)

	defer toks[0].Release()

	err = s.IndexWrite([]logstore.IndexWriteOp{{BlockID: 2, Token: toks[0]}}, nil)
	require.ErrorIs(t, err, logstore.ErrInvalidInput)

	_, ok := s.get(t, 2)
	assert.False(t, ok)
}

func TestTokenKeepsOverwrittenBlockReadable(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t)

	s.put(t, 1, "a")

	tok, ok, err := s.IndexRead(1)
	require.NoError(t, err)
	require.True(t, ok)

	off := tok.Offset()

	s.put(t, 1, "b")

	index, token := logstore.IsLive(s.Serializer, off)
	assert.False(t, index, "index bit of overwritten block")
	assert.True(t, token, "token bit of held block")

	data, err := s.BlockRead(context.Background(), tok, s.acct)
	require.NoError(t, err)
	assert.Equal(t, "a", string(data))

	tok.Release()

	index, token = logstore.IsLive(s.Serializer, off)
	assert.False(t, index)
	assert.False(t, token, "released block still token live")

	got, _ := s.get(t, 1)
	assert.Equal(t, "b", got)
}

func TestBlockWriteTooLarge(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t)

	_, err := s.BlockWrites(context.Background(), []logstore.BlockWrite{{BlockID: 1, Data: make([]byte, testExtentSize)}}, s.acct)
	require.ErrorIs(t, err, logstore.ErrBlockTooLarge)
}

func TestShutdownWaitsForTokens(t *testing.T) {
	t.Parallel()

	path := createStore(t, logstore.Options{})

	s, err := logstore.Open(path, logstore.Options{})
	require.NoError(t, err)

	st := &store{Serializer: s, acct: s.NewIOAccount("test")}
	st.put(t, 1, "held")

	tok, ok, err := s.IndexRead(1)
	require.NoError(t, err)
	require.True(t, ok)

	done := make(chan error, 1)

	go func() { done <- s.Shutdown() }()

	select {
	case err := <-done:
		t.Fatalf("shutdown returned with a live token: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	tok.Release()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not return after the last token was released")
	}

	_, _, err = s.IndexRead(1)
	require.ErrorIs(t, err, logstore.ErrClosed)
	require.ErrorIs(t, s.Shutdown(), logstore.ErrClosed)
}

func TestOpenHeldStoreIsBusy(t *testing.T) {
	t.Parallel()

	_, path := newStore(t)

	_, err := logstore.Open(path, logstore.Options{})
	require.ErrorIs(t, err, logstore.ErrBusy)

	_, err = logstore.Check(path, logstore.Options{})
	require.ErrorIs(t, err, logstore.ErrBusy)
}

func TestCreateRejectsExistingFile(t *testing.T) {
	t.Parallel()

	path := createStore(t, logstore.Options{})

	err := logstore.Create(path, logstore.StaticConfig{ExtentSize: testExtentSize}, logstore.Options{})
	require.Error(t, err)
	require.ErrorIs(t, err, os.ErrExist)
}

func TestCreateRejectsBadExtentSize(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	for _, size := range []int64{logstore.MetablockSize, 3 * logstore.MetablockSize, testExtentSize + 100} {
		err := logstore.Create(filepath.Join(dir, fmt.Sprint(size)), logstore.StaticConfig{ExtentSize: size}, logstore.Options{})
		require.ErrorIs(t, err, logstore.ErrInvalidInput, "extent size %d", size)
	}
}

func overwriteAt(t *testing.T, path string, off int64, data []byte) {
	t.Helper()

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)

	_, err = f.WriteAt(data, off)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestOpenUnsupportedFormat(t *testing.T) {
	t.Parallel()

	path := createStore(t, logstore.Options{})
	overwriteAt(t, path, 0, logstore.EncodeHeader(9, testExtentSize))

	_, err := logstore.Open(path, logstore.Options{})
	require.ErrorIs(t, err, logstore.ErrUnsupportedFormat)

	// The failed open released the lock.
	overwriteAt(t, path, 0, logstore.EncodeHeader(logstore.FormatV2, testExtentSize))

	s, err := logstore.Open(path, logstore.Options{})
	require.NoError(t, err)
	require.NoError(t, s.Shutdown())
}

func TestOpenCorruptHeader(t *testing.T) {
	t.Parallel()

	path := createStore(t, logstore.Options{})
	overwriteAt(t, path, 20, []byte{0xff})

	_, err := logstore.Open(path, logstore.Options{})
	require.ErrorIs(t, err, logstore.ErrCorrupt)
}

func TestOpenWithoutMetablock(t *testing.T) {
	t.Parallel()

	path := createStore(t, logstore.Options{})
	overwriteAt(t, path, logstore.MetablockSize, make([]byte, testExtentSize-logstore.MetablockSize))

	_, err := logstore.Open(path, logstore.Options{})
	require.ErrorIs(t, err, logstore.ErrNoMetablock)
}

func TestFirstIndexWriteMigratesFormat(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "store.lst")
	require.NoError(t, logstore.CreateWithFormat(path, logstore.StaticConfig{ExtentSize: testExtentSize}, logstore.Options{}, logstore.FormatV1))

	s := openStore(t, path, logstore.Options{})

	info := s.Info()
	require.Equal(t, logstore.FormatV1, info.Format)
	require.Equal(t, uuid.Nil, info.InstanceID)

	s.put(t, 1, "after migration")

	info = s.Info()
	require.Equal(t, logstore.FormatV2, info.Format)
	require.NotEqual(t, uuid.Nil, info.InstanceID)
	assert.Equal(t, uuid.Version(7), info.InstanceID.Version())

	id := info.InstanceID

	require.NoError(t, s.Shutdown())

	s = openStore(t, path, logstore.Options{})

	info = s.Info()
	assert.Equal(t, logstore.FormatV2, info.Format)
	assert.Equal(t, id, info.InstanceID)

	got, ok := s.get(t, 1)
	require.True(t, ok)
	assert.Equal(t, "after migration", got)
}

func TestCommitFailurePoisonsSerializer(t *testing.T) {
	t.Parallel()

	chaos := fs.NewChaos(fs.NewReal(), 1, &fs.ChaosConfig{SyncFailRate: 1})
	chaos.SetMode(fs.ChaosModeNoOp)

	opts := logstore.Options{FS: chaos}
	path := createStore(t, opts)
	s := openStore(t, path, opts)

	s.put(t, 1, "durable")

	toks, err := s.BlockWrites(context.Background(), []logstore.BlockWrite{{BlockID: 2, Data: []byte("lost")}}, s.acct)
	require.NoError(t, err)

	chaos.SetMode(fs.ChaosModeActive)

	err = s.IndexWrite([]logstore.IndexWriteOp{{BlockID: 2, Token: toks[0]}}, nil)
	require.ErrorIs(t, err, logstore.ErrFailed)
	assert.True(t, fs.IsChaosErr(err), "cause not kept: %v", err)

	chaos.SetMode(fs.ChaosModeNoOp)

	err = s.IndexWrite([]logstore.IndexWriteOp{{BlockID: 2, Token: toks[0]}}, nil)
	require.ErrorIs(t, err, logstore.ErrFailed, "serializer recovered on its own")

	_, _, err = s.IndexRead(1)
	require.ErrorIs(t, err, logstore.ErrFailed)

	toks[0].Release()
	require.NoError(t, s.Shutdown())

	s = openStore(t, path, logstore.Options{})

	got, ok := s.get(t, 1)
	require.True(t, ok)
	assert.Equal(t, "durable", got)

	_, ok = s.get(t, 2)
	assert.False(t, ok, "block of failed commit exists")
}

func TestCheckReportsDamagedBlocks(t *testing.T) {
	t.Parallel()

	s, path := newStore(t)

	s.put(t, 1, "intact")
	off := s.put(t, 2, "damaged")

	require.NoError(t, s.Shutdown())

	report, err := logstore.Check(path, logstore.Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Blocks)
	assert.Equal(t, uint64(3), report.MaxBlockID)
	assert.Equal(t, logstore.FormatV2, report.Format)
	assert.Equal(t, 1, report.DataExtents)
	assert.Empty(t, report.Problems)

	overwriteAt(t, path, off+20, []byte{'X'})

	report, err = logstore.Check(path, logstore.Options{})
	require.ErrorIs(t, err, logstore.ErrCorrupt)
	require.Len(t, report.Problems, 1)
	assert.Contains(t, report.Problems[0].Error(), "block 2")
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	path := createStore(t, logstore.Options{})

	cfg := logstore.DefaultDynamicConfig()
	cfg.ReplayBatchSize = 0

	_, err := logstore.Open(path, logstore.Options{Config: &cfg})
	require.ErrorIs(t, err, logstore.ErrInvalidInput)
}

func TestReplayInSmallBatches(t *testing.T) {
	t.Parallel()

	path := createStore(t, logstore.Options{})
	s := openStore(t, path, logstore.Options{})

	want := make(map[uint64]string)

	for id := range uint64(50) {
		want[id] = payload(id, 1)
		s.put(t, id, want[id])
	}

	require.NoError(t, s.Shutdown())

	cfg := logstore.DefaultDynamicConfig()
	cfg.ReplayBatchSize = 3

	s = openStore(t, path, logstore.Options{Config: &cfg})

	if diff := cmp.Diff(want, s.snapshot(t)); diff != "" {
		t.Fatalf("blocks after batched replay (-want +got):\n%s", diff)
	}
}

func TestErrorsAreDistinct(t *testing.T) {
	t.Parallel()

	all := []error{
		logstore.ErrCorrupt, logstore.ErrNoMetablock, logstore.ErrUnsupportedFormat,
		logstore.ErrInvalidInput, logstore.ErrBusy, logstore.ErrClosed,
		logstore.ErrFailed, logstore.ErrBlockTooLarge,
	}

	for i, a := range all {
		for j, b := range all {
			assert.Equal(t, i == j, errors.Is(a, b), "%v vs %v", a, b)
		}
	}
}

func TestBlocksListsLiveBlocksInOrder(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t)

	const far = uint64(1_000_000_000_000)

	offsets := map[uint64]int64{
		far: s.put(t, far, "far"),
		9:   s.put(t, 9, "nine"),
	}

	s.put(t, 3, "three")
	s.del(t, 3)

	blocks, err := s.Blocks()
	require.NoError(t, err)

	// Later writes do not change the snapshot.
	s.put(t, 4, "four")

	var ids []uint64

	for b := range blocks {
		ids = append(ids, b.BlockID)
		assert.Equal(t, offsets[b.BlockID], b.Offset, "offset of %d", b.BlockID)
	}

	assert.Equal(t, []uint64{9, far}, ids)
	assert.Equal(t, far+1, s.MaxBlockID())

	blocks, err = s.Blocks()
	require.NoError(t, err)

	for b := range blocks {
		assert.Equal(t, uint64(4), b.BlockID, "first block")

		break
	}

	require.NoError(t, s.Shutdown())

	_, err = s.Blocks()
	require.ErrorIs(t, err, logstore.ErrClosed)
}
