package logstore_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/logstore/pkg/logstore"
)

// abandonWrite writes a block and drops its token without indexing it.
func (s *store) abandonWrite(t *testing.T, id uint64, data string) int64 {
	t.Helper()

	toks, err := s.BlockWrites(context.Background(), []logstore.BlockWrite{{BlockID: id, Data: []byte(data)}}, s.acct)
	require.NoError(t, err, "block write %d", id)

	off := toks[0].Offset()
	toks[0].Release()

	return off
}

func TestShutdownCommitsExtentsEmptiedByTokens(t *testing.T) {
	t.Parallel()

	s, path := newStore(t)

	big := strings.Repeat("x", 8000)

	extentOf := func(off int64) int64 { return off - off%testExtentSize }

	// Two blocks fill the first data extent, the third opens a second one.
	first := s.put(t, 1, big)
	s.put(t, 2, big)
	second := s.put(t, 3, big)
	require.NotEqual(t, extentOf(first), extentOf(second), "third block shares the first extent")

	s.del(t, 1)
	s.del(t, 2)
	// The active extent is now empty but still named by the last metablock.
	s.del(t, 3)

	// Too large for the rest of the active extent: it is retired empty and
	// the write lands in the freed first extent.
	off := s.abandonWrite(t, 4, strings.Repeat("y", 8400))
	assert.Equal(t, extentOf(first), extentOf(off), "write did not move to the freed extent")

	require.NoError(t, s.Shutdown())

	s = openStore(t, path, logstore.Options{})

	for id := range uint64(5) {
		_, ok := s.get(t, id)
		assert.False(t, ok, "block %d exists", id)
	}

	s.put(t, 5, "after reopen")

	got, ok := s.get(t, 5)
	require.True(t, ok)
	assert.Equal(t, "after reopen", got)
	require.NoError(t, logstore.CheckInvariants(s.Serializer))

	require.NoError(t, s.Shutdown())

	_, err := logstore.Check(path, logstore.Options{})
	require.NoError(t, err)
}

func TestShutdownWithoutPendingExtentsWritesNoMetablock(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t)

	s.put(t, 1, "one")

	before := s.Stats().Snapshot().MetablockWrites

	require.NoError(t, s.Shutdown())
	assert.Equal(t, before, s.Stats().Snapshot().MetablockWrites)
}

func TestFailedCommitFailsQueuedWriters(t *testing.T) {
	t.Parallel()

	s, path := newStore(t)

	toks, err := s.BlockWrites(context.Background(), []logstore.BlockWrite{
		{BlockID: 1, Data: []byte("first")},
		{BlockID: 2, Data: []byte("second")},
	}, s.acct)
	require.NoError(t, err)

	injected := errors.New("injected metablock failure")
	secondDone := make(chan error, 1)

	var secondWrote atomic.Bool

	logstore.SetBeforeMetablockWrite(s.Serializer, func(seq uint64) error {
		if seq != 1 {
			secondWrote.Store(true)

			return nil
		}

		// Hold the first commit until the second one waits behind it.
		go func() {
			secondDone <- s.IndexWrite([]logstore.IndexWriteOp{{BlockID: 2, Token: toks[1]}}, nil)
		}()

		require.Eventually(t, func() bool { return logstore.QueuedCommits(s.Serializer) == 2 },
			5*time.Second, time.Millisecond)

		return injected
	})

	err = s.IndexWrite([]logstore.IndexWriteOp{{BlockID: 1, Token: toks[0]}}, nil)
	require.ErrorIs(t, err, logstore.ErrFailed)
	require.ErrorIs(t, err, injected)

	select {
	case err := <-secondDone:
		require.ErrorIs(t, err, logstore.ErrFailed)
	case <-time.After(5 * time.Second):
		t.Fatal("queued index write did not return")
	}

	assert.False(t, secondWrote.Load(), "queued writer wrote a metablock after a failed commit")

	_, _, err = s.IndexRead(1)
	require.ErrorIs(t, err, injected, "poison cause replaced")

	toks[0].Release()
	toks[1].Release()
	require.NoError(t, s.Shutdown())

	s = openStore(t, path, logstore.Options{})

	for _, id := range []uint64{1, 2} {
		_, ok := s.get(t, id)
		assert.False(t, ok, "block %d of a failed commit exists", id)
	}
}
