package logstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/logstore/pkg/logstore"
)

func TestCompactionRelocatesLiveBlocks(t *testing.T) {
	t.Parallel()

	cfg := logstore.DefaultDynamicConfig()
	cfg.GCHighRatio = 0.5
	cfg.GCLowRatio = 0.1

	opts := logstore.Options{Config: &cfg}
	path := createStore(t, opts)
	s := openStore(t, path, opts)

	want := make(map[uint64]string)

	for id := range uint64(300) {
		want[id] = payload(id, 0)
		s.put(t, id, want[id])
	}

	for id := range uint64(300) {
		if id%10 != 0 {
			want[id] = payload(id, 1)
			s.put(t, id, want[id])
		}
	}

	// The loop may already be compacting in the background.
	s.Compact()

	require.Eventually(t, func() bool {
		s.Compact()

		return s.Stats().DataGCs.Load() > 0
	}, 5*time.Second, 10*time.Millisecond, "no compaction ran")

	if diff := cmp.Diff(want, s.snapshot(t)); diff != "" {
		t.Fatalf("blocks after compaction (-want +got):\n%s", diff)
	}

	require.NoError(t, logstore.CheckInvariants(s.Serializer))
	require.NoError(t, s.Shutdown())

	s = openStore(t, path, opts)

	if diff := cmp.Diff(want, s.snapshot(t)); diff != "" {
		t.Fatalf("blocks after reopen (-want +got):\n%s", diff)
	}
}

func TestCompactionKeepsConcurrentOverwrites(t *testing.T) {
	t.Parallel()

	cfg := logstore.DefaultDynamicConfig()
	cfg.GCHighRatio = 0.3
	cfg.GCLowRatio = 0.05

	opts := logstore.Options{Config: &cfg}
	s := openStore(t, createStore(t, opts), opts)

	const ids = 200

	want := make(map[uint64]string)

	for id := range uint64(ids) {
		want[id] = payload(id, 0)
		s.put(t, id, want[id])
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})

	go func() {
		defer close(done)

		for ctx.Err() == nil {
			s.Compact()
			time.Sleep(time.Millisecond)
		}
	}()

	for round := 1; round < 5; round++ {
		for id := range uint64(ids) {
			if id%4 == uint64(round%4) {
				continue
			}

			want[id] = payload(id, round)
			s.put(t, id, want[id])
		}
	}

	cancel()
	<-done

	if diff := cmp.Diff(want, s.snapshot(t)); diff != "" {
		t.Fatalf("blocks after racing compaction (-want +got):\n%s", diff)
	}

	require.NoError(t, logstore.CheckInvariants(s.Serializer))
}

func TestReadAheadOffersNeighbors(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t)

	toks, err := s.BlockWrites(context.Background(), []logstore.BlockWrite{
		{BlockID: 1, Data: []byte("first")},
		{BlockID: 2, Data: []byte("second")},
		{BlockID: 3, Data: []byte("third")},
	}, s.acct)
	require.NoError(t, err)

	ops := make([]logstore.IndexWriteOp, len(toks))
	for i, tok := range toks {
		ops[i] = logstore.IndexWriteOp{BlockID: tok.BlockID(), Token: tok}
	}

	require.NoError(t, s.IndexWrite(ops, nil))

	for _, tok := range toks {
		tok.Release()
	}

	var declined int

	s.RegisterReadAhead(func(uint64, *logstore.Token, []byte) bool {
		declined++

		return false
	})

	got := make(map[uint64]string)

	id := s.RegisterReadAhead(func(blockID uint64, tok *logstore.Token, data []byte) bool {
		got[blockID] = string(data)
		tok.Release()

		return true
	})

	data, ok := s.get(t, 1)
	require.True(t, ok)
	assert.Equal(t, "first", data)

	assert.Equal(t, map[uint64]string{2: "second", 3: "third"}, got)
	assert.Equal(t, 2, declined, "earlier callback not consulted first")
	assert.Equal(t, int64(2), s.Stats().ReadAheadOffers.Load())

	s.UnregisterReadAhead(id)
	clear(got)

	_, _ = s.get(t, 1)
	assert.Empty(t, got, "unregistered callback called")

	// Declined tokens were released, so shutdown does not block.
	require.NoError(t, s.Shutdown())
}

func TestReadAheadSkipsOverwrittenNeighbors(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t)

	toks, err := s.BlockWrites(context.Background(), []logstore.BlockWrite{
		{BlockID: 1, Data: []byte("first")},
		{BlockID: 2, Data: []byte("stale")},
	}, s.acct)
	require.NoError(t, err)

	require.NoError(t, s.IndexWrite([]logstore.IndexWriteOp{
		{BlockID: 1, Token: toks[0]},
		{BlockID: 2, Token: toks[1]},
	}, nil))

	for _, tok := range toks {
		tok.Release()
	}

	s.put(t, 2, "fresh")

	var offered []string

	s.RegisterReadAhead(func(_ uint64, tok *logstore.Token, data []byte) bool {
		offered = append(offered, string(data))
		tok.Release()

		return true
	})

	_, _ = s.get(t, 1)
	assert.Equal(t, []string{"fresh"}, offered, "garbage neighbor offered")
}
