package logstore_test

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/logstore/internal/testutil"
	"github.com/calvinalkan/logstore/pkg/logstore"
)

// runModel applies the ops encoded in seed to a fresh store and to the model
// and fails on the first divergence.
func runModel(t *testing.T, seed []byte) {
	t.Helper()

	cfg := testutil.DefaultOpGenConfig()
	gen := testutil.NewOpGenerator(seed, &cfg)
	model := testutil.NewModel()

	opts := logstore.Options{}
	path := createStore(t, opts)
	s := openStore(t, path, opts)

	for step := 0; gen.HasMore() && step < 200; step++ {
		op := gen.NextOp()

		switch op.Kind {
		case testutil.OpPut, testutil.OpDelete, testutil.OpBatch:
			applyWrites(t, s, op)
			model.Apply(op.Writes)

		case testutil.OpAbandonWrite:
			w := op.Writes[0]
			s.abandonWrite(t, w.ID, string(w.Data))

		case testutil.OpGet:
			want, wantOK := model.Get(op.ID)
			got, ok := s.get(t, op.ID)
			require.Equal(t, wantOK, ok, "step %d %v: live", step, op)
			require.Equal(t, string(want), got, "step %d %v: payload", step, op)

		case testutil.OpCompact:
			s.Compact()

		case testutil.OpReopen:
			require.NoError(t, s.Shutdown(), "step %d: shutdown", step)
			s = openStore(t, path, opts)
		}
	}

	// Collected lba shards drop tombstones, so a reopen may forget ids that
	// are no longer live.
	var minMax uint64
	if ids := model.IDs(); len(ids) > 0 {
		minMax = ids[len(ids)-1] + 1
	}

	require.GreaterOrEqual(t, s.MaxBlockID(), minMax, "max block id")
	require.LessOrEqual(t, s.MaxBlockID(), model.MaxBlockID(), "max block id")

	if diff := cmp.Diff(model.Snapshot(), s.snapshot(t)); diff != "" {
		t.Fatalf("store differs from model (-want +got):\n%s", diff)
	}

	require.NoError(t, s.Shutdown())

	report, err := logstore.Check(path, opts)
	require.NoError(t, err, "check")
	require.Equal(t, model.Len(), report.Blocks)
}

// applyWrites commits every entry of op in one index write.
func applyWrites(t *testing.T, s *store, op testutil.Op) {
	t.Helper()

	var writes []logstore.BlockWrite

	for _, w := range op.Writes {
		if !w.Delete {
			writes = append(writes, logstore.BlockWrite{BlockID: w.ID, Data: w.Data})
		}
	}

	var toks []*logstore.Token

	if len(writes) > 0 {
		var err error

		toks, err = s.BlockWrites(context.Background(), writes, s.acct)
		require.NoError(t, err, "%v: block writes", op)
	}

	ops := make([]logstore.IndexWriteOp, 0, len(op.Writes))
	next := 0

	for _, w := range op.Writes {
		if w.Delete {
			ops = append(ops, logstore.IndexWriteOp{BlockID: w.ID})

			continue
		}

		ops = append(ops, logstore.IndexWriteOp{BlockID: w.ID, Token: toks[next]})
		next++
	}

	require.NoError(t, s.IndexWrite(ops, nil), "%v: index write", op)

	for _, tok := range toks {
		tok.Release()
	}
}

func TestCuratedSeedsMatchModel(t *testing.T) {
	t.Parallel()

	for _, seed := range testutil.CuratedSeeds() {
		t.Run(seed.Name, func(t *testing.T) {
			t.Parallel()

			runModel(t, seed.Data)
		})
	}
}

func FuzzStoreMatchesModel(f *testing.F) {
	for _, seed := range testutil.CuratedSeeds() {
		f.Add(seed.Data)
	}

	f.Fuzz(func(t *testing.T, data []byte) {
		runModel(t, data)
	})
}
