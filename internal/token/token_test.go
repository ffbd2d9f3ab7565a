package token_test

import (
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/logstore/internal/token"
)

type event struct {
	Live   bool
	Offset int64
}

type recorder struct {
	events []event
}

func (r *recorder) MarkLiveTokenwise(offset int64) {
	r.events = append(r.events, event{Live: true, Offset: offset})
}

func (r *recorder) MarkGarbageTokenwise(offset int64) {
	r.events = append(r.events, event{Live: false, Offset: offset})
}

func newRegistry() (*token.Registry, *sync.Mutex, *recorder) {
	var mu sync.Mutex

	rec := &recorder{}

	return token.NewRegistry(&mu, rec), &mu, rec
}

func Test_Registry_Reports_Garbage_Only_When_Last_Token_At_Offset_Is_Released(t *testing.T) {
	t.Parallel()

	r, mu, rec := newRegistry()

	mu.Lock()
	a := r.NewLocked(1, 4096, 32)
	b := r.NewLocked(1, 4096, 32)
	mu.Unlock()

	a.Release()

	if diff := cmp.Diff([]event{{Live: true, Offset: 4096}}, rec.events); diff != "" {
		t.Fatalf("events after first release (-want +got):\n%s", diff)
	}

	b.Retain()
	b.Release()

	assert.Len(t, rec.events, 1, "garbage reported while a reference remains")

	b.Release()

	want := []event{{Live: true, Offset: 4096}, {Live: false, Offset: 4096}}
	if diff := cmp.Diff(want, rec.events); diff != "" {
		t.Fatalf("events (-want +got):\n%s", diff)
	}
}

func Test_Token_Panics_When_Used_After_Release(t *testing.T) {
	t.Parallel()

	r, mu, _ := newRegistry()

	mu.Lock()
	tok := r.NewLocked(7, 0, 16)
	mu.Unlock()

	tok.Release()

	assert.Panics(t, func() { tok.Release() })
	assert.Panics(t, func() { _ = tok.Offset() })
}

func Test_Registry_Remap_Moves_Tokens_And_Flips_Liveness(t *testing.T) {
	t.Parallel()

	r, mu, rec := newRegistry()

	mu.Lock()
	a := r.NewLocked(3, 100, 16)
	b := r.NewLocked(3, 100, 16)
	r.RemapLocked(100, 200)
	mu.Unlock()

	assert.Equal(t, int64(200), a.Offset())
	assert.Equal(t, int64(200), b.Offset())

	want := []event{
		{Live: true, Offset: 100},
		{Live: true, Offset: 200},
		{Live: false, Offset: 100},
	}
	if diff := cmp.Diff(want, rec.events); diff != "" {
		t.Fatalf("events (-want +got):\n%s", diff)
	}

	a.Release()
	b.Release()

	assert.Equal(t, event{Live: false, Offset: 200}, rec.events[len(rec.events)-1])
}

func Test_Registry_Remap_Does_Not_Report_Live_When_Target_Already_Has_Tokens(t *testing.T) {
	t.Parallel()

	r, mu, rec := newRegistry()

	mu.Lock()
	old := r.NewLocked(3, 100, 16)
	fresh := r.NewLocked(3, 200, 16)
	r.RemapLocked(100, 200)
	assert.False(t, r.HasTokensLocked(100))
	assert.True(t, r.HasTokensLocked(200))
	mu.Unlock()

	want := []event{
		{Live: true, Offset: 100},
		{Live: true, Offset: 200},
		{Live: false, Offset: 100},
	}
	if diff := cmp.Diff(want, rec.events); diff != "" {
		t.Fatalf("events (-want +got):\n%s", diff)
	}

	fresh.Release()
	assert.Len(t, rec.events, 3, "garbage reported while remapped token remains")

	old.Release()
	assert.Len(t, rec.events, 4)
}

func Test_Registry_WaitZero_Returns_When_Last_Token_Is_Released(t *testing.T) {
	t.Parallel()

	r, mu, _ := newRegistry()

	mu.Lock()
	tok := r.NewLocked(1, 0, 16)
	mu.Unlock()

	done := make(chan struct{})

	go func() {
		mu.Lock()
		r.WaitZeroLocked()
		mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitZeroLocked returned while a token is live")
	case <-time.After(20 * time.Millisecond):
	}

	tok.Release()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("WaitZeroLocked did not return after release")
	}

	mu.Lock()
	defer mu.Unlock()

	require.Equal(t, 0, r.CountLocked())
	r.CloseLocked()
	assert.Panics(t, func() { r.NewLocked(2, 0, 16) })
}
