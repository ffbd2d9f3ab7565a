package testutil

// Seed bundles a human-readable name with seed bytes.
//
// Curated seeds exercise scenarios random fuzzing might take a long time to
// reach. Each decodes to a fixed op sequence under [DefaultOpGenConfig].
type Seed struct {
	Name string
	Data []byte
}

// SeedBuilder encodes operations in the byte format read by [OpGenerator].
type SeedBuilder struct {
	cfg OpGenConfig
	buf []byte
}

// NewSeedBuilder creates a builder for cfg.
func NewSeedBuilder(cfg *OpGenConfig) *SeedBuilder {
	return &SeedBuilder{cfg: *cfg}
}

// Bytes returns the encoded seed.
func (b *SeedBuilder) Bytes() []byte {
	return b.buf
}

func (b *SeedBuilder) kind(k OpKind) {
	start := 0

	for _, r := range []struct {
		kind OpKind
		rate int
	}{
		{OpPut, b.cfg.PutRate},
		{OpDelete, b.cfg.DeleteRate},
		{OpBatch, b.cfg.BatchRate},
		{OpGet, b.cfg.GetRate},
		{OpCompact, b.cfg.CompactRate},
		{OpReopen, b.cfg.ReopenRate},
		{OpAbandonWrite, b.cfg.AbandonRate},
	} {
		if r.kind == k {
			b.buf = append(b.buf, byte(start))

			return
		}

		start += r.rate
	}

	panic("seed builder: kind " + k.String() + " has no rate")
}

func (b *SeedBuilder) entry(id uint64, size int, fill byte) {
	b.buf = append(b.buf, byte(id), byte(size>>8), byte(size), fill)
}

// Put writes size bytes to id.
func (b *SeedBuilder) Put(id uint64, size int, fill byte) *SeedBuilder {
	b.kind(OpPut)
	b.entry(id, size, fill)

	return b
}

// Delete removes id.
func (b *SeedBuilder) Delete(id uint64) *SeedBuilder {
	b.kind(OpDelete)
	b.buf = append(b.buf, byte(id))

	return b
}

// Batch commits writes in one index write. Only ID, Delete and len(Data)
// are encoded; payload bytes are regenerated with fill.
func (b *SeedBuilder) Batch(fill byte, writes ...Write) *SeedBuilder {
	b.kind(OpBatch)
	b.buf = append(b.buf, byte(len(writes)-1))

	for _, w := range writes {
		if w.Delete {
			b.buf = append(b.buf, byte(w.ID), 1)

			continue
		}

		b.buf = append(b.buf, byte(w.ID), 0, byte(len(w.Data)>>8), byte(len(w.Data)), fill)
	}

	return b
}

// Get reads id.
func (b *SeedBuilder) Get(id uint64) *SeedBuilder {
	b.kind(OpGet)
	b.buf = append(b.buf, byte(id))

	return b
}

// Compact runs compaction to completion.
func (b *SeedBuilder) Compact() *SeedBuilder {
	b.kind(OpCompact)

	return b
}

// Reopen shuts the store down and opens it again.
func (b *SeedBuilder) Reopen() *SeedBuilder {
	b.kind(OpReopen)

	return b
}

// AbandonWrite writes size bytes to id and drops the token unindexed.
func (b *SeedBuilder) AbandonWrite(id uint64, size int, fill byte) *SeedBuilder {
	b.kind(OpAbandonWrite)
	b.entry(id, size, fill)

	return b
}

// CuratedSeeds returns all curated seeds with descriptive names.
func CuratedSeeds() []Seed {
	cfg := DefaultOpGenConfig()

	overwrite := NewSeedBuilder(&cfg)
	for round := range 6 {
		for id := range uint64(6) {
			overwrite.Put(id, 1500, byte(round))
		}
	}

	overwrite.Compact().Reopen()

	for id := range uint64(6) {
		overwrite.Get(id)
	}

	return []Seed{
		{
			Name: "put_reopen_get",
			Data: NewSeedBuilder(&cfg).Put(1, 10, 'a').Put(2, 0, 'b').Reopen().Get(1).Get(2).Get(3).Bytes(),
		},
		{
			Name: "delete_then_reopen",
			Data: NewSeedBuilder(&cfg).Put(5, 100, 1).Delete(5).Delete(9).Reopen().Get(5).Bytes(),
		},
		{
			Name: "batch_mixed",
			Data: NewSeedBuilder(&cfg).
				Put(3, 64, 7).
				Batch(9, Write{ID: 3, Delete: true}, Write{ID: 4, Data: make([]byte, 300)}, Write{ID: 4, Data: make([]byte, 20)}).
				Get(3).Get(4).Reopen().Get(4).Bytes(),
		},
		{Name: "overwrite_compact", Data: overwrite.Bytes()},
		{
			// Empties the active extent by deletes, then retires it with an
			// unindexed write before shutting down.
			Name: "abandon_emptied_active_reopen",
			Data: NewSeedBuilder(&cfg).
				Put(1, 8000, 1).Put(2, 8000, 2).Put(3, 12000, 3).
				Delete(1).Delete(2).Delete(3).
				AbandonWrite(4, 5000, 4).
				Reopen().
				Get(3).Get(4).Put(5, 100, 5).Get(5).
				AbandonWrite(6, 9000, 6).AbandonWrite(7, 9000, 7).
				Reopen().
				Get(5).Bytes(),
		},
	}
}
