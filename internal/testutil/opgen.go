package testutil

import (
	"fmt"
	"strings"
)

// OpKind is the kind of a generated operation.
type OpKind int

// Operation kinds.
const (
	OpPut OpKind = iota
	OpDelete
	OpBatch
	OpGet
	OpCompact
	OpReopen
	OpAbandonWrite
)

func (k OpKind) String() string {
	switch k {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	case OpBatch:
		return "batch"
	case OpGet:
		return "get"
	case OpCompact:
		return "compact"
	case OpReopen:
		return "reopen"
	case OpAbandonWrite:
		return "abandon"
	default:
		return fmt.Sprintf("OpKind(%d)", int(k))
	}
}

// Write is one entry of an index write. Delete entries carry no data.
type Write struct {
	ID     uint64
	Data   []byte
	Delete bool
}

// Op is one generated operation. Put, Delete and Batch carry their entries in
// Writes and commit them in a single index write. AbandonWrite writes its one
// entry and releases the token without an index write. Get carries the id to
// read.
type Op struct {
	Kind   OpKind
	Writes []Write
	ID     uint64
}

func (op Op) String() string {
	switch op.Kind {
	case OpGet:
		return fmt.Sprintf("get(%d)", op.ID)
	case OpPut, OpDelete, OpBatch, OpAbandonWrite:
		parts := make([]string, len(op.Writes))
		for i, w := range op.Writes {
			if w.Delete {
				parts[i] = fmt.Sprintf("-%d", w.ID)
			} else {
				parts[i] = fmt.Sprintf("%d:%dB", w.ID, len(w.Data))
			}
		}

		return fmt.Sprintf("%s(%s)", op.Kind, strings.Join(parts, " "))
	default:
		return op.Kind.String()
	}
}

// OpGenConfig configures the operation generator. Rates are percentages
// and should add up to 100; choices past the sum become gets.
type OpGenConfig struct {
	PutRate     int
	DeleteRate  int
	BatchRate   int
	GetRate     int
	CompactRate int
	ReopenRate  int
	AbandonRate int

	// IDSpace bounds generated block ids to [0, IDSpace). At most 256.
	IDSpace int

	// MaxPayload bounds payload sizes in bytes.
	MaxPayload int

	// MaxBatch bounds the number of entries in a batch.
	MaxBatch int
}

// DefaultOpGenConfig returns a write-heavy configuration over a small id
// space, so overwrites and compaction happen early.
func DefaultOpGenConfig() OpGenConfig {
	return OpGenConfig{
		PutRate:     40,
		DeleteRate:  10,
		BatchRate:   15,
		GetRate:     20,
		CompactRate: 5,
		ReopenRate:  5,
		AbandonRate: 5,
		IDSpace:     32,
		MaxPayload:  12000,
		MaxBatch:    8,
	}
}

// OpGenerator generates deterministic operations from a byte stream.
//
// Encoding, one op at a time:
//
//	put:     kind id len(u16) fill
//	delete:  kind id
//	batch:   kind n { id delete? [len(u16) fill] }*n
//	get:     kind id
//	compact: kind
//	reopen:  kind
//	abandon: kind id len(u16) fill
type OpGenerator struct {
	stream *ByteStream
	config OpGenConfig
}

// NewOpGenerator creates a new operation generator.
func NewOpGenerator(fuzzBytes []byte, cfg *OpGenConfig) *OpGenerator {
	return &OpGenerator{
		stream: NewByteStream(fuzzBytes),
		config: *cfg,
	}
}

// HasMore reports whether more operations can be generated.
func (g *OpGenerator) HasMore() bool {
	return g.stream.HasMore()
}

// NextOp generates the next operation.
func (g *OpGenerator) NextOp() Op {
	switch g.kind(g.stream.NextInt(100)) {
	case OpPut:
		return Op{Kind: OpPut, Writes: []Write{g.put(g.id())}}
	case OpDelete:
		return Op{Kind: OpDelete, Writes: []Write{{ID: g.id(), Delete: true}}}
	case OpBatch:
		n := 1 + g.stream.NextInt(max(g.config.MaxBatch, 1))
		writes := make([]Write, n)

		for i := range writes {
			id := g.id()
			if g.stream.NextBool() {
				writes[i] = Write{ID: id, Delete: true}
			} else {
				writes[i] = g.put(id)
			}
		}

		return Op{Kind: OpBatch, Writes: writes}
	case OpCompact:
		return Op{Kind: OpCompact}
	case OpReopen:
		return Op{Kind: OpReopen}
	case OpAbandonWrite:
		return Op{Kind: OpAbandonWrite, Writes: []Write{g.put(g.id())}}
	default:
		return Op{Kind: OpGet, ID: g.id()}
	}
}

func (g *OpGenerator) kind(choice int) OpKind {
	cumulative := 0

	for _, k := range []struct {
		kind OpKind
		rate int
	}{
		{OpPut, g.config.PutRate},
		{OpDelete, g.config.DeleteRate},
		{OpBatch, g.config.BatchRate},
		{OpGet, g.config.GetRate},
		{OpCompact, g.config.CompactRate},
		{OpReopen, g.config.ReopenRate},
		{OpAbandonWrite, g.config.AbandonRate},
	} {
		cumulative += k.rate
		if choice < cumulative {
			return k.kind
		}
	}

	return OpGet
}

func (g *OpGenerator) id() uint64 {
	return uint64(g.stream.NextInt(g.config.IDSpace))
}

func (g *OpGenerator) put(id uint64) Write {
	n := int(g.stream.NextUint16()) % (g.config.MaxPayload + 1)
	fill := g.stream.NextByte()

	return Write{ID: id, Data: Payload(id, n, fill)}
}

// Payload returns n deterministic bytes for block id seeded by fill.
func Payload(id uint64, n int, fill byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = fill + byte(i) + byte(id)
	}

	return out
}
