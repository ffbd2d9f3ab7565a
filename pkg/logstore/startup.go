package logstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"slices"

	"github.com/calvinalkan/logstore/internal/dbm"
	"github.com/calvinalkan/logstore/internal/extent"
	"github.com/calvinalkan/logstore/internal/lba"
	"github.com/calvinalkan/logstore/internal/metablock"
	"github.com/calvinalkan/logstore/internal/token"
)

type startPhase uint8

const (
	phaseReadHeader startPhase = iota
	phaseOpenExtents
	phaseOpenMetablock
	phaseOpenLBA
	phaseReplay
	phaseFinalize
	phaseReady
)

func (p startPhase) String() string {
	return [...]string{
		"read_header", "open_extents", "open_metablock", "open_lba",
		"replay", "finalize", "ready",
	}[p]
}

// startup drives an opening serializer through its phases. Each call to
// advance performs one bounded step.
type startup struct {
	s     *Serializer
	phase startPhase

	payload metaPayload
	entries []lba.Entry
	next    int
}

func (s *Serializer) start() error {
	s.state = stateStartingUp

	lock, err := lockStore(s.fsys, s.path)
	if err != nil {
		return err
	}

	s.lock = lock

	file, err := s.fsys.OpenFile(s.path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}

	s.file = file

	st := &startup{s: s}

	// Fields are published to other goroutines only once ready.
	for st.phase != phaseReady {
		if err := st.advance(); err != nil {
			return fmt.Errorf("startup (%s): %w", st.phase, err)
		}

		runtime.Gosched()
	}

	s.state = stateReady

	s.log.Info("store opened",
		slog.Uint64("format", uint64(s.header.format)),
		slog.Int("blocks", s.lba.Len()),
		slog.Int("extents", s.em.ExtentCount()))

	return nil
}

func (st *startup) advance() error {
	s := st.s

	switch st.phase {
	case phaseReadHeader:
		buf := make([]byte, MetablockSize)
		if _, err := s.file.ReadAt(buf, 0); err != nil {
			return fmt.Errorf("reading static header: %w: %w", err, ErrCorrupt)
		}

		h, err := decodeStaticHeader(buf)
		if err != nil {
			return err
		}

		s.header = h
		s.migrationPending = h.format < CurrentFormat
		st.phase = phaseOpenExtents

	case phaseOpenExtents:
		info, err := s.file.Stat()
		if err != nil {
			return fmt.Errorf("stat store: %w", err)
		}

		em, err := extent.NewManager(s.file, s.header.extentSize, info.Size(), extent.Options{
			Logger:   s.log,
			Observer: s.stats,
		})
		if err != nil {
			return err
		}

		// Extent 0 holds the header and the metablock ring.
		if _, err := em.ReserveExtent(0); err != nil {
			return fmt.Errorf("reserving header extent: %w", err)
		}

		s.em = em
		st.phase = phaseOpenMetablock

	case phaseOpenMetablock:
		mb, rec, err := metablock.StartExisting(s.file, s.header.extentSize, s.log)
		if err != nil {
			return err
		}

		if !slices.Contains(supportedFormats, rec.Format) {
			return fmt.Errorf("metablock format %d: %w", rec.Format, ErrUnsupportedFormat)
		}

		payload, err := decodePayload(rec.Payload)
		if err != nil {
			return err
		}

		if s.header.format != rec.Format {
			s.log.Debug("metablock and header formats differ",
				slog.Uint64("header", uint64(s.header.format)),
				slog.Uint64("metablock", uint64(rec.Format)))
		}

		mb.SetFormat(s.header.format)

		s.mb = mb
		st.payload = payload
		st.phase = phaseOpenLBA

	case phaseOpenLBA:
		ix, err := lba.StartExisting(context.Background(), s.em, s.file, st.payload.lba, s.log)
		if err != nil {
			return err
		}

		s.lba = ix
		s.tokens = token.NewRegistry(&s.mu, nil)
		s.dbm = dbm.New(&s.mu, s.file, s.em, s.tokens, dbm.Options{
			Logger:      s.log,
			GCHighRatio: s.cfg.GCHighRatio,
			GCLowRatio:  s.cfg.GCLowRatio,
		})
		s.tokens.SetListener(s.dbm)
		s.dbm.StartReconstruct()

		st.entries = ix.Entries()
		st.phase = phaseReplay

	case phaseReplay:
		end := min(st.next+s.cfg.ReplayBatchSize, len(st.entries))

		for _, e := range st.entries[st.next:end] {
			s.dbm.MarkLive(int64(e.Offset), e.Size)
		}

		st.next = end
		if st.next == len(st.entries) {
			st.entries = nil
			st.phase = phaseFinalize
		}

	case phaseFinalize:
		if err := s.dbm.EndReconstruct(st.payload.data); err != nil {
			return err
		}

		// A tail shrink may have landed after the last metablock.
		if got, recorded := uint64(s.em.ExtentCount()), st.payload.extents.ExtentCount; got != recorded {
			s.log.Debug("extent count differs from metablock",
				slog.Uint64("file", got),
				slog.Uint64("metablock", recorded))
		}

		s.em.ReconstructFreeList()
		s.dbm.StartGC()
		st.phase = phaseReady

	case phaseReady:
	}

	return nil
}
