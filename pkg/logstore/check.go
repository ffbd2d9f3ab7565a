package logstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/calvinalkan/logstore/internal/dbm"
	"github.com/calvinalkan/logstore/internal/extent"
	"github.com/calvinalkan/logstore/internal/lba"
	"github.com/calvinalkan/logstore/internal/metablock"
	"github.com/calvinalkan/logstore/internal/token"
)

// CheckReport describes a verified store.
type CheckReport struct {
	Format           uint32
	InstanceID       uuid.UUID
	ExtentSize       int64
	FileSize         int64
	MetablockSlot    int
	MetablockVersion uint64
	Blocks           int
	MaxBlockID       uint64
	LBAExtents       int
	DataExtents      int
	LiveBytes        int64
	UnusedExtents    int

	// Problems lists every block that failed verification.
	Problems []error
}

// Check replays the store at path read-only and verifies every live block.
// The store must not be open elsewhere.
//
// Structural damage is returned as an error. Damaged blocks are listed in
// the report and make Check return [ErrCorrupt] along with it.
func Check(path string, opts Options) (report CheckReport, err error) {
	fsys := opts.fsys()
	log := opts.logger()

	lock, err := lockStore(fsys, path)
	if err != nil {
		return CheckReport{}, err
	}
	defer func() { _ = lock.Close() }()

	file, err := fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return CheckReport{}, fmt.Errorf("opening store: %w", err)
	}
	defer func() { _ = file.Close() }()

	// Reservation conflicts surface as panics in the extent manager.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("replaying %s: %v: %w", path, r, ErrCorrupt)
		}
	}()

	buf := make([]byte, MetablockSize)
	if _, err := file.ReadAt(buf, 0); err != nil {
		return CheckReport{}, fmt.Errorf("reading static header: %w: %w", err, ErrCorrupt)
	}

	h, err := decodeStaticHeader(buf)
	if err != nil {
		return CheckReport{}, err
	}

	info, err := file.Stat()
	if err != nil {
		return CheckReport{}, fmt.Errorf("stat store: %w", err)
	}

	report = CheckReport{
		Format:     h.format,
		InstanceID: h.instanceID,
		ExtentSize: h.extentSize,
		FileSize:   info.Size(),
	}

	em, err := extent.NewManager(file, h.extentSize, info.Size(), extent.Options{Logger: log})
	if err != nil {
		return report, err
	}

	if _, err := em.ReserveExtent(0); err != nil {
		return report, err
	}

	_, rec, err := metablock.StartExisting(file, h.extentSize, log)
	if err != nil {
		return report, err
	}

	report.MetablockSlot = rec.Index
	report.MetablockVersion = rec.Version

	payload, err := decodePayload(rec.Payload)
	if err != nil {
		return report, err
	}

	ix, err := lba.StartExisting(context.Background(), em, file, payload.lba, log)
	if err != nil {
		return report, err
	}

	var mu sync.Mutex

	tokens := token.NewRegistry(&mu, nil)
	data := dbm.New(&mu, file, em, tokens, dbm.Options{Logger: log})
	data.StartReconstruct()

	entries := ix.Entries()
	for _, e := range entries {
		data.MarkLive(int64(e.Offset), e.Size)
	}

	if err := data.EndReconstruct(payload.data); err != nil {
		return report, err
	}

	for _, e := range entries {
		if err := data.VerifyBlock(int64(e.Offset), e.Size, e.BlockID); err != nil {
			report.Problems = append(report.Problems, fmt.Errorf("block %d: %w", e.BlockID, err))
		}
	}

	dc := data.Counts()
	report.Blocks = len(entries)
	report.MaxBlockID = ix.MaxBlockID()
	report.LBAExtents = ix.ExtentCount()
	report.DataExtents = dc.Extents
	report.LiveBytes = dc.LiveBytes
	report.UnusedExtents = em.Counts().Unreserved

	if len(report.Problems) > 0 {
		return report, fmt.Errorf("%d damaged blocks: %w: %w", len(report.Problems), ErrCorrupt, errors.Join(report.Problems...))
	}

	return report, nil
}
