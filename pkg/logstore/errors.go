package logstore

import "github.com/calvinalkan/logstore/internal/errs"

// Sentinel errors returned by logstore operations.
//
// Callers should use [errors.Is] to check error types:
//
//	if errors.Is(err, logstore.ErrBusy) {
//	    // another process owns the store
//	}
var (
	// ErrCorrupt indicates on-disk state failed validation.
	//
	// Recovery: restore from backup. The store cannot be repaired in place.
	ErrCorrupt = errs.ErrCorrupt

	// ErrNoMetablock indicates no metablock slot validated at startup.
	//
	// The file is either not a store or was damaged beyond the ring.
	ErrNoMetablock = errs.ErrNoMetablock

	// ErrUnsupportedFormat indicates the static header names a disk format
	// version outside the recognized set.
	//
	// Recovery: open with a build that understands the format.
	ErrUnsupportedFormat = errs.ErrUnsupportedFormat

	// ErrInvalidInput indicates invalid arguments or configuration.
	//
	// This is a programming error.
	ErrInvalidInput = errs.ErrInvalidInput

	// ErrBusy indicates another serializer holds the store lock.
	//
	// Recovery: retry after the other owner shut down.
	ErrBusy = errs.ErrBusy

	// ErrClosed indicates the serializer is shutting down or shut down.
	ErrClosed = errs.ErrClosed

	// ErrFailed indicates an earlier commit-path I/O error. In-memory state
	// may be ahead of the disk, so every later operation fails too.
	//
	// Recovery: shut down and reopen. Recovery replays the last durable
	// metablock.
	ErrFailed = errs.ErrFailed

	// ErrBlockTooLarge indicates a payload does not fit in one extent.
	ErrBlockTooLarge = errs.ErrBlockTooLarge
)
