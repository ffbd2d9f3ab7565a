// Package errs holds the sentinel errors shared by the storage subsystems.
//
// pkg/logstore re-exports every sentinel, so callers never import this
// package directly.
package errs

import "errors"

var (
	// ErrCorrupt indicates on-disk state failed validation (bad checksum,
	// bad magic, an offset outside the file).
	ErrCorrupt = errors.New("logstore: corrupt")

	// ErrNoMetablock indicates recovery found no metablock slot with a valid
	// checksum.
	ErrNoMetablock = errors.New("logstore: no valid metablock")

	// ErrUnsupportedFormat indicates the static header carries a disk format
	// version outside the recognized set.
	ErrUnsupportedFormat = errors.New("logstore: unsupported disk format")

	// ErrInvalidInput indicates invalid arguments or configuration.
	ErrInvalidInput = errors.New("logstore: invalid input")

	// ErrBusy indicates another serializer holds the store lock.
	ErrBusy = errors.New("logstore: busy")

	// ErrClosed indicates the serializer is shutting down or shut down.
	ErrClosed = errors.New("logstore: closed")

	// ErrFailed indicates an earlier commit-path I/O error left the
	// serializer unusable.
	ErrFailed = errors.New("logstore: failed")

	// ErrBlockTooLarge indicates a block payload does not fit in one extent.
	ErrBlockTooLarge = errors.New("logstore: block too large")
)
