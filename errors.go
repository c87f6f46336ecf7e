package archivefs

import "github.com/meigma/archivefs/internal/fserr"

// Errors returned by volumes, the registry and the client. Errors received
// over a transport match the same sentinels with errors.Is.
var (
	// ErrPrecondition is returned when a caller breaks the operation
	// contract: unknown or duplicate mount id, metadata loaded twice.
	ErrPrecondition = fserr.ErrPrecondition

	// ErrNotReady is returned by operations on a volume whose metadata is
	// not loaded. It matches ErrPrecondition.
	ErrNotReady = fserr.ErrNotReady

	// ErrNotFound is returned when a path does not resolve. It matches
	// fs.ErrNotExist.
	ErrNotFound = fserr.ErrNotFound

	// ErrNotADirectory is returned when ListDirectory names a file.
	ErrNotADirectory = fserr.ErrNotADirectory

	// ErrInvalidOperation is returned for write or create opens and for
	// reads and closes on unknown handles. It matches fs.ErrInvalid.
	ErrInvalidOperation = fserr.ErrInvalidOperation

	// ErrCorruptData is returned when decompression fails mid-stream.
	ErrCorruptData = fserr.ErrCorruptData

	// ErrParseFailure is returned when the archive structure is malformed.
	ErrParseFailure = fserr.ErrParseFailure

	// ErrMountFailure is returned when a volume cannot load its metadata.
	ErrMountFailure = fserr.ErrMountFailure

	// ErrTransport is returned when the byte source fails a chunk fetch.
	ErrTransport = fserr.ErrTransport

	// ErrClosed is returned to operations interrupted by unmount. It
	// matches fs.ErrClosed.
	ErrClosed = fserr.ErrClosed
)
