// Package fserr defines the error taxonomy shared by the engine, its
// internal packages and the wire protocol. It avoids circular imports
// between archivefs, protocol and internal/archive.
package fserr

import (
	"errors"
	"fmt"
	"io/fs"
)

// Sentinel errors.
var (
	// ErrPrecondition is returned when a caller breaks the operation
	// contract: unknown or duplicate mount id, metadata read twice.
	ErrPrecondition = errors.New("archivefs: precondition violation")

	// ErrNotReady is returned when a volume has no metadata tree yet or
	// its metadata load failed.
	ErrNotReady = fmt.Errorf("%w: volume not ready", ErrPrecondition)

	// ErrNotFound is returned when a path does not resolve.
	ErrNotFound = &kindError{msg: "archivefs: not found", target: fs.ErrNotExist}

	// ErrNotADirectory is returned when a directory operation names a file.
	ErrNotADirectory = errors.New("archivefs: not a directory")

	// ErrInvalidOperation is returned for unsupported open modes and for
	// unknown or closed handles.
	ErrInvalidOperation = &kindError{msg: "archivefs: invalid operation", target: fs.ErrInvalid}

	// ErrCorruptData is returned when decompression fails mid-stream.
	ErrCorruptData = errors.New("archivefs: corrupt data")

	// ErrParseFailure is returned when the archive structure cannot be read.
	ErrParseFailure = errors.New("archivefs: parse failure")

	// ErrMountFailure is returned when a volume cannot load its metadata.
	ErrMountFailure = errors.New("archivefs: mount failure")

	// ErrTransport is returned when the byte source fails a chunk fetch.
	ErrTransport = errors.New("archivefs: transport failure")

	// ErrClosed is returned to operations interrupted by unmount.
	ErrClosed = &kindError{msg: "archivefs: volume closed", target: fs.ErrClosed}
)

// kindError is a sentinel that also matches a standard io/fs error.
type kindError struct {
	msg    string
	target error
}

func (e *kindError) Error() string { return e.msg }

func (e *kindError) Is(target error) bool { return target == e.target }
