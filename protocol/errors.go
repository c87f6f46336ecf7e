package protocol

import (
	"errors"

	"github.com/meigma/archivefs/internal/fserr"
)

// ErrorKind classifies an ERROR response.
type ErrorKind string

// Error kinds.
const (
	KindPrecondition     ErrorKind = "precondition"
	KindNotReady         ErrorKind = "not_ready"
	KindNotFound         ErrorKind = "not_found"
	KindNotADirectory    ErrorKind = "not_a_directory"
	KindInvalidOperation ErrorKind = "invalid_operation"
	KindCorruptData      ErrorKind = "corrupt_data"
	KindParseFailure     ErrorKind = "parse_failure"
	KindMountFailure     ErrorKind = "mount_failure"
	KindTransport        ErrorKind = "transport"
	KindClosed           ErrorKind = "closed"
	KindInternal         ErrorKind = "internal"
)

// kinds is ordered most specific first: a mount failure wraps a parse
// failure, and not-ready wraps precondition.
var kinds = []struct {
	kind ErrorKind
	err  error
}{
	{KindMountFailure, fserr.ErrMountFailure},
	{KindNotReady, fserr.ErrNotReady},
	{KindPrecondition, fserr.ErrPrecondition},
	{KindNotFound, fserr.ErrNotFound},
	{KindNotADirectory, fserr.ErrNotADirectory},
	{KindInvalidOperation, fserr.ErrInvalidOperation},
	{KindCorruptData, fserr.ErrCorruptData},
	{KindParseFailure, fserr.ErrParseFailure},
	{KindClosed, fserr.ErrClosed},
	{KindTransport, fserr.ErrTransport},
}

// KindOf classifies err.
func KindOf(err error) ErrorKind {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// Sentinel returns the sentinel error for a kind, or nil for
// KindInternal and unknown kinds.
func (k ErrorKind) Sentinel() error {
	for _, e := range kinds {
		if e.kind == k {
			return e.err
		}
	}
	return nil
}

// NewError builds an ERROR body for err.
func NewError(err error) Error {
	return Error{Kind: KindOf(err), Message: err.Error()}
}

// Err converts an ERROR body back to an error that matches the sentinel
// of its kind with errors.Is.
func (e Error) Err() error {
	return &RemoteError{Kind: e.Kind, Message: e.Message}
}

// RemoteError is an error reported by the other side of a transport.
type RemoteError struct {
	Kind    ErrorKind
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// Unwrap returns the sentinel for the error kind.
func (e *RemoteError) Unwrap() error {
	return e.Kind.Sentinel()
}
