package archive

import "github.com/meigma/archivefs/internal/fserr"

// Sentinel errors re-exported from fserr.
var (
	// ErrParseFailure is returned when the archive structure cannot be read.
	ErrParseFailure = fserr.ErrParseFailure

	// ErrCorruptData is returned when decompression fails mid-stream.
	ErrCorruptData = fserr.ErrCorruptData
)
