package archivefs

import (
	"github.com/meigma/archivefs/internal/archive"
	"github.com/meigma/archivefs/protocol"
)

// Entry is one file or directory of a mounted archive.
type Entry = archive.Entry

// Chunk is one bounded piece of a read. The last chunk of a read has
// HasMore false.
type Chunk = archive.Chunk

// Cursor describes the position of a volume's decompression stream.
type Cursor = archive.Cursor

// ReaderStats counts the decompression streams a volume has started.
type ReaderStats = archive.Stats

// Codec is an archive compression format.
type Codec = archive.Codec

// ParseCodec parses a codec name such as "gzip", "zstd" or "tar".
func ParseCodec(name string) (Codec, error) {
	return archive.ParseCodec(name)
}

// EntryInfo is the wire form of an Entry.
type EntryInfo = protocol.EntryInfo

// OpenMode is the access mode requested when opening a file.
type OpenMode = protocol.OpenMode

// Open modes. Only ModeRead is supported.
const (
	ModeRead      = protocol.ModeRead
	ModeWrite     = protocol.ModeWrite
	ModeReadWrite = protocol.ModeReadWrite
)

// InfoOf converts e to its wire form.
func InfoOf(e *Entry) EntryInfo {
	info := EntryInfo{
		Path:  e.Path,
		Name:  e.Name,
		Size:  e.Size,
		IsDir: e.IsDir,
		Mode:  uint32(e.Info().Mode()),
		Link:  e.LinkTarget,
	}
	if !e.ModTime.IsZero() {
		info.ModTime = e.ModTime.UnixNano()
	}
	return info
}

// infos converts entries to their wire form.
func infos(entries []*Entry) []EntryInfo {
	out := make([]EntryInfo, len(entries))
	for i, e := range entries {
		out[i] = InfoOf(e)
	}
	return out
}
