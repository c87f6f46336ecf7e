package source

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// File is a byte source backed by a local file.
type File struct {
	f        *os.File
	size     int64
	sourceID string
}

// OpenFile opens the archive at path.
func OpenFile(path string) (*File, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(abs) //nolint:gosec // path is supplied by the mounting caller
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, fmt.Errorf("open %s: not a regular file", abs)
	}
	return &File{
		f:        f,
		size:     info.Size(),
		sourceID: fmt.Sprintf("file:%s|size:%d|mod:%d", abs, info.Size(), info.ModTime().UnixNano()),
	}, nil
}

// ReadAt implements io.ReaderAt.
func (s *File) ReadAt(p []byte, off int64) (int, error) {
	return s.f.ReadAt(p, off)
}

// Size returns the file size at open time.
func (s *File) Size() int64 {
	return s.size
}

// SourceID returns an identifier built from the path, size and mtime.
func (s *File) SourceID() string {
	return s.sourceID
}

// Close closes the file.
func (s *File) Close() error {
	return s.f.Close()
}

// ResolveFile resolves KindFile tickets.
func ResolveFile(_ context.Context, t Ticket) (ByteSource, error) {
	return OpenFile(t.Location)
}

// Bytes is an in-memory byte source.
type Bytes struct {
	*bytes.Reader
	sourceID string
}

// NewBytes returns a byte source over data. The source id is derived from
// the content hash.
func NewBytes(data []byte) *Bytes {
	sum := sha256.Sum256(data)
	return &Bytes{
		Reader:   bytes.NewReader(data),
		sourceID: "bytes:" + hex.EncodeToString(sum[:]),
	}
}

// SourceID returns the content-derived identifier.
func (b *Bytes) SourceID() string {
	return b.sourceID
}
