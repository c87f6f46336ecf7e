// Package testutil provides archive fixtures and fake byte sources for tests.
package testutil

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/containerd/stargz-snapshotter/estargz"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/meigma/archivefs/internal/chunk"
)

// FixedTime is the modification time stamped on fixture members.
var FixedTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// File is one member of a fixture archive.
type File struct {
	Path    string
	Content []byte
	Dir     bool

	// HardLink makes the member a hard link to the named earlier member.
	HardLink string
}

// Sized returns a regular file of n deterministic bytes.
func Sized(path string, n int) File {
	content := make([]byte, n)
	for i := range content {
		content[i] = byte('a' + (i+len(path))%26)
	}
	return File{Path: path, Content: content}
}

// BuildTar writes files, in order, to an uncompressed tar stream.
func BuildTar(tb testing.TB, files []File) []byte {
	tb.Helper()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, f := range files {
		hdr := &tar.Header{
			Name:    f.Path,
			Mode:    0o644,
			ModTime: FixedTime,
			Size:    int64(len(f.Content)),
		}
		switch {
		case f.Dir:
			hdr.Typeflag = tar.TypeDir
			hdr.Mode = 0o755
			hdr.Size = 0
		case f.HardLink != "":
			hdr.Typeflag = tar.TypeLink
			hdr.Linkname = f.HardLink
			hdr.Size = 0
		default:
			hdr.Typeflag = tar.TypeReg
		}
		if err := tw.WriteHeader(hdr); err != nil {
			tb.Fatalf("write tar header %s: %v", f.Path, err)
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := tw.Write(f.Content); err != nil {
				tb.Fatalf("write tar body %s: %v", f.Path, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		tb.Fatalf("close tar: %v", err)
	}
	return buf.Bytes()
}

// Compress wraps data with the named codec ("none", "gzip", "zstd", "lz4", "snappy").
func Compress(tb testing.TB, codec string, data []byte) []byte {
	tb.Helper()

	var buf bytes.Buffer
	var w io.WriteCloser
	switch codec {
	case "none":
		return data
	case "gzip":
		w = gzip.NewWriter(&buf)
	case "zstd":
		enc, err := zstd.NewWriter(&buf)
		if err != nil {
			tb.Fatalf("zstd writer: %v", err)
		}
		w = enc
	case "lz4":
		w = lz4.NewWriter(&buf)
	case "snappy":
		w = snappy.NewBufferedWriter(&buf)
	default:
		tb.Fatalf("unknown codec %q", codec)
	}
	if _, err := w.Write(data); err != nil {
		tb.Fatalf("%s write: %v", codec, err)
	}
	if err := w.Close(); err != nil {
		tb.Fatalf("%s close: %v", codec, err)
	}
	return buf.Bytes()
}

// BuildArchive builds a tar of files compressed with codec.
func BuildArchive(tb testing.TB, codec string, files []File) []byte {
	tb.Helper()
	return Compress(tb, codec, BuildTar(tb, files))
}

// BuildEStargz converts a tar of files into an eStargz blob.
func BuildEStargz(tb testing.TB, files []File) []byte {
	tb.Helper()

	tarData := BuildTar(tb, files)
	blob, err := estargz.Build(io.NewSectionReader(bytes.NewReader(tarData), 0, int64(len(tarData))))
	if err != nil {
		tb.Fatalf("estargz build: %v", err)
	}
	defer blob.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, blob); err != nil {
		tb.Fatalf("estargz read: %v", err)
	}
	return buf.Bytes()
}

// Range is one recorded read against a MockByteSource.
type Range struct {
	Offset int64
	Length int
}

// MockByteSource implements an in-memory byte source that records reads.
// Reads can be gated to simulate a slow source, or failed on demand.
type MockByteSource struct {
	data     []byte
	sourceID string

	mu      sync.Mutex
	reads   []Range
	gate    chan struct{}
	failErr error
	started chan Range
}

// NewMockByteSource returns a byte source backed by the provided data.
func NewMockByteSource(data []byte) *MockByteSource {
	sum := sha256.Sum256(data)
	return &MockByteSource{
		data:     data,
		sourceID: "mock:" + hex.EncodeToString(sum[:]),
		started:  make(chan Range, 1024),
	}
}

// ReadAt implements io.ReaderAt semantics over the backing slice.
func (m *MockByteSource) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	m.reads = append(m.reads, Range{Offset: off, Length: len(p)})
	gate := m.gate
	failErr := m.failErr
	m.mu.Unlock()

	select {
	case m.started <- Range{Offset: off, Length: len(p)}:
	default:
	}
	if gate != nil {
		<-gate
	}
	if failErr != nil {
		return 0, failErr
	}
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if off+int64(n) >= int64(len(m.data)) {
		return n, io.EOF
	}
	return n, nil
}

// Size returns the total size of the backing data.
func (m *MockByteSource) Size() int64 {
	return int64(len(m.data))
}

// SourceID returns a stable identifier for the source data.
func (m *MockByteSource) SourceID() string {
	return m.sourceID
}

// Bytes returns the backing slice for tests that need to mutate data.
func (m *MockByteSource) Bytes() []byte {
	return m.data
}

// Reads returns a copy of the recorded reads.
func (m *MockByteSource) Reads() []Range {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Range(nil), m.reads...)
}

// ResetReads clears the recorded reads.
func (m *MockByteSource) ResetReads() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads = nil
}

// Started returns a channel that receives each read as it begins.
func (m *MockByteSource) Started() <-chan Range {
	return m.started
}

// Block makes subsequent reads wait until Release is called.
func (m *MockByteSource) Block() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gate == nil {
		m.gate = make(chan struct{})
	}
}

// Release unblocks reads held by Block.
func (m *MockByteSource) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gate != nil {
		close(m.gate)
		m.gate = nil
	}
}

// FailWith makes subsequent reads return err. A nil err restores reads.
func (m *MockByteSource) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

// ChunkServer answers broker requests from a MockByteSource on its own
// goroutine, the way a remote byte source would.
type ChunkServer struct {
	Source *MockByteSource

	mu     sync.Mutex
	broker *chunk.Broker
}

// NewChunkServer returns a server for src. Attach must be called before
// the broker issues its first request.
func NewChunkServer(src *MockByteSource) *ChunkServer {
	return &ChunkServer{Source: src}
}

// Attach sets the broker that receives responses.
func (s *ChunkServer) Attach(b *chunk.Broker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broker = b
}

// SendChunkRequest implements chunk.Sender.
func (s *ChunkServer) SendChunkRequest(id string, offset, length int64) error {
	s.mu.Lock()
	b := s.broker
	s.mu.Unlock()
	if b == nil {
		return errors.New("chunk server not attached")
	}
	go func() {
		buf := make([]byte, length)
		n, err := s.Source.ReadAt(buf, offset)
		if err != nil && !errors.Is(err, io.EOF) {
			b.Fail(id, err.Error())
			return
		}
		b.Resolve(id, offset, buf[:n])
	}()
	return nil
}

// NewBroker returns a broker served by a ChunkServer over data.
func NewBroker(data []byte, opts ...chunk.Option) (*chunk.Broker, *MockByteSource) {
	src := NewMockByteSource(data)
	server := NewChunkServer(src)
	b := chunk.NewBroker(server, opts...)
	server.Attach(b)
	return b, src
}
