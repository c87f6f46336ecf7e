package chunk

import (
	"context"
	"io"
	"sync"

	"github.com/meigma/archivefs/internal/sizing"
)

// DefaultFetchSize is the default window requested from the byte source.
const DefaultFetchSize = 256 << 10

// Stream is a forward-only io.Reader over a broker, starting at offset 0.
//
// Each Read that exhausts the local window issues one RequestBytes call,
// so a Stream must be driven by a single goroutine. The context used for
// those requests is the one most recently passed to Bind.
type Stream struct {
	broker    *Broker
	size      int64
	fetchSize int64

	ctx      context.Context //nolint:containedctx // io.Reader has no context parameter
	next     int64           // source offset of the next fetch
	buf      []byte          // fetched but unconsumed bytes
	consumed int64           // bytes handed to readers
	err      error           // first fetch failure
}

// NewStream creates a Stream over size bytes with the given fetch window.
// fetchSize <= 0 uses DefaultFetchSize.
func NewStream(b *Broker, size, fetchSize int64) *Stream {
	if fetchSize <= 0 {
		fetchSize = DefaultFetchSize
	}
	return &Stream{
		broker:    b,
		size:      size,
		fetchSize: fetchSize,
		ctx:       context.Background(),
	}
}

// Bind sets the context used for subsequent fetches.
func (s *Stream) Bind(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx = ctx
}

// Offset returns the number of source bytes consumed so far.
func (s *Stream) Offset() int64 {
	return s.consumed
}

// Err returns the first fetch error, if any. Decoders layered on a Stream
// may rewrap or swallow the error; Err recovers the transport cause.
func (s *Stream) Err() error {
	return s.err
}

// Read implements io.Reader.
func (s *Stream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if len(s.buf) == 0 {
		if s.next >= s.size {
			return 0, io.EOF
		}
		if err := s.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	s.consumed += int64(n)
	return n, nil
}

// fill loads the next window into the empty buf.
func (s *Stream) fill() error {
	length := sizing.Window(s.size, s.next, s.fetchSize)
	data, err := s.broker.RequestBytes(s.ctx, s.next, length)
	if err != nil {
		if s.err == nil {
			s.err = err
		}
		return err
	}
	if len(data) == 0 {
		return io.ErrUnexpectedEOF
	}
	s.next += int64(len(data))
	s.buf = data
	return nil
}

// ReaderAt is a stateless io.ReaderAt over a broker. Calls are serialized
// so the broker never sees two requests at once.
type ReaderAt struct {
	broker    *Broker
	size      int64
	fetchSize int64

	mu  sync.Mutex
	ctx context.Context //nolint:containedctx // io.ReaderAt has no context parameter
}

// NewReaderAt creates a ReaderAt over size bytes.
func NewReaderAt(ctx context.Context, b *Broker, size, fetchSize int64) *ReaderAt {
	if fetchSize <= 0 {
		fetchSize = DefaultFetchSize
	}
	return &ReaderAt{broker: b, size: size, fetchSize: fetchSize, ctx: ctx}
}

// ReadAt implements io.ReaderAt.
func (r *ReaderAt) ReadAt(p []byte, off int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if off >= r.size {
		return 0, io.EOF
	}
	total := 0
	for total < len(p) {
		pos := off + int64(total)
		length := sizing.Window(r.size, pos, min(int64(len(p)-total), r.fetchSize))
		if length == 0 {
			return total, io.EOF
		}
		data, err := r.broker.RequestBytes(r.ctx, pos, length)
		if err != nil {
			return total, err
		}
		if len(data) == 0 {
			return total, io.ErrUnexpectedEOF
		}
		total += copy(p[total:], data)
	}
	return total, nil
}

// Size returns the size of the underlying source.
func (r *ReaderAt) Size() int64 {
	return r.size
}
