package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"

	"github.com/containerd/stargz-snapshotter/estargz"

	"github.com/meigma/archivefs/internal/chunk"
	"github.com/meigma/archivefs/internal/pathutil"
	"github.com/meigma/archivefs/internal/sizing"
)

// DefaultMaxChunkSize bounds the payload of a single Chunk (64KB).
const DefaultMaxChunkSize = 64 << 10

// Chunk is one bounded piece of a range read.
type Chunk struct {
	Data    []byte
	HasMore bool
}

// Cursor describes how far the forward-only decompression has progressed.
type Cursor struct {
	// EntryPath is the path of the current tar member, "" before the first.
	EntryPath string

	// EntryOffset is the number of bytes consumed within the current member.
	EntryOffset uint64

	// StreamPos is the number of compressed archive bytes consumed. It only
	// decreases when the cursor is reset to the archive start.
	StreamPos int64

	// Ordinal is the index of the current member in stream order, or -1.
	Ordinal int
}

// Stats counts decompression streams started by a Reader.
type Stats struct {
	// Opens is the number of decompression streams started from offset 0.
	Opens int

	// Resets is the number of live streams discarded because a read
	// targeted a position behind the cursor.
	Resets int
}

// cursor is a live decompression stream.
type cursor struct {
	stream  *chunk.Stream
	tr      *tar.Reader
	release func()
	ordinal int
	path    string
	offset  uint64
	eof     bool
}

// Reader is the archive reader for one mounted archive. It is not safe
// for concurrent use; the owning volume serializes calls.
type Reader struct {
	broker           *chunk.Broker
	size             int64
	fetchSize        int64
	maxChunkSize     int
	useTOC           bool
	codec            Codec
	codecSet         bool
	maxDecoderMemory uint64
	decoderLowmem    bool
	pool             *decoderPool
	logger           *slog.Logger

	tree     *Tree
	ordinals map[string]int
	cur      *cursor
	stats    Stats
}

// Option configures a Reader.
type Option func(*Reader)

// WithFetchSize sets the size of each chunk requested from the broker.
func WithFetchSize(n int64) Option {
	return func(r *Reader) {
		r.fetchSize = n
	}
}

// WithMaxChunkSize bounds the payload of each Chunk yielded by ReadEntryRange.
func WithMaxChunkSize(n int) Option {
	return func(r *Reader) {
		if n > 0 {
			r.maxChunkSize = n
		}
	}
}

// WithTOC enables or disables the eStargz table-of-contents fast path
// (default: enabled).
func WithTOC(enabled bool) Option {
	return func(r *Reader) {
		r.useTOC = enabled
	}
}

// WithCodec forces a codec instead of detecting it from the archive header.
func WithCodec(c Codec) Option {
	return func(r *Reader) {
		r.codec = c
		r.codecSet = true
	}
}

// WithMaxDecoderMemory sets the zstd decoder memory limit.
// Set to 0 to disable the limit.
func WithMaxDecoderMemory(limit uint64) Option {
	return func(r *Reader) {
		r.maxDecoderMemory = limit
	}
}

// WithDecoderLowmem sets whether zstd decoders use low-memory mode.
func WithDecoderLowmem(enabled bool) Option {
	return func(r *Reader) {
		r.decoderLowmem = enabled
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reader) {
		r.logger = logger
	}
}

// NewReader creates a Reader over an archive of size bytes served by b.
func NewReader(b *chunk.Broker, size int64, opts ...Option) *Reader {
	r := &Reader{
		broker:           b,
		size:             size,
		fetchSize:        chunk.DefaultFetchSize,
		maxChunkSize:     DefaultMaxChunkSize,
		useTOC:           true,
		maxDecoderMemory: DefaultMaxDecoderMemory,
		ordinals:         make(map[string]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.pool = newDecoderPool(r.maxDecoderMemory, r.decoderLowmem)
	return r
}

// log returns the logger, falling back to a discard logger if nil.
func (r *Reader) log() *slog.Logger {
	if r.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return r.logger
}

// Codec returns the detected codec. It is CodecNone until the first fetch.
func (r *Reader) Codec() Codec {
	return r.codec
}

// Stats returns stream counters.
func (r *Reader) Stats() Stats {
	return r.stats
}

// Cursor returns the current cursor position.
func (r *Reader) Cursor() Cursor {
	if r.cur == nil {
		return Cursor{Ordinal: -1}
	}
	return Cursor{
		EntryPath:   r.cur.path,
		EntryOffset: r.cur.offset,
		StreamPos:   r.cur.stream.Offset(),
		Ordinal:     r.cur.ordinal,
	}
}

// Close drops the live decompression stream.
func (r *Reader) Close() {
	r.discard()
}

// ParseDirectory builds the metadata tree. The first successful result is
// cached; payload bytes are skipped, never buffered.
func (r *Reader) ParseDirectory(ctx context.Context) (*Tree, error) {
	if r.tree != nil {
		return r.tree, nil
	}
	if r.size <= 0 {
		return nil, fmt.Errorf("%w: empty archive", ErrParseFailure)
	}
	if err := r.detect(ctx); err != nil {
		return nil, r.parseErr(err)
	}

	if r.useTOC {
		if tree, ok := r.parseTOC(ctx); ok {
			r.tree = tree
			return tree, nil
		}
	}

	if err := r.open(ctx); err != nil {
		return nil, r.parseErr(err)
	}
	b := newTreeBuilder()
	for {
		hdr, err := r.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			err = r.parseErr(r.streamCause(err))
			r.discard()
			return nil, err
		}
		r.ordinals[r.cur.path] = r.cur.ordinal
		if m, ok := r.memberFromHeader(hdr); ok {
			b.add(m)
		}
	}
	r.discard()
	r.tree = b.build()
	r.log().Debug("archive directory parsed", "entries", r.tree.Len(), "codec", r.codec.String())
	return r.tree, nil
}

// ReadEntryRange streams length bytes of e starting at offset.
//
// The range is clamped to the entry size. An empty range yields a single
// empty chunk without touching the archive. Otherwise chunks of at most
// the configured size are yielded in order; the last has HasMore false.
// An error ends the sequence and discards the cursor.
func (r *Reader) ReadEntryRange(ctx context.Context, e *Entry, offset, length uint64) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		remaining := sizing.ClampRange(e.Size, offset, length)
		if remaining == 0 || e.IsDir {
			yield(Chunk{}, nil)
			return
		}
		if err := r.seek(ctx, e, offset); err != nil {
			yield(Chunk{}, err)
			return
		}
		for remaining > 0 {
			n := min(remaining, uint64(r.maxChunkSize)) //nolint:gosec // maxChunkSize is positive
			buf := make([]byte, n)
			got, err := io.ReadFull(r.cur.tr, buf)
			r.cur.offset += uint64(got) //nolint:gosec // io.ReadFull never returns a negative count
			if err != nil {
				yield(Chunk{}, r.fail(err))
				return
			}
			remaining -= n
			if !yield(Chunk{Data: buf, HasMore: remaining > 0}, nil) {
				return
			}
		}
	}
}

// detect fetches the archive head and records its codec.
func (r *Reader) detect(ctx context.Context) error {
	if r.codecSet {
		return nil
	}
	head, err := r.broker.RequestBytes(ctx, 0, min(int64(magicLen), r.size))
	if err != nil {
		return err
	}
	r.codec = DetectCodec(head)
	r.codecSet = true
	return nil
}

// open starts a new decompression stream at the archive start.
func (r *Reader) open(ctx context.Context) error {
	if err := r.detect(ctx); err != nil {
		return err
	}
	stream := chunk.NewStream(r.broker, r.size, r.fetchSize)
	stream.Bind(ctx)
	dec, release, err := r.codec.decoder(stream, r.pool)
	if err != nil {
		if serr := stream.Err(); serr != nil {
			return serr
		}
		return fmt.Errorf("open %s stream: %w", r.codec, err)
	}
	r.cur = &cursor{
		stream:  stream,
		tr:      tar.NewReader(dec),
		release: release,
		ordinal: -1,
	}
	r.stats.Opens++
	return nil
}

// discard releases the live stream, if any.
func (r *Reader) discard() {
	if r.cur == nil {
		return
	}
	r.cur.release()
	r.cur = nil
}

// next advances to the next tar member, skipping unread payload.
func (r *Reader) next() (*tar.Header, error) {
	hdr, err := r.cur.tr.Next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			r.cur.eof = true
		}
		return nil, err
	}
	r.cur.ordinal++
	r.cur.path = pathutil.Normalize(hdr.Name)
	r.cur.offset = 0
	return hdr, nil
}

// seek positions the cursor at offset within e, restarting the stream
// when the target lies behind the cursor.
func (r *Reader) seek(ctx context.Context, e *Entry, offset uint64) error {
	path := e.dataPath()
	target, known := r.ordinals[path]
	if r.cur != nil && !r.reachable(path, target, known, offset) {
		r.log().Debug("cursor reset", "entry", path, "offset", offset,
			"cursor_entry", r.cur.path, "cursor_offset", r.cur.offset)
		r.discard()
		r.stats.Resets++
	}

	fresh := r.cur == nil
	if fresh {
		if err := r.open(ctx); err != nil {
			return r.classify(err)
		}
	} else {
		r.cur.stream.Bind(ctx)
	}

	found, err := r.advance(path, target, known)
	if err != nil {
		return r.fail(err)
	}
	if !found && !fresh {
		// An unknown position was not ahead of the cursor; rescan from the start.
		r.discard()
		r.stats.Resets++
		if err := r.open(ctx); err != nil {
			return r.classify(err)
		}
		if found, err = r.advance(path, target, known); err != nil {
			return r.fail(err)
		}
	}
	if !found {
		r.discard()
		return fmt.Errorf("%w: %s not present in archive stream", ErrCorruptData, path)
	}

	if skip := offset - r.cur.offset; skip > 0 {
		n, err := sizing.ToInt64(skip, ErrCorruptData)
		if err != nil {
			r.discard()
			return fmt.Errorf("skip %d bytes of %s: %w", skip, path, err)
		}
		n, err = io.CopyN(io.Discard, r.cur.tr, n)
		r.cur.offset += uint64(n) //nolint:gosec // CopyN never returns a negative count
		if err != nil {
			return r.fail(err)
		}
	}
	return nil
}

// reachable reports whether the cursor can move forward to offset in path.
func (r *Reader) reachable(path string, target int, known bool, offset uint64) bool {
	c := r.cur
	if c.eof {
		return false
	}
	if c.ordinal >= 0 && c.path == path && (!known || c.ordinal == target) {
		return c.offset <= offset
	}
	if known {
		return c.ordinal < target
	}
	return true
}

// advance moves the cursor to the member for path. It reports false when
// the stream ends or passes the known ordinal without finding it.
func (r *Reader) advance(path string, target int, known bool) (bool, error) {
	c := r.cur
	if c.ordinal >= 0 && c.path == path && (!known || c.ordinal == target) {
		return true, nil
	}
	for {
		_, err := r.next()
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if _, seen := r.ordinals[c.path]; !seen {
			r.ordinals[c.path] = c.ordinal
		}
		if c.path == path && (!known || c.ordinal == target) {
			return true, nil
		}
		if known && c.ordinal > target {
			return false, nil
		}
	}
}

// fail classifies err and discards the cursor.
func (r *Reader) fail(err error) error {
	err = r.classify(r.streamCause(err))
	r.discard()
	return err
}

// streamCause prefers the transport error recorded by the stream, since
// decoders do not reliably wrap the errors of their source.
func (r *Reader) streamCause(err error) error {
	if r.cur != nil {
		if serr := r.cur.stream.Err(); serr != nil {
			return serr
		}
	}
	return err
}

// classify maps an error to the read taxonomy: transport and lifecycle
// errors pass through, everything else is corrupt data.
func (r *Reader) classify(err error) error {
	if isTransport(err) {
		return err
	}
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return fmt.Errorf("%w: %v", ErrCorruptData, err)
}

// parseErr maps a directory-parse error to ErrParseFailure unless it came
// from the transport.
func (r *Reader) parseErr(err error) error {
	if isTransport(err) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrParseFailure, err)
}

func isTransport(err error) bool {
	return errors.Is(err, chunk.ErrTransport) ||
		errors.Is(err, chunk.ErrTimeout) ||
		errors.Is(err, chunk.ErrClosed) ||
		errors.Is(err, chunk.ErrRequestPending) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// memberFromHeader converts a tar header to a tree member. Headers that
// carry no filesystem entry report false.
func (r *Reader) memberFromHeader(hdr *tar.Header) (Entry, bool) {
	switch hdr.Typeflag {
	case tar.TypeXGlobalHeader, tar.TypeXHeader, tar.TypeGNULongName, tar.TypeGNULongLink:
		return Entry{}, false
	}
	p := pathutil.Normalize(hdr.Name)
	if r.isStargzMetadata(p) {
		return Entry{}, false
	}
	m := Entry{
		Path:       p,
		IsDir:      hdr.Typeflag == tar.TypeDir,
		ModTime:    hdr.ModTime,
		Mode:       hdr.FileInfo().Mode(),
		LinkTarget: hdr.Linkname,
		hardlink:   hdr.Typeflag == tar.TypeLink,
	}
	if m.Mode.IsRegular() {
		m.Size = uint64(max(hdr.Size, 0)) //nolint:gosec // clamped to non-negative
	}
	return m, true
}

// isStargzMetadata reports whether p is an eStargz bookkeeping member.
func (r *Reader) isStargzMetadata(p string) bool {
	if r.codec != CodecGzip && r.codec != CodecZstd {
		return false
	}
	switch p {
	case "/" + estargz.TOCTarName, "/" + estargz.PrefetchLandmark, "/" + estargz.NoPrefetchLandmark:
		return true
	}
	return false
}
