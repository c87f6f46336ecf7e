package archivefs

import (
	"context"
	"fmt"
	"io/fs"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/meigma/archivefs/internal/archive"
	"github.com/meigma/archivefs/internal/chunk"
	"github.com/meigma/archivefs/internal/sizing"
	"github.com/meigma/archivefs/source"
)

// VolumeState is the readiness of a volume.
type VolumeState uint8

// Volume states. A volume moves from Uninitialized through MetadataLoading
// to Ready or Failed, and to Unmounted from any state.
const (
	StateUninitialized VolumeState = iota
	StateMetadataLoading
	StateReady
	StateFailed
	StateUnmounted
)

func (s VolumeState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateMetadataLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateUnmounted:
		return "unmounted"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// VolumeOption configures a Volume.
type VolumeOption func(*volumeConfig)

type volumeConfig struct {
	fetchSize        int64
	maxChunkSize     int
	chunkTimeout     time.Duration
	maxDecoderMemory uint64
	decoderLowmem    bool
	useTOC           bool
	codec            *archive.Codec
	idPrefix         string
	logger           *slog.Logger
}

func defaultVolumeConfig() volumeConfig {
	return volumeConfig{
		fetchSize:    chunk.DefaultFetchSize,
		maxChunkSize: archive.DefaultMaxChunkSize,
		useTOC:       true,
	}
}

// WithFetchSize sets the size of each chunk requested from the byte source
// (default 256KB).
func WithFetchSize(n int64) VolumeOption {
	return func(c *volumeConfig) {
		if n > 0 {
			c.fetchSize = n
		}
	}
}

// WithMaxChunkSize bounds the payload of each chunk returned by Read
// (default 64KB).
func WithMaxChunkSize(n int) VolumeOption {
	return func(c *volumeConfig) {
		if n > 0 {
			c.maxChunkSize = n
		}
	}
}

// WithChunkTimeout bounds how long a read waits for one chunk from the
// byte source. The default of zero waits forever: an unresponsive source
// stalls that volume's reads until it is unmounted.
func WithChunkTimeout(d time.Duration) VolumeOption {
	return func(c *volumeConfig) {
		c.chunkTimeout = d
	}
}

// WithMaxDecoderMemory caps the memory a zstd decoder may allocate.
func WithMaxDecoderMemory(limit uint64) VolumeOption {
	return func(c *volumeConfig) {
		c.maxDecoderMemory = limit
	}
}

// WithDecoderLowmem trades zstd decoding speed for memory.
func WithDecoderLowmem(enabled bool) VolumeOption {
	return func(c *volumeConfig) {
		c.decoderLowmem = enabled
	}
}

// WithTOC enables or disables reading eStargz tables of contents instead
// of scanning the archive (default: enabled).
func WithTOC(enabled bool) VolumeOption {
	return func(c *volumeConfig) {
		c.useTOC = enabled
	}
}

// WithCodec skips codec detection and decodes every archive as c.
func WithCodec(c Codec) VolumeOption {
	return func(cfg *volumeConfig) {
		cfg.codec = &c
	}
}

// WithVolumeLogger sets the logger for volume events.
func WithVolumeLogger(logger *slog.Logger) VolumeOption {
	return func(c *volumeConfig) {
		c.logger = logger
	}
}

// withRequestPrefix prefixes chunk request ids. The registry sets it per
// volume so a remounted id never accepts responses meant for its
// predecessor.
func withRequestPrefix(prefix string) VolumeOption {
	return func(c *volumeConfig) {
		c.idPrefix = prefix
	}
}

// Volume is one mounted archive: its reader, metadata tree and open
// handles.
//
// Stat, ListDirectory, Open and Close may be called concurrently. Reads
// are serialized: the volume has one decompression cursor and at most one
// chunk request outstanding.
type Volume struct {
	id     string
	ticket source.Ticket
	size   int64
	logger *slog.Logger

	broker  *chunk.Broker
	reader  *archive.Reader
	readMu  sync.Mutex
	handles *handleTable

	mu    sync.Mutex
	state VolumeState
	tree  *archive.Tree
	err   error
}

// VolumeInfo summarizes a volume.
type VolumeInfo struct {
	MountID     string
	Ticket      source.Ticket
	ArchiveSize int64
	State       VolumeState
	Entries     int
	Handles     int

	// Err is the metadata failure of a Failed volume.
	Err error
}

// NewVolume creates an uninitialized volume for the archive named by
// ticket. Chunk requests are emitted through send; their responses must be
// delivered with ResolveChunk or FailChunk.
func NewVolume(id string, ticket source.Ticket, size int64, send chunk.Sender, opts ...VolumeOption) *Volume {
	cfg := defaultVolumeConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := cfg.logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("mount", id)

	broker := chunk.NewBroker(send,
		chunk.WithTimeout(cfg.chunkTimeout),
		chunk.WithIDPrefix(cfg.idPrefix),
		chunk.WithLogger(logger),
	)
	ropts := []archive.Option{
		archive.WithFetchSize(cfg.fetchSize),
		archive.WithMaxChunkSize(cfg.maxChunkSize),
		archive.WithTOC(cfg.useTOC),
		archive.WithMaxDecoderMemory(cfg.maxDecoderMemory),
		archive.WithDecoderLowmem(cfg.decoderLowmem),
		archive.WithLogger(logger),
	}
	if cfg.codec != nil {
		ropts = append(ropts, archive.WithCodec(*cfg.codec))
	}
	reader := archive.NewReader(broker, size, ropts...)
	return &Volume{
		id:      id,
		ticket:  ticket,
		size:    size,
		logger:  logger,
		broker:  broker,
		reader:  reader,
		handles: newHandleTable(),
	}
}

// ID returns the mount id.
func (v *Volume) ID() string {
	return v.id
}

// Ticket returns the retrieval ticket of the archive.
func (v *Volume) Ticket() source.Ticket {
	return v.ticket
}

// State returns the current state.
func (v *Volume) State() VolumeState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Info returns a summary of the volume.
func (v *Volume) Info() VolumeInfo {
	v.mu.Lock()
	info := VolumeInfo{
		MountID:     v.id,
		Ticket:      v.ticket,
		ArchiveSize: v.size,
		State:       v.state,
		Err:         v.err,
	}
	if v.tree != nil {
		info.Entries = v.tree.Len()
	}
	v.mu.Unlock()
	info.Handles = v.handles.len()
	return info
}

// ReadMetadata loads the metadata tree. It must be called exactly once,
// before any other operation. A failure leaves the volume Failed until it
// is unmounted.
func (v *Volume) ReadMetadata(ctx context.Context) (*Entry, error) {
	v.mu.Lock()
	switch v.state {
	case StateUninitialized:
		v.state = StateMetadataLoading
	case StateUnmounted:
		v.mu.Unlock()
		return nil, ErrClosed
	default:
		state := v.state
		v.mu.Unlock()
		return nil, fmt.Errorf("%w: metadata of %s already requested (%s)", ErrPrecondition, v.id, state)
	}
	v.mu.Unlock()

	start := time.Now()
	v.readMu.Lock()
	tree, err := v.reader.ParseDirectory(ctx)
	v.unlockReader()

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state == StateUnmounted {
		return nil, ErrClosed
	}
	if err != nil {
		v.state = StateFailed
		v.err = err
		v.logger.Warn("metadata load failed", "ticket", v.ticket.String(), "error", err)
		return nil, fmt.Errorf("%w: %s: %w", ErrMountFailure, v.id, err)
	}
	v.state = StateReady
	v.tree = tree
	v.logger.Debug("metadata loaded",
		"entries", tree.Len(),
		"codec", v.reader.Codec().String(),
		"elapsed", time.Since(start))
	return tree.Root(), nil
}

// Stat returns the entry at path.
func (v *Volume) Stat(path string) (*Entry, error) {
	tree, err := v.ready()
	if err != nil {
		return nil, err
	}
	e, ok := tree.Lookup(path)
	if !ok {
		return nil, &fs.PathError{Op: "stat", Path: path, Err: ErrNotFound}
	}
	return e, nil
}

// ListDirectory returns the children of the directory at path in archive
// order.
func (v *Volume) ListDirectory(path string) ([]*Entry, error) {
	tree, err := v.ready()
	if err != nil {
		return nil, err
	}
	e, ok := tree.Lookup(path)
	if !ok {
		return nil, &fs.PathError{Op: "readdir", Path: path, Err: ErrNotFound}
	}
	if !e.IsDir {
		return nil, &fs.PathError{Op: "readdir", Path: path, Err: ErrNotADirectory}
	}
	return e.Children(), nil
}

// Open opens the file at path under handleID. Only read-only, non-creating
// opens are supported; anything else fails with ErrInvalidOperation
// whether or not path exists.
func (v *Volume) Open(handleID, path string, mode OpenMode, create bool) (*Handle, error) {
	tree, err := v.ready()
	if err != nil {
		return nil, err
	}
	if mode != ModeRead || create {
		return nil, &fs.PathError{Op: "open", Path: path, Err: fmt.Errorf("%w: mode %q create=%t", ErrInvalidOperation, mode, create)}
	}
	if handleID == "" {
		return nil, &fs.PathError{Op: "open", Path: path, Err: fmt.Errorf("%w: empty handle id", ErrInvalidOperation)}
	}
	e, ok := tree.Lookup(path)
	if !ok || e.IsDir {
		return nil, &fs.PathError{Op: "open", Path: path, Err: ErrNotFound}
	}
	h := &Handle{ID: handleID, Path: e.Path, Mode: ModeRead, entry: e}
	if !v.handles.add(h) {
		return nil, &fs.PathError{Op: "open", Path: path, Err: fmt.Errorf("%w: handle %s already open", ErrInvalidOperation, handleID)}
	}
	return h, nil
}

// Close releases handleID.
func (v *Volume) Close(handleID string) error {
	if v.State() == StateUnmounted {
		return ErrClosed
	}
	if !v.handles.remove(handleID) {
		return fmt.Errorf("%w: close of unknown handle %q", ErrInvalidOperation, handleID)
	}
	return nil
}

// Handles returns the open handles in the order they were opened.
func (v *Volume) Handles() []*Handle {
	return v.handles.list()
}

// Read streams length bytes of the file open as handleID, starting at
// offset. The range is clamped to the file size. An empty range yields a
// single empty chunk immediately, without waiting for other reads.
//
// Reads behind the volume's decompression cursor restart decompression
// from the beginning of the archive.
func (v *Volume) Read(ctx context.Context, handleID string, offset, length uint64) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		if v.State() == StateUnmounted {
			yield(Chunk{}, ErrClosed)
			return
		}
		h, ok := v.handles.get(handleID)
		if !ok {
			yield(Chunk{}, fmt.Errorf("%w: read of unknown handle %q", ErrInvalidOperation, handleID))
			return
		}
		if sizing.ClampRange(h.entry.Size, offset, length) == 0 {
			yield(Chunk{}, nil)
			return
		}

		v.readMu.Lock()
		defer v.unlockReader()
		if v.State() == StateUnmounted {
			yield(Chunk{}, ErrClosed)
			return
		}
		for c, err := range v.reader.ReadEntryRange(ctx, h.entry, offset, length) {
			if err != nil {
				if v.State() == StateUnmounted {
					err = ErrClosed
				}
				yield(Chunk{}, &fs.PathError{Op: "read", Path: h.Path, Err: err})
				return
			}
			if !yield(c, nil) {
				return
			}
		}
	}
}

// ReaderStats returns the decompression statistics and cursor. It waits
// for any read in progress.
func (v *Volume) ReaderStats() (ReaderStats, Cursor) {
	v.readMu.Lock()
	defer v.readMu.Unlock()
	return v.reader.Stats(), v.reader.Cursor()
}

// ResolveChunk delivers the bytes for chunk request id. It reports whether
// a read was waiting for them.
func (v *Volume) ResolveChunk(id string, offset int64, data []byte) bool {
	return v.broker.Resolve(id, offset, data)
}

// FailChunk delivers a byte source failure for chunk request id.
func (v *Volume) FailChunk(id, message string) bool {
	return v.broker.Fail(id, message)
}

// Unmount releases the volume. Open handles are invalidated, a read
// waiting on a chunk ends with ErrClosed, and responses to chunk requests
// already issued are discarded when they arrive.
func (v *Volume) Unmount() {
	v.mu.Lock()
	if v.state == StateUnmounted {
		v.mu.Unlock()
		return
	}
	v.state = StateUnmounted
	v.tree = nil
	v.mu.Unlock()

	v.broker.Close()
	v.handles.clear()
	if v.readMu.TryLock() {
		v.reader.Close()
		v.readMu.Unlock()
	}
	v.logger.Debug("volume unmounted")
}

// ready returns the tree of a Ready volume.
func (v *Volume) ready() (*archive.Tree, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch v.state {
	case StateReady:
		return v.tree, nil
	case StateUnmounted:
		return nil, ErrClosed
	default:
		return nil, fmt.Errorf("%w: %s is %s", ErrNotReady, v.id, v.state)
	}
}

// unlockReader releases the reader, dropping its stream if the volume was
// unmounted while it was held.
func (v *Volume) unlockReader() {
	if v.State() == StateUnmounted {
		v.reader.Close()
	}
	v.readMu.Unlock()
}
