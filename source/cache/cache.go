// Package cache provides a disk-backed block cache for byte sources.
//
// Fetched ranges are stored as fixed-size blocks keyed by a digest of the
// source id, block size and block index, so remounting an archive after a
// restart replays chunk fetches from disk instead of the origin.
package cache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/singleflight"

	"github.com/meigma/archivefs/source"
)

const (
	// DefaultBlockSize is the size of each cached block (64KB).
	DefaultBlockSize int64 = 64 << 10

	// DefaultMaxBlocksPerRead bypasses the cache for reads spanning more
	// blocks than this.
	DefaultMaxBlocksPerRead = 8

	defaultShardPrefixLen = 2
	defaultDirPerm        = 0o700
)

// BlockCache stores source blocks as individual files, sharded by key
// prefix. It is safe for concurrent use.
type BlockCache struct {
	dir              string
	shardPrefixLen   int
	dirPerm          os.FileMode
	maxBytes         int64
	blockSize        int64
	maxBlocksPerRead int
	bytes            atomic.Int64
	fetchGroup       singleflight.Group
	pruneMu          sync.Mutex
	hits             atomic.Int64
	misses           atomic.Int64
}

// Option configures a BlockCache.
type Option func(*BlockCache)

// WithMaxBytes sets the maximum size in bytes. Values <= 0 disable the limit.
func WithMaxBytes(n int64) Option {
	return func(c *BlockCache) {
		c.maxBytes = n
	}
}

// WithShardPrefixLen sets the number of hex characters used for sharding.
// Use 0 to disable sharding. Defaults to 2.
func WithShardPrefixLen(n int) Option {
	return func(c *BlockCache) {
		c.shardPrefixLen = n
	}
}

// WithDirPerm sets the permissions of created directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(c *BlockCache) {
		c.dirPerm = mode
	}
}

// WithBlockSize sets the block size.
func WithBlockSize(n int64) Option {
	return func(c *BlockCache) {
		c.blockSize = n
	}
}

// WithMaxBlocksPerRead bypasses caching when a read spans more than n
// blocks. Values <= 0 disable the limit.
func WithMaxBlocksPerRead(n int) Option {
	return func(c *BlockCache) {
		c.maxBlocksPerRead = n
	}
}

// New creates a block cache rooted at dir.
func New(dir string, opts ...Option) (*BlockCache, error) {
	if dir == "" {
		return nil, errors.New("block cache dir is empty")
	}
	c := &BlockCache{
		dir:              dir,
		shardPrefixLen:   defaultShardPrefixLen,
		dirPerm:          defaultDirPerm,
		blockSize:        DefaultBlockSize,
		maxBlocksPerRead: DefaultMaxBlocksPerRead,
	}
	for _, opt := range opts {
		opt(c)
	}
	switch {
	case c.shardPrefixLen < 0:
		return nil, errors.New("block cache shard prefix length must be >= 0")
	case c.maxBytes < 0:
		return nil, errors.New("block cache max bytes must be >= 0")
	case c.blockSize <= 0 || c.blockSize > math.MaxInt32:
		return nil, fmt.Errorf("block cache block size %d out of range", c.blockSize)
	}
	if err := os.MkdirAll(dir, c.dirPerm); err != nil {
		return nil, err
	}
	size, err := dirSize(dir)
	if err != nil {
		return nil, err
	}
	c.bytes.Store(size)
	return c, nil
}

// Wrap returns a source that serves reads through the cache.
func (c *BlockCache) Wrap(src source.ByteSource) (source.ByteSource, error) {
	if src == nil {
		return nil, errors.New("block cache: source is nil")
	}
	if src.SourceID() == "" {
		return nil, errors.New("block cache: source id is empty")
	}
	return &cachedSource{src: src, cache: c}, nil
}

// MaxBytes returns the configured size limit (0 = unlimited).
func (c *BlockCache) MaxBytes() int64 {
	return c.maxBytes
}

// SizeBytes returns the current cache size in bytes.
func (c *BlockCache) SizeBytes() int64 {
	return c.bytes.Load()
}

// Stats returns block hit and miss counts since creation.
func (c *BlockCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Prune removes the oldest blocks until the cache is at or below
// targetBytes. It returns the number of bytes freed.
func (c *BlockCache) Prune(targetBytes int64) (int64, error) {
	targetBytes = max(targetBytes, 0)
	c.pruneMu.Lock()
	defer c.pruneMu.Unlock()

	freed, remaining, err := pruneDir(c.dir, targetBytes)
	if err != nil {
		return 0, err
	}
	c.bytes.Store(remaining)
	return freed, nil
}

// cachedSource serves ReadAt from cached blocks.
type cachedSource struct {
	src   source.ByteSource
	cache *BlockCache
}

func (s *cachedSource) Size() int64      { return s.src.Size() }
func (s *cachedSource) SourceID() string { return s.src.SourceID() }

func (s *cachedSource) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("read at %d: negative offset", off)
	}
	size := s.src.Size()
	if off >= size {
		return 0, io.EOF
	}
	expected := min(int64(len(p)), size-off)

	bs := s.cache.blockSize
	first := off / bs
	last := (off + expected - 1) / bs
	if limit := s.cache.maxBlocksPerRead; limit > 0 && last-first+1 > int64(limit) {
		return s.src.ReadAt(p, off)
	}

	var n int64
	for idx := first; idx <= last; idx++ {
		start := idx * bs
		end := min(start+bs, size)
		data, err := s.cache.block(s.src, idx, end-start)
		if err != nil {
			return int(n), err
		}
		from := max(off, start)
		to := min(off+expected, end)
		n += int64(copy(p[from-off:to-off], data[from-start:to-start]))
	}
	if expected < int64(len(p)) {
		return int(n), io.EOF
	}
	return int(n), nil
}

// block returns block idx of src, reading it from disk or the source.
// Concurrent fills of the same block share one fetch.
func (c *BlockCache) block(src source.ByteSource, idx, length int64) ([]byte, error) {
	key := c.key(src.SourceID(), idx)
	v, err, _ := c.fetchGroup.Do(key.Encoded(), func() (any, error) {
		path := c.path(key)
		data, err := os.ReadFile(path) //nolint:gosec // path is derived from a digest
		switch {
		case err == nil && int64(len(data)) == length:
			c.hits.Add(1)
			return data, nil
		case err == nil:
			c.bytes.Add(-int64(len(data)))
			_ = os.Remove(path)
		case !errors.Is(err, os.ErrNotExist):
			return nil, err
		}

		c.misses.Add(1)
		data = make([]byte, length)
		n, err := src.ReadAt(data, idx*c.blockSize)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		if int64(n) != length {
			return nil, io.ErrUnexpectedEOF
		}
		_ = c.write(path, data) //nolint:errcheck // cache writes are best-effort
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil //nolint:errcheck,forcetypeassert // always []byte when err is nil
}

func (c *BlockCache) key(sourceID string, idx int64) digest.Digest {
	d := digest.Canonical.Digester()
	h := d.Hash()
	_, _ = h.Write([]byte(sourceID)) //nolint:errcheck // hash writes never fail
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(c.blockSize)) //nolint:gosec // validated > 0
	binary.BigEndian.PutUint64(buf[8:], uint64(idx))         //nolint:gosec // always >= 0
	_, _ = h.Write(buf[:])                                   //nolint:errcheck // hash writes never fail
	return d.Digest()
}

func (c *BlockCache) path(key digest.Digest) string {
	hex := key.Encoded()
	if c.shardPrefixLen <= 0 {
		return filepath.Join(c.dir, hex)
	}
	return filepath.Join(c.dir, hex[:min(c.shardPrefixLen, len(hex))], hex)
}

func (c *BlockCache) write(path string, data []byte) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if ok, err := c.ensureCapacity(int64(len(data))); err != nil || !ok {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, c.dirPerm); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "block-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		if _, statErr := os.Stat(path); statErr == nil {
			return nil
		}
		return err
	}
	c.bytes.Add(int64(len(data)))
	return nil
}

func (c *BlockCache) ensureCapacity(need int64) (bool, error) {
	if c.maxBytes <= 0 {
		return true, nil
	}
	if need > c.maxBytes {
		return false, nil
	}
	if c.SizeBytes()+need <= c.maxBytes {
		return true, nil
	}
	if _, err := c.Prune(c.maxBytes - need); err != nil {
		return false, err
	}
	return c.SizeBytes()+need <= c.maxBytes, nil
}
