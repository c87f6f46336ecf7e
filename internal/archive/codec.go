package archive

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/pierrec/lz4/v4"
)

// Codec identifies the compression wrapped around the tar stream.
type Codec uint8

// Supported codecs.
const (
	CodecNone Codec = iota
	CodecGzip
	CodecZstd
	CodecLZ4
	CodecSnappy
)

// String returns the human-readable name of the codec.
func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecGzip:
		return "gzip"
	case CodecZstd:
		return "zstd"
	case CodecLZ4:
		return "lz4"
	case CodecSnappy:
		return "snappy"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// magicLen is how many leading bytes DetectCodec needs.
const magicLen = 10

var (
	magicGzip   = []byte{0x1f, 0x8b}
	magicZstd   = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicLZ4    = []byte{0x04, 0x22, 0x4d, 0x18}
	magicSnappy = []byte{0xff, 0x06, 0x00, 0x00, 's', 'N', 'a', 'P', 'p', 'Y'}
)

// DetectCodec identifies the codec from the first bytes of an archive.
// Anything unrecognized is treated as a bare tar stream.
func DetectCodec(head []byte) Codec {
	switch {
	case bytes.HasPrefix(head, magicGzip):
		return CodecGzip
	case bytes.HasPrefix(head, magicZstd):
		return CodecZstd
	case bytes.HasPrefix(head, magicLZ4):
		return CodecLZ4
	case bytes.HasPrefix(head, magicSnappy):
		return CodecSnappy
	default:
		return CodecNone
	}
}

// ParseCodec parses a codec name as produced by String.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "none", "tar":
		return CodecNone, nil
	case "gzip", "gz":
		return CodecGzip, nil
	case "zstd", "zst":
		return CodecZstd, nil
	case "lz4":
		return CodecLZ4, nil
	case "snappy", "sz":
		return CodecSnappy, nil
	default:
		return 0, fmt.Errorf("unknown codec %q", name)
	}
}

// decoder opens a decompressing reader over r for codec c.
// The returned release function must be called when the reader is dropped.
func (c Codec) decoder(r io.Reader, pool *decoderPool) (io.Reader, func(), error) {
	switch c {
	case CodecNone:
		return r, func() {}, nil
	case CodecGzip:
		// Multistream stays enabled: eStargz archives are concatenated gzip members.
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return zr, func() { _ = zr.Close() }, nil
	case CodecZstd:
		dec, release, err := pool.get(r)
		if err != nil {
			return nil, nil, err
		}
		return dec, release, nil
	case CodecLZ4:
		return lz4.NewReader(r), func() {}, nil
	case CodecSnappy:
		return snappy.NewReader(r), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported codec %s", c)
	}
}
