package archive

import (
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// DefaultMaxDecoderMemory is the default zstd decoder memory limit (256MB).
const DefaultMaxDecoderMemory = 256 << 20

// decoderPool manages reusable zstd decoders. A cursor reset drops its
// decoder and takes a fresh one, so volumes that seek backwards often
// reuse decoders instead of reallocating window buffers.
type decoderPool struct {
	pool             *sync.Pool
	maxDecoderMemory uint64
	lowmem           bool
}

// newDecoderPool creates a pool for zstd decoders.
// If maxMemory is 0, no memory limit is applied to decoders.
func newDecoderPool(maxMemory uint64, lowmem bool) *decoderPool {
	p := &decoderPool{
		maxDecoderMemory: maxMemory,
		lowmem:           lowmem,
	}
	p.pool = &sync.Pool{
		New: func() any {
			dec, err := p.newDecoder(nil)
			if err != nil {
				return nil
			}
			return dec
		},
	}
	return p
}

// get returns a decoder configured to read from r.
// The caller must call the returned release function when done.
// If an error is returned, no release function needs to be called.
func (p *decoderPool) get(r io.Reader) (*zstd.Decoder, func(), error) {
	value := p.pool.Get()
	dec, ok := value.(*zstd.Decoder)
	if !ok || dec == nil {
		newDec, err := p.newDecoder(r)
		if err != nil {
			return nil, nil, err
		}
		return newDec, newDec.Close, nil
	}

	if err := dec.Reset(r); err != nil {
		dec.Close()
		newDec, err := p.newDecoder(r)
		if err != nil {
			return nil, nil, err
		}
		return newDec, newDec.Close, nil
	}

	return dec, func() {
		_ = dec.Reset(nil) //nolint:errcheck // clearing state before pool return
		p.pool.Put(dec)
	}, nil
}

// newDecoder creates a single-threaded zstd decoder with the configured limits.
// Concurrency stays at 1: the cursor consumes output strictly in order.
func (p *decoderPool) newDecoder(r io.Reader) (*zstd.Decoder, error) {
	opts := []zstd.DOption{
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderLowmem(p.lowmem),
	}
	if p.maxDecoderMemory != 0 {
		opts = append(opts, zstd.WithDecoderMaxMemory(p.maxDecoderMemory))
	}
	return zstd.NewReader(r, opts...)
}
