// Package source provides the byte sources that supply raw archive bytes
// and the serializable tickets that name them.
//
// A Ticket is what gets persisted across restarts; a Resolver turns it
// back into a live ByteSource. Sources must be safe for concurrent ReadAt
// calls.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ByteSource provides random access to the raw bytes of an archive.
type ByteSource interface {
	io.ReaderAt

	// Size returns the total size of the archive in bytes.
	Size() int64

	// SourceID returns a stable identifier for the content, used as part
	// of cache keys.
	SourceID() string
}

// Kind names how a ticket is resolved.
type Kind string

// Supported ticket kinds.
const (
	KindFile Kind = "file"
	KindHTTP Kind = "http"
	KindOCI  Kind = "oci"
)

// Sentinel errors.
var (
	// ErrInvalidTicket is returned when a ticket is missing required fields.
	ErrInvalidTicket = errors.New("source: invalid ticket")

	// ErrUnsupportedTicket is returned when no resolver handles a ticket kind.
	ErrUnsupportedTicket = errors.New("source: unsupported ticket kind")

	// ErrSizeMismatch is returned when a resolved source disagrees with the
	// size recorded in its ticket.
	ErrSizeMismatch = errors.New("source: size mismatch")
)

// Ticket is a serializable retrieval token for an archive.
type Ticket struct {
	// Kind selects the resolver.
	Kind Kind `cbor:"kind" json:"kind" yaml:"kind"`

	// Location is a file path, URL or OCI repository reference.
	Location string `cbor:"location" json:"location" yaml:"location"`

	// Digest is the content digest. Required for OCI tickets.
	Digest string `cbor:"digest,omitempty" json:"digest,omitempty" yaml:"digest,omitempty"`

	// Size is the expected archive size, or 0 when unknown.
	Size int64 `cbor:"size,omitempty" json:"size,omitempty" yaml:"size,omitempty"`
}

// Validate reports whether the ticket carries the fields its kind needs.
func (t Ticket) Validate() error {
	if t.Location == "" {
		return fmt.Errorf("%w: empty location", ErrInvalidTicket)
	}
	if t.Size < 0 {
		return fmt.Errorf("%w: negative size %d", ErrInvalidTicket, t.Size)
	}
	switch t.Kind {
	case KindFile, KindHTTP:
		return nil
	case KindOCI:
		if t.Digest == "" {
			return fmt.Errorf("%w: oci ticket without digest", ErrInvalidTicket)
		}
		return nil
	case "":
		return fmt.Errorf("%w: empty kind", ErrInvalidTicket)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedTicket, t.Kind)
	}
}

// String returns a compact human-readable form of the ticket.
func (t Ticket) String() string {
	if t.Digest != "" {
		return fmt.Sprintf("%s:%s@%s", t.Kind, t.Location, t.Digest)
	}
	return fmt.Sprintf("%s:%s", t.Kind, t.Location)
}

// Resolver turns a ticket into a live byte source.
type Resolver interface {
	Resolve(ctx context.Context, t Ticket) (ByteSource, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, t Ticket) (ByteSource, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, t Ticket) (ByteSource, error) {
	return f(ctx, t)
}

// Mux dispatches tickets to a resolver per kind and checks the resolved
// size against the ticket. It is safe for concurrent use.
type Mux struct {
	mu       sync.RWMutex
	handlers map[Kind]Resolver
	wrap     func(ByteSource) (ByteSource, error)
}

// NewMux returns an empty Mux.
func NewMux() *Mux {
	return &Mux{handlers: make(map[Kind]Resolver)}
}

// Handle registers r for tickets of kind k, replacing any earlier resolver.
func (m *Mux) Handle(k Kind, r Resolver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[k] = r
}

// Wrap installs a function applied to every resolved source, such as a
// block cache.
func (m *Mux) Wrap(fn func(ByteSource) (ByteSource, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wrap = fn
}

// Resolve implements Resolver.
func (m *Mux) Resolve(ctx context.Context, t Ticket) (ByteSource, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	r, ok := m.handlers[t.Kind]
	wrap := m.wrap
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedTicket, t.Kind)
	}

	src, err := r.Resolve(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", t, err)
	}
	if t.Size > 0 && src.Size() != t.Size {
		_ = Close(src)
		return nil, fmt.Errorf("%w: %s has %d bytes, ticket says %d", ErrSizeMismatch, t, src.Size(), t.Size)
	}
	if wrap == nil {
		return src, nil
	}
	wrapped, err := wrap(src)
	if err != nil {
		_ = Close(src)
		return nil, err
	}
	return closerSource{ByteSource: wrapped, closer: src}, nil
}

// Close releases src if it holds resources.
func Close(src ByteSource) error {
	if c, ok := src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// closerSource keeps the underlying source closable after wrapping.
type closerSource struct {
	ByteSource
	closer ByteSource
}

func (s closerSource) Close() error {
	return Close(s.closer)
}
