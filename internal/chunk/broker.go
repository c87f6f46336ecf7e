package chunk

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/meigma/archivefs/internal/fserr"
)

// Sentinel errors.
var (
	// ErrRequestPending is returned when RequestBytes is called while another
	// request is still outstanding. It is a caller ordering bug.
	ErrRequestPending = fmt.Errorf("%w: chunk request already pending", fserr.ErrPrecondition)

	// ErrClosed is returned to a waiter whose broker was closed.
	ErrClosed = fserr.ErrClosed

	// ErrTransport wraps failures reported by the byte source or the sender.
	ErrTransport = fserr.ErrTransport

	// ErrTimeout is returned when a configured request timeout elapses.
	ErrTimeout = fmt.Errorf("%w: chunk request timed out", fserr.ErrTransport)
)

// Sender emits an outbound chunk request. Implementations must not block
// waiting for the response.
type Sender interface {
	SendChunkRequest(requestID string, offset, length int64) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(requestID string, offset, length int64) error

// SendChunkRequest calls f.
func (f SenderFunc) SendChunkRequest(requestID string, offset, length int64) error {
	return f(requestID, offset, length)
}

type result struct {
	data []byte
	err  error
}

type pending struct {
	id     string
	offset int64
	length int64
	done   chan result
}

// Broker issues chunk requests and resolves them from correlated responses.
type Broker struct {
	send    Sender
	timeout time.Duration
	logger  *slog.Logger
	prefix  string

	mu       sync.Mutex
	seq      uint64
	pending  *pending
	closed   bool
	closedCh chan struct{}
}

// Option configures a Broker.
type Option func(*Broker)

// WithTimeout bounds how long RequestBytes waits for a response.
// Zero (the default) waits until a response arrives or the broker closes;
// an unresponsive source then stalls its volume indefinitely.
func WithTimeout(d time.Duration) Option {
	return func(b *Broker) {
		if d < 0 {
			d = 0
		}
		b.timeout = d
	}
}

// WithLogger sets the logger for discarded responses.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		b.logger = logger
	}
}

// WithIDPrefix prepends prefix to every request id, so that brokers which
// share a response channel never issue the same id.
func WithIDPrefix(prefix string) Option {
	return func(b *Broker) {
		b.prefix = prefix
	}
}

// NewBroker creates a Broker that emits requests through send.
func NewBroker(send Sender, opts ...Option) *Broker {
	b := &Broker{
		send:     send,
		closedCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// log returns the logger, falling back to a discard logger if nil.
func (b *Broker) log() *slog.Logger {
	if b.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return b.logger
}

// RequestBytes fetches [offset, offset+length) and waits for the response.
// The returned slice may be shorter than length when the source ends early.
func (b *Broker) RequestBytes(ctx context.Context, offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 {
		return nil, fmt.Errorf("chunk: invalid range %d+%d", offset, length)
	}
	if length == 0 {
		return nil, nil
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if b.pending != nil {
		id := b.pending.id
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrRequestPending, id)
	}
	b.seq++
	p := &pending{
		id:     b.prefix + strconv.FormatUint(b.seq, 10),
		offset: offset,
		length: length,
		done:   make(chan result, 1),
	}
	b.pending = p
	b.mu.Unlock()

	if err := b.send.SendChunkRequest(p.id, offset, length); err != nil {
		b.clear(p)
		return nil, fmt.Errorf("%w: send request %s: %v", ErrTransport, p.id, err)
	}

	var timeout <-chan time.Time
	if b.timeout > 0 {
		timer := time.NewTimer(b.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case r := <-p.done:
		return r.data, r.err
	case <-b.closedCh:
		return nil, ErrClosed
	case <-ctx.Done():
		b.clear(p)
		return nil, ctx.Err()
	case <-timeout:
		b.clear(p)
		return nil, fmt.Errorf("%w: request %s after %s", ErrTimeout, p.id, b.timeout)
	}
}

// Resolve delivers the bytes for request id. It reports whether the
// response matched the pending request; unmatched responses are dropped.
func (b *Broker) Resolve(id string, offset int64, data []byte) bool {
	p := b.take(id)
	if p == nil {
		return false
	}
	if offset != p.offset {
		p.done <- result{err: fmt.Errorf("%w: request %s answered at offset %d, want %d", ErrTransport, id, offset, p.offset)}
		return true
	}
	if int64(len(data)) > p.length {
		data = data[:p.length]
	}
	p.done <- result{data: data}
	return true
}

// Fail delivers a transport failure for request id. It reports whether the
// failure matched the pending request.
func (b *Broker) Fail(id, message string) bool {
	p := b.take(id)
	if p == nil {
		return false
	}
	p.done <- result{err: fmt.Errorf("%w: %s", ErrTransport, message)}
	return true
}

// Pending returns the id of the outstanding request, if any.
func (b *Broker) Pending() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending == nil {
		return "", false
	}
	return b.pending.id, true
}

// Close drops the pending request and makes every later response inert.
// It is safe to call more than once.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.pending = nil
	close(b.closedCh)
}

// take removes and returns the pending request if it matches id.
func (b *Broker) take(id string) *pending {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		b.log().Debug("chunk response after close", "request", id)
		return nil
	}
	if b.pending == nil || b.pending.id != id {
		b.log().Debug("stale chunk response", "request", id)
		return nil
	}
	p := b.pending
	b.pending = nil
	return p
}

// clear removes p if it is still the pending request.
func (b *Broker) clear(p *pending) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending == p {
		b.pending = nil
	}
}
