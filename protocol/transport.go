package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// ErrTransportClosed is returned by a transport after Close or after the
// peer went away.
var ErrTransportClosed = errors.New("protocol: transport closed")

// Sender sends messages.
type Sender interface {
	Send(m Message) error
}

// Receiver receives messages.
type Receiver interface {
	Recv(ctx context.Context) (Message, error)
}

// Transport is one endpoint of a bidirectional message channel.
// Implementations must allow Recv and Send to run on different
// goroutines; Send itself may not be reentrant.
type Transport interface {
	Sender
	Receiver
	Close() error
}

// LockedSender serializes Send calls to an underlying sender. It is the
// single outbound path of its owner.
type LockedSender struct {
	mu sync.Mutex
	s  Sender
}

// NewLockedSender wraps s.
func NewLockedSender(s Sender) *LockedSender {
	return &LockedSender{s: s}
}

// Send sends m while holding the lock.
func (l *LockedSender) Send(m Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.s.Send(m)
}

// DefaultPipeBuffer is the number of encoded messages a pipe direction
// buffers before Send blocks.
const DefaultPipeBuffer = 256

// PipeEnd is one end of an in-memory transport created by Pipe.
type PipeEnd struct {
	in     <-chan []byte
	out    chan<- []byte
	done   chan struct{}
	closer *sync.Once
}

// Pipe returns two connected in-memory endpoints. Messages are encoded
// to CBOR on Send and decoded on Recv, so the endpoints share no memory.
// Closing either end closes both.
func Pipe() (*PipeEnd, *PipeEnd) {
	ab := make(chan []byte, DefaultPipeBuffer)
	ba := make(chan []byte, DefaultPipeBuffer)
	done := make(chan struct{})
	once := new(sync.Once)
	return &PipeEnd{in: ba, out: ab, done: done, closer: once},
		&PipeEnd{in: ab, out: ba, done: done, closer: once}
}

// Send encodes and enqueues m.
func (p *PipeEnd) Send(m Message) error {
	data, err := MarshalMessage(m)
	if err != nil {
		return err
	}
	select {
	case <-p.done:
		return ErrTransportClosed
	default:
	}
	select {
	case p.out <- data:
		return nil
	case <-p.done:
		return ErrTransportClosed
	}
}

// Recv returns the next message. Messages queued before Close are still
// delivered.
func (p *PipeEnd) Recv(ctx context.Context) (Message, error) {
	select {
	case data := <-p.in:
		return UnmarshalMessage(data)
	default:
	}
	select {
	case data := <-p.in:
		return UnmarshalMessage(data)
	case <-p.done:
		select {
		case data := <-p.in:
			return UnmarshalMessage(data)
		default:
			return Message{}, ErrTransportClosed
		}
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Close closes both ends.
func (p *PipeEnd) Close() error {
	p.closer.Do(func() { close(p.done) })
	return nil
}

// Stream is a transport over a byte stream, such as a process's stdio.
// Messages are written as a sequence of CBOR data items.
type Stream struct {
	wmu sync.Mutex
	enc *cbor.Encoder
	w   io.Writer
	r   io.Reader

	msgs    chan streamResult
	ended   chan struct{}
	termErr error
	done    chan struct{}
	once    sync.Once
}

type streamResult struct {
	msg Message
	err error
}

// NewStream returns a transport reading from r and writing to w. A
// goroutine decodes r until it fails or the stream is closed.
func NewStream(r io.Reader, w io.Writer) *Stream {
	s := &Stream{
		enc:   encMode.NewEncoder(w),
		w:     w,
		r:     r,
		msgs:  make(chan streamResult, DefaultPipeBuffer),
		ended: make(chan struct{}),
		done:  make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// readLoop decodes envelopes until the stream ends. A framing error is
// terminal since the decoder cannot resynchronize; a malformed body is
// delivered as an error and decoding continues.
func (s *Stream) readLoop() {
	defer close(s.ended)
	dec := decMode.NewDecoder(s.r)
	for {
		var env Envelope
		if err := dec.Decode(&env); err != nil {
			if errors.Is(err, io.EOF) {
				s.termErr = ErrTransportClosed
			} else {
				s.termErr = fmt.Errorf("%w: %w: %v", ErrTransportClosed, ErrMalformed, err)
			}
			return
		}
		msg, err := Decode(env)
		select {
		case s.msgs <- streamResult{msg: msg, err: err}:
		case <-s.done:
			return
		}
	}
}

// Send encodes m onto the stream.
func (s *Stream) Send(m Message) error {
	env, err := Encode(m)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return ErrTransportClosed
	default:
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.enc.Encode(env); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	return nil
}

// Recv returns the next decoded message. A malformed body is reported as
// an error without ending the stream; the end of the input is reported
// as ErrTransportClosed once every decoded message has been received.
func (s *Stream) Recv(ctx context.Context) (Message, error) {
	select {
	case res := <-s.msgs:
		return res.msg, res.err
	case <-s.ended:
		select {
		case res := <-s.msgs:
			return res.msg, res.err
		default:
			return Message{}, s.termErr
		}
	case <-s.done:
		return Message{}, ErrTransportClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Close stops the stream and closes the writer and reader when they
// implement io.Closer.
func (s *Stream) Close() error {
	var errs []error
	s.once.Do(func() {
		close(s.done)
		wc, wok := s.w.(io.Closer)
		if wok {
			errs = append(errs, wc.Close())
		}
		if rc, ok := s.r.(io.Closer); ok && (!wok || rc != wc) {
			errs = append(errs, rc.Close())
		}
	})
	return errors.Join(errs...)
}
