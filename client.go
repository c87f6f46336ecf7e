package archivefs

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"sync"

	"github.com/meigma/archivefs/internal/sizing"
	"github.com/meigma/archivefs/persist"
	"github.com/meigma/archivefs/protocol"
	"github.com/meigma/archivefs/source"
)

// Client is the request-issuing side of the protocol.
//
// It resolves tickets into byte sources, answers the engine's chunk
// requests from them, and turns filesystem calls into correlated requests.
// A Client is safe for concurrent use.
type Client struct {
	tr       protocol.Transport
	out      *protocol.LockedSender
	resolver source.Resolver
	logger   *slog.Logger

	mu     sync.Mutex
	seq    uint64
	epoch  string
	hseq   uint64
	calls  map[string]*call
	mounts map[string]*mount
	closed bool
	err    error

	fetches   sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// mount is the client-side record of a mounted archive.
type mount struct {
	ticket  source.Ticket
	size    int64
	src     source.ByteSource
	handles map[string]string
	order   []string
}

// call is a request waiting for its responses. Responses are queued
// without bound so that a slow reader never stalls the receive loop.
type call struct {
	mountID string

	mu    sync.Mutex
	queue []protocol.Message
	ready chan struct{}
	gone  chan struct{}
	once  sync.Once
}

func newCall(mountID string) *call {
	return &call{mountID: mountID, ready: make(chan struct{}, 1), gone: make(chan struct{})}
}

func (c *call) push(msg protocol.Message) {
	c.mu.Lock()
	c.queue = append(c.queue, msg)
	c.mu.Unlock()
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

func (c *call) pop() (protocol.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return protocol.Message{}, false
	}
	msg := c.queue[0]
	c.queue = c.queue[1:]
	return msg, true
}

func (c *call) abandon() {
	c.once.Do(func() { close(c.gone) })
}

// NewClient returns a client speaking over tr and starts its receive loop.
// The client takes ownership of tr.
//
// Without [WithResolver], tickets are resolved by [NewResolver] with
// default options.
func NewClient(tr protocol.Transport, opts ...Option) (*Client, error) {
	c := &Client{
		tr:     tr,
		out:    protocol.NewLockedSender(tr),
		calls:  make(map[string]*call),
		mounts: make(map[string]*mount),
		done:   make(chan struct{}),
		epoch:  newEpoch(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if c.resolver == nil {
		c.resolver = NewResolver()
	}
	go c.recvLoop()
	return c, nil
}

// newEpoch returns a random prefix for handle ids. Handles reopened from a
// saved state keep the ids of an earlier client, so ids allocated here
// must not repeat them.
func newEpoch() string {
	var b [6]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// nextHandleID allocates a handle id unused on mountID.
func (c *Client) nextHandleID(mountID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		c.hseq++
		id := "h" + c.epoch + "." + strconv.FormatUint(c.hseq, 10)
		m, ok := c.mounts[mountID]
		if !ok {
			return id
		}
		if _, used := m.handles[id]; !used {
			return id
		}
	}
}

// log returns the logger, falling back to a discard logger if nil.
func (c *Client) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// Mount resolves ticket, mounts it under mountID and waits for the
// metadata to load. It returns the root directory.
//
// If the metadata load fails the engine volume is unmounted again, so the
// id can be reused.
func (c *Client) Mount(ctx context.Context, mountID string, ticket source.Ticket) (EntryInfo, error) {
	if err := ticket.Validate(); err != nil {
		return EntryInfo{}, err
	}
	src, err := c.resolver.Resolve(ctx, ticket)
	if err != nil {
		return EntryInfo{}, fmt.Errorf("resolve %s: %w", ticket, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = source.Close(src)
		return EntryInfo{}, ErrClosed
	}
	if _, ok := c.mounts[mountID]; ok {
		c.mu.Unlock()
		_ = source.Close(src)
		return EntryInfo{}, fmt.Errorf("%w: mount %s already exists", ErrPrecondition, mountID)
	}
	c.mounts[mountID] = &mount{ticket: ticket, size: src.Size(), src: src, handles: make(map[string]string)}
	c.mu.Unlock()

	resp, err := c.roundTrip(ctx, mountID, protocol.Mount{Ticket: ticket, ArchiveSize: src.Size()})
	if err != nil {
		c.forget(mountID)
		if errors.Is(err, ErrMountFailure) {
			if _, uerr := c.roundTrip(context.WithoutCancel(ctx), mountID, protocol.Unmount{}); uerr != nil {
				c.log().Debug("unmount after failed mount", "mount", mountID, "error", uerr)
			}
		}
		return EntryInfo{}, err
	}
	done, err := expect[protocol.MountDone](resp)
	if err != nil {
		return EntryInfo{}, err
	}
	c.log().Info("mounted", "mount", mountID, "ticket", ticket.String(), "entries", done.Entries)
	return done.Root, nil
}

// Unmount releases mountID on the engine and closes its byte source.
func (c *Client) Unmount(ctx context.Context, mountID string) error {
	resp, err := c.roundTrip(ctx, mountID, protocol.Unmount{})
	c.forget(mountID)
	c.abandonMount(mountID)
	if err != nil {
		return err
	}
	_, err = expect[protocol.UnmountDone](resp)
	return err
}

// Stat returns the entry at path.
func (c *Client) Stat(ctx context.Context, mountID, path string) (EntryInfo, error) {
	resp, err := c.roundTrip(ctx, mountID, protocol.Stat{Path: path})
	if err != nil {
		return EntryInfo{}, err
	}
	done, err := expect[protocol.StatDone](resp)
	return done.Entry, err
}

// ListDirectory returns the children of the directory at path in archive
// order.
func (c *Client) ListDirectory(ctx context.Context, mountID, path string) ([]EntryInfo, error) {
	resp, err := c.roundTrip(ctx, mountID, protocol.ListDirectory{Path: path})
	if err != nil {
		return nil, err
	}
	done, err := expect[protocol.ListDirectoryDone](resp)
	return done.Entries, err
}

// OpenFile opens path for reading and returns its handle id.
func (c *Client) OpenFile(ctx context.Context, mountID, path string) (string, error) {
	return c.open(ctx, mountID, c.nextHandleID(mountID), path, ModeRead, false)
}

// Open opens path with an explicit mode. The engine only accepts ModeRead
// without create.
func (c *Client) Open(ctx context.Context, mountID, path string, mode OpenMode, create bool) (string, error) {
	return c.open(ctx, mountID, c.nextHandleID(mountID), path, mode, create)
}

// CloseFile releases handleID.
func (c *Client) CloseFile(ctx context.Context, mountID, handleID string) error {
	resp, err := c.roundTrip(ctx, mountID, protocol.CloseFile{HandleID: handleID})
	if err != nil {
		return err
	}
	if _, err := expect[protocol.CloseFileDone](resp); err != nil {
		return err
	}
	c.mu.Lock()
	if m, ok := c.mounts[mountID]; ok {
		delete(m.handles, handleID)
		m.order = slices.DeleteFunc(m.order, func(id string) bool { return id == handleID })
	}
	c.mu.Unlock()
	return nil
}

// ReadFile reads length bytes of handleID starting at offset, calling fn
// with each chunk as it arrives. The last chunk has more == false. An
// error from fn stops delivery and is returned; the remaining chunks are
// discarded.
func (c *Client) ReadFile(ctx context.Context, mountID, handleID string, offset, length uint64, fn func(data []byte, more bool) error) error {
	cl, id, err := c.send(mountID, protocol.ReadFile{HandleID: handleID, Offset: offset, Length: length})
	if err != nil {
		return err
	}
	defer c.release(id, cl)
	for {
		resp, err := c.await(ctx, cl)
		if err != nil {
			return err
		}
		chunk, err := expect[protocol.ReadFileDone](resp)
		if err != nil {
			return err
		}
		if err := fn(chunk.Data, chunk.HasMore); err != nil {
			return err
		}
		if !chunk.HasMore {
			return nil
		}
	}
}

// ReadRange reads length bytes of handleID starting at offset into memory.
func (c *Client) ReadRange(ctx context.Context, mountID, handleID string, offset, length uint64) ([]byte, error) {
	var out []byte
	err := c.ReadFile(ctx, mountID, handleID, offset, length, func(data []byte, _ bool) error {
		out = append(out, data...)
		return nil
	})
	return out, err
}

// Snapshot implements persist.Snapshotter: it records the ticket of every
// mount and the path of every handle this client opened.
func (c *Client) Snapshot() persist.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := persist.NewState()
	for id, m := range c.mounts {
		ms := persist.MountState{Ticket: m.ticket, ArchiveSize: m.size}
		for _, h := range m.order {
			ms.OpenFiles = append(ms.OpenFiles, persist.OpenFile{HandleID: h, Path: m.handles[h]})
		}
		st.Mounts[id] = ms
	}
	return st
}

// Remount implements persist.Mounter.
func (c *Client) Remount(ctx context.Context, mountID string, ticket source.Ticket) error {
	_, err := c.Mount(ctx, mountID, ticket)
	return err
}

// Reopen implements persist.Mounter.
func (c *Client) Reopen(ctx context.Context, mountID, handleID, path string) error {
	_, err := c.open(ctx, mountID, handleID, path, ModeRead, false)
	return err
}

// Mounts returns the ids of the archives mounted by this client.
func (c *Client) Mounts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Sorted(maps.Keys(c.mounts))
}

// Close closes the transport, fails pending calls and closes every byte
// source. It does not unmount volumes on the engine.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		err := c.tr.Close()
		<-c.done
		c.fetches.Wait()

		c.mu.Lock()
		mounts := c.mounts
		c.mounts = make(map[string]*mount)
		c.mu.Unlock()
		errs := []error{err}
		for _, m := range mounts {
			errs = append(errs, source.Close(m.src))
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}

func (c *Client) open(ctx context.Context, mountID, handleID, path string, mode OpenMode, create bool) (string, error) {
	resp, err := c.roundTrip(ctx, mountID, protocol.OpenFile{Path: path, Mode: mode, Create: create, HandleID: handleID})
	if err != nil {
		return "", err
	}
	done, err := expect[protocol.OpenFileDone](resp)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	if m, ok := c.mounts[mountID]; ok {
		if _, dup := m.handles[done.HandleID]; !dup {
			m.order = append(m.order, done.HandleID)
		}
		m.handles[done.HandleID] = path
	}
	c.mu.Unlock()
	return done.HandleID, nil
}

// roundTrip sends body and waits for its single response.
func (c *Client) roundTrip(ctx context.Context, mountID string, body protocol.Body) (protocol.Message, error) {
	cl, id, err := c.send(mountID, body)
	if err != nil {
		return protocol.Message{}, err
	}
	defer c.release(id, cl)
	return c.await(ctx, cl)
}

// send registers a call and emits its request.
func (c *Client) send(mountID string, body protocol.Body) (*call, string, error) {
	c.mu.Lock()
	if c.closed {
		err := c.err
		c.mu.Unlock()
		if err == nil {
			err = ErrClosed
		}
		return nil, "", err
	}
	c.seq++
	id := "c" + strconv.FormatUint(c.seq, 10)
	cl := newCall(mountID)
	c.calls[id] = cl
	c.mu.Unlock()

	if err := c.out.Send(protocol.Message{Mount: mountID, Req: id, Body: body}); err != nil {
		c.release(id, cl)
		return nil, "", fmt.Errorf("%w: send %s: %v", ErrTransport, body.Op(), err)
	}
	return cl, id, nil
}

// await returns the next response to cl. ERROR responses are converted to
// errors matching their kind's sentinel.
func (c *Client) await(ctx context.Context, cl *call) (protocol.Message, error) {
	for {
		if resp, ok := cl.pop(); ok {
			if e, ok := resp.Body.(protocol.Error); ok {
				return resp, e.Err()
			}
			return resp, nil
		}
		select {
		case <-cl.ready:
		case <-cl.gone:
			if resp, ok := cl.pop(); ok {
				cl.push(resp)
				continue
			}
			c.mu.Lock()
			err := c.err
			c.mu.Unlock()
			if err == nil {
				err = ErrClosed
			}
			return protocol.Message{}, err
		case <-ctx.Done():
			return protocol.Message{}, ctx.Err()
		}
	}
}

func (c *Client) release(id string, cl *call) {
	c.mu.Lock()
	if c.calls[id] == cl {
		delete(c.calls, id)
	}
	c.mu.Unlock()
	cl.abandon()
}

// forget drops the client-side record of mountID and closes its source.
func (c *Client) forget(mountID string) {
	c.mu.Lock()
	m, ok := c.mounts[mountID]
	delete(c.mounts, mountID)
	c.mu.Unlock()
	if ok {
		if err := source.Close(m.src); err != nil {
			c.log().Debug("close byte source", "mount", mountID, "error", err)
		}
	}
}

// abandonMount ends every call waiting on mountID. The engine drops the
// replies of operations interrupted by unmount.
func (c *Client) abandonMount(mountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, cl := range c.calls {
		if cl.mountID == mountID {
			delete(c.calls, id)
			cl.abandon()
		}
	}
}

// recvLoop routes responses to their calls and serves chunk requests.
func (c *Client) recvLoop() {
	defer close(c.done)
	ctx := context.Background()
	for {
		msg, err := c.tr.Recv(ctx)
		if err != nil {
			if errors.Is(err, protocol.ErrMalformed) && !errors.Is(err, protocol.ErrTransportClosed) {
				c.log().Warn("dropping malformed message", "error", err)
				continue
			}
			c.shutdown(err)
			return
		}
		if req, ok := msg.Body.(protocol.ChunkRequest); ok {
			c.serveChunk(msg, req)
			continue
		}
		c.deliver(msg)
	}
}

// deliver hands msg to its call. A response without a call is dropped.
func (c *Client) deliver(msg protocol.Message) {
	c.mu.Lock()
	cl, ok := c.calls[msg.Req]
	if ok && isFinal(msg) {
		delete(c.calls, msg.Req)
	}
	c.mu.Unlock()
	if !ok {
		c.log().Debug("response without caller", "op", msg.Op().String(), "mount", msg.Mount, "req", msg.Req)
		return
	}
	cl.push(msg)
}

// serveChunk reads the requested window from the mount's byte source on
// its own goroutine and posts the result.
func (c *Client) serveChunk(msg protocol.Message, req protocol.ChunkRequest) {
	c.mu.Lock()
	m, ok := c.mounts[msg.Mount]
	c.mu.Unlock()
	if !ok {
		c.post(msg.Reply(protocol.ChunkError{Message: "no byte source for mount " + msg.Mount}))
		return
	}
	length, err := chunkLength(req, m.src.Size())
	if err != nil {
		c.log().Warn("rejecting chunk request", "mount", msg.Mount, "req", msg.Req, "error", err)
		c.post(msg.Reply(protocol.ChunkError{Message: err.Error()}))
		return
	}
	c.fetches.Add(1)
	go func() {
		defer c.fetches.Done()
		buf := make([]byte, length)
		n, err := m.src.ReadAt(buf, req.Offset)
		if err != nil && !errors.Is(err, io.EOF) {
			c.post(msg.Reply(protocol.ChunkError{Message: err.Error()}))
			return
		}
		c.post(msg.Reply(protocol.ChunkDone{Offset: req.Offset, Data: buf[:n]}))
	}()
}

// errChunkRange rejects a chunk request outside the byte source.
var errChunkRange = errors.New("chunk request out of range")

// chunkLength validates req against a source of size bytes and returns
// the buffer length to read. A window running past the end is clamped.
func chunkLength(req protocol.ChunkRequest, size int64) (int, error) {
	if req.Offset < 0 || req.Length < 0 || req.Offset > size {
		return 0, fmt.Errorf("%w: offset %d length %d size %d", errChunkRange, req.Offset, req.Length, size)
	}
	return sizing.ToInt(uint64(min(req.Length, size-req.Offset)), errChunkRange) //nolint:gosec // checked non-negative above
}

func (c *Client) post(msg protocol.Message) {
	if err := c.out.Send(msg); err != nil {
		c.log().Debug("chunk response not sent", "mount", msg.Mount, "req", msg.Req, "error", err)
	}
}

// shutdown fails every pending call after the transport ends.
func (c *Client) shutdown(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.err == nil {
		c.err = fmt.Errorf("%w: %w", ErrClosed, err)
	}
	for id, cl := range c.calls {
		delete(c.calls, id)
		cl.abandon()
	}
}

// isFinal reports whether msg ends its request.
func isFinal(msg protocol.Message) bool {
	if done, ok := msg.Body.(protocol.ReadFileDone); ok {
		return !done.HasMore
	}
	return true
}

// expect asserts the body type of a response.
func expect[T protocol.Body](msg protocol.Message) (T, error) {
	body, ok := msg.Body.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: unexpected response %s to %s", ErrPrecondition, msg.Op(), zero.Op())
	}
	return body, nil
}
