package archivefs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/meigma/archivefs/internal/chunk"
	"github.com/meigma/archivefs/persist"
	"github.com/meigma/archivefs/protocol"
)

// Service is the engine side of the protocol. It owns a Registry, runs the
// operations of each volume in order on a per-volume worker and emits
// every outbound message through one locked sender.
type Service struct {
	out    *protocol.LockedSender
	reg    *Registry
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
}

// ServiceOption configures a Service.
type ServiceOption func(*serviceConfig)

type serviceConfig struct {
	logger  *slog.Logger
	volumes []VolumeOption
}

// WithServiceLogger sets the logger for the service and its volumes.
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(c *serviceConfig) {
		c.logger = logger
	}
}

// WithVolumeOptions configures every volume the service mounts.
func WithVolumeOptions(opts ...VolumeOption) ServiceOption {
	return func(c *serviceConfig) {
		c.volumes = append(c.volumes, opts...)
	}
}

// NewService returns a service that sends responses and chunk requests
// through send.
func NewService(send protocol.Sender, opts ...ServiceOption) *Service {
	var cfg serviceConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := cfg.logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	volOpts := append([]VolumeOption{WithVolumeLogger(logger)}, cfg.volumes...)

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		out:     protocol.NewLockedSender(send),
		reg:     NewRegistry(volOpts...),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		workers: make(map[string]*worker),
	}
}

// Registry returns the registry of mounted volumes.
func (s *Service) Registry() *Registry {
	return s.reg
}

// Snapshot implements persist.Snapshotter.
func (s *Service) Snapshot() persist.State {
	return s.reg.Snapshot()
}

// Serve handles messages from rx until ctx is done or the transport
// closes. Malformed messages are logged and skipped.
func (s *Service) Serve(ctx context.Context, rx protocol.Receiver) error {
	for {
		msg, err := rx.Recv(ctx)
		switch {
		case err == nil:
			s.Handle(msg)
		case errors.Is(err, protocol.ErrTransportClosed):
			if errors.Is(err, protocol.ErrMalformed) {
				return err
			}
			return nil
		case errors.Is(err, protocol.ErrMalformed):
			s.logger.Warn("dropping malformed message", "error", err)
		default:
			return err
		}
	}
}

// Handle dispatches one inbound message. It never blocks on volume work:
// metadata loads, reads and path operations are queued onto the volume's
// worker, and chunk responses are delivered directly so that a waiting
// read can resume.
func (s *Service) Handle(msg protocol.Message) {
	switch body := msg.Body.(type) {
	case protocol.Mount:
		s.mount(msg, body)
	case protocol.ChunkDone:
		if v, ok := s.reg.Lookup(msg.Mount); ok {
			v.ResolveChunk(msg.Req, body.Offset, body.Data)
		}
	case protocol.ChunkError:
		if v, ok := s.reg.Lookup(msg.Mount); ok {
			v.FailChunk(msg.Req, body.Message)
		}
	case protocol.ListDirectory:
		s.enqueue(msg, func(v *Volume) {
			entries, err := v.ListDirectory(body.Path)
			if err != nil {
				s.fail(msg, err)
				return
			}
			s.reply(msg, protocol.ListDirectoryDone{Entries: infos(entries)})
		})
	case protocol.Stat:
		s.enqueue(msg, func(v *Volume) {
			e, err := v.Stat(body.Path)
			if err != nil {
				s.fail(msg, err)
				return
			}
			s.reply(msg, protocol.StatDone{Entry: InfoOf(e)})
		})
	case protocol.OpenFile:
		s.enqueue(msg, func(v *Volume) {
			id := body.HandleID
			if id == "" {
				id = msg.Req
			}
			h, err := v.Open(id, body.Path, body.Mode, body.Create)
			if err != nil {
				s.fail(msg, err)
				return
			}
			s.reply(msg, protocol.OpenFileDone{HandleID: h.ID})
		})
	case protocol.CloseFile:
		s.enqueue(msg, func(v *Volume) {
			if err := v.Close(body.HandleID); err != nil {
				s.fail(msg, err)
				return
			}
			s.reply(msg, protocol.CloseFileDone{HandleID: body.HandleID})
		})
	case protocol.ReadFile:
		s.enqueue(msg, func(v *Volume) {
			s.read(msg, v, body)
		})
	case protocol.Unmount:
		s.unmount(msg)
	case protocol.ChunkRequest, protocol.MountDone, protocol.ListDirectoryDone,
		protocol.StatDone, protocol.OpenFileDone, protocol.CloseFileDone,
		protocol.ReadFileDone, protocol.UnmountDone, protocol.Error:
		s.logger.Warn("unexpected message", "op", msg.Op().String(), "mount", msg.Mount, "req", msg.Req)
		s.fail(msg, fmt.Errorf("%w: %s is not accepted by the engine", ErrPrecondition, msg.Op()))
	default:
		s.fail(msg, fmt.Errorf("%w: unknown message body %T", ErrPrecondition, msg.Body))
	}
}

// Close unmounts every volume and waits for their workers to finish.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	workers := s.workers
	s.workers = make(map[string]*worker)
	s.mu.Unlock()

	s.cancel()
	s.reg.Close()
	for _, w := range workers {
		w.stop()
	}
	for _, w := range workers {
		w.wait()
	}
	return nil
}

func (s *Service) mount(msg protocol.Message, body protocol.Mount) {
	size := body.ArchiveSize
	if size <= 0 {
		size = body.Ticket.Size
	}
	v, err := s.reg.Mount(msg.Mount, body.Ticket, size, s.chunkSender(msg.Mount))
	if err != nil {
		s.fail(msg, err)
		return
	}
	w := s.startWorker(msg.Mount)
	if w == nil {
		s.fail(msg, ErrClosed)
		return
	}
	s.logger.Info("mounting archive", "mount", msg.Mount, "ticket", body.Ticket.String(), "size", size)
	w.submit(func() {
		root, err := v.ReadMetadata(s.ctx)
		if err != nil {
			s.fail(msg, err)
			return
		}
		s.reply(msg, protocol.MountDone{Root: InfoOf(root), Entries: v.Info().Entries})
	})
}

func (s *Service) unmount(msg protocol.Message) {
	if err := s.reg.Unmount(msg.Mount); err != nil {
		s.fail(msg, err)
		return
	}
	s.mu.Lock()
	w := s.workers[msg.Mount]
	delete(s.workers, msg.Mount)
	s.mu.Unlock()
	if w != nil {
		w.stop()
	}
	s.logger.Info("unmounted archive", "mount", msg.Mount)
	s.reply(msg, protocol.UnmountDone{})
}

// read streams a READ_FILE response as one READ_FILE_DONE per chunk.
func (s *Service) read(msg protocol.Message, v *Volume, body protocol.ReadFile) {
	for c, err := range v.Read(s.ctx, body.HandleID, body.Offset, body.Length) {
		if err != nil {
			s.fail(msg, err)
			return
		}
		if !s.reply(msg, protocol.ReadFileDone{Data: c.Data, HasMore: c.HasMore}) {
			return
		}
	}
}

// enqueue runs fn on the worker of the message's volume. An unknown mount
// is a precondition violation.
func (s *Service) enqueue(msg protocol.Message, fn func(*Volume)) {
	v, err := s.reg.Get(msg.Mount)
	if err != nil {
		s.fail(msg, err)
		return
	}
	s.mu.Lock()
	w := s.workers[msg.Mount]
	s.mu.Unlock()
	if w == nil || !w.submit(func() { fn(v) }) {
		s.fail(msg, fmt.Errorf("%w: unknown mount %s", ErrPrecondition, msg.Mount))
	}
}

func (s *Service) startWorker(mountID string) *worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	w := newWorker()
	s.workers[mountID] = w
	return w
}

func (s *Service) chunkSender(mountID string) chunk.Sender {
	return chunk.SenderFunc(func(id string, offset, length int64) error {
		return s.out.Send(protocol.Message{
			Mount: mountID,
			Req:   id,
			Body:  protocol.ChunkRequest{Offset: offset, Length: length},
		})
	})
}

// reply sends a response. It reports false if the transport failed.
func (s *Service) reply(msg protocol.Message, body protocol.Body) bool {
	if err := s.out.Send(msg.Reply(body)); err != nil {
		s.logger.Warn("send failed", "op", body.Op().String(), "mount", msg.Mount, "req", msg.Req, "error", err)
		return false
	}
	return true
}

// fail sends an ERROR response. Errors caused by unmount are dropped: the
// requester already knows the volume is gone.
func (s *Service) fail(msg protocol.Message, err error) {
	if errors.Is(err, ErrClosed) {
		s.logger.Debug("dropping reply for unmounted volume", "op", msg.Op().String(), "mount", msg.Mount, "req", msg.Req)
		return
	}
	s.logger.Debug("request failed", "op", msg.Op().String(), "mount", msg.Mount, "req", msg.Req, "error", err)
	s.reply(msg, protocol.NewError(err))
}
