// Package fuse exposes a mounted archive as a read-only FUSE filesystem.
//
// Every kernel request is translated into protocol operations on an
// archivefs.Client: lookups become STAT, directory listings become
// LIST_DIRECTORY and each open file holds an engine handle for the
// lifetime of the kernel file handle.
package fuse

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/meigma/archivefs"
)

// Filesystem is the subset of archivefs.Client the mount uses.
type Filesystem interface {
	Stat(ctx context.Context, mountID, path string) (archivefs.EntryInfo, error)
	ListDirectory(ctx context.Context, mountID, path string) ([]archivefs.EntryInfo, error)
	OpenFile(ctx context.Context, mountID, path string) (string, error)
	ReadRange(ctx context.Context, mountID, handleID string, offset, length uint64) ([]byte, error)
	CloseFile(ctx context.Context, mountID, handleID string) error
}

var _ Filesystem = (*archivefs.Client)(nil)

// Options configures the FUSE mount.
type Options struct {
	// Mountpoint is the directory where the archive appears. It is
	// created if it does not exist.
	Mountpoint string

	// MountID names the archive on the engine. It must already be
	// mounted.
	MountID string

	// FS serves the requests.
	FS Filesystem

	// AllowOther permits other users to access the mount. Requires
	// user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// Debug logs every FUSE request.
	Debug bool

	// Logger receives diagnostic messages. If nil, a no-op logger is
	// used.
	Logger *slog.Logger

	// OnHandlesChanged, if set, is called after an open or release
	// changes the engine handles held by the mount.
	OnHandlesChanged func()
}

func (o *Options) handlesChanged() {
	if o.OnHandlesChanged != nil {
		o.OnHandlesChanged()
	}
}

// Mount mounts the archive at the configured mountpoint. The caller must
// call Unmount on the returned server when done.
func Mount(options Options) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, errors.New("mountpoint is required")
	}
	if options.MountID == "" {
		return nil, errors.New("mount id is required")
	}
	if options.FS == nil {
		return nil, errors.New("filesystem is required")
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}

	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", options.Mountpoint, err)
	}

	root := &dirNode{options: &options, path: "/"}

	// Archive contents never change while mounted.
	entryTimeout := time.Minute
	attrTimeout := time.Minute
	negativeTimeout := 10 * time.Second

	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "archivefs:" + options.MountID,
			Name:       "archivefs",
			AllowOther: options.AllowOther,
			Debug:      options.Debug,
			Options:    []string{"ro"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting FUSE filesystem at %s: %w", options.Mountpoint, err)
	}

	options.Logger.Info("archive mounted", "mount", options.MountID, "mountpoint", options.Mountpoint)
	return server, nil
}

// dirNode is a directory inside the archive.
type dirNode struct {
	gofuse.Inode
	options *Options
	path    string
	info    archivefs.EntryInfo
}

var _ gofuse.InodeEmbedder = (*dirNode)(nil)
var _ gofuse.NodeLookuper = (*dirNode)(nil)
var _ gofuse.NodeReaddirer = (*dirNode)(nil)
var _ gofuse.NodeGetattrer = (*dirNode)(nil)

func (d *dirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	p := path.Join(d.path, name)
	info, err := d.options.FS.Stat(ctx, d.options.MountID, p)
	if err != nil {
		return nil, d.errno("stat", p, err)
	}
	fillAttr(info, &out.Attr)

	var node gofuse.InodeEmbedder
	switch {
	case info.IsDir:
		node = &dirNode{options: d.options, path: p, info: info}
	case info.FileMode()&fs.ModeSymlink != 0:
		node = &linkNode{info: info}
	default:
		node = &fileNode{options: d.options, path: p, info: info}
	}
	return d.NewInode(ctx, node, gofuse.StableAttr{Mode: modeOf(info)}), 0
}

func (d *dirNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	infos, err := d.options.FS.ListDirectory(ctx, d.options.MountID, d.path)
	if err != nil {
		return nil, d.errno("list", d.path, err)
	}
	entries := make([]fuse.DirEntry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, fuse.DirEntry{Name: info.Name, Mode: modeOf(info)})
	}
	return gofuse.NewListDirStream(entries), 0
}

func (d *dirNode) Getattr(ctx context.Context, _ gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if d.path == "/" && d.info.Path == "" {
		info, err := d.options.FS.Stat(ctx, d.options.MountID, "/")
		if err != nil {
			return d.errno("stat", "/", err)
		}
		d.info = info
	}
	fillAttr(d.info, &out.Attr)
	return 0
}

func (d *dirNode) errno(op, p string, err error) syscall.Errno {
	errno := Errno(err)
	if errno == syscall.EIO {
		d.options.Logger.Error(op+" failed", "mount", d.options.MountID, "path", p, "error", err)
	}
	return errno
}

// fileNode is a regular file inside the archive.
type fileNode struct {
	gofuse.Inode
	options *Options
	path    string
	info    archivefs.EntryInfo
}

var _ gofuse.InodeEmbedder = (*fileNode)(nil)
var _ gofuse.NodeGetattrer = (*fileNode)(nil)
var _ gofuse.NodeOpener = (*fileNode)(nil)

func (f *fileNode) Getattr(_ context.Context, _ gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	fillAttr(f.info, &out.Attr)
	return 0
}

func (f *fileNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}
	id, err := f.options.FS.OpenFile(ctx, f.options.MountID, f.path)
	if err != nil {
		errno := Errno(err)
		if errno == syscall.EIO {
			f.options.Logger.Error("open failed", "mount", f.options.MountID, "path", f.path, "error", err)
		}
		return nil, 0, errno
	}
	f.options.handlesChanged()
	h := &fileHandle{options: f.options, path: f.path, id: id}
	return h, fuse.FOPEN_KEEP_CACHE, 0
}

// fileHandle holds an engine handle for one kernel open.
type fileHandle struct {
	options *Options
	path    string
	id      string
}

var _ gofuse.FileReader = (*fileHandle)(nil)
var _ gofuse.FileReleaser = (*fileHandle)(nil)

func (h *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	if off < 0 {
		return nil, syscall.EINVAL
	}
	data, err := h.options.FS.ReadRange(ctx, h.options.MountID, h.id, uint64(off), uint64(len(dest)))
	if err != nil {
		errno := Errno(err)
		if errno == syscall.EIO {
			h.options.Logger.Error("read failed", "mount", h.options.MountID, "path", h.path, "offset", off, "error", err)
		}
		return nil, errno
	}
	return fuse.ReadResultData(data), 0
}

func (h *fileHandle) Release(ctx context.Context) syscall.Errno {
	if err := h.options.FS.CloseFile(ctx, h.options.MountID, h.id); err != nil {
		h.options.Logger.Debug("close failed", "mount", h.options.MountID, "handle", h.id, "error", err)
		return 0
	}
	h.options.handlesChanged()
	return 0
}

// linkNode is a symbolic link inside the archive.
type linkNode struct {
	gofuse.Inode
	info archivefs.EntryInfo
}

var _ gofuse.NodeReadlinker = (*linkNode)(nil)
var _ gofuse.NodeGetattrer = (*linkNode)(nil)

func (l *linkNode) Readlink(context.Context) ([]byte, syscall.Errno) {
	return []byte(l.info.Link), 0
}

func (l *linkNode) Getattr(_ context.Context, _ gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	fillAttr(l.info, &out.Attr)
	return 0
}

// Errno maps an archivefs error to the errno reported to the kernel.
func Errno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, archivefs.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, archivefs.ErrNotADirectory):
		return syscall.ENOTDIR
	case errors.Is(err, archivefs.ErrInvalidOperation):
		return syscall.EINVAL
	case errors.Is(err, archivefs.ErrNotReady), errors.Is(err, archivefs.ErrPrecondition),
		errors.Is(err, archivefs.ErrClosed):
		return syscall.ENODEV
	case errors.Is(err, context.Canceled):
		return syscall.EINTR
	case errors.Is(err, context.DeadlineExceeded):
		return syscall.ETIMEDOUT
	default:
		return syscall.EIO
	}
}

func modeOf(info archivefs.EntryInfo) uint32 {
	switch {
	case info.IsDir:
		return syscall.S_IFDIR
	case info.FileMode()&fs.ModeSymlink != 0:
		return syscall.S_IFLNK
	default:
		return syscall.S_IFREG
	}
}

func fillAttr(info archivefs.EntryInfo, out *fuse.Attr) {
	perm := uint32(info.FileMode().Perm())
	if perm == 0 {
		perm = 0o444
		if info.IsDir {
			perm = 0o555
		}
	}
	// Writes are refused, so never advertise write bits.
	out.Mode = modeOf(info) | perm&^0o222
	out.Size = info.Size
	out.Blocks = (out.Size + 511) / 512
	out.Blksize = 65536
	out.Nlink = 1
	if mt := info.Time(); !mt.IsZero() {
		out.SetTimes(nil, &mt, &mt)
	}
}
