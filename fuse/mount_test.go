package fuse

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/archivefs"
	"github.com/meigma/archivefs/internal/testutil"
	"github.com/meigma/archivefs/protocol"
	"github.com/meigma/archivefs/source"
)

func TestErrno(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want syscall.Errno
	}{
		{nil, 0},
		{&fs.PathError{Op: "stat", Path: "/x", Err: archivefs.ErrNotFound}, syscall.ENOENT},
		{fmt.Errorf("list: %w", archivefs.ErrNotADirectory), syscall.ENOTDIR},
		{archivefs.ErrInvalidOperation, syscall.EINVAL},
		{archivefs.ErrNotReady, syscall.ENODEV},
		{archivefs.ErrClosed, syscall.ENODEV},
		{context.Canceled, syscall.EINTR},
		{archivefs.ErrCorruptData, syscall.EIO},
		{errors.New("boom"), syscall.EIO},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Errno(tt.err), "%v", tt.err)
	}
}

func TestFillAttr(t *testing.T) {
	t.Parallel()

	var attr fuse.Attr
	fillAttr(archivefs.EntryInfo{Path: "/f", Size: 1025, Mode: 0o664, ModTime: testutil.FixedTime.UnixNano()}, &attr)
	assert.Equal(t, uint32(syscall.S_IFREG|0o444), attr.Mode)
	assert.Equal(t, uint64(1025), attr.Size)
	assert.Equal(t, uint64(3), attr.Blocks)
	assert.Equal(t, uint64(testutil.FixedTime.Unix()), attr.Mtime)

	attr = fuse.Attr{}
	fillAttr(archivefs.EntryInfo{Path: "/d", IsDir: true}, &attr)
	assert.Equal(t, uint32(syscall.S_IFDIR|0o555), attr.Mode)

	attr = fuse.Attr{}
	fillAttr(archivefs.EntryInfo{Path: "/l", Mode: uint32(fs.ModeSymlink | 0o777), Link: "f"}, &attr)
	assert.Equal(t, uint32(syscall.S_IFLNK|0o555), attr.Mode)
}

func TestMountRequiresOptions(t *testing.T) {
	t.Parallel()

	_, err := Mount(Options{MountID: "m"})
	require.Error(t, err)
	_, err = Mount(Options{Mountpoint: t.TempDir()})
	require.Error(t, err)
	_, err = Mount(Options{Mountpoint: t.TempDir(), MountID: "m"})
	require.Error(t, err)
}

// fuseAvailable skips tests that need a real FUSE mount when the device
// is absent.
func fuseAvailable(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/dev/fuse"); err != nil {
		t.Skip("skipping: /dev/fuse not available")
	}
}

func testMount(t *testing.T, files []testutil.File) string {
	t.Helper()
	fuseAvailable(t)

	data := testutil.BuildArchive(t, "zstd", files)
	engineEnd, clientEnd := protocol.Pipe()
	svc := archivefs.NewService(engineEnd)
	served := make(chan error, 1)
	go func() { served <- svc.Serve(context.Background(), engineEnd) }()

	resolve := source.ResolverFunc(func(context.Context, source.Ticket) (source.ByteSource, error) {
		return testutil.NewMockByteSource(data), nil
	})
	client, err := archivefs.NewClient(clientEnd, archivefs.WithResolver(resolve))
	require.NoError(t, err)
	_, err = client.Mount(context.Background(), "m", source.Ticket{Kind: source.KindFile, Location: "fixture"})
	require.NoError(t, err)

	mountpoint := filepath.Join(t.TempDir(), "mnt")
	server, err := Mount(Options{Mountpoint: mountpoint, MountID: "m", FS: client})
	if err != nil {
		t.Skipf("skipping: cannot mount: %v", err)
	}
	t.Cleanup(func() {
		assert.NoError(t, server.Unmount())
		assert.NoError(t, client.Close())
		assert.NoError(t, <-served)
		assert.NoError(t, svc.Close())
	})
	return mountpoint
}

func TestMountReadsArchive(t *testing.T) {
	files := []testutil.File{
		{Path: "dir/", Dir: true},
		testutil.Sized("dir/insideFile", 45),
		testutil.Sized("file", 100_000),
	}
	mountpoint := testMount(t, files)

	entries, err := os.ReadDir(mountpoint)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "dir", entries[0].Name())
	assert.True(t, entries[0].IsDir())
	assert.Equal(t, "file", entries[1].Name())

	info, err := os.Stat(filepath.Join(mountpoint, "file"))
	require.NoError(t, err)
	assert.Equal(t, int64(100_000), info.Size())
	assert.True(t, testutil.FixedTime.Equal(info.ModTime()))

	got, err := os.ReadFile(filepath.Join(mountpoint, "file"))
	require.NoError(t, err)
	assert.Equal(t, files[2].Content, got)

	got, err = os.ReadFile(filepath.Join(mountpoint, "dir", "insideFile"))
	require.NoError(t, err)
	assert.Equal(t, files[1].Content, got)

	_, err = os.Stat(filepath.Join(mountpoint, "missing"))
	require.ErrorIs(t, err, fs.ErrNotExist)

	_, err = os.ReadDir(filepath.Join(mountpoint, "file"))
	require.Error(t, err)

	err = os.WriteFile(filepath.Join(mountpoint, "file"), []byte("x"), 0o644)
	require.Error(t, err)
}

// countingFS opens and closes handles without an engine.
type countingFS struct {
	opens, closes int
	closeErr      error
}

func (f *countingFS) Stat(context.Context, string, string) (archivefs.EntryInfo, error) {
	return archivefs.EntryInfo{}, nil
}

func (f *countingFS) ListDirectory(context.Context, string, string) ([]archivefs.EntryInfo, error) {
	return nil, nil
}

func (f *countingFS) OpenFile(context.Context, string, string) (string, error) {
	f.opens++
	return fmt.Sprintf("h%d", f.opens), nil
}

func (f *countingFS) ReadRange(context.Context, string, string, uint64, uint64) ([]byte, error) {
	return nil, nil
}

func (f *countingFS) CloseFile(context.Context, string, string) error {
	f.closes++
	return f.closeErr
}

func TestHandlesChangedHook(t *testing.T) {
	t.Parallel()

	fsys := &countingFS{}
	changes := 0
	opts := &Options{
		MountID:          "m",
		FS:               fsys,
		Logger:           slog.New(slog.DiscardHandler),
		OnHandlesChanged: func() { changes++ },
	}
	node := &fileNode{options: opts, path: "/file"}
	ctx := context.Background()

	fh, _, errno := node.Open(ctx, syscall.O_RDONLY)
	require.Equal(t, syscall.Errno(0), errno)
	assert.Equal(t, 1, changes)

	_, _, errno = node.Open(ctx, syscall.O_WRONLY)
	assert.Equal(t, syscall.EROFS, errno)
	assert.Equal(t, 1, changes, "rejected open holds no handle")

	h, ok := fh.(*fileHandle)
	require.True(t, ok)
	assert.Equal(t, "h1", h.id)
	assert.Equal(t, syscall.Errno(0), h.Release(ctx))
	assert.Equal(t, 2, changes)

	fsys.closeErr = errors.New("gone")
	assert.Equal(t, syscall.Errno(0), h.Release(ctx))
	assert.Equal(t, 2, changes, "failed close changes nothing")

	opts.OnHandlesChanged = nil
	_, _, errno = node.Open(ctx, syscall.O_RDONLY)
	assert.Equal(t, syscall.Errno(0), errno)
}
