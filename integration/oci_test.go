//go:build integration

package integration

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/archivefs"
	"github.com/meigma/archivefs/internal/testutil"
	"github.com/meigma/archivefs/persist"
	"github.com/meigma/archivefs/source/cache"
)

func fixture() []testutil.File {
	return []testutil.File{
		{Path: "dir/", Dir: true},
		testutil.Sized("dir/insideFile", 45),
		testutil.Sized("file", 300_000),
		testutil.Sized("dir/sub/deep", 4096),
	}
}

func TestOCI_MountAndRead(t *testing.T) {
	t.Parallel()

	for _, codec := range []string{"gzip", "zstd", "lz4", "snappy", "none"} {
		t.Run(codec, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			files := fixture()
			ticket := pushBlob(t, getRegistry(t), "mount-"+codec, testutil.BuildArchive(t, codec, files))
			e := newEnv(t)

			root, err := e.client.Mount(ctx, "m", ticket)
			require.NoError(t, err)
			assert.True(t, root.IsDir)

			entries, err := e.client.ListDirectory(ctx, "m", "/dir")
			require.NoError(t, err)
			names := make([]string, len(entries))
			for i, entry := range entries {
				names[i] = entry.Name
			}
			assert.Equal(t, []string{"insideFile", "sub"}, names)

			h, err := e.client.OpenFile(ctx, "m", "/file")
			require.NoError(t, err)
			data, err := e.client.ReadRange(ctx, "m", h, 0, 300_000)
			require.NoError(t, err)
			assert.Equal(t, files[2].Content, data)

			data, err = e.client.ReadRange(ctx, "m", h, 299_990, 100)
			require.NoError(t, err)
			assert.Equal(t, files[2].Content[299_990:], data)

			require.NoError(t, e.client.Unmount(ctx, "m"))
		})
	}
}

func TestOCI_EStargzTOC(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	files := fixture()
	ticket := pushBlob(t, getRegistry(t), "estargz", testutil.BuildEStargz(t, files))
	e := newEnv(t)

	_, err := e.client.Mount(ctx, "m", ticket)
	require.NoError(t, err)

	info, err := e.client.Stat(ctx, "m", "/dir/sub/deep")
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), info.Size)

	h, err := e.client.OpenFile(ctx, "m", "/dir/insideFile")
	require.NoError(t, err)
	data, err := e.client.ReadRange(ctx, "m", h, 0, 45)
	require.NoError(t, err)
	assert.Equal(t, files[1].Content, data)
}

func TestOCI_BlockCache(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	files := fixture()
	ticket := pushBlob(t, getRegistry(t), "cached", testutil.BuildArchive(t, "zstd", files))

	bc, err := cache.New(filepath.Join(t.TempDir(), "blocks"))
	require.NoError(t, err)
	e := newEnv(t, archivefs.WithBlockCache(bc))

	for range 2 {
		_, err := e.client.Mount(ctx, "m", ticket)
		require.NoError(t, err)
		h, err := e.client.OpenFile(ctx, "m", "/file")
		require.NoError(t, err)
		data, err := e.client.ReadRange(ctx, "m", h, 0, 300_000)
		require.NoError(t, err)
		assert.Equal(t, files[2].Content, data)
		require.NoError(t, e.client.Unmount(ctx, "m"))
	}
	hits, _ := bc.Stats()
	assert.Positive(t, hits, "second mount is served from the cache")
	assert.Positive(t, bc.SizeBytes())
}

func TestOCI_RestoreFromStateFile(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	files := fixture()
	ticket := pushBlob(t, getRegistry(t), "restore", testutil.BuildArchive(t, "gzip", files))
	store := persist.NewFileStore(filepath.Join(t.TempDir(), "state.cbor"))

	first := newEnv(t)
	_, err := first.client.Mount(ctx, "m", ticket)
	require.NoError(t, err)
	h, err := first.client.OpenFile(ctx, "m", "/dir/insideFile")
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, persist.Snapshot(first.client)))

	second := newEnv(t)
	st, err := store.Load(ctx)
	require.NoError(t, err)
	report, err := persist.Restore(ctx, st, second.client)
	require.NoError(t, err)
	assert.Equal(t, []string{"m"}, report.Mounts)
	assert.Equal(t, 1, report.Handles)
	assert.Empty(t, report.Dropped)

	data, err := second.client.ReadRange(ctx, "m", h, 40, 10)
	require.NoError(t, err)
	assert.Equal(t, files[1].Content[40:], data)
}

func TestOCI_MissingBlob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ticket := pushBlob(t, getRegistry(t), "missing", []byte("present"))
	ticket.Digest = digest.FromString("absent").String()
	ticket.Size = 0
	e := newEnv(t)

	_, err := e.client.Mount(ctx, "m", ticket)
	require.Error(t, err)
	assert.Empty(t, e.client.Mounts())
}

func TestOCI_CorruptArchive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	data := testutil.BuildArchive(t, "gzip", fixture())
	ticket := pushBlob(t, getRegistry(t), "corrupt", data[:len(data)/3])
	e := newEnv(t)

	_, err := e.client.Mount(ctx, "m", ticket)
	require.ErrorIs(t, err, archivefs.ErrMountFailure)
	assert.Empty(t, e.client.Mounts())
}
