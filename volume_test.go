package archivefs

import (
	"context"
	"errors"
	"io/fs"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/archivefs/internal/chunk"
	"github.com/meigma/archivefs/internal/testutil"
	"github.com/meigma/archivefs/source"
)

var testTicket = source.Ticket{Kind: source.KindFile, Location: "/archives/test.tar.gz"}

// scenarioFiles is the archive used throughout: a directory holding a
// 45-byte file, followed by a 50-byte file at the root.
func scenarioFiles() []testutil.File {
	return []testutil.File{
		{Path: "dir/", Dir: true},
		testutil.Sized("dir/insideFile", 45),
		testutil.Sized("file", 50),
	}
}

func contentOf(t *testing.T, files []testutil.File, p string) []byte {
	t.Helper()
	for _, f := range files {
		if "/"+f.Path == p {
			return f.Content
		}
	}
	t.Fatalf("no fixture file %s", p)
	return nil
}

// newTestVolume returns an uninitialized volume whose chunk requests are
// answered from data by a fake byte source.
func newTestVolume(t *testing.T, data []byte, opts ...VolumeOption) (*Volume, *testutil.MockByteSource) {
	t.Helper()
	src := testutil.NewMockByteSource(data)
	server := testutil.NewChunkServer(src)
	v := NewVolume("m1", testTicket, int64(len(data)), server, opts...)
	server.Attach(v.broker)
	t.Cleanup(v.Unmount)
	return v, src
}

// readyVolume returns a volume over the scenario archive with its
// metadata loaded.
func readyVolume(t *testing.T, opts ...VolumeOption) (*Volume, *testutil.MockByteSource) {
	t.Helper()
	v, src := newTestVolume(t, testutil.BuildArchive(t, "gzip", scenarioFiles()), opts...)
	_, err := v.ReadMetadata(context.Background())
	require.NoError(t, err)
	return v, src
}

type readResult struct {
	chunks []Chunk
	err    error
}

func (r readResult) data() []byte {
	var out []byte
	for _, c := range r.chunks {
		out = append(out, c.Data...)
	}
	return out
}

func readAll(v *Volume, handle string, offset, length uint64) readResult {
	var res readResult
	for c, err := range v.Read(context.Background(), handle, offset, length) {
		if err != nil {
			res.err = err
			break
		}
		res.chunks = append(res.chunks, c)
	}
	return res
}

func drainStarted(src *testutil.MockByteSource) {
	for {
		select {
		case <-src.Started():
		default:
			return
		}
	}
}

func TestVolumeScenario(t *testing.T) {
	t.Parallel()

	v, _ := readyVolume(t)
	assert.Equal(t, StateReady, v.State())
	assert.Equal(t, 4, v.Info().Entries)

	e, err := v.Stat("/file")
	require.NoError(t, err)
	assert.Equal(t, uint64(50), e.Size)
	assert.False(t, e.IsDir)

	e, err = v.Stat("/dir/insideFile")
	require.NoError(t, err)
	assert.Equal(t, uint64(45), e.Size)

	children, err := v.ListDirectory("/")
	require.NoError(t, err)
	var names []string
	for _, c := range children {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"dir", "file"}, names)

	h, err := v.Open("h1", "/file", ModeRead, false)
	require.NoError(t, err)
	assert.Equal(t, "/file", h.Path)

	res := readAll(v, "h1", 0, 1)
	require.NoError(t, res.err)
	require.Len(t, res.chunks, 1)
	assert.Len(t, res.chunks[0].Data, 1)
	assert.False(t, res.chunks[0].HasMore)

	res = readAll(v, "h1", 50, 25)
	require.NoError(t, res.err)
	require.Len(t, res.chunks, 1)
	assert.Empty(t, res.chunks[0].Data)
	assert.False(t, res.chunks[0].HasMore)
}

func TestVolumeReadClampsToEntrySize(t *testing.T) {
	t.Parallel()

	v, _ := readyVolume(t, WithMaxChunkSize(16))
	_, err := v.Open("h1", "/file", ModeRead, false)
	require.NoError(t, err)

	want := contentOf(t, scenarioFiles(), "/file")
	res := readAll(v, "h1", 40, 100)
	require.NoError(t, res.err)
	assert.Equal(t, want[40:], res.data())

	res = readAll(v, "h1", 0, 1000)
	require.NoError(t, res.err)
	assert.Equal(t, want, res.data())
	require.Len(t, res.chunks, 4)
	for i, c := range res.chunks {
		assert.Equal(t, i < 3, c.HasMore, "chunk %d", i)
	}
}

func TestVolumeEmptyReadsSkipFetch(t *testing.T) {
	t.Parallel()

	v, src := readyVolume(t)
	_, err := v.Open("inside", "/dir/insideFile", ModeRead, false)
	require.NoError(t, err)
	_, err = v.Open("file", "/file", ModeRead, false)
	require.NoError(t, err)

	// Hold a real read on the byte source; empty reads must not wait for it.
	drainStarted(src)
	src.Block()
	pending := make(chan readResult, 1)
	go func() { pending <- readAll(v, "inside", 0, 45) }()
	<-src.Started()
	src.ResetReads()

	for _, tc := range []struct {
		name           string
		offset, length uint64
	}{
		{"at end", 50, 25},
		{"past end", 1 << 40, 1},
		{"zero length", 0, 0},
	} {
		res := readAll(v, "file", tc.offset, tc.length)
		require.NoError(t, res.err, tc.name)
		require.Len(t, res.chunks, 1, tc.name)
		assert.Empty(t, res.chunks[0].Data, tc.name)
		assert.False(t, res.chunks[0].HasMore, tc.name)
	}
	assert.Empty(t, src.Reads())

	src.Release()
	res := <-pending
	require.NoError(t, res.err)
	assert.Equal(t, contentOf(t, scenarioFiles(), "/dir/insideFile"), res.data())
}

func TestVolumeBackwardReadResetsCursor(t *testing.T) {
	t.Parallel()

	v, src := readyVolume(t, WithTOC(false))
	_, err := v.Open("file", "/file", ModeRead, false)
	require.NoError(t, err)
	_, err = v.Open("inside", "/dir/insideFile", ModeRead, false)
	require.NoError(t, err)

	res := readAll(v, "file", 0, 50)
	require.NoError(t, res.err)
	before, cur := v.ReaderStats()
	assert.Equal(t, "/file", cur.EntryPath)

	src.ResetReads()
	res = readAll(v, "inside", 0, 45)
	require.NoError(t, res.err)
	assert.Equal(t, contentOf(t, scenarioFiles(), "/dir/insideFile"), res.data())

	after, cur := v.ReaderStats()
	assert.Equal(t, before.Resets+1, after.Resets)
	assert.Equal(t, "/dir/insideFile", cur.EntryPath)
	reads := src.Reads()
	require.NotEmpty(t, reads)
	assert.Equal(t, int64(0), reads[0].Offset, "decompression restarts at the archive start")

	// Reading forward again does not reset.
	res = readAll(v, "file", 10, 5)
	require.NoError(t, res.err)
	assert.Equal(t, contentOf(t, scenarioFiles(), "/file")[10:15], res.data())
	again, _ := v.ReaderStats()
	assert.Equal(t, after.Resets, again.Resets)
}

func TestVolumeNotReady(t *testing.T) {
	t.Parallel()

	v, _ := newTestVolume(t, testutil.BuildArchive(t, "gzip", scenarioFiles()))
	assert.Equal(t, StateUninitialized, v.State())

	_, err := v.Stat("/file")
	require.ErrorIs(t, err, ErrNotReady)
	require.ErrorIs(t, err, ErrPrecondition)
	_, err = v.ListDirectory("/")
	require.ErrorIs(t, err, ErrNotReady)
	_, err = v.Open("h1", "/file", ModeRead, false)
	require.ErrorIs(t, err, ErrNotReady)
}

func TestVolumeReadMetadataTwice(t *testing.T) {
	t.Parallel()

	v, _ := readyVolume(t)
	_, err := v.ReadMetadata(context.Background())
	require.ErrorIs(t, err, ErrPrecondition)
	assert.Equal(t, StateReady, v.State())
}

func TestVolumeMetadataFailure(t *testing.T) {
	t.Parallel()

	v, _ := newTestVolume(t, []byte("this is not an archive, just some text padding it out"))
	_, err := v.ReadMetadata(context.Background())
	require.ErrorIs(t, err, ErrMountFailure)
	require.ErrorIs(t, err, ErrParseFailure)
	assert.Equal(t, StateFailed, v.State())
	assert.Error(t, v.Info().Err)

	_, err = v.Stat("/")
	require.ErrorIs(t, err, ErrNotReady)
	_, err = v.ReadMetadata(context.Background())
	require.ErrorIs(t, err, ErrPrecondition)
}

func TestVolumeForcedCodec(t *testing.T) {
	t.Parallel()

	data := testutil.BuildArchive(t, "gzip", scenarioFiles())

	gz, err := ParseCodec("gzip")
	require.NoError(t, err)
	v, _ := newTestVolume(t, data, WithCodec(gz))
	_, err = v.ReadMetadata(context.Background())
	require.NoError(t, err)
	_, err = v.Stat("/dir/insideFile")
	require.NoError(t, err)

	plain, err := ParseCodec("tar")
	require.NoError(t, err)
	v, _ = newTestVolume(t, data, WithCodec(plain))
	_, err = v.ReadMetadata(context.Background())
	require.ErrorIs(t, err, ErrParseFailure)
}

func TestVolumeOpen(t *testing.T) {
	t.Parallel()

	v, _ := readyVolume(t)

	tests := []struct {
		name   string
		path   string
		mode   OpenMode
		create bool
		want   error
	}{
		{"write mode", "/file", ModeWrite, false, ErrInvalidOperation},
		{"read write mode", "/file", ModeReadWrite, false, ErrInvalidOperation},
		{"create existing", "/file", ModeRead, true, ErrInvalidOperation},
		{"create missing", "/nope", ModeRead, true, ErrInvalidOperation},
		{"write missing", "/nope", ModeWrite, false, ErrInvalidOperation},
		{"missing", "/nope", ModeRead, false, ErrNotFound},
		{"missing below file", "/file/x", ModeRead, false, ErrNotFound},
		{"directory", "/dir", ModeRead, false, ErrNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.Open("h-"+tc.name, tc.path, tc.mode, tc.create)
			require.ErrorIs(t, err, tc.want)
			var pathErr *fs.PathError
			require.ErrorAs(t, err, &pathErr)
			assert.Equal(t, tc.path, pathErr.Path)
		})
	}

	_, err := v.Open("h1", "/dir//insideFile/", ModeRead, false)
	require.NoError(t, err)
	_, err = v.Open("h1", "/file", ModeRead, false)
	require.ErrorIs(t, err, ErrInvalidOperation, "handle ids are unique while open")
	require.Len(t, v.Handles(), 1)
	assert.Equal(t, "/dir/insideFile", v.Handles()[0].Path)

	_, err = v.Stat("/nope")
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func TestVolumeListDirectoryErrors(t *testing.T) {
	t.Parallel()

	v, _ := readyVolume(t)

	_, err := v.ListDirectory("/file")
	require.ErrorIs(t, err, ErrNotADirectory)
	_, err = v.ListDirectory("/missing")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = v.ListDirectory("/dir/missing/deeper")
	require.ErrorIs(t, err, ErrNotFound)

	children, err := v.ListDirectory("/dir")
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "insideFile", children[0].Name)
}

func TestVolumeCloseInvalidatesHandle(t *testing.T) {
	t.Parallel()

	v, _ := readyVolume(t)

	require.ErrorIs(t, v.Close("never-opened"), ErrInvalidOperation)
	res := readAll(v, "never-opened", 0, 1)
	require.ErrorIs(t, res.err, ErrInvalidOperation)

	_, err := v.Open("h1", "/file", ModeRead, false)
	require.NoError(t, err)
	require.NoError(t, v.Close("h1"))

	res = readAll(v, "h1", 0, 1)
	require.ErrorIs(t, res.err, ErrInvalidOperation)
	res = readAll(v, "h1", 0, 0)
	require.ErrorIs(t, res.err, ErrInvalidOperation)
	require.ErrorIs(t, v.Close("h1"), ErrInvalidOperation)

	// The id may be reused once closed.
	_, err = v.Open("h1", "/file", ModeRead, false)
	require.NoError(t, err)
}

func TestVolumeTransportFailureKeepsVolume(t *testing.T) {
	t.Parallel()

	v, src := readyVolume(t)
	_, err := v.Open("h1", "/file", ModeRead, false)
	require.NoError(t, err)

	src.FailWith(errors.New("connection reset"))
	res := readAll(v, "h1", 0, 10)
	require.ErrorIs(t, res.err, ErrTransport)
	assert.Contains(t, res.err.Error(), "connection reset")
	assert.Equal(t, StateReady, v.State())

	src.FailWith(nil)
	res = readAll(v, "h1", 0, 10)
	require.NoError(t, res.err)
	assert.Equal(t, contentOf(t, scenarioFiles(), "/file")[:10], res.data())
}

func TestVolumeUnmountWhileChunkPending(t *testing.T) {
	t.Parallel()

	v, src := readyVolume(t)
	_, err := v.Open("h1", "/file", ModeRead, false)
	require.NoError(t, err)

	drainStarted(src)
	src.Block()
	done := make(chan readResult, 1)
	go func() { done <- readAll(v, "h1", 0, 50) }()
	<-src.Started()

	id, pending := v.broker.Pending()
	require.True(t, pending)

	v.Unmount()
	res := <-done
	require.ErrorIs(t, res.err, ErrClosed)
	assert.Equal(t, StateUnmounted, v.State())
	assert.Empty(t, v.Handles())

	// The late response is discarded without effect.
	src.Release()
	assert.False(t, v.ResolveChunk(id, 0, []byte("late")))
	assert.False(t, v.FailChunk(id, "late"))
	assert.Equal(t, StateUnmounted, v.State())

	_, err = v.Stat("/file")
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, v.Close("h1"), ErrClosed)
	res = readAll(v, "h1", 0, 1)
	require.ErrorIs(t, res.err, ErrClosed)

	v.Unmount()
}

func TestVolumeChunkTimeout(t *testing.T) {
	t.Parallel()

	silent := chunk.SenderFunc(func(string, int64, int64) error { return nil })
	v := NewVolume("m1", testTicket, 1024, silent, WithChunkTimeout(20*time.Millisecond))
	defer v.Unmount()

	_, err := v.ReadMetadata(context.Background())
	require.ErrorIs(t, err, ErrMountFailure)
	require.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, StateFailed, v.State())
}

func TestVolumeConcurrentReads(t *testing.T) {
	t.Parallel()

	v, _ := readyVolume(t, WithMaxChunkSize(8))
	_, err := v.Open("file", "/file", ModeRead, false)
	require.NoError(t, err)
	_, err = v.Open("inside", "/dir/insideFile", ModeRead, false)
	require.NoError(t, err)

	want := map[string][]byte{
		"file":   contentOf(t, scenarioFiles(), "/file"),
		"inside": contentOf(t, scenarioFiles(), "/dir/insideFile"),
	}
	results := make(chan error, 20)
	for i := range 20 {
		go func() {
			handle := "file"
			if i%2 == 0 {
				handle = "inside"
			}
			res := readAll(v, handle, 0, 100)
			if res.err != nil {
				results <- res.err
				return
			}
			if string(res.data()) != string(want[handle]) {
				results <- errors.New("wrong bytes for " + handle)
				return
			}
			results <- nil
		}()
	}
	for range 20 {
		require.NoError(t, <-results)
	}
}
