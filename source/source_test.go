package source_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/archivefs/source"
)

func TestTicketValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		ticket  source.Ticket
		wantErr error
	}{
		{name: "file", ticket: source.Ticket{Kind: source.KindFile, Location: "/a.tgz"}},
		{name: "http", ticket: source.Ticket{Kind: source.KindHTTP, Location: "https://x/a", Size: 4}},
		{name: "oci", ticket: source.Ticket{Kind: source.KindOCI, Location: "r/x", Digest: "sha256:00"}},
		{name: "oci without digest", ticket: source.Ticket{Kind: source.KindOCI, Location: "r/x"}, wantErr: source.ErrInvalidTicket},
		{name: "no location", ticket: source.Ticket{Kind: source.KindFile}, wantErr: source.ErrInvalidTicket},
		{name: "no kind", ticket: source.Ticket{Location: "x"}, wantErr: source.ErrInvalidTicket},
		{name: "negative size", ticket: source.Ticket{Kind: source.KindFile, Location: "x", Size: -1}, wantErr: source.ErrInvalidTicket},
		{name: "unknown kind", ticket: source.Ticket{Kind: "ftp", Location: "x"}, wantErr: source.ErrUnsupportedTicket},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.ticket.Validate()
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func writeArchive(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "a.tar")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestOpenFile(t *testing.T) {
	t.Parallel()

	path := writeArchive(t, []byte("archive-bytes"))
	f, err := source.OpenFile(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	assert.Equal(t, int64(13), f.Size())
	assert.Contains(t, f.SourceID(), "file:"+path)
	buf := make([]byte, 5)
	_, err = f.ReadAt(buf, 8)
	require.NoError(t, err)
	assert.Equal(t, "bytes", string(buf))

	_, err = source.OpenFile(filepath.Dir(path))
	require.Error(t, err)
	_, err = source.OpenFile(filepath.Join(t.TempDir(), "missing"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

type wrapped struct {
	source.ByteSource
}

func TestMux(t *testing.T) {
	t.Parallel()

	path := writeArchive(t, []byte("0123456789"))
	mux := source.NewMux()
	mux.Handle(source.KindFile, source.ResolverFunc(source.ResolveFile))

	src, err := mux.Resolve(context.Background(), source.Ticket{Kind: source.KindFile, Location: path, Size: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(10), src.Size())
	require.NoError(t, source.Close(src))

	_, err = mux.Resolve(context.Background(), source.Ticket{Kind: source.KindFile, Location: path, Size: 9})
	require.ErrorIs(t, err, source.ErrSizeMismatch)

	_, err = mux.Resolve(context.Background(), source.Ticket{Kind: source.KindHTTP, Location: "http://x"})
	require.ErrorIs(t, err, source.ErrUnsupportedTicket)

	var wraps int
	mux.Wrap(func(s source.ByteSource) (source.ByteSource, error) {
		wraps++
		return wrapped{s}, nil
	})
	src, err = mux.Resolve(context.Background(), source.Ticket{Kind: source.KindFile, Location: path})
	require.NoError(t, err)
	assert.Equal(t, 1, wraps)
	require.NoError(t, source.Close(src), "wrapped sources still close the file")

	mux.Wrap(func(source.ByteSource) (source.ByteSource, error) {
		return nil, errors.New("cache unavailable")
	})
	_, err = mux.Resolve(context.Background(), source.Ticket{Kind: source.KindFile, Location: path})
	require.Error(t, err)
}

func TestBytes(t *testing.T) {
	t.Parallel()

	a := source.NewBytes([]byte("abc"))
	b := source.NewBytes([]byte("abc"))
	assert.Equal(t, a.SourceID(), b.SourceID())
	assert.Equal(t, int64(3), a.Size())
	assert.NotEqual(t, a.SourceID(), source.NewBytes([]byte("abd")).SourceID())
}

func TestParseTicket(t *testing.T) {
	t.Parallel()

	tk, err := source.ParseTicket("oci://ghcr.io/org/repo@sha256:abc")
	require.NoError(t, err)
	assert.Equal(t, source.Ticket{Kind: source.KindOCI, Location: "ghcr.io/org/repo", Digest: "sha256:abc"}, tk)
	assert.Equal(t, "oci:ghcr.io/org/repo@sha256:abc", tk.String())

	tk, err = source.ParseTicket("https://example.com/a.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, source.KindHTTP, tk.Kind)

	tk, err = source.ParseTicket("file:///tmp/a.tar")
	require.NoError(t, err)
	assert.Equal(t, source.Ticket{Kind: source.KindFile, Location: "/tmp/a.tar"}, tk)

	_, err = source.ParseTicket("oci://ghcr.io/org/repo:latest")
	require.ErrorIs(t, err, source.ErrInvalidTicket)
	_, err = source.ParseTicket("")
	require.ErrorIs(t, err, source.ErrInvalidTicket)
}
