package http_test

import (
	"bytes"
	"context"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/archivefs/source"
	srchttp "github.com/meigma/archivefs/source/http"
)

func serveContent(t *testing.T, data []byte, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.Header().Set("ETag", `"v1"`)
		nethttp.ServeContent(w, r, "archive", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestSourceReadAt(t *testing.T) {
	t.Parallel()

	data := []byte("hello world")
	server := serveContent(t, data, nil)

	src, err := srchttp.NewSource(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), src.Size())
	assert.Contains(t, src.SourceID(), `etag:"v1"`)

	tests := []struct {
		name    string
		bufSize int
		offset  int64
		wantN   int
		wantErr error
		want    string
	}{
		{name: "middle", bufSize: 5, offset: 6, wantN: 5, want: "world"},
		{name: "past end returns EOF", bufSize: 10, offset: int64(len(data) - 3), wantN: 3, wantErr: io.EOF, want: "rld"},
		{name: "at end", bufSize: 1, offset: int64(len(data)), wantErr: io.EOF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			buf := make([]byte, tt.bufSize)
			n, err := src.ReadAt(buf, tt.offset)
			assert.Equal(t, tt.wantErr, err)
			assert.Equal(t, tt.wantN, n)
			assert.Equal(t, tt.want, string(buf[:n]))
		})
	}
}

func TestNewSourceRangeUnsupported(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		_, _ = w.Write([]byte("whole body"))
	}))
	t.Cleanup(server.Close)

	_, err := srchttp.NewSource(context.Background(), server.URL)
	require.ErrorIs(t, err, srchttp.ErrRangeUnsupported)
}

func TestSourceHeaders(t *testing.T) {
	t.Parallel()

	var auth atomic.Value
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		auth.Store(r.Header.Get("Authorization"))
		nethttp.ServeContent(w, r, "archive", time.Time{}, bytes.NewReader([]byte("abc")))
	}))
	t.Cleanup(server.Close)

	src, err := srchttp.NewSource(context.Background(), server.URL,
		srchttp.WithHeader("Authorization", "Bearer token"),
		srchttp.WithSourceID("fixed"))
	require.NoError(t, err)
	assert.Equal(t, "Bearer token", auth.Load())
	assert.Equal(t, "fixed", src.SourceID())
}

func TestResolver(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := serveContent(t, []byte("0123456789"), &hits)

	mux := source.NewMux()
	mux.Handle(source.KindHTTP, srchttp.Resolver())

	src, err := mux.Resolve(context.Background(), source.Ticket{Kind: source.KindHTTP, Location: server.URL, Size: 10})
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = src.ReadAt(buf, 3)
	require.NoError(t, err)
	assert.Equal(t, "3456", string(buf))
	assert.Equal(t, int32(2), hits.Load())

	_, err = mux.Resolve(context.Background(), source.Ticket{Kind: source.KindHTTP, Location: server.URL, Size: 11})
	require.ErrorIs(t, err, source.ErrSizeMismatch)
}
