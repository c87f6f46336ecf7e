package oci_test

import (
	"bytes"
	"context"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"oras.land/oras-go/v2/registry"

	"github.com/meigma/archivefs/source"
	"github.com/meigma/archivefs/source/oci"
)

func fakeRegistry(t *testing.T, repo string, blob []byte) (host string, dgst digest.Digest) {
	t.Helper()
	dgst = digest.FromBytes(blob)
	want := "/v2/" + repo + "/blobs/" + dgst.String()
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.URL.Path != want {
			nethttp.NotFound(w, r)
			return
		}
		nethttp.ServeContent(w, r, "blob", time.Time{}, bytes.NewReader(blob))
	}))
	t.Cleanup(server.Close)
	return strings.TrimPrefix(server.URL, "http://"), dgst
}

func TestNewSource(t *testing.T) {
	t.Parallel()

	blob := []byte("compressed archive bytes")
	host, dgst := fakeRegistry(t, "team/archives", blob)

	src, err := oci.NewSource(context.Background(), host+"/team/archives:v1", dgst, oci.WithPlainHTTP(true))
	require.NoError(t, err)
	assert.Equal(t, int64(len(blob)), src.Size())
	assert.Equal(t, "oci:"+dgst.String(), src.SourceID())
	assert.Equal(t, dgst, src.Descriptor().Digest)
	assert.Equal(t, oci.DefaultMediaType, src.Descriptor().MediaType)
	assert.Equal(t, "team/archives", src.Reference().Repository)

	buf := make([]byte, 7)
	_, err = src.ReadAt(buf, 11)
	require.NoError(t, err)
	assert.Equal(t, "archive", string(buf))
}

func TestNewSourceErrors(t *testing.T) {
	t.Parallel()

	host, dgst := fakeRegistry(t, "repo", []byte("x"))

	_, err := oci.NewSource(context.Background(), "not a reference", dgst)
	require.ErrorIs(t, err, oci.ErrInvalidReference)

	_, err = oci.NewSource(context.Background(), host+"/repo", digest.Digest("sha256:short"))
	require.ErrorIs(t, err, oci.ErrInvalidDigest)

	_, err = oci.NewSource(context.Background(), host+"/other", dgst, oci.WithPlainHTTP(true))
	require.Error(t, err)

	_, err = oci.NewSource(context.Background(), host+"/repo", dgst, oci.WithPlainHTTP(true), oci.WithExpectedSize(2))
	require.ErrorIs(t, err, source.ErrSizeMismatch)
}

func TestResolver(t *testing.T) {
	t.Parallel()

	blob := bytes.Repeat([]byte("z"), 100)
	host, dgst := fakeRegistry(t, "r", blob)

	mux := source.NewMux()
	mux.Handle(source.KindOCI, oci.Resolver(oci.WithPlainHTTP(true)))
	src, err := mux.Resolve(context.Background(), source.Ticket{
		Kind:     source.KindOCI,
		Location: host + "/r",
		Digest:   dgst.String(),
		Size:     100,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(100), src.Size())

	_, err = mux.Resolve(context.Background(), source.Ticket{Kind: source.KindOCI, Location: host + "/r"})
	require.ErrorIs(t, err, source.ErrInvalidTicket)
}

func TestBlobURL(t *testing.T) {
	t.Parallel()

	ref, err := registry.ParseReference("ghcr.io/org/repo:tag")
	require.NoError(t, err)
	dgst := digest.FromString("x")
	assert.Equal(t, "https://ghcr.io/v2/org/repo/blobs/"+dgst.String(), oci.BlobURL(ref, dgst, false))
	assert.Equal(t, "http://ghcr.io/v2/org/repo/blobs/"+dgst.String(), oci.BlobURL(ref, dgst, true))
}
