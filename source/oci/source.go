// Package oci provides a byte source for archives stored as blobs in an
// OCI registry. Blob bytes are read lazily with HTTP range requests
// against /v2/<repository>/blobs/<digest>, authenticated through ORAS.
package oci

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/registry"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/credentials"
	"oras.land/oras-go/v2/registry/remote/retry"

	"github.com/meigma/archivefs/source"
	srchttp "github.com/meigma/archivefs/source/http"
)

// Sentinel errors.
var (
	// ErrInvalidReference is returned when a repository reference is malformed.
	ErrInvalidReference = errors.New("oci: invalid reference")

	// ErrInvalidDigest is returned when a blob digest is malformed.
	ErrInvalidDigest = errors.New("oci: invalid digest")
)

// DefaultMediaType is recorded in descriptors when no media type is given.
const DefaultMediaType = ocispec.MediaTypeImageLayerGzip

// Source reads a registry blob. It satisfies source.ByteSource.
type Source struct {
	*srchttp.Source
	ref  registry.Reference
	desc ocispec.Descriptor
}

type config struct {
	plainHTTP    bool
	userAgent    string
	mediaType    string
	expectedSize int64
	base         *nethttp.Client
	credential   auth.CredentialFunc
}

// Option configures a Source.
type Option func(*config)

// WithPlainHTTP uses http instead of https.
func WithPlainHTTP(enabled bool) Option {
	return func(c *config) {
		c.plainHTTP = enabled
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *config) {
		c.userAgent = ua
	}
}

// WithMediaType sets the media type recorded in the descriptor.
func WithMediaType(mediaType string) Option {
	return func(c *config) {
		c.mediaType = mediaType
	}
}

// WithExpectedSize fails NewSource when the blob size differs.
func WithExpectedSize(size int64) Option {
	return func(c *config) {
		c.expectedSize = size
	}
}

// WithBaseClient sets the HTTP client underneath the auth client.
func WithBaseClient(client *nethttp.Client) Option {
	return func(c *config) {
		c.base = client
	}
}

// WithCredentialStore resolves registry credentials from store.
func WithCredentialStore(store credentials.Store) Option {
	return func(c *config) {
		c.credential = credentials.Credential(store)
	}
}

// WithDockerCredentials resolves credentials from the local Docker config.
// A missing config yields anonymous access.
func WithDockerCredentials() Option {
	return func(c *config) {
		store, err := credentials.NewStoreFromDocker(credentials.StoreOptions{})
		if err != nil {
			return
		}
		c.credential = credentials.Credential(store)
	}
}

// NewSource opens the blob dgst in the repository named by repoRef
// ("registry/repository", optionally with a tag which is ignored).
func NewSource(ctx context.Context, repoRef string, dgst digest.Digest, opts ...Option) (*Source, error) {
	cfg := config{
		userAgent: "archivefs/1.0",
		mediaType: DefaultMediaType,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	ref, err := registry.ParseReference(repoRef)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}
	if err := dgst.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDigest, err)
	}

	src, err := srchttp.NewSource(ctx, BlobURL(ref, dgst, cfg.plainHTTP),
		srchttp.WithClient(cfg.httpClient(ref)),
		srchttp.WithHeader("User-Agent", cfg.userAgent),
		srchttp.WithSourceID("oci:"+dgst.String()),
	)
	if err != nil {
		return nil, fmt.Errorf("open blob %s in %s: %w", dgst, ref.Repository, err)
	}
	if cfg.expectedSize > 0 && src.Size() != cfg.expectedSize {
		return nil, fmt.Errorf("%w: blob %s has %d bytes, want %d", source.ErrSizeMismatch, dgst, src.Size(), cfg.expectedSize)
	}

	return &Source{
		Source: src,
		ref:    ref,
		desc: ocispec.Descriptor{
			MediaType: cfg.mediaType,
			Digest:    dgst,
			Size:      src.Size(),
		},
	}, nil
}

// Resolver returns a source.ResolverFunc for KindOCI tickets.
func Resolver(opts ...Option) source.ResolverFunc {
	return func(ctx context.Context, t source.Ticket) (source.ByteSource, error) {
		dgst, err := digest.Parse(t.Digest)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDigest, err)
		}
		srcOpts := opts
		if t.Size > 0 {
			srcOpts = append(opts[:len(opts):len(opts)], WithExpectedSize(t.Size))
		}
		return NewSource(ctx, t.Location, dgst, srcOpts...)
	}
}

// Descriptor returns the OCI descriptor of the blob.
func (s *Source) Descriptor() ocispec.Descriptor {
	return s.desc
}

// Reference returns the parsed repository reference.
func (s *Source) Reference() registry.Reference {
	return s.ref
}

// BlobURL returns <scheme>://<registry>/v2/<repository>/blobs/<digest>.
func BlobURL(ref registry.Reference, dgst digest.Digest, plainHTTP bool) string {
	scheme := "https"
	if plainHTTP {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s/v2/%s/blobs/%s", scheme, ref.Host(), ref.Repository, dgst)
}

func (c config) httpClient(ref registry.Reference) *nethttp.Client {
	base := c.base
	if base == nil {
		base = retry.DefaultClient
	}
	client := &auth.Client{
		Client: base,
		Cache:  auth.NewCache(),
		Header: nethttp.Header{"User-Agent": []string{c.userAgent}},
		Credential: func(ctx context.Context, hostport string) (auth.Credential, error) {
			if c.credential == nil {
				return auth.EmptyCredential, nil
			}
			return c.credential(ctx, hostport)
		},
	}
	return &nethttp.Client{Transport: &authTransport{client: client, ref: ref}}
}

// authTransport adds the repository pull scope so token exchange requests
// the right permissions.
type authTransport struct {
	client *auth.Client
	ref    registry.Reference
}

func (t *authTransport) RoundTrip(req *nethttp.Request) (*nethttp.Response, error) {
	ctx := auth.AppendRepositoryScope(req.Context(), t.ref, auth.ActionPull)
	return t.client.Do(req.Clone(ctx))
}
