package archivefs

import (
	"github.com/meigma/archivefs/source"
	"github.com/meigma/archivefs/source/cache"
	srchttp "github.com/meigma/archivefs/source/http"
	srcoci "github.com/meigma/archivefs/source/oci"
)

// ResolverOption configures NewResolver.
type ResolverOption func(*resolverConfig)

type resolverConfig struct {
	http  []srchttp.Option
	oci   []srcoci.Option
	cache *cache.BlockCache
}

// WithHTTPOptions configures the source used for http tickets.
func WithHTTPOptions(opts ...srchttp.Option) ResolverOption {
	return func(c *resolverConfig) {
		c.http = append(c.http, opts...)
	}
}

// WithOCIOptions configures the source used for oci tickets.
func WithOCIOptions(opts ...srcoci.Option) ResolverOption {
	return func(c *resolverConfig) {
		c.oci = append(c.oci, opts...)
	}
}

// WithBlockCache stores the bytes of http and oci sources in bc.
// File sources are read directly.
func WithBlockCache(bc *cache.BlockCache) ResolverOption {
	return func(c *resolverConfig) {
		c.cache = bc
	}
}

// NewResolver returns a resolver for file, http and oci tickets.
func NewResolver(opts ...ResolverOption) *source.Mux {
	var cfg resolverConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	mux := source.NewMux()
	mux.Handle(source.KindFile, source.ResolverFunc(source.ResolveFile))
	mux.Handle(source.KindHTTP, srchttp.Resolver(cfg.http...))
	mux.Handle(source.KindOCI, srcoci.Resolver(cfg.oci...))
	if bc := cfg.cache; bc != nil {
		mux.Wrap(func(src source.ByteSource) (source.ByteSource, error) {
			if _, local := src.(*source.File); local {
				return src, nil
			}
			return bc.Wrap(src)
		})
	}
	return mux
}
