package archivefs

import (
	"errors"
	"log/slog"

	"github.com/meigma/archivefs/source"
)

// Option configures a Client.
type Option func(*Client) error

// WithResolver sets the capability that turns tickets into byte sources.
func WithResolver(r source.Resolver) Option {
	return func(c *Client) error {
		if r == nil {
			return errors.New("archivefs: nil resolver")
		}
		c.resolver = r
		return nil
	}
}

// WithLogger sets the logger for client events.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) error {
		c.logger = logger
		return nil
	}
}
