// Package config loads the archivefs configuration file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meigma/archivefs"
	"github.com/meigma/archivefs/source/cache"
	srcoci "github.com/meigma/archivefs/source/oci"
)

// Config is the on-disk configuration. Zero fields fall back to defaults.
type Config struct {
	// FetchSize is the size of each chunk requested from a byte source.
	FetchSize int64 `yaml:"fetch_size"`

	// MaxChunkSize bounds the payload of each READ_FILE_DONE.
	MaxChunkSize int `yaml:"max_chunk_size"`

	// ChunkTimeout bounds the wait for one chunk. Zero waits forever.
	ChunkTimeout time.Duration `yaml:"chunk_timeout"`

	Decoder struct {
		MaxMemory uint64 `yaml:"max_memory"`
		Lowmem    bool   `yaml:"lowmem"`
		// Codec forces a compression format; empty detects it per archive.
		Codec string `yaml:"codec,omitempty"`
	} `yaml:"decoder"`

	// DisableTOC forces a stream walk even for eStargz archives.
	DisableTOC bool `yaml:"disable_toc"`

	Cache struct {
		Dir      string `yaml:"dir"`
		MaxBytes int64  `yaml:"max_bytes"`
	} `yaml:"cache"`

	Registry struct {
		PlainHTTP         bool   `yaml:"plain_http"`
		DockerCredentials bool   `yaml:"docker_credentials"`
		UserAgent         string `yaml:"user_agent"`
	} `yaml:"registry"`

	// StateFile is where mounts are persisted between runs.
	StateFile string `yaml:"state_file"`

	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{
		FetchSize:    256 << 10,
		MaxChunkSize: 64 << 10,
		LogLevel:     "info",
	}
	cfg.Cache.Dir = filepath.Join(userDir(os.UserCacheDir), "archivefs", "blocks")
	cfg.Cache.MaxBytes = 1 << 30
	cfg.Registry.DockerCredentials = true
	cfg.StateFile = filepath.Join(userDir(os.UserConfigDir), "archivefs", "state.cbor")
	return cfg
}

// DefaultPath returns the default configuration file path.
func DefaultPath() string {
	return filepath.Join(userDir(os.UserConfigDir), "archivefs", "config.yaml")
}

func userDir(fn func() (string, error)) string {
	dir, err := fn()
	if err != nil {
		return "."
	}
	return dir
}

// Load reads the file at path over the defaults. A missing file is not an
// error.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Cache.Dir = ExpandPath(cfg.Cache.Dir)
	cfg.StateFile = ExpandPath(cfg.StateFile)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration to path.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate rejects negative sizes and unknown log levels or codecs.
func (c *Config) Validate() error {
	switch {
	case c.FetchSize < 0:
		return errors.New("fetch_size must not be negative")
	case c.MaxChunkSize < 0:
		return errors.New("max_chunk_size must not be negative")
	case c.ChunkTimeout < 0:
		return errors.New("chunk_timeout must not be negative")
	case c.Cache.MaxBytes < 0:
		return errors.New("cache.max_bytes must not be negative")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.Decoder.Codec != "" {
		if _, err := archivefs.ParseCodec(c.Decoder.Codec); err != nil {
			return fmt.Errorf("decoder.codec: %w", err)
		}
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(strings.ToLower(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}

// VolumeOptions returns the volume options the configuration describes.
func (c *Config) VolumeOptions() []archivefs.VolumeOption {
	opts := []archivefs.VolumeOption{
		archivefs.WithFetchSize(c.FetchSize),
		archivefs.WithMaxChunkSize(c.MaxChunkSize),
		archivefs.WithChunkTimeout(c.ChunkTimeout),
		archivefs.WithMaxDecoderMemory(c.Decoder.MaxMemory),
		archivefs.WithDecoderLowmem(c.Decoder.Lowmem),
		archivefs.WithTOC(!c.DisableTOC),
	}
	if codec, err := archivefs.ParseCodec(c.Decoder.Codec); err == nil {
		opts = append(opts, archivefs.WithCodec(codec))
	}
	return opts
}

// ResolverOptions returns the resolver options the configuration
// describes. The block cache is opened when Cache.Dir is set.
func (c *Config) ResolverOptions() ([]archivefs.ResolverOption, error) {
	var ociOpts []srcoci.Option
	if c.Registry.PlainHTTP {
		ociOpts = append(ociOpts, srcoci.WithPlainHTTP(true))
	}
	if c.Registry.DockerCredentials {
		ociOpts = append(ociOpts, srcoci.WithDockerCredentials())
	}
	if c.Registry.UserAgent != "" {
		ociOpts = append(ociOpts, srcoci.WithUserAgent(c.Registry.UserAgent))
	}
	opts := []archivefs.ResolverOption{archivefs.WithOCIOptions(ociOpts...)}

	if c.Cache.Dir != "" {
		bc, err := cache.New(c.Cache.Dir, cache.WithMaxBytes(c.Cache.MaxBytes))
		if err != nil {
			return nil, fmt.Errorf("open block cache: %w", err)
		}
		opts = append(opts, archivefs.WithBlockCache(bc))
	}
	return opts, nil
}

// ExpandPath expands a leading ~ to the home directory.
func ExpandPath(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
