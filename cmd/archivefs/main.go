// archivefs browses compressed archives without unpacking them.
//
// Archives are named by tickets: a local path, an http(s) URL or an OCI
// blob reference (oci://registry/repository@sha256:...). Only the bytes
// needed to answer a request are fetched.
//
// Usage:
//
//	archivefs ls [-l] <ticket> [path]
//	archivefs stat <ticket> <path>
//	archivefs cat [--offset n] [--length n] <ticket> <path>
//	archivefs mount [--id id] <ticket> <mountpoint>
//	archivefs mount --resume [--id id] <mountpoint>
//	archivefs serve
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/meigma/archivefs"
	"github.com/meigma/archivefs/internal/config"
	"github.com/meigma/archivefs/protocol"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := newCLI(os.Stdin, os.Stdout, os.Stderr)
	if err := c.run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// cli carries the process streams so commands can be run from tests.
type cli struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer

	dir  func(a ...any) string
	link func(a ...any) string
}

func newCLI(in io.Reader, out, errOut io.Writer) *cli {
	return &cli{
		in:     in,
		out:    out,
		errOut: errOut,
		dir:    color.New(color.FgBlue, color.Bold).SprintFunc(),
		link:   color.New(color.FgCyan).SprintFunc(),
	}
}

func (c *cli) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		c.usage()
		return errors.New("missing command")
	}
	switch args[0] {
	case "ls":
		return c.ls(ctx, args[1:])
	case "stat":
		return c.stat(ctx, args[1:])
	case "cat":
		return c.cat(ctx, args[1:])
	case "mount":
		return c.mount(ctx, args[1:])
	case "serve":
		return c.serve(ctx, args[1:])
	case "help", "-h", "--help":
		c.usage()
		return nil
	default:
		c.usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func (c *cli) usage() {
	fmt.Fprint(c.errOut, `archivefs browses compressed archives without unpacking them.

Usage:
  archivefs ls [-l] <ticket> [path]
  archivefs stat <ticket> <path>
  archivefs cat [--offset n] [--length n] <ticket> <path>
  archivefs mount [--id id] <ticket> <mountpoint>
  archivefs mount --resume [--id id] <mountpoint>
  archivefs serve

Tickets:
  /path/to/archive.tar.gz
  https://host/archive.tar.zst
  oci://registry/repository@sha256:<digest>

Run "archivefs <command> --help" for the flags of a command.
`)
}

// globalFlags are accepted by every command.
type globalFlags struct {
	configPath   string
	logLevel     string
	fetchSize    int64
	chunkTimeout time.Duration
	noCache      bool
	plainHTTP    bool
	isolate      bool
}

func (c *cli) flagSet(name string) (*pflag.FlagSet, *globalFlags) {
	var g globalFlags
	fs := pflag.NewFlagSet("archivefs "+name, pflag.ContinueOnError)
	fs.SetOutput(c.errOut)
	fs.StringVar(&g.configPath, "config", config.DefaultPath(), "configuration file")
	fs.StringVar(&g.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	fs.Int64Var(&g.fetchSize, "fetch-size", 0, "bytes requested from the archive source per chunk")
	fs.DurationVar(&g.chunkTimeout, "chunk-timeout", 0, "give up on a chunk after this long (0 waits forever)")
	fs.BoolVar(&g.noCache, "no-cache", false, "do not use the local block cache")
	fs.BoolVar(&g.plainHTTP, "plain-http", false, "talk to OCI registries over plain HTTP")
	fs.BoolVar(&g.isolate, "isolate", false, "run the engine in a child process")
	return fs, &g
}

// settings loads the configuration file and applies flags that were set.
func (c *cli) settings(fs *pflag.FlagSet, g *globalFlags) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, nil, err
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = g.logLevel
	}
	if fs.Changed("fetch-size") {
		cfg.FetchSize = g.fetchSize
	}
	if fs.Changed("chunk-timeout") {
		cfg.ChunkTimeout = g.chunkTimeout
	}
	if g.noCache {
		cfg.Cache.Dir = ""
	}
	if g.plainHTTP {
		cfg.Registry.PlainHTTP = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	level, err := cfg.Level()
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewTextHandler(c.errOut, &slog.HandlerOptions{Level: level}))
	return cfg, logger, nil
}

// session is a client connected to an engine, either in this process or
// in a child process speaking the protocol over stdio.
type session struct {
	*archivefs.Client
	closeFn func() error
}

func (s *session) Close() error {
	return s.closeFn()
}

func (c *cli) connect(ctx context.Context, fs *pflag.FlagSet, g *globalFlags) (*session, *config.Config, *slog.Logger, error) {
	cfg, logger, err := c.settings(fs, g)
	if err != nil {
		return nil, nil, nil, err
	}
	ropts, err := cfg.ResolverOptions()
	if err != nil {
		return nil, nil, nil, err
	}
	clientOpts := []archivefs.Option{
		archivefs.WithResolver(archivefs.NewResolver(ropts...)),
		archivefs.WithLogger(logger),
	}

	if g.isolate {
		s, err := c.connectProcess(ctx, g, clientOpts)
		return s, cfg, logger, err
	}

	engineEnd, clientEnd := protocol.Pipe()
	svc := archivefs.NewService(engineEnd,
		archivefs.WithServiceLogger(logger),
		archivefs.WithVolumeOptions(cfg.VolumeOptions()...),
	)
	served := make(chan error, 1)
	go func() { served <- svc.Serve(context.WithoutCancel(ctx), engineEnd) }()

	client, err := archivefs.NewClient(clientEnd, clientOpts...)
	if err != nil {
		_ = engineEnd.Close()
		<-served
		return nil, nil, nil, errors.Join(err, svc.Close())
	}
	return &session{
		Client: client,
		closeFn: func() error {
			err := client.Close()
			return errors.Join(err, <-served, svc.Close())
		},
	}, cfg, logger, nil
}

// connectProcess starts "archivefs serve" and speaks to it over its
// stdin and stdout.
func (c *cli) connectProcess(ctx context.Context, g *globalFlags, opts []archivefs.Option) (*session, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, err
	}
	args := []string{"serve", "--config", g.configPath}
	if g.logLevel != "" {
		args = append(args, "--log-level", g.logLevel)
	}
	if g.fetchSize > 0 {
		args = append(args, "--fetch-size", fmt.Sprint(g.fetchSize))
	}
	if g.chunkTimeout > 0 {
		args = append(args, "--chunk-timeout", g.chunkTimeout.String())
	}
	cmd := exec.CommandContext(ctx, self, args...)
	cmd.Stderr = c.errOut
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start engine: %w", err)
	}

	client, err := archivefs.NewClient(protocol.NewStream(stdout, stdin), opts...)
	if err != nil {
		_ = stdin.Close()
		return nil, errors.Join(err, cmd.Wait())
	}
	return &session{
		Client: client,
		closeFn: func() error {
			err := client.Close()
			return errors.Join(err, cmd.Wait())
		},
	}, nil
}
