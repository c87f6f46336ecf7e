package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/meigma/archivefs"
	"github.com/meigma/archivefs/fuse"
	"github.com/meigma/archivefs/persist"
	"github.com/meigma/archivefs/protocol"
	"github.com/meigma/archivefs/source"
)

const cliMountID = "cli"

func (c *cli) ls(ctx context.Context, args []string) error {
	flags, g := c.flagSet("ls")
	long := flags.BoolP("long", "l", false, "long listing")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() < 1 || flags.NArg() > 2 {
		return errors.New("usage: archivefs ls [-l] <ticket> [path]")
	}
	dir := "/"
	if flags.NArg() == 2 {
		dir = flags.Arg(1)
	}

	s, err := c.mountTicket(ctx, flags, g, flags.Arg(0))
	if err != nil {
		return err
	}
	defer s.Close()

	entries, err := s.ListDirectory(ctx, cliMountID, dir)
	if err != nil {
		return err
	}
	if !*long {
		for _, e := range entries {
			fmt.Fprintln(c.out, c.name(e))
		}
		return nil
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 1, ' ', tabwriter.AlignRight)
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%d\t%s\t %s\n", e.FileMode(), e.Size, formatTime(e.Time()), c.name(e))
	}
	return tw.Flush()
}

func (c *cli) stat(ctx context.Context, args []string) error {
	flags, g := c.flagSet("stat")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 2 {
		return errors.New("usage: archivefs stat <ticket> <path>")
	}

	s, err := c.mountTicket(ctx, flags, g, flags.Arg(0))
	if err != nil {
		return err
	}
	defer s.Close()

	e, err := s.Stat(ctx, cliMountID, flags.Arg(1))
	if err != nil {
		return err
	}
	kind := "file"
	switch {
	case e.IsDir:
		kind = "directory"
	case e.FileMode()&fs.ModeSymlink != 0:
		kind = "symlink"
	}
	fmt.Fprintf(c.out, "  Path: %s\n", e.Path)
	fmt.Fprintf(c.out, "  Type: %s\n", kind)
	fmt.Fprintf(c.out, "  Size: %d\n", e.Size)
	fmt.Fprintf(c.out, "  Mode: %s\n", e.FileMode())
	fmt.Fprintf(c.out, "Modify: %s\n", formatTime(e.Time()))
	if e.Link != "" {
		fmt.Fprintf(c.out, "  Link: %s\n", e.Link)
	}
	return nil
}

func (c *cli) cat(ctx context.Context, args []string) error {
	flags, g := c.flagSet("cat")
	offset := flags.Uint64("offset", 0, "first byte to print")
	length := flags.Uint64("length", 0, "bytes to print (0 prints to the end)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 2 {
		return errors.New("usage: archivefs cat [--offset n] [--length n] <ticket> <path>")
	}

	s, err := c.mountTicket(ctx, flags, g, flags.Arg(0))
	if err != nil {
		return err
	}
	defer s.Close()

	p := flags.Arg(1)
	n := *length
	if n == 0 {
		e, err := s.Stat(ctx, cliMountID, p)
		if err != nil {
			return err
		}
		if e.Size > *offset {
			n = e.Size - *offset
		}
	}
	h, err := s.OpenFile(ctx, cliMountID, p)
	if err != nil {
		return err
	}
	err = s.ReadFile(ctx, cliMountID, h, *offset, n, func(data []byte, _ bool) error {
		_, err := c.out.Write(data)
		return err
	})
	return errors.Join(err, s.CloseFile(ctx, cliMountID, h))
}

func (c *cli) mount(ctx context.Context, args []string) error {
	flags, g := c.flagSet("mount")
	id := flags.String("id", "", "mount id recorded in the state file (default: the mountpoint)")
	resume := flags.Bool("resume", false, "restore the mount recorded in the state file")
	allowOther := flags.Bool("allow-other", false, "let other users access the mount")
	debug := flags.Bool("debug-fuse", false, "log every FUSE request")
	if err := flags.Parse(args); err != nil {
		return err
	}
	want := 2
	if *resume {
		want = 1
	}
	if flags.NArg() != want {
		return errors.New("usage: archivefs mount [--id id] <ticket> <mountpoint> | mount --resume [--id id] <mountpoint>")
	}
	mountpoint := flags.Arg(want - 1)
	if *id == "" {
		*id = mountpoint
	}

	s, cfg, logger, err := c.connect(ctx, flags, g)
	if err != nil {
		return err
	}
	defer s.Close()
	store := persist.NewFileStore(cfg.StateFile)

	if *resume {
		st, err := store.Load(ctx)
		if err != nil {
			return err
		}
		ms, ok := st.Mounts[*id]
		if !ok {
			return fmt.Errorf("no mount %q in %s (have %v)", *id, store.Path(), slices.Sorted(maps.Keys(st.Mounts)))
		}
		one := persist.NewState()
		one.Mounts[*id] = ms
		report, err := persist.Restore(ctx, one, s, persist.WithLogger(logger))
		if err != nil {
			return err
		}
		if len(report.Mounts) == 0 {
			return fmt.Errorf("restore %s: %w", *id, report.Dropped[0].Err)
		}
	} else {
		ticket, err := source.ParseTicket(flags.Arg(0))
		if err != nil {
			return err
		}
		if _, err := s.Mount(ctx, *id, ticket); err != nil {
			return err
		}
	}
	rec := &stateRecorder{store: store, client: s.Client, id: *id, logger: logger}
	if err := rec.record(ctx); err != nil {
		logger.Warn("saving state failed", "path", store.Path(), "error", err)
	}

	// Open files are persisted so --resume can reopen them.
	server, err := fuse.Mount(fuse.Options{
		Mountpoint:       mountpoint,
		MountID:          *id,
		FS:               s,
		AllowOther:       *allowOther,
		Debug:            *debug,
		Logger:           logger,
		OnHandlesChanged: rec.changed,
	})
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		if err := server.Unmount(); err != nil {
			logger.Warn("unmount failed", "mountpoint", mountpoint, "error", err)
		}
	}()
	server.Wait()

	unmountErr := s.Unmount(context.WithoutCancel(ctx), *id)
	return errors.Join(unmountErr, rec.forget(context.WithoutCancel(ctx)))
}

// serve runs the engine over stdin and stdout until stdin closes.
func (c *cli) serve(ctx context.Context, args []string) error {
	flags, g := c.flagSet("serve")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 0 {
		return errors.New("usage: archivefs serve")
	}
	cfg, logger, err := c.settings(flags, g)
	if err != nil {
		return err
	}

	tr := protocol.NewStream(c.in, c.out)
	svc := archivefs.NewService(tr,
		archivefs.WithServiceLogger(logger),
		archivefs.WithVolumeOptions(cfg.VolumeOptions()...),
	)
	logger.Debug("engine serving on stdio")
	err = svc.Serve(ctx, tr)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return errors.Join(err, svc.Close(), tr.Close())
}

// mountTicket connects a session and mounts ticket under cliMountID.
func (c *cli) mountTicket(ctx context.Context, flags *pflag.FlagSet, g *globalFlags, arg string) (*session, error) {
	ticket, err := source.ParseTicket(arg)
	if err != nil {
		return nil, err
	}
	s, _, _, err := c.connect(ctx, flags, g)
	if err != nil {
		return nil, err
	}
	if _, err := s.Mount(ctx, cliMountID, ticket); err != nil {
		return nil, errors.Join(err, s.Close())
	}
	return s, nil
}

func (c *cli) name(e archivefs.EntryInfo) string {
	switch {
	case e.IsDir:
		return c.dir(e.Name) + "/"
	case e.Link != "":
		return c.link(e.Name) + " -> " + e.Link
	default:
		return e.Name
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("Jan _2 15:04 2006")
}
