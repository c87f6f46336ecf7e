package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/meigma/archivefs/source"
)

// StateVersion is the version written by this package.
const StateVersion = 1

// State is the persisted view of all mounts.
type State struct {
	Version int                   `cbor:"version"`
	Mounts  map[string]MountState `cbor:"mounts"`
}

// MountState is the persisted view of one mount.
type MountState struct {
	Ticket      source.Ticket `cbor:"ticket"`
	ArchiveSize int64         `cbor:"size,omitempty"`
	OpenFiles   []OpenFile    `cbor:"open,omitempty"`
}

// OpenFile is one open handle.
type OpenFile struct {
	HandleID string `cbor:"handle"`
	Path     string `cbor:"path"`
}

// NewState returns an empty state.
func NewState() State {
	return State{Version: StateVersion, Mounts: make(map[string]MountState)}
}

// MountIDs returns the mount ids in sorted order.
func (s State) MountIDs() []string {
	return slices.Sorted(maps.Keys(s.Mounts))
}

// Snapshotter reports the current mounts.
type Snapshotter interface {
	Snapshot() State
}

// Mounter recreates mounts and handles.
type Mounter interface {
	// Remount mounts the archive named by ticket under mountID and loads
	// its metadata.
	Remount(ctx context.Context, mountID string, ticket source.Ticket) error

	// Reopen opens path under handleID in a mounted archive.
	Reopen(ctx context.Context, mountID, handleID, path string) error
}

// Snapshot captures the state of s.
func Snapshot(s Snapshotter) State {
	st := s.Snapshot()
	if st.Mounts == nil {
		st.Mounts = make(map[string]MountState)
	}
	st.Version = StateVersion
	return st
}

// Dropped is a mount or handle that could not be restored.
type Dropped struct {
	MountID  string
	HandleID string
	Path     string
	Err      error
}

// Report summarizes a restore.
type Report struct {
	// Mounts lists the restored mount ids in sorted order.
	Mounts []string

	// Handles is the number of reopened handles.
	Handles int

	// Dropped lists mounts (HandleID empty) and handles that failed.
	Dropped []Dropped
}

// RestoreOption configures Restore.
type RestoreOption func(*restoreConfig)

type restoreConfig struct {
	concurrency int
	logger      *slog.Logger
}

// WithConcurrency bounds how many mounts are restored at once
// (default 4). Values <= 0 remove the bound.
func WithConcurrency(n int) RestoreOption {
	return func(c *restoreConfig) {
		c.concurrency = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) RestoreOption {
	return func(c *restoreConfig) {
		c.logger = logger
	}
}

// ErrUnsupportedVersion is returned for states written by a newer version.
var ErrUnsupportedVersion = errors.New("persist: unsupported state version")

// Restore remounts every mount in st and reopens its handles. A mount
// whose ticket no longer resolves, or a path that no longer opens, is
// dropped and listed in the report; the rest of the restore continues.
// Only context cancellation and version mismatches fail the whole restore.
func Restore(ctx context.Context, st State, m Mounter, opts ...RestoreOption) (Report, error) {
	cfg := restoreConfig{concurrency: 4}
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := cfg.logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if st.Version > StateVersion {
		return Report{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, st.Version)
	}

	var (
		mu     sync.Mutex
		report Report
	)
	record := func(fn func(r *Report)) {
		mu.Lock()
		defer mu.Unlock()
		fn(&report)
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.concurrency > 0 {
		g.SetLimit(cfg.concurrency)
	}
	for _, id := range st.MountIDs() {
		ms := st.Mounts[id]
		g.Go(func() error {
			if err := m.Remount(gctx, id, ms.Ticket); err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				logger.Warn("restore: mount dropped", "mount", id, "ticket", ms.Ticket.String(), "error", err)
				record(func(r *Report) { r.Dropped = append(r.Dropped, Dropped{MountID: id, Err: err}) })
				return nil
			}
			record(func(r *Report) { r.Mounts = append(r.Mounts, id) })

			for _, f := range ms.OpenFiles {
				if err := m.Reopen(gctx, id, f.HandleID, f.Path); err != nil {
					if ctxErr := gctx.Err(); ctxErr != nil {
						return ctxErr
					}
					logger.Info("restore: handle dropped", "mount", id, "handle", f.HandleID, "path", f.Path, "error", err)
					record(func(r *Report) {
						r.Dropped = append(r.Dropped, Dropped{MountID: id, HandleID: f.HandleID, Path: f.Path, Err: err})
					})
					continue
				}
				record(func(r *Report) { r.Handles++ })
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	slices.Sort(report.Mounts)
	slices.SortFunc(report.Dropped, func(a, b Dropped) int {
		if a.MountID != b.MountID {
			if a.MountID < b.MountID {
				return -1
			}
			return 1
		}
		switch {
		case a.HandleID < b.HandleID:
			return -1
		case a.HandleID > b.HandleID:
			return 1
		}
		return 0
	})
	logger.Info("restore complete", "mounts", len(report.Mounts), "handles", report.Handles, "dropped", len(report.Dropped))
	return report, nil
}
