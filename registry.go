package archivefs

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"sync"

	"github.com/meigma/archivefs/internal/chunk"
	"github.com/meigma/archivefs/persist"
	"github.com/meigma/archivefs/source"
)

// Registry maps mount ids to volumes. It is owned by whoever serves the
// volumes; there is no process-wide table.
type Registry struct {
	opts []VolumeOption

	mu      sync.RWMutex
	volumes map[string]*Volume
	gen     uint64
	closed  bool
}

// NewRegistry returns an empty registry. Every volume it mounts is
// configured with opts.
func NewRegistry(opts ...VolumeOption) *Registry {
	return &Registry{
		opts:    opts,
		volumes: make(map[string]*Volume),
	}
}

// Mount creates an uninitialized volume under id. A duplicate id is a
// precondition violation; the existing volume is left untouched.
func (r *Registry) Mount(id string, ticket source.Ticket, size int64, send chunk.Sender) (*Volume, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty mount id", ErrPrecondition)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if _, ok := r.volumes[id]; ok {
		return nil, fmt.Errorf("%w: mount %s already exists", ErrPrecondition, id)
	}
	r.gen++
	opts := append(slices.Clone(r.opts), withRequestPrefix(strconv.FormatUint(r.gen, 10)+"."))
	v := NewVolume(id, ticket, size, send, opts...)
	r.volumes[id] = v
	return v, nil
}

// Get returns the volume mounted under id. An unknown id is a
// precondition violation.
func (r *Registry) Get(id string) (*Volume, error) {
	v, ok := r.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: unknown mount %s", ErrPrecondition, id)
	}
	return v, nil
}

// Lookup returns the volume mounted under id, if any.
func (r *Registry) Lookup(id string) (*Volume, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.volumes[id]
	return v, ok
}

// Unmount removes the volume mounted under id and releases it.
func (r *Registry) Unmount(id string) error {
	r.mu.Lock()
	v, ok := r.volumes[id]
	delete(r.volumes, id)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: unknown mount %s", ErrPrecondition, id)
	}
	v.Unmount()
	return nil
}

// IDs returns the mount ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.volumes))
}

// Len returns the number of mounted volumes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.volumes)
}

// Snapshot records the ticket of every volume and the path of every open
// handle. Volumes whose metadata failed are skipped.
func (r *Registry) Snapshot() persist.State {
	r.mu.RLock()
	volumes := slices.Collect(maps.Values(r.volumes))
	r.mu.RUnlock()

	st := persist.NewState()
	for _, v := range volumes {
		info := v.Info()
		if info.State == StateFailed || info.State == StateUnmounted {
			continue
		}
		ms := persist.MountState{Ticket: info.Ticket, ArchiveSize: info.ArchiveSize}
		for _, h := range v.Handles() {
			ms.OpenFiles = append(ms.OpenFiles, persist.OpenFile{HandleID: h.ID, Path: h.Path})
		}
		st.Mounts[info.MountID] = ms
	}
	return st
}

// Close unmounts every volume. Later mounts fail with ErrClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	volumes := r.volumes
	r.volumes = make(map[string]*Volume)
	r.closed = true
	r.mu.Unlock()
	for _, v := range volumes {
		v.Unmount()
	}
}
