package main

import (
	"context"
	"log/slog"
	"sync"

	"github.com/meigma/archivefs/persist"
)

// stateRecorder keeps one mount's entry in the state file in step with
// the client. Calls are serialized so concurrent FUSE opens never lose
// an update between load and save.
type stateRecorder struct {
	store  persist.Store
	client persist.Snapshotter
	id     string
	logger *slog.Logger

	mu sync.Mutex
}

// record merges the client's view of the mount into the state file.
func (r *stateRecorder) record(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, err := r.store.Load(ctx)
	if err != nil {
		return err
	}
	snap := persist.Snapshot(r.client)
	ms, ok := snap.Mounts[r.id]
	if !ok {
		return nil
	}
	st.Mounts[r.id] = ms
	return r.store.Save(ctx, st)
}

// forget removes the mount from the state file.
func (r *stateRecorder) forget(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, err := r.store.Load(ctx)
	if err != nil {
		return err
	}
	delete(st.Mounts, r.id)
	return r.store.Save(ctx, st)
}

// changed records the mount after its open handles change.
func (r *stateRecorder) changed() {
	if err := r.record(context.Background()); err != nil {
		r.logger.Warn("saving state failed", "mount", r.id, "error", err)
	}
}
