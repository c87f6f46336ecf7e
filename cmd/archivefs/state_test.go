package main

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/archivefs/persist"
	"github.com/meigma/archivefs/source"
)

// fakeClient reports a fixed set of open files for one mount.
type fakeClient struct {
	st persist.State
}

func (f *fakeClient) Snapshot() persist.State { return f.st }

func TestStateRecorderTracksOpenFiles(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := persist.NewFileStore(filepath.Join(t.TempDir(), "state.cbor"))
	ticket := source.Ticket{Kind: source.KindFile, Location: "/srv/a.tar"}

	other := persist.NewState()
	other.Mounts["other"] = persist.MountState{Ticket: ticket}
	require.NoError(t, store.Save(ctx, other))

	client := &fakeClient{st: persist.NewState()}
	client.st.Mounts["m"] = persist.MountState{Ticket: ticket}
	rec := &stateRecorder{store: store, client: client, id: "m", logger: slog.New(slog.DiscardHandler)}
	require.NoError(t, rec.record(ctx))

	open := persist.NewState()
	open.Mounts["m"] = persist.MountState{
		Ticket:    ticket,
		OpenFiles: []persist.OpenFile{{HandleID: "h1", Path: "/file"}},
	}
	client.st = open
	rec.changed()

	st, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"m", "other"}, st.MountIDs())
	assert.Equal(t, []persist.OpenFile{{HandleID: "h1", Path: "/file"}}, st.Mounts["m"].OpenFiles)

	closed := persist.NewState()
	closed.Mounts["m"] = persist.MountState{Ticket: ticket}
	client.st = closed
	rec.changed()
	st, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.Mounts["m"].OpenFiles)

	require.NoError(t, rec.forget(ctx))
	st, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"other"}, st.MountIDs())
}
