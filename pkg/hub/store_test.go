package hub_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/serpent-os/federation/pkg/hub"
	"github.com/serpent-os/federation/pkg/store"
)

func newTaskStore(t *testing.T) *hub.TaskStore {
	t.Helper()
	db, err := store.Open(store.DialectSQLite, "file::memory:?cache=shared&mode=memory")
	require.NoError(t, err)
	require.NoError(t, hub.Migrate(db))
	t.Cleanup(func() { _ = db.Close() })
	return hub.NewTaskStore(db)
}

func newTask(buildID string) hub.Task {
	now := time.Now().UTC()
	return hub.Task{
		ProjectID: 1, ProfileID: 1, RepositoryID: 1,
		PackageID: "pkg", Arch: "x86_64", BuildID: buildID,
		Status: hub.TaskNew, Started: now, Updated: now,
	}
}

func TestTaskStore_CreateIsIdempotentOnBuildID(t *testing.T) {
	ts := newTaskStore(t)
	ctx := context.Background()

	_, err := ts.Create(ctx, newTask("core/zlib/zlib-1.2-1_1_x86_64"))
	require.NoError(t, err)

	_, err = ts.Create(ctx, newTask("core/zlib/zlib-1.2-1_1_x86_64"))
	require.ErrorIs(t, err, hub.ErrDuplicateBuildID)
}

func TestTaskStore_AddBlockerTransitionsToBlocked(t *testing.T) {
	ts := newTaskStore(t)
	ctx := context.Background()

	created, err := ts.Create(ctx, newTask("core/a/a-1-1_1_x86_64"))
	require.NoError(t, err)

	require.NoError(t, ts.AddBlocker(ctx, created.ID, "core/b/b-1-1_1_x86_64"))

	got, err := ts.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, hub.TaskBlocked, got.Status)
	require.Len(t, got.Blockers, 1)
	require.True(t, got.Consistent())
}

func TestTaskStore_RemoveLastBlockerTransitionsToNew(t *testing.T) {
	ts := newTaskStore(t)
	ctx := context.Background()

	created, err := ts.Create(ctx, newTask("core/a/a-1-1_1_x86_64"))
	require.NoError(t, err)

	require.NoError(t, ts.AddBlocker(ctx, created.ID, "core/b/b-1-1_1_x86_64"))
	require.NoError(t, ts.RemoveBlocker(ctx, created.ID, "core/b/b-1-1_1_x86_64"))

	got, err := ts.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, hub.TaskNew, got.Status)
	require.Empty(t, got.Blockers)
	require.True(t, got.Consistent())
}

func TestTaskStore_ListOpenExcludesCompleted(t *testing.T) {
	ts := newTaskStore(t)
	ctx := context.Background()

	a, err := ts.Create(ctx, newTask("core/a/a-1-1_1_x86_64"))
	require.NoError(t, err)
	b, err := ts.Create(ctx, newTask("core/b/b-1-1_1_x86_64"))
	require.NoError(t, err)
	require.NoError(t, ts.SetStatus(ctx, b.ID, hub.TaskCompleted))

	open, err := ts.ListOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, a.ID, open[0].ID)
}
