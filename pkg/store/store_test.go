package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/serpent-os/federation/pkg/store"
)

func openTestDB(t *testing.T) *store.AccountStore {
	t.Helper()
	db, err := store.Open(store.DialectSQLite, "file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return store.NewAccountStore(db)
}

func TestAccountStore_CreateAndGet(t *testing.T) {
	accounts := openTestDB(t)
	ctx := context.Background()

	created, err := accounts.Create(ctx, store.Account{
		Kind:      store.AccountAdmin,
		Username:  "admin",
		Email:     "admin@example.com",
		PublicKey: "abc123",
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	fetched, err := accounts.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, created.Username, fetched.Username)

	admin, err := accounts.Admin(ctx)
	require.NoError(t, err)
	require.Equal(t, created.ID, admin.ID)
}

func TestAccountStore_GetMissing(t *testing.T) {
	accounts := openTestDB(t)
	_, err := accounts.Get(context.Background(), "does-not-exist")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestPendingEnrollments_TakeIsOneShot(t *testing.T) {
	p := store.NewPendingEnrollments()
	p.Put(store.PendingEnrollment{EndpointID: "e1", Role: store.RoleBuilder})

	_, ok := p.Take("e1")
	require.True(t, ok)

	_, ok = p.Take("e1")
	require.False(t, ok, "Take should remove the entry after the first read")
}
