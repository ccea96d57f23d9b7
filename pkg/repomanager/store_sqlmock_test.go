package repomanager_test

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/serpent-os/federation/pkg/repomanager"
)

// TestCollectionStore_CheckAndUpsert_QueriesThenInserts exercises the
// exact statements CheckAndUpsert issues against the driver, the way the
// ledger store's sqlmock tests pin down SQL shape without a real database.
func TestCollectionStore_CheckAndUpsert_QueriesThenInserts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS collections").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT name, source_id, package_id, build_release, source_release").
		WithArgs("pkg-a").
		WillReturnRows(sqlmock.NewRows([]string{"name", "source_id", "package_id", "build_release", "source_release"}))
	mock.ExpectExec("INSERT INTO collections").
		WithArgs("pkg-a", "src-a", "pkg-a", int64(1), int64(1)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	tx, err := db.Begin()
	require.NoError(t, err)

	store := repomanager.NewCollectionStore(db)
	err = store.CheckAndUpsert(context.Background(), tx, repomanager.Collection{
		Name:          "pkg-a",
		SourceID:      "src-a",
		PackageID:     "pkg-a",
		BuildRelease:  1,
		SourceRelease: 1,
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}
