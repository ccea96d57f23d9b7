// Package repomanager implements the Repository Manager's import pipeline:
// download, parse, version-gate, place, record, commit, and reindex
// incoming packages, then notify the Hub of the outcome (spec §4.8).
package repomanager

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/serpent-os/federation/pkg/stone"
)

// Collection is the uniqueness-on-name ledger entry tracked per package
// name (spec §3 Collection record).
type Collection struct {
	Name          string
	SourceID      string
	PackageID     string
	BuildRelease  uint64
	SourceRelease uint64
}

// ErrReleaseRegression is returned by CollectionStore.CheckAndUpsert when
// the candidate release does not strictly succeed the recorded one (spec
// §4.8 step 3).
type ErrReleaseRegression struct {
	Name                         string
	WantSourceRelease, WantBuild uint64
	HaveSourceRelease, HaveBuild uint64
}

func (e *ErrReleaseRegression) Error() string {
	return fmt.Sprintf("repomanager: package %s: release (%d,%d) does not succeed recorded release (%d,%d); next source_release must be >= %d with a higher build_release, or a higher source_release",
		e.Name, e.WantSourceRelease, e.WantBuild, e.HaveSourceRelease, e.HaveBuild, e.HaveSourceRelease)
}

// CollectionStore persists Collection rows inside the service database.
type CollectionStore struct {
	db *sql.DB
}

func NewCollectionStore(db *sql.DB) *CollectionStore {
	return &CollectionStore{db: db}
}

func (s *CollectionStore) ensureTable(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS collections (
		name TEXT PRIMARY KEY,
		source_id TEXT NOT NULL,
		package_id TEXT NOT NULL,
		build_release INTEGER NOT NULL,
		source_release INTEGER NOT NULL
	)`)
	return err
}

// Get looks up the current collection record for name, within tx.
func (s *CollectionStore) Get(ctx context.Context, tx *sql.Tx, name string) (Collection, bool, error) {
	if err := s.ensureTable(ctx, tx); err != nil {
		return Collection{}, false, err
	}
	row := tx.QueryRowContext(ctx, `
		SELECT name, source_id, package_id, build_release, source_release
		FROM collections WHERE name = $1`, name)

	var c Collection
	err := row.Scan(&c.Name, &c.SourceID, &c.PackageID, &c.BuildRelease, &c.SourceRelease)
	if err == sql.ErrNoRows {
		return Collection{}, false, nil
	}
	if err != nil {
		return Collection{}, false, fmt.Errorf("repomanager: scan collection: %w", err)
	}
	return c, true, nil
}

// CheckAndUpsert enforces the version gate (spec §4.8 step 3: reject if
// the existing release is ahead of or equal to the candidate) and, if the
// candidate passes, writes it as the new current record.
func (s *CollectionStore) CheckAndUpsert(ctx context.Context, tx *sql.Tx, candidate Collection) error {
	existing, found, err := s.Get(ctx, tx, candidate.Name)
	if err != nil {
		return err
	}
	if found {
		switch {
		case existing.SourceRelease > candidate.SourceRelease:
			return &ErrReleaseRegression{candidate.Name, candidate.SourceRelease, candidate.BuildRelease, existing.SourceRelease, existing.BuildRelease}
		case existing.SourceRelease == candidate.SourceRelease && existing.BuildRelease > candidate.BuildRelease:
			return &ErrReleaseRegression{candidate.Name, candidate.SourceRelease, candidate.BuildRelease, existing.SourceRelease, existing.BuildRelease}
		case existing.SourceRelease == candidate.SourceRelease && existing.BuildRelease == candidate.BuildRelease:
			return &ErrReleaseRegression{candidate.Name, candidate.SourceRelease, candidate.BuildRelease, existing.SourceRelease, existing.BuildRelease}
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO collections (name, source_id, package_id, build_release, source_release)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (name) DO UPDATE SET
			source_id = excluded.source_id, package_id = excluded.package_id,
			build_release = excluded.build_release, source_release = excluded.source_release`,
		candidate.Name, candidate.SourceID, candidate.PackageID, candidate.BuildRelease, candidate.SourceRelease)
	if err != nil {
		return fmt.Errorf("repomanager: upsert collection: %w", err)
	}
	return nil
}

// All returns every collection record, sorted by (source_id, name) as
// required for reindexing (spec §4.8 step 7).
func (s *CollectionStore) All(ctx context.Context, tx *sql.Tx) ([]Collection, error) {
	if err := s.ensureTable(ctx, tx); err != nil {
		return nil, err
	}
	rows, err := tx.QueryContext(ctx, `
		SELECT name, source_id, package_id, build_release, source_release
		FROM collections ORDER BY source_id, name`)
	if err != nil {
		return nil, fmt.Errorf("repomanager: list collections: %w", err)
	}
	defer rows.Close()

	var out []Collection
	for rows.Next() {
		var c Collection
		if err := rows.Scan(&c.Name, &c.SourceID, &c.PackageID, &c.BuildRelease, &c.SourceRelease); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MetaStore persists the full stone.Meta payload per package, keyed by
// package id (spec §4.8 step 5: "insert the package meta into the
// meta-DB (idempotent)").
type MetaStore struct {
	db *sql.DB
}

func NewMetaStore(db *sql.DB) *MetaStore { return &MetaStore{db: db} }

func (s *MetaStore) ensureTable(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS package_meta (
		package_id TEXT PRIMARY KEY,
		meta_json TEXT NOT NULL
	)`)
	return err
}

func (s *MetaStore) Put(ctx context.Context, tx *sql.Tx, packageID string, meta stone.Meta) error {
	if err := s.ensureTable(ctx, tx); err != nil {
		return err
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("repomanager: marshal meta: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO package_meta (package_id, meta_json) VALUES ($1,$2)
		ON CONFLICT (package_id) DO UPDATE SET meta_json = excluded.meta_json`,
		packageID, string(data))
	return err
}

func (s *MetaStore) Get(ctx context.Context, tx *sql.Tx, packageID string) (stone.Meta, error) {
	if err := s.ensureTable(ctx, tx); err != nil {
		return stone.Meta{}, err
	}
	row := tx.QueryRowContext(ctx, `SELECT meta_json FROM package_meta WHERE package_id = $1`, packageID)
	var data string
	if err := row.Scan(&data); err != nil {
		return stone.Meta{}, fmt.Errorf("repomanager: get meta: %w", err)
	}
	var meta stone.Meta
	if err := json.Unmarshal([]byte(data), &meta); err != nil {
		return stone.Meta{}, fmt.Errorf("repomanager: unmarshal meta: %w", err)
	}
	return meta, nil
}

// BeginTx starts the transaction an import commits or rolls back as a
// unit (spec §4.8 step 6).
func BeginTx(ctx context.Context, db *sql.DB) (*sql.Tx, error) {
	return db.BeginTx(ctx, nil)
}
