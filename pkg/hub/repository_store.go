package hub

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/serpent-os/federation/pkg/stone"
)

// RepositoryStore persists Repository rows and owns each repository's
// per-repo metadata DB (spec §3, §4.5).
type RepositoryStore struct {
	db *sql.DB
}

func NewRepositoryStore(db *sql.DB) *RepositoryStore { return &RepositoryStore{db: db} }

func (s *RepositoryStore) Create(ctx context.Context, r Repository) (Repository, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO repositories (project_id, name, origin_uri, status, last_seen_commit, description)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		r.ProjectID, r.Name, r.OriginURI, r.Status, r.LastSeenCommit, r.Description)
	if err != nil {
		return Repository{}, fmt.Errorf("hub: create repository: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Repository{}, fmt.Errorf("hub: create repository: %w", err)
	}
	r.ID = id
	return r, nil
}

func (s *RepositoryStore) Get(ctx context.Context, id int64) (Repository, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, origin_uri, status, last_seen_commit, description
		FROM repositories WHERE id = $1`, id)
	return scanRepository(row)
}

func (s *RepositoryStore) ListByProject(ctx context.Context, projectID int64) ([]Repository, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, name, origin_uri, status, last_seen_commit, description
		FROM repositories WHERE project_id = $1 ORDER BY id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("hub: list repositories: %w", err)
	}
	defer rows.Close()

	var out []Repository
	for rows.Next() {
		r, err := scanRepositoryRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *RepositoryStore) SetStatus(ctx context.Context, id int64, status RepoStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE repositories SET status = $1 WHERE id = $2`, status, id)
	return err
}

func (s *RepositoryStore) SetLastSeenCommit(ctx context.Context, id int64, commit string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE repositories SET last_seen_commit = $1 WHERE id = $2`, commit, id)
	return err
}

func (s *RepositoryStore) SetDescription(ctx context.Context, id int64, description string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE repositories SET description = $1 WHERE id = $2`, description, id)
	return err
}

// MetaDB returns the SQL-backed metadata store for repository id, creating
// its table on first use. It satisfies hub.RepoDB.
func (s *RepositoryStore) MetaDB(id int64) RepoDB {
	return &sqlRepoDB{db: s.db, repoID: id}
}

type sqlRepoDB struct {
	db     *sql.DB
	repoID int64
}

func (d *sqlRepoDB) ensureTable() error {
	_, err := d.db.Exec(`CREATE TABLE IF NOT EXISTS repo_meta (
		repository_id INTEGER NOT NULL,
		package_id TEXT NOT NULL,
		meta_json TEXT NOT NULL,
		PRIMARY KEY (repository_id, package_id)
	)`)
	return err
}

func (d *sqlRepoDB) Wipe() error {
	if err := d.ensureTable(); err != nil {
		return err
	}
	_, err := d.db.Exec(`DELETE FROM repo_meta WHERE repository_id = $1`, d.repoID)
	return err
}

func (d *sqlRepoDB) Put(packageID string, meta stone.Meta) error {
	if err := d.ensureTable(); err != nil {
		return err
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("hub: marshal meta: %w", err)
	}
	_, err = d.db.Exec(`
		INSERT INTO repo_meta (repository_id, package_id, meta_json) VALUES ($1,$2,$3)
		ON CONFLICT (repository_id, package_id) DO UPDATE SET meta_json = excluded.meta_json`,
		d.repoID, packageID, string(data))
	return err
}

func (d *sqlRepoDB) All() (map[string]stone.Meta, error) {
	if err := d.ensureTable(); err != nil {
		return nil, err
	}
	rows, err := d.db.Query(`SELECT package_id, meta_json FROM repo_meta WHERE repository_id = $1`, d.repoID)
	if err != nil {
		return nil, fmt.Errorf("hub: list meta: %w", err)
	}
	defer rows.Close()

	out := make(map[string]stone.Meta)
	for rows.Next() {
		var packageID, data string
		if err := rows.Scan(&packageID, &data); err != nil {
			return nil, err
		}
		var meta stone.Meta
		if err := json.Unmarshal([]byte(data), &meta); err != nil {
			return nil, fmt.Errorf("hub: unmarshal meta: %w", err)
		}
		out[packageID] = meta
	}
	return out, rows.Err()
}

func scanRepository(row *sql.Row) (Repository, error) {
	r, err := scanRepositoryRows(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Repository{}, ErrNotFound
	}
	return r, err
}

func scanRepositoryRows(row rowScanner) (Repository, error) {
	var r Repository
	err := row.Scan(&r.ID, &r.ProjectID, &r.Name, &r.OriginURI, &r.Status, &r.LastSeenCommit, &r.Description)
	if err != nil {
		return Repository{}, fmt.Errorf("hub: scan repository: %w", err)
	}
	return r, nil
}
