package hub

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/serpent-os/federation/pkg/stone"
)

// ProjectStore persists Project rows.
type ProjectStore struct{ db *sql.DB }

func NewProjectStore(db *sql.DB) *ProjectStore { return &ProjectStore{db: db} }

func (s *ProjectStore) Create(ctx context.Context, p Project) (Project, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO projects (name, slug, summary) VALUES ($1,$2,$3)`, p.Name, p.Slug, p.Summary)
	if err != nil {
		return Project{}, fmt.Errorf("hub: create project: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Project{}, err
	}
	p.ID = id
	return p, nil
}

func (s *ProjectStore) Get(ctx context.Context, id int64) (Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, slug, summary FROM projects WHERE id = $1`, id)
	var p Project
	if err := row.Scan(&p.ID, &p.Name, &p.Slug, &p.Summary); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Project{}, ErrNotFound
		}
		return Project{}, fmt.Errorf("hub: scan project: %w", err)
	}
	return p, nil
}

func (s *ProjectStore) List(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, slug, summary FROM projects ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("hub: list projects: %w", err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Slug, &p.Summary); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ProfileStore persists Profile and Remote rows, and owns each profile's
// published-metadata DB used to gate task synthesis (spec §4.5 step 4).
type ProfileStore struct{ db *sql.DB }

func NewProfileStore(db *sql.DB) *ProfileStore { return &ProfileStore{db: db} }

func (s *ProfileStore) Create(ctx context.Context, p Profile) (Profile, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO profiles (project_id, arch, index_uri) VALUES ($1,$2,$3)`,
		p.ProjectID, p.Arch, p.IndexURI)
	if err != nil {
		return Profile{}, fmt.Errorf("hub: create profile: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Profile{}, err
	}
	p.ID = id

	for _, r := range p.Remotes {
		if _, err := s.db.ExecContext(ctx, `INSERT INTO remotes (profile_id, name, index_uri, priority) VALUES ($1,$2,$3,$4)`,
			p.ID, r.Name, r.IndexURI, r.Priority); err != nil {
			return Profile{}, fmt.Errorf("hub: create remote: %w", err)
		}
	}
	return p, nil
}

func (s *ProfileStore) Get(ctx context.Context, id int64) (Profile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, project_id, arch, index_uri FROM profiles WHERE id = $1`, id)
	var p Profile
	if err := row.Scan(&p.ID, &p.ProjectID, &p.Arch, &p.IndexURI); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("hub: scan profile: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT name, index_uri, priority FROM remotes WHERE profile_id = $1 ORDER BY priority`, id)
	if err != nil {
		return Profile{}, fmt.Errorf("hub: list remotes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r Remote
		if err := rows.Scan(&r.Name, &r.IndexURI, &r.Priority); err != nil {
			return Profile{}, err
		}
		p.Remotes = append(p.Remotes, r)
	}
	return p, rows.Err()
}

func (s *ProfileStore) ListByProject(ctx context.Context, projectID int64) ([]Profile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM profiles WHERE project_id = $1 ORDER BY id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("hub: list profiles: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()

	out := make([]Profile, 0, len(ids))
	for _, id := range ids {
		p, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// PublishedDB returns the published-metadata store for profile id,
// creating its table on first use. It satisfies hub.ProfileDB.
func (s *ProfileStore) PublishedDB(id int64) ProfileDB {
	return &sqlProfileDB{db: s.db, profileID: id}
}

type sqlProfileDB struct {
	db        *sql.DB
	profileID int64
}

func (d *sqlProfileDB) ensureTable() error {
	_, err := d.db.Exec(`CREATE TABLE IF NOT EXISTS published_meta (
		profile_id INTEGER NOT NULL,
		provider_kind TEXT NOT NULL,
		provider_name TEXT NOT NULL,
		meta_json TEXT NOT NULL,
		PRIMARY KEY (profile_id, provider_kind, provider_name)
	)`)
	return err
}

func (d *sqlProfileDB) FindByProvider(kind stone.ProviderKind, name string) (stone.Meta, bool, error) {
	if err := d.ensureTable(); err != nil {
		return stone.Meta{}, false, err
	}
	row := d.db.QueryRow(`SELECT meta_json FROM published_meta WHERE profile_id = $1 AND provider_kind = $2 AND provider_name = $3`,
		d.profileID, kind, name)
	var data string
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return stone.Meta{}, false, nil
		}
		return stone.Meta{}, false, fmt.Errorf("hub: scan published meta: %w", err)
	}
	var meta stone.Meta
	if err := json.Unmarshal([]byte(data), &meta); err != nil {
		return stone.Meta{}, false, fmt.Errorf("hub: unmarshal published meta: %w", err)
	}
	return meta, true, nil
}

// Refresh rewrites the profile's published-metadata DB from a freshly
// fetched remote index (spec §4.6 import_succeeded: "Trigger profile
// refresh").
func (s *ProfileStore) Refresh(ctx context.Context, id int64, packages map[string]stone.Meta) error {
	pdb := &sqlProfileDB{db: s.db, profileID: id}
	if err := pdb.ensureTable(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM published_meta WHERE profile_id = $1`, id); err != nil {
		return fmt.Errorf("hub: clear published meta: %w", err)
	}
	for _, meta := range packages {
		data, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("hub: marshal published meta: %w", err)
		}
		for _, p := range meta.Providers {
			if _, err := s.db.ExecContext(ctx, `
				INSERT INTO published_meta (profile_id, provider_kind, provider_name, meta_json) VALUES ($1,$2,$3,$4)`,
				id, p.Kind, p.Name, string(data)); err != nil {
				return fmt.Errorf("hub: insert published meta: %w", err)
			}
		}
	}
	return nil
}
