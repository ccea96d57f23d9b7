package hub

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Migrate creates the Hub's project/profile/remote/repository/task tables.
// Separate from pkg/store's shared substrate migration since these tables
// are Hub-only (spec §3).
func Migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			slug TEXT NOT NULL UNIQUE,
			summary TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS profiles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id INTEGER NOT NULL REFERENCES projects(id),
			arch TEXT NOT NULL,
			index_uri TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS remotes (
			profile_id INTEGER NOT NULL REFERENCES profiles(id),
			name TEXT NOT NULL,
			index_uri TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS repositories (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id INTEGER NOT NULL REFERENCES projects(id),
			name TEXT NOT NULL,
			origin_uri TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'fresh',
			last_seen_commit TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id INTEGER NOT NULL,
			profile_id INTEGER NOT NULL,
			repository_id INTEGER NOT NULL,
			package_id TEXT NOT NULL,
			arch TEXT NOT NULL,
			build_id TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT '',
			commit_ref TEXT NOT NULL,
			source_path TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			allocated_builder TEXT,
			log_path TEXT,
			blockers TEXT NOT NULL DEFAULT '',
			started TIMESTAMP NOT NULL,
			updated TIMESTAMP NOT NULL,
			ended TIMESTAMP
		)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("hub: migrate: %w", err)
		}
	}
	return nil
}

// TaskStore persists Task rows.
type TaskStore struct {
	db *sql.DB
}

func NewTaskStore(db *sql.DB) *TaskStore { return &TaskStore{db: db} }

func joinBlockers(b []string) string {
	out := ""
	for i, s := range b {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}

func splitBlockers(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return out
}

// Create inserts a new task. BuildID uniqueness gates idempotent re-runs
// (spec §4.5 step 4) — a conflict is reported via ErrDuplicateBuildID so
// callers can treat it as a no-op rather than a failure.
var ErrDuplicateBuildID = errors.New("hub: build id already exists")

func (s *TaskStore) Create(ctx context.Context, t Task) (Task, error) {
	existing, err := s.GetByBuildID(ctx, t.BuildID)
	if err == nil {
		_ = existing
		return Task{}, ErrDuplicateBuildID
	}
	if !errors.Is(err, ErrNotFound) {
		return Task{}, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (project_id, profile_id, repository_id, package_id, arch, build_id,
			description, commit_ref, source_path, status, allocated_builder, log_path, blockers,
			started, updated, ended)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		t.ProjectID, t.ProfileID, t.RepositoryID, t.PackageID, t.Arch, t.BuildID,
		t.Description, t.CommitRef, t.SourcePath, t.Status, t.AllocatedBuilder, t.LogPath,
		joinBlockers(t.Blockers), t.Started, t.Updated, t.Ended)
	if err != nil {
		return Task{}, fmt.Errorf("hub: create task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Task{}, fmt.Errorf("hub: create task: %w", err)
	}
	t.ID = id
	return t, nil
}

func (s *TaskStore) GetByBuildID(ctx context.Context, buildID string) (Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+` WHERE build_id = $1`, buildID)
	return scanTask(row)
}

func (s *TaskStore) Get(ctx context.Context, id int64) (Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+` WHERE id = $1`, id)
	return scanTask(row)
}

// ListOpen returns every task whose status participates in the DAG
// (spec §4.6 Nodes: status ∈ {new, failed, building, publishing, blocked}).
func (s *TaskStore) ListOpen(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, taskSelect+` WHERE status != $1 ORDER BY id ASC`, TaskCompleted)
	if err != nil {
		return nil, fmt.Errorf("hub: list open tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *TaskStore) SetStatus(ctx context.Context, id int64, status TaskStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = $1, updated = CURRENT_TIMESTAMP WHERE id = $2`, status, id)
	return err
}

func (s *TaskStore) SetAllocatedBuilder(ctx context.Context, id int64, builder string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET allocated_builder = $1, updated = CURRENT_TIMESTAMP WHERE id = $2`, builder, id)
	return err
}

func (s *TaskStore) SetLogPath(ctx context.Context, id int64, path string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET log_path = $1, updated = CURRENT_TIMESTAMP WHERE id = $2`, path, id)
	return err
}

// AddBlocker appends buildID to a task's blocker set and transitions it to
// Blocked if it wasn't already (spec §4.6 Completion propagation).
func (s *TaskStore) AddBlocker(ctx context.Context, id int64, buildID string) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	for _, b := range t.Blockers {
		if b == buildID {
			return nil
		}
	}
	t.Blockers = append(t.Blockers, buildID)
	_, err = s.db.ExecContext(ctx, `UPDATE tasks SET blockers = $1, status = $2, updated = CURRENT_TIMESTAMP WHERE id = $3`,
		joinBlockers(t.Blockers), TaskBlocked, id)
	return err
}

// RemoveBlocker removes buildID from a task's blocker set, and transitions
// Blocked -> New once the set is empty (spec §4.6).
func (s *TaskStore) RemoveBlocker(ctx context.Context, id int64, buildID string) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	out := t.Blockers[:0]
	for _, b := range t.Blockers {
		if b != buildID {
			out = append(out, b)
		}
	}
	status := t.Status
	if len(out) == 0 && t.Status == TaskBlocked {
		status = TaskNew
	}
	_, err = s.db.ExecContext(ctx, `UPDATE tasks SET blockers = $1, status = $2, updated = CURRENT_TIMESTAMP WHERE id = $3`,
		joinBlockers(out), status, id)
	return err
}

const taskSelect = `SELECT id, project_id, profile_id, repository_id, package_id, arch, build_id,
	description, commit_ref, source_path, status, allocated_builder, log_path, blockers,
	started, updated, ended FROM tasks`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row *sql.Row) (Task, error) {
	t, err := scanTaskRows(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	return t, err
}

func scanTaskRows(row rowScanner) (Task, error) {
	var t Task
	var blockers string
	err := row.Scan(&t.ID, &t.ProjectID, &t.ProfileID, &t.RepositoryID, &t.PackageID, &t.Arch, &t.BuildID,
		&t.Description, &t.CommitRef, &t.SourcePath, &t.Status, &t.AllocatedBuilder, &t.LogPath, &blockers,
		&t.Started, &t.Updated, &t.Ended)
	if err != nil {
		return Task{}, fmt.Errorf("hub: scan task: %w", err)
	}
	t.Blockers = splitBlockers(blockers)
	return t, nil
}
