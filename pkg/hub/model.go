// Package hub implements the orchestrator's domain logic: recipe intake,
// the task dependency DAG, dispatch to idle builders, and completion
// propagation (spec §4.5, §4.6).
package hub

import (
	"database/sql"
	"errors"
	"time"
)

// Project aggregates profiles and repositories (spec §3).
type Project struct {
	ID      int64
	Name    string
	Slug    string
	Summary string
}

// Remote is an additional binary-package index consulted during a build
// (spec §9 Glossary).
type Remote struct {
	Name     string
	IndexURI string
	Priority int
}

// Profile is a build target: arch, primary index, ordered remotes (spec §3).
type Profile struct {
	ID        int64
	ProjectID int64
	Arch      string
	IndexURI  string
	Remotes   []Remote
}

// RepoStatus tracks a repository's mirror/index lifecycle (spec §4.5).
type RepoStatus string

const (
	RepoStatusFresh    RepoStatus = "fresh"
	RepoStatusCloning  RepoStatus = "cloning"
	RepoStatusUpdating RepoStatus = "updating"
	RepoStatusIndexing RepoStatus = "indexing"
	RepoStatusIdle     RepoStatus = "idle"
)

// Repository is a recipe source (spec §3).
type Repository struct {
	ID            int64
	ProjectID     int64
	Name          string
	OriginURI     string
	Status        RepoStatus
	LastSeenCommit string
	Description   string
}

// TaskStatus is a task's lifecycle state (spec §3).
type TaskStatus string

const (
	TaskNew        TaskStatus = "new"
	TaskFailed     TaskStatus = "failed"
	TaskBuilding   TaskStatus = "building"
	TaskPublishing TaskStatus = "publishing"
	TaskCompleted  TaskStatus = "completed"
	TaskBlocked    TaskStatus = "blocked"
)

// IsOpen reports whether a task with this status still participates in
// the DAG (spec §4.6 Nodes).
func (s TaskStatus) IsOpen() bool {
	switch s {
	case TaskNew, TaskFailed, TaskBuilding, TaskPublishing, TaskBlocked:
		return true
	default:
		return false
	}
}

// Task is a unit of work to build one package (spec §3).
type Task struct {
	ID                int64
	ProjectID         int64
	ProfileID         int64
	RepositoryID      int64
	PackageID         string
	Arch              string
	BuildID           string
	Description       string
	CommitRef         string
	SourcePath        string
	Status            TaskStatus
	AllocatedBuilder  sql.NullString
	LogPath           sql.NullString
	Blockers          []string
	Started           time.Time
	Updated           time.Time
	Ended             sql.NullTime
}

// Consistent reports whether the spec §8 invariant holds: blocked status
// and a non-empty blocker set are equivalent.
func (t Task) Consistent() bool {
	if t.Status == TaskBlocked {
		return len(t.Blockers) > 0
	}
	return len(t.Blockers) == 0
}

var ErrNotFound = errors.New("hub: not found")
