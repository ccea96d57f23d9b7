package hub

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/serpent-os/federation/pkg/git"
	"github.com/serpent-os/federation/pkg/stone"
)

// RepoDB is a repository's (previously wiped, then rebuilt) metadata
// store (spec §4.5 step 3). ProfileDB is the published-metadata store
// queried during task synthesis (spec §4.5 step 4). Both are narrow
// interfaces so the caller can back them with any key-value or SQL store.
type RepoDB interface {
	Wipe() error
	Put(packageID string, meta stone.Meta) error
	All() (map[string]stone.Meta, error)
}

type ProfileDB interface {
	FindByProvider(kind stone.ProviderKind, name string) (stone.Meta, bool, error)
}

// Intake drives one repository's mirror/reindex/task-synthesis pass
// (spec §4.5).
type Intake struct {
	Codec    stone.Codec
	CacheDir string // cache/repository/{id}

	Repos RepoStore
	Tasks *TaskStore
}

// RepoStore is the subset of repository persistence Intake needs: status
// transitions, commit tracking, and access to each repository's metadata
// DB (spec §4.5).
type RepoStore interface {
	SetStatus(ctx context.Context, id int64, status RepoStatus) error
	SetLastSeenCommit(ctx context.Context, id int64, commit string) error
	SetDescription(ctx context.Context, id int64, description string) error
	MetaDB(id int64) RepoDB
}

func (in *Intake) cloneDir() string { return filepath.Join(in.CacheDir, "clone") }
func (in *Intake) workDir() string  { return filepath.Join(in.CacheDir, "work") }

// Mirror clones or updates the repository's bare mirror (spec §4.5 step 1).
// A previous-failure status forces a full re-clone.
func (in *Intake) Mirror(ctx context.Context, repo Repository) error {
	dir := in.cloneDir()
	needsClone := repo.Status == RepoStatusFresh || repo.Status == RepoStatusCloning || repo.Status == RepoStatusUpdating
	if _, err := os.Stat(dir); err != nil {
		needsClone = true
	}

	if needsClone {
		if err := in.Repos.SetStatus(ctx, repo.ID, RepoStatusCloning); err != nil {
			return err
		}
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("hub: intake: clear clone dir: %w", err)
		}
		if err := git.Mirror(ctx, repo.OriginURI, dir); err != nil {
			return fmt.Errorf("hub: intake: mirror: %w", err)
		}
	} else {
		if err := in.Repos.SetStatus(ctx, repo.ID, RepoStatusUpdating); err != nil {
			return err
		}
		if err := git.RemoteUpdate(ctx, dir); err != nil {
			return fmt.Errorf("hub: intake: remote update: %w", err)
		}
	}

	return in.Repos.SetStatus(ctx, repo.ID, RepoStatusIdle)
}

// HeadChanged reads HEAD and reports whether it differs from the
// repository's stored commit (spec §4.5 step 2). On change it persists
// the new commit before returning.
func (in *Intake) HeadChanged(ctx context.Context, repo Repository) (bool, string, error) {
	head, err := git.RevParse(ctx, in.cloneDir(), "HEAD")
	if err != nil {
		return false, "", fmt.Errorf("hub: intake: head: %w", err)
	}
	if head == repo.LastSeenCommit {
		return false, head, nil
	}
	if err := in.Repos.SetLastSeenCommit(ctx, repo.ID, head); err != nil {
		return false, "", err
	}
	return true, head, nil
}

// Reindex checks out a fresh worktree at commit, parses every
// manifest.*.bin file as a stone payload, and rebuilds the repository's
// metadata DB (spec §4.5 step 3).
func (in *Intake) Reindex(ctx context.Context, repo Repository, commit string) error {
	if err := in.Repos.SetStatus(ctx, repo.ID, RepoStatusIndexing); err != nil {
		return err
	}

	wt := filepath.Join(in.workDir(), commit)
	_ = os.RemoveAll(wt)
	if err := git.AddWorktree(ctx, in.cloneDir(), wt, commit); err != nil {
		return fmt.Errorf("hub: intake: worktree: %w", err)
	}
	defer func() { _ = git.RemoveWorktree(ctx, in.cloneDir(), wt) }()

	if err := in.Repos.MetaDB(repo.ID).Wipe(); err != nil {
		return fmt.Errorf("hub: intake: wipe metadata db: %w", err)
	}

	err := filepath.WalkDir(wt, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if !strings.HasPrefix(name, "manifest.") || !strings.HasSuffix(name, ".bin") {
			return nil
		}
		meta, err := in.Codec.ParseMeta(path)
		if err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		return in.Repos.MetaDB(repo.ID).Put(meta.SourceID, meta)
	})
	if err != nil {
		return fmt.Errorf("hub: intake: walk worktree: %w", err)
	}

	if data, err := os.ReadFile(filepath.Join(wt, "README.md")); err == nil {
		if err := in.Repos.SetDescription(ctx, repo.ID, string(data)); err != nil {
			return err
		}
	}

	return in.Repos.SetStatus(ctx, repo.ID, RepoStatusIdle)
}

// SynthesizeTasks creates a task for each package-name provider in the
// repository's metadata DB that has no published version, or whose
// source_release strictly exceeds the published one (spec §4.5 step 4).
func (in *Intake) SynthesizeTasks(ctx context.Context, project Project, profile Profile, repo Repository, commit string, profileDB ProfileDB) (created int, err error) {
	packages, err := in.Repos.MetaDB(repo.ID).All()
	if err != nil {
		return 0, fmt.Errorf("hub: intake: list packages: %w", err)
	}

	for packageID, meta := range packages {
		for _, p := range meta.Providers {
			if p.Kind != stone.ProviderPackageName {
				continue
			}

			published, found, err := profileDB.FindByProvider(stone.ProviderPackageName, p.Name)
			if err != nil {
				return created, fmt.Errorf("hub: intake: query published: %w", err)
			}
			if found && published.SourceRelease >= meta.SourceRelease {
				// published version is current or newer; skip with a warning
				slog.Warn("hub: intake: published release is current or newer, skipping",
					"package", p.Name, "published_source_release", published.SourceRelease,
					"recipe_source_release", meta.SourceRelease)
				continue
			}

			version := meta.Version
			if _, err := semver.StrictNewVersion(normalizeSemver(version)); err != nil {
				// Non-semver recipe versions are accepted verbatim; the
				// build-id string is still well-formed and unique.
				_ = err
			}

			buildID := fmt.Sprintf("%s/%s/%s-%s-%d_%d_%s",
				project.Slug, repo.Name, meta.SourceID, version, meta.SourceRelease, meta.BuildRelease, meta.Architecture)

			now := time.Now().UTC()
			_, err = in.Tasks.Create(ctx, Task{
				ProjectID:    project.ID,
				ProfileID:    profile.ID,
				RepositoryID: repo.ID,
				PackageID:    packageID,
				Arch:         meta.Architecture,
				BuildID:      buildID,
				CommitRef:    commit,
				SourcePath:   meta.SourceID,
				Status:       TaskNew,
				Started:      now,
				Updated:      now,
			})
			switch {
			case err == nil:
				created++
			case err == ErrDuplicateBuildID:
				// idempotent re-run: nothing new to create
			default:
				return created, fmt.Errorf("hub: intake: create task: %w", err)
			}
		}
	}

	return created, nil
}

func normalizeSemver(v string) string {
	if strings.Count(v, ".") < 2 {
		return v + strings.Repeat(".0", 2-strings.Count(v, "."))
	}
	return v
}
